// Package transcript records what happened in a transcribed conference as
// an ordered list of events.
//
// A Transcript only accepts events between its START and END markers; any
// notification outside that window is rejected with a nil event. Speech is
// recorded for final results only, and every participant name currently in
// the room can be used to correct misrecognised spellings of names in the
// recorded text.
package transcript

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/meetscribe/internal/transcript/phonetic"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// EventKind identifies the type of an Event.
type EventKind int

const (
	EventStart EventKind = iota
	EventEnd
	EventSpeech
	EventJoin
	EventLeave
	EventRaiseHand
)

// String returns the kind's wire name.
func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "START"
	case EventEnd:
		return "END"
	case EventSpeech:
		return "SPEECH"
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	case EventRaiseHand:
		return "RAISE_HAND"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EventKind) UnmarshalText(b []byte) error {
	v, ok := ParseEventKind(string(b))
	if !ok {
		return fmt.Errorf("transcript: unknown event kind %q", b)
	}
	*k = v
	return nil
}

// ParseEventKind returns the kind whose wire name is s.
func ParseEventKind(s string) (EventKind, bool) {
	for k := EventStart; k <= EventRaiseHand; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Participant identifies who an event is about.
type Participant struct {
	SSRC     uint32 `json:"ssrc"`
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
}

// Event is one entry of the transcript.
type Event struct {
	Kind        EventKind   `json:"event"`
	Room        string      `json:"room"`
	Timestamp   time.Time   `json:"timestamp"`
	Participant Participant `json:"participant"`

	// Speech only.
	MessageID  uuid.UUID `json:"message_id,omitzero"`
	Text       string    `json:"text,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Language   string    `json:"language,omitempty"`
}

// Option is a functional option for a Transcript.
type Option func(*Transcript)

// WithClock replaces time.Now for participant events.
func WithClock(now func() time.Time) Option {
	return func(t *Transcript) { t.now = now }
}

// WithNameCorrection corrects participant names in recorded speech with m.
func WithNameCorrection(m *phonetic.Matcher) Option {
	return func(t *Transcript) { t.matcher = m }
}

// Transcript is safe for concurrent use.
type Transcript struct {
	room    string
	now     func() time.Time
	matcher *phonetic.Matcher

	mu      sync.Mutex
	started bool
	ended   bool
	events  []Event
	speech  map[uuid.UUID]int
	present map[uint32]Participant
	names   *phonetic.Names
}

// New returns an empty transcript for room.
func New(room string, opts ...Option) *Transcript {
	t := &Transcript{
		room:    room,
		now:     time.Now,
		speech:  make(map[uuid.UUID]int),
		present: make(map[uint32]Participant),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Room returns the room the transcript belongs to.
func (t *Transcript) Room() string { return t.room }

// Started records the START marker. It returns nil when the transcript was
// already started.
func (t *Transcript) Started(at time.Time) *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}
	t.started = true
	return t.appendLocked(Event{Kind: EventStart, Timestamp: at})
}

// Ended records the END marker. It returns nil before start or when already
// ended.
func (t *Transcript) Ended(at time.Time) *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started || t.ended {
		return nil
	}
	t.ended = true
	return t.appendLocked(Event{Kind: EventEnd, Timestamp: at})
}

// NotifyJoined records a join. A participant already present is not
// recorded again.
func (t *Transcript) NotifyJoined(p Participant) *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.activeLocked() {
		return nil
	}
	if _, ok := t.present[p.SSRC]; ok {
		return nil
	}
	t.present[p.SSRC] = p
	t.names = nil
	return t.appendLocked(Event{Kind: EventJoin, Timestamp: t.now(), Participant: p})
}

// NotifyLeft records a leave.
func (t *Transcript) NotifyLeft(p Participant) *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.activeLocked() {
		return nil
	}
	if known, ok := t.present[p.SSRC]; ok {
		delete(t.present, p.SSRC)
		t.names = nil
		if p.Name == "" {
			p = known
		}
	}
	return t.appendLocked(Event{Kind: EventLeave, Timestamp: t.now(), Participant: p})
}

// NotifyRaisedHand records a raised hand.
func (t *Transcript) NotifyRaisedHand(p Participant) *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.activeLocked() {
		return nil
	}
	if known, ok := t.present[p.SSRC]; ok && p.Name == "" {
		p = known
	}
	return t.appendLocked(Event{Kind: EventRaiseHand, Timestamp: t.now(), Participant: p})
}

// Notify records a speech event for a final result. Interim results,
// results without a speaker and results with no text are not recorded. A
// later final with the MessageID of a recorded one replaces that event.
func (t *Transcript) Notify(r stt.Result) *Event {
	if r.Interim || r.Speaker == nil {
		return nil
	}
	text := r.Text()
	if text == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.activeLocked() {
		return nil
	}

	p := Participant{SSRC: r.Speaker.SSRC, Name: r.Speaker.Name}
	if known, ok := t.present[p.SSRC]; ok {
		p.Language = known.Language
		if p.Name == "" {
			p.Name = known.Name
		}
	}
	if t.matcher != nil {
		text, _ = t.matcher.Correct(text, t.namesLocked())
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = t.now()
	}
	var conf float64
	for _, a := range r.Alternatives {
		conf = max(conf, a.Confidence)
	}
	e := Event{
		Kind:        EventSpeech,
		Room:        t.room,
		Timestamp:   ts,
		Participant: p,
		MessageID:   r.MessageID,
		Text:        text,
		Confidence:  conf,
		Language:    r.Language,
	}
	if r.MessageID != uuid.Nil {
		if i, ok := t.speech[r.MessageID]; ok {
			t.events[i] = e
			return &e
		}
		t.speech[r.MessageID] = len(t.events)
	}
	return t.appendLocked(e)
}

// Events returns a copy of all events ordered by timestamp. Events with
// equal timestamps keep the order they were recorded in.
func (t *Transcript) Events() []Event {
	t.mu.Lock()
	out := slices.Clone(t.events)
	t.mu.Unlock()

	slices.SortStableFunc(out, func(a, b Event) int {
		return cmp.Compare(a.Timestamp.UnixNano(), b.Timestamp.UnixNano())
	})
	return out
}

// Participants returns everyone currently present.
func (t *Transcript) Participants() []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Participant, 0, len(t.present))
	for _, p := range t.present {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Participant) int { return cmp.Compare(a.SSRC, b.SSRC) })
	return out
}

func (t *Transcript) activeLocked() bool { return t.started && !t.ended }

func (t *Transcript) appendLocked(e Event) *Event {
	e.Room = t.room
	t.events = append(t.events, e)
	return &e
}

// namesLocked rebuilds the phonetic name set after membership changed.
func (t *Transcript) namesLocked() *phonetic.Names {
	if t.names == nil {
		names := make([]string, 0, len(t.present))
		for _, p := range t.present {
			if p.Name != "" {
				names = append(names, p.Name)
			}
		}
		t.names = phonetic.Prepare(names)
	}
	return t.names
}
