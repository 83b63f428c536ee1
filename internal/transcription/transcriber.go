// Package transcription runs the live transcription of one conference room.
//
// A [Transcriber] demultiplexes the room's audio by SSRC into
// [Participant]s. Each participant filters silence, buffers audio up to a
// bounded duration and hands the resulting requests to its own offload
// goroutine, which talks to the configured [stt.Service]. Results flow back
// through the Transcriber into the room's [transcript.Transcript] and out to
// the registered [Listener]s, each served by its own ordered queue.
//
// Lifecycle:
//
//	NOT_STARTED → TRANSCRIBING → FINISHING_UP → FINISHED
//
// Transitions are one-way. Out-of-order calls to Start and Stop are logged
// and ignored.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/internal/transcript"
	"github.com/MrWong99/meetscribe/internal/transcript/phonetic"
	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// State is the lifecycle state of a [Transcriber].
type State int32

const (
	StateNotStarted State = iota
	StateTranscribing
	StateFinishingUp
	StateFinished
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateTranscribing:
		return "TRANSCRIBING"
	case StateFinishingUp:
		return "FINISHING_UP"
	case StateFinished:
		return "FINISHED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Transcriber transcribes one room. All exported methods are safe for
// concurrent use.
type Transcriber struct {
	room    string
	svc     stt.Service
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time
	matcher *phonetic.Matcher

	// ctx outlives Stop's drain; it is cancelled when the drain gives up
	// or completes.
	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	mu           sync.RWMutex
	participants map[uint32]*Participant

	transcript *transcript.Transcript

	lmu         sync.Mutex
	dispatchers []*dispatcher
}

// New creates a Transcriber for room that sends audio to svc.
func New(room string, svc stt.Service, cfg Config, opts ...Option) *Transcriber {
	cfg.applyDefaults()
	t := &Transcriber{
		room:         room,
		svc:          svc,
		cfg:          cfg,
		log:          slog.Default(),
		now:          time.Now,
		participants: make(map[uint32]*Participant),
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	t.log = t.log.With("room", room)

	topts := []transcript.Option{transcript.WithClock(t.now)}
	if t.matcher != nil {
		topts = append(topts, transcript.WithNameCorrection(t.matcher))
	}
	t.transcript = transcript.New(room, topts...)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// Room returns the room identifier.
func (t *Transcriber) Room() string { return t.room }

// State returns the current lifecycle state.
func (t *Transcriber) State() State { return State(t.state.Load()) }

// Transcript returns the room's transcript.
func (t *Transcriber) Transcript() *transcript.Transcript { return t.transcript }

// AddListener registers l. Listeners added after Stop are ignored.
func (t *Transcriber) AddListener(l Listener) {
	if t.State() == StateFinished {
		t.log.Warn("listener added after transcription finished")
		return
	}
	t.lmu.Lock()
	defer t.lmu.Unlock()
	t.dispatchers = append(t.dispatchers, newDispatcher(l, t.log))
}

// Start begins transcribing. Participants added before Start are recorded
// as joined at this point.
func (t *Transcriber) Start() {
	if !t.state.CompareAndSwap(int32(StateNotStarted), int32(StateTranscribing)) {
		t.log.Warn("start ignored", "state", t.State())
		return
	}
	t.metrics.ActiveRooms.Add(t.ctx, 1)
	t.event(t.transcript.Started(t.now()))

	t.mu.RLock()
	present := make([]*Participant, 0, len(t.participants))
	for _, p := range t.participants {
		present = append(present, p)
	}
	t.mu.RUnlock()
	for _, p := range present {
		t.event(t.transcript.NotifyJoined(p.identity()))
	}
	t.log.Info("transcription started", "provider", t.svc.Name(), "participants", len(present))
}

// Add creates the participant for ssrc, or updates the existing one, and
// joins it. A failure to open a streaming session is logged; the
// participant is still added and retries on the next Add.
func (t *Transcriber) Add(ctx context.Context, name string, ssrc uint32, opts ...ParticipantOption) *Participant {
	if s := t.State(); s >= StateFinishingUp {
		t.log.Warn("participant not added, transcription is ending", "ssrc", ssrc, "state", s)
		return nil
	}

	t.mu.Lock()
	if s := t.State(); s >= StateFinishingUp {
		// Stop won the race after the check above
		t.mu.Unlock()
		t.log.Warn("participant not added, transcription is ending", "ssrc", ssrc, "state", s)
		return nil
	}
	p, ok := t.participants[ssrc]
	if ok {
		p.update(name, opts...)
	} else {
		p = newParticipant(t, name, ssrc, opts...)
		t.participants[ssrc] = p
	}
	t.mu.Unlock()
	if !ok {
		t.metrics.ActiveParticipants.Add(ctx, 1)
	}

	if err := p.Joined(ctx); err != nil {
		t.log.Error("opening streaming session", "ssrc", ssrc, "provider", t.svc.Name(), "err", err)
	}
	t.event(t.transcript.NotifyJoined(p.identity()))
	return p
}

// Remove makes the participant leave. Its remaining audio is still sent.
func (t *Transcriber) Remove(ssrc uint32) {
	p, ok := t.participant(ssrc)
	if !ok {
		t.log.Warn("remove of unknown participant", "ssrc", ssrc)
		return
	}
	p.Left()
	t.event(t.transcript.NotifyLeft(p.identity()))
}

// RaiseHand records a raised hand.
func (t *Transcriber) RaiseHand(ssrc uint32) {
	p, ok := t.participant(ssrc)
	if !ok {
		t.log.Warn("raised hand of unknown participant", "ssrc", ssrc)
		return
	}
	t.event(t.transcript.NotifyRaisedHand(p.identity()))
}

// Participant returns the participant for ssrc.
func (t *Transcriber) Participant(ssrc uint32) (*Participant, bool) {
	return t.participant(ssrc)
}

func (t *Transcriber) participant(ssrc uint32) (*Participant, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.participants[ssrc]
	return p, ok
}

// BufferReceived feeds one frame of the participant with ssrc. It is
// called from the audio callback: it never blocks and never panics. Frames
// arriving while not transcribing or for unknown participants are dropped.
func (t *Transcriber) BufferReceived(ssrc uint32, frame []byte, format audio.Format) {
	ctx := t.ctx
	defer func() {
		if r := recover(); r != nil {
			t.metrics.RecordFrameDropped(ctx, observe.DropPanic)
			t.log.Error("audio handling panicked", "ssrc", ssrc, "panic", r)
		}
	}()

	t.metrics.FramesReceived.Add(ctx, 1)
	if t.State() != StateTranscribing {
		t.metrics.RecordFrameDropped(ctx, observe.DropNotTranscribing)
		return
	}
	p, ok := t.participant(ssrc)
	if !ok {
		t.metrics.RecordFrameDropped(ctx, observe.DropUnknownSSRC)
		t.log.Debug("dropping frame of unknown participant", "ssrc", ssrc)
		return
	}
	p.GiveBuffer(frame, format)
}

// Stop flushes every participant, ends their sessions and waits for their
// queued audio to be sent, then ends the transcript and completes the
// listeners. When ctx expires first, pending work is abandoned and the
// context error returned.
func (t *Transcriber) Stop(ctx context.Context) error {
	// flipping the state under mu means every participant Add inserted is
	// in the snapshot, and later Adds are refused
	t.mu.Lock()
	if !t.state.CompareAndSwap(int32(StateTranscribing), int32(StateFinishingUp)) {
		t.mu.Unlock()
		t.log.Warn("stop ignored", "state", t.State())
		return nil
	}
	all := make([]*Participant, 0, len(t.participants))
	for _, p := range t.participants {
		all = append(all, p)
	}
	t.mu.Unlock()

	t.log.Info("finishing transcription")
	defer t.cancel()
	// abort in-flight provider calls once the caller gives up
	stop := context.AfterFunc(ctx, t.cancel)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range all {
		g.Go(func() error {
			p.Left()
			return p.close(gctx)
		})
	}
	drainErr := g.Wait()
	if drainErr != nil {
		t.log.Warn("participants not drained", "err", drainErr)
	}

	t.state.Store(int32(StateFinished))
	t.metrics.ActiveRooms.Add(t.ctx, -1)
	t.metrics.ActiveParticipants.Add(t.ctx, -int64(len(all)))
	t.event(t.transcript.Ended(t.now()))

	t.lmu.Lock()
	ds := t.dispatchers
	t.dispatchers = nil
	t.lmu.Unlock()

	errs := []error{drainErr}
	for _, d := range ds {
		d.submit(d.l.Completed)
		errs = append(errs, d.close(ctx))
	}
	t.log.Info("transcription finished", "events", len(t.transcript.Events()))
	return errors.Join(errs...)
}

// notify records r and forwards it to the listeners.
func (t *Transcriber) notify(r stt.Result) {
	if t.State() == StateFinished {
		return
	}
	t.broadcast(func(l Listener) { l.Notify(r) })
	t.event(t.transcript.Notify(r))
}

// failed forwards a provider failure of p to the listeners that care.
func (t *Transcriber) failed(p *Participant, f stt.Failure) {
	id := Identity{Room: t.room, SSRC: p.ssrc, Name: p.Name()}
	t.broadcast(func(l Listener) {
		if fl, ok := l.(FailureListener); ok {
			fl.Failed(id, f)
		}
	})
}

// event forwards a recorded transcript event. A nil event was not
// recorded and is not forwarded.
func (t *Transcriber) event(e *transcript.Event) {
	if e == nil {
		return
	}
	ev := *e
	t.broadcast(func(l Listener) {
		if el, ok := l.(EventListener); ok {
			el.TranscriptEvent(ev)
		}
	})
}

func (t *Transcriber) broadcast(fn func(Listener)) {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	for _, d := range t.dispatchers {
		d.submit(func() { fn(d.l) })
	}
}
