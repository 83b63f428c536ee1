// Package sink delivers transcription results and transcript events to
// downstream consumers.
//
// A [Listener] attaches to a room's transcriber and forwards everything it
// sees to the configured sinks. Subpackages provide a Kafka publisher and a
// PostgreSQL event store.
package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/internal/transcript"
	"github.com/MrWong99/meetscribe/internal/transcription"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// ResultSink receives speech-to-text results.
type ResultSink interface {
	Name() string
	PublishResult(ctx context.Context, msg ResultMessage) error
}

// EventSink receives transcript events.
type EventSink interface {
	Name() string
	PublishEvent(ctx context.Context, e transcript.Event) error
}

// Alternative is one hypothesis of a [ResultMessage].
type Alternative struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ResultMessage is the wire form of an [stt.Result].
type ResultMessage struct {
	Room         string        `json:"room"`
	MessageID    uuid.UUID     `json:"message_id"`
	SSRC         uint32        `json:"ssrc"`
	Name         string        `json:"name,omitempty"`
	Text         string        `json:"text"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
	Interim      bool          `json:"interim"`
	Stability    float64       `json:"stability,omitempty"`
	Language     string        `json:"language,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Kind is "interim" or "final".
func (m ResultMessage) Kind() string {
	if m.Interim {
		return "interim"
	}
	return "final"
}

// NewResultMessage converts r, produced in room, to its wire form.
func NewResultMessage(room string, r stt.Result) ResultMessage {
	msg := ResultMessage{
		Room:      room,
		MessageID: r.MessageID,
		Text:      r.Text(),
		Interim:   r.Interim,
		Stability: r.Stability,
		Language:  r.Language,
		Timestamp: r.Timestamp,
	}
	if r.Speaker != nil {
		msg.SSRC = r.Speaker.SSRC
		msg.Name = r.Speaker.Name
	}
	for _, a := range r.Alternatives {
		msg.Alternatives = append(msg.Alternatives, Alternative(a))
	}
	return msg
}

// Listener forwards a room's results and events to sinks. Each transcriber
// listener runs on its own goroutine, so a slow sink delays only this
// listener.
type Listener struct {
	room    string
	results []ResultSink
	events  []EventSink
	metrics *observe.Metrics
	log     *slog.Logger
	timeout time.Duration
	done    chan struct{}
}

var (
	_ transcription.Listener      = (*Listener)(nil)
	_ transcription.EventListener = (*Listener)(nil)
)

// ListenerOption configures a [Listener].
type ListenerOption func(*Listener)

// WithResultSinks adds sinks that receive every result.
func WithResultSinks(s ...ResultSink) ListenerOption {
	return func(l *Listener) { l.results = append(l.results, s...) }
}

// WithEventSinks adds sinks that receive every transcript event.
func WithEventSinks(s ...EventSink) ListenerOption {
	return func(l *Listener) { l.events = append(l.events, s...) }
}

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ListenerOption {
	return func(l *Listener) { l.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(log *slog.Logger) ListenerOption {
	return func(l *Listener) { l.log = log }
}

// WithWriteTimeout bounds each sink write. Default: 10s.
func WithWriteTimeout(d time.Duration) ListenerOption {
	return func(l *Listener) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// NewListener creates a [Listener] for room.
func NewListener(room string, opts ...ListenerOption) *Listener {
	l := &Listener{
		room:    room,
		timeout: 10 * time.Second,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	l.log = l.log.With("room", room)
	return l
}

// Notify publishes r to every result sink.
func (l *Listener) Notify(r stt.Result) {
	msg := NewResultMessage(l.room, r)
	for _, s := range l.results {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		err := s.PublishResult(ctx, msg)
		cancel()
		l.metrics.RecordSinkWrite(context.Background(), s.Name(), msg.Kind(), err)
		if err != nil {
			l.log.Warn("sink: publish result failed", "sink", s.Name(), "message_id", msg.MessageID, "err", err)
		}
	}
}

// TranscriptEvent publishes e to every event sink.
func (l *Listener) TranscriptEvent(e transcript.Event) {
	for _, s := range l.events {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		err := s.PublishEvent(ctx, e)
		cancel()
		l.metrics.RecordSinkWrite(context.Background(), s.Name(), "event", err)
		if err != nil {
			l.log.Warn("sink: publish event failed", "sink", s.Name(), "event", e.Kind, "err", err)
		}
	}
}

// Completed marks the room as finished. [Listener.Done] is closed after it.
func (l *Listener) Completed() {
	l.log.Debug("sink: room completed")
	close(l.done)
}

// Done is closed once the transcriber has delivered its last callback.
func (l *Listener) Done() <-chan struct{} { return l.done }
