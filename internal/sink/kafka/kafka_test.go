package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/MrWong99/meetscribe/internal/sink"
	"github.com/MrWong99/meetscribe/internal/transcript"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func result(interim bool) sink.ResultMessage {
	return sink.ResultMessage{
		Room:      "standup",
		MessageID: uuid.New(),
		SSRC:      42,
		Name:      "Alice",
		Text:      "good morning",
		Interim:   interim,
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestResultMessage(t *testing.T) {
	msg := result(false)
	m, err := ResultMessage(msg)
	if err != nil {
		t.Fatalf("ResultMessage: %v", err)
	}
	if string(m.Key) != "standup" {
		t.Errorf("key = %q, want room", m.Key)
	}
	if got := header(m, "eventType"); got != "final" {
		t.Errorf("eventType header = %q, want final", got)
	}
	if !m.Time.Equal(msg.Timestamp) {
		t.Errorf("time = %v, want %v", m.Time, msg.Timestamp)
	}
	var decoded sink.ResultMessage
	if err := json.Unmarshal(m.Value, &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded.Text != "good morning" || decoded.SSRC != 42 || decoded.MessageID != msg.MessageID {
		t.Errorf("decoded payload = %+v", decoded)
	}
}

func TestEventMessage(t *testing.T) {
	e := transcript.Event{
		Kind:        transcript.EventJoin,
		Room:        "standup",
		Timestamp:   time.Unix(1_700_000_000, 0).UTC(),
		Participant: transcript.Participant{SSRC: 7, Name: "Bob"},
	}
	m, err := EventMessage(e)
	if err != nil {
		t.Fatalf("EventMessage: %v", err)
	}
	if string(m.Key) != "standup" || header(m, "eventType") != "JOIN" {
		t.Errorf("key = %q, eventType = %q", m.Key, header(m, "eventType"))
	}
	var decoded map[string]any
	if err := json.Unmarshal(m.Value, &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded["event"] != "JOIN" {
		t.Errorf("event = %v, want JOIN", decoded["event"])
	}
}

func TestPublisher_RoutesByKind(t *testing.T) {
	partial, final, events := &fakeWriter{}, &fakeWriter{}, &fakeWriter{}
	p := New(Config{}, WithWriters(partial, final, events))
	ctx := context.Background()

	if err := p.PublishResult(ctx, result(true)); err != nil {
		t.Fatal(err)
	}
	if err := p.PublishResult(ctx, result(false)); err != nil {
		t.Fatal(err)
	}
	if err := p.PublishEvent(ctx, transcript.Event{Kind: transcript.EventStart, Room: "standup"}); err != nil {
		t.Fatal(err)
	}
	if len(partial.msgs) != 1 || len(final.msgs) != 1 || len(events.msgs) != 1 {
		t.Errorf("writes = partial %d, final %d, events %d; want 1 each", len(partial.msgs), len(final.msgs), len(events.msgs))
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !partial.closed || !final.closed || !events.closed {
		t.Error("Close must close every writer")
	}
}

func TestPublisher_LogOnlyMode(t *testing.T) {
	p := New(Config{PartialTopic: "p", FinalTopic: "f"})
	ctx := context.Background()
	if err := p.PublishResult(ctx, result(false)); err != nil {
		t.Errorf("log-only publish: %v", err)
	}
	if err := p.PublishEvent(ctx, transcript.Event{Kind: transcript.EventEnd}); err != nil {
		t.Errorf("log-only event: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestPublisher_MissingTopicIsLogOnly(t *testing.T) {
	final := &fakeWriter{}
	p := New(Config{}, WithWriters(nil, final, nil))
	if err := p.PublishResult(context.Background(), result(true)); err != nil {
		t.Errorf("interim without partial topic: %v", err)
	}
	if len(final.msgs) != 0 {
		t.Error("interim result must not go to the final topic")
	}
}

func TestPublisher_WriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := New(Config{}, WithWriters(nil, &fakeWriter{err: boom}, nil))
	if err := p.PublishResult(context.Background(), result(false)); !errors.Is(err, boom) {
		t.Errorf("err = %v, want broker error", err)
	}
}
