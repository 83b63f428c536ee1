// Package kafka publishes transcription results and transcript events to
// Kafka topics. Interim and final results go to separate topics; every
// message is keyed by room so a room's messages stay ordered within a
// partition.
//
// Without brokers the publisher runs in log-only mode: messages are encoded
// and logged at debug level but not sent.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MrWong99/meetscribe/internal/sink"
	"github.com/MrWong99/meetscribe/internal/transcript"
)

const (
	headerEventType = "eventType"
	headerSource    = "source"
	source          = "meetscribe"
)

// Writer is the subset of *kafka.Writer used by [Publisher].
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds publisher settings.
type Config struct {
	Brokers      []string
	PartialTopic string
	FinalTopic   string
	EventTopic   string
}

// Publisher writes to one Kafka writer per configured topic. It is safe for
// concurrent use.
type Publisher struct {
	partial Writer
	final   Writer
	events  Writer
	log     *slog.Logger
}

var (
	_ sink.ResultSink = (*Publisher)(nil)
	_ sink.EventSink  = (*Publisher)(nil)
)

// Option configures a [Publisher].
type Option func(*Publisher)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.log = l }
}

// WithWriters replaces the writers built from the config. A nil writer
// leaves that topic in log-only mode.
func WithWriters(partial, final, events Writer) Option {
	return func(p *Publisher) {
		p.partial, p.final, p.events = partial, final, events
	}
}

// New creates a [Publisher]. Topics left empty in cfg are not written.
func New(cfg Config, opts ...Option) *Publisher {
	p := &Publisher{}
	if len(cfg.Brokers) > 0 {
		dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
		transport := &kafka.Transport{Dial: dialer.DialFunc}
		p.partial = newWriter(cfg.Brokers, cfg.PartialTopic, transport)
		p.final = newWriter(cfg.Brokers, cfg.FinalTopic, transport)
		p.events = newWriter(cfg.Brokers, cfg.EventTopic, transport)
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.partial == nil && p.final == nil && p.events == nil {
		p.log.Info("kafka: no brokers configured, using log-only mode")
	} else {
		p.log.Info("kafka: publisher initialized",
			"brokers", cfg.Brokers,
			"partial_topic", cfg.PartialTopic,
			"final_topic", cfg.FinalTopic,
			"event_topic", cfg.EventTopic,
		)
	}
	return p
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) Writer {
	if topic == "" {
		return nil
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// Name identifies the sink in logs and metrics.
func (p *Publisher) Name() string { return "kafka" }

// PublishResult writes msg to the partial or final topic.
func (p *Publisher) PublishResult(ctx context.Context, msg sink.ResultMessage) error {
	w := p.final
	if msg.Interim {
		w = p.partial
	}
	m, err := ResultMessage(msg)
	if err != nil {
		return err
	}
	return p.write(ctx, w, m)
}

// PublishEvent writes e to the event topic.
func (p *Publisher) PublishEvent(ctx context.Context, e transcript.Event) error {
	m, err := EventMessage(e)
	if err != nil {
		return err
	}
	return p.write(ctx, p.events, m)
}

func (p *Publisher) write(ctx context.Context, w Writer, m kafka.Message) error {
	if w == nil {
		p.log.Debug("kafka: log-only publish", "key", string(m.Key), "payload", string(m.Value))
		return nil
	}
	if err := w.WriteMessages(ctx, m); err != nil {
		return fmt.Errorf("kafka: write %s: %w", string(m.Key), err)
	}
	return nil
}

// Close flushes and closes every writer.
func (p *Publisher) Close() error {
	var errs []error
	for _, w := range []Writer{p.partial, p.final, p.events} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ResultMessage builds the Kafka message carrying msg.
func ResultMessage(msg sink.ResultMessage) (kafka.Message, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: encode result: %w", err)
	}
	return kafka.Message{
		Key:   []byte(msg.Room),
		Value: payload,
		Time:  msg.Timestamp,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(msg.Kind())},
			{Key: headerSource, Value: []byte(source)},
		},
	}, nil
}

// EventMessage builds the Kafka message carrying e.
func EventMessage(e transcript.Event) (kafka.Message, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: encode event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(e.Room),
		Value: payload,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(e.Kind.String())},
			{Key: headerSource, Value: []byte(source)},
		},
	}, nil
}
