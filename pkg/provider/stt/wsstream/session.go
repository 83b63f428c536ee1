package wsstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// Default session parameters.
const (
	defaultMaxAttempts    = 10
	defaultBackoff        = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultMultiplier     = 2.0
	defaultDialTimeout    = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultDrainTimeout   = 2 * time.Second
	defaultEventQueueSize = 256
)

// ReconnectPolicy bounds how a dropped connection is retried. The wait
// before attempt n is Backoff * Multiplier^(n-1), capped at MaxBackoff.
type ReconnectPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Multiplier  float64
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = defaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	return p
}

// Wait returns the backoff before the given 1-based attempt.
func (p ReconnectPolicy) Wait(attempt int) time.Duration {
	d := float64(p.Backoff)
	for range attempt - 1 {
		d *= p.Multiplier
		if d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	return time.Duration(d)
}

// Hooks are optional callbacks for instrumentation. They run on the
// session goroutine and must not block.
type Hooks struct {
	OnReconnect func(attempt int)
	OnRotate    func()
	OnFailure   func(stt.Failure)
}

// Option is a functional option for a Session.
type Option func(*Session)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

// WithReconnectPolicy sets the reconnect policy. Zero fields keep defaults.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(s *Session) { s.policy = p.withDefaults() }
}

// WithIdleTimeout closes the connection after d without audio. The next
// request reconnects transparently. Zero disables rotation.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) { s.idle = d }
}

// WithDrainTimeout bounds how long a graceful close waits for the server to
// flush its last results.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Session) { s.drain = d }
}

// WithHooks installs instrumentation callbacks.
func WithHooks(h Hooks) Option {
	return func(s *Session) { s.hooks = h }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

type eventKind int

const (
	evAudio eventKind = iota
	evMessage
	evDisconnected
	evEnd
)

// event is the tagged union consumed by the run loop.
type event struct {
	kind eventKind

	// evAudio
	req stt.Request

	// evMessage, evDisconnected
	gen     int
	msgType websocket.MessageType
	data    []byte
	err     error
}

// Session is a streaming recognition session over a websocket. It
// implements stt.StreamingSession.
type Session struct {
	codec  Codec
	cfg    stt.SessionConfig
	dial   Dialer
	policy ReconnectPolicy
	idle   time.Duration
	drain  time.Duration
	hooks  Hooks
	log    *slog.Logger

	events   chan event
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	readers  sync.WaitGroup

	mu        sync.Mutex
	listeners []stt.Listener
	ended     atomic.Bool

	// owned by the run goroutine
	conn       Conn
	gen        int
	utterances map[uint32]utterance
}

// utterance is the id minting state of one speaker. Shared room streams
// carry several speakers, so ids are never minted across them.
type utterance struct {
	id   uuid.UUID
	open bool
}

var _ stt.StreamingSession = (*Session)(nil)

// Open dials the codec's endpoint and starts the session goroutine. The
// first dial is not retried; its error is returned to the caller.
func Open(ctx context.Context, codec Codec, cfg stt.SessionConfig, opts ...Option) (*Session, error) {
	s := &Session{
		codec:      codec,
		cfg:        cfg,
		dial:       Dial,
		policy:     ReconnectPolicy{}.withDefaults(),
		drain:      defaultDrainTimeout,
		events:     make(chan event, defaultEventQueueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		utterances: make(map[uint32]utterance),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("provider", codec.Name(), "room", cfg.Room, "ssrc", cfg.Speaker.SSRC)

	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	go s.run()
	return s, nil
}

// SendRequest queues audio for the backend. Requests are written in call
// order. It returns stt.ErrSessionEnded once the session has ended.
func (s *Session) SendRequest(ctx context.Context, req stt.Request) error {
	if s.ended.Load() {
		return stt.ErrSessionEnded
	}
	select {
	case s.events <- event{kind: evAudio, req: req}:
		return nil
	case <-s.done:
		return stt.ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddListener registers l for all subsequent results.
func (s *Session) AddListener(l stt.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// End flushes queued audio, asks the server for its last results and closes
// the connection. Listeners receive Completed unless the session had
// already failed. Calling End more than once is safe.
func (s *Session) End() error {
	s.stopOnce.Do(func() {
		// stop interrupts a pending backoff; evEnd keeps queued audio ahead
		// of the close
		close(s.stop)
		select {
		case s.events <- event{kind: evEnd}:
		case <-s.done:
		}
	})
	<-s.done
	s.readers.Wait()
	return nil
}

// Ended reports whether the session has ended or failed.
func (s *Session) Ended() bool { return s.ended.Load() }

func (s *Session) run() {
	defer close(s.done)

	idle := time.NewTimer(time.Hour)
	idle.Stop()
	defer idle.Stop()
	if s.idle > 0 {
		idle.Reset(s.idle)
	}

	for {
		var idleC <-chan time.Time
		if s.idle > 0 && s.conn != nil {
			idleC = idle.C
		}

		select {
		case ev := <-s.events:
			switch ev.kind {
			case evAudio:
				if !s.handleAudio(ev.req) {
					return
				}
				if s.idle > 0 {
					idle.Reset(s.idle)
				}
			case evMessage:
				if ev.gen == s.gen {
					s.dispatch(ev.msgType, ev.data)
				}
			case evDisconnected:
				if ev.gen != s.gen || s.conn == nil {
					continue
				}
				s.log.Warn("streaming connection dropped", "err", ev.err)
				s.closeConn(websocket.StatusGoingAway, "connection lost")
				if !s.reconnect(ev.err) {
					return
				}
			case evEnd:
				if s.conn != nil {
					s.closeGracefully("session ended", false)
				}
				s.finish(nil)
				return
			}
		case <-idleC:
			s.log.Debug("rotating idle streaming connection", "idle", s.idle)
			s.closeGracefully("idle", true)
			if s.ended.Load() {
				return
			}
			if s.hooks.OnRotate != nil {
				s.hooks.OnRotate()
			}
			if s.conn != nil {
				idle.Reset(s.idle)
			}
		}
	}
}

// handleAudio writes one request, reconnecting when the connection is
// dormant or broken. It returns false when the session has finished.
func (s *Session) handleAudio(req stt.Request) bool {
	if s.conn == nil {
		if err := s.connect(context.Background()); err != nil {
			s.log.Warn("reconnect on demand failed", "err", err)
			if !s.reconnect(err) {
				return false
			}
		}
	}
	if err := s.write(s.codec.EncodeAudio(req)); err != nil {
		s.log.Warn("writing audio failed", "err", err)
		s.closeConn(websocket.StatusGoingAway, "write failed")
		if !s.reconnect(err) {
			return false
		}
		if err := s.write(s.codec.EncodeAudio(req)); err != nil {
			s.log.Warn("dropping audio after reconnect", "err", err)
		}
	}
	return true
}

// reconnect retries the connection with capped exponential backoff. When
// every attempt fails the session fails with ReasonResourcesExhausted.
func (s *Session) reconnect(cause error) bool {
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		wait := s.policy.Wait(attempt)
		s.log.Info("attempting reconnection",
			"attempt", attempt,
			"max_attempts", s.policy.MaxAttempts,
			"backoff", wait,
		)
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-s.stop:
			t.Stop()
			s.finish(nil)
			return false
		}
		if s.hooks.OnReconnect != nil {
			s.hooks.OnReconnect(attempt)
		}
		err := s.connect(context.Background())
		if err == nil {
			s.log.Info("reconnection successful", "attempt", attempt)
			return true
		}
		s.log.Warn("reconnection attempt failed", "attempt", attempt, "err", err)
		cause = err
	}

	f := stt.Failure{
		Reason: stt.ReasonResourcesExhausted,
		Err:    fmt.Errorf("wsstream: %d reconnection attempts failed: %w", s.policy.MaxAttempts, cause),
	}
	s.log.Error("giving up on streaming session", "err", f.Err)
	s.finish(&f)
	return false
}

// connect dials, sends the codec's open frames and starts a reader for the
// new connection generation. Results after a new connection start a fresh
// utterance.
func (s *Session) connect(ctx context.Context) error {
	url, header, err := s.codec.Endpoint(s.cfg)
	if err != nil {
		return fmt.Errorf("wsstream: build endpoint: %w", err)
	}
	dctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	conn, err := s.dial(dctx, url, header)
	if err != nil {
		return fmt.Errorf("wsstream: dial %s: %w", s.codec.Name(), err)
	}
	for _, f := range s.codec.Open(s.cfg) {
		wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
		err := conn.Write(wctx, f.Type, f.Data)
		cancel()
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "open failed")
			return fmt.Errorf("wsstream: send open frame: %w", err)
		}
	}

	s.gen++
	s.conn = conn
	clear(s.utterances)
	s.readers.Add(1)
	go s.read(conn, s.gen)
	return nil
}

func (s *Session) read(conn Conn, gen int) {
	defer s.readers.Done()
	for {
		typ, data, err := conn.Read(context.Background())
		ev := event{kind: evMessage, gen: gen, msgType: typ, data: data}
		if err != nil {
			ev = event{kind: evDisconnected, gen: gen, err: err}
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) write(f Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, f.Type, f.Data)
}

// closeGracefully sends the codec's close frame and keeps dispatching
// results until the server hangs up or the drain timeout passes. With
// replay, audio arriving meanwhile is sent on a fresh connection afterwards;
// otherwise it is dropped.
func (s *Session) closeGracefully(reason string, replay bool) {
	var pending []stt.Request
	if f, ok := s.codec.Close(); ok {
		if err := s.write(f); err != nil {
			s.log.Debug("sending close frame failed", "err", err)
		} else {
			s.awaitHangup(&pending)
		}
	}
	s.closeConn(websocket.StatusNormalClosure, reason)

	if !replay {
		if len(pending) > 0 {
			s.log.Debug("dropping audio sent after end", "requests", len(pending))
		}
		return
	}
	for _, req := range pending {
		if !s.handleAudio(req) {
			return
		}
	}
}

func (s *Session) awaitHangup(pending *[]stt.Request) {
	gen := s.gen
	t := time.NewTimer(s.drain)
	defer t.Stop()
	for {
		select {
		case ev := <-s.events:
			switch {
			case ev.kind == evMessage && ev.gen == gen:
				s.dispatch(ev.msgType, ev.data)
			case ev.kind == evDisconnected && ev.gen == gen:
				return
			case ev.kind == evAudio:
				*pending = append(*pending, ev.req)
			case ev.kind == evEnd:
				// re-queue behind the close so the run loop sees it
				go func() {
					select {
					case s.events <- ev:
					case <-s.done:
					}
				}()
			}
		case <-t.C:
			s.log.Debug("server did not close in time", "timeout", s.drain)
			return
		}
	}
}

func (s *Session) closeConn(code websocket.StatusCode, reason string) {
	if s.conn == nil {
		return
	}
	_ = s.conn.Close(code, reason)
	s.conn = nil
	// invalidate events still queued from the old reader
	s.gen++
}

// dispatch decodes a message and delivers its results. A result without a
// MessageID continues its speaker's current utterance unless that speaker's
// previous result was final.
func (s *Session) dispatch(typ websocket.MessageType, data []byte) {
	results, err := s.codec.Decode(typ, data)
	if err != nil {
		s.log.Warn("dropping malformed backend message", "err", err)
		return
	}
	for _, r := range results {
		key := s.cfg.Speaker.SSRC
		if r.Speaker != nil {
			key = r.Speaker.SSRC
		}
		u := s.utterances[key]
		if r.MessageID == uuid.Nil {
			if !u.open || u.id == uuid.Nil {
				u.id = uuid.New()
			}
			r.MessageID = u.id
		}
		u.open = r.Interim
		s.utterances[key] = u
		if r.Timestamp.IsZero() {
			r.Timestamp = time.Now()
		}
		if r.Speaker == nil && s.cfg.Speaker != (stt.Speaker{}) {
			sp := s.cfg.Speaker
			r.Speaker = &sp
		}
		if r.Language == "" {
			r.Language = s.cfg.Language
		}
		for _, l := range s.snapshot() {
			l.Notify(r)
		}
	}
}

// finish marks the session ended and tells listeners exactly once.
func (s *Session) finish(f *stt.Failure) {
	if !s.ended.CompareAndSwap(false, true) {
		return
	}
	if s.conn != nil {
		s.closeConn(websocket.StatusNormalClosure, "session ended")
	}
	ls := s.snapshot()
	if f != nil {
		if s.hooks.OnFailure != nil {
			s.hooks.OnFailure(*f)
		}
		for _, l := range ls {
			l.Failed(*f)
		}
		return
	}
	for _, l := range ls {
		l.Completed()
	}
}

func (s *Session) snapshot() []stt.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stt.Listener(nil), s.listeners...)
}
