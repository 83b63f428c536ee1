package whisperlive

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/meetscribe/internal/pool"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
	"github.com/MrWong99/meetscribe/pkg/provider/stt/wsstream"
)

// Conn is the shared connection of one room. It routes results to the
// participant sessions by SSRC.
type Conn struct {
	room string
	sess *wsstream.Session
	log  *slog.Logger

	mu   sync.Mutex
	subs map[uint32]*Session
}

var (
	_ pool.Disconnector = (*Conn)(nil)
	_ stt.Listener      = (*Conn)(nil)
)

// NewConnFactory returns a pool factory that opens room connections with
// codec. opts are passed to every underlying wsstream session.
func NewConnFactory(codec *Codec, opts ...wsstream.Option) pool.Factory[*Conn] {
	return func(ctx context.Context, room string) (*Conn, error) {
		sess, err := wsstream.Open(ctx, codec, stt.SessionConfig{Room: room}, opts...)
		if err != nil {
			return nil, err
		}
		c := &Conn{
			room: room,
			sess: sess,
			log:  slog.Default().With("provider", codec.Name(), "room", room),
			subs: make(map[uint32]*Session),
		}
		sess.AddListener(c)
		return c, nil
	}
}

// Disconnect ends the room's stream.
func (c *Conn) Disconnect() error { return c.sess.End() }

// subscribe routes the participant's SSRC to s. A session it replaces,
// typically one still waiting for its last results after leaving, is
// completed.
func (c *Conn) subscribe(s *Session) {
	c.mu.Lock()
	prev := c.subs[s.cfg.Speaker.SSRC]
	c.subs[s.cfg.Speaker.SSRC] = s
	c.mu.Unlock()
	if prev != nil && prev != s {
		prev.complete()
	}
}

func (c *Conn) unsubscribe(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[s.cfg.Speaker.SSRC] == s {
		delete(c.subs, s.cfg.Speaker.SSRC)
	}
}

func (c *Conn) lookup(ssrc uint32) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[ssrc]
}

func (c *Conn) all() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	return out
}

// Notify delivers r to the participant it names. Results for participants
// without a session are dropped.
func (c *Conn) Notify(r stt.Result) {
	if r.Speaker == nil {
		return
	}
	s := c.lookup(r.Speaker.SSRC)
	if s == nil {
		c.log.Debug("result for unknown participant", "ssrc", r.Speaker.SSRC)
		return
	}
	s.notify(r)
}

// Completed is called once the room stream closed normally, after the
// server flushed its last results. It completes every session still
// routed, including those that left earlier.
func (c *Conn) Completed() {
	for _, s := range c.all() {
		s.complete()
	}
}

// Failed fails every participant sharing the connection.
func (c *Conn) Failed(f stt.Failure) {
	for _, s := range c.all() {
		s.fail(f)
	}
}

// Service is a streaming-only stt.Service whose participant sessions share
// one pooled connection per room.
type Service struct {
	pool *pool.Registry[*Conn]
}

var _ stt.Service = (*Service)(nil)

// NewService returns a service drawing room connections from p.
func NewService(p *pool.Registry[*Conn]) *Service {
	return &Service{pool: p}
}

func (s *Service) Name() string                        { return "whisperlive" }
func (s *Service) SupportsFragmentTranscription() bool { return false }
func (s *Service) SupportsStreamRecognition() bool     { return true }

// SendSingleRequest always fails with stt.ErrNotSupported.
func (s *Service) SendSingleRequest(context.Context, stt.Request, func(stt.Result)) error {
	return stt.ErrNotSupported
}

// InitStreamingSession joins the participant to the room's shared
// connection. cfg.Room must be set.
func (s *Service) InitStreamingSession(ctx context.Context, cfg stt.SessionConfig) (stt.StreamingSession, error) {
	if cfg.Room == "" {
		return nil, fmt.Errorf("whisperlive: session config without room")
	}
	key := participantKey(cfg.Speaker.SSRC)
	conn, err := s.pool.GetConnection(ctx, cfg.Room, key)
	if err != nil {
		return nil, fmt.Errorf("whisperlive: %w", err)
	}
	if conn.sess.Ended() {
		// the room stream failed; replace it instead of waiting for every
		// member to release it
		s.pool.Evict(cfg.Room, conn)
		if conn, err = s.pool.GetConnection(ctx, cfg.Room, key); err != nil {
			return nil, fmt.Errorf("whisperlive: %w", err)
		}
		if conn.sess.Ended() {
			_ = s.pool.End(cfg.Room, key)
			return nil, stt.Failure{Reason: stt.ReasonNetwork, Err: fmt.Errorf("whisperlive: room %s connection has failed", cfg.Room)}
		}
	}
	sess := &Session{svc: s, conn: conn, cfg: cfg, key: key}
	conn.subscribe(sess)
	return sess, nil
}

func participantKey(ssrc uint32) string { return strconv.FormatUint(uint64(ssrc), 10) }

// Session is one participant's view of the room connection.
//
// After End the session takes no more audio but stays routed until the
// room stream closes, so results the server flushes on close still reach
// the participant.
type Session struct {
	svc  *Service
	conn *Conn
	cfg  stt.SessionConfig
	key  string

	mu        sync.Mutex
	listeners []stt.Listener
	ended     atomic.Bool

	// dmu orders result delivery against the final callback.
	dmu    sync.Mutex
	closed bool
}

var _ stt.StreamingSession = (*Session)(nil)

// SendRequest frames the audio with the participant's SSRC and queues it on
// the room connection.
func (s *Session) SendRequest(ctx context.Context, req stt.Request) error {
	if s.ended.Load() {
		return stt.ErrSessionEnded
	}
	req.Audio = Frame(s.cfg.Speaker.SSRC, req.Audio)
	return s.conn.sess.SendRequest(ctx, req)
}

func (s *Session) AddListener(l stt.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// End leaves the room connection. When it was the last participant, the
// connection drains and closes before End returns, and every session still
// routed is completed. Otherwise the session completes once the room stream
// closes or the participant joins again.
func (s *Session) End() error {
	if !s.ended.CompareAndSwap(false, true) {
		return nil
	}
	err := s.svc.pool.End(s.cfg.Room, s.key)
	if s.conn.sess.Ended() {
		s.complete()
	}
	return err
}

func (s *Session) Ended() bool { return s.ended.Load() }

func (s *Session) notify(r stt.Result) {
	sp := s.cfg.Speaker
	if sp.Name == "" {
		sp.Name = r.Speaker.Name
	}
	r.Speaker = &sp
	if r.Language == "" {
		r.Language = s.cfg.Language
	}

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if s.closed {
		return
	}
	for _, l := range s.snapshot() {
		l.Notify(r)
	}
}

func (s *Session) complete() {
	s.finish(func(l stt.Listener) { l.Completed() })
}

// fail runs on the room connection's goroutine. The failed connection is
// evicted from the pool so the next join dials a fresh one. Sessions that
// already left only complete.
func (s *Session) fail(f stt.Failure) {
	if !s.ended.CompareAndSwap(false, true) {
		s.complete()
		return
	}
	// the pool entry lock may be held by a teardown waiting on this goroutine
	go s.svc.pool.Evict(s.cfg.Room, s.conn)
	s.finish(func(l stt.Listener) { l.Failed(f) })
}

// finish stops routing and tells the listeners exactly once.
func (s *Session) finish(tell func(stt.Listener)) {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.ended.Store(true)
	s.conn.unsubscribe(s)
	for _, l := range s.snapshot() {
		tell(l)
	}
}

func (s *Session) snapshot() []stt.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stt.Listener(nil), s.listeners...)
}
