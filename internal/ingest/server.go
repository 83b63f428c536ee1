// Package ingest is the websocket endpoint the conference media layer
// streams participant audio to.
//
// A media connection serves one room at /v1/rooms/{room}/media. The media
// layer sends JSON control messages ([Control]) and binary audio frames
// ([Frame]); the server answers with JSON [Outbound] messages carrying
// results, transcript events and failures. Closing the connection stops
// the room's transcription.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/internal/sink"
	"github.com/MrWong99/meetscribe/internal/transcript"
	"github.com/MrWong99/meetscribe/internal/transcription"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

const (
	defaultReadLimit    = 1 << 20
	defaultOutboxSize   = 256
	defaultWriteTimeout = 5 * time.Second
	defaultStopTimeout  = 30 * time.Second
)

// ErrRoomActive is returned by [Rooms.Open] when the room is already being
// transcribed by another connection.
var ErrRoomActive = errors.New("ingest: room already active")

// Rooms creates and tears down the transcriber of a room.
type Rooms interface {
	// Open returns a new, not yet started transcriber for room.
	Open(ctx context.Context, room string) (*transcription.Transcriber, error)

	// Close stops the room's transcriber and forgets it.
	Close(ctx context.Context, room string) error

	// Transcript returns the events recorded so far for an active room.
	Transcript(room string) ([]transcript.Event, bool)
}

// Server serves media connections.
type Server struct {
	rooms        Rooms
	log          *slog.Logger
	metrics      *observe.Metrics
	origins      []string
	readLimit    int64
	writeTimeout time.Duration
	stopTimeout  time.Duration

	mu      sync.Mutex
	conns   map[*mediaConn]struct{}
	closing bool
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithOriginPatterns allows cross-origin websocket connections from hosts
// matching the patterns.
func WithOriginPatterns(p ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, p...) }
}

// WithStopTimeout bounds how long a closing connection waits for the
// room's remaining audio to be transcribed. Default: 30s.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// New creates a [Server] backed by rooms.
func New(rooms Rooms, opts ...Option) *Server {
	s := &Server{
		rooms:        rooms,
		readLimit:    defaultReadLimit,
		writeTimeout: defaultWriteTimeout,
		stopTimeout:  defaultStopTimeout,
		conns:        make(map[*mediaConn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register adds the media and transcript routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/rooms/{room}/media", s.serveMedia)
	mux.HandleFunc("GET /v1/rooms/{room}/transcript", s.serveTranscript)
}

// Shutdown refuses new media connections and closes the open ones with
// StatusGoingAway once their queued messages are written. Close the rooms
// first so peers receive their final results.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := slices.Collect(maps.Keys(s.conns))
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Go(func() { c.goAway(ctx) })
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Server) track(c *mediaConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *mediaConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) serveTranscript(w http.ResponseWriter, r *http.Request) {
	events, ok := s.rooms.Transcript(r.PathValue("room"))
	if !ok {
		http.Error(w, "room not active", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(events); err != nil {
		s.log.Warn("ingest: writing transcript", "err", err)
	}
}

func (s *Server) serveMedia(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if room == "" {
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("ingest: websocket accept failed", "room", room, "err", err)
		return
	}
	conn.SetReadLimit(s.readLimit)

	c := &mediaConn{
		srv:        s,
		room:       room,
		conn:       conn,
		log:        s.log.With("room", room, "correlation_id", observe.CorrelationID(r.Context())),
		outbox:     make(chan Outbound, defaultOutboxSize),
		writerDone: make(chan struct{}),
	}
	if !s.track(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.untrack(c)

	err = c.serve(context.WithoutCancel(r.Context()))
	switch status := websocket.CloseStatus(err); {
	case c.goingAway.Load():
		c.log.Info("ingest: media connection closed for shutdown")
	case err == nil:
		conn.Close(websocket.StatusNormalClosure, "transcription finished")
	case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
		c.log.Info("ingest: media connection closed by peer")
	default:
		c.log.Warn("ingest: media connection ended", "err", err)
		conn.Close(websocket.StatusInternalError, "internal error")
	}
}

// mediaConn is one media connection. The read loop owns t; outbound
// messages go through the outbox to the write loop.
type mediaConn struct {
	srv  *Server
	room string
	conn *websocket.Conn
	log  *slog.Logger

	t       *transcription.Transcriber
	started bool

	mu         sync.Mutex
	outbox     chan Outbound
	closed     bool
	writerDone chan struct{}
	goingAway  atomic.Bool
}

var (
	_ transcription.Listener        = (*mediaConn)(nil)
	_ transcription.EventListener   = (*mediaConn)(nil)
	_ transcription.FailureListener = (*mediaConn)(nil)
)

func (c *mediaConn) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(c.writerDone)
		return c.writeLoop(gctx)
	})
	g.Go(func() error {
		err := c.readLoop(gctx)
		c.stop(ctx)
		c.finish()
		select {
		case <-c.writerDone:
		case <-time.After(c.srv.writeTimeout):
			cancel()
		}
		return err
	})
	return g.Wait()
}

func (c *mediaConn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			c.handleFrame(data)
		case websocket.MessageText:
			var ctl Control
			if err := json.Unmarshal(data, &ctl); err != nil {
				c.sendError(fmt.Sprintf("malformed control message: %v", err))
				continue
			}
			if done := c.handleControl(ctx, ctl); done {
				return nil
			}
		}
	}
}

// handleControl applies ctl and reports whether the connection should end.
func (c *mediaConn) handleControl(ctx context.Context, ctl Control) bool {
	switch ctl.Type {
	case TypeStart:
		if c.started {
			c.sendError("transcription already started")
			return false
		}
		if !c.open(ctx) {
			return false
		}
		c.started = true
		c.t.Start()
	case TypeStop:
		return true
	case TypeJoin:
		if !c.open(ctx) {
			return false
		}
		var opts []transcription.ParticipantOption
		if ctl.Language != "" {
			opts = append(opts, transcription.WithLanguage(ctl.Language))
		}
		if ctl.TargetLanguage != "" {
			opts = append(opts, transcription.WithTargetLanguage(ctl.TargetLanguage))
		}
		if c.t.Add(ctx, ctl.Name, ctl.SSRC, opts...) == nil {
			c.sendError(fmt.Sprintf("participant %d not added, transcription is ending", ctl.SSRC))
		}
	case TypeLeave:
		if c.t != nil {
			c.t.Remove(ctl.SSRC)
		}
	case TypeRaiseHand:
		if c.t != nil {
			c.t.RaiseHand(ctl.SSRC)
		}
	default:
		c.sendError(fmt.Sprintf("unknown control message type %q", ctl.Type))
	}
	return false
}

// open creates the room's transcriber on first use.
func (c *mediaConn) open(ctx context.Context) bool {
	if c.t != nil {
		return true
	}
	t, err := c.srv.rooms.Open(ctx, c.room)
	if err != nil {
		c.log.Warn("ingest: opening room", "err", err)
		c.sendError(err.Error())
		return false
	}
	t.AddListener(c)
	c.t = t
	return true
}

func (c *mediaConn) handleFrame(data []byte) {
	f, err := ParseFrame(data)
	if err != nil {
		c.srv.metrics.RecordFrameDropped(context.Background(), observe.DropDecode)
		c.log.Debug("ingest: dropping malformed frame", "err", err)
		return
	}
	if c.t == nil {
		c.srv.metrics.RecordFrameDropped(context.Background(), observe.DropNotTranscribing)
		return
	}
	// the payload aliases the read buffer of this message only
	c.t.BufferReceived(f.SSRC, f.Payload, f.Format)
}

// stop ends the room's transcription, waiting for remaining results.
func (c *mediaConn) stop(ctx context.Context) {
	if c.t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.srv.stopTimeout)
	defer cancel()
	if err := c.srv.rooms.Close(ctx, c.room); err != nil {
		c.log.Warn("ingest: stopping room", "err", err)
	}
}

func (c *mediaConn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-c.outbox:
			if !ok {
				return nil
			}
			b, err := json.Marshal(msg)
			if err != nil {
				c.log.Error("ingest: encoding outbound message", "type", msg.Type, "err", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, c.srv.writeTimeout)
			err = c.conn.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				return fmt.Errorf("ingest: write: %w", err)
			}
		}
	}
}

// send queues msg. Interim results are dropped when the peer falls behind;
// everything else waits for room in the outbox.
func (c *mediaConn) send(msg Outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if msg.Result != nil && msg.Result.Interim {
		select {
		case c.outbox <- msg:
		default:
			c.log.Debug("ingest: outbox full, dropping interim result")
		}
		return
	}
	select {
	case c.outbox <- msg:
	case <-time.After(c.srv.writeTimeout):
		c.log.Warn("ingest: outbox full, dropping message", "type", msg.Type)
	}
}

// goAway flushes the outbox and closes the connection. The read loop then
// fails and serve returns.
func (c *mediaConn) goAway(ctx context.Context) {
	c.goingAway.Store(true)
	c.finish()
	select {
	case <-c.writerDone:
	case <-ctx.Done():
	}
	c.conn.Close(websocket.StatusGoingAway, "server shutting down")
}

// finish closes the outbox; the write loop drains it and returns.
func (c *mediaConn) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.outbox)
	}
}

func (c *mediaConn) sendError(msg string) {
	c.send(Outbound{Type: TypeError, Error: msg})
}

func (c *mediaConn) Notify(r stt.Result) {
	msg := sink.NewResultMessage(c.room, r)
	c.send(Outbound{Type: TypeResult, Result: &msg})
}

func (c *mediaConn) TranscriptEvent(e transcript.Event) {
	c.send(Outbound{Type: TypeEvent, Event: &e})
}

func (c *mediaConn) Failed(p transcription.Identity, f stt.Failure) {
	fm := &FailureMessage{SSRC: p.SSRC, Name: p.Name, Reason: f.Reason.String()}
	if f.Err != nil {
		fm.Error = f.Err.Error()
	}
	c.send(Outbound{Type: TypeFailure, Failure: fm})
}

func (c *mediaConn) Completed() {
	c.send(Outbound{Type: TypeCompleted})
}
