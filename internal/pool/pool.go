// Package pool shares one backend connection among all participants of a
// room.
//
// Some transcription backends multiplex every participant of a conference
// over a single connection. A [Registry] hands out that connection per room,
// creating it lazily for the first participant and disconnecting it exactly
// when the last participant leaves. The registry lock only guards the map;
// each room has its own lock, so joins and leaves in unrelated rooms never
// wait on each other, and slow connection setup in one room does not stall
// the rest.
//
// A Registry is constructed explicitly and injected where needed; there is
// no package-level instance.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Disconnector is a shared connection the registry can tear down.
type Disconnector interface {
	Disconnect() error
}

// Factory creates the shared connection for a room.
type Factory[C Disconnector] func(ctx context.Context, room string) (C, error)

// Option is a functional option for a Registry.
type Option func(*options)

type options struct {
	onCreate   func(room string)
	onTeardown func(room string)
	log        *slog.Logger
}

// WithHooks installs callbacks run after a connection is created and after
// it is torn down.
func WithHooks(onCreate, onTeardown func(room string)) Option {
	return func(o *options) {
		o.onCreate = onCreate
		o.onTeardown = onTeardown
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

type entry[C Disconnector] struct {
	mu      sync.Mutex
	conn    C
	ready   bool
	closed  bool
	members map[string]struct{}
}

// Registry is a reference-counted, per-room connection pool. All methods
// are safe for concurrent use.
type Registry[C Disconnector] struct {
	factory Factory[C]
	opts    options

	mu      sync.Mutex
	entries map[string]*entry[C]
}

// New creates an empty registry that builds connections with factory.
func New[C Disconnector](factory Factory[C], opts ...Option) *Registry[C] {
	r := &Registry[C]{factory: factory, entries: make(map[string]*entry[C])}
	for _, o := range opts {
		o(&r.opts)
	}
	if r.opts.log == nil {
		r.opts.log = slog.Default()
	}
	return r
}

// GetConnection returns the room's connection, creating it if needed, and
// records participant as a user of it. Adding the same participant twice
// is a no-op.
func (r *Registry[C]) GetConnection(ctx context.Context, room, participant string) (C, error) {
	for {
		e := r.lookup(room, true)

		e.mu.Lock()
		if e.closed {
			// torn down between lookup and lock; start over with a new entry
			e.mu.Unlock()
			continue
		}
		if !e.ready {
			conn, err := r.factory(ctx, room)
			if err != nil {
				e.closed = true
				r.remove(room, e)
				e.mu.Unlock()
				var zero C
				return zero, fmt.Errorf("pool: connect room %s: %w", room, err)
			}
			e.conn = conn
			e.ready = true
			r.opts.log.Info("shared connection created", "room", room)
			if r.opts.onCreate != nil {
				r.opts.onCreate(room)
			}
		}
		e.members[participant] = struct{}{}
		conn := e.conn
		e.mu.Unlock()
		return conn, nil
	}
}

// End releases participant's use of the room's connection. When it was the
// last user, the connection is disconnected and the room removed. Ending an
// unknown room or participant is a no-op.
func (r *Registry[C]) End(room, participant string) error {
	e := r.lookup(room, false)
	if e == nil {
		r.opts.log.Warn("end for unknown room", "room", room, "participant", participant)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if _, ok := e.members[participant]; !ok {
		r.opts.log.Warn("end for participant not in room", "room", room, "participant", participant)
		return nil
	}
	delete(e.members, participant)
	if len(e.members) > 0 {
		return nil
	}
	return r.teardownLocked(room, e)
}

// Evict drops the room's entry when it still holds conn, without
// disconnecting it. It is meant for connections that already failed: the
// next GetConnection builds a fresh one, and End calls for the evicted
// members become no-ops. It reports whether conn was evicted.
func (r *Registry[C]) Evict(room string, conn C) bool {
	e := r.lookup(room, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.ready || any(e.conn) != any(conn) {
		return false
	}
	e.closed = true
	clear(e.members)
	r.remove(room, e)
	r.opts.log.Warn("failed shared connection evicted", "room", room)
	if r.opts.onTeardown != nil {
		r.opts.onTeardown(room)
	}
	return true
}

// Members returns the participants currently using the room's connection.
func (r *Registry[C]) Members(room string) []string {
	e := r.lookup(room, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.members))
	for m := range e.members {
		out = append(out, m)
	}
	return out
}

// Len returns the number of rooms with a live entry.
func (r *Registry[C]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CloseAll disconnects every room concurrently regardless of members.
func (r *Registry[C]) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	snapshot := make(map[string]*entry[C], len(r.entries))
	for room, e := range r.entries {
		snapshot[room] = e
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for room, e := range snapshot {
		g.Go(func() error {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.closed {
				return nil
			}
			clear(e.members)
			return r.teardownLocked(room, e)
		})
	}
	return g.Wait()
}

func (r *Registry[C]) teardownLocked(room string, e *entry[C]) error {
	e.closed = true
	r.remove(room, e)
	var err error
	if e.ready {
		err = e.conn.Disconnect()
		r.opts.log.Info("shared connection torn down", "room", room)
		if r.opts.onTeardown != nil {
			r.opts.onTeardown(room)
		}
	}
	if err != nil {
		return fmt.Errorf("pool: disconnect room %s: %w", room, err)
	}
	return nil
}

func (r *Registry[C]) lookup(room string, create bool) *entry[C] {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[room]
	if !ok && create {
		e = &entry[C]{members: make(map[string]struct{})}
		r.entries[room] = e
	}
	return e
}

// remove deletes e from the map unless it was already replaced.
func (r *Registry[C]) remove(room string, e *entry[C]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[room] == e {
		delete(r.entries, room)
	}
}

// ErrClosed can be returned by connections used after teardown.
var ErrClosed = errors.New("pool: connection closed")
