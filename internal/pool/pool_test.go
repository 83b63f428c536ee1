package pool_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/meetscribe/internal/pool"
)

type fakeConn struct {
	room          string
	disconnects   atomic.Int32
	disconnectErr error
}

func (c *fakeConn) Disconnect() error {
	c.disconnects.Add(1)
	return c.disconnectErr
}

type factory struct {
	mu      sync.Mutex
	created map[string][]*fakeConn
	err     error
	block   map[string]chan struct{}
}

func newFactory() *factory {
	return &factory{created: map[string][]*fakeConn{}, block: map[string]chan struct{}{}}
}

func (f *factory) create(ctx context.Context, room string) (*fakeConn, error) {
	f.mu.Lock()
	wait := f.block[room]
	err := f.err
	f.mu.Unlock()
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	c := &fakeConn{room: room}
	f.mu.Lock()
	f.created[room] = append(f.created[room], c)
	f.mu.Unlock()
	return c, nil
}

func (f *factory) count(room string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created[room])
}

func TestRegistry_RefCount(t *testing.T) {
	f := newFactory()
	var created, tornDown atomic.Int32
	r := pool.New(f.create, pool.WithHooks(
		func(string) { created.Add(1) },
		func(string) { tornDown.Add(1) },
	))
	ctx := context.Background()

	const n = 5
	var first *fakeConn
	for i := range n {
		c, err := r.GetConnection(ctx, "room", fmt.Sprintf("p%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if first == nil {
			first = c
		}
		if c != first {
			t.Fatal("participants of one room must share the connection")
		}
	}
	if f.count("room") != 1 || created.Load() != 1 {
		t.Fatalf("created %d connections", f.count("room"))
	}
	if got := len(r.Members("room")); got != n {
		t.Errorf("members = %d", got)
	}

	for i := range n {
		if first.disconnects.Load() != 0 {
			t.Fatalf("torn down early after %d ends", i)
		}
		if err := r.End("room", fmt.Sprintf("p%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if first.disconnects.Load() != 1 || tornDown.Load() != 1 {
		t.Errorf("disconnects = %d, want 1", first.disconnects.Load())
	}
	if r.Len() != 0 {
		t.Errorf("entry not removed, Len = %d", r.Len())
	}

	// a new join after teardown creates a fresh connection
	c, err := r.GetConnection(ctx, "room", "p0")
	if err != nil {
		t.Fatal(err)
	}
	if c == first || f.count("room") != 2 {
		t.Error("expected a new connection after teardown")
	}
}

func TestRegistry_IdempotentJoin(t *testing.T) {
	f := newFactory()
	r := pool.New(f.create)
	ctx := context.Background()
	c, _ := r.GetConnection(ctx, "room", "alice")
	_, _ = r.GetConnection(ctx, "room", "alice")
	if len(r.Members("room")) != 1 {
		t.Fatalf("members = %v", r.Members("room"))
	}
	_ = r.End("room", "alice")
	if c.disconnects.Load() != 1 {
		t.Error("single end after duplicate join must tear down")
	}
}

func TestRegistry_EndUnknownIsNoop(t *testing.T) {
	f := newFactory()
	r := pool.New(f.create)
	if err := r.End("nowhere", "ghost"); err != nil {
		t.Fatal(err)
	}
	c, _ := r.GetConnection(context.Background(), "room", "alice")
	if err := r.End("room", "ghost"); err != nil {
		t.Fatal(err)
	}
	if c.disconnects.Load() != 0 {
		t.Error("unknown participant tore down the room")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	f := newFactory()
	f.err = errors.New("backend down")
	r := pool.New(f.create)
	if _, err := r.GetConnection(context.Background(), "room", "alice"); err == nil {
		t.Fatal("expected error")
	}
	if r.Len() != 0 {
		t.Error("failed entry left in registry")
	}
	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()
	if _, err := r.GetConnection(context.Background(), "room", "alice"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestRegistry_RoomsDoNotSerialise(t *testing.T) {
	f := newFactory()
	release := make(chan struct{})
	f.block["slow"] = release
	r := pool.New(f.create)

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_, _ = r.GetConnection(context.Background(), "slow", "a")
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.GetConnection(context.Background(), "fast", "b")
		_ = r.End("fast", "b")
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a slow connect in one room blocked another room")
	}
	close(release)
	<-slowDone
	if f.count("slow") != 1 {
		t.Errorf("slow room created %d connections", f.count("slow"))
	}
}

func TestRegistry_ConcurrentJoinLeave(t *testing.T) {
	f := newFactory()
	r := pool.New(f.create)
	ctx := context.Background()

	var wg sync.WaitGroup
	for room := range 4 {
		for p := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				roomID := fmt.Sprintf("room%d", room)
				pid := fmt.Sprintf("p%d", p)
				for range 20 {
					if _, err := r.GetConnection(ctx, roomID, pid); err != nil {
						t.Error(err)
						return
					}
					if err := r.End(roomID, pid); err != nil {
						t.Error(err)
						return
					}
				}
			}()
		}
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("rooms left: %d", r.Len())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for room, conns := range f.created {
		for i, c := range conns {
			if c.disconnects.Load() != 1 {
				t.Errorf("%s conn %d disconnected %d times", room, i, c.disconnects.Load())
			}
		}
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	f := newFactory()
	r := pool.New(f.create)
	ctx := context.Background()
	a, _ := r.GetConnection(ctx, "a", "1")
	b, _ := r.GetConnection(ctx, "b", "1")
	b.disconnectErr = errors.New("already gone")

	if err := r.CloseAll(ctx); err == nil {
		t.Error("expected disconnect error to surface")
	}
	if a.disconnects.Load() != 1 || b.disconnects.Load() != 1 {
		t.Error("not every room was disconnected")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d", r.Len())
	}
	if err := r.End("a", "1"); err != nil {
		t.Errorf("End after CloseAll: %v", err)
	}
}

func TestRegistry_Evict(t *testing.T) {
	f := newFactory()
	var tornDown atomic.Int32
	r := pool.New(f.create, pool.WithHooks(nil, func(string) { tornDown.Add(1) }))
	ctx := context.Background()

	failed, _ := r.GetConnection(ctx, "room", "a")
	_, _ = r.GetConnection(ctx, "room", "b")

	if !r.Evict("room", failed) {
		t.Fatal("Evict of the live connection returned false")
	}
	if r.Evict("room", failed) {
		t.Error("second Evict must be a no-op")
	}
	if r.Len() != 0 || tornDown.Load() != 1 {
		t.Errorf("Len = %d, teardowns = %d", r.Len(), tornDown.Load())
	}
	if failed.disconnects.Load() != 0 {
		t.Error("evicted connection must not be disconnected again")
	}

	fresh, err := r.GetConnection(ctx, "room", "c")
	if err != nil {
		t.Fatal(err)
	}
	if fresh == failed || f.count("room") != 2 {
		t.Fatal("join after Evict must build a new connection")
	}
	// members of the evicted entry no longer hold the new one
	if err := r.End("room", "a"); err != nil {
		t.Fatal(err)
	}
	if fresh.disconnects.Load() != 0 {
		t.Error("stale member ended the fresh connection")
	}
	if r.Evict("room", failed) {
		t.Error("Evict must not touch an entry holding another connection")
	}
}
