package transcription

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/meetscribe/internal/transcript"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// Listener receives the results of a [Transcriber]. Results carry the
// identity of the participant who spoke. Completed is called once after
// [Transcriber.Stop] drained every participant; nothing follows it.
type Listener interface {
	Notify(stt.Result)
	Completed()
}

// EventListener is implemented by listeners that also want the transcript
// events (start, join, speech, leave, raised hand, end) as they are
// recorded.
type EventListener interface {
	TranscriptEvent(transcript.Event)
}

// FailureListener is implemented by listeners that want to learn about
// provider failures of individual participants.
type FailureListener interface {
	Failed(p Identity, f stt.Failure)
}

// Identity names the participant a failure belongs to.
type Identity struct {
	Room string
	SSRC uint32
	Name string
}

// dispatcher delivers calls to one listener in submission order from its
// own goroutine, so a slow listener never stalls the provider that produced
// a result or the other listeners.
type dispatcher struct {
	l   Listener
	log *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newDispatcher(l Listener, log *slog.Logger) *dispatcher {
	d := &dispatcher{
		l:    l,
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// submit queues fn. Calls after close are dropped.
func (d *dispatcher) submit(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range batch {
			d.call(fn)
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-d.wake
		}
	}
}

func (d *dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("listener panicked", "panic", r)
		}
	}()
	fn()
}

// close stops accepting calls and waits until the queued ones ran or ctx
// expires.
func (d *dispatcher) close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
