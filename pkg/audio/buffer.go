package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultMaxBuffered is the buffering bound used when none is configured.
const DefaultMaxBuffered = 500 * time.Millisecond

var (
	// ErrDoesNotFit is returned by [Buffer.Put] when the segment would push
	// the buffered duration past the maximum.
	ErrDoesNotFit = errors.New("audio: segment does not fit into buffer")

	// ErrBufferEmpty is returned by [Buffer.BufferedSegment] when nothing is
	// buffered.
	ErrBufferEmpty = errors.New("audio: buffer is empty")
)

// Buffer accumulates Linear16 segments up to a maximum total duration and
// merges them into one payload on flush. The bound is on playback time, not
// bytes, so a buffer flushes after the same wall-clock span regardless of the
// stream's sample rate.
//
// All methods are safe for concurrent use: the audio callback puts while the
// flush path drains.
type Buffer struct {
	max time.Duration

	mu       sync.Mutex
	segments []Segment
	duration time.Duration
	length   int
}

// NewBuffer returns a buffer bounded by max. A non-positive max selects
// [DefaultMaxBuffered].
func NewBuffer(max time.Duration) *Buffer {
	if max <= 0 {
		max = DefaultMaxBuffered
	}
	return &Buffer{max: max}
}

// Max returns the configured bound.
func (b *Buffer) Max() time.Duration { return b.max }

// DoesFit reports whether seg can be added without exceeding the bound.
func (b *Buffer) DoesFit(seg Segment) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.duration+seg.Duration() <= b.max
}

// ExceedsBufferSize reports whether seg alone is longer than the bound.
// Such segments can never be buffered and must be forwarded directly.
func (b *Buffer) ExceedsBufferSize(seg Segment) bool {
	return seg.Duration() > b.max
}

// Put appends seg. It returns [ErrDoesNotFit] and leaves the buffer
// untouched if the segment does not fit.
func (b *Buffer) Put(seg Segment) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := seg.Duration()
	if b.duration+d > b.max {
		return fmt.Errorf("%w: buffered %s + %s > %s", ErrDoesNotFit, b.duration, d, b.max)
	}
	b.segments = append(b.segments, seg)
	b.duration += d
	b.length += len(seg.Data)
	return nil
}

// BufferedSegment merges the buffered segments into one, preserving insertion
// order. The result carries the SSRC and format of the first segment. The
// buffer itself is not cleared.
func (b *Buffer) BufferedSegment() (Segment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mergeLocked()
}

// Flush merges the buffered segments and clears the buffer in one step.
func (b *Buffer) Flush() (Segment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seg, err := b.mergeLocked()
	if err != nil {
		return Segment{}, err
	}
	b.resetLocked()
	return seg, nil
}

func (b *Buffer) mergeLocked() (Segment, error) {
	if len(b.segments) == 0 {
		return Segment{}, ErrBufferEmpty
	}
	data := make([]byte, 0, b.length)
	for _, s := range b.segments {
		data = append(data, s.Data...)
	}
	first := b.segments[0]
	return Segment{SSRC: first.SSRC, Data: data, Format: first.Format}, nil
}

// Clear drops all buffered segments.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

func (b *Buffer) resetLocked() {
	b.segments = nil
	b.duration = 0
	b.length = 0
}

// Duration returns the total buffered playback time.
func (b *Buffer) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.duration
}

// Remaining returns how much more audio fits before the bound is reached.
func (b *Buffer) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.max - b.duration
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}
