package audio_test

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/meetscribe/pkg/audio"
)

var pcm48 = audio.Format{Encoding: audio.Linear16, SampleRate: 48000, Channels: 1}

// frame returns a segment of d at 48 kHz mono filled with b.
func frame(ssrc uint32, d time.Duration, b byte) audio.Segment {
	return audio.Segment{
		SSRC:   ssrc,
		Data:   bytes.Repeat([]byte{b}, pcm48.FrameSize(d)),
		Format: pcm48,
	}
}

func TestBuffer_PutUntilFull(t *testing.T) {
	buf := audio.NewBuffer(100 * time.Millisecond)
	for i := range 5 {
		if err := buf.Put(frame(1, 20*time.Millisecond, byte(i))); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if got := buf.Duration(); got != 100*time.Millisecond {
		t.Fatalf("duration = %s", got)
	}
	if buf.Remaining() != 0 {
		t.Errorf("remaining = %s", buf.Remaining())
	}

	extra := frame(1, 20*time.Millisecond, 9)
	if buf.DoesFit(extra) {
		t.Error("DoesFit should be false on a full buffer")
	}
	lenBefore := buf.Len()
	if err := buf.Put(extra); !errors.Is(err, audio.ErrDoesNotFit) {
		t.Fatalf("err = %v, want ErrDoesNotFit", err)
	}
	if buf.Len() != lenBefore || buf.Duration() != 100*time.Millisecond {
		t.Error("rejected put mutated the buffer")
	}
}

func TestBuffer_NeverExceedsMax(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	buf := audio.NewBuffer(500 * time.Millisecond)
	for range 1000 {
		d := time.Duration(rng.IntN(300)+1) * time.Millisecond
		seg := frame(1, d, 1)
		fits := buf.DoesFit(seg)
		err := buf.Put(seg)
		if fits != (err == nil) {
			t.Fatalf("DoesFit=%v but Put err=%v", fits, err)
		}
		if buf.Duration() > buf.Max() {
			t.Fatalf("buffered %s > max %s", buf.Duration(), buf.Max())
		}
		if rng.IntN(4) == 0 {
			buf.Clear()
		}
	}
}

func TestBuffer_ExceedsBufferSize(t *testing.T) {
	buf := audio.NewBuffer(0)
	if buf.Max() != audio.DefaultMaxBuffered {
		t.Fatalf("default max = %s", buf.Max())
	}
	if buf.ExceedsBufferSize(frame(1, 500*time.Millisecond, 0)) {
		t.Error("exactly max should not exceed")
	}
	if !buf.ExceedsBufferSize(frame(1, 520*time.Millisecond, 0)) {
		t.Error("520ms should exceed 500ms")
	}
}

func TestBuffer_MergePreservesOrder(t *testing.T) {
	buf := audio.NewBuffer(time.Second)
	a := frame(42, 20*time.Millisecond, 'a')
	b := frame(43, 40*time.Millisecond, 'b')
	c := frame(44, 20*time.Millisecond, 'c')
	for _, s := range []audio.Segment{a, b, c} {
		if err := buf.Put(s); err != nil {
			t.Fatal(err)
		}
	}

	got, err := buf.BufferedSegment()
	if err != nil {
		t.Fatal(err)
	}
	want := append(append(append([]byte{}, a.Data...), b.Data...), c.Data...)
	if !bytes.Equal(got.Data, want) {
		t.Error("merged bytes are not the in-order concatenation")
	}
	if got.SSRC != 42 || got.Format != a.Format {
		t.Errorf("merged ssrc/format = %d/%s, want first segment's", got.SSRC, got.Format)
	}
	if got.Duration() != 80*time.Millisecond {
		t.Errorf("merged duration = %s", got.Duration())
	}
	if buf.Len() == 0 {
		t.Error("BufferedSegment must not clear")
	}
}

func TestBuffer_EmptyAndFlush(t *testing.T) {
	buf := audio.NewBuffer(time.Second)
	if _, err := buf.BufferedSegment(); !errors.Is(err, audio.ErrBufferEmpty) {
		t.Fatalf("err = %v, want ErrBufferEmpty", err)
	}
	if _, err := buf.Flush(); !errors.Is(err, audio.ErrBufferEmpty) {
		t.Fatalf("flush err = %v, want ErrBufferEmpty", err)
	}
	_ = buf.Put(frame(1, 20*time.Millisecond, 1))
	seg, err := buf.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if len(seg.Data) != 1920 {
		t.Errorf("flushed %d bytes", len(seg.Data))
	}
	if buf.Len() != 0 || buf.Duration() != 0 {
		t.Error("flush did not clear")
	}
}

func TestBuffer_ConcurrentPutFlush(t *testing.T) {
	buf := audio.NewBuffer(200 * time.Millisecond)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 500 {
			_ = buf.Put(frame(1, 20*time.Millisecond, 1))
		}
	}()
	go func() {
		defer wg.Done()
		for range 500 {
			_, _ = buf.Flush()
		}
	}()
	wg.Wait()
	if buf.Duration() > buf.Max() {
		t.Errorf("buffered %s > max", buf.Duration())
	}
}
