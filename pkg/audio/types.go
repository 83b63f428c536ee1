// Package audio holds the value types that flow through the transcription
// pipeline: the [Format] of a stream, immutable per-source [Segment]s, the
// duration-bounded [Buffer] that coalesces them, and the PCM helpers shared
// by providers.
//
// All durations are computed on 16-bit little-endian linear PCM. Encoded
// frames (Opus) are decoded with an [OpusDecoder] before they are buffered.
package audio

import (
	"fmt"
	"time"
)

// Encoding identifies how the bytes of a [Segment] are encoded.
type Encoding int

const (
	// Linear16 is signed 16-bit little-endian PCM.
	Linear16 Encoding = iota

	// Opus is a single Opus packet as produced by the conference mixer.
	Opus
)

// String returns the wire name of the encoding.
func (e Encoding) String() string {
	switch e {
	case Linear16:
		return "linear16"
	case Opus:
		return "opus"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// ParseEncoding maps a wire name back to an [Encoding].
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "linear16", "pcm", "":
		return Linear16, nil
	case "opus":
		return Opus, nil
	default:
		return 0, fmt.Errorf("audio: unknown encoding %q", s)
	}
}

// Format describes the encoding, sample rate and channel count of a stream.
type Format struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

// String renders the format as e.g. "linear16 48000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%s %dHz %s", f.Encoding, f.SampleRate, ch)
}

// BytesPerSecond is the Linear16 byte rate of the format. It returns 0 for
// formats without a usable sample rate or channel count.
func (f Format) BytesPerSecond() int {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return f.SampleRate * f.Channels * 2
}

// FrameSize returns the number of Linear16 bytes that cover d.
func (f Format) FrameSize(d time.Duration) int {
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	// keep whole sample frames
	align := f.Channels * 2
	if align > 0 {
		n -= n % align
	}
	return n
}

// Duration returns how long n Linear16 bytes play in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Segment is a chunk of audio from one source. Segments are treated as
// immutable once created; the buffer copies their bytes on merge.
type Segment struct {
	// SSRC identifies the participant stream the audio belongs to.
	SSRC uint32

	Data   []byte
	Format Format
}

// Duration returns the playback length of the segment. Encoded segments have
// no computable duration and report 0.
func (s Segment) Duration() time.Duration {
	if s.Format.Encoding != Linear16 {
		return 0
	}
	return s.Format.Duration(len(s.Data))
}
