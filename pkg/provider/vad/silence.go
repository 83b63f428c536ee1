package vad

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/meetscribe/pkg/audio"
)

// Defaults for [FilterConfig].
const (
	DefaultFrameSizeMs       = 20
	DefaultWindowSize        = 10
	DefaultMajorityThreshold = 8
)

// FilterConfig parameterises a [SilenceFilter].
type FilterConfig struct {
	// Format is the format of the segments fed to the filter. Multi-channel
	// audio is downmixed before detection.
	Format audio.Format

	FrameSizeMs int
	Mode        Mode

	// WindowSize is the number of most recent frames that take part in each
	// decision and that make up the pre-roll returned by SpeechWindow.
	WindowSize int

	// MajorityThreshold is how many frames of the window must be speech for
	// the window to count as speech.
	MajorityThreshold int
}

func (c *FilterConfig) applyDefaults() {
	if c.FrameSizeMs <= 0 {
		c.FrameSizeMs = DefaultFrameSizeMs
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.MajorityThreshold <= 0 {
		c.MajorityThreshold = DefaultMajorityThreshold
	}
	if c.MajorityThreshold > c.WindowSize {
		c.MajorityThreshold = c.WindowSize
	}
}

// SilenceFilter decides per 20 ms frame whether a participant's audio is
// worth forwarding. It smooths the detector's per-frame decisions with a
// majority vote over a sliding window and keeps that window's audio so the
// start of an utterance is not lost when speech is first recognised.
//
// A SilenceFilter belongs to exactly one participant stream and is not safe
// for concurrent use.
type SilenceFilter struct {
	cfg FilterConfig
	det Detector
	log *slog.Logger

	// ring of the last WindowSize frames and their decisions
	frames   [][]byte
	speech   []bool
	next     int
	filled   int
	speaking int

	previous bool
	current  bool
}

// NewSilenceFilter builds a filter whose detector comes from eng.
func NewSilenceFilter(eng Engine, cfg FilterConfig) (*SilenceFilter, error) {
	cfg.applyDefaults()
	det, err := eng.NewDetector(Config{
		SampleRate:  cfg.Format.SampleRate,
		FrameSizeMs: cfg.FrameSizeMs,
		Mode:        cfg.Mode,
	})
	if err != nil {
		return nil, fmt.Errorf("vad: silence filter: %w", err)
	}
	return &SilenceFilter{
		cfg:    cfg,
		det:    det,
		log:    slog.Default().With("component", "silence_filter"),
		frames: make([][]byte, cfg.WindowSize),
		speech: make([]bool, cfg.WindowSize),
	}, nil
}

// GiveSegment feeds the next frame into the filter and updates the
// decision returned by ShouldFilter and NewSpeech.
func (f *SilenceFilter) GiveSegment(frame []byte) {
	mono := audio.Downmix(frame, f.cfg.Format.Channels)
	d, err := f.det.Detect(mono)
	if err != nil {
		f.log.Debug("detector rejected frame, treating as silence", "err", err)
		d = Decision{}
	}

	if f.filled == f.cfg.WindowSize && f.speech[f.next] {
		f.speaking--
	}
	f.frames[f.next] = frame
	f.speech[f.next] = d.Speech
	if d.Speech {
		f.speaking++
	}
	f.next = (f.next + 1) % f.cfg.WindowSize
	if f.filled < f.cfg.WindowSize {
		f.filled++
	}

	f.previous = f.current
	f.current = f.speaking >= f.cfg.MajorityThreshold
}

// ShouldFilter reports whether the last frame belongs to silence and
// should not be forwarded.
func (f *SilenceFilter) ShouldFilter() bool { return !f.current }

// NewSpeech reports whether the last frame flipped the window from silence
// to speech. When true the caller should forward SpeechWindow instead of
// the single frame.
func (f *SilenceFilter) NewSpeech() bool { return !f.previous && f.current }

// SpeechWindow returns the frames currently in the window, oldest first,
// concatenated into one payload.
func (f *SilenceFilter) SpeechWindow() []byte {
	start := 0
	if f.filled == f.cfg.WindowSize {
		start = f.next
	}
	var out []byte
	for i := range f.filled {
		out = append(out, f.frames[(start+i)%f.cfg.WindowSize]...)
	}
	return out
}

// Reset forgets all history.
func (f *SilenceFilter) Reset() {
	clear(f.frames)
	clear(f.speech)
	f.next, f.filled, f.speaking = 0, 0, 0
	f.previous, f.current = false, false
	f.det.Reset()
}
