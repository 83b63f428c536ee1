package transcription

import (
	"log/slog"
	"time"

	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/internal/transcript/phonetic"
	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/provider/vad"
)

const (
	// DefaultQueueSize bounds the offload queue of each participant.
	DefaultQueueSize = 64

	// frameDuration is the chunk size fed to the silence filter.
	frameDuration = vad.DefaultFrameSizeMs * time.Millisecond
)

// DefaultFormat is the PCM format announced to streaming backends when a
// participant joins before any audio was observed.
var DefaultFormat = audio.Format{Encoding: audio.Linear16, SampleRate: 48000, Channels: 1}

// Config holds the per-room pipeline settings. The zero value buffers up to
// [audio.DefaultMaxBuffered] and disables the silence filter.
type Config struct {
	// DisableBuffering sends every frame on its own.
	DisableBuffering bool

	// MaxBuffered bounds the audio collected per request.
	MaxBuffered time.Duration

	// QueueSize bounds each participant's offload queue. Requests beyond it
	// are dropped.
	QueueSize int

	// Format is announced to streaming backends until a participant's real
	// format is known.
	Format audio.Format

	// Silence enables the silence filter when non-nil.
	Silence *SilenceConfig
}

// SilenceConfig configures the per-participant silence filter.
type SilenceConfig struct {
	Engine            vad.Engine
	Mode              vad.Mode
	WindowSize        int
	MajorityThreshold int
}

func (c *Config) applyDefaults() {
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = audio.DefaultMaxBuffered
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Format.SampleRate == 0 {
		c.Format = DefaultFormat
	}
}

// Option is a functional option for a [Transcriber].
type Option func(*Transcriber)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Transcriber) { t.log = l }
}

// WithMetrics sets the metrics instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transcriber) { t.metrics = m }
}

// WithClock replaces the time source of transcript events.
func WithClock(now func() time.Time) Option {
	return func(t *Transcriber) { t.now = now }
}

// WithNameCorrection corrects misheard participant names in final results.
func WithNameCorrection(m *phonetic.Matcher) Option {
	return func(t *Transcriber) { t.matcher = m }
}

// ParticipantOption configures a participant added with [Transcriber.Add].
type ParticipantOption func(*Participant)

// WithLanguage sets the locale the participant speaks, e.g. "en-US".
func WithLanguage(locale string) ParticipantOption {
	return func(p *Participant) { p.sourceLang = locale }
}

// WithTargetLanguage sets the locale results should be translated to.
func WithTargetLanguage(locale string) ParticipantOption {
	return func(p *Participant) { p.targetLang = locale }
}
