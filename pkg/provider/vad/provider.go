// Package vad defines the Engine interface for voice activity detection and
// the [SilenceFilter] that gates participant audio before it is sent to a
// transcription backend.
//
// An Engine hands out per-stream [Detector]s. Each detector keeps its own
// state so concurrent participant streams are classified independently.
// Detection is synchronous: Detect returns immediately and is suitable for
// the real-time audio callback path.
//
// Implementations must be safe for concurrent use across different
// detectors. A single Detector must not be shared between goroutines.
package vad

// Mode is the aggressiveness of the detector. Higher modes classify fewer
// frames as speech, trading missed quiet speech for fewer wasted requests.
type Mode int

const (
	ModeQuality Mode = iota
	ModeLowBitrate
	ModeAggressive
	ModeVeryAggressive
)

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool { return m >= ModeQuality && m <= ModeVeryAggressive }

// Config holds the parameters for a detector.
type Config struct {
	// SampleRate is the rate of the mono 16-bit PCM frames passed to Detect.
	SampleRate int

	// FrameSizeMs is the duration of each frame. Detect rejects frames of a
	// different size.
	FrameSizeMs int

	// Mode selects the detector's aggressiveness.
	Mode Mode
}

// Decision is the classification of a single frame.
type Decision struct {
	Speech bool

	// Probability is the detector's speech score in [0, 1].
	Probability float64
}

// Detector classifies frames of one audio stream.
type Detector interface {
	// Detect classifies a single frame of little-endian mono PCM at the
	// configured rate and frame size.
	Detect(frame []byte) (Decision, error)

	// Reset clears accumulated state without releasing the detector.
	Reset()
}

// Engine is the factory for detectors.
type Engine interface {
	NewDetector(cfg Config) (Detector, error)
}
