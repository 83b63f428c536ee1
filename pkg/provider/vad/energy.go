package vad

import (
	"errors"
	"fmt"

	"github.com/MrWong99/meetscribe/pkg/audio"
)

// ErrFrameSize is returned by Detect when a frame does not match the
// configured size.
var ErrFrameSize = errors.New("vad: unexpected frame size")

// rmsThresholds maps each mode to the RMS amplitude above which a frame is
// speech.
var rmsThresholds = [...]float64{
	ModeQuality:        200,
	ModeLowBitrate:     300,
	ModeAggressive:     500,
	ModeVeryAggressive: 800,
}

// EnergyEngine is an amplitude-based Engine. It is cheap enough to run on
// every 20 ms frame of every participant.
type EnergyEngine struct {
	// Threshold overrides the mode's RMS threshold when positive.
	Threshold float64
}

var _ Engine = (*EnergyEngine)(nil)

// NewDetector validates cfg and returns a detector for one stream.
func (e *EnergyEngine) NewDetector(cfg Config) (Detector, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("vad: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("vad: frame size must be positive, got %d", cfg.FrameSizeMs)
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("vad: invalid mode %d", cfg.Mode)
	}
	threshold := rmsThresholds[cfg.Mode]
	if e.Threshold > 0 {
		threshold = e.Threshold
	}
	return &energyDetector{
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		threshold:  threshold,
	}, nil
}

type energyDetector struct {
	frameBytes int
	threshold  float64
}

func (d *energyDetector) Detect(frame []byte) (Decision, error) {
	if len(frame) != d.frameBytes {
		return Decision{}, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(frame), d.frameBytes)
	}
	rms := audio.RMS(frame)
	p := rms / (2 * d.threshold)
	if p > 1 {
		p = 1
	}
	return Decision{Speech: rms >= d.threshold, Probability: p}, nil
}

// Reset is a no-op; the detector is stateless between frames.
func (d *energyDetector) Reset() {}
