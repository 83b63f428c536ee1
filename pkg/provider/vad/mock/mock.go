// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that detectors are created with the expected Config.
// Use Detector to script per-frame decisions and inspect submitted frames.
//
// Example:
//
//	det := &mock.Detector{Script: []vad.Decision{{Speech: false}, {Speech: true}}}
//	eng := &mock.Engine{Detector: det}
package mock

import (
	"sync"

	"github.com/MrWong99/meetscribe/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Detector is returned by NewDetector. If nil, a fresh Detector that
	// always reports Default is returned.
	Detector vad.Detector

	// Default is the decision of detectors created when Detector is nil.
	Default vad.Decision

	// NewDetectorErr, if non-nil, is returned by NewDetector.
	NewDetectorErr error

	// NewDetectorCalls records the Config of every NewDetector call.
	NewDetectorCalls []vad.Config
}

var _ vad.Engine = (*Engine)(nil)

// NewDetector records the call and returns Detector, NewDetectorErr.
func (e *Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewDetectorCalls = append(e.NewDetectorCalls, cfg)
	if e.NewDetectorErr != nil {
		return nil, e.NewDetectorErr
	}
	if e.Detector != nil {
		return e.Detector, nil
	}
	return &Detector{Default: e.Default}, nil
}

// Detector is a mock implementation of vad.Detector.
type Detector struct {
	mu sync.Mutex

	// Script is consumed one decision per Detect call. Once exhausted,
	// Default is returned.
	Script  []vad.Decision
	Default vad.Decision

	// DetectErr, if non-nil, is returned by every Detect call.
	DetectErr error

	// Frames holds a copy of every frame passed to Detect.
	Frames [][]byte

	ResetCallCount int
}

var _ vad.Detector = (*Detector)(nil)

// Detect records the frame and returns the next scripted decision.
func (d *Detector) Detect(frame []byte) (vad.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Frames = append(d.Frames, append([]byte(nil), frame...))
	if d.DetectErr != nil {
		return vad.Decision{}, d.DetectErr
	}
	if len(d.Script) > 0 {
		next := d.Script[0]
		d.Script = d.Script[1:]
		return next, nil
	}
	return d.Default, nil
}

// Reset records the call.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ResetCallCount++
}
