package stt

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/meetscribe/pkg/audio"
)

// Request is an immutable snapshot of audio handed to a backend. It keeps no
// reference to the participant that produced it.
type Request struct {
	Audio  []byte
	Format audio.Format

	// Locale is the BCP-47 tag of the spoken language, if known.
	Locale string
}

// Speaker identifies the participant a result belongs to.
type Speaker struct {
	SSRC uint32
	Name string
}

// Alternative is one hypothesis for a recognised utterance.
type Alternative struct {
	Text       string
	Confidence float64
}

// Result is a speech-to-text hypothesis. Results sharing a MessageID are
// refinements of one utterance; the first non-interim result closes it.
type Result struct {
	// Speaker is nil until the result is attributed to a participant.
	Speaker *Speaker

	Alternatives []Alternative
	MessageID    uuid.UUID
	Timestamp    time.Time

	// Interim results are ephemeral; only final results are durable.
	Interim bool

	Language string

	// Stability estimates how likely an interim result is to change, in
	// [0, 1]. Zero when the backend does not report it.
	Stability float64
}

// Text returns the text of the most confident alternative.
func (r Result) Text() string {
	best := -1
	for i, a := range r.Alternatives {
		if best < 0 || a.Confidence > r.Alternatives[best].Confidence {
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	return r.Alternatives[best].Text
}

// KeywordBoost is a vocabulary hint with a backend-specific intensity.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

// FailureReason classifies why a session or request failed.
type FailureReason int

const (
	ReasonUnknown FailureReason = iota
	// ReasonNetwork is a connection that could not be established or dropped.
	ReasonNetwork
	// ReasonResourcesExhausted means every reconnect attempt was used up.
	ReasonResourcesExhausted
	// ReasonUnsupported means the service lacks the requested mode.
	ReasonUnsupported
	// ReasonBackend is an error reported by the vendor.
	ReasonBackend
)

// String returns the reason's name.
func (r FailureReason) String() string {
	switch r {
	case ReasonNetwork:
		return "NETWORK"
	case ReasonResourcesExhausted:
		return "RESOURCES_EXHAUSTED"
	case ReasonUnsupported:
		return "UNSUPPORTED"
	case ReasonBackend:
		return "BACKEND"
	default:
		return "UNKNOWN"
	}
}

// Failure is delivered to listeners instead of an error when transcription
// for a participant stops.
type Failure struct {
	Reason FailureReason
	Err    error
}

func (f Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("stt: %s", f.Reason)
	}
	return fmt.Sprintf("stt: %s: %v", f.Reason, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }
