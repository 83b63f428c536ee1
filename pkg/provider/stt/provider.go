// Package stt defines the Service interface for speech-to-text backends.
//
// A Service wraps an external transcription vendor and declares which of two
// modes it supports:
//
//   - fragment transcription: one blocking request per short utterance
//     (SendSingleRequest), typically a few hundred milliseconds to a minute
//     of audio;
//   - stream recognition: a long-lived StreamingSession that accepts many
//     audio requests and delivers interim and final results asynchronously
//     to registered Listeners.
//
// Callers must check the capability before using a mode; the other mode
// fails with ErrNotSupported.
//
// Implementations must be safe for concurrent use. Many sessions may be open
// at once, one per conference participant.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/meetscribe/pkg/audio"
)

var (
	// ErrNotSupported is returned when a caller uses a mode the service has
	// not declared.
	ErrNotSupported = errors.New("stt: operation not supported by this service")

	// ErrSessionEnded is returned by SendRequest after the session has ended.
	ErrSessionEnded = errors.New("stt: session ended")
)

// SessionConfig describes the stream a new StreamingSession will carry.
type SessionConfig struct {
	// Room is the conference the participant belongs to. Backends that share
	// one connection per room key their pool on it.
	Room string

	// Speaker identifies the participant; backends stamp it on results.
	Speaker Speaker

	// Language is the BCP-47 tag to recognise (e.g. "en-US"). Empty lets
	// the backend auto-detect where supported.
	Language string

	// Format is the audio format of every Request sent on the session.
	Format audio.Format

	// Keywords are vocabulary hints, usually the participants' names.
	Keywords []KeywordBoost
}

// StreamingSession is an open recognition stream for one participant. It
// hides reconnects and idle rotation: from the caller's view the session is
// unbroken until End is called or it fails for good.
type StreamingSession interface {
	// SendRequest delivers audio to the backend. It returns ErrSessionEnded
	// once the session has ended.
	SendRequest(ctx context.Context, req Request) error

	// AddListener registers l for all results delivered after the call.
	AddListener(l Listener)

	// End gracefully closes the session and waits for its goroutines. Calling
	// End more than once is safe.
	End() error

	// Ended reports whether the session has ended, either through End or
	// because it failed permanently.
	Ended() bool
}

// Service is the abstraction over a transcription backend.
type Service interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	SupportsFragmentTranscription() bool
	SupportsStreamRecognition() bool

	// SendSingleRequest transcribes one utterance and blocks until the
	// backend answered. consumer is called for every result.
	SendSingleRequest(ctx context.Context, req Request, consumer func(Result)) error

	// InitStreamingSession opens a streaming session.
	InitStreamingSession(ctx context.Context, cfg SessionConfig) (StreamingSession, error)
}

// Listener receives the output of a streaming session. Methods may be called
// from a backend's I/O goroutine and must not block.
type Listener interface {
	Notify(Result)
	Completed()
	Failed(Failure)
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnNotify    func(Result)
	OnCompleted func()
	OnFailed    func(Failure)
}

var _ Listener = ListenerFuncs{}

func (l ListenerFuncs) Notify(r Result) {
	if l.OnNotify != nil {
		l.OnNotify(r)
	}
}

func (l ListenerFuncs) Completed() {
	if l.OnCompleted != nil {
		l.OnCompleted()
	}
}

func (l ListenerFuncs) Failed(f Failure) {
	if l.OnFailed != nil {
		l.OnFailed(f)
	}
}
