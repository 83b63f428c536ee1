// Package mock provides test doubles for the stt package interfaces.
//
// Use Service to verify which requests a caller sends and to hand out
// controllable sessions. Use Session to push results to the registered
// listeners and to inspect the audio that was delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	svc := &mock.Service{Streaming: true, Session: sess}
//	s, _ := svc.InitStreamingSession(ctx, cfg)
//	sess.Emit(stt.Result{Alternatives: []stt.Alternative{{Text: "hi"}}})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// Service is a mock implementation of stt.Service.
type Service struct {
	mu sync.Mutex

	ServiceName string
	Fragment    bool
	Streaming   bool

	// Results are passed to the consumer of every SendSingleRequest call.
	Results []stt.Result

	// SendSingleRequestErr, if non-nil, is returned by SendSingleRequest.
	SendSingleRequestErr error

	// Session is returned by InitStreamingSession. If nil, a new Session is
	// created per call and appended to Sessions.
	Session *Session

	// InitErr, if non-nil, is returned by InitStreamingSession.
	InitErr error

	// Requests records every SendSingleRequest call in order.
	Requests []stt.Request

	// InitCalls records every InitStreamingSession config in order.
	InitCalls []stt.SessionConfig

	// Sessions holds every session handed out.
	Sessions []*Session
}

var _ stt.Service = (*Service)(nil)

func (s *Service) Name() string {
	if s.ServiceName == "" {
		return "mock"
	}
	return s.ServiceName
}

func (s *Service) SupportsFragmentTranscription() bool { return s.Fragment }
func (s *Service) SupportsStreamRecognition() bool     { return s.Streaming }

// SendSingleRequest records req and feeds Results to consumer.
func (s *Service) SendSingleRequest(_ context.Context, req stt.Request, consumer func(stt.Result)) error {
	s.mu.Lock()
	if !s.Fragment {
		s.mu.Unlock()
		return stt.ErrNotSupported
	}
	s.Requests = append(s.Requests, req)
	results := append([]stt.Result(nil), s.Results...)
	err := s.SendSingleRequestErr
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for _, r := range results {
		consumer(r)
	}
	return nil
}

// InitStreamingSession records cfg and returns Session or a fresh one.
func (s *Service) InitStreamingSession(_ context.Context, cfg stt.SessionConfig) (stt.StreamingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Streaming {
		return nil, stt.ErrNotSupported
	}
	s.InitCalls = append(s.InitCalls, cfg)
	if s.InitErr != nil {
		return nil, s.InitErr
	}
	sess := s.Session
	if sess == nil {
		sess = NewSession()
	}
	s.Sessions = append(s.Sessions, sess)
	return sess, nil
}

// RequestCount returns the number of recorded single requests. Thread-safe.
func (s *Service) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}

// RecordedRequests returns a copy of the recorded single requests.
func (s *Service) RecordedRequests() []stt.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stt.Request(nil), s.Requests...)
}

// SessionCount returns how many sessions were handed out. Thread-safe.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Sessions)
}

// Session is a mock implementation of stt.StreamingSession.
type Session struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by every SendRequest call.
	SendErr error

	// EndErr, if non-nil, is returned by End.
	EndErr error

	Requests     []stt.Request
	Listeners    []stt.Listener
	EndCallCount int
	ended        bool
}

var _ stt.StreamingSession = (*Session)(nil)

// NewSession returns an open session.
func NewSession() *Session { return &Session{} }

// SendRequest records req.
func (s *Session) SendRequest(_ context.Context, req stt.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return stt.ErrSessionEnded
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.Requests = append(s.Requests, req)
	return nil
}

// AddListener records l.
func (s *Session) AddListener(l stt.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Listeners = append(s.Listeners, l)
}

// End marks the session ended and notifies listeners of completion once.
func (s *Session) End() error {
	s.mu.Lock()
	s.EndCallCount++
	first := !s.ended
	s.ended = true
	ls := append([]stt.Listener(nil), s.Listeners...)
	err := s.EndErr
	s.mu.Unlock()

	if first {
		for _, l := range ls {
			l.Completed()
		}
	}
	return err
}

// Ended reports whether End or Fail was called.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Emit delivers r to every listener.
func (s *Session) Emit(r stt.Result) {
	for _, l := range s.listeners() {
		l.Notify(r)
	}
}

// Fail ends the session and delivers f to every listener.
func (s *Session) Fail(f stt.Failure) {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	for _, l := range s.listeners() {
		l.Failed(f)
	}
}

// RecordedRequests returns a copy of the requests sent so far.
func (s *Session) RecordedRequests() []stt.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stt.Request(nil), s.Requests...)
}

// EndCalls returns how often End was called. Thread-safe.
func (s *Session) EndCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EndCallCount
}

func (s *Session) listeners() []stt.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stt.Listener(nil), s.Listeners...)
}
