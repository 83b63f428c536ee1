package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// STTFallback is an [stt.Service] that fails over between transcription
// backends, each behind its own circuit breaker. A capability is offered
// when at least one backend has it; calls only go to backends that do.
//
// Failover happens when a call is made. A streaming session that fails
// later is reported to its listeners as usual; the next join opens a new
// session, which goes to the first healthy backend.
type STTFallback struct {
	group *FallbackGroup[stt.Service]
}

var _ stt.Service = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend.
func NewSTTFallback(primary stt.Service, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primary.Name(), cfg)}
}

// AddFallback registers another backend, tried after those added before.
func (f *STTFallback) AddFallback(svc stt.Service) {
	f.group.AddFallback(svc.Name(), svc)
}

// Breaker returns the circuit breaker guarding the named backend.
func (f *STTFallback) Breaker(name string) (*CircuitBreaker, bool) {
	return f.group.Breaker(name)
}

func (f *STTFallback) Name() string {
	return "fallback(" + strings.Join(f.group.Names(), ",") + ")"
}

func (f *STTFallback) SupportsFragmentTranscription() bool {
	return f.group.Any(stt.Service.SupportsFragmentTranscription)
}

func (f *STTFallback) SupportsStreamRecognition() bool {
	return f.group.Any(stt.Service.SupportsStreamRecognition)
}

// SendSingleRequest sends req to the first healthy backend that transcribes
// fragments. Results of a failed attempt are not delivered; consumer only
// sees the results of the attempt that succeeded.
func (f *STTFallback) SendSingleRequest(ctx context.Context, req stt.Request, consumer func(stt.Result)) error {
	if !f.SupportsFragmentTranscription() {
		return stt.ErrNotSupported
	}
	_, err := Call(f.group, stt.Service.SupportsFragmentTranscription, func(svc stt.Service) (struct{}, error) {
		var results []stt.Result
		if err := svc.SendSingleRequest(ctx, req, func(r stt.Result) { results = append(results, r) }); err != nil {
			return struct{}{}, err
		}
		for _, r := range results {
			consumer(r)
		}
		return struct{}{}, nil
	})
	return err
}

// InitStreamingSession opens a session on the first healthy backend that
// streams.
func (f *STTFallback) InitStreamingSession(ctx context.Context, cfg stt.SessionConfig) (stt.StreamingSession, error) {
	if !f.SupportsStreamRecognition() {
		return nil, stt.ErrNotSupported
	}
	return Call(f.group, stt.Service.SupportsStreamRecognition, func(svc stt.Service) (stt.StreamingSession, error) {
		return svc.InitStreamingSession(ctx, cfg)
	})
}
