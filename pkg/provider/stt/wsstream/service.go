package wsstream

import (
	"context"

	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// Service exposes a codec as a streaming-only stt.Service. Every
// InitStreamingSession call opens its own connection.
type Service struct {
	codec Codec
	opts  []Option
}

var _ stt.Service = (*Service)(nil)

// NewService returns a service whose sessions are created with opts.
func NewService(codec Codec, opts ...Option) *Service {
	return &Service{codec: codec, opts: opts}
}

func (s *Service) Name() string                        { return s.codec.Name() }
func (s *Service) SupportsFragmentTranscription() bool { return false }
func (s *Service) SupportsStreamRecognition() bool     { return true }

// SendSingleRequest always fails with stt.ErrNotSupported.
func (s *Service) SendSingleRequest(context.Context, stt.Request, func(stt.Result)) error {
	return stt.ErrNotSupported
}

// InitStreamingSession opens a session for cfg.
func (s *Service) InitStreamingSession(ctx context.Context, cfg stt.SessionConfig) (stt.StreamingSession, error) {
	sess, err := Open(ctx, s.codec, cfg, s.opts...)
	if err != nil {
		return nil, err
	}
	return sess, nil
}
