// This file contains the NativeService backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

var _ stt.Service = (*NativeService)(nil)

// NativeService implements stt.Service using whisper.cpp in process. The
// model is loaded once and shared; every request gets its own context.
type NativeService struct {
	model    whisperlib.Model
	language string
	threads  uint
}

// NativeOption is a functional option for configuring a NativeService.
type NativeOption func(*NativeService)

// WithNativeLanguage sets the language used when a request carries no
// locale. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(s *NativeService) { s.language = lang }
}

// WithNativeThreads sets the number of inference threads per request. Zero
// keeps the library default.
func WithNativeThreads(n uint) NativeOption {
	return func(s *NativeService) { s.threads = n }
}

// NewNative loads the whisper.cpp model at modelPath. The caller must call
// Close when the service is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeService, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	s := &NativeService{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close releases the whisper model.
func (s *NativeService) Close() error {
	if s.model != nil {
		return s.model.Close()
	}
	return nil
}

func (s *NativeService) Name() string                        { return "whisper-native" }
func (s *NativeService) SupportsFragmentTranscription() bool { return true }
func (s *NativeService) SupportsStreamRecognition() bool     { return false }

// InitStreamingSession always fails with stt.ErrNotSupported.
func (s *NativeService) InitStreamingSession(context.Context, stt.SessionConfig) (stt.StreamingSession, error) {
	return nil, stt.ErrNotSupported
}

// SendSingleRequest runs inference on the request and delivers the joined
// segment texts as one final result.
func (s *NativeService) SendSingleRequest(ctx context.Context, req stt.Request, consumer func(stt.Result)) error {
	pcm, err := prepare(req)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	lang := languageOf(req.Locale, s.language)
	text, err := s.infer(audio.Float32(pcm), lang)
	if err != nil {
		return err
	}
	deliver(text, lang, consumer)
	return nil
}

func (s *NativeService) infer(samples []float32, lang string) (string, error) {
	// contexts are not safe for concurrent use; the model is
	wctx, err := s.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}
	if s.threads > 0 {
		wctx.SetThreads(s.threads)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", stt.Failure{Reason: stt.ReasonBackend, Err: fmt.Errorf("whisper: process audio: %w", err)}
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
