// Package whisper provides fragment transcription backed by whisper.cpp.
//
// [Service] talks to a running whisper-server binary (POST /inference).
// [NativeService] links the whisper.cpp library through its Go bindings and
// runs inference in process. Both are batch engines: each request carries
// one complete utterance and yields a single final result. Neither supports
// stream recognition.
//
// Usage:
//
//	svc, err := whisper.New("http://localhost:8080", whisper.WithLanguage("de"))
//	err = svc.SendSingleRequest(ctx, req, func(r stt.Result) { ... })
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

const (
	// whisper.cpp models are trained on 16 kHz mono audio.
	modelSampleRate = 16000

	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
)

var _ stt.Service = (*Service)(nil)

// Option is a functional option for configuring a Service.
type Option func(*Service)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(s *Service) {
		s.model = model
	}
}

// WithLanguage sets the language used when a request carries no locale.
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(s *Service) {
		s.language = lang
	}
}

// WithHTTPClient replaces the HTTP client. The default has a 30s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		s.httpClient = c
	}
}

// Service implements stt.Service against a whisper.cpp HTTP server.
type Service struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Service for the whisper.cpp server at serverURL
// (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Service, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	s := &Service{
		serverURL:  strings.TrimSuffix(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Service) Name() string                        { return "whisper" }
func (s *Service) SupportsFragmentTranscription() bool { return true }
func (s *Service) SupportsStreamRecognition() bool     { return false }

// InitStreamingSession always fails with stt.ErrNotSupported.
func (s *Service) InitStreamingSession(context.Context, stt.SessionConfig) (stt.StreamingSession, error) {
	return nil, stt.ErrNotSupported
}

// SendSingleRequest uploads the request as a 16 kHz mono WAV file and
// delivers the transcription as one final result. Empty transcriptions
// produce no result.
func (s *Service) SendSingleRequest(ctx context.Context, req stt.Request, consumer func(stt.Result)) error {
	pcm, err := prepare(req)
	if err != nil {
		return err
	}
	lang := languageOf(req.Locale, s.language)
	text, err := s.infer(ctx, pcm, lang)
	if err != nil {
		return err
	}
	deliver(text, lang, consumer)
	return nil
}

// infer POSTs a WAV file to the /inference endpoint as multipart/form-data
// and returns the transcribed text.
func (s *Service) infer(ctx context.Context, pcm []byte, lang string) (string, error) {
	wav := audio.EncodeWAV(pcm, modelSampleRate, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if s.model != "" {
		if err := mw.WriteField("model", s.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", stt.Failure{Reason: stt.ReasonNetwork, Err: fmt.Errorf("whisper: http request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", stt.Failure{
			Reason: stt.ReasonBackend,
			Err:    fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg)),
		}
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

// prepare validates a request and converts its audio to 16 kHz mono PCM.
func prepare(req stt.Request) ([]byte, error) {
	if req.Format.Encoding != audio.Linear16 {
		return nil, fmt.Errorf("whisper: unsupported encoding %s", req.Format.Encoding)
	}
	if len(req.Audio) == 0 {
		return nil, errors.New("whisper: empty audio")
	}
	mono := audio.ToMono(audio.Segment{Data: req.Audio, Format: req.Format}, modelSampleRate)
	return mono.Data, nil
}

func languageOf(locale, fallback string) string {
	if locale == "" {
		return fallback
	}
	// whisper.cpp takes ISO 639-1 codes, not full BCP-47 tags
	lang, _, _ := strings.Cut(locale, "-")
	return strings.ToLower(lang)
}

func deliver(text, lang string, consumer func(stt.Result)) {
	if text == "" || consumer == nil {
		return
	}
	consumer(stt.Result{
		Alternatives: []stt.Alternative{{Text: text, Confidence: 1}},
		MessageID:    uuid.New(),
		Timestamp:    time.Now(),
		Language:     lang,
	})
}
