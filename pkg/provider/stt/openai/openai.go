// Package openai provides fragment transcription backed by the OpenAI audio
// transcription API.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = oai.AudioModelWhisper1

// the API accepts any rate; 16 kHz mono keeps uploads small
const uploadSampleRate = 16000

var _ stt.Service = (*Service)(nil)

// Service implements stt.Service using the OpenAI API. It only supports
// fragment transcription.
type Service struct {
	client oai.Client
	model  string
	prompt string
}

// config holds optional configuration for the service.
type config struct {
	baseURL      string
	organization string
	prompt       string
	timeout      time.Duration
	maxRetries   int
}

// Option is a functional option for Service.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, e.g. for a
// compatible self-hosted server.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithPrompt sets a prompt sent with every request. Listing participant
// names in it improves their spelling.
func WithPrompt(prompt string) Option {
	return func(c *config) {
		c.prompt = prompt
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the client retries failed requests.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// New constructs a new OpenAI transcription Service.
// If model is empty, DefaultModel (whisper-1) is used.
func New(apiKey string, model string, opts ...Option) (*Service, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = string(DefaultModel)
	}

	cfg := &config{maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Service{client: oai.NewClient(reqOpts...), model: model, prompt: cfg.prompt}, nil
}

func (s *Service) Name() string                        { return "openai" }
func (s *Service) SupportsFragmentTranscription() bool { return true }
func (s *Service) SupportsStreamRecognition() bool     { return false }

// InitStreamingSession always fails with stt.ErrNotSupported.
func (s *Service) InitStreamingSession(context.Context, stt.SessionConfig) (stt.StreamingSession, error) {
	return nil, stt.ErrNotSupported
}

// SendSingleRequest uploads the request as a WAV file and delivers the
// transcription as one final result.
func (s *Service) SendSingleRequest(ctx context.Context, req stt.Request, consumer func(stt.Result)) error {
	if req.Format.Encoding != audio.Linear16 {
		return fmt.Errorf("openai stt: unsupported encoding %s", req.Format.Encoding)
	}
	if len(req.Audio) == 0 {
		return errors.New("openai stt: empty audio")
	}
	mono := audio.ToMono(audio.Segment{Data: req.Audio, Format: req.Format}, uploadSampleRate)
	wav := audio.EncodeWAV(mono.Data, uploadSampleRate, 1)

	params := oai.AudioTranscriptionNewParams{
		Model:          oai.AudioModel(s.model),
		File:           oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	lang := language(req.Locale)
	if lang != "" {
		params.Language = oai.String(lang)
	}
	if s.prompt != "" {
		params.Prompt = oai.String(s.prompt)
	}

	resp, err := s.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return classify(err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" || consumer == nil {
		return nil
	}
	consumer(stt.Result{
		Alternatives: []stt.Alternative{{Text: text, Confidence: 1}},
		MessageID:    uuid.New(),
		Timestamp:    time.Now(),
		Language:     lang,
	})
	return nil
}

// classify maps API errors to failures. Status errors come from the
// backend; anything else never got an answer.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return stt.Failure{Reason: stt.ReasonBackend, Err: fmt.Errorf("openai stt: transcribe: %w", err)}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("openai stt: transcribe: %w", err)
	}
	return stt.Failure{Reason: stt.ReasonNetwork, Err: fmt.Errorf("openai stt: transcribe: %w", err)}
}

// language reduces a BCP-47 tag to the ISO 639-1 code the API expects.
func language(locale string) string {
	lang, _, _ := strings.Cut(locale, "-")
	return strings.ToLower(lang)
}
