// Package deepgram provides the Deepgram live-streaming codec for the
// generic websocket session in package wsstream.
package deepgram

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/coder/websocket"

	"github.com/MrWong99/meetscribe/pkg/provider/stt"
	"github.com/MrWong99/meetscribe/pkg/provider/stt/wsstream"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Deepgram Codec.
type Option func(*Codec)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(c *Codec) {
		c.model = model
	}
}

// WithLanguage sets the language used when a session does not specify one.
func WithLanguage(language string) Option {
	return func(c *Codec) {
		c.language = language
	}
}

// WithEndpoint overrides the streaming endpoint, e.g. for a self-hosted
// Deepgram deployment.
func WithEndpoint(endpoint string) Option {
	return func(c *Codec) {
		c.endpoint = endpoint
	}
}

// Codec implements wsstream.Codec for the Deepgram streaming API.
type Codec struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

var _ wsstream.Codec = (*Codec)(nil)

// New creates a new Deepgram Codec. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Codec, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	c := &Codec{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Codec) Name() string { return "deepgram" }

// Endpoint builds the listen URL for cfg and the token auth header.
func (c *Codec) Endpoint(cfg stt.SessionConfig) (string, http.Header, error) {
	u, err := c.buildURL(cfg)
	if err != nil {
		return "", nil, fmt.Errorf("deepgram: build URL: %w", err)
	}
	h := http.Header{}
	h.Set("Authorization", "Token "+c.apiKey)
	return u, h, nil
}

func (c *Codec) buildURL(cfg stt.SessionConfig) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = c.language
	}
	sr := cfg.Format.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", c.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Format.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Format.Channels))
	}
	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "Alice:2")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open sends nothing; the stream is configured through the URL.
func (c *Codec) Open(stt.SessionConfig) []wsstream.Frame { return nil }

// EncodeAudio sends raw PCM as a binary frame.
func (c *Codec) EncodeAudio(req stt.Request) wsstream.Frame { return wsstream.Binary(req.Audio) }

// Close asks Deepgram to flush pending audio and close the stream.
func (c *Codec) Close() (wsstream.Frame, bool) {
	return wsstream.Text([]byte(`{"type":"CloseStream"}`)), true
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Decode turns a Results message into one result. Metadata, SpeechStarted
// and UtteranceEnd messages carry nothing and are skipped.
func (c *Codec) Decode(_ websocket.MessageType, data []byte) ([]stt.Result, error) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("deepgram: %w: %v", wsstream.ErrMalformed, err)
	}
	if resp.Type != "Results" {
		return nil, nil
	}
	if len(resp.Channel.Alternatives) == 0 {
		return nil, fmt.Errorf("deepgram: %w: result without alternatives", wsstream.ErrMalformed)
	}

	alts := make([]stt.Alternative, 0, len(resp.Channel.Alternatives))
	for _, a := range resp.Channel.Alternatives {
		alts = append(alts, stt.Alternative{Text: a.Transcript, Confidence: a.Confidence})
	}
	return []stt.Result{{
		Alternatives: alts,
		Interim:      !resp.IsFinal,
	}}, nil
}
