// Package vosk provides the codec for a Vosk websocket server
// (alphacep/vosk-server) for the generic session in package wsstream.
//
// A Vosk server loads one model, so each server serves one language. Route
// languages to different servers with stt.Router.
package vosk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/MrWong99/meetscribe/pkg/provider/stt"
	"github.com/MrWong99/meetscribe/pkg/provider/stt/wsstream"
)

const defaultSampleRate = 16000

// Codec implements wsstream.Codec for Vosk.
type Codec struct {
	serverURL string
}

var _ wsstream.Codec = (*Codec)(nil)

// New creates a codec for the server at serverURL (ws:// or wss://).
func New(serverURL string) (*Codec, error) {
	if serverURL == "" {
		return nil, errors.New("vosk: serverURL must not be empty")
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("vosk: parse server URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("vosk: server URL must use ws or wss, got %q", u.Scheme)
	}
	return &Codec{serverURL: serverURL}, nil
}

func (c *Codec) Name() string { return "vosk" }

func (c *Codec) Endpoint(stt.SessionConfig) (string, http.Header, error) {
	return c.serverURL, nil, nil
}

type configMsg struct {
	Config struct {
		SampleRate int `json:"sample_rate"`
	} `json:"config"`
}

// Open announces the sample rate of the stream.
func (c *Codec) Open(cfg stt.SessionConfig) []wsstream.Frame {
	var m configMsg
	m.Config.SampleRate = cfg.Format.SampleRate
	if m.Config.SampleRate == 0 {
		m.Config.SampleRate = defaultSampleRate
	}
	b, _ := json.Marshal(m)
	return []wsstream.Frame{wsstream.Text(b)}
}

func (c *Codec) EncodeAudio(req stt.Request) wsstream.Frame { return wsstream.Binary(req.Audio) }

// Close sends the end-of-file marker; the server answers with its final
// result and hangs up.
func (c *Codec) Close() (wsstream.Frame, bool) {
	return wsstream.Text([]byte(`{"eof" : 1}`)), true
}

type voskResponse struct {
	Partial *string `json:"partial"`
	Text    *string `json:"text"`
	Result  []struct {
		Conf float64 `json:"conf"`
	} `json:"result"`
}

// Decode maps {"partial": ...} to an interim result and {"text": ...} to a
// final one. Empty hypotheses are skipped.
func (c *Codec) Decode(_ websocket.MessageType, data []byte) ([]stt.Result, error) {
	var resp voskResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("vosk: %w: %v", wsstream.ErrMalformed, err)
	}
	switch {
	case resp.Text != nil:
		if *resp.Text == "" {
			return nil, nil
		}
		return []stt.Result{{
			Alternatives: []stt.Alternative{{Text: *resp.Text, Confidence: meanConf(resp)}},
		}}, nil
	case resp.Partial != nil:
		if *resp.Partial == "" {
			return nil, nil
		}
		return []stt.Result{{
			Alternatives: []stt.Alternative{{Text: *resp.Partial}},
			Interim:      true,
		}}, nil
	default:
		return nil, fmt.Errorf("vosk: %w: neither text nor partial", wsstream.ErrMalformed)
	}
}

func meanConf(r voskResponse) float64 {
	if len(r.Result) == 0 {
		return 0
	}
	var sum float64
	for _, w := range r.Result {
		sum += w.Conf
	}
	return sum / float64(len(r.Result))
}
