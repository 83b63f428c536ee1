// Package whisperlive connects to a whisper-live style transcription server
// that multiplexes every participant of a room over one websocket.
//
// Audio frames carry a 4-byte big-endian SSRC header in front of the PCM
// payload. Results come back as JSON text messages naming the participant
// they belong to:
//
//	{"type":"final","text":"hello","id":"<utterance>","ts":1700000000.25,
//	 "variance":0.1,"participant_id":"1234"}
//
// The room connection is shared through a pool.Registry, so the first
// participant of a room dials and the last one to leave hangs up.
package whisperlive

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/meetscribe/pkg/provider/stt"
	"github.com/MrWong99/meetscribe/pkg/provider/stt/wsstream"
)

// HeaderSize is the length of the SSRC prefix on every audio frame.
const HeaderSize = 4

// idNamespace derives stable utterance UUIDs from server ids that are not
// UUIDs themselves.
var idNamespace = uuid.MustParse("6f1f5d3e-0b8a-4c52-9a57-3c1e8f0b2d41")

// Codec implements wsstream.Codec for a room-level whisper-live connection.
// Audio handed to it is expected to be framed with [Frame] already.
type Codec struct {
	serverURL string
}

var _ wsstream.Codec = (*Codec)(nil)

// NewCodec creates a codec for the server at serverURL (ws:// or wss://).
func NewCodec(serverURL string) (*Codec, error) {
	if serverURL == "" {
		return nil, errors.New("whisperlive: serverURL must not be empty")
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("whisperlive: parse server URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("whisperlive: server URL must use ws or wss, got %q", u.Scheme)
	}
	return &Codec{serverURL: serverURL}, nil
}

func (c *Codec) Name() string { return "whisperlive" }

// Endpoint addresses the room's stream; the server keys its state on it.
func (c *Codec) Endpoint(cfg stt.SessionConfig) (string, http.Header, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", nil, err
	}
	q := u.Query()
	q.Set("room", cfg.Room)
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	if cfg.Format.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.Format.SampleRate))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil, nil
}

func (c *Codec) Open(stt.SessionConfig) []wsstream.Frame { return nil }

func (c *Codec) EncodeAudio(req stt.Request) wsstream.Frame { return wsstream.Binary(req.Audio) }

func (c *Codec) Close() (wsstream.Frame, bool) {
	return wsstream.Text([]byte(`{"type":"eof"}`)), true
}

type message struct {
	Type          string   `json:"type"`
	Text          string   `json:"text"`
	ID            string   `json:"id"`
	TS            *float64 `json:"ts"`
	Variance      float64  `json:"variance"`
	ParticipantID string   `json:"participant_id"`
}

// Decode maps "interim" and "final" messages to results attributed to the
// participant's SSRC. Other message types are skipped.
func (c *Codec) Decode(_ websocket.MessageType, data []byte) ([]stt.Result, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("whisperlive: %w: %v", wsstream.ErrMalformed, err)
	}
	if m.Type != "interim" && m.Type != "final" {
		return nil, nil
	}
	ssrc, err := strconv.ParseUint(m.ParticipantID, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("whisperlive: %w: participant_id %q", wsstream.ErrMalformed, m.ParticipantID)
	}
	if m.Text == "" {
		return nil, nil
	}

	r := stt.Result{
		Speaker:      &stt.Speaker{SSRC: uint32(ssrc)},
		Alternatives: []stt.Alternative{{Text: m.Text, Confidence: 1}},
		MessageID:    parseID(m.ID),
		Interim:      m.Type == "interim",
		Stability:    math.Max(0, math.Min(1, 1-m.Variance)),
	}
	if m.TS != nil {
		sec, frac := math.Modf(*m.TS)
		r.Timestamp = time.Unix(int64(sec), int64(frac*1e9))
	}
	return []stt.Result{r}, nil
}

// parseID returns id as a UUID, deriving one for opaque ids. Empty ids
// leave minting to the session.
func parseID(id string) uuid.UUID {
	if id == "" {
		return uuid.Nil
	}
	if u, err := uuid.Parse(id); err == nil {
		return u
	}
	return uuid.NewSHA1(idNamespace, []byte(id))
}

// Frame prefixes pcm with the participant's SSRC.
func Frame(ssrc uint32, pcm []byte) []byte {
	out := make([]byte, HeaderSize+len(pcm))
	binary.BigEndian.PutUint32(out, ssrc)
	copy(out[HeaderSize:], pcm)
	return out
}
