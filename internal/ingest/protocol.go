package ingest

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/meetscribe/internal/sink"
	"github.com/MrWong99/meetscribe/internal/transcript"
	"github.com/MrWong99/meetscribe/pkg/audio"
)

// HeaderSize is the length of the binary frame header:
// [ssrc uint32 BE][encoding uint8][sample rate uint32 BE][channels uint8].
const HeaderSize = 10

// ErrShortFrame is returned for binary messages shorter than the header.
var ErrShortFrame = errors.New("ingest: frame shorter than header")

// Frame is one audio frame of one participant.
type Frame struct {
	SSRC    uint32
	Format  audio.Format
	Payload []byte
}

// ParseFrame decodes a binary websocket message. Payload aliases b.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	f := Frame{
		SSRC: binary.BigEndian.Uint32(b[0:4]),
		Format: audio.Format{
			Encoding:   audio.Encoding(b[4]),
			SampleRate: int(binary.BigEndian.Uint32(b[5:9])),
			Channels:   int(b[9]),
		},
		Payload: b[HeaderSize:],
	}
	switch {
	case f.Format.Encoding != audio.Linear16 && f.Format.Encoding != audio.Opus:
		return Frame{}, fmt.Errorf("ingest: unknown encoding %d", b[4])
	case f.Format.SampleRate <= 0:
		return Frame{}, fmt.Errorf("ingest: invalid sample rate %d", f.Format.SampleRate)
	case f.Format.Channels < 1 || f.Format.Channels > 2:
		return Frame{}, fmt.Errorf("ingest: invalid channel count %d", f.Format.Channels)
	}
	return f, nil
}

// AppendFrame appends the wire form of f to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	dst = binary.BigEndian.AppendUint32(dst, f.SSRC)
	dst = append(dst, byte(f.Format.Encoding))
	dst = binary.BigEndian.AppendUint32(dst, uint32(f.Format.SampleRate))
	dst = append(dst, byte(f.Format.Channels))
	return append(dst, f.Payload...)
}

// Control message types sent by the media layer.
const (
	TypeStart     = "start"
	TypeStop      = "stop"
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypeRaiseHand = "raise_hand"
)

// Control is a JSON text message from the media layer.
type Control struct {
	Type           string `json:"type"`
	SSRC           uint32 `json:"ssrc,omitempty"`
	Name           string `json:"name,omitempty"`
	Language       string `json:"language,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
}

// Outbound message types sent to the media layer.
const (
	TypeResult    = "result"
	TypeEvent     = "event"
	TypeFailure   = "failure"
	TypeError     = "error"
	TypeCompleted = "completed"
)

// Outbound is a JSON text message to the media layer. Exactly one of the
// payload fields is set, matching Type.
type Outbound struct {
	Type    string              `json:"type"`
	Result  *sink.ResultMessage `json:"result,omitempty"`
	Event   *transcript.Event   `json:"event,omitempty"`
	Failure *FailureMessage     `json:"failure,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// FailureMessage reports a participant whose transcription failed.
type FailureMessage struct {
	SSRC   uint32 `json:"ssrc"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}
