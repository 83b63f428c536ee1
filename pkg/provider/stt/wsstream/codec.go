// Package wsstream is the generic websocket streaming adapter shared by all
// streaming transcription vendors.
//
// A vendor contributes only a [Codec]: how to build the endpoint, which
// frames to send after connecting, how to wrap audio, how to parse results
// and how to say goodbye. The [Session] owns everything else: dialing,
// reconnecting with capped exponential backoff, rotating idle connections,
// minting utterance IDs and fanning results out to listeners.
//
// A Session is driven by one goroutine consuming a single channel of tagged
// events (audio, message, disconnected, end), so connection state is never
// shared between goroutines.
package wsstream

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// Frame is one websocket message.
type Frame struct {
	Type websocket.MessageType
	Data []byte
}

// Text returns a text frame.
func Text(data []byte) Frame { return Frame{Type: websocket.MessageText, Data: data} }

// Binary returns a binary frame.
func Binary(data []byte) Frame { return Frame{Type: websocket.MessageBinary, Data: data} }

// Codec adapts the session to one vendor's wire protocol. Implementations
// must be safe for concurrent use; a single codec serves many sessions.
type Codec interface {
	// Name identifies the vendor in logs.
	Name() string

	// Endpoint returns the URL and handshake headers for cfg.
	Endpoint(cfg stt.SessionConfig) (string, http.Header, error)

	// Open returns frames sent right after each (re)connect, in order.
	Open(cfg stt.SessionConfig) []Frame

	// EncodeAudio wraps one request for the wire.
	EncodeAudio(req stt.Request) Frame

	// Decode parses one inbound message. Messages that carry no result
	// (metadata, keep-alives) return nil, nil. Malformed messages return
	// an error; the session logs and drops them.
	Decode(typ websocket.MessageType, data []byte) ([]stt.Result, error)

	// Close returns the frame that asks the server to flush and hang up.
	// ok is false when the protocol has none.
	Close() (f Frame, ok bool)
}

// ErrMalformed is wrapped by codecs for payloads they cannot interpret.
var ErrMalformed = errors.New("wsstream: malformed message")

// Conn is the subset of *websocket.Conn the session uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a connection.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

var _ Conn = (*websocket.Conn)(nil)

// Dial is the default Dialer backed by github.com/coder/websocket.
func Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	// vendors send whole transcripts; the 32 KiB default is too small for
	// results with word timings
	conn.SetReadLimit(1 << 20)
	return conn, nil
}
