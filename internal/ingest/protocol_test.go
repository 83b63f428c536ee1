package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/MrWong99/meetscribe/pkg/audio"
)

func TestParseFrame(t *testing.T) {
	pcm := audio.Format{Encoding: audio.Linear16, SampleRate: 48000, Channels: 1}
	opus := audio.Format{Encoding: audio.Opus, SampleRate: 48000, Channels: 2}

	tests := []struct {
		name    string
		in      []byte
		want    Frame
		wantErr bool
	}{
		{
			name: "linear16",
			in:   AppendFrame(nil, Frame{SSRC: 0xdeadbeef, Format: pcm, Payload: []byte{1, 2, 3, 4}}),
			want: Frame{SSRC: 0xdeadbeef, Format: pcm, Payload: []byte{1, 2, 3, 4}},
		},
		{
			name: "opus stereo",
			in:   AppendFrame(nil, Frame{SSRC: 7, Format: opus, Payload: []byte{0xfc}}),
			want: Frame{SSRC: 7, Format: opus, Payload: []byte{0xfc}},
		},
		{
			name: "empty payload",
			in:   AppendFrame(nil, Frame{SSRC: 1, Format: pcm}),
			want: Frame{SSRC: 1, Format: pcm, Payload: []byte{}},
		},
		{name: "short", in: []byte{0, 0, 0, 1}, wantErr: true},
		{name: "unknown encoding", in: []byte{0, 0, 0, 1, 9, 0, 0, 0xbb, 0x80, 1}, wantErr: true},
		{name: "zero rate", in: []byte{0, 0, 0, 1, 0, 0, 0, 0, 0, 1}, wantErr: true},
		{name: "zero channels", in: []byte{0, 0, 0, 1, 0, 0, 0, 0xbb, 0x80, 0}, wantErr: true},
		{name: "three channels", in: []byte{0, 0, 0, 1, 0, 0, 0, 0xbb, 0x80, 3}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFrame(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseFrame = %+v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFrame: %v", err)
			}
			if got.SSRC != tt.want.SSRC || got.Format != tt.want.Format || !bytes.Equal(got.Payload, tt.want.Payload) {
				t.Errorf("ParseFrame = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseFrame_ShortFrameError(t *testing.T) {
	_, err := ParseFrame(make([]byte, HeaderSize-1))
	if !errors.Is(err, ErrShortFrame) {
		t.Errorf("err = %v, want ErrShortFrame", err)
	}
}

func TestControl_JSON(t *testing.T) {
	var c Control
	in := `{"type":"join","ssrc":42,"name":"Alice","language":"de-DE","target_language":"en-US"}`
	if err := json.Unmarshal([]byte(in), &c); err != nil {
		t.Fatal(err)
	}
	want := Control{Type: TypeJoin, SSRC: 42, Name: "Alice", Language: "de-DE", TargetLanguage: "en-US"}
	if c != want {
		t.Errorf("Control = %+v, want %+v", c, want)
	}
}

func TestOutbound_OmitsUnsetPayloads(t *testing.T) {
	b, err := json.Marshal(Outbound{Type: TypeCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"type":"completed"}` {
		t.Errorf("completed message = %s", b)
	}
}
