package audio_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/MrWong99/meetscribe/pkg/audio"
)

func TestSamplesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	got := audio.Samples(audio.PCM(in))
	if len(got) != len(in) {
		t.Fatalf("length: got %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}

func TestDownmix(t *testing.T) {
	tests := []struct {
		name     string
		in       []int16
		channels int
		want     []int16
	}{
		{"mono passthrough", []int16{5, 6}, 1, []int16{5, 6}},
		{"stereo average", []int16{100, 200, -100, -200}, 2, []int16{150, -150}},
		{"stereo clamps", []int16{32767, 32767}, 2, []int16{32767}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audio.Samples(audio.Downmix(audio.PCM(tt.in), tt.channels))
			if len(got) != len(tt.want) {
				t.Fatalf("length: got %d, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("sample %d: got %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestResample(t *testing.T) {
	pcm := make([]byte, 960*2) // 20ms at 48kHz mono
	out := audio.Resample(pcm, 48000, 16000)
	if len(out) != 320*2 {
		t.Errorf("got %d bytes, want %d", len(out), 320*2)
	}
	if same := audio.Resample(pcm, 16000, 16000); len(same) != len(pcm) {
		t.Errorf("same rate changed length to %d", len(same))
	}
}

func TestToMono(t *testing.T) {
	seg := audio.Segment{
		SSRC:   7,
		Data:   make([]byte, 1920*2),
		Format: audio.Format{Encoding: audio.Linear16, SampleRate: 48000, Channels: 2},
	}
	got := audio.ToMono(seg, 16000)
	if got.Format.Channels != 1 || got.Format.SampleRate != 16000 {
		t.Fatalf("format = %s", got.Format)
	}
	if got.SSRC != 7 {
		t.Errorf("SSRC = %d, want 7", got.SSRC)
	}
	if d := got.Duration(); d != seg.Duration() {
		t.Errorf("duration changed: %s -> %s", seg.Duration(), d)
	}
}

func TestRMS(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v", got)
	}
	if got := audio.RMS(audio.PCM([]int16{1000, -1000, 1000, -1000})); got != 1000 {
		t.Errorf("RMS = %v, want 1000", got)
	}
}

func TestEncodeWAV(t *testing.T) {
	pcm := make([]byte, 320)
	wav := audio.EncodeWAV(pcm, 16000, 1)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Errorf("bad header markers")
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d", got)
	}
}

func TestFormatDuration(t *testing.T) {
	f := audio.Format{Encoding: audio.Linear16, SampleRate: 48000, Channels: 1}
	if got := f.FrameSize(20 * time.Millisecond); got != 1920 {
		t.Errorf("FrameSize(20ms) = %d, want 1920", got)
	}
	if got := f.Duration(1920); got != 20*time.Millisecond {
		t.Errorf("Duration(1920) = %s", got)
	}
	opus := audio.Segment{Data: []byte{1, 2, 3}, Format: audio.Format{Encoding: audio.Opus, SampleRate: 48000, Channels: 2}}
	if opus.Duration() != 0 {
		t.Errorf("opus segment duration should be 0")
	}
}

func TestParseEncoding(t *testing.T) {
	for _, s := range []string{"linear16", "opus"} {
		e, err := audio.ParseEncoding(s)
		if err != nil {
			t.Fatalf("ParseEncoding(%q): %v", s, err)
		}
		if e.String() != s {
			t.Errorf("round trip %q -> %q", s, e.String())
		}
	}
	if _, err := audio.ParseEncoding("mp3"); err == nil {
		t.Error("expected error for mp3")
	}
}
