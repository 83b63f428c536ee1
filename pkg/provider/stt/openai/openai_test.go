package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

var mono16k = audio.Format{Encoding: audio.Linear16, SampleRate: 16000, Channels: 1}

// TestNew_RequiresKey verifies that an empty API key is rejected.
func TestNew_RequiresKey(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

// TestNew_DefaultModel verifies that an empty model string defaults to whisper-1.
func TestNew_DefaultModel(t *testing.T) {
	s, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.model != string(DefaultModel) {
		t.Errorf("expected default model %s, got %s", DefaultModel, s.model)
	}
}

// TestLanguage verifies BCP-47 tags are reduced to their primary subtag.
func TestLanguage(t *testing.T) {
	cases := map[string]string{"": "", "de": "de", "en-US": "en", "PT-br": "pt"}
	for in, want := range cases {
		if got := language(in); got != want {
			t.Errorf("language(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSendSingleRequest(t *testing.T) {
	var form struct{ model, language, prompt, filename string }
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		form.model = r.FormValue("model")
		form.language = r.FormValue("language")
		form.prompt = r.FormValue("prompt")
		if _, hdr, err := r.FormFile("file"); err == nil {
			form.filename = hdr.Filename
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":" Guten Morgen "}`)
	}))
	defer srv.Close()

	s, err := New("sk-test", "", WithBaseURL(srv.URL), WithPrompt("Alice, Bob"), WithMaxRetries(0))
	if err != nil {
		t.Fatal(err)
	}

	var got []stt.Result
	err = s.SendSingleRequest(context.Background(), stt.Request{
		Audio:  make([]byte, 3200),
		Format: mono16k,
		Locale: "de-DE",
	}, func(r stt.Result) { got = append(got, r) })
	if err != nil {
		t.Fatalf("SendSingleRequest: %v", err)
	}
	if len(got) != 1 || got[0].Text() != "Guten Morgen" || got[0].Interim || got[0].Language != "de" {
		t.Fatalf("results = %+v", got)
	}
	if form.model != "whisper-1" || form.language != "de" || form.prompt != "Alice, Bob" || form.filename != "audio.wav" {
		t.Errorf("form = %+v", form)
	}
}

func TestSendSingleRequest_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer srv.Close()

	s, _ := New("sk-test", "", WithBaseURL(srv.URL), WithMaxRetries(0))
	ctx := context.Background()

	err := s.SendSingleRequest(ctx, stt.Request{Audio: make([]byte, 320), Format: mono16k}, nil)
	var f stt.Failure
	if !errors.As(err, &f) || f.Reason != stt.ReasonBackend {
		t.Errorf("rate limited: err = %v", err)
	}
	if err := s.SendSingleRequest(ctx, stt.Request{Format: mono16k}, nil); err == nil {
		t.Error("empty audio: expected error")
	}
	if _, err := s.InitStreamingSession(ctx, stt.SessionConfig{}); !errors.Is(err, stt.ErrNotSupported) {
		t.Errorf("InitStreamingSession err = %v", err)
	}
}
