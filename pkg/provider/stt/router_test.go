package stt_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/meetscribe/pkg/provider/stt"
	"github.com/MrWong99/meetscribe/pkg/provider/stt/mock"
)

func TestRouter_Route(t *testing.T) {
	def := &mock.Service{ServiceName: "default", Fragment: true, Streaming: true}
	de := &mock.Service{ServiceName: "de", Fragment: true, Streaming: true}
	ptBR := &mock.Service{ServiceName: "pt-br", Fragment: true, Streaming: true}
	r := stt.NewRouter(def, map[string]stt.Service{"de": de, "pt-BR": ptBR})

	tests := []struct {
		lang string
		want string
	}{
		{"de", "de"},
		{"de-AT", "de"},
		{"DE-de", "de"},
		{"pt-BR", "pt-br"},
		{"pt-PT", "default"},
		{"", "default"},
		{"en-US", "default"},
	}
	for _, tt := range tests {
		if got := r.Route(tt.lang).Name(); got != tt.want {
			t.Errorf("Route(%q) = %s, want %s", tt.lang, got, tt.want)
		}
	}
}

func TestRouter_Capabilities(t *testing.T) {
	def := &mock.Service{Fragment: true, Streaming: true}
	de := &mock.Service{Fragment: true}
	r := stt.NewRouter(def, map[string]stt.Service{"de": de})
	if !r.SupportsFragmentTranscription() {
		t.Error("all routes support fragments")
	}
	if r.SupportsStreamRecognition() {
		t.Error("de route lacks streaming")
	}
	_, err := r.InitStreamingSession(context.Background(), stt.SessionConfig{Language: "de-DE"})
	if !errors.Is(err, stt.ErrNotSupported) {
		t.Errorf("err = %v, want ErrNotSupported", err)
	}
	if _, err := r.InitStreamingSession(context.Background(), stt.SessionConfig{Language: "en"}); err != nil {
		t.Errorf("default route: %v", err)
	}
}

func TestRouter_SendSingleRequest(t *testing.T) {
	def := &mock.Service{Fragment: true}
	fr := &mock.Service{Fragment: true, Results: []stt.Result{{Alternatives: []stt.Alternative{{Text: "bonjour"}}}}}
	r := stt.NewRouter(def, map[string]stt.Service{"fr": fr})

	var got []string
	err := r.SendSingleRequest(context.Background(), stt.Request{Locale: "fr-FR"}, func(res stt.Result) {
		got = append(got, res.Text())
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "bonjour" {
		t.Errorf("got %v", got)
	}
	if def.RequestCount() != 0 || fr.RequestCount() != 1 {
		t.Errorf("requests: default=%d fr=%d", def.RequestCount(), fr.RequestCount())
	}
}

func TestResultText(t *testing.T) {
	r := stt.Result{Alternatives: []stt.Alternative{
		{Text: "wreck a nice beach", Confidence: 0.4},
		{Text: "recognise speech", Confidence: 0.9},
	}}
	if got := r.Text(); got != "recognise speech" {
		t.Errorf("Text() = %q", got)
	}
	if (stt.Result{}).Text() != "" {
		t.Error("empty result should have empty text")
	}
}

func TestFailure(t *testing.T) {
	cause := errors.New("dial refused")
	f := stt.Failure{Reason: stt.ReasonResourcesExhausted, Err: cause}
	if !errors.Is(f, cause) {
		t.Error("Failure should unwrap to its cause")
	}
	if f.Error() != "stt: RESOURCES_EXHAUSTED: dial refused" {
		t.Errorf("Error() = %q", f.Error())
	}
}
