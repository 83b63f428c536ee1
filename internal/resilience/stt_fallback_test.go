package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/meetscribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/meetscribe/pkg/provider/stt/mock"
)

func hello() stt.Result {
	return stt.Result{Alternatives: []stt.Alternative{{Text: "hello", Confidence: 1}}}
}

func TestSTTFallback_Capabilities(t *testing.T) {
	streaming := &sttmock.Service{ServiceName: "deepgram", Streaming: true}
	fragment := &sttmock.Service{ServiceName: "whisper", Fragment: true}

	fb := NewSTTFallback(streaming, FallbackConfig{})
	if fb.SupportsFragmentTranscription() || !fb.SupportsStreamRecognition() {
		t.Error("streaming-only group reports wrong capabilities")
	}
	if err := fb.SendSingleRequest(context.Background(), stt.Request{}, nil); !errors.Is(err, stt.ErrNotSupported) {
		t.Errorf("SendSingleRequest err = %v, want ErrNotSupported", err)
	}

	fb.AddFallback(fragment)
	if !fb.SupportsFragmentTranscription() {
		t.Error("group with a fragment backend must offer fragments")
	}
	if got := fb.Name(); got != "fallback(deepgram,whisper)" {
		t.Errorf("Name() = %q", got)
	}
}

func TestSTTFallback_InitStreamingSession(t *testing.T) {
	tests := []struct {
		name        string
		primaryErr  error
		wantPrimary int
		wantSecond  int
	}{
		{name: "primary serves", wantPrimary: 1},
		{name: "failover", primaryErr: stt.Failure{Reason: stt.ReasonNetwork}, wantPrimary: 1, wantSecond: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			primary := &sttmock.Service{ServiceName: "deepgram", Streaming: true, InitErr: tc.primaryErr}
			// fragment-only backends are never asked for sessions
			fragment := &sttmock.Service{ServiceName: "whisper", Fragment: true}
			secondary := &sttmock.Service{ServiceName: "vosk", Streaming: true}

			fb := NewSTTFallback(primary, FallbackConfig{})
			fb.AddFallback(fragment)
			fb.AddFallback(secondary)

			sess, err := fb.InitStreamingSession(context.Background(), stt.SessionConfig{Room: "r"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sess == nil {
				t.Fatal("session is nil")
			}
			if n := len(primary.InitCalls); n != tc.wantPrimary {
				t.Errorf("primary calls = %d, want %d", n, tc.wantPrimary)
			}
			if n := len(secondary.InitCalls); n != tc.wantSecond {
				t.Errorf("secondary calls = %d, want %d", n, tc.wantSecond)
			}
		})
	}
}

func TestSTTFallback_AllFail(t *testing.T) {
	primary := &sttmock.Service{ServiceName: "deepgram", Streaming: true, InitErr: errors.New("primary down")}
	secondary := &sttmock.Service{ServiceName: "vosk", Streaming: true, InitErr: errors.New("secondary down")}
	fb := NewSTTFallback(primary, FallbackConfig{})
	fb.AddFallback(secondary)

	if _, err := fb.InitStreamingSession(context.Background(), stt.SessionConfig{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestSTTFallback_FragmentDeliversOnlySuccessfulAttempt(t *testing.T) {
	primary := &sttmock.Service{
		ServiceName:          "openai",
		Fragment:             true,
		Results:              []stt.Result{hello()},
		SendSingleRequestErr: stt.Failure{Reason: stt.ReasonBackend},
	}
	secondary := &sttmock.Service{ServiceName: "whisper", Fragment: true, Results: []stt.Result{hello()}}
	fb := NewSTTFallback(primary, FallbackConfig{})
	fb.AddFallback(secondary)

	var got []stt.Result
	if err := fb.SendSingleRequest(context.Background(), stt.Request{Audio: []byte{1, 2}}, func(r stt.Result) {
		got = append(got, r)
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("delivered %d results, want 1", len(got))
	}
	if primary.RequestCount() != 1 || secondary.RequestCount() != 1 {
		t.Errorf("requests = %d, %d", primary.RequestCount(), secondary.RequestCount())
	}
}

func TestSTTFallback_OpenBreakerSkipsBackend(t *testing.T) {
	primary := &sttmock.Service{ServiceName: "openai", Fragment: true, SendSingleRequestErr: stt.Failure{Reason: stt.ReasonNetwork}}
	secondary := &sttmock.Service{ServiceName: "whisper", Fragment: true}
	fb := NewSTTFallback(primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fb.AddFallback(secondary)

	ctx := context.Background()
	for range 4 {
		if err := fb.SendSingleRequest(ctx, stt.Request{}, func(stt.Result) {}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if n := primary.RequestCount(); n != 2 {
		t.Errorf("primary requests = %d, want 2 before its breaker opened", n)
	}
	cb, ok := fb.Breaker("openai")
	if !ok {
		t.Fatal("no breaker for openai")
	}
	if cb.State() != StateOpen {
		t.Errorf("primary breaker state = %v, want open", cb.State())
	}
}
