package app

import (
	"context"
	"fmt"
	"io"
	"slices"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/meetscribe/internal/config"
	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/internal/pool"
	"github.com/MrWong99/meetscribe/internal/resilience"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
	"github.com/MrWong99/meetscribe/pkg/provider/stt/deepgram"
	"github.com/MrWong99/meetscribe/pkg/provider/stt/openai"
	"github.com/MrWong99/meetscribe/pkg/provider/stt/vosk"
	"github.com/MrWong99/meetscribe/pkg/provider/stt/whisper"
	"github.com/MrWong99/meetscribe/pkg/provider/stt/whisperlive"
	"github.com/MrWong99/meetscribe/pkg/provider/stt/wsstream"
)

// RegisterBuiltinProviders wires every backend that ships with meetscribe
// into reg. Streaming backends share the reconnect and idle settings of
// a's config; whisperlive rooms draw their connection from a pool owned by
// a and closed on Shutdown.
func (a *App) RegisterBuiltinProviders(reg *config.Registry) {
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Service, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, deepgram.WithLanguage(entry.Language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		codec, err := deepgram.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return wsstream.NewService(codec, a.streamOptions(codec.Name())...), nil
	})

	reg.RegisterSTT("vosk", func(entry config.ProviderEntry) (stt.Service, error) {
		codec, err := vosk.New(entry.BaseURL)
		if err != nil {
			return nil, err
		}
		return wsstream.NewService(codec, a.streamOptions(codec.Name())...), nil
	})

	reg.RegisterSTT("whisperlive", func(entry config.ProviderEntry) (stt.Service, error) {
		codec, err := whisperlive.NewCodec(entry.BaseURL)
		if err != nil {
			return nil, err
		}
		p := pool.New(
			whisperlive.NewConnFactory(codec, a.streamOptions(codec.Name())...),
			pool.WithHooks(
				func(string) { a.metrics.PooledConnections.Add(context.Background(), 1) },
				func(string) { a.metrics.PooledConnections.Add(context.Background(), -1) },
			),
			pool.WithLogger(a.log.With("provider", codec.Name())),
		)
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Streaming.DrainTimeout+defaultDrain)
			defer cancel()
			return p.CloseAll(ctx)
		})
		return whisperlive.NewService(p), nil
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Service, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Service, error) {
		var opts []whisper.NativeOption
		if entry.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(entry.Language))
		}
		if n, ok := optInt(entry.Options, "threads"); ok && n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		return whisper.NewNative(entry.Model, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Service, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, openai.WithPrompt(prompt))
		}
		if n, ok := optInt(entry.Options, "max_retries"); ok {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, name := range reg.STTNames() {
		a.log.Debug("registered provider", "kind", "stt", "name", name)
	}
}

// streamOptions returns the websocket session options shared by all
// streaming backends.
func (a *App) streamOptions(provider string) []wsstream.Option {
	sc := a.cfg.Streaming
	log := a.log.With("provider", provider)
	opts := []wsstream.Option{
		wsstream.WithReconnectPolicy(wsstream.ReconnectPolicy{
			MaxAttempts: sc.Reconnect.MaxAttempts,
			Backoff:     sc.Reconnect.Backoff,
			MaxBackoff:  sc.Reconnect.MaxBackoff,
			Multiplier:  sc.Reconnect.Multiplier,
		}),
		wsstream.WithHooks(wsstream.Hooks{
			OnReconnect: func(attempt int) {
				a.metrics.SessionReconnects.Add(context.Background(), 1,
					metric.WithAttributes(observe.Attr("provider", provider)))
				log.Debug("streaming session reconnecting", "attempt", attempt)
			},
			OnRotate: func() { log.Debug("idle streaming connection closed") },
			OnFailure: func(f stt.Failure) {
				log.Debug("streaming session failed", "reason", f.Reason, "err", f.Err)
			},
		}),
		wsstream.WithLogger(log),
	}
	if sc.IdleTimeout > 0 {
		opts = append(opts, wsstream.WithIdleTimeout(sc.IdleTimeout))
	}
	if sc.DrainTimeout > 0 {
		opts = append(opts, wsstream.WithDrainTimeout(sc.DrainTimeout))
	}
	return opts
}

// buildSTT composes the configured backends: the default and its
// fallbacks behind circuit breakers, then per-language routes in front.
func (a *App) buildSTT(reg *config.Registry) (stt.Service, error) {
	pc := a.cfg.Providers

	primary, err := a.createSTT(reg, pc.STT)
	if err != nil {
		return nil, err
	}
	svc := primary

	if len(pc.Fallbacks) > 0 {
		fb := resilience.NewSTTFallback(primary, resilience.FallbackConfig{
			Logger: a.log,
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures:  pc.CircuitBreaker.MaxFailures,
				ResetTimeout: pc.CircuitBreaker.ResetTimeout,
				HalfOpenMax:  pc.CircuitBreaker.HalfOpenMax,
				OnStateChange: func(name string, from, to resilience.State) {
					a.log.Warn("circuit breaker state changed", "provider", name, "from", from, "to", to)
				},
			},
		})
		names := []string{primary.Name()}
		for _, entry := range pc.Fallbacks {
			s, err := a.createSTT(reg, entry)
			if err != nil {
				return nil, err
			}
			fb.AddFallback(s)
			names = append(names, s.Name())
		}
		for _, name := range names {
			if b, ok := fb.Breaker(name); ok && !slices.Contains(a.breakers, b) {
				a.breakers = append(a.breakers, b)
			}
		}
		svc = fb
	}

	if len(pc.Languages) > 0 {
		routes := make(map[string]stt.Service, len(pc.Languages))
		for lang, entry := range pc.Languages {
			s, err := a.createSTT(reg, entry)
			if err != nil {
				return nil, fmt.Errorf("language %q: %w", lang, err)
			}
			routes[lang] = s
		}
		svc = stt.NewRouter(svc, routes)
	}

	a.log.Info("transcription backend ready", "provider", svc.Name(),
		"streaming", svc.SupportsStreamRecognition(), "fragments", svc.SupportsFragmentTranscription())
	return svc, nil
}

func (a *App) createSTT(reg *config.Registry, entry config.ProviderEntry) (stt.Service, error) {
	svc, err := reg.CreateSTT(entry)
	if err != nil {
		return nil, err
	}
	if c, ok := svc.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.log.Info("provider created", "kind", "stt", "name", entry.Name)
	return svc, nil
}

// optString extracts a string from an options map, returning "" if absent or
// not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, _ := opts[key].(string)
	return v
}

// optInt extracts an integer from an options map. YAML decodes whole
// numbers as int; floats are truncated.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
