package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/meetscribe/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Transcription: config.TranscriptionConfig{
			MaxBuffered: time.Second,
			Silence:     &config.SilenceConfig{Mode: config.SilenceQuality, WindowSize: 10, MajorityThreshold: 8},
		},
		Providers: config.ProvidersConfig{
			STT:       config.ProviderEntry{Name: "deepgram", Options: map[string]any{"smart_format": true}},
			Languages: map[string]config.ProviderEntry{"de": {Name: "vosk", BaseURL: "ws://vosk"}},
		},
		Sinks: config.SinksConfig{Kafka: config.KafkaConfig{Brokers: []string{"k:9092"}, FinalTopic: "final"}},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.LogLevelChanged || d.TranscriptionChanged || len(d.RestartRequired) != 0 {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level needs no restart, got %v", d.RestartRequired)
	}
}

func TestDiff_Transcription(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.TranscriptionConfig)
	}{
		{"buffering", func(c *config.TranscriptionConfig) { c.DisableBuffering = true }},
		{"max buffered", func(c *config.TranscriptionConfig) { c.MaxBuffered = 2 * time.Second }},
		{"queue size", func(c *config.TranscriptionConfig) { c.QueueSize = 8 }},
		{"name correction", func(c *config.TranscriptionConfig) { c.NameCorrection = true }},
		{"silence mode", func(c *config.TranscriptionConfig) { c.Silence.Mode = config.SilenceAggressive }},
		{"silence removed", func(c *config.TranscriptionConfig) { c.Silence = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tc.mutate(&new.Transcription)
			d := config.Diff(old, new)
			if !d.TranscriptionChanged {
				t.Error("expected TranscriptionChanged=true")
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("transcription settings need no restart, got %v", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":9090"
	new.Providers.Languages["de"] = config.ProviderEntry{Name: "deepgram"}
	new.Streaming.IdleTimeout = time.Minute
	new.Sinks.Kafka.FinalTopic = "other"

	d := config.Diff(old, new)
	want := []string{"server", "providers", "streaming", "sinks"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.TranscriptionChanged {
		t.Error("transcription did not change")
	}
}
