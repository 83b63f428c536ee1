package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the STT provider names known to the gateway.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"deepgram", "vosk", "whisperlive", "whisper", "whisper-native", "openai"}

// selfHosted lists providers that have no public default endpoint.
var selfHosted = []string{"vosk", "whisperlive", "whisper"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Transcription
	tc := cfg.Transcription
	if tc.MaxBuffered < 0 {
		errs = append(errs, fmt.Errorf("transcription.max_buffered %v must not be negative", tc.MaxBuffered))
	}
	if tc.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("transcription.queue_size %d must not be negative", tc.QueueSize))
	}
	if s := tc.Silence; s != nil {
		if s.Mode != "" && !s.Mode.IsValid() {
			errs = append(errs, fmt.Errorf("transcription.silence.mode %q is invalid; valid values: quality, low_bitrate, aggressive, very_aggressive", s.Mode))
		}
		if s.WindowSize < 0 || s.MajorityThreshold < 0 {
			errs = append(errs, errors.New("transcription.silence window_size and majority_threshold must not be negative"))
		}
		if s.WindowSize > 0 && s.MajorityThreshold > s.WindowSize {
			errs = append(errs, fmt.Errorf("transcription.silence.majority_threshold %d exceeds window_size %d", s.MajorityThreshold, s.WindowSize))
		}
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	} else {
		errs = append(errs, validateEntry("providers.stt", cfg.Providers.STT)...)
	}
	for i, fb := range cfg.Providers.Fallbacks {
		prefix := fmt.Sprintf("providers.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		errs = append(errs, validateEntry(prefix, fb)...)
	}
	for lang, entry := range cfg.Providers.Languages {
		prefix := fmt.Sprintf("providers.languages[%q]", lang)
		if lang == "" {
			errs = append(errs, errors.New("providers.languages has an empty language key"))
		}
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		errs = append(errs, validateEntry(prefix, entry)...)
	}

	// Streaming
	rc := cfg.Streaming.Reconnect
	if rc.MaxAttempts < 0 || rc.Backoff < 0 || rc.MaxBackoff < 0 {
		errs = append(errs, errors.New("streaming.reconnect values must not be negative"))
	}
	if rc.Multiplier != 0 && rc.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("streaming.reconnect.multiplier %.2f must be at least 1", rc.Multiplier))
	}
	if rc.Backoff > 0 && rc.MaxBackoff > 0 && rc.MaxBackoff < rc.Backoff {
		errs = append(errs, fmt.Errorf("streaming.reconnect.max_backoff %v is below backoff %v", rc.MaxBackoff, rc.Backoff))
	}
	if cfg.Streaming.IdleTimeout < 0 || cfg.Streaming.DrainTimeout < 0 {
		errs = append(errs, errors.New("streaming timeouts must not be negative"))
	}

	// Sinks
	if k := cfg.Sinks.Kafka; k.Enabled() {
		if k.PartialTopic == "" && k.FinalTopic == "" && k.EventTopic == "" {
			errs = append(errs, errors.New("sinks.kafka has brokers but no topic"))
		}
		if slices.Contains(k.Brokers, "") {
			errs = append(errs, errors.New("sinks.kafka.brokers contains an empty address"))
		}
	}
	if cfg.Sinks.Postgres.DSN == "" {
		slog.Warn("sinks.postgres.dsn is empty; transcripts will not be persisted")
	}

	return errors.Join(errs...)
}

func validateEntry(prefix string, e ProviderEntry) []error {
	validateProviderName(e.Name)
	var errs []error
	if slices.Contains(selfHosted, e.Name) && e.BaseURL == "" {
		errs = append(errs, fmt.Errorf("%s.base_url is required for provider %q", prefix, e.Name))
	}
	if e.Name == "whisper-native" && e.Model == "" {
		errs = append(errs, fmt.Errorf("%s.model must name the model file for provider %q", prefix, e.Name))
	}
	if (e.Name == "deepgram" || e.Name == "openai") && e.APIKey == "" {
		slog.Warn("provider has no api_key", "entry", prefix, "name", e.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
