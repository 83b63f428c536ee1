package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; changes to the
// rest are listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TranscriptionChanged is true if any transcription setting changed.
	// New rooms pick up Transcription; running rooms keep their settings.
	TranscriptionChanged bool
	Transcription        TranscriptionConfig

	// RestartRequired names the sections that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{Transcription: new.Transcription}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !transcriptionEqual(old.Transcription, new.Transcription) {
		d.TranscriptionChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Streaming != new.Streaming {
		d.RestartRequired = append(d.RestartRequired, "streaming")
	}
	if !reflect.DeepEqual(old.Sinks, new.Sinks) {
		d.RestartRequired = append(d.RestartRequired, "sinks")
	}
	return d
}

func transcriptionEqual(a, b TranscriptionConfig) bool {
	if a.DisableBuffering != b.DisableBuffering ||
		a.MaxBuffered != b.MaxBuffered ||
		a.QueueSize != b.QueueSize ||
		a.NameCorrection != b.NameCorrection {
		return false
	}
	switch {
	case a.Silence == nil && b.Silence == nil:
		return true
	case a.Silence == nil || b.Silence == nil:
		return false
	}
	return *a.Silence == *b.Silence
}
