package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives the previous and the newly loaded config.
type ReloadFunc func(old, new *Config)

// Watcher polls a config file and hands every valid edit to a [ReloadFunc].
// An edit is detected by modification time and confirmed by the SHA-256 of
// the content, so touching the file is not a reload. Invalid edits are
// logged and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	reload   ReloadFunc
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	seen    fileStamp

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// fileStamp identifies one version of the watched file.
type fileStamp struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger used for reload and rejection messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path and starts polling it. The initial load must
// succeed. reload may be nil.
func NewWatcher(path string, reload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		reload:   reload,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	w.log = w.log.With("path", path)

	cfg, stamp, err := readStamped(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, stamp

	go w.loop()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for a running reload to return. It is safe to
// call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-tick.C:
			if _, err := w.Check(); err != nil {
				w.log.Warn("config reload rejected", "err", err)
			}
		}
	}
}

// Check compares the file against the last seen version and reloads it if
// the content changed. It reports whether the reload callback ran.
func (w *Watcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	cfg, stamp, err := readStamped(w.path)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	if stamp.sum == w.seen.sum {
		w.seen.mtime = stamp.mtime
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.seen = cfg, stamp
	w.mu.Unlock()

	w.log.Info("configuration reloaded")
	if w.reload != nil {
		w.reload(old, cfg)
	}
	return true, nil
}

// readStamped loads and validates path and stamps the bytes it parsed.
func readStamped(path string) (*Config, fileStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
