// Package app wires the meetscribe subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the transcription
// backends, result sinks and HTTP handlers from the config, Run serves
// media connections until its context ends, and Shutdown drains the
// active rooms and tears everything down in order.
//
// For testing, inject doubles via functional options (WithSTT,
// WithResultSinks, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meetscribe/internal/config"
	"github.com/MrWong99/meetscribe/internal/health"
	"github.com/MrWong99/meetscribe/internal/ingest"
	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/internal/resilience"
	"github.com/MrWong99/meetscribe/internal/sink"
	"github.com/MrWong99/meetscribe/internal/sink/kafka"
	"github.com/MrWong99/meetscribe/internal/sink/postgres"
	"github.com/MrWong99/meetscribe/internal/transcript"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

const (
	// defaultDrain is added to the streaming drain timeout when closing
	// pooled connections.
	defaultDrain = 5 * time.Second

	defaultHistoryLimit = 50
)

// ErrShuttingDown is returned by [App.Open] once Shutdown has begun.
var ErrShuttingDown = errors.New("app: shutting down")

// History reads persisted transcripts.
type History interface {
	Events(ctx context.Context, room string) ([]transcript.Event, error)
	Search(ctx context.Context, room, query string, limit int) ([]transcript.Event, error)
}

var _ History = (*postgres.Store)(nil)

// App owns all subsystem lifetimes of the transcription gateway.
type App struct {
	cfg     *config.Config
	reg     *config.Registry
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics

	stt         stt.Service
	breakers    []*resilience.CircuitBreaker
	resultSinks []sink.ResultSink
	eventSinks  []sink.EventSink
	sinksSet    bool
	history     History
	checkers    []health.Checker
	metricsH    http.Handler

	health *health.Handler
	ingest *ingest.Server

	// tcfg is the pipeline config for rooms opened from now on.
	tmu  sync.RWMutex
	tcfg config.TranscriptionConfig

	mu      sync.Mutex
	rooms   map[string]*room
	closing bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry creates the backends through reg instead of the built-in
// providers.
func WithRegistry(reg *config.Registry) Option {
	return func(a *App) { a.reg = reg }
}

// WithSTT injects the transcription backend instead of building it from
// the providers config.
func WithSTT(svc stt.Service) Option {
	return func(a *App) { a.stt = svc }
}

// WithResultSinks injects result sinks instead of creating them from the
// sinks config.
func WithResultSinks(s ...sink.ResultSink) Option {
	return func(a *App) {
		a.resultSinks = append(a.resultSinks, s...)
		a.sinksSet = true
	}
}

// WithEventSinks injects transcript event sinks instead of creating them
// from the sinks config.
func WithEventSinks(s ...sink.EventSink) Option {
	return func(a *App) {
		a.eventSinks = append(a.eventSinks, s...)
		a.sinksSet = true
	}
}

// WithHistory serves persisted transcripts from h.
func WithHistory(h History) Option {
	return func(a *App) { a.history = h }
}

// WithHealthCheckers adds readiness checks.
func WithHealthCheckers(c ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c...) }
}

// WithMetrics sets the metrics instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Default: promhttp.Handler().
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevel lets config reloads change the log level through v.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option
// functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:   cfg,
		tcfg:  cfg.Transcription,
		rooms: make(map[string]*room),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(slogLevel(cfg.Server.LogLevel))
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsH == nil {
		a.metricsH = promhttp.Handler()
	}

	// ── 1. Transcription backends ────────────────────────────────────────
	if a.stt == nil {
		reg := a.reg
		if reg == nil {
			reg = config.NewRegistry()
			a.RegisterBuiltinProviders(reg)
		}
		svc, err := a.buildSTT(reg)
		if err != nil {
			a.runClosers(ctx)
			return nil, fmt.Errorf("app: init stt: %w", err)
		}
		a.stt = svc
	}

	// ── 2. Sinks ─────────────────────────────────────────────────────────
	if !a.sinksSet {
		if err := a.initSinks(ctx); err != nil {
			a.runClosers(ctx)
			return nil, fmt.Errorf("app: init sinks: %w", err)
		}
	}

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	checkers := a.checkers
	if len(a.breakers) > 0 {
		checkers = append([]health.Checker{health.Breakers("stt", a.breakers...)}, checkers...)
	}
	a.health = health.New(checkers...)
	a.ingest = ingest.New(a, ingest.WithLogger(a.log), ingest.WithMetrics(a.metrics))

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSinks creates the Kafka publisher and, when a DSN is configured, the
// PostgreSQL transcript store.
func (a *App) initSinks(ctx context.Context) error {
	kc := a.cfg.Sinks.Kafka
	pub := kafka.New(kafka.Config{
		Brokers:      kc.Brokers,
		PartialTopic: kc.PartialTopic,
		FinalTopic:   kc.FinalTopic,
		EventTopic:   kc.EventTopic,
	}, kafka.WithLogger(a.log))
	a.resultSinks = append(a.resultSinks, pub)
	a.eventSinks = append(a.eventSinks, pub)
	a.closers = append(a.closers, pub.Close)
	if kc.Enabled() {
		a.log.Info("kafka sink enabled", "brokers", kc.Brokers)
	}

	dsn := a.cfg.Sinks.Postgres.DSN
	if dsn == "" {
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	a.eventSinks = append(a.eventSinks, store)
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	a.checkers = append(a.checkers, health.Ping("postgres", store.Ping))
	if a.history == nil {
		a.history = store
	}
	a.log.Info("postgres transcript store connected")
	return nil
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the HTTP surface: media connections, live and persisted
// transcripts, health probes and metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	a.ingest.Register(mux)
	mux.Handle("GET /metrics", a.metricsH)
	mux.HandleFunc("GET /v1/rooms", a.serveRooms)
	if a.history != nil {
		mux.HandleFunc("GET /v1/rooms/{room}/history", a.serveHistory)
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) serveRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Rooms())
}

// serveHistory returns the persisted transcript of a room, or the speech
// events matching the q parameter.
func (a *App) serveHistory(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	var (
		events []transcript.Event
		err    error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		limit := defaultHistoryLimit
		if s := r.URL.Query().Get("limit"); s != "" {
			n, perr := strconv.Atoi(s)
			if perr != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		events, err = a.history.Search(r.Context(), room, q, limit)
	} else {
		events, err = a.history.Events(r.Context(), room)
	}
	if err != nil {
		observe.Logger(r.Context()).Error("reading transcript history", "room", room, "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []transcript.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is done, then
// shuts down gracefully within shutdownTimeout.
func (a *App) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln, shutdownTimeout)
}

// Serve serves on ln until ctx is done, then calls Shutdown.
func (a *App) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
	// the listener closes before the backends and sinks
	a.closers = append([]func() error{func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	}}, a.closers...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})
	return g.Wait()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a changed config. Changes to
// other sections are logged and take effect after a restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.level.Set(slogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TranscriptionChanged {
		a.tmu.Lock()
		a.tcfg = d.Transcription
		a.tmu.Unlock()
		a.log.Info("transcription settings changed, applying to new rooms")
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, stops every room so its final
// results reach the sinks and media connections, closes those connections,
// then runs the closers in order. It respects the context deadline: if ctx
// expires, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "rooms", len(a.Rooms()), "closers", len(a.closers))
		a.health.SetDraining(true)

		a.mu.Lock()
		a.closing = true
		a.mu.Unlock()

		errs := []error{a.closeAll(ctx)}
		if err := a.ingest.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("media connections: %w", err))
		}
		errs = append(errs, a.runClosers(ctx))
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

func (a *App) runClosers(ctx context.Context) error {
	var errs []error
	for i, closer := range a.closers {
		if ctx.Err() != nil {
			a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			errs = append(errs, ctx.Err())
			break
		}
		if err := closer(); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
