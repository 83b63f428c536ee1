package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meetscribe/internal/config"
	"github.com/MrWong99/meetscribe/internal/ingest"
	"github.com/MrWong99/meetscribe/internal/sink"
	"github.com/MrWong99/meetscribe/internal/transcript"
	"github.com/MrWong99/meetscribe/internal/transcript/phonetic"
	"github.com/MrWong99/meetscribe/internal/transcription"
	"github.com/MrWong99/meetscribe/pkg/provider/vad"
)

// room is one room being transcribed.
type room struct {
	t        *transcription.Transcriber
	sinks    *sink.Listener
	openedAt time.Time
}

var _ ingest.Rooms = (*App)(nil)

// RoomInfo describes an active room.
type RoomInfo struct {
	Room         string    `json:"room"`
	State        string    `json:"state"`
	Participants int       `json:"participants"`
	OpenedAt     time.Time `json:"opened_at"`
}

// Open creates the transcriber of room with the current transcription
// settings and attaches the result sinks. Only one transcriber per room
// may be active.
func (a *App) Open(_ context.Context, name string) (*transcription.Transcriber, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		return nil, ErrShuttingDown
	}
	if _, ok := a.rooms[name]; ok {
		return nil, fmt.Errorf("%w: %s", ingest.ErrRoomActive, name)
	}

	a.tmu.RLock()
	cfg, opts := pipelineConfig(a.tcfg)
	a.tmu.RUnlock()

	log := a.log.With("room", name)
	opts = append(opts, transcription.WithLogger(log), transcription.WithMetrics(a.metrics))
	t := transcription.New(name, a.stt, cfg, opts...)
	l := sink.NewListener(name,
		sink.WithResultSinks(a.resultSinks...),
		sink.WithEventSinks(a.eventSinks...),
		sink.WithMetrics(a.metrics),
		sink.WithLogger(log),
	)
	t.AddListener(l)

	a.rooms[name] = &room{t: t, sinks: l, openedAt: time.Now()}
	log.Info("room opened", "provider", a.stt.Name())
	return t, nil
}

// Close stops the transcriber of room and waits until the sinks saw its
// last result. Closing an unknown room is a no-op.
func (a *App) Close(ctx context.Context, name string) error {
	a.mu.Lock()
	r, ok := a.rooms[name]
	delete(a.rooms, name)
	a.mu.Unlock()
	if !ok {
		return nil
	}

	err := r.t.Stop(ctx)
	if r.t.State() == transcription.StateFinished {
		select {
		case <-r.sinks.Done():
		case <-ctx.Done():
			err = errors.Join(err, fmt.Errorf("waiting for sinks: %w", ctx.Err()))
		}
	}
	a.log.Info("room closed", "room", name, "duration", time.Since(r.openedAt).Round(time.Second))
	return err
}

// Transcript returns the events recorded so far for an active room.
func (a *App) Transcript(name string) ([]transcript.Event, bool) {
	a.mu.Lock()
	r, ok := a.rooms[name]
	a.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.t.Transcript().Events(), true
}

// Rooms describes the active rooms, sorted by name.
func (a *App) Rooms() []RoomInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]RoomInfo, 0, len(a.rooms))
	for name, r := range a.rooms {
		out = append(out, RoomInfo{
			Room:         name,
			State:        r.t.State().String(),
			Participants: len(r.t.Transcript().Participants()),
			OpenedAt:     r.openedAt,
		})
	}
	slices.SortFunc(out, func(x, y RoomInfo) int { return cmp.Compare(x.Room, y.Room) })
	return out
}

// closeAll stops every active room concurrently.
func (a *App) closeAll(ctx context.Context) error {
	a.mu.Lock()
	names := make([]string, 0, len(a.rooms))
	for name := range a.rooms {
		names = append(names, name)
	}
	a.mu.Unlock()

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			if err := a.Close(ctx, name); err != nil {
				return fmt.Errorf("room %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

var silenceModes = map[config.SilenceMode]vad.Mode{
	config.SilenceQuality:        vad.ModeQuality,
	config.SilenceLowBitrate:     vad.ModeLowBitrate,
	config.SilenceAggressive:     vad.ModeAggressive,
	config.SilenceVeryAggressive: vad.ModeVeryAggressive,
}

// pipelineConfig translates the transcription settings into the
// transcriber's config and options.
func pipelineConfig(tc config.TranscriptionConfig) (transcription.Config, []transcription.Option) {
	cfg := transcription.Config{
		DisableBuffering: tc.DisableBuffering,
		MaxBuffered:      tc.MaxBuffered,
		QueueSize:        tc.QueueSize,
	}
	if s := tc.Silence; s != nil {
		cfg.Silence = &transcription.SilenceConfig{
			Engine:            &vad.EnergyEngine{Threshold: s.Threshold},
			Mode:              silenceModes[s.Mode],
			WindowSize:        s.WindowSize,
			MajorityThreshold: s.MajorityThreshold,
		}
	}
	var opts []transcription.Option
	if tc.NameCorrection {
		opts = append(opts, transcription.WithNameCorrection(phonetic.New()))
	}
	return cfg, opts
}
