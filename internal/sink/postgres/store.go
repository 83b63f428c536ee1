package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/meetscribe/internal/sink"
	"github.com/MrWong99/meetscribe/internal/transcript"
)

var _ sink.EventSink = (*Store)(nil)

// eventNamespace seeds the deterministic ids of transcript events.
var eventNamespace = uuid.MustParse("0b6f2d8e-3c1a-4e55-9a7f-6a1e2f0c9d41")

// Store is a PostgreSQL-backed transcript event store. All methods are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Name identifies the sink in logs and metrics.
func (s *Store) Name() string { return "postgres" }

// Ping checks the connection; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases all connections held by the pool.
func (s *Store) Close() { s.pool.Close() }

// EventID returns the deterministic id of e. Speech events use their
// message id; other events are identified by room, kind, participant and
// time.
func EventID(e transcript.Event) uuid.UUID {
	if e.Kind == transcript.EventSpeech && e.MessageID != uuid.Nil {
		return e.MessageID
	}
	key := e.Room + "|" + e.Kind.String() + "|" +
		strconv.FormatUint(uint64(e.Participant.SSRC), 10) + "|" +
		e.Timestamp.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(eventNamespace, []byte(key))
}

// PublishEvent stores e. Storing the same event again is a no-op; a later
// speech event with a stored message id replaces the stored text.
func (s *Store) PublishEvent(ctx context.Context, e transcript.Event) error {
	const q = `
		INSERT INTO transcript_events
		    (id, room, kind, ssrc, speaker_name, message_id, text, confidence, language, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
		    speaker_name = EXCLUDED.speaker_name,
		    text         = EXCLUDED.text,
		    confidence   = EXCLUDED.confidence,
		    language     = EXCLUDED.language,
		    occurred_at  = EXCLUDED.occurred_at
		WHERE transcript_events.kind = 'SPEECH'`

	var messageID *uuid.UUID
	if e.MessageID != uuid.Nil {
		messageID = &e.MessageID
	}
	_, err := s.pool.Exec(ctx, q,
		EventID(e),
		e.Room,
		e.Kind.String(),
		int64(e.Participant.SSRC),
		e.Participant.Name,
		messageID,
		e.Text,
		e.Confidence,
		e.Language,
		e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres store: write event: %w", err)
	}
	return nil
}

// Events returns the stored events of room in chronological order.
func (s *Store) Events(ctx context.Context, room string) ([]transcript.Event, error) {
	const q = `
		SELECT kind, ssrc, speaker_name, message_id, text, confidence, language, occurred_at
		FROM   transcript_events
		WHERE  room = $1
		ORDER  BY occurred_at, inserted_at`

	rows, err := s.pool.Query(ctx, q, room)
	if err != nil {
		return nil, fmt.Errorf("postgres store: events: %w", err)
	}
	return collectEvents(room, rows)
}

// Search returns speech events of room whose text matches query, using
// PostgreSQL full-text search.
func (s *Store) Search(ctx context.Context, room, query string, limit int) ([]transcript.Event, error) {
	q := `
		SELECT kind, ssrc, speaker_name, message_id, text, confidence, language, occurred_at
		FROM   transcript_events
		WHERE  room = $1
		  AND  kind = 'SPEECH'
		  AND  to_tsvector('simple', text) @@ plainto_tsquery('simple', $2)
		ORDER  BY occurred_at`
	args := []any{room, query}
	if limit > 0 {
		q += "\nLIMIT $3"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: %w", err)
	}
	return collectEvents(room, rows)
}

func collectEvents(room string, rows pgx.Rows) ([]transcript.Event, error) {
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Event, error) {
		var (
			e         = transcript.Event{Room: room}
			kind      string
			ssrc      int64
			messageID *uuid.UUID
		)
		if err := row.Scan(&kind, &ssrc, &e.Participant.Name, &messageID, &e.Text, &e.Confidence, &e.Language, &e.Timestamp); err != nil {
			return e, err
		}
		k, ok := transcript.ParseEventKind(kind)
		if !ok {
			return e, fmt.Errorf("unknown event kind %q", kind)
		}
		e.Kind = k
		e.Participant.SSRC = uint32(ssrc)
		if messageID != nil {
			e.MessageID = *messageID
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan events: %w", err)
	}
	return events, nil
}
