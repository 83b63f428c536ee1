package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/meetscribe/internal/sink/postgres"
	"github.com/MrWong99/meetscribe/internal/transcript"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if MEETSCRIBE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MEETSCRIBE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MEETSCRIBE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] on a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS transcript_events`,
		`DROP TABLE IF EXISTS schema_migrations`,
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema: %v", err)
		}
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestEventID(t *testing.T) {
	join := transcript.Event{Kind: transcript.EventJoin, Room: "standup", Timestamp: t0, Participant: transcript.Participant{SSRC: 1}}
	if postgres.EventID(join) != postgres.EventID(join) {
		t.Error("EventID must be deterministic")
	}

	leave := join
	leave.Kind = transcript.EventLeave
	if postgres.EventID(join) == postgres.EventID(leave) {
		t.Error("different kinds must have different ids")
	}

	other := join
	other.Room = "retro"
	if postgres.EventID(join) == postgres.EventID(other) {
		t.Error("different rooms must have different ids")
	}

	id := uuid.New()
	speech := transcript.Event{Kind: transcript.EventSpeech, Room: "standup", Timestamp: t0, MessageID: id}
	if postgres.EventID(speech) != id {
		t.Error("speech events are identified by their message id")
	}
}

func TestStore_PublishAndReadBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	alice := transcript.Participant{SSRC: 1, Name: "Alice"}
	events := []transcript.Event{
		{Kind: transcript.EventStart, Room: "standup", Timestamp: t0},
		{Kind: transcript.EventJoin, Room: "standup", Timestamp: t0.Add(time.Second), Participant: alice},
		{Kind: transcript.EventSpeech, Room: "standup", Timestamp: t0.Add(2 * time.Second), Participant: alice,
			MessageID: uuid.New(), Text: "good morning everyone", Confidence: 0.9, Language: "en-US"},
		{Kind: transcript.EventEnd, Room: "standup", Timestamp: t0.Add(3 * time.Second)},
		{Kind: transcript.EventStart, Room: "retro", Timestamp: t0},
	}
	for _, e := range events {
		if err := store.PublishEvent(ctx, e); err != nil {
			t.Fatalf("PublishEvent: %v", err)
		}
	}
	// redelivery is a no-op
	if err := store.PublishEvent(ctx, events[2]); err != nil {
		t.Fatalf("PublishEvent again: %v", err)
	}

	got, err := store.Events(ctx, "standup")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d events, want 4", len(got))
	}
	speech := got[2]
	if speech.Kind != transcript.EventSpeech || speech.Text != "good morning everyone" ||
		speech.Participant != (transcript.Participant{SSRC: 1, Name: "Alice"}) ||
		speech.MessageID != events[2].MessageID {
		t.Errorf("speech = %+v", speech)
	}
	if !speech.Timestamp.Equal(events[2].Timestamp) {
		t.Errorf("timestamp = %v, want %v", speech.Timestamp, events[2].Timestamp)
	}

	hits, err := store.Search(ctx, "standup", "morning", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("search hits = %d, want 1", len(hits))
	}
}

func TestStore_LatestSpeechRevisionWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	alice := transcript.Participant{SSRC: 1, Name: "Alice"}
	first := transcript.Event{Kind: transcript.EventSpeech, Room: "review", Timestamp: t0, Participant: alice,
		MessageID: uuid.New(), Text: "hello word", Confidence: 0.7}
	revised := first
	revised.Text = "hello world"
	revised.Confidence = 0.95
	revised.Timestamp = t0.Add(time.Second)

	for _, e := range []transcript.Event{first, revised} {
		if err := store.PublishEvent(ctx, e); err != nil {
			t.Fatalf("PublishEvent: %v", err)
		}
	}
	got, err := store.Events(ctx, "review")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Text != "hello world" || got[0].Confidence != 0.95 || !got[0].Timestamp.Equal(revised.Timestamp) {
		t.Errorf("stored = %+v, want the revision", got[0])
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	newTestStore(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	for range 2 {
		if err := postgres.Migrate(ctx, pool); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
	}
	var n int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("applied migrations = %d, want 2", n)
	}
}
