package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

// The moderation audit trail is append-only at the database level. These
// tests exercise the blocking triggers against a real Postgres.

func TestModerationEventsImmutabilityBlocksUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		INSERT INTO moderation_events (actor_id, context, action, reason, channel_ref, original_excerpt, sanitized_excerpt)
		VALUES ('usr_test', 'private_chat', 'masked', 'Phone number detected and masked', 'direct:usr_test', 'Call me at 9876543210', 'Call me at ***-***-3210')
	`)
	if err != nil {
		t.Fatalf("insert moderation event: %v", err)
	}

	_, err = db.ExecContext(ctx, `
		UPDATE moderation_events SET reason='edited' WHERE actor_id='usr_test'
	`)
	if err == nil {
		t.Fatal("expected UPDATE to be blocked, but it succeeded")
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000 (object_not_in_prerequisite_state), got: %s", pgErr.SQLState())
	}
	if pgErr.Message != "moderation_events is immutable; UPDATE is not allowed" {
		t.Fatalf("unexpected error message: %s", pgErr.Message)
	}

	_, _ = db.ExecContext(ctx, `TRUNCATE moderation_events`)
}

func TestModerationEventsImmutabilityBlocksDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		INSERT INTO moderation_events (actor_id, context, action, reason, channel_ref)
		VALUES ('usr_test_delete', 'community', 'masked', 'Email address detected and masked', 'community_post:1')
	`)
	if err != nil {
		t.Fatalf("insert moderation event: %v", err)
	}

	_, err = db.ExecContext(ctx, `
		DELETE FROM moderation_events WHERE actor_id='usr_test_delete'
	`)
	if err == nil {
		t.Fatal("expected DELETE to be blocked, but it succeeded")
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000 (object_not_in_prerequisite_state), got: %s", pgErr.SQLState())
	}
	if pgErr.Message != "moderation_events is immutable; DELETE is not allowed" {
		t.Fatalf("unexpected error message: %s", pgErr.Message)
	}

	_, _ = db.ExecContext(ctx, `TRUNCATE moderation_events`)
}

func TestModerationEventsInsertStillWorks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		INSERT INTO moderation_events (actor_id, context, action, reason, channel_ref)
		VALUES ('usr_test_insert', 'community', 'masked', 'Phone number detected and masked', 'community_post:2')
	`)
	if err != nil {
		t.Fatalf("insert moderation event should succeed: %v", err)
	}

	var count int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM moderation_events WHERE actor_id='usr_test_insert'`).Scan(&count)
	if err != nil {
		t.Fatalf("query moderation events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 moderation event, got %d", count)
	}

	_, _ = db.ExecContext(ctx, `TRUNCATE moderation_events`)
}

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()

	if url := getenv("TEST_DATABASE_URL", ""); url != "" {
		return url
	}

	host := getenv("POSTGRES_HOST", "localhost")
	port := getenv("POSTGRES_PORT", "5432")
	user := getenv("POSTGRES_USER", "fastemis")
	pass := getenv("POSTGRES_PASSWORD", "fastemis")
	dbname := getenv("POSTGRES_DB", "fastemis_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
