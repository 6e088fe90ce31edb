package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const threadColumns = `id, user_id, persona_id, is_persona_locked, is_favorite, last_message_at, created_at`

func scanThread(row interface{ Scan(...any) error }) (GhostThread, error) {
	var t GhostThread
	err := row.Scan(&t.ID, &t.UserID, &t.PersonaID, &t.IsPersonaLocked, &t.IsFavorite, &t.LastMessageAt, &t.CreatedAt)
	return t, err
}

func (s *PostgresStore) GetThread(ctx context.Context, id string) (GhostThread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM ghost_threads WHERE id=$1`, id)
	return scanThread(row)
}

func (s *PostgresStore) GetThreadByUserPersona(ctx context.Context, userID, personaID string) (GhostThread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+` FROM ghost_threads WHERE user_id=$1 AND persona_id=$2
	`, userID, personaID)
	return scanThread(row)
}

// GetOrCreateThread resolves the (user, persona) thread, creating it with its
// welcome message when absent. The unique constraint is the integrity
// backstop: a racing insert loses ON CONFLICT and re-reads the winner's row,
// so concurrent opens converge on one thread and one welcome message.
func (s *PostgresStore) GetOrCreateThread(ctx context.Context, thread GhostThread, welcome Message) (GhostThread, bool, error) {
	existing, err := s.GetThreadByUserPersona(ctx, thread.UserID, thread.PersonaID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return GhostThread{}, false, fmt.Errorf("lookup thread: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return GhostThread{}, false, fmt.Errorf("begin create thread: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO ghost_threads (id, user_id, persona_id, is_persona_locked)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, persona_id) DO NOTHING
		RETURNING `+threadColumns,
		thread.ID, thread.UserID, thread.PersonaID, thread.IsPersonaLocked,
	)
	created, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race; the winner already holds the row.
		winner, rerr := s.GetThreadByUserPersona(ctx, thread.UserID, thread.PersonaID)
		if rerr != nil {
			return GhostThread{}, false, fmt.Errorf("reread thread: %w", rerr)
		}
		return winner, false, nil
	}
	if err != nil {
		return GhostThread{}, false, fmt.Errorf("insert thread: %w", err)
	}

	welcome.ChannelKind = ChannelGhost
	welcome.ChannelRef = created.ID
	message, err := insertMessageTx(ctx, tx, welcome)
	if err != nil {
		return GhostThread{}, false, fmt.Errorf("insert welcome message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ghost_threads SET last_message_at=$2 WHERE id=$1
	`, created.ID, message.CreatedAt); err != nil {
		return GhostThread{}, false, fmt.Errorf("update thread activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return GhostThread{}, false, fmt.Errorf("commit create thread: %w", err)
	}
	created.LastMessageAt = &message.CreatedAt
	return created, true, nil
}

func (s *PostgresStore) ListThreadsForUser(ctx context.Context, userID string) ([]GhostThread, error) {
	return s.listThreads(ctx, `
		SELECT `+threadColumns+` FROM ghost_threads WHERE user_id=$1
		ORDER BY is_favorite DESC, last_message_at DESC NULLS LAST, created_at DESC
	`, userID)
}

func (s *PostgresStore) ListAllThreads(ctx context.Context) ([]GhostThread, error) {
	return s.listThreads(ctx, `
		SELECT `+threadColumns+` FROM ghost_threads
		ORDER BY is_favorite DESC, last_message_at DESC NULLS LAST, created_at DESC
	`)
}

func (s *PostgresStore) listThreads(ctx context.Context, query string, args ...any) ([]GhostThread, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []GhostThread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (s *PostgresStore) UpdateThreadFlags(ctx context.Context, id string, favorite, locked *bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE ghost_threads
		SET is_favorite=COALESCE($2, is_favorite), is_persona_locked=COALESCE($3, is_persona_locked)
		WHERE id=$1
	`, id, favorite, locked)
	if err != nil {
		return false, fmt.Errorf("update thread flags: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// ChangeThreadPersona swaps the assigned persona and records the swap as a
// system message, transactionally with the activity cache update.
func (s *PostgresStore) ChangeThreadPersona(ctx context.Context, threadID, personaID string, note Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin persona change: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE ghost_threads SET persona_id=$2 WHERE id=$1
	`, threadID, personaID); err != nil {
		return fmt.Errorf("update thread persona: %w", err)
	}

	note.ChannelKind = ChannelGhost
	note.ChannelRef = threadID
	message, err := insertMessageTx(ctx, tx, note)
	if err != nil {
		return fmt.Errorf("insert persona change message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ghost_threads SET last_message_at=$2 WHERE id=$1
	`, threadID, message.CreatedAt); err != nil {
		return fmt.Errorf("update thread activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit persona change: %w", err)
	}
	return nil
}

// DeleteThread hard-deletes a thread and its message history, reporting how
// many messages went with it and the media keys of removed attachments.
func (s *PostgresStore) DeleteThread(ctx context.Context, id string) (int64, []string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("begin delete thread: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		DELETE FROM messages WHERE channel_kind='ghost' AND channel_ref=$1
		RETURNING media_key
	`, id)
	if err != nil {
		return 0, nil, fmt.Errorf("delete thread messages: %w", err)
	}
	deleted, keys, err := collectDeletedMedia(rows)
	rows.Close()
	if err != nil {
		return 0, nil, fmt.Errorf("delete thread messages: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM ghost_threads WHERE id=$1`, id); err != nil {
		return 0, nil, fmt.Errorf("delete thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("commit delete thread: %w", err)
	}
	return deleted, keys, nil
}
