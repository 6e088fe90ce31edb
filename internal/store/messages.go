package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `id, channel_kind, channel_ref, sender_role, sender_label, type, content,
	media_key, media_name, status, read_by_user, read_by_agent, deleted_at, deleted_by_agent,
	content_masked, moderation_note, created_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var m Message
	err := row.Scan(
		&m.ID, &m.ChannelKind, &m.ChannelRef, &m.SenderRole, &m.SenderLabel, &m.Type,
		&m.Content, &m.MediaKey, &m.MediaName, &m.Status, &m.ReadByUser, &m.ReadByAgent,
		&m.DeletedAt, &m.DeletedByAgent, &m.ContentMasked, &m.ModerationNote, &m.CreatedAt,
	)
	return m, err
}

func insertMessageTx(ctx context.Context, tx *sql.Tx, m Message) (Message, error) {
	row := tx.QueryRowContext(ctx, `
		INSERT INTO messages (channel_kind, channel_ref, sender_role, sender_label, type, content,
			media_key, media_name, read_by_user, read_by_agent, content_masked, moderation_note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+messageColumns,
		m.ChannelKind, m.ChannelRef, m.SenderRole, m.SenderLabel, m.Type, m.Content,
		m.MediaKey, m.MediaName, m.ReadByUser, m.ReadByAgent, m.ContentMasked, m.ModerationNote,
	)
	return scanMessage(row)
}

// CreateMessage inserts a message and, for ghost threads, refreshes the
// thread's last activity cache in the same transaction.
func (s *PostgresStore) CreateMessage(ctx context.Context, m Message) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin create message: %w", err)
	}
	defer tx.Rollback()

	created, err := insertMessageTx(ctx, tx, m)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if m.ChannelKind == ChannelGhost {
		if _, err := tx.ExecContext(ctx, `
			UPDATE ghost_threads SET last_message_at=$2 WHERE id=$1
		`, m.ChannelRef, created.CreatedAt); err != nil {
			return Message{}, fmt.Errorf("update thread activity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit create message: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetActiveMessage(ctx context.Context, id int64) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id=$1 AND status='active'
	`, id)
	return scanMessage(row)
}

// WithdrawMessage marks a message deleted for everyone. The predicate only
// matches active rows, so a repeat withdraw reports false.
func (s *PostgresStore) WithdrawMessage(ctx context.Context, id int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status='withdrawn', deleted_by_agent=TRUE, deleted_at=NOW()
		WHERE id=$1 AND status='active'
	`, id)
	if err != nil {
		return false, fmt.Errorf("withdraw message: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) listMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) ListMessagesSince(ctx context.Context, kind, ref string, sinceID int64) ([]Message, error) {
	return s.listMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE channel_kind=$1 AND channel_ref=$2 AND status='active' AND id > $3
		ORDER BY id ASC
	`, kind, ref, sinceID)
}

func (s *PostgresStore) ListMessagesSinceTime(ctx context.Context, kind, ref string, since time.Time) ([]Message, error) {
	return s.listMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE channel_kind=$1 AND channel_ref=$2 AND status='active' AND created_at > $3
		ORDER BY id ASC
	`, kind, ref, since)
}

// ListMessagesTail returns the most recent limit messages in ascending id
// order. The inner query walks the channel index backwards, the outer one
// restores insertion order.
func (s *PostgresStore) ListMessagesTail(ctx context.Context, kind, ref string, limit int) ([]Message, error) {
	return s.listMessages(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE channel_kind=$1 AND channel_ref=$2 AND status='active'
			ORDER BY id DESC
			LIMIT $3
		) tail
		ORDER BY id ASC
	`, kind, ref, limit)
}

// MarkMessagesRead flips the reader's flag for every unread, active message
// in the channel authored by someone else. Covers the whole channel, not a
// fetch window, so concurrent fetches with different filters converge.
func (s *PostgresStore) MarkMessagesRead(ctx context.Context, kind, ref, readerRole string) (int64, error) {
	var result sql.Result
	var err error
	switch readerRole {
	case RoleAgent:
		result, err = s.db.ExecContext(ctx, `
			UPDATE messages SET read_by_agent=TRUE
			WHERE channel_kind=$1 AND channel_ref=$2 AND status='active'
				AND sender_role='user' AND read_by_agent=FALSE
		`, kind, ref)
	case RoleUser:
		result, err = s.db.ExecContext(ctx, `
			UPDATE messages SET read_by_user=TRUE
			WHERE channel_kind=$1 AND channel_ref=$2 AND status='active'
				AND sender_role <> 'user' AND read_by_user=FALSE
		`, kind, ref)
	default:
		return 0, fmt.Errorf("mark messages read: unknown role %q", readerRole)
	}
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context, kind, ref, forRole string) (int, error) {
	var query string
	switch forRole {
	case RoleAgent:
		query = `
			SELECT COUNT(*) FROM messages
			WHERE channel_kind=$1 AND channel_ref=$2 AND status='active'
				AND sender_role='user' AND read_by_agent=FALSE`
	case RoleUser:
		query = `
			SELECT COUNT(*) FROM messages
			WHERE channel_kind=$1 AND channel_ref=$2 AND status='active'
				AND sender_role <> 'user' AND read_by_user=FALSE`
	default:
		return 0, fmt.Errorf("unread count: unknown role %q", forRole)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, kind, ref).Scan(&count); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) LastVisibleMessage(ctx context.Context, kind, ref string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE channel_kind=$1 AND channel_ref=$2 AND status='active'
		ORDER BY id DESC
		LIMIT 1
	`, kind, ref)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last visible message: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) ListMediaMessages(ctx context.Context, kind, ref string, limit int) ([]Message, error) {
	return s.listMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE channel_kind=$1 AND channel_ref=$2 AND status='active' AND type='media'
		ORDER BY id DESC
		LIMIT $3
	`, kind, ref, limit)
}

// DeleteChannelMessages hard-deletes an entire channel's history. Used by the
// agent's clear-chat action, not by delete-for-everyone. Returns the media
// keys of removed attachments so callers can drop the stored objects too.
func (s *PostgresStore) DeleteChannelMessages(ctx context.Context, kind, ref string) (int64, []string, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM messages WHERE channel_kind=$1 AND channel_ref=$2
		RETURNING media_key
	`, kind, ref)
	if err != nil {
		return 0, nil, fmt.Errorf("delete channel messages: %w", err)
	}
	defer rows.Close()
	return collectDeletedMedia(rows)
}

func collectDeletedMedia(rows *sql.Rows) (int64, []string, error) {
	var deleted int64
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return 0, nil, fmt.Errorf("scan deleted media key: %w", err)
		}
		deleted++
		if key != "" {
			keys = append(keys, key)
		}
	}
	return deleted, keys, rows.Err()
}

func (s *PostgresStore) InsertModerationEvent(ctx context.Context, event ModerationEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO moderation_events (actor_id, context, action, reason, channel_ref, original_excerpt, sanitized_excerpt)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.ActorID, event.Context, event.Action, event.Reason, event.ChannelRef, event.OriginalExcerpt, event.SanitizedExcerpt)
	if err != nil {
		return fmt.Errorf("insert moderation event: %w", err)
	}
	return nil
}
