package store

import (
	"context"
	"fmt"
)

const announcementColumns = `id, scope, target_user_id, title, body, is_active, created_at, updated_at`

func scanAnnouncement(row interface{ Scan(...any) error }) (Announcement, error) {
	var a Announcement
	err := row.Scan(&a.ID, &a.Scope, &a.TargetUserID, &a.Title, &a.Body, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (s *PostgresStore) InsertAnnouncement(ctx context.Context, a Announcement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO announcements (id, scope, target_user_id, title, body, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.Scope, a.TargetUserID, a.Title, a.Body, a.IsActive)
	if err != nil {
		return fmt.Errorf("insert announcement: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAnnouncement(ctx context.Context, id string) (Announcement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+announcementColumns+` FROM announcements WHERE id=$1`, id)
	return scanAnnouncement(row)
}

func (s *PostgresStore) CountActiveAnnouncements(ctx context.Context, scope, targetUserID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM announcements
		WHERE scope=$1 AND is_active=TRUE AND ($2='' OR target_user_id=$2)
	`, scope, targetUserID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active announcements: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListAnnouncementsForUser(ctx context.Context, userID string, limit int) ([]Announcement, error) {
	return s.listAnnouncements(ctx, `
		SELECT `+announcementColumns+` FROM announcements
		WHERE is_active=TRUE AND (scope='global' OR (scope='private' AND target_user_id=$1))
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
}

func (s *PostgresStore) ListAllAnnouncements(ctx context.Context) ([]Announcement, error) {
	return s.listAnnouncements(ctx, `
		SELECT `+announcementColumns+` FROM announcements ORDER BY created_at DESC
	`)
}

func (s *PostgresStore) listAnnouncements(ctx context.Context, query string, args ...any) ([]Announcement, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list announcements: %w", err)
	}
	defer rows.Close()

	var items []Announcement
	for rows.Next() {
		a, err := scanAnnouncement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan announcement: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateAnnouncement(ctx context.Context, a Announcement) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE announcements SET title=$2, body=$3, is_active=$4, updated_at=NOW() WHERE id=$1
	`, a.ID, a.Title, a.Body, a.IsActive)
	if err != nil {
		return false, fmt.Errorf("update announcement: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) DeleteAnnouncement(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM announcements WHERE id=$1`, id)
	if err != nil {
		return false, fmt.Errorf("delete announcement: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}
