package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const postColumns = `id, author_type, author_id, author_name, parent_id, content,
	content_masked, is_deleted, created_at`

func scanPost(row interface{ Scan(...any) error }) (CommunityPost, error) {
	var p CommunityPost
	err := row.Scan(
		&p.ID, &p.AuthorType, &p.AuthorID, &p.AuthorName, &p.ParentID,
		&p.Content, &p.ContentMasked, &p.IsDeleted, &p.CreatedAt,
	)
	return p, err
}

func (s *PostgresStore) InsertCommunityPost(ctx context.Context, p CommunityPost) (CommunityPost, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO community_posts (author_type, author_id, author_name, parent_id, content, content_masked)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+postColumns,
		p.AuthorType, p.AuthorID, p.AuthorName, p.ParentID, p.Content, p.ContentMasked,
	)
	created, err := scanPost(row)
	if err != nil {
		return CommunityPost{}, fmt.Errorf("insert community post: %w", err)
	}
	return created, nil
}

// GetCommunityPost only sees live posts; deleted ones read as absent.
func (s *PostgresStore) GetCommunityPost(ctx context.Context, id int64) (CommunityPost, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+postColumns+` FROM community_posts WHERE id=$1 AND is_deleted=FALSE
	`, id)
	return scanPost(row)
}

func (s *PostgresStore) ListRootPosts(ctx context.Context, limit int, matchIDs []int64) ([]CommunityPost, error) {
	query := `
		SELECT ` + postColumns + `,
			(SELECT COUNT(*) FROM community_posts r WHERE r.parent_id=community_posts.id AND r.is_deleted=FALSE)
		FROM community_posts
		WHERE parent_id IS NULL AND is_deleted=FALSE`
	args := []any{limit}
	if matchIDs != nil {
		query += ` AND id=ANY($2)`
		args = append(args, matchIDs)
	}
	query += ` ORDER BY id DESC LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list root posts: %w", err)
	}
	defer rows.Close()

	var posts []CommunityPost
	for rows.Next() {
		var p CommunityPost
		if err := rows.Scan(
			&p.ID, &p.AuthorType, &p.AuthorID, &p.AuthorName, &p.ParentID,
			&p.Content, &p.ContentMasked, &p.IsDeleted, &p.CreatedAt, &p.ReplyCount,
		); err != nil {
			return nil, fmt.Errorf("scan root post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (s *PostgresStore) ListReplies(ctx context.Context, parentID int64, limit int) ([]CommunityPost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+postColumns+` FROM community_posts
		WHERE parent_id=$1 AND is_deleted=FALSE
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, parentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	var posts []CommunityPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// GetCommunitySettings returns the singleton settings row, creating it with
// defaults on first read.
func (s *PostgresStore) GetCommunitySettings(ctx context.Context) (CommunitySettings, error) {
	var settings CommunitySettings
	err := s.db.QueryRowContext(ctx, `
		SELECT title, active_members_display, updated_at FROM community_settings WHERE id=1
	`).Scan(&settings.Title, &settings.ActiveMembersDisplay, &settings.UpdatedAt)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return CommunitySettings{}, fmt.Errorf("read community settings: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO community_settings (id, title, active_members_display)
		VALUES (1, 'community chat.', 89)
		ON CONFLICT (id) DO UPDATE SET id=EXCLUDED.id
		RETURNING title, active_members_display, updated_at
	`).Scan(&settings.Title, &settings.ActiveMembersDisplay, &settings.UpdatedAt)
	if err != nil {
		return CommunitySettings{}, fmt.Errorf("seed community settings: %w", err)
	}
	return settings, nil
}

func (s *PostgresStore) UpdateCommunitySettings(ctx context.Context, settings CommunitySettings) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE community_settings SET title=$1, active_members_display=$2, updated_at=NOW() WHERE id=1
	`, settings.Title, settings.ActiveMembersDisplay)
	if err != nil {
		return fmt.Errorf("update community settings: %w", err)
	}
	return nil
}
