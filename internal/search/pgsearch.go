package search

import (
	"context"
	"database/sql"
	"fmt"
)

// PgSearch answers member and post queries straight from Postgres with ILIKE
// matching. It is the fallback when Meilisearch is down and the source of
// truth for full reindexes.
type PgSearch struct {
	db *sql.DB
}

// NewPgSearch creates a Postgres-backed searcher.
func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

// SearchMembers returns IDs of end users whose name, email, or mobile matches.
func (p *PgSearch) SearchMembers(query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := p.db.QueryContext(context.Background(), `
		SELECT id FROM users
		WHERE role = 'user'
		  AND (display_name ILIKE $1 OR email ILIKE $1 OR mobile ILIKE $1)
		ORDER BY created_at DESC
		LIMIT $2`,
		"%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("pg member search: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pg member search scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SearchPosts returns IDs of root community posts whose body matches.
func (p *PgSearch) SearchPosts(query string, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := p.db.QueryContext(context.Background(), `
		SELECT id FROM community_posts
		WHERE parent_id IS NULL
		  AND is_deleted = FALSE
		  AND content ILIKE $1
		ORDER BY id DESC
		LIMIT $2`,
		"%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("pg post search: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pg post search scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadAllRecords returns all indexable members and posts for full reindexing.
func (p *PgSearch) LoadAllRecords(ctx context.Context) ([]MemberRecord, []PostRecord, error) {
	memberRows, err := p.db.QueryContext(ctx, `
		SELECT id, display_name, email, COALESCE(mobile, '')
		FROM users
		WHERE role = 'user'
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load members: %w", err)
	}
	defer memberRows.Close()

	members := make([]MemberRecord, 0)
	for memberRows.Next() {
		var m MemberRecord
		if err := memberRows.Scan(&m.ID, &m.DisplayName, &m.Email, &m.Mobile); err != nil {
			return nil, nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := memberRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate members: %w", err)
	}

	postRows, err := p.db.QueryContext(ctx, `
		SELECT id, content, author_name, parent_id IS NULL
		FROM community_posts
		WHERE is_deleted = FALSE
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load posts: %w", err)
	}
	defer postRows.Close()

	posts := make([]PostRecord, 0)
	for postRows.Next() {
		var rec PostRecord
		if err := postRows.Scan(&rec.ID, &rec.Body, &rec.AuthorName, &rec.IsRoot); err != nil {
			return nil, nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, rec)
	}
	if err := postRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate posts: %w", err)
	}

	return members, posts, nil
}
