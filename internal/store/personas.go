package store

import (
	"context"
	"fmt"
)

const personaColumns = `id, ghost_id, display_name, identity_tag, info, short_bio,
	tone_guidelines, is_active, sort_order, created_at, updated_at`

func scanPersona(row interface{ Scan(...any) error }) (Persona, error) {
	var p Persona
	err := row.Scan(
		&p.ID, &p.GhostID, &p.DisplayName, &p.IdentityTag, &p.Info, &p.ShortBio,
		&p.ToneGuidelines, &p.IsActive, &p.SortOrder, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

func (s *PostgresStore) InsertPersona(ctx context.Context, p Persona) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO personas (id, ghost_id, display_name, identity_tag, info, short_bio, tone_guidelines, is_active, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.GhostID, p.DisplayName, p.IdentityTag, p.Info, p.ShortBio, p.ToneGuidelines, p.IsActive, p.SortOrder)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert persona: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPersona(ctx context.Context, id string) (Persona, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+personaColumns+` FROM personas WHERE id=$1`, id)
	return scanPersona(row)
}

func (s *PostgresStore) GetPersonaByGhostID(ctx context.Context, ghostID string) (Persona, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+personaColumns+` FROM personas WHERE LOWER(ghost_id)=LOWER($1)
	`, ghostID)
	return scanPersona(row)
}

func (s *PostgresStore) GetPersonaByDisplayName(ctx context.Context, displayName string) (Persona, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+personaColumns+` FROM personas WHERE LOWER(display_name)=LOWER($1)
	`, displayName)
	return scanPersona(row)
}

func (s *PostgresStore) ListPersonas(ctx context.Context, activeOnly bool) ([]Persona, error) {
	query := `SELECT ` + personaColumns + ` FROM personas`
	if activeOnly {
		query += ` WHERE is_active=TRUE`
	}
	query += ` ORDER BY sort_order ASC, display_name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()

	var personas []Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		personas = append(personas, p)
	}
	return personas, rows.Err()
}

// UpdatePersona patches the mutable persona fields. ghost_id is intentionally
// not part of the statement.
func (s *PostgresStore) UpdatePersona(ctx context.Context, p Persona) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE personas
		SET display_name=$2, identity_tag=$3, info=$4, short_bio=$5, tone_guidelines=$6,
			is_active=$7, sort_order=$8, updated_at=NOW()
		WHERE id=$1
	`, p.ID, p.DisplayName, p.IdentityTag, p.Info, p.ShortBio, p.ToneGuidelines, p.IsActive, p.SortOrder)
	if isUniqueViolation(err) {
		return false, ErrDuplicate
	}
	if err != nil {
		return false, fmt.Errorf("update persona: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) ListPersonasWithoutGhostID(ctx context.Context) ([]Persona, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+personaColumns+` FROM personas WHERE ghost_id='' ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list personas without ghost id: %w", err)
	}
	defer rows.Close()

	var personas []Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		personas = append(personas, p)
	}
	return personas, rows.Err()
}

func (s *PostgresStore) SetPersonaGhostID(ctx context.Context, id, ghostID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE personas SET ghost_id=$2, updated_at=NOW() WHERE id=$1
	`, id, ghostID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("set persona ghost id: %w", err)
	}
	return nil
}

func (s *PostgresStore) GhostIDExists(ctx context.Context, ghostID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM personas WHERE LOWER(ghost_id)=LOWER($1))
	`, ghostID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check ghost id: %w", err)
	}
	return exists, nil
}

// DeletePersonaCascade removes the persona, its threads and their messages,
// and soft-deletes its community posts as one transaction. Returns the
// thread and message counts plus the ids of the hidden posts so callers can
// drop them from the search index.
func (s *PostgresStore) DeletePersonaCascade(ctx context.Context, personaID string) (threads, messages int64, postIDs []int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("begin persona cascade: %w", err)
	}
	defer tx.Rollback()

	msgResult, err := tx.ExecContext(ctx, `
		DELETE FROM messages
		WHERE channel_kind='ghost'
			AND channel_ref IN (SELECT id FROM ghost_threads WHERE persona_id=$1)
	`, personaID)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("cascade thread messages: %w", err)
	}
	messages, _ = msgResult.RowsAffected()

	threadResult, err := tx.ExecContext(ctx, `DELETE FROM ghost_threads WHERE persona_id=$1`, personaID)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("cascade threads: %w", err)
	}
	threads, _ = threadResult.RowsAffected()

	postRows, err := tx.QueryContext(ctx, `
		UPDATE community_posts SET is_deleted=TRUE
		WHERE author_type='persona' AND author_id=$1 AND is_deleted=FALSE
		RETURNING id
	`, personaID)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("cascade community posts: %w", err)
	}
	for postRows.Next() {
		var id int64
		if err := postRows.Scan(&id); err != nil {
			postRows.Close()
			return 0, 0, nil, fmt.Errorf("scan cascaded post id: %w", err)
		}
		postIDs = append(postIDs, id)
	}
	if err := postRows.Err(); err != nil {
		postRows.Close()
		return 0, 0, nil, fmt.Errorf("cascade community posts: %w", err)
	}
	postRows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM personas WHERE id=$1`, personaID); err != nil {
		return 0, 0, nil, fmt.Errorf("delete persona: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, nil, fmt.Errorf("commit persona cascade: %w", err)
	}
	return threads, messages, postIDs, nil
}
