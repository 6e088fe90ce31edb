package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicate reports a uniqueness violation the caller chose not to
// pre-check, e.g. two concurrent persona creates with the same ghost id.
var ErrDuplicate = errors.New("duplicate record")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const userColumns = `id, display_name, email, mobile, password_hash, role, agent_username,
	assigned_agent_name, is_chat_favorite, last_seen_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(
		&user.ID, &user.DisplayName, &user.Email, &user.Mobile, &user.PasswordHash,
		&user.Role, &user.AgentUsername, &user.AssignedAgentName, &user.IsChatFavorite,
		&user.LastSeenAt, &user.CreatedAt, &user.UpdatedAt,
	)
	return user, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, mobile, password_hash, role)
		VALUES ($1, $2, LOWER($3), $4, $5, $6)
	`, user.ID, user.DisplayName, user.Email, user.Mobile, user.PasswordHash, user.Role)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=LOWER($1)`, email)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByMobile(ctx context.Context, mobile string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE mobile=$1 AND mobile <> ''`, mobile)
	return scanUser(row)
}

// EnsureAgent upserts the singleton agent account. The partial unique index
// on role='agent' guarantees at most one row; a lost race re-reads the winner.
func (s *PostgresStore) EnsureAgent(ctx context.Context, agent User) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE role='agent'`)
	existing, err := scanUser(row)
	if err == nil {
		if existing.AgentUsername != agent.AgentUsername || existing.PasswordHash != agent.PasswordHash {
			if _, err := s.db.ExecContext(ctx, `
				UPDATE users SET agent_username=$2, password_hash=$3, updated_at=NOW() WHERE id=$1
			`, existing.ID, agent.AgentUsername, agent.PasswordHash); err != nil {
				return User{}, fmt.Errorf("update agent: %w", err)
			}
			existing.AgentUsername = agent.AgentUsername
			existing.PasswordHash = agent.PasswordHash
		}
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup agent: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, agent_username)
		VALUES ($1, $2, LOWER($3), $4, 'agent', $5)
	`, agent.ID, agent.DisplayName, agent.Email, agent.PasswordHash, agent.AgentUsername)
	if isUniqueViolation(err) {
		row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE role='agent'`)
		return scanUser(row)
	}
	if err != nil {
		return User{}, fmt.Errorf("insert agent: %w", err)
	}
	return s.GetUserByID(ctx, agent.ID)
}

func (s *PostgresStore) GetAgent(ctx context.Context) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE role='agent'`)
	return scanUser(row)
}

func (s *PostgresStore) TouchLastSeen(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen_at=NOW() WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetChatAlias(ctx context.Context, userID, alias string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET assigned_agent_name=$2, updated_at=NOW() WHERE id=$1 AND role='user'
	`, userID, alias)
	if err != nil {
		return false, fmt.Errorf("set chat alias: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) SetChatFavorite(ctx context.Context, userID string, favorite bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_chat_favorite=$2, updated_at=NOW() WHERE id=$1 AND role='user'
	`, userID, favorite)
	if err != nil {
		return false, fmt.Errorf("set chat favorite: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) ListChatUsers(ctx context.Context, filter ChatDirectoryFilter) ([]User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE role='user'`
	args := []any{}
	if filter.FavoritesOnly {
		query += ` AND is_chat_favorite=TRUE`
	}
	if filter.MatchIDs != nil {
		query += fmt.Sprintf(` AND id=ANY($%d)`, len(args)+1)
		args = append(args, filter.MatchIDs)
	} else if filter.Query != "" {
		pattern := "%" + filter.Query + "%"
		query += fmt.Sprintf(` AND (display_name ILIKE $%d OR email ILIKE $%d OR mobile ILIKE $%d)`,
			len(args)+1, len(args)+1, len(args)+1)
		args = append(args, pattern)
	}
	query += ` ORDER BY is_chat_favorite DESC, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chat users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}
