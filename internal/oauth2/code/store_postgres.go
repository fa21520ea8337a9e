package code

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"janus/internal/oauth2/models"
	"janus/pkg/platform/sentinel"
)

const uniqueViolation = "23505"

// PostgresStore persists authorization codes and their parent sessions in
// PostgreSQL. Exactly-once consumption is a plain DELETE checked for exactly
// one affected row; concurrent duplicates lose at the row lock, not in Go.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed code store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO oauth2_sessions (id, client_id, redirect_uri, scope, nonce, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.ClientID, session.RedirectURI, session.Scope, session.Nonce, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("create oauth2 session: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	query := `
		SELECT id, client_id, redirect_uri, scope, nonce, created_at
		FROM oauth2_sessions
		WHERE id = $1
	`
	var session models.Session
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID, &session.ClientID, &session.RedirectURI, &session.Scope, &session.Nonce, &session.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("oauth2 session %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find oauth2 session: %w", err)
	}
	return &session, nil
}

func (s *PostgresStore) Issue(ctx context.Context, c *models.Code) error {
	query := `
		INSERT INTO oauth2_codes (id, oauth2_session_id, code, code_challenge, code_challenge_method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.SessionID, c.Code, nullable(c.CodeChallenge), nullable(c.CodeChallengeMethod), c.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("authorization code value collision: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("issue authorization code: %w", err)
	}
	return nil
}

func (s *PostgresStore) Lookup(ctx context.Context, code string) (*models.CodeLookup, error) {
	query := `
		SELECT oc.id, os.id, os.client_id, os.redirect_uri, os.scope, os.nonce,
		       COALESCE(oc.code_challenge, ''), COALESCE(oc.code_challenge_method, '')
		FROM oauth2_codes oc
		INNER JOIN oauth2_sessions os ON os.id = oc.oauth2_session_id
		WHERE oc.code = $1
	`
	var lookup models.CodeLookup
	err := s.db.QueryRowContext(ctx, query, code).Scan(
		&lookup.ID, &lookup.SessionID, &lookup.ClientID, &lookup.RedirectURI, &lookup.Scope, &lookup.Nonce,
		&lookup.CodeChallenge, &lookup.CodeChallengeMethod)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("authorization code: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup authorization code: %w", err)
	}
	return &lookup, nil
}

func (s *PostgresStore) Consume(ctx context.Context, codeID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth2_codes WHERE id = $1`, codeID)
	if err != nil {
		return fmt.Errorf("consume authorization code: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume authorization code: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("authorization code %s already consumed or unknown: %w", codeID, sentinel.ErrAlreadyUsed)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
