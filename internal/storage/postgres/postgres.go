// Package postgres implements the storage unit-of-work on a SQL transaction.
// Exactly-once transitions (session consumption, link association) are
// conditional UPDATEs checked for exactly one affected row, so concurrent
// duplicate requests are resolved by the database, not by in-process locks.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"janus/internal/storage"
	upstreammodels "janus/internal/upstream/models"
	usermodels "janus/internal/user/models"
	"janus/pkg/platform/sentinel"
	"janus/pkg/requestcontext"
)

const uniqueViolation = "23505"

// Factory opens SQL-transaction-backed units of work.
type Factory struct {
	db *sql.DB
}

// NewFactory constructs a factory over an open database handle.
func NewFactory(db *sql.DB) *Factory {
	return &Factory{db: db}
}

func (f *Factory) Begin(ctx context.Context) (storage.Repository, error) {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin unit of work: %w", err)
	}
	return &repo{tx: tx}, nil
}

type repo struct {
	tx       *sql.Tx
	resolved bool
}

var errResolved = fmt.Errorf("unit of work already resolved: %w", sentinel.ErrInvalidState)

func (r *repo) Save(context.Context) error {
	if r.resolved {
		return errResolved
	}
	r.resolved = true
	if err := r.tx.Commit(); err != nil {
		return fmt.Errorf("commit unit of work: %w", err)
	}
	return nil
}

func (r *repo) Cancel(context.Context) error {
	if r.resolved {
		return errResolved
	}
	r.resolved = true
	if err := r.tx.Rollback(); err != nil {
		return fmt.Errorf("abort unit of work: %w", err)
	}
	return nil
}

func (r *repo) Users() storage.UserRepository                     { return (*userRepo)(r) }
func (r *repo) UserEmails() storage.UserEmailRepository           { return (*emailRepo)(r) }
func (r *repo) BrowserSessions() storage.BrowserSessionRepository { return (*sessionRepo)(r) }
func (r *repo) Terms() storage.TermsRepository                    { return (*termsRepo)(r) }
func (r *repo) UpstreamProviders() storage.UpstreamProviderRepository {
	return (*providerRepo)(r)
}
func (r *repo) UpstreamSessions() storage.UpstreamSessionRepository {
	return (*upstreamSessionRepo)(r)
}
func (r *repo) UpstreamLinks() storage.UpstreamLinkRepository { return (*linkRepo)(r) }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type userRepo repo

func (r *userRepo) Lookup(ctx context.Context, id uuid.UUID) (*usermodels.User, error) {
	return r.scanUser(r.tx.QueryRowContext(ctx, `
		SELECT id, username, created_at, locked_at FROM users WHERE id = $1
	`, id), fmt.Sprintf("user %s", id))
}

func (r *userRepo) FindByUsername(ctx context.Context, username string) (*usermodels.User, error) {
	return r.scanUser(r.tx.QueryRowContext(ctx, `
		SELECT id, username, created_at, locked_at FROM users WHERE username = $1
	`, username), fmt.Sprintf("user %q", username))
}

func (r *userRepo) scanUser(row *sql.Row, what string) (*usermodels.User, error) {
	var user usermodels.User
	var lockedAt sql.NullTime
	err := row.Scan(&user.ID, &user.Username, &user.CreatedAt, &lockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", what, err)
	}
	if lockedAt.Valid {
		user.LockedAt = &lockedAt.Time
	}
	return &user, nil
}

func (r *userRepo) Exists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)
	`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check username %q: %w", username, err)
	}
	return exists, nil
}

func (r *userRepo) Add(ctx context.Context, username string) (*usermodels.User, error) {
	if r.resolved {
		return nil, errResolved
	}
	user := usermodels.User{
		ID:        uuid.New(),
		Username:  username,
		CreatedAt: requestcontext.Now(ctx),
	}
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO users (id, username, created_at) VALUES ($1, $2, $3)
	`, user.ID, user.Username, user.CreatedAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("username %q: %w", username, sentinel.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("add user: %w", err)
	}
	return &user, nil
}

type emailRepo repo

func (r *emailRepo) Add(ctx context.Context, userID uuid.UUID, email string) (*usermodels.UserEmail, error) {
	if r.resolved {
		return nil, errResolved
	}
	record := usermodels.UserEmail{
		ID:        uuid.New(),
		UserID:    userID,
		Email:     email,
		CreatedAt: requestcontext.Now(ctx),
	}
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO user_emails (id, user_id, email, created_at) VALUES ($1, $2, $3, $4)
	`, record.ID, record.UserID, record.Email, record.CreatedAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("email %q for user %s: %w", email, userID, sentinel.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("add user email: %w", err)
	}
	return &record, nil
}

func (r *emailRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]usermodels.UserEmail, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, user_id, email, created_at FROM user_emails WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user emails: %w", err)
	}
	defer rows.Close()

	var emails []usermodels.UserEmail
	for rows.Next() {
		var record usermodels.UserEmail
		if err := rows.Scan(&record.ID, &record.UserID, &record.Email, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user email: %w", err)
		}
		emails = append(emails, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list user emails: %w", err)
	}
	return emails, nil
}

type sessionRepo repo

func (r *sessionRepo) Lookup(ctx context.Context, id uuid.UUID) (*usermodels.BrowserSession, error) {
	var session usermodels.BrowserSession
	var finishedAt, lastActiveAt, lockedAt sql.NullTime
	var lastActiveIP sql.NullString
	var rawUserAgent string
	err := r.tx.QueryRowContext(ctx, `
		SELECT bs.id, bs.created_at, bs.finished_at, bs.user_agent, bs.last_active_at, bs.last_active_ip,
		       u.id, u.username, u.created_at, u.locked_at
		FROM browser_sessions bs
		INNER JOIN users u ON u.id = bs.user_id
		WHERE bs.id = $1
	`, id).Scan(
		&session.ID, &session.CreatedAt, &finishedAt, &rawUserAgent, &lastActiveAt, &lastActiveIP,
		&session.User.ID, &session.User.Username, &session.User.CreatedAt, &lockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("browser session %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup browser session: %w", err)
	}
	session.UserAgent = usermodels.ParseUserAgent(rawUserAgent)
	if finishedAt.Valid {
		session.FinishedAt = &finishedAt.Time
	}
	if lastActiveAt.Valid {
		session.LastActiveAt = &lastActiveAt.Time
	}
	session.LastActiveIP = lastActiveIP.String
	if lockedAt.Valid {
		session.User.LockedAt = &lockedAt.Time
	}
	return &session, nil
}

func (r *sessionRepo) Add(ctx context.Context, user *usermodels.User, userAgent string) (*usermodels.BrowserSession, error) {
	if r.resolved {
		return nil, errResolved
	}
	session := usermodels.BrowserSession{
		ID:        uuid.New(),
		User:      *user,
		CreatedAt: requestcontext.Now(ctx),
		UserAgent: usermodels.ParseUserAgent(userAgent),
	}
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO browser_sessions (id, user_id, created_at, user_agent) VALUES ($1, $2, $3, $4)
	`, session.ID, user.ID, session.CreatedAt, session.UserAgent.Raw)
	if err != nil {
		return nil, fmt.Errorf("add browser session: %w", err)
	}
	return &session, nil
}

func (r *sessionRepo) AuthenticateWithUpstream(ctx context.Context, session *usermodels.BrowserSession, upstream *upstreammodels.Session) error {
	if r.resolved {
		return errResolved
	}
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO browser_session_authentications (id, browser_session_id, upstream_session_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), session.ID, upstream.ID, requestcontext.Now(ctx))
	if err != nil {
		return fmt.Errorf("record upstream authentication: %w", err)
	}
	return nil
}

func (r *sessionRepo) ListAuthentications(ctx context.Context, sessionID uuid.UUID) ([]storage.UpstreamAuthentication, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, browser_session_id, upstream_session_id, EXTRACT(EPOCH FROM created_at)::bigint
		FROM browser_session_authentications
		WHERE browser_session_id = $1
		ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session authentications: %w", err)
	}
	defer rows.Close()

	var auths []storage.UpstreamAuthentication
	for rows.Next() {
		var a storage.UpstreamAuthentication
		if err := rows.Scan(&a.ID, &a.BrowserSessionID, &a.UpstreamSessionID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session authentication: %w", err)
		}
		auths = append(auths, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list session authentications: %w", err)
	}
	return auths, nil
}

type termsRepo repo

func (r *termsRepo) AcceptTerms(ctx context.Context, user *usermodels.User, termsURL string) error {
	if r.resolved {
		return errResolved
	}
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO user_terms (id, user_id, terms_url, created_at) VALUES ($1, $2, $3, $4)
	`, uuid.New(), user.ID, termsURL, requestcontext.Now(ctx))
	if err != nil {
		return fmt.Errorf("record terms acceptance: %w", err)
	}
	return nil
}
