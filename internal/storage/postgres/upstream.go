package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	upstreammodels "janus/internal/upstream/models"
	usermodels "janus/internal/user/models"
	"janus/pkg/platform/sentinel"
	"janus/pkg/requestcontext"
)

type providerRepo repo

func (r *providerRepo) Lookup(ctx context.Context, id uuid.UUID) (*upstreammodels.Provider, error) {
	var provider upstreammodels.Provider
	var claimsImports []byte
	err := r.tx.QueryRowContext(ctx, `
		SELECT id, client_id, claims_imports, discovery_mode, pkce_mode, created_at
		FROM upstream_providers WHERE id = $1
	`, id).Scan(&provider.ID, &provider.ClientID, &claimsImports, &provider.DiscoveryMode, &provider.PKCEMode, &provider.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("upstream provider %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup upstream provider: %w", err)
	}
	if err := json.Unmarshal(claimsImports, &provider.ClaimsImports); err != nil {
		return nil, fmt.Errorf("decode claims imports: %w", err)
	}
	return &provider, nil
}

func (r *providerRepo) Add(ctx context.Context, provider *upstreammodels.Provider) error {
	if r.resolved {
		return errResolved
	}
	claimsImports, err := json.Marshal(provider.ClaimsImports)
	if err != nil {
		return fmt.Errorf("encode claims imports: %w", err)
	}
	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO upstream_providers (id, client_id, claims_imports, discovery_mode, pkce_mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, provider.ID, provider.ClientID, claimsImports, provider.DiscoveryMode, provider.PKCEMode, provider.CreatedAt)
	if err != nil {
		return fmt.Errorf("add upstream provider: %w", err)
	}
	return nil
}

type upstreamSessionRepo repo

func (r *upstreamSessionRepo) Lookup(ctx context.Context, id uuid.UUID) (*upstreammodels.Session, error) {
	var session upstreammodels.Session
	var linkID uuid.NullUUID
	var idToken sql.NullString
	var userinfo, extraParams []byte
	var consumedAt sql.NullTime
	err := r.tx.QueryRowContext(ctx, `
		SELECT id, provider_id, state, nonce, link_id, id_token, userinfo, extra_callback_parameters, created_at, consumed_at
		FROM upstream_sessions WHERE id = $1
	`, id).Scan(&session.ID, &session.ProviderID, &session.State, &session.Nonce,
		&linkID, &idToken, &userinfo, &extraParams, &session.CreatedAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("upstream session %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup upstream session: %w", err)
	}
	if linkID.Valid {
		session.LinkID = &linkID.UUID
	}
	session.IDToken = idToken.String
	if len(userinfo) > 0 {
		if err := json.Unmarshal(userinfo, &session.Userinfo); err != nil {
			return nil, fmt.Errorf("decode userinfo: %w", err)
		}
	}
	if len(extraParams) > 0 {
		if err := json.Unmarshal(extraParams, &session.ExtraCallbackParameters); err != nil {
			return nil, fmt.Errorf("decode extra callback parameters: %w", err)
		}
	}
	if consumedAt.Valid {
		session.ConsumedAt = &consumedAt.Time
	}
	return &session, nil
}

func (r *upstreamSessionRepo) Add(ctx context.Context, provider *upstreammodels.Provider, state, nonce string) (*upstreammodels.Session, error) {
	if r.resolved {
		return nil, errResolved
	}
	session := upstreammodels.Session{
		ID:         uuid.New(),
		ProviderID: provider.ID,
		State:      state,
		Nonce:      nonce,
		CreatedAt:  requestcontext.Now(ctx),
	}
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO upstream_sessions (id, provider_id, state, nonce, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, session.ID, session.ProviderID, session.State, session.Nonce, session.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("add upstream session: %w", err)
	}
	return &session, nil
}

func (r *upstreamSessionRepo) CompleteWithLink(ctx context.Context, session *upstreammodels.Session, link *upstreammodels.Link, idToken string, extraCallbackParameters, userinfo map[string]any) (*upstreammodels.Session, error) {
	if r.resolved {
		return nil, errResolved
	}
	extraJSON, err := marshalOptional(extraCallbackParameters)
	if err != nil {
		return nil, fmt.Errorf("encode extra callback parameters: %w", err)
	}
	userinfoJSON, err := marshalOptional(userinfo)
	if err != nil {
		return nil, fmt.Errorf("encode userinfo: %w", err)
	}
	res, err := r.tx.ExecContext(ctx, `
		UPDATE upstream_sessions
		SET link_id = $2, id_token = $3, extra_callback_parameters = $4, userinfo = $5
		WHERE id = $1 AND link_id IS NULL
	`, session.ID, link.ID, nullable(idToken), extraJSON, userinfoJSON)
	if err != nil {
		return nil, fmt.Errorf("complete upstream session: %w", err)
	}
	if err := exactlyOne(res, fmt.Sprintf("upstream session %s already completed", session.ID), sentinel.ErrInvalidState); err != nil {
		return nil, err
	}
	updated := *session
	linkID := link.ID
	updated.LinkID = &linkID
	updated.IDToken = idToken
	updated.ExtraCallbackParameters = extraCallbackParameters
	updated.Userinfo = userinfo
	return &updated, nil
}

func (r *upstreamSessionRepo) Consume(ctx context.Context, session *upstreammodels.Session) (*upstreammodels.Session, error) {
	if r.resolved {
		return nil, errResolved
	}
	now := requestcontext.Now(ctx)
	res, err := r.tx.ExecContext(ctx, `
		UPDATE upstream_sessions SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL
	`, session.ID, now)
	if err != nil {
		return nil, fmt.Errorf("consume upstream session: %w", err)
	}
	if err := exactlyOne(res, fmt.Sprintf("upstream session %s", session.ID), sentinel.ErrAlreadyUsed); err != nil {
		return nil, err
	}
	updated := *session
	consumedAt := now
	updated.ConsumedAt = &consumedAt
	return &updated, nil
}

type linkRepo repo

func (r *linkRepo) Lookup(ctx context.Context, id uuid.UUID) (*upstreammodels.Link, error) {
	return r.scanLink(r.tx.QueryRowContext(ctx, `
		SELECT id, provider_id, subject, user_id, created_at FROM upstream_links WHERE id = $1
	`, id), fmt.Sprintf("upstream link %s", id))
}

func (r *linkRepo) FindBySubject(ctx context.Context, providerID uuid.UUID, subject string) (*upstreammodels.Link, error) {
	return r.scanLink(r.tx.QueryRowContext(ctx, `
		SELECT id, provider_id, subject, user_id, created_at FROM upstream_links
		WHERE provider_id = $1 AND subject = $2
	`, providerID, subject), fmt.Sprintf("upstream link for subject %q", subject))
}

func (r *linkRepo) scanLink(row *sql.Row, what string) (*upstreammodels.Link, error) {
	var link upstreammodels.Link
	var userID uuid.NullUUID
	err := row.Scan(&link.ID, &link.ProviderID, &link.Subject, &userID, &link.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", what, err)
	}
	if userID.Valid {
		link.UserID = &userID.UUID
	}
	return &link, nil
}

func (r *linkRepo) Add(ctx context.Context, provider *upstreammodels.Provider, subject string) (*upstreammodels.Link, error) {
	if r.resolved {
		return nil, errResolved
	}
	link := upstreammodels.Link{
		ID:         uuid.New(),
		ProviderID: provider.ID,
		Subject:    subject,
		CreatedAt:  requestcontext.Now(ctx),
	}
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO upstream_links (id, provider_id, subject, created_at) VALUES ($1, $2, $3, $4)
	`, link.ID, link.ProviderID, link.Subject, link.CreatedAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("subject %q for provider %s: %w", subject, provider.ID, sentinel.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("add upstream link: %w", err)
	}
	return &link, nil
}

func (r *linkRepo) AssociateToUser(ctx context.Context, link *upstreammodels.Link, user *usermodels.User) error {
	if r.resolved {
		return errResolved
	}
	res, err := r.tx.ExecContext(ctx, `
		UPDATE upstream_links SET user_id = $2 WHERE id = $1 AND user_id IS NULL
	`, link.ID, user.ID)
	if err != nil {
		return fmt.Errorf("associate upstream link: %w", err)
	}
	if err := exactlyOne(res, fmt.Sprintf("upstream link %s already bound", link.ID), sentinel.ErrInvalidState); err != nil {
		return err
	}
	userID := user.ID
	link.UserID = &userID
	return nil
}

func marshalOptional(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func exactlyOne(res sql.Result, what string, sentinelErr error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if affected != 1 {
		return fmt.Errorf("%s: %w", what, sentinelErr)
	}
	return nil
}
