// Package code persists and consumes single-use OAuth2 authorization codes.
package code

import (
	"context"

	"github.com/google/uuid"

	"janus/internal/oauth2/models"
)

// Error contract:
// - Lookup returns sentinel.ErrNotFound (wrapped) when the code is unknown,
//   so the token endpoint can answer invalid_grant instead of 500.
// - Issue returns sentinel.ErrConflict (wrapped) on a duplicate code value;
//   the caller regenerates with fresh entropy.
// - Consume returns sentinel.ErrAlreadyUsed (wrapped) when no row was
//   affected: the code was consumed concurrently or never existed. This is
//   the exactly-once enforcement point and relies on the storage engine's
//   row-level atomicity, not in-process locking.
type Store interface {
	Issue(ctx context.Context, c *models.Code) error
	Lookup(ctx context.Context, code string) (*models.CodeLookup, error)
	Consume(ctx context.Context, codeID uuid.UUID) error
}

// SessionStore persists the parent authorization sessions. Only creation and
// lookup are needed here; the rest of the session lifecycle is owned by the
// authorization endpoint.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	FindSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
}
