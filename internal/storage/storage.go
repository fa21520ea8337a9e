// Package storage defines the unit-of-work the request handlers run inside.
//
// Every request opens exactly one Repository; all reads observe a snapshot
// consistent enough that a login is never resolved against stale link or
// session data. The repository commits with Save only on the success path
// and is aborted with Cancel on every error return, including validation
// failures that merely re-render a form. Resolving twice is a runtime error.
package storage

import (
	"context"

	"github.com/google/uuid"

	upstreammodels "janus/internal/upstream/models"
	usermodels "janus/internal/user/models"
)

// Factory opens units of work.
type Factory interface {
	Begin(ctx context.Context) (Repository, error)
}

// Repository is one transactional scope over all persistent entities. Reads
// return sentinel.ErrNotFound (wrapped) for missing rows; they never
// substitute defaults.
type Repository interface {
	Users() UserRepository
	UserEmails() UserEmailRepository
	BrowserSessions() BrowserSessionRepository
	Terms() TermsRepository
	UpstreamProviders() UpstreamProviderRepository
	UpstreamSessions() UpstreamSessionRepository
	UpstreamLinks() UpstreamLinkRepository

	// Save commits the unit of work. Cancel aborts it. Exactly one of the
	// two must be called, exactly once.
	Save(ctx context.Context) error
	Cancel(ctx context.Context) error
}

// UserRepository owns local user accounts.
type UserRepository interface {
	Lookup(ctx context.Context, id uuid.UUID) (*usermodels.User, error)
	FindByUsername(ctx context.Context, username string) (*usermodels.User, error)
	Exists(ctx context.Context, username string) (bool, error)
	Add(ctx context.Context, username string) (*usermodels.User, error)
}

// UserEmailRepository owns email addresses attached to users.
type UserEmailRepository interface {
	Add(ctx context.Context, userID uuid.UUID, email string) (*usermodels.UserEmail, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]usermodels.UserEmail, error)
}

// BrowserSessionRepository owns logged-in browser sessions and their
// authentication stamps.
type BrowserSessionRepository interface {
	Lookup(ctx context.Context, id uuid.UUID) (*usermodels.BrowserSession, error)
	Add(ctx context.Context, user *usermodels.User, userAgent string) (*usermodels.BrowserSession, error)
	// AuthenticateWithUpstream stamps the browser session as verified by the
	// given consumed upstream session.
	AuthenticateWithUpstream(ctx context.Context, session *usermodels.BrowserSession, upstream *upstreammodels.Session) error
	ListAuthentications(ctx context.Context, sessionID uuid.UUID) ([]UpstreamAuthentication, error)
}

// UpstreamAuthentication is one upstream-verified authentication event on a
// browser session.
type UpstreamAuthentication struct {
	ID                uuid.UUID
	BrowserSessionID  uuid.UUID
	UpstreamSessionID uuid.UUID
	CreatedAt         int64
}

// TermsRepository records terms-of-service acceptances.
type TermsRepository interface {
	AcceptTerms(ctx context.Context, user *usermodels.User, termsURL string) error
}

// UpstreamProviderRepository owns upstream provider configuration. Providers
// are written by admin tooling; this core only reads and seeds them.
type UpstreamProviderRepository interface {
	Lookup(ctx context.Context, id uuid.UUID) (*upstreammodels.Provider, error)
	Add(ctx context.Context, provider *upstreammodels.Provider) error
}

// UpstreamSessionRepository owns federated login attempts.
type UpstreamSessionRepository interface {
	Lookup(ctx context.Context, id uuid.UUID) (*upstreammodels.Session, error)
	Add(ctx context.Context, provider *upstreammodels.Provider, state, nonce string) (*upstreammodels.Session, error)
	// CompleteWithLink records the callback outcome: the resolved link plus
	// the claim bags captured from the provider response.
	CompleteWithLink(ctx context.Context, session *upstreammodels.Session, link *upstreammodels.Link, idToken string, extraCallbackParameters, userinfo map[string]any) (*upstreammodels.Session, error)
	// Consume stamps the session consumed; a second call fails with
	// sentinel.ErrAlreadyUsed, enforced at the storage row level.
	Consume(ctx context.Context, session *upstreammodels.Session) (*upstreammodels.Session, error)
}

// UpstreamLinkRepository owns the durable subject-to-user bindings.
type UpstreamLinkRepository interface {
	Lookup(ctx context.Context, id uuid.UUID) (*upstreammodels.Link, error)
	FindBySubject(ctx context.Context, providerID uuid.UUID, subject string) (*upstreammodels.Link, error)
	Add(ctx context.Context, provider *upstreammodels.Provider, subject string) (*upstreammodels.Link, error)
	// AssociateToUser sets the link's user exactly once; re-associating a
	// bound link is an invalid-state error.
	AssociateToUser(ctx context.Context, link *upstreammodels.Link, user *usermodels.User) error
}
