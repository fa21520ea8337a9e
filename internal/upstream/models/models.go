// Package models holds the upstream federation entities: provider
// configuration, per-attempt sessions, and the durable subject-to-user links.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"janus/pkg/platform/sentinel"
)

// ImportAction controls how strongly an upstream claim drives the
// corresponding local attribute at registration time.
type ImportAction string

const (
	// ImportIgnore never imports the claim.
	ImportIgnore ImportAction = "ignore"
	// ImportSuggest imports the claim only when the user opts in.
	ImportSuggest ImportAction = "import"
	// ImportForce always imports the claim; it must render non-empty.
	ImportForce ImportAction = "force"
)

// ImportPreference is the per-attribute import policy. Template, when set,
// overrides the attribute's default mapping template.
type ImportPreference struct {
	Action   ImportAction
	Template string
}

// Ignore reports whether the attribute is never imported.
func (p ImportPreference) Ignore() bool { return p.Action == ImportIgnore || p.Action == "" }

// IsForced reports whether the imported value overrides user input.
func (p ImportPreference) IsForced() bool { return p.Action == ImportForce }

// IsRequired reports whether a missing or empty rendered value aborts the
// flow. Only forced attributes are required.
func (p ImportPreference) IsRequired() bool { return p.Action == ImportForce }

// ShouldImport reports whether the attribute gets imported given the user's
// opt-in choice.
func (p ImportPreference) ShouldImport(optedIn bool) bool {
	return p.Action == ImportForce || (p.Action == ImportSuggest && optedIn)
}

// ClaimsImports groups the import preferences for the attributes rendered at
// registration time.
type ClaimsImports struct {
	Localpart   ImportPreference
	DisplayName ImportPreference
	Email       ImportPreference
}

// Provider is the configuration of one upstream identity provider. Providers
// are admin-managed and immutable once created.
type Provider struct {
	ID            uuid.UUID
	ClientID      string
	ClaimsImports ClaimsImports
	DiscoveryMode string
	PKCEMode      string
	CreatedAt     time.Time
}

// Session is one federated login attempt against a provider. It is created
// when the browser is redirected upstream, completed with a link when the
// callback resolves the subject, and consumed exactly once when a local
// session is established from it.
type Session struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	State      string
	Nonce      string
	LinkID     *uuid.UUID
	IDToken    string
	Userinfo   map[string]any
	// ExtraCallbackParameters carries non-standard parameters the provider
	// sent on the callback (e.g. Apple's "user" blob).
	ExtraCallbackParameters map[string]any
	CreatedAt               time.Time
	ConsumedAt              *time.Time
}

// IsConsumed reports whether the attempt already produced a local session.
func (s *Session) IsConsumed() bool { return s.ConsumedAt != nil }

// Consume stamps the session as consumed. Consuming twice is an error; the
// storage layer additionally enforces this at the row level for concurrent
// duplicate callbacks.
func (s *Session) Consume(now time.Time) error {
	if s.ConsumedAt != nil {
		return fmt.Errorf("upstream session %s: %w", s.ID, sentinel.ErrAlreadyUsed)
	}
	t := now
	s.ConsumedAt = &t
	return nil
}

// Link is the durable binding between an upstream subject and a local user.
// The subject is unique per provider. UserID stays nil until the first
// successful login decides the binding, and is set exactly once; re-binding
// to a different user requires an explicit unlink elsewhere.
type Link struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	Subject    string
	UserID     *uuid.UUID
	CreatedAt  time.Time
}
