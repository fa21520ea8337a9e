// Package models holds the local user aggregate: users, their email
// addresses, browser sessions, and terms-of-service acceptances. Entities
// reference each other by ID only; joins happen through the repository.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"
)

// User is a local account. Users are created by registration and are never
// hard-deleted here; locking is an admin action recorded in LockedAt.
type User struct {
	ID        uuid.UUID
	Username  string
	CreatedAt time.Time
	LockedAt  *time.Time
}

// IsValid reports whether the user may authenticate. A locked user is kept on
// record but fails every validity check.
func (u *User) IsValid() bool {
	return u.LockedAt == nil
}

// UserEmail is one email address attached to a user. A user may have many;
// uniqueness of (user, email) is enforced by the owning repository.
type UserEmail struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Email     string
	CreatedAt time.Time
}

// UserAgent is the client software behind a browser session, parsed once at
// session creation. Raw is what went over the wire and what gets persisted;
// the rest is derived and recomputed on load.
type UserAgent struct {
	Raw     string
	Name    string
	Version string
	OS      string
	Mobile  bool
}

// ParseUserAgent breaks a User-Agent header down into its parts. An empty or
// unrecognized header still yields a usable value carrying the raw string.
func ParseUserAgent(raw string) UserAgent {
	ua := useragent.New(raw)
	name, version := ua.Browser()
	return UserAgent{
		Raw:     raw,
		Name:    name,
		Version: version,
		OS:      ua.OS(),
		Mobile:  ua.Mobile(),
	}
}

// BrowserSession is a logged-in browser. It snapshots the user at load time
// so validity checks don't need a second lookup.
type BrowserSession struct {
	ID           uuid.UUID
	User         User
	CreatedAt    time.Time
	FinishedAt   *time.Time
	UserAgent    UserAgent
	LastActiveAt *time.Time
	LastActiveIP string
}

// Active reports whether the session can still authenticate requests: it must
// not be finished and its user must still be valid.
func (s *BrowserSession) Active() bool {
	return s.FinishedAt == nil && s.User.IsValid()
}

// TermsAcceptance records that a user accepted a terms-of-service document.
type TermsAcceptance struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TermsURL  string
	CreatedAt time.Time
}
