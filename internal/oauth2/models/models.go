// Package models holds the local OAuth2 artifacts this core manages: the
// authorization session a client opened, and the single-use codes bound to it.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is a local OAuth2 authorization session, distinct from an upstream
// federation attempt. Grant negotiation happens elsewhere; this core only
// needs the fields echoed back at code exchange.
type Session struct {
	ID          uuid.UUID
	ClientID    string
	RedirectURI string
	Scope       string
	Nonce       string
	CreatedAt   time.Time
}

// Code is a single-use authorization code. Consumption deletes the row, so a
// second consumption attempt finds nothing to delete and fails.
type Code struct {
	ID                  uuid.UUID
	SessionID           uuid.UUID
	Code                string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
}

// CodeLookup is the single-read join of a code with its parent session, shaped
// for the token endpoint: everything needed to validate the exchange without
// a second query.
type CodeLookup struct {
	ID          uuid.UUID
	SessionID   uuid.UUID
	ClientID    string
	RedirectURI string
	Scope       string
	Nonce       string

	CodeChallenge       string
	CodeChallengeMethod string
}
