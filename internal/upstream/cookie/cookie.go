// Package cookie implements the client-held, tamper-evident map of in-flight
// upstream login attempts. The cookie is a hint for cross-request
// correlation, never an authority: every server-side action re-validates the
// link/session invariants before writing anything, so a forged or stale
// cookie degrades to a not-found error at worst.
package cookie

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Name is the cookie name used on the wire.
const Name = "upstream_sessions"

// ErrLinkNotTracked is returned when an operation references a link or
// session the cookie never started tracking.
var ErrLinkNotTracked = errors.New("link not tracked by session cookie")

// Entry correlates one upstream login attempt across the redirect round trip.
// Multiple concurrent attempts (multiple tabs) coexist keyed by session ID.
type Entry struct {
	SessionID      uuid.UUID  `json:"session"`
	ProviderID     uuid.UUID  `json:"provider"`
	State          string     `json:"state"`
	LinkID         *uuid.UUID `json:"link,omitempty"`
	PostAuthAction string     `json:"next,omitempty"`
	AddedAt        int64      `json:"at"`
}

// Sessions is the decoded cookie content. The zero value is a valid empty
// set; mutating methods return a new value.
type Sessions struct {
	entries []Entry
}

// Add appends a new in-flight attempt.
func (s Sessions) Add(sessionID, providerID uuid.UUID, state, postAuthAction string, now time.Time) Sessions {
	entries := append(append([]Entry(nil), s.entries...), Entry{
		SessionID:      sessionID,
		ProviderID:     providerID,
		State:          state,
		PostAuthAction: postAuthAction,
		AddedAt:        now.Unix(),
	})
	return Sessions{entries: entries}
}

// AddLinkToSession attaches a resolved link to a tracked attempt. A link can
// only be attached to an attempt this cookie started.
func (s Sessions) AddLinkToSession(sessionID, linkID uuid.UUID) (Sessions, error) {
	entries := append([]Entry(nil), s.entries...)
	for i := range entries {
		if entries[i].SessionID == sessionID {
			id := linkID
			entries[i].LinkID = &id
			return Sessions{entries: entries}, nil
		}
	}
	return Sessions{}, fmt.Errorf("session %s: %w", sessionID, ErrLinkNotTracked)
}

// LookupLink resolves the upstream session and post-auth action for a link.
func (s Sessions) LookupLink(linkID uuid.UUID) (uuid.UUID, string, error) {
	for _, e := range s.entries {
		if e.LinkID != nil && *e.LinkID == linkID {
			return e.SessionID, e.PostAuthAction, nil
		}
	}
	return uuid.Nil, "", fmt.Errorf("link %s: %w", linkID, ErrLinkNotTracked)
}

// FindByState resolves a tracked attempt by provider and state, as needed by
// the upstream callback before any link exists.
func (s Sessions) FindByState(providerID uuid.UUID, state string) (Entry, bool) {
	for _, e := range s.entries {
		if e.ProviderID == providerID && e.State == state {
			return e, true
		}
	}
	return Entry{}, false
}

// ConsumeLink removes the entry for a completed flow. The caller must save
// the cookie back to the client on every code path afterwards, including
// error paths, so a stale in-flight entry cannot be replayed.
func (s Sessions) ConsumeLink(linkID uuid.UUID) (Sessions, error) {
	entries := make([]Entry, 0, len(s.entries))
	found := false
	for _, e := range s.entries {
		if e.LinkID != nil && *e.LinkID == linkID {
			found = true
			continue
		}
		entries = append(entries, e)
	}
	if !found {
		return Sessions{}, fmt.Errorf("link %s: %w", linkID, ErrLinkNotTracked)
	}
	return Sessions{entries: entries}, nil
}

// Len reports how many attempts are tracked.
func (s Sessions) Len() int { return len(s.entries) }

type claims struct {
	Entries []Entry `json:"entries"`
	jwt.RegisteredClaims
}

// Codec signs and authenticates the cookie with a server-held HMAC key.
// Entries older than the TTL are treated as absent on load.
type Codec struct {
	key []byte
	ttl time.Duration
}

// NewCodec constructs a codec. The TTL bounds how long an in-flight attempt
// survives; it needs to cover a full redirect round trip to the provider.
func NewCodec(secret []byte, ttl time.Duration) *Codec {
	return &Codec{key: secret, ttl: ttl}
}

// Load deserializes and authenticates a raw cookie value. Invalid signature
// or format yields the empty set: a corrupted cookie degrades to "session
// not found" downstream rather than failing the request.
func (c *Codec) Load(raw string, now time.Time) Sessions {
	if raw == "" {
		return Sessions{}
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	var decoded claims
	token, err := parser.ParseWithClaims(raw, &decoded, func(*jwt.Token) (any, error) {
		return c.key, nil
	})
	if err != nil || !token.Valid {
		return Sessions{}
	}

	cutoff := now.Add(-c.ttl).Unix()
	entries := make([]Entry, 0, len(decoded.Entries))
	for _, e := range decoded.Entries {
		if e.AddedAt >= cutoff {
			entries = append(entries, e)
		}
	}
	return Sessions{entries: entries}
}

// Encode signs the sessions map for the Set-Cookie header.
func (c *Codec) Encode(s Sessions, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Entries: s.entries,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	})
	signed, err := token.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign upstream sessions cookie: %w", err)
	}
	return signed, nil
}
