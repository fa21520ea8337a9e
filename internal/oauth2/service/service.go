// Package service issues and exchanges single-use authorization codes on top
// of the code store. Grant negotiation, scopes, and client auth live at the
// token endpoint proper; this only owns the code artifact lifecycle.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"janus/internal/oauth2/code"
	"janus/internal/oauth2/models"
	"janus/pkg/platform/sentinel"
	"janus/pkg/requestcontext"
)

const (
	codeEntropyBytes = 32
	// issueRetries bounds regeneration when a freshly drawn code collides
	// with an existing row. With 256 bits of entropy a single retry is
	// already unreachable in practice.
	issueRetries = 3
)

// Errors surfaced to the token endpoint. ErrInvalidCode covers unknown codes
// and failed PKCE checks alike so the protocol error is invalid_grant either
// way without leaking which check failed.
var (
	ErrInvalidCode  = errors.New("invalid authorization code")
	ErrCodeConsumed = errors.New("authorization code already consumed")
)

// Service manages authorization code issuance and consumption.
type Service struct {
	store  code.Store
	logger *slog.Logger
}

// New constructs the code service.
func New(store code.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Issue mints a fresh single-use code bound to the given authorization
// session. The code value is drawn from crypto/rand; a unique-constraint
// collision regenerates rather than failing the authorization.
func (s *Service) Issue(ctx context.Context, sessionID uuid.UUID, pkceChallenge, pkceMethod string) (*models.Code, error) {
	now := requestcontext.Now(ctx)
	// RFC 7636 section 4.3: a challenge without a method means plain.
	if pkceChallenge != "" && pkceMethod == "" {
		pkceMethod = "plain"
	}
	for attempt := 0; attempt < issueRetries; attempt++ {
		value, err := randomCode()
		if err != nil {
			return nil, fmt.Errorf("generate authorization code: %w", err)
		}
		c := &models.Code{
			ID:                  uuid.New(),
			SessionID:           sessionID,
			Code:                value,
			CodeChallenge:       pkceChallenge,
			CodeChallengeMethod: pkceMethod,
			CreatedAt:           now,
		}
		err = s.store.Issue(ctx, c)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return nil, err
		}
		s.logger.Warn("authorization code collision, regenerating",
			slog.String("session_id", sessionID.String()))
	}
	return nil, fmt.Errorf("issue authorization code: %w", sentinel.ErrConflict)
}

// Exchange resolves a code, verifies its PKCE binding, and consumes it.
// The first exchange wins; any later attempt fails with ErrCodeConsumed.
//
// On proven reuse of a consumed code we currently reject the request only.
// TODO: invalidate the parent session on reuse to defend against code theft.
func (s *Service) Exchange(ctx context.Context, codeValue, pkceVerifier string) (*models.CodeLookup, error) {
	lookup, err := s.store.Lookup(ctx, codeValue)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, ErrInvalidCode
	}
	if err != nil {
		return nil, err
	}

	if err := verifyPKCE(lookup.CodeChallenge, lookup.CodeChallengeMethod, pkceVerifier); err != nil {
		return nil, err
	}

	err = s.store.Consume(ctx, lookup.ID)
	if errors.Is(err, sentinel.ErrAlreadyUsed) {
		return nil, ErrCodeConsumed
	}
	if err != nil {
		return nil, err
	}
	return lookup, nil
}

func verifyPKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}
	var derived string
	switch method {
	case "S256":
		digest := sha256.Sum256([]byte(verifier))
		derived = base64.RawURLEncoding.EncodeToString(digest[:])
	case "plain", "":
		derived = verifier
	default:
		return ErrInvalidCode
	}
	if subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) != 1 {
		return ErrInvalidCode
	}
	return nil
}

func randomCode() (string, error) {
	buf := make([]byte, codeEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
