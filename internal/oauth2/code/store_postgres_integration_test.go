//go:build integration

package code_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"janus/internal/oauth2/code"
	"janus/internal/oauth2/models"
	"janus/pkg/platform/sentinel"
	"janus/pkg/testutil/containers"
)

type PostgresCodeSuite struct {
	suite.Suite
	container *containers.PostgresContainer
	store     *code.PostgresStore
	ctx       context.Context
}

func TestPostgresCodeSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresCodeSuite))
}

func (s *PostgresCodeSuite) SetupSuite() {
	s.container = containers.NewPostgresContainer(s.T())
	s.store = code.NewPostgres(s.container.DB)
}

func (s *PostgresCodeSuite) SetupTest() {
	s.ctx = context.Background()
	s.Require().NoError(s.container.Truncate(s.ctx, "oauth2_codes", "oauth2_sessions"))
}

func (s *PostgresCodeSuite) newSession() *models.Session {
	session := &models.Session{
		ID:          uuid.New(),
		ClientID:    "client-1",
		RedirectURI: "https://client.example/callback",
		Scope:       "openid",
		Nonce:       "nonce-1",
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
	s.Require().NoError(s.store.CreateSession(s.ctx, session))
	return session
}

// TestLookupJoinsSession verifies a single lookup carries the session data.
func (s *PostgresCodeSuite) TestLookupJoinsSession() {
	session := s.newSession()
	c := &models.Code{
		ID:                  uuid.New(),
		SessionID:           session.ID,
		Code:                "code-value",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		CreatedAt:           time.Now().UTC(),
	}
	s.Require().NoError(s.store.Issue(s.ctx, c))

	lookup, err := s.store.Lookup(s.ctx, "code-value")
	s.Require().NoError(err)
	s.Equal(session.ID, lookup.SessionID)
	s.Equal("client-1", lookup.ClientID)
	s.Equal("https://client.example/callback", lookup.RedirectURI)
	s.Equal("nonce-1", lookup.Nonce)
	s.Equal("challenge", lookup.CodeChallenge)

	_, err = s.store.Lookup(s.ctx, "unknown")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

// TestValueUniqueness verifies the unique constraint surfaces as a conflict.
func (s *PostgresCodeSuite) TestValueUniqueness() {
	session := s.newSession()
	first := &models.Code{ID: uuid.New(), SessionID: session.ID, Code: "same", CreatedAt: time.Now().UTC()}
	second := &models.Code{ID: uuid.New(), SessionID: session.ID, Code: "same", CreatedAt: time.Now().UTC()}

	s.Require().NoError(s.store.Issue(s.ctx, first))
	s.Require().ErrorIs(s.store.Issue(s.ctx, second), sentinel.ErrConflict)
}

// TestConsumeExactlyOnce verifies the delete-based consumption: the first
// call wins, every later call reports the code as already used.
func (s *PostgresCodeSuite) TestConsumeExactlyOnce() {
	session := s.newSession()
	c := &models.Code{ID: uuid.New(), SessionID: session.ID, Code: "once", CreatedAt: time.Now().UTC()}
	s.Require().NoError(s.store.Issue(s.ctx, c))

	s.Require().NoError(s.store.Consume(s.ctx, c.ID))
	s.Require().ErrorIs(s.store.Consume(s.ctx, c.ID), sentinel.ErrAlreadyUsed)

	_, err := s.store.Lookup(s.ctx, "once")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}
