package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"janus/internal/oauth2/code"
	"janus/internal/oauth2/models"
)

type CodeServiceSuite struct {
	suite.Suite
	store   *code.InMemoryStore
	service *Service
	ctx     context.Context
}

func (s *CodeServiceSuite) SetupTest() {
	s.store = code.New()
	s.service = New(s.store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.ctx = context.Background()
}

func TestCodeServiceSuite(t *testing.T) {
	suite.Run(t, new(CodeServiceSuite))
}

func (s *CodeServiceSuite) newSession() *models.Session {
	session := &models.Session{
		ID:          uuid.New(),
		ClientID:    "client-1",
		RedirectURI: "https://client.example/callback",
		Scope:       "openid",
		CreatedAt:   time.Now(),
	}
	s.Require().NoError(s.store.CreateSession(s.ctx, session))
	return session
}

func challengeS256(verifier string) string {
	digest := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// TestIssueAndExchange verifies the happy path with an S256 binding.
func (s *CodeServiceSuite) TestIssueAndExchange() {
	session := s.newSession()
	verifier := "a-very-long-verifier-string-with-enough-entropy"

	issued, err := s.service.Issue(s.ctx, session.ID, challengeS256(verifier), "S256")
	s.Require().NoError(err)
	s.NotEmpty(issued.Code)

	lookup, err := s.service.Exchange(s.ctx, issued.Code, verifier)
	s.Require().NoError(err)
	s.Equal(session.ID, lookup.SessionID)
	s.Equal("client-1", lookup.ClientID)
}

// TestPKCE verifies the verifier checks for both methods.
func (s *CodeServiceSuite) TestPKCE() {
	s.Run("wrong verifier is rejected", func() {
		session := s.newSession()
		issued, err := s.service.Issue(s.ctx, session.ID, challengeS256("right"), "S256")
		s.Require().NoError(err)

		_, err = s.service.Exchange(s.ctx, issued.Code, "wrong")
		s.Require().ErrorIs(err, ErrInvalidCode)

		// the failed check did not consume the code
		_, err = s.service.Exchange(s.ctx, issued.Code, "right")
		s.NoError(err)
	})

	s.Run("plain method compares verbatim", func() {
		session := s.newSession()
		issued, err := s.service.Issue(s.ctx, session.ID, "plain-value", "plain")
		s.Require().NoError(err)

		_, err = s.service.Exchange(s.ctx, issued.Code, "plain-value")
		s.NoError(err)
	})

	s.Run("missing method defaults to plain", func() {
		session := s.newSession()
		issued, err := s.service.Issue(s.ctx, session.ID, "plain-value", "")
		s.Require().NoError(err)
		s.Equal("plain", issued.CodeChallengeMethod)

		_, err = s.service.Exchange(s.ctx, issued.Code, "plain-value")
		s.NoError(err)
	})

	s.Run("missing method does not fall back to S256", func() {
		session := s.newSession()
		verifier := "a-very-long-verifier-string-with-enough-entropy"
		issued, err := s.service.Issue(s.ctx, session.ID, challengeS256(verifier), "")
		s.Require().NoError(err)

		_, err = s.service.Exchange(s.ctx, issued.Code, verifier)
		s.ErrorIs(err, ErrInvalidCode)
	})

	s.Run("unknown method is rejected", func() {
		session := s.newSession()
		issued, err := s.service.Issue(s.ctx, session.ID, "challenge", "S999")
		s.Require().NoError(err)

		_, err = s.service.Exchange(s.ctx, issued.Code, "challenge")
		s.ErrorIs(err, ErrInvalidCode)
	})

	s.Run("no challenge means no check", func() {
		session := s.newSession()
		issued, err := s.service.Issue(s.ctx, session.ID, "", "")
		s.Require().NoError(err)

		_, err = s.service.Exchange(s.ctx, issued.Code, "")
		s.NoError(err)
	})
}

// TestReplay verifies a consumed code cannot be exchanged again.
func (s *CodeServiceSuite) TestReplay() {
	session := s.newSession()
	issued, err := s.service.Issue(s.ctx, session.ID, "", "")
	s.Require().NoError(err)

	_, err = s.service.Exchange(s.ctx, issued.Code, "")
	s.Require().NoError(err)

	_, err = s.service.Exchange(s.ctx, issued.Code, "")
	s.Require().ErrorIs(err, ErrInvalidCode)
}

// TestUnknownCode verifies an unknown value maps to ErrInvalidCode.
func (s *CodeServiceSuite) TestUnknownCode() {
	_, err := s.service.Exchange(s.ctx, "never-issued", "")
	s.Require().ErrorIs(err, ErrInvalidCode)
}

// TestCodesAreUnique verifies issued values do not repeat.
func (s *CodeServiceSuite) TestCodesAreUnique() {
	session := s.newSession()
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		issued, err := s.service.Issue(s.ctx, session.ID, "", "")
		s.Require().NoError(err)
		s.False(seen[issued.Code], "issued a duplicate code value")
		seen[issued.Code] = true
	}
}
