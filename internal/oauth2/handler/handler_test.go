package handler

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"janus/internal/oauth2/code"
	"janus/internal/oauth2/service"
)

type OAuth2HandlerSuite struct {
	suite.Suite
	router http.Handler
}

func (s *OAuth2HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := code.New()
	h := New(service.New(store, logger), store, logger)

	r := chi.NewRouter()
	h.Register(r)
	s.router = r
}

func TestOAuth2HandlerSuite(t *testing.T) {
	suite.Run(t, new(OAuth2HandlerSuite))
}

func (s *OAuth2HandlerSuite) authorize(query url.Values) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/oauth2/authorize?"+query.Encode(), nil)
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *OAuth2HandlerSuite) token(form url.Values) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/oauth2/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.router.ServeHTTP(rec, req)
	return rec
}

func challenge(verifier string) string {
	digest := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// TestCodeFlow verifies the authorize redirect and the token exchange.
func (s *OAuth2HandlerSuite) TestCodeFlow() {
	verifier := "a-sufficiently-long-pkce-verifier-value"
	rec := s.authorize(url.Values{
		"client_id":             {"client-1"},
		"redirect_uri":          {"https://client.example/cb"},
		"scope":                 {"openid"},
		"state":                 {"client-state"},
		"code_challenge":        {challenge(verifier)},
		"code_challenge_method": {"S256"},
	})
	s.Require().Equal(http.StatusSeeOther, rec.Code)

	redirect, err := url.Parse(rec.Header().Get("Location"))
	s.Require().NoError(err)
	s.Equal("client.example", redirect.Host)
	s.Equal("client-state", redirect.Query().Get("state"))
	codeValue := redirect.Query().Get("code")
	s.Require().NotEmpty(codeValue)

	rec = s.token(url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {codeValue},
		"code_verifier": {verifier},
		"client_id":     {"client-1"},
		"redirect_uri":  {"https://client.example/cb"},
	})
	s.Require().Equal(http.StatusOK, rec.Code)

	var payload struct {
		Scope string `json:"scope"`
	}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &payload))
	s.Equal("openid", payload.Scope)

	// replay is refused with invalid_grant
	rec = s.token(url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {codeValue},
		"code_verifier": {verifier},
	})
	s.Require().Equal(http.StatusBadRequest, rec.Code)
	var errPayload struct {
		Error string `json:"error"`
	}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &errPayload))
	s.Equal("invalid_grant", errPayload.Error)
}

// TestTokenValidation verifies grant type and binding checks.
func (s *OAuth2HandlerSuite) TestTokenValidation() {
	s.Run("unsupported grant type", func() {
		rec := s.token(url.Values{"grant_type": {"password"}})
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("unknown code", func() {
		rec := s.token(url.Values{
			"grant_type": {"authorization_code"},
			"code":       {"never-issued"},
		})
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("mismatched client", func() {
		rec := s.authorize(url.Values{
			"client_id":    {"client-1"},
			"redirect_uri": {"https://client.example/cb"},
		})
		s.Require().Equal(http.StatusSeeOther, rec.Code)
		redirect, err := url.Parse(rec.Header().Get("Location"))
		s.Require().NoError(err)

		rec = s.token(url.Values{
			"grant_type": {"authorization_code"},
			"code":       {redirect.Query().Get("code")},
			"client_id":  {"someone-else"},
		})
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("missing redirect_uri on authorize", func() {
		rec := s.authorize(url.Values{"client_id": {"client-1"}})
		s.Equal(http.StatusBadRequest, rec.Code)
	})
}
