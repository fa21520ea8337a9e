// Package handler exposes the authorization-code endpoints: minting a code
// for an authorization session and exchanging it at the token endpoint.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"janus/internal/oauth2/code"
	"janus/internal/oauth2/models"
	"janus/internal/oauth2/service"
	"janus/pkg/requestcontext"
)

// CodeService is the code lifecycle contract the handler delegates to.
type CodeService interface {
	Issue(ctx context.Context, sessionID uuid.UUID, pkceChallenge, pkceMethod string) (*models.Code, error)
	Exchange(ctx context.Context, codeValue, pkceVerifier string) (*models.CodeLookup, error)
}

// Handler handles the oauth2 endpoints.
type Handler struct {
	logger   *slog.Logger
	codes    CodeService
	sessions code.SessionStore
}

// New creates a new oauth2 Handler.
func New(codes CodeService, sessions code.SessionStore, logger *slog.Logger) *Handler {
	return &Handler{
		logger:   logger,
		codes:    codes,
		sessions: sessions,
	}
}

// Register registers the oauth2 routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/oauth2/authorize", h.handleAuthorize)
	r.Post("/oauth2/token", h.handleToken)
}

// handleAuthorize records the authorization session and redirects back to
// the client with a fresh code. Client authentication and consent are
// assumed settled by the calling layer.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	if clientID == "" || redirectURI == "" {
		h.authorizeError(w, "invalid_request", "client_id and redirect_uri are required")
		return
	}
	target, err := url.Parse(redirectURI)
	if err != nil || !target.IsAbs() {
		h.authorizeError(w, "invalid_request", "redirect_uri must be an absolute URL")
		return
	}

	session := &models.Session{
		ID:          uuid.New(),
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scope:       q.Get("scope"),
		Nonce:       q.Get("nonce"),
		CreatedAt:   requestcontext.Now(ctx),
	}
	if err := h.sessions.CreateSession(ctx, session); err != nil {
		h.internalError(ctx, w, "create authorization session", err)
		return
	}

	issued, err := h.codes.Issue(ctx, session.ID, q.Get("code_challenge"), q.Get("code_challenge_method"))
	if err != nil {
		h.internalError(ctx, w, "issue authorization code", err)
		return
	}

	params := target.Query()
	params.Set("code", issued.Code)
	if state := q.Get("state"); state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusSeeOther)
}

// handleToken exchanges an authorization code. A replayed or unknown code is
// invalid_grant; the response never distinguishes which check failed.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		h.tokenError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if grant := r.PostFormValue("grant_type"); grant != "authorization_code" {
		h.tokenError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code is supported")
		return
	}

	lookup, err := h.codes.Exchange(ctx, r.PostFormValue("code"), r.PostFormValue("code_verifier"))
	switch {
	case errors.Is(err, service.ErrInvalidCode), errors.Is(err, service.ErrCodeConsumed):
		h.logger.WarnContext(ctx, "code exchange rejected",
			slog.String("request_id", requestcontext.RequestID(ctx)),
			slog.String("error", err.Error()))
		h.tokenError(w, http.StatusBadRequest, "invalid_grant", "code is invalid, expired, or already used")
		return
	case err != nil:
		h.internalError(ctx, w, "exchange authorization code", err)
		return
	}

	if clientID := r.PostFormValue("client_id"); clientID != "" && clientID != lookup.ClientID {
		h.tokenError(w, http.StatusBadRequest, "invalid_grant", "code was issued to a different client")
		return
	}
	if redirectURI := r.PostFormValue("redirect_uri"); redirectURI != "" && redirectURI != lookup.RedirectURI {
		h.tokenError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match the authorization request")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session": lookup.SessionID,
		"scope":   lookup.Scope,
		"nonce":   lookup.Nonce,
	})
}

func (h *Handler) authorizeError(w http.ResponseWriter, code, description string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func (h *Handler) tokenError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func (h *Handler) internalError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	h.logger.ErrorContext(ctx, "internal error",
		slog.String("op", op),
		slog.String("request_id", requestcontext.RequestID(ctx)),
		slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
