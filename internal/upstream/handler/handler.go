// Package handler exposes the upstream federation flows over HTTP. It is a
// thin layer: cookies in, service call, cookie back out, response. The
// upstream sessions cookie is re-written on every response that touched it,
// error paths included, so the client never keeps a stale in-flight entry.
package handler

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"janus/internal/upstream/cookie"
	"janus/internal/upstream/mapper"
	upstreammodels "janus/internal/upstream/models"
	"janus/internal/upstream/service"
	"janus/pkg/requestcontext"
)

// browserSessionCookie carries the logged-in browser session ID.
const browserSessionCookie = "janus_browser_session"

// Service is the upstream flow contract the handler delegates to.
type Service interface {
	Start(ctx context.Context, sessions cookie.Sessions, providerID uuid.UUID, state, nonce, postAuthAction string) (cookie.Sessions, *upstreammodels.Session, error)
	HandleCallback(ctx context.Context, sessions cookie.Sessions, providerID uuid.UUID, state string, data service.CallbackData) (cookie.Sessions, *upstreammodels.Link, error)
	GetLink(ctx context.Context, sessions cookie.Sessions, linkID uuid.UUID, browserSessionID *uuid.UUID) (service.Outcome, cookie.Sessions, error)
	PostLink(ctx context.Context, sessions cookie.Sessions, linkID uuid.UUID, browserSessionID *uuid.UUID, form service.Form) (service.Outcome, cookie.Sessions, error)
}

// Handler handles the upstream federation endpoints.
type Handler struct {
	logger  *slog.Logger
	service Service
	codec   *cookie.Codec
	secure  bool
}

// New creates a new upstream Handler. secure controls the cookie Secure
// flag; it is off only in local development.
func New(svc Service, codec *cookie.Codec, logger *slog.Logger, secure bool) *Handler {
	return &Handler{
		logger:  logger,
		service: svc,
		codec:   codec,
		secure:  secure,
	}
}

// Register registers the upstream routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/upstream/authorize/{providerID}", h.handleAuthorize)
	r.Post("/upstream/callback/{providerID}", h.handleCallback)
	r.Get("/upstream/link/{linkID}", h.handleLinkGet)
	r.Post("/upstream/link/{linkID}", h.handleLinkPost)
}

// handleAuthorize starts a federated login attempt: it mints the state and
// nonce, records the attempt, and hands them back for the upstream redirect.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerID, err := uuid.Parse(chi.URLParam(r, "providerID"))
	if err != nil {
		http.Error(w, "invalid provider id", http.StatusBadRequest)
		return
	}

	state, err := randomToken()
	if err != nil {
		h.internalError(ctx, w, "mint state", err)
		return
	}
	nonce, err := randomToken()
	if err != nil {
		h.internalError(ctx, w, "mint nonce", err)
		return
	}

	sessions := h.loadSessions(r)
	sessions, session, err := h.service.Start(ctx, sessions, providerID, state, nonce, r.URL.Query().Get("next"))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	h.saveSessions(ctx, w, sessions)

	writeJSON(w, http.StatusOK, map[string]any{
		"session": session.ID,
		"state":   state,
		"nonce":   nonce,
	})
}

type callbackRequest struct {
	State                   string         `json:"state"`
	IDToken                 string         `json:"id_token"`
	ExtraCallbackParameters map[string]any `json:"extra_callback_parameters,omitempty"`
	Userinfo                map[string]any `json:"userinfo,omitempty"`
}

// handleCallback absorbs the provider response after the external exchange
// and redirects to the link page that resolves it.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerID, err := uuid.Parse(chi.URLParam(r, "providerID"))
	if err != nil {
		http.Error(w, "invalid provider id", http.StatusBadRequest)
		return
	}

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sessions := h.loadSessions(r)
	sessions, link, err := h.service.HandleCallback(ctx, sessions, providerID, req.State, service.CallbackData{
		IDToken:                 req.IDToken,
		ExtraCallbackParameters: req.ExtraCallbackParameters,
		Userinfo:                req.Userinfo,
	})
	h.saveSessions(ctx, w, sessions)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	http.Redirect(w, r, "/upstream/link/"+link.ID.String(), http.StatusSeeOther)
}

func (h *Handler) handleLinkGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	linkID, err := uuid.Parse(chi.URLParam(r, "linkID"))
	if err != nil {
		http.Error(w, "invalid link id", http.StatusBadRequest)
		return
	}

	sessions := h.loadSessions(r)
	outcome, sessions, err := h.service.GetLink(ctx, sessions, linkID, h.browserSessionID(r))
	h.saveSessions(ctx, w, sessions)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	h.renderOutcome(ctx, w, r, outcome)
}

func (h *Handler) handleLinkPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	linkID, err := uuid.Parse(chi.URLParam(r, "linkID"))
	if err != nil {
		http.Error(w, "invalid link id", http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}
	form := service.Form{
		Action:            service.FormAction(r.PostFormValue("action")),
		Username:          r.PostFormValue("username"),
		ImportEmail:       r.PostFormValue("import_email") == "on",
		ImportDisplayName: r.PostFormValue("import_display_name") == "on",
		AcceptTerms:       r.PostFormValue("accept_terms") == "on",
	}

	sessions := h.loadSessions(r)
	outcome, sessions, err := h.service.PostLink(ctx, sessions, linkID, h.browserSessionID(r), form)
	h.saveSessions(ctx, w, sessions)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	h.renderOutcome(ctx, w, r, outcome)
}

// renderOutcome maps a state-machine outcome to a response. Completed flows
// redirect; page outcomes render as JSON documents the frontend templates
// from.
func (h *Handler) renderOutcome(ctx context.Context, w http.ResponseWriter, r *http.Request, outcome service.Outcome) {
	switch o := outcome.(type) {
	case service.Completed:
		if o.SessionCreated && o.Session != nil {
			http.SetCookie(w, &http.Cookie{
				Name:     browserSessionCookie,
				Value:    o.Session.ID.String(),
				Path:     "/",
				HttpOnly: true,
				Secure:   h.secure,
				SameSite: http.SameSiteLaxMode,
			})
		}
		target := o.PostAuthAction
		if target == "" {
			target = "/"
		}
		http.Redirect(w, r, target, http.StatusSeeOther)

	case service.Mismatch:
		writeJSON(w, http.StatusOK, map[string]any{
			"page":            "link_mismatch",
			"linked_user":     o.LinkedUser.Username,
			"active_user":     o.ActiveSession.User.Username,
			"can_only_logout": true,
		})

	case service.SuggestLink:
		writeJSON(w, http.StatusOK, map[string]any{
			"page": "suggest_link",
			"link": o.Link.ID,
			"user": o.ActiveSession.User.Username,
		})

	case service.RegisterPrompt:
		writeJSON(w, http.StatusOK, map[string]any{
			"page":     "register",
			"link":     o.Link.ID,
			"provider": o.Provider.ID,
			"context":  registerContextPayload(o.Context),
			"errors":   formStatePayload(o.Form),
		})

	case service.Blocked:
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"page":        "error",
			"code":        o.Code,
			"description": o.Description,
		})

	default:
		h.internalError(ctx, w, "render outcome", errors.New("unknown outcome"))
	}
}

func registerContextPayload(c service.RegisterContext) map[string]any {
	payload := map[string]any{
		"require_terms": c.RequireTerms,
	}
	if c.TermsURI != "" {
		payload["terms_uri"] = c.TermsURI
	}
	for name, attr := range map[string]service.Attribute{
		"localpart":    c.Localpart,
		"display_name": c.DisplayName,
		"email":        c.Email,
	} {
		if attr.Set() {
			payload[name] = map[string]any{"value": attr.Value, "forced": attr.Forced}
		}
	}
	return payload
}

func formStatePayload(s service.FormState) map[string]any {
	if s.Valid() {
		return nil
	}
	fields := make(map[string][]map[string]string, len(s.Fields))
	for field, errs := range s.Fields {
		for _, e := range errs {
			entry := map[string]string{"kind": string(e.Kind)}
			if e.Code != "" {
				entry["code"] = e.Code
			}
			if e.Message != "" {
				entry["message"] = e.Message
			}
			fields[string(field)] = append(fields[string(field)], entry)
		}
	}
	payload := map[string]any{"fields": fields}
	if len(s.Form) > 0 {
		form := make([]map[string]string, 0, len(s.Form))
		for _, e := range s.Form {
			form = append(form, map[string]string{"code": e.Code, "message": e.Message})
		}
		payload["form"] = form
	}
	return payload
}

func (h *Handler) loadSessions(r *http.Request) cookie.Sessions {
	raw := ""
	if c, err := r.Cookie(cookie.Name); err == nil {
		raw = c.Value
	}
	return h.codec.Load(raw, requestcontext.Now(r.Context()))
}

func (h *Handler) saveSessions(ctx context.Context, w http.ResponseWriter, sessions cookie.Sessions) {
	encoded, err := h.codec.Encode(sessions, requestcontext.Now(ctx))
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to encode upstream sessions cookie",
			slog.String("error", err.Error()))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookie.Name,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) browserSessionID(r *http.Request) *uuid.UUID {
	c, err := r.Cookie(browserSessionCookie)
	if err != nil {
		return nil
	}
	id, err := uuid.Parse(c.Value)
	if err != nil {
		return nil
	}
	return &id
}

// writeError translates flow errors into HTTP status codes. Invariant
// violations are not-found or conflict, never a silently different branch.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		connErr    *service.HomeserverConnectionError
		emptyAttr  *mapper.RequiredAttributeEmptyError
		renderAttr *mapper.RequiredAttributeRenderError
	)
	switch {
	case errors.Is(err, service.ErrMissingCookie),
		errors.Is(err, service.ErrLinkNotFound),
		errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrProviderNotFound):
		h.logger.WarnContext(ctx, "link flow rejected",
			slog.String("request_id", requestcontext.RequestID(ctx)),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})

	case errors.Is(err, service.ErrSessionConsumed):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session_consumed"})

	case errors.Is(err, service.ErrInvalidFormAction):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_form_action"})

	case errors.As(err, &connErr):
		h.logger.ErrorContext(ctx, "homeserver unreachable",
			slog.String("request_id", requestcontext.RequestID(ctx)),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "homeserver_unavailable"})

	case errors.As(err, &emptyAttr), errors.As(err, &renderAttr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":       "required_attribute",
			"description": err.Error(),
		})

	default:
		h.internalError(ctx, w, "link flow", err)
	}
}

func (h *Handler) internalError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	h.logger.ErrorContext(ctx, "internal error",
		slog.String("op", op),
		slog.String("request_id", requestcontext.RequestID(ctx)),
		slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
