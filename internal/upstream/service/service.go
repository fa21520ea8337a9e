// Package service drives the upstream identity flows: starting a federated
// login attempt, absorbing the provider callback, and resolving the link
// page where an upstream identity meets (or creates) a local account.
//
// Every request runs inside one storage unit of work. Branches that only
// render abort the unit of work; only the branches that resolve the attempt
// against a browser session commit. The client-held cookie is a correlation
// hint, never an authority: all invariants are re-checked against storage.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"janus/internal/activity"
	"janus/internal/matrix"
	"janus/internal/policy"
	"janus/internal/queue"
	"janus/internal/storage"
	"janus/internal/upstream/cookie"
	"janus/internal/upstream/mapper"
	"janus/internal/upstream/metrics"
	upstreammodels "janus/internal/upstream/models"
	usermodels "janus/internal/user/models"
	"janus/pkg/platform/sentinel"
	"janus/pkg/requestcontext"
)

// Service implements the upstream link state machine.
type Service struct {
	store      storage.Factory
	policy     policy.Engine
	homeserver matrix.Homeserver
	renderer   mapper.Renderer
	publisher  queue.Publisher
	tracker    activity.Tracker
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer

	// termsURI, when set, requires explicit terms acceptance at registration
	// and records it against the new user.
	termsURI string
}

// Option configures optional collaborators.
type Option func(*Service)

// WithTermsURI requires acceptance of the given terms document at
// registration time.
func WithTermsURI(uri string) Option {
	return func(s *Service) { s.termsURI = uri }
}

// WithTracker records browser session activity on completed logins.
func WithTracker(t activity.Tracker) Option {
	return func(s *Service) { s.tracker = t }
}

// WithMetrics attaches flow metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRenderer overrides the attribute template renderer.
func WithRenderer(r mapper.Renderer) Option {
	return func(s *Service) { s.renderer = r }
}

// New constructs the service.
func New(store storage.Factory, engine policy.Engine, homeserver matrix.Homeserver, publisher queue.Publisher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		policy:     engine,
		homeserver: homeserver,
		renderer:   mapper.TemplateRenderer{},
		publisher:  publisher,
		tracker:    activity.Noop{},
		logger:     logger,
		tracer:     otel.Tracer("janus/internal/upstream/service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start records a new federated login attempt and tracks it in the cookie.
// The caller redirects the browser upstream with the returned session's
// state (and nonce, for OIDC).
func (s *Service) Start(ctx context.Context, sessions cookie.Sessions, providerID uuid.UUID, state, nonce, postAuthAction string) (cookie.Sessions, *upstreammodels.Session, error) {
	ctx, span := s.tracer.Start(ctx, "upstream.Start",
		trace.WithAttributes(attribute.String("provider.id", providerID.String())))
	defer span.End()

	repo, err := s.store.Begin(ctx)
	if err != nil {
		return sessions, nil, err
	}
	provider, err := repo.UpstreamProviders().Lookup(ctx, providerID)
	if err != nil {
		_ = repo.Cancel(ctx)
		return sessions, nil, mapNotFound(err, ErrProviderNotFound)
	}
	session, err := repo.UpstreamSessions().Add(ctx, provider, state, nonce)
	if err != nil {
		_ = repo.Cancel(ctx)
		return sessions, nil, err
	}
	if err := repo.Save(ctx); err != nil {
		return sessions, nil, err
	}
	return sessions.Add(session.ID, provider.ID, state, postAuthAction, requestcontext.Now(ctx)), session, nil
}

// CallbackData is what the provider exchange produced: the raw ID token as
// received, any non-standard callback parameters, and the userinfo response
// when one was fetched. Token verification happened during the exchange.
type CallbackData struct {
	IDToken                 string
	ExtraCallbackParameters map[string]any
	Userinfo                map[string]any
}

// HandleCallback resolves the provider callback to a link: it finds the
// in-flight attempt by state, extracts the subject, finds or creates the
// per-provider link for that subject, and stores the claim bags on the
// session. The caller then redirects to the link page.
func (s *Service) HandleCallback(ctx context.Context, sessions cookie.Sessions, providerID uuid.UUID, state string, data CallbackData) (cookie.Sessions, *upstreammodels.Link, error) {
	ctx, span := s.tracer.Start(ctx, "upstream.HandleCallback",
		trace.WithAttributes(attribute.String("provider.id", providerID.String())))
	defer span.End()

	entry, ok := sessions.FindByState(providerID, state)
	if !ok {
		return sessions, nil, ErrSessionNotFound
	}

	subject, err := subjectFromIDToken(data.IDToken)
	if err != nil {
		return sessions, nil, err
	}

	repo, err := s.store.Begin(ctx)
	if err != nil {
		return sessions, nil, err
	}
	session, err := repo.UpstreamSessions().Lookup(ctx, entry.SessionID)
	if err != nil {
		_ = repo.Cancel(ctx)
		return sessions, nil, mapNotFound(err, ErrSessionNotFound)
	}
	if session.State != state || session.LinkID != nil || session.IsConsumed() {
		_ = repo.Cancel(ctx)
		return sessions, nil, ErrSessionNotFound
	}
	provider, err := repo.UpstreamProviders().Lookup(ctx, session.ProviderID)
	if err != nil {
		_ = repo.Cancel(ctx)
		return sessions, nil, mapNotFound(err, ErrProviderNotFound)
	}

	link, err := repo.UpstreamLinks().FindBySubject(ctx, provider.ID, subject)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		link, err = repo.UpstreamLinks().Add(ctx, provider, subject)
		if err != nil {
			_ = repo.Cancel(ctx)
			return sessions, nil, err
		}
	case err != nil:
		_ = repo.Cancel(ctx)
		return sessions, nil, err
	}

	if _, err := repo.UpstreamSessions().CompleteWithLink(ctx, session, link, data.IDToken, data.ExtraCallbackParameters, data.Userinfo); err != nil {
		_ = repo.Cancel(ctx)
		return sessions, nil, err
	}
	if err := repo.Save(ctx); err != nil {
		return sessions, nil, err
	}

	sessions, err = sessions.AddLinkToSession(session.ID, link.ID)
	if err != nil {
		return sessions, nil, fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	return sessions, link, nil
}

// GetLink renders the link page: it decides which of the four
// session-by-binding branches the request is in and either completes the
// login or describes the page to show.
func (s *Service) GetLink(ctx context.Context, sessions cookie.Sessions, linkID uuid.UUID, browserSessionID *uuid.UUID) (Outcome, cookie.Sessions, error) {
	ctx, span := s.tracer.Start(ctx, "upstream.GetLink",
		trace.WithAttributes(attribute.String("link.id", linkID.String())))
	defer span.End()

	upstreamSessionID, postAuthAction, err := sessions.LookupLink(linkID)
	if err != nil {
		return nil, sessions, ErrMissingCookie
	}

	repo, err := s.store.Begin(ctx)
	if err != nil {
		return nil, sessions, err
	}

	link, upstreamSession, err := s.loadAttempt(ctx, repo, linkID, upstreamSessionID)
	if err != nil {
		_ = repo.Cancel(ctx)
		return nil, sessions, err
	}
	browserSession, err := s.loadActiveSession(ctx, repo, browserSessionID)
	if err != nil {
		_ = repo.Cancel(ctx)
		return nil, sessions, err
	}

	switch {
	case browserSession != nil && link.UserID != nil:
		if browserSession.User.ID != *link.UserID {
			owner, err := s.lookupValidUser(ctx, repo, *link.UserID)
			if err != nil {
				_ = repo.Cancel(ctx)
				return nil, sessions, err
			}
			_ = repo.Cancel(ctx)
			s.metrics.IncrementOutcome("GET", "mismatch")
			return Mismatch{LinkedUser: *owner, ActiveSession: *browserSession}, sessions, nil
		}
		// Already logged in as the link's owner: re-authenticate silently.
		sessions, err := s.complete(ctx, repo, sessions, upstreamSession, browserSession, linkID, false)
		if err != nil {
			return nil, sessions, err
		}
		s.metrics.IncrementOutcome("GET", "completed")
		return Completed{PostAuthAction: postAuthAction, Session: browserSession}, sessions, nil

	case browserSession != nil: // logged in, link unbound
		_ = repo.Cancel(ctx)
		s.metrics.IncrementOutcome("GET", "suggest_link")
		return SuggestLink{Link: *link, ActiveSession: *browserSession}, sessions, nil

	case link.UserID != nil: // not logged in, link bound: log in as its owner
		owner, err := s.lookupValidUser(ctx, repo, *link.UserID)
		if err != nil {
			_ = repo.Cancel(ctx)
			return nil, sessions, err
		}
		fresh, err := repo.BrowserSessions().Add(ctx, owner, requestcontext.UserAgent(ctx))
		if err != nil {
			_ = repo.Cancel(ctx)
			return nil, sessions, err
		}
		sessions, err := s.complete(ctx, repo, sessions, upstreamSession, fresh, linkID, true)
		if err != nil {
			return nil, sessions, err
		}
		s.metrics.IncrementOutcome("GET", "completed")
		return Completed{PostAuthAction: postAuthAction, Session: fresh, SessionCreated: true}, sessions, nil

	default: // not logged in, link unbound: offer registration
		outcome, err := s.registerPrompt(ctx, repo, upstreamSession, link)
		_ = repo.Cancel(ctx)
		if err != nil {
			return nil, sessions, err
		}
		switch outcome.(type) {
		case Blocked:
			s.metrics.IncrementOutcome("GET", "blocked")
		default:
			s.metrics.IncrementOutcome("GET", "register_prompt")
		}
		return outcome, sessions, nil
	}
}

// PostLink acts on the link page form: binding the upstream identity to the
// logged-in user, or registering a new user from it. Any action that does
// not match the link's current state is rejected outright.
func (s *Service) PostLink(ctx context.Context, sessions cookie.Sessions, linkID uuid.UUID, browserSessionID *uuid.UUID, form Form) (Outcome, cookie.Sessions, error) {
	ctx, span := s.tracer.Start(ctx, "upstream.PostLink",
		trace.WithAttributes(
			attribute.String("link.id", linkID.String()),
			attribute.String("form.action", string(form.Action))))
	defer span.End()

	upstreamSessionID, postAuthAction, err := sessions.LookupLink(linkID)
	if err != nil {
		return nil, sessions, ErrMissingCookie
	}

	repo, err := s.store.Begin(ctx)
	if err != nil {
		return nil, sessions, err
	}

	link, upstreamSession, err := s.loadAttempt(ctx, repo, linkID, upstreamSessionID)
	if err != nil {
		_ = repo.Cancel(ctx)
		return nil, sessions, err
	}
	browserSession, err := s.loadActiveSession(ctx, repo, browserSessionID)
	if err != nil {
		_ = repo.Cancel(ctx)
		return nil, sessions, err
	}

	var (
		resolving      *usermodels.BrowserSession
		sessionCreated bool
		pendingJob     *queue.ProvisionUserJob
	)
	switch {
	case browserSession != nil && link.UserID == nil && form.Action == ActionLink:
		if err := repo.UpstreamLinks().AssociateToUser(ctx, link, &browserSession.User); err != nil {
			_ = repo.Cancel(ctx)
			return nil, sessions, err
		}
		resolving = browserSession

	case browserSession == nil && link.UserID == nil && form.Action == ActionRegister:
		outcome, fresh, job, err := s.register(ctx, repo, upstreamSession, link, form)
		if err != nil {
			_ = repo.Cancel(ctx)
			return nil, sessions, err
		}
		if outcome != nil {
			_ = repo.Cancel(ctx)
			s.metrics.IncrementOutcome("POST", "register_prompt")
			return outcome, sessions, nil
		}
		resolving = fresh
		sessionCreated = true
		pendingJob = job

	default:
		_ = repo.Cancel(ctx)
		return nil, sessions, fmt.Errorf("%w: %q", ErrInvalidFormAction, form.Action)
	}

	sessions, err = s.complete(ctx, repo, sessions, upstreamSession, resolving, linkID, true)
	if err != nil {
		return nil, sessions, err
	}
	if pendingJob != nil {
		// The user is committed at this point. Delivery is at-least-once,
		// so a failed publish is logged for out-of-band retry rather than
		// failing a login that already happened.
		if err := s.publisher.Schedule(ctx, *pendingJob); err != nil {
			s.logger.Error("provision job publish failed after commit",
				slog.String("user_id", pendingJob.UserID.String()),
				slog.String("error", err.Error()))
		}
		s.metrics.IncrementRegistrations()
	}
	s.metrics.IncrementOutcome("POST", "completed")
	return Completed{PostAuthAction: postAuthAction, Session: resolving, SessionCreated: sessionCreated}, sessions, nil
}

// loadAttempt loads the link and its upstream session and enforces the two
// invariants every link-page request must satisfy: the cookie's session must
// be the one the callback bound to this link, and it must not have been
// consumed by an earlier completion.
func (s *Service) loadAttempt(ctx context.Context, repo storage.Repository, linkID, upstreamSessionID uuid.UUID) (*upstreammodels.Link, *upstreammodels.Session, error) {
	link, err := repo.UpstreamLinks().Lookup(ctx, linkID)
	if err != nil {
		return nil, nil, mapNotFound(err, ErrLinkNotFound)
	}
	session, err := repo.UpstreamSessions().Lookup(ctx, upstreamSessionID)
	if err != nil {
		return nil, nil, mapNotFound(err, ErrSessionNotFound)
	}
	if session.LinkID == nil || *session.LinkID != link.ID {
		return nil, nil, ErrSessionNotFound
	}
	if session.IsConsumed() {
		return nil, nil, ErrSessionConsumed
	}
	return link, session, nil
}

// loadActiveSession resolves the optional browser session. A finished
// session or a locked user counts as not logged in.
func (s *Service) loadActiveSession(ctx context.Context, repo storage.Repository, id *uuid.UUID) (*usermodels.BrowserSession, error) {
	if id == nil {
		return nil, nil
	}
	session, err := repo.BrowserSessions().Lookup(ctx, *id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !session.Active() {
		return nil, nil
	}
	return session, nil
}

func (s *Service) lookupValidUser(ctx context.Context, repo storage.Repository, id uuid.UUID) (*usermodels.User, error) {
	user, err := repo.Users().Lookup(ctx, id)
	if err != nil {
		return nil, mapNotFound(err, ErrUserNotFound)
	}
	if !user.IsValid() {
		return nil, fmt.Errorf("user %s is locked: %w", id, ErrUserNotFound)
	}
	return user, nil
}

// complete is the shared tail of every resolving branch: consume the
// upstream session exactly once, stamp the browser session as upstream
// authenticated, drop the cookie entry when asked, and commit.
func (s *Service) complete(ctx context.Context, repo storage.Repository, sessions cookie.Sessions, upstreamSession *upstreammodels.Session, browserSession *usermodels.BrowserSession, linkID uuid.UUID, consumeCookieEntry bool) (cookie.Sessions, error) {
	consumed, err := repo.UpstreamSessions().Consume(ctx, upstreamSession)
	if err != nil {
		_ = repo.Cancel(ctx)
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			s.metrics.IncrementSessionsConsumed("replayed")
			return sessions, ErrSessionConsumed
		}
		return sessions, err
	}
	s.metrics.IncrementSessionsConsumed("ok")

	if err := repo.BrowserSessions().AuthenticateWithUpstream(ctx, browserSession, consumed); err != nil {
		_ = repo.Cancel(ctx)
		return sessions, err
	}

	if consumeCookieEntry {
		updated, err := sessions.ConsumeLink(linkID)
		if err != nil {
			_ = repo.Cancel(ctx)
			return sessions, fmt.Errorf("%w: %v", ErrMissingCookie, err)
		}
		sessions = updated
	}

	if err := repo.Save(ctx); err != nil {
		return sessions, err
	}

	s.tracker.RecordBrowserSession(ctx, browserSession.ID, requestcontext.ClientIP(ctx))
	s.logger.Info("upstream login completed",
		slog.String("user_id", browserSession.User.ID.String()),
		slog.String("browser_session_id", browserSession.ID.String()),
		slog.String("upstream_session_id", consumed.ID.String()))
	return sessions, nil
}

// registerPrompt builds the registration page for an unauthenticated visit
// on an unbound link. Nothing is written; a suggested localpart that turns
// out to be taken or policy-rejected is dropped unless it is forced, in
// which case the flow cannot continue at all.
func (s *Service) registerPrompt(ctx context.Context, repo storage.Repository, upstreamSession *upstreammodels.Session, link *upstreammodels.Link) (Outcome, error) {
	provider, err := repo.UpstreamProviders().Lookup(ctx, upstreamSession.ProviderID)
	if err != nil {
		return nil, mapNotFound(err, ErrProviderNotFound)
	}
	claims, err := claimsContext(upstreamSession)
	if err != nil {
		return nil, err
	}
	imports := provider.ClaimsImports

	regCtx := RegisterContext{
		RequireTerms: s.termsURI != "",
		TermsURI:     s.termsURI,
	}

	if !imports.DisplayName.Ignore() {
		value, err := mapper.RenderAttribute(s.renderer,
			templateOrDefault(imports.DisplayName, mapper.DefaultDisplayNameTemplate),
			claims, imports.DisplayName.IsRequired(), s.logger)
		if err != nil {
			return nil, err
		}
		regCtx.DisplayName = Attribute{Value: value, Forced: imports.DisplayName.IsForced()}
	}
	if !imports.Email.Ignore() {
		value, err := mapper.RenderAttribute(s.renderer,
			templateOrDefault(imports.Email, mapper.DefaultEmailTemplate),
			claims, imports.Email.IsRequired(), s.logger)
		if err != nil {
			return nil, err
		}
		regCtx.Email = Attribute{Value: value, Forced: imports.Email.IsForced()}
	}

	if !imports.Localpart.Ignore() {
		value, err := mapper.RenderAttribute(s.renderer,
			templateOrDefault(imports.Localpart, mapper.DefaultLocalpartTemplate),
			claims, imports.Localpart.IsRequired(), s.logger)
		if err != nil {
			return nil, err
		}
		if value != "" {
			outcome, keep, err := s.vetSuggestedLocalpart(ctx, repo, value, imports.Localpart.IsForced())
			if err != nil {
				return nil, err
			}
			if outcome != nil {
				return outcome, nil
			}
			if keep {
				regCtx.Localpart = Attribute{Value: value, Forced: imports.Localpart.IsForced()}
			}
		}
	}

	return RegisterPrompt{Provider: *provider, Link: *link, Context: regCtx}, nil
}

// vetSuggestedLocalpart pre-checks a rendered localpart before showing it on
// the form. A taken or policy-rejected suggestion is silently dropped, but a
// forced one blocks the whole flow because the user cannot pick another.
func (s *Service) vetSuggestedLocalpart(ctx context.Context, repo storage.Repository, localpart string, forced bool) (Outcome, bool, error) {
	exists, err := repo.Users().Exists(ctx, localpart)
	if err != nil {
		return nil, false, err
	}
	available := !exists
	if available {
		available, err = s.homeserver.IsLocalpartAvailable(ctx, localpart)
		if err != nil {
			return nil, false, &HomeserverConnectionError{Cause: err}
		}
	}
	if !available {
		if forced {
			return Blocked{
				Code:        "User exists",
				Description: fmt.Sprintf("A user with the username %q already exists.", localpart),
			}, false, nil
		}
		return nil, false, nil
	}

	decision, err := s.policy.EvaluateRegister(ctx, policy.RegisterInput{
		Method:   policy.MethodUpstreamOAuth2,
		Username: localpart,
		Requester: policy.Requester{
			IPAddress: requestcontext.ClientIP(ctx),
			UserAgent: requestcontext.UserAgent(ctx),
		},
	})
	if err != nil {
		return nil, false, err
	}
	if !decision.Valid() {
		if forced {
			return Blocked{
				Code:        "Policy error",
				Description: fmt.Sprintf("The username %q does not meet the policy.", localpart),
			}, false, nil
		}
		return nil, false, nil
	}
	return nil, true, nil
}

// register validates the submitted registration form and, when it passes,
// creates the user and everything hanging off it. A non-nil outcome means
// the form was rejected and must be re-rendered; no writes survive in that
// case because the caller aborts the unit of work. The provisioning job is
// returned, not published: nothing may reach the homeserver until the unit
// of work has committed, or a later failure would roll back the local user
// while the Matrix account gets created anyway.
func (s *Service) register(ctx context.Context, repo storage.Repository, upstreamSession *upstreammodels.Session, link *upstreammodels.Link, form Form) (Outcome, *usermodels.BrowserSession, *queue.ProvisionUserJob, error) {
	provider, err := repo.UpstreamProviders().Lookup(ctx, upstreamSession.ProviderID)
	if err != nil {
		return nil, nil, nil, mapNotFound(err, ErrProviderNotFound)
	}
	claims, err := claimsContext(upstreamSession)
	if err != nil {
		return nil, nil, nil, err
	}
	imports := provider.ClaimsImports

	var displayName, email string
	if imports.DisplayName.ShouldImport(form.ImportDisplayName) {
		displayName, err = mapper.RenderAttribute(s.renderer,
			templateOrDefault(imports.DisplayName, mapper.DefaultDisplayNameTemplate),
			claims, imports.DisplayName.IsRequired(), s.logger)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if imports.Email.ShouldImport(form.ImportEmail) {
		email, err = mapper.RenderAttribute(s.renderer,
			templateOrDefault(imports.Email, mapper.DefaultEmailTemplate),
			claims, imports.Email.IsRequired(), s.logger)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	// A forced localpart overrides whatever the form carries.
	username := form.Username
	if imports.Localpart.IsForced() {
		username, err = mapper.RenderAttribute(s.renderer,
			templateOrDefault(imports.Localpart, mapper.DefaultLocalpartTemplate),
			claims, true, s.logger)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	var state FormState
	deniedByHomeserver := false
	if username == "" {
		state.addFieldError(FieldUsername, FieldError{Kind: FieldErrorRequired})
	} else {
		exists, err := repo.Users().Exists(ctx, username)
		if err != nil {
			return nil, nil, nil, err
		}
		if exists {
			state.addFieldError(FieldUsername, FieldError{Kind: FieldErrorExists})
		} else {
			available, err := s.homeserver.IsLocalpartAvailable(ctx, username)
			if err != nil {
				return nil, nil, nil, &HomeserverConnectionError{Cause: err}
			}
			// Deferred: only reported if policy has nothing better to say
			// about the username.
			deniedByHomeserver = !available
		}
	}

	if s.termsURI != "" && !form.AcceptTerms {
		state.addFieldError(FieldAcceptTerms, FieldError{Kind: FieldErrorRequired})
	}

	decision, err := s.policy.EvaluateRegister(ctx, policy.RegisterInput{
		Method:   policy.MethodUpstreamOAuth2,
		Username: username,
		Email:    email,
		Requester: policy.Requester{
			IPAddress: requestcontext.ClientIP(ctx),
			UserAgent: requestcontext.UserAgent(ctx),
		},
	})
	if err != nil {
		return nil, nil, nil, err
	}
	for _, v := range decision.Violations {
		fieldError := FieldError{Kind: FieldErrorPolicy, Code: v.Code, Message: v.Msg}
		switch v.Field {
		case "username":
			state.addFieldError(FieldUsername, fieldError)
		case "email":
			state.addFieldError(FieldEmail, fieldError)
		default:
			state.addFormError(FormError{Code: v.Code, Message: v.Msg})
		}
	}

	if deniedByHomeserver && !state.HasFieldError(FieldUsername, FieldErrorPolicy) {
		state.addFieldError(FieldUsername, FieldError{Kind: FieldErrorExists})
	}

	if !state.Valid() {
		for field := range state.Fields {
			s.metrics.IncrementFormRejections(string(field))
		}
		regCtx := RegisterContext{
			Localpart:    Attribute{Value: username, Forced: imports.Localpart.IsForced()},
			DisplayName:  Attribute{Value: displayName, Forced: imports.DisplayName.IsForced()},
			Email:        Attribute{Value: email, Forced: imports.Email.IsForced()},
			RequireTerms: s.termsURI != "",
			TermsURI:     s.termsURI,
		}
		return RegisterPrompt{Provider: *provider, Link: *link, Context: regCtx, Form: state}, nil, nil, nil
	}

	user, err := repo.Users().Add(ctx, username)
	if err != nil {
		return nil, nil, nil, err
	}
	if s.termsURI != "" {
		if err := repo.Terms().AcceptTerms(ctx, user, s.termsURI); err != nil {
			return nil, nil, nil, err
		}
	}

	job := queue.ProvisionUserJob{UserID: user.ID, Username: user.Username}
	if displayName != "" {
		job = job.SetDisplayName(displayName)
	}

	if email != "" {
		if _, err := repo.UserEmails().Add(ctx, user.ID, email); err != nil {
			return nil, nil, nil, err
		}
	}

	if err := repo.UpstreamLinks().AssociateToUser(ctx, link, user); err != nil {
		return nil, nil, nil, err
	}

	browserSession, err := repo.BrowserSessions().Add(ctx, user, requestcontext.UserAgent(ctx))
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, browserSession, &job, nil
}

// claimsContext assembles the template context from everything the attempt
// captured at callback time.
func claimsContext(session *upstreammodels.Session) (map[string]any, error) {
	builder := mapper.NewContext()
	if session.IDToken != "" {
		idClaims, err := mapper.ClaimsFromIDToken(session.IDToken)
		if err != nil {
			return nil, err
		}
		builder = builder.WithIDTokenClaims(idClaims)
	}
	if session.ExtraCallbackParameters != nil {
		builder = builder.WithExtraCallbackParameters(session.ExtraCallbackParameters)
	}
	if session.Userinfo != nil {
		builder = builder.WithUserinfoClaims(session.Userinfo)
	}
	return builder.Build(), nil
}

func subjectFromIDToken(raw string) (string, error) {
	claims, err := mapper.ClaimsFromIDToken(raw)
	if err != nil {
		return "", err
	}
	subject, ok := claims["sub"].(string)
	if !ok || subject == "" {
		return "", errors.New("id token carries no subject claim")
	}
	return subject, nil
}

func templateOrDefault(pref upstreammodels.ImportPreference, fallback string) string {
	if pref.Template != "" {
		return pref.Template
	}
	return fallback
}

// mapNotFound translates storage not-found sentinels into flow errors and
// passes everything else through.
func mapNotFound(err, to error) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return fmt.Errorf("%w: %v", to, err)
	}
	return err
}
