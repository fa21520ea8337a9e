package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"janus/internal/policy"
	"janus/internal/queue"
	"janus/internal/storage/memory"
	"janus/internal/upstream/cookie"
	"janus/internal/upstream/mapper"
	upstreammodels "janus/internal/upstream/models"
	usermodels "janus/internal/user/models"
	"janus/pkg/requestcontext"
)

type ServiceSuite struct {
	suite.Suite
	store      *memory.Store
	publisher  *queue.InMemoryPublisher
	homeserver *MockHomeserver
	ctrl       *gomock.Controller
	ctx        context.Context
}

func (s *ServiceSuite) SetupTest() {
	s.store = memory.NewStore()
	s.publisher = queue.NewInMemoryPublisher()
	s.ctrl = gomock.NewController(s.T())
	s.homeserver = NewMockHomeserver(s.ctrl)
	ctx := requestcontext.WithTime(context.Background(), time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s.ctx = requestcontext.WithClientMetadata(ctx, "203.0.113.7", "test-agent")
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) newService(engine policy.Engine, opts ...Option) *Service {
	return New(s.store, engine, s.homeserver, s.publisher,
		slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func (s *ServiceSuite) addProvider(imports upstreammodels.ClaimsImports) *upstreammodels.Provider {
	provider := &upstreammodels.Provider{
		ID:            uuid.New(),
		ClientID:      "upstream-client",
		ClaimsImports: imports,
		CreatedAt:     requestcontext.Now(s.ctx),
	}
	repo, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(repo.UpstreamProviders().Add(s.ctx, provider))
	s.Require().NoError(repo.Save(s.ctx))
	return provider
}

func (s *ServiceSuite) idToken(claims jwt.MapClaims) string {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("upstream-key"))
	s.Require().NoError(err)
	return raw
}

// startAttempt drives Start and HandleCallback, returning the cookie state
// and the link the callback resolved.
func (s *ServiceSuite) startAttempt(svc *Service, provider *upstreammodels.Provider, claims jwt.MapClaims) (cookie.Sessions, *upstreammodels.Link) {
	sessions, _, err := svc.Start(s.ctx, cookie.Sessions{}, provider.ID, "state-1", "nonce-1", "/next")
	s.Require().NoError(err)
	sessions, link, err := svc.HandleCallback(s.ctx, sessions, provider.ID, "state-1", CallbackData{
		IDToken: s.idToken(claims),
	})
	s.Require().NoError(err)
	return sessions, link
}

func (s *ServiceSuite) addUser(username string) *usermodels.User {
	repo, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	user, err := repo.Users().Add(s.ctx, username)
	s.Require().NoError(err)
	s.Require().NoError(repo.Save(s.ctx))
	return user
}

func (s *ServiceSuite) addBrowserSession(user *usermodels.User) *usermodels.BrowserSession {
	repo, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	session, err := repo.BrowserSessions().Add(s.ctx, user, "test-agent")
	s.Require().NoError(err)
	s.Require().NoError(repo.Save(s.ctx))
	return session
}

func (s *ServiceSuite) bindLink(link *upstreammodels.Link, user *usermodels.User) {
	repo, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(repo.UpstreamLinks().AssociateToUser(s.ctx, link, user))
	s.Require().NoError(repo.Save(s.ctx))
}

func (s *ServiceSuite) lookupLink(id uuid.UUID) *upstreammodels.Link {
	repo, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	link, err := repo.UpstreamLinks().Lookup(s.ctx, id)
	s.Require().NoError(err)
	s.Require().NoError(repo.Cancel(s.ctx))
	return link
}

func (s *ServiceSuite) lookupUpstreamSession(id uuid.UUID) *upstreammodels.Session {
	repo, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	session, err := repo.UpstreamSessions().Lookup(s.ctx, id)
	s.Require().NoError(err)
	s.Require().NoError(repo.Cancel(s.ctx))
	return session
}

func suggestAll() upstreammodels.ClaimsImports {
	return upstreammodels.ClaimsImports{
		Localpart:   upstreammodels.ImportPreference{Action: upstreammodels.ImportSuggest},
		DisplayName: upstreammodels.ImportPreference{Action: upstreammodels.ImportSuggest},
		Email:       upstreammodels.ImportPreference{Action: upstreammodels.ImportSuggest},
	}
}

func johnClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":                "subject-john",
		"preferred_username": "john",
		"name":               "John Doe",
		"email":              "john@example.com",
	}
}

// TestRegistrationEndToEnd walks the full happy path: callback, register
// form, user creation with imported attributes, and completion.
func (s *ServiceSuite) TestRegistrationEndToEnd() {
	s.homeserver.EXPECT().IsLocalpartAvailable(gomock.Any(), "john").Return(true, nil).AnyTimes()
	svc := s.newService(policy.NewRules(), WithTermsURI("https://example.com/tos"))

	provider := s.addProvider(suggestAll())
	sessions, link := s.startAttempt(svc, provider, johnClaims())
	s.Nil(s.lookupLink(link.ID).UserID)

	outcome, sessions, err := svc.PostLink(s.ctx, sessions, link.ID, nil, Form{
		Action:            ActionRegister,
		Username:          "john",
		ImportEmail:       true,
		ImportDisplayName: true,
		AcceptTerms:       true,
	})
	s.Require().NoError(err)

	completed, ok := outcome.(Completed)
	s.Require().True(ok, "expected a completed outcome, got %T", outcome)
	s.True(completed.SessionCreated)
	s.Equal("/next", completed.PostAuthAction)
	s.Require().NotNil(completed.Session)
	s.Equal("john", completed.Session.User.Username)

	// cookie entry is gone
	s.Equal(0, sessions.Len())

	// the link is bound to the new user
	bound := s.lookupLink(link.ID)
	s.Require().NotNil(bound.UserID)
	s.Equal(completed.Session.User.ID, *bound.UserID)

	// the upstream session is consumed and the browser session stamped
	repo, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	emails, err := repo.UserEmails().ListByUser(s.ctx, completed.Session.User.ID)
	s.Require().NoError(err)
	s.Require().Len(emails, 1)
	s.Equal("john@example.com", emails[0].Email)
	auths, err := repo.BrowserSessions().ListAuthentications(s.ctx, completed.Session.ID)
	s.Require().NoError(err)
	s.Len(auths, 1)
	s.Require().NoError(repo.Cancel(s.ctx))

	// the provisioning job carries the imported display name
	jobs := s.publisher.Jobs()
	s.Require().Len(jobs, 1)
	s.Equal("john", jobs[0].Username)
	s.Equal("John Doe", jobs[0].DisplayName)
}

// TestGetRegisterPrompt verifies the registration page is pre-filled from
// the upstream identity.
func (s *ServiceSuite) TestGetRegisterPrompt() {
	s.homeserver.EXPECT().IsLocalpartAvailable(gomock.Any(), "john").Return(true, nil)
	svc := s.newService(policy.NewRules())

	provider := s.addProvider(suggestAll())
	sessions, link := s.startAttempt(svc, provider, johnClaims())

	outcome, _, err := svc.GetLink(s.ctx, sessions, link.ID, nil)
	s.Require().NoError(err)

	prompt, ok := outcome.(RegisterPrompt)
	s.Require().True(ok, "expected a register prompt, got %T", outcome)
	s.Equal("john", prompt.Context.Localpart.Value)
	s.False(prompt.Context.Localpart.Forced)
	s.Equal("John Doe", prompt.Context.DisplayName.Value)
	s.Equal("john@example.com", prompt.Context.Email.Value)
	s.True(prompt.Form.Valid())
}

// TestCookieGuards verifies requests not backed by the cookie are refused.
func (s *ServiceSuite) TestCookieGuards() {
	svc := s.newService(policy.NewRules())
	provider := s.addProvider(suggestAll())
	_, link := s.startAttempt(svc, provider, johnClaims())

	s.Run("empty cookie", func() {
		_, _, err := svc.GetLink(s.ctx, cookie.Sessions{}, link.ID, nil)
		s.Require().ErrorIs(err, ErrMissingCookie)
	})

	s.Run("cookie session not bound to the link", func() {
		other, _, err := svc.Start(s.ctx, cookie.Sessions{}, provider.ID, "state-2", "", "")
		s.Require().NoError(err)
		forged, err := other.AddLinkToSession(mustSessionID(s, other, provider.ID, "state-2"), link.ID)
		s.Require().NoError(err)

		_, _, err = svc.GetLink(s.ctx, forged, link.ID, nil)
		s.Require().ErrorIs(err, ErrSessionNotFound)
	})

	s.Run("unknown link", func() {
		sessions, _, err := svc.Start(s.ctx, cookie.Sessions{}, provider.ID, "state-3", "", "")
		s.Require().NoError(err)
		bogus := uuid.New()
		forged, err := sessions.AddLinkToSession(mustSessionID(s, sessions, provider.ID, "state-3"), bogus)
		s.Require().NoError(err)

		_, _, err = svc.GetLink(s.ctx, forged, bogus, nil)
		s.Require().ErrorIs(err, ErrLinkNotFound)
	})
}

func mustSessionID(s *ServiceSuite, sessions cookie.Sessions, providerID uuid.UUID, state string) uuid.UUID {
	entry, ok := sessions.FindByState(providerID, state)
	s.Require().True(ok)
	return entry.SessionID
}

// TestLoginAsBoundUser verifies an anonymous visit on a bound link logs in
// as the link's owner with a fresh browser session.
func (s *ServiceSuite) TestLoginAsBoundUser() {
	svc := s.newService(policy.NewRules())
	provider := s.addProvider(suggestAll())
	sessions, link := s.startAttempt(svc, provider, johnClaims())

	owner := s.addUser("john")
	s.bindLink(link, owner)
	upstreamSessionID := mustSessionID(s, sessions, provider.ID, "state-1")

	outcome, sessions, err := svc.GetLink(s.ctx, sessions, link.ID, nil)
	s.Require().NoError(err)

	completed, ok := outcome.(Completed)
	s.Require().True(ok, "expected a completed outcome, got %T", outcome)
	s.True(completed.SessionCreated)
	s.Equal(owner.ID, completed.Session.User.ID)
	s.Equal(0, sessions.Len())
	s.True(s.lookupUpstreamSession(upstreamSessionID).IsConsumed())
}

// TestSameUserReauthenticates verifies a logged-in visit on the user's own
// link completes silently and a replay is refused.
func (s *ServiceSuite) TestSameUserReauthenticates() {
	svc := s.newService(policy.NewRules())
	provider := s.addProvider(suggestAll())
	sessions, link := s.startAttempt(svc, provider, johnClaims())

	owner := s.addUser("john")
	s.bindLink(link, owner)
	browser := s.addBrowserSession(owner)

	outcome, sessions, err := svc.GetLink(s.ctx, sessions, link.ID, &browser.ID)
	s.Require().NoError(err)

	completed, ok := outcome.(Completed)
	s.Require().True(ok, "expected a completed outcome, got %T", outcome)
	s.False(completed.SessionCreated)
	s.Equal(browser.ID, completed.Session.ID)

	// the attempt cannot be replayed
	_, _, err = svc.GetLink(s.ctx, sessions, link.ID, &browser.ID)
	s.Require().ErrorIs(err, ErrSessionConsumed)
}

// TestMismatch verifies a link owned by someone else renders the mismatch
// page and writes nothing.
func (s *ServiceSuite) TestMismatch() {
	svc := s.newService(policy.NewRules())
	provider := s.addProvider(suggestAll())
	sessions, link := s.startAttempt(svc, provider, johnClaims())

	alice := s.addUser("alice")
	s.bindLink(link, alice)
	bob := s.addUser("bob")
	browser := s.addBrowserSession(bob)

	outcome, _, err := svc.GetLink(s.ctx, sessions, link.ID, &browser.ID)
	s.Require().NoError(err)

	mismatch, ok := outcome.(Mismatch)
	s.Require().True(ok, "expected a mismatch outcome, got %T", outcome)
	s.Equal("alice", mismatch.LinkedUser.Username)
	s.Equal("bob", mismatch.ActiveSession.User.Username)

	// nothing was consumed or stamped
	repo, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	entry, ok := sessions.FindByState(provider.ID, "state-1")
	s.Require().True(ok)
	upstream, err := repo.UpstreamSessions().Lookup(s.ctx, entry.SessionID)
	s.Require().NoError(err)
	s.False(upstream.IsConsumed())
	auths, err := repo.BrowserSessions().ListAuthentications(s.ctx, browser.ID)
	s.Require().NoError(err)
	s.Empty(auths)
	s.Require().NoError(repo.Cancel(s.ctx))

	// the attempt remains usable afterwards
	outcome, _, err = svc.GetLink(s.ctx, sessions, link.ID, &browser.ID)
	s.Require().NoError(err)
	_, ok = outcome.(Mismatch)
	s.True(ok)
}

// TestSuggestAndConfirmLink verifies the logged-in/unbound branch: the page
// suggests linking and the posted confirmation binds the link.
func (s *ServiceSuite) TestSuggestAndConfirmLink() {
	svc := s.newService(policy.NewRules())
	provider := s.addProvider(suggestAll())
	sessions, link := s.startAttempt(svc, provider, johnClaims())

	user := s.addUser("carol")
	browser := s.addBrowserSession(user)

	outcome, _, err := svc.GetLink(s.ctx, sessions, link.ID, &browser.ID)
	s.Require().NoError(err)
	suggest, ok := outcome.(SuggestLink)
	s.Require().True(ok, "expected a suggest-link outcome, got %T", outcome)
	s.Equal(link.ID, suggest.Link.ID)
	s.Nil(s.lookupLink(link.ID).UserID)

	outcome, sessions, err = svc.PostLink(s.ctx, sessions, link.ID, &browser.ID, Form{Action: ActionLink})
	s.Require().NoError(err)
	completed, ok := outcome.(Completed)
	s.Require().True(ok, "expected a completed outcome, got %T", outcome)
	s.False(completed.SessionCreated)
	s.Equal(browser.ID, completed.Session.ID)
	s.Equal(0, sessions.Len())

	bound := s.lookupLink(link.ID)
	s.Require().NotNil(bound.UserID)
	s.Equal(user.ID, *bound.UserID)
}

// TestInvalidFormAction verifies actions that do not match the link state.
func (s *ServiceSuite) TestInvalidFormAction() {
	svc := s.newService(policy.NewRules())
	provider := s.addProvider(suggestAll())

	s.Run("register while logged in", func() {
		sessions, link := s.startAttempt(svc, provider, johnClaims())
		user := s.addUser("dave")
		browser := s.addBrowserSession(user)

		_, _, err := svc.PostLink(s.ctx, sessions, link.ID, &browser.ID, Form{Action: ActionRegister, Username: "x"})
		s.Require().ErrorIs(err, ErrInvalidFormAction)
	})

	s.Run("link while anonymous", func() {
		sessions, _, err := svc.Start(s.ctx, cookie.Sessions{}, provider.ID, "state-9", "", "")
		s.Require().NoError(err)
		sessions, link, err := svc.HandleCallback(s.ctx, sessions, provider.ID, "state-9", CallbackData{
			IDToken: s.idToken(jwt.MapClaims{"sub": "another-subject"}),
		})
		s.Require().NoError(err)

		_, _, err = svc.PostLink(s.ctx, sessions, link.ID, nil, Form{Action: ActionLink})
		s.Require().ErrorIs(err, ErrInvalidFormAction)
	})
}

// TestHomeserverDenied verifies a homeserver-side denial surfaces as an
// exists error unless policy already rejected the username.
func (s *ServiceSuite) TestHomeserverDenied() {
	provider := s.addProvider(suggestAll())

	s.Run("reported as exists when policy passes", func() {
		s.homeserver.EXPECT().IsLocalpartAvailable(gomock.Any(), "john").Return(false, nil)
		svc := s.newService(policy.NewRules())
		sessions, link := s.startAttempt(svc, provider, johnClaims())

		outcome, _, err := svc.PostLink(s.ctx, sessions, link.ID, nil, Form{Action: ActionRegister, Username: "john"})
		s.Require().NoError(err)

		prompt, ok := outcome.(RegisterPrompt)
		s.Require().True(ok, "expected a register prompt, got %T", outcome)
		s.True(prompt.Form.HasFieldError(FieldUsername, FieldErrorExists))
		s.Nil(s.lookupLink(link.ID).UserID)
	})

	s.Run("suppressed when policy rejects the username", func() {
		s.homeserver.EXPECT().IsLocalpartAvailable(gomock.Any(), "john").Return(false, nil)
		engine := NewMockEngine(s.ctrl)
		engine.EXPECT().EvaluateRegister(gomock.Any(), gomock.Any()).Return(policy.Decision{
			Violations: []policy.Violation{{Field: "username", Code: "username-reserved", Msg: "username is reserved"}},
		}, nil)
		svc := s.newService(engine)
		sessions, link := s.startAttempt(svc, provider, jwt.MapClaims{"sub": "subject-2", "preferred_username": "john"})

		outcome, _, err := svc.PostLink(s.ctx, sessions, link.ID, nil, Form{Action: ActionRegister, Username: "john"})
		s.Require().NoError(err)

		prompt, ok := outcome.(RegisterPrompt)
		s.Require().True(ok, "expected a register prompt, got %T", outcome)
		s.True(prompt.Form.HasFieldError(FieldUsername, FieldErrorPolicy))
		s.False(prompt.Form.HasFieldError(FieldUsername, FieldErrorExists))
	})
}

// TestHomeserverUnreachable verifies a probe failure aborts before writes.
func (s *ServiceSuite) TestHomeserverUnreachable() {
	s.homeserver.EXPECT().IsLocalpartAvailable(gomock.Any(), "john").
		Return(false, errors.New("connection refused"))
	svc := s.newService(policy.NewRules())
	provider := s.addProvider(suggestAll())
	sessions, link := s.startAttempt(svc, provider, johnClaims())

	_, _, err := svc.PostLink(s.ctx, sessions, link.ID, nil, Form{Action: ActionRegister, Username: "john"})

	var connErr *HomeserverConnectionError
	s.Require().ErrorAs(err, &connErr)

	repo, repoErr := s.store.Begin(s.ctx)
	s.Require().NoError(repoErr)
	exists, existsErr := repo.Users().Exists(s.ctx, "john")
	s.Require().NoError(existsErr)
	s.False(exists)
	s.Require().NoError(repo.Cancel(s.ctx))
}

// TestLocalUsernameTaken verifies a locally taken username short-circuits
// before the homeserver probe.
func (s *ServiceSuite) TestLocalUsernameTaken() {
	svc := s.newService(policy.NewRules())
	provider := s.addProvider(suggestAll())
	sessions, link := s.startAttempt(svc, provider, johnClaims())
	s.addUser("john")

	outcome, _, err := svc.PostLink(s.ctx, sessions, link.ID, nil, Form{Action: ActionRegister, Username: "john"})
	s.Require().NoError(err)

	prompt, ok := outcome.(RegisterPrompt)
	s.Require().True(ok, "expected a register prompt, got %T", outcome)
	s.True(prompt.Form.HasFieldError(FieldUsername, FieldErrorExists))
}

// TestForcedLocalpart verifies the forced-attribute rules on the GET branch.
func (s *ServiceSuite) TestForcedLocalpart() {
	imports := suggestAll()
	imports.Localpart = upstreammodels.ImportPreference{Action: upstreammodels.ImportForce}

	s.Run("taken localpart blocks the flow", func() {
		svc := s.newService(policy.NewRules())
		provider := s.addProvider(imports)
		sessions, link := s.startAttempt(svc, provider, johnClaims())
		s.addUser("john")

		outcome, _, err := svc.GetLink(s.ctx, sessions, link.ID, nil)
		s.Require().NoError(err)

		blocked, ok := outcome.(Blocked)
		s.Require().True(ok, "expected a blocked outcome, got %T", outcome)
		s.Equal("User exists", blocked.Code)
	})

	s.Run("policy-failing localpart blocks the flow", func() {
		s.homeserver.EXPECT().IsLocalpartAvailable(gomock.Any(), "John Doe!").Return(true, nil)
		svc := s.newService(policy.NewRules())
		provider := s.addProvider(imports)
		sessions, link := s.startAttempt(svc, provider, jwt.MapClaims{
			"sub":                "subject-caps",
			"preferred_username": "John Doe!",
		})

		outcome, _, err := svc.GetLink(s.ctx, sessions, link.ID, nil)
		s.Require().NoError(err)

		blocked, ok := outcome.(Blocked)
		s.Require().True(ok, "expected a blocked outcome, got %T", outcome)
		s.Equal("Policy error", blocked.Code)
	})

	s.Run("empty forced localpart is fatal", func() {
		svc := s.newService(policy.NewRules())
		provider := s.addProvider(imports)
		sessions, link := s.startAttempt(svc, provider, jwt.MapClaims{
			"sub":                "subject-empty",
			"preferred_username": "",
		})

		_, _, err := svc.GetLink(s.ctx, sessions, link.ID, nil)
		var emptyErr *mapper.RequiredAttributeEmptyError
		s.Require().ErrorAs(err, &emptyErr)
	})
}

// TestForcedLocalpartOverridesForm verifies the POST path ignores the
// submitted username when the localpart import is forced.
func (s *ServiceSuite) TestForcedLocalpartOverridesForm() {
	s.homeserver.EXPECT().IsLocalpartAvailable(gomock.Any(), "john").Return(true, nil)
	imports := suggestAll()
	imports.Localpart = upstreammodels.ImportPreference{Action: upstreammodels.ImportForce}
	svc := s.newService(policy.NewRules())
	provider := s.addProvider(imports)
	sessions, link := s.startAttempt(svc, provider, johnClaims())

	outcome, _, err := svc.PostLink(s.ctx, sessions, link.ID, nil, Form{
		Action:   ActionRegister,
		Username: "something-else",
	})
	s.Require().NoError(err)

	completed, ok := outcome.(Completed)
	s.Require().True(ok, "expected a completed outcome, got %T", outcome)
	s.Equal("john", completed.Session.User.Username)
}

// TestTermsRequired verifies registration demands terms acceptance when the
// deployment configures a terms document.
func (s *ServiceSuite) TestTermsRequired() {
	s.homeserver.EXPECT().IsLocalpartAvailable(gomock.Any(), "john").Return(true, nil)
	svc := s.newService(policy.NewRules(), WithTermsURI("https://example.com/tos"))
	provider := s.addProvider(suggestAll())
	sessions, link := s.startAttempt(svc, provider, johnClaims())

	outcome, _, err := svc.PostLink(s.ctx, sessions, link.ID, nil, Form{Action: ActionRegister, Username: "john"})
	s.Require().NoError(err)

	prompt, ok := outcome.(RegisterPrompt)
	s.Require().True(ok, "expected a register prompt, got %T", outcome)
	s.True(prompt.Form.HasFieldError(FieldAcceptTerms, FieldErrorRequired))
	s.Nil(s.lookupLink(link.ID).UserID)
	s.Empty(s.publisher.Jobs())
}

// TestOptionalImportsSkipped verifies declined opt-ins leave the attributes
// out of the created account.
func (s *ServiceSuite) TestOptionalImportsSkipped() {
	s.homeserver.EXPECT().IsLocalpartAvailable(gomock.Any(), "john").Return(true, nil)
	svc := s.newService(policy.NewRules())
	provider := s.addProvider(suggestAll())
	sessions, link := s.startAttempt(svc, provider, johnClaims())

	outcome, _, err := svc.PostLink(s.ctx, sessions, link.ID, nil, Form{
		Action:   ActionRegister,
		Username: "john",
		// neither email nor display name opted in
	})
	s.Require().NoError(err)

	completed, ok := outcome.(Completed)
	s.Require().True(ok, "expected a completed outcome, got %T", outcome)

	repo, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	emails, err := repo.UserEmails().ListByUser(s.ctx, completed.Session.User.ID)
	s.Require().NoError(err)
	s.Empty(emails)
	s.Require().NoError(repo.Cancel(s.ctx))

	jobs := s.publisher.Jobs()
	s.Require().Len(jobs, 1)
	s.Empty(jobs[0].DisplayName)
}

// TestCallbackGuards verifies callback handling rejects unknown state and
// subject-less tokens.
func (s *ServiceSuite) TestCallbackGuards() {
	svc := s.newService(policy.NewRules())
	provider := s.addProvider(suggestAll())

	s.Run("unknown state", func() {
		_, _, err := svc.HandleCallback(s.ctx, cookie.Sessions{}, provider.ID, "never-started", CallbackData{
			IDToken: s.idToken(jwt.MapClaims{"sub": "x"}),
		})
		s.Require().ErrorIs(err, ErrSessionNotFound)
	})

	s.Run("token without subject", func() {
		sessions, _, err := svc.Start(s.ctx, cookie.Sessions{}, provider.ID, "state-ns", "", "")
		s.Require().NoError(err)
		_, _, err = svc.HandleCallback(s.ctx, sessions, provider.ID, "state-ns", CallbackData{
			IDToken: s.idToken(jwt.MapClaims{"preferred_username": "john"}),
		})
		s.Require().Error(err)
	})

	s.Run("same subject resolves the same link", func() {
		sessions, _, err := svc.Start(s.ctx, cookie.Sessions{}, provider.ID, "state-r1", "", "")
		s.Require().NoError(err)
		_, first, err := svc.HandleCallback(s.ctx, sessions, provider.ID, "state-r1", CallbackData{
			IDToken: s.idToken(jwt.MapClaims{"sub": "stable-subject"}),
		})
		s.Require().NoError(err)

		sessions, _, err = svc.Start(s.ctx, cookie.Sessions{}, provider.ID, "state-r2", "", "")
		s.Require().NoError(err)
		_, second, err := svc.HandleCallback(s.ctx, sessions, provider.ID, "state-r2", CallbackData{
			IDToken: s.idToken(jwt.MapClaims{"sub": "stable-subject"}),
		})
		s.Require().NoError(err)

		s.Equal(first.ID, second.ID)
	})
}

// observingPublisher lets a test watch or fail the publish call.
type observingPublisher struct {
	observe func(queue.ProvisionUserJob)
	err     error
	jobs    []queue.ProvisionUserJob
}

func (p *observingPublisher) Schedule(_ context.Context, job queue.ProvisionUserJob) error {
	if p.err != nil {
		return p.err
	}
	if p.observe != nil {
		p.observe(job)
	}
	p.jobs = append(p.jobs, job)
	return nil
}

// TestProvisionJobPublishedAfterCommit verifies the provisioning job only
// leaves the process once the registration transaction has committed, so
// the homeserver can never learn about a user whose local record was
// rolled back.
func (s *ServiceSuite) TestProvisionJobPublishedAfterCommit() {
	s.homeserver.EXPECT().IsLocalpartAvailable(gomock.Any(), "john").Return(true, nil).AnyTimes()

	pub := &observingPublisher{}
	pub.observe = func(job queue.ProvisionUserJob) {
		repo, err := s.store.Begin(s.ctx)
		s.Require().NoError(err)
		exists, err := repo.Users().Exists(s.ctx, job.Username)
		s.Require().NoError(err)
		s.Require().NoError(repo.Cancel(s.ctx))
		s.True(exists, "job published before the user was committed")
	}
	svc := New(s.store, policy.NewRules(), s.homeserver, pub,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	provider := s.addProvider(suggestAll())
	sessions, link := s.startAttempt(svc, provider, johnClaims())

	outcome, _, err := svc.PostLink(s.ctx, sessions, link.ID, nil, Form{
		Action:   ActionRegister,
		Username: "john",
	})
	s.Require().NoError(err)
	_, ok := outcome.(Completed)
	s.Require().True(ok, "expected a completed outcome, got %T", outcome)
	s.Len(pub.jobs, 1)
}

// TestProvisionJobPublishFailure verifies a broker failure after commit
// does not undo a registration that already happened.
func (s *ServiceSuite) TestProvisionJobPublishFailure() {
	s.homeserver.EXPECT().IsLocalpartAvailable(gomock.Any(), "john").Return(true, nil).AnyTimes()

	pub := &observingPublisher{err: errors.New("broker down")}
	svc := New(s.store, policy.NewRules(), s.homeserver, pub,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	provider := s.addProvider(suggestAll())
	sessions, link := s.startAttempt(svc, provider, johnClaims())

	outcome, _, err := svc.PostLink(s.ctx, sessions, link.ID, nil, Form{
		Action:   ActionRegister,
		Username: "john",
	})
	s.Require().NoError(err)
	completed, ok := outcome.(Completed)
	s.Require().True(ok, "expected a completed outcome, got %T", outcome)

	repo, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	exists, err := repo.Users().Exists(s.ctx, completed.Session.User.Username)
	s.Require().NoError(err)
	s.Require().NoError(repo.Cancel(s.ctx))
	s.True(exists)
}
