// Package memory implements the storage unit-of-work with a coarse store
// lock: Begin snapshots the whole state, mutations act on the snapshot, Save
// swaps it in, Cancel discards it. The lock is held for the lifetime of the
// unit of work, which gives single-writer semantics equivalent to the
// database's row-level guarantees. Intended for tests and development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"janus/internal/storage"
	upstreammodels "janus/internal/upstream/models"
	usermodels "janus/internal/user/models"
	"janus/pkg/platform/sentinel"
	"janus/pkg/requestcontext"
)

type subjectKey struct {
	providerID uuid.UUID
	subject    string
}

type state struct {
	users            map[uuid.UUID]usermodels.User
	usersByName      map[string]uuid.UUID
	emails           map[uuid.UUID][]usermodels.UserEmail
	browserSessions  map[uuid.UUID]usermodels.BrowserSession
	authentications  map[uuid.UUID][]storage.UpstreamAuthentication
	terms            []usermodels.TermsAcceptance
	providers        map[uuid.UUID]upstreammodels.Provider
	upstreamSessions map[uuid.UUID]upstreammodels.Session
	links            map[uuid.UUID]upstreammodels.Link
	linksBySubject   map[subjectKey]uuid.UUID
}

func newState() state {
	return state{
		users:            make(map[uuid.UUID]usermodels.User),
		usersByName:      make(map[string]uuid.UUID),
		emails:           make(map[uuid.UUID][]usermodels.UserEmail),
		browserSessions:  make(map[uuid.UUID]usermodels.BrowserSession),
		authentications:  make(map[uuid.UUID][]storage.UpstreamAuthentication),
		providers:        make(map[uuid.UUID]upstreammodels.Provider),
		upstreamSessions: make(map[uuid.UUID]upstreammodels.Session),
		links:            make(map[uuid.UUID]upstreammodels.Link),
		linksBySubject:   make(map[subjectKey]uuid.UUID),
	}
}

// Entities are treated as immutable values inside the state: mutations
// replace the whole value, so a shallow map copy is a valid snapshot.
func (s state) clone() state {
	cp := newState()
	for k, v := range s.users {
		cp.users[k] = v
	}
	for k, v := range s.usersByName {
		cp.usersByName[k] = v
	}
	for k, v := range s.emails {
		cp.emails[k] = append([]usermodels.UserEmail(nil), v...)
	}
	for k, v := range s.browserSessions {
		cp.browserSessions[k] = v
	}
	for k, v := range s.authentications {
		cp.authentications[k] = append([]storage.UpstreamAuthentication(nil), v...)
	}
	cp.terms = append([]usermodels.TermsAcceptance(nil), s.terms...)
	for k, v := range s.providers {
		cp.providers[k] = v
	}
	for k, v := range s.upstreamSessions {
		cp.upstreamSessions[k] = v
	}
	for k, v := range s.links {
		cp.links[k] = v
	}
	for k, v := range s.linksBySubject {
		cp.linksBySubject[k] = v
	}
	return cp
}

// Store is the shared in-memory state behind every unit of work.
type Store struct {
	mu    sync.Mutex
	state state
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{state: newState()}
}

// Begin opens a unit of work, taking the store lock until it is resolved.
func (s *Store) Begin(_ context.Context) (storage.Repository, error) {
	s.mu.Lock()
	return &repo{store: s, staged: s.state.clone()}, nil
}

type repo struct {
	store    *Store
	staged   state
	resolved bool
}

var errResolved = fmt.Errorf("unit of work already resolved: %w", sentinel.ErrInvalidState)

func (r *repo) Save(context.Context) error {
	if r.resolved {
		return errResolved
	}
	r.resolved = true
	r.store.state = r.staged
	r.store.mu.Unlock()
	return nil
}

func (r *repo) Cancel(context.Context) error {
	if r.resolved {
		return errResolved
	}
	r.resolved = true
	r.store.mu.Unlock()
	return nil
}

func (r *repo) Users() storage.UserRepository                     { return (*userRepo)(r) }
func (r *repo) UserEmails() storage.UserEmailRepository           { return (*emailRepo)(r) }
func (r *repo) BrowserSessions() storage.BrowserSessionRepository { return (*sessionRepo)(r) }
func (r *repo) Terms() storage.TermsRepository                    { return (*termsRepo)(r) }
func (r *repo) UpstreamProviders() storage.UpstreamProviderRepository {
	return (*providerRepo)(r)
}
func (r *repo) UpstreamSessions() storage.UpstreamSessionRepository {
	return (*upstreamSessionRepo)(r)
}
func (r *repo) UpstreamLinks() storage.UpstreamLinkRepository { return (*linkRepo)(r) }

type userRepo repo

func (r *userRepo) Lookup(_ context.Context, id uuid.UUID) (*usermodels.User, error) {
	user, ok := r.staged.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, sentinel.ErrNotFound)
	}
	return &user, nil
}

func (r *userRepo) FindByUsername(_ context.Context, username string) (*usermodels.User, error) {
	id, ok := r.staged.usersByName[username]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", username, sentinel.ErrNotFound)
	}
	user := r.staged.users[id]
	return &user, nil
}

func (r *userRepo) Exists(_ context.Context, username string) (bool, error) {
	_, ok := r.staged.usersByName[username]
	return ok, nil
}

func (r *userRepo) Add(ctx context.Context, username string) (*usermodels.User, error) {
	if r.resolved {
		return nil, errResolved
	}
	if _, taken := r.staged.usersByName[username]; taken {
		return nil, fmt.Errorf("username %q: %w", username, sentinel.ErrConflict)
	}
	user := usermodels.User{
		ID:        uuid.New(),
		Username:  username,
		CreatedAt: requestcontext.Now(ctx),
	}
	r.staged.users[user.ID] = user
	r.staged.usersByName[username] = user.ID
	return &user, nil
}

type emailRepo repo

func (r *emailRepo) Add(ctx context.Context, userID uuid.UUID, email string) (*usermodels.UserEmail, error) {
	if r.resolved {
		return nil, errResolved
	}
	for _, existing := range r.staged.emails[userID] {
		if existing.Email == email {
			return nil, fmt.Errorf("email %q for user %s: %w", email, userID, sentinel.ErrConflict)
		}
	}
	record := usermodels.UserEmail{
		ID:        uuid.New(),
		UserID:    userID,
		Email:     email,
		CreatedAt: requestcontext.Now(ctx),
	}
	r.staged.emails[userID] = append(r.staged.emails[userID], record)
	return &record, nil
}

func (r *emailRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]usermodels.UserEmail, error) {
	return append([]usermodels.UserEmail(nil), r.staged.emails[userID]...), nil
}

type sessionRepo repo

func (r *sessionRepo) Lookup(_ context.Context, id uuid.UUID) (*usermodels.BrowserSession, error) {
	session, ok := r.staged.browserSessions[id]
	if !ok {
		return nil, fmt.Errorf("browser session %s: %w", id, sentinel.ErrNotFound)
	}
	return &session, nil
}

func (r *sessionRepo) Add(ctx context.Context, user *usermodels.User, userAgent string) (*usermodels.BrowserSession, error) {
	if r.resolved {
		return nil, errResolved
	}
	session := usermodels.BrowserSession{
		ID:        uuid.New(),
		User:      *user,
		CreatedAt: requestcontext.Now(ctx),
		UserAgent: usermodels.ParseUserAgent(userAgent),
	}
	r.staged.browserSessions[session.ID] = session
	return &session, nil
}

func (r *sessionRepo) AuthenticateWithUpstream(ctx context.Context, session *usermodels.BrowserSession, upstream *upstreammodels.Session) error {
	if r.resolved {
		return errResolved
	}
	if _, ok := r.staged.browserSessions[session.ID]; !ok {
		return fmt.Errorf("browser session %s: %w", session.ID, sentinel.ErrNotFound)
	}
	r.staged.authentications[session.ID] = append(r.staged.authentications[session.ID], storage.UpstreamAuthentication{
		ID:                uuid.New(),
		BrowserSessionID:  session.ID,
		UpstreamSessionID: upstream.ID,
		CreatedAt:         requestcontext.Now(ctx).Unix(),
	})
	return nil
}

func (r *sessionRepo) ListAuthentications(_ context.Context, sessionID uuid.UUID) ([]storage.UpstreamAuthentication, error) {
	return append([]storage.UpstreamAuthentication(nil), r.staged.authentications[sessionID]...), nil
}

type termsRepo repo

func (r *termsRepo) AcceptTerms(ctx context.Context, user *usermodels.User, termsURL string) error {
	if r.resolved {
		return errResolved
	}
	r.staged.terms = append(r.staged.terms, usermodels.TermsAcceptance{
		ID:        uuid.New(),
		UserID:    user.ID,
		TermsURL:  termsURL,
		CreatedAt: requestcontext.Now(ctx),
	})
	return nil
}

type providerRepo repo

func (r *providerRepo) Lookup(_ context.Context, id uuid.UUID) (*upstreammodels.Provider, error) {
	provider, ok := r.staged.providers[id]
	if !ok {
		return nil, fmt.Errorf("upstream provider %s: %w", id, sentinel.ErrNotFound)
	}
	return &provider, nil
}

func (r *providerRepo) Add(_ context.Context, provider *upstreammodels.Provider) error {
	if r.resolved {
		return errResolved
	}
	r.staged.providers[provider.ID] = *provider
	return nil
}

type upstreamSessionRepo repo

func (r *upstreamSessionRepo) Lookup(_ context.Context, id uuid.UUID) (*upstreammodels.Session, error) {
	session, ok := r.staged.upstreamSessions[id]
	if !ok {
		return nil, fmt.Errorf("upstream session %s: %w", id, sentinel.ErrNotFound)
	}
	return &session, nil
}

func (r *upstreamSessionRepo) Add(ctx context.Context, provider *upstreammodels.Provider, state, nonce string) (*upstreammodels.Session, error) {
	if r.resolved {
		return nil, errResolved
	}
	session := upstreammodels.Session{
		ID:         uuid.New(),
		ProviderID: provider.ID,
		State:      state,
		Nonce:      nonce,
		CreatedAt:  requestcontext.Now(ctx),
	}
	r.staged.upstreamSessions[session.ID] = session
	return &session, nil
}

func (r *upstreamSessionRepo) CompleteWithLink(_ context.Context, session *upstreammodels.Session, link *upstreammodels.Link, idToken string, extraCallbackParameters, userinfo map[string]any) (*upstreammodels.Session, error) {
	if r.resolved {
		return nil, errResolved
	}
	current, ok := r.staged.upstreamSessions[session.ID]
	if !ok {
		return nil, fmt.Errorf("upstream session %s: %w", session.ID, sentinel.ErrNotFound)
	}
	if current.LinkID != nil {
		return nil, fmt.Errorf("upstream session %s already completed: %w", session.ID, sentinel.ErrInvalidState)
	}
	linkID := link.ID
	current.LinkID = &linkID
	current.IDToken = idToken
	current.ExtraCallbackParameters = extraCallbackParameters
	current.Userinfo = userinfo
	r.staged.upstreamSessions[session.ID] = current
	return &current, nil
}

func (r *upstreamSessionRepo) Consume(ctx context.Context, session *upstreammodels.Session) (*upstreammodels.Session, error) {
	if r.resolved {
		return nil, errResolved
	}
	current, ok := r.staged.upstreamSessions[session.ID]
	if !ok {
		return nil, fmt.Errorf("upstream session %s: %w", session.ID, sentinel.ErrNotFound)
	}
	if err := current.Consume(requestcontext.Now(ctx)); err != nil {
		return nil, err
	}
	r.staged.upstreamSessions[session.ID] = current
	return &current, nil
}

type linkRepo repo

func (r *linkRepo) Lookup(_ context.Context, id uuid.UUID) (*upstreammodels.Link, error) {
	link, ok := r.staged.links[id]
	if !ok {
		return nil, fmt.Errorf("upstream link %s: %w", id, sentinel.ErrNotFound)
	}
	return &link, nil
}

func (r *linkRepo) FindBySubject(_ context.Context, providerID uuid.UUID, subject string) (*upstreammodels.Link, error) {
	id, ok := r.staged.linksBySubject[subjectKey{providerID: providerID, subject: subject}]
	if !ok {
		return nil, fmt.Errorf("upstream link for subject %q: %w", subject, sentinel.ErrNotFound)
	}
	link := r.staged.links[id]
	return &link, nil
}

func (r *linkRepo) Add(ctx context.Context, provider *upstreammodels.Provider, subject string) (*upstreammodels.Link, error) {
	if r.resolved {
		return nil, errResolved
	}
	key := subjectKey{providerID: provider.ID, subject: subject}
	if _, exists := r.staged.linksBySubject[key]; exists {
		return nil, fmt.Errorf("subject %q for provider %s: %w", subject, provider.ID, sentinel.ErrConflict)
	}
	link := upstreammodels.Link{
		ID:         uuid.New(),
		ProviderID: provider.ID,
		Subject:    subject,
		CreatedAt:  requestcontext.Now(ctx),
	}
	r.staged.links[link.ID] = link
	r.staged.linksBySubject[key] = link.ID
	return &link, nil
}

func (r *linkRepo) AssociateToUser(_ context.Context, link *upstreammodels.Link, user *usermodels.User) error {
	if r.resolved {
		return errResolved
	}
	current, ok := r.staged.links[link.ID]
	if !ok {
		return fmt.Errorf("upstream link %s: %w", link.ID, sentinel.ErrNotFound)
	}
	if current.UserID != nil {
		return fmt.Errorf("upstream link %s already bound: %w", link.ID, sentinel.ErrInvalidState)
	}
	userID := user.ID
	current.UserID = &userID
	r.staged.links[link.ID] = current
	link.UserID = &userID
	return nil
}
