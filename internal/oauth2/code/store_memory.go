package code

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"janus/internal/oauth2/models"
	"janus/pkg/platform/sentinel"
)

// InMemoryStore keeps codes and sessions in maps for tests and development.
// It honors the same error contract as the postgres store, including the
// exactly-once delete semantics under its mutex.
type InMemoryStore struct {
	mu       sync.Mutex
	codes    map[uuid.UUID]*models.Code
	byValue  map[string]uuid.UUID
	sessions map[uuid.UUID]*models.Session
}

// New constructs an empty in-memory code store.
func New() *InMemoryStore {
	return &InMemoryStore{
		codes:    make(map[uuid.UUID]*models.Code),
		byValue:  make(map[string]uuid.UUID),
		sessions: make(map[uuid.UUID]*models.Session),
	}
}

func (s *InMemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *InMemoryStore) FindSession(_ context.Context, id uuid.UUID) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("oauth2 session %s: %w", id, sentinel.ErrNotFound)
	}
	cp := *session
	return &cp, nil
}

func (s *InMemoryStore) Issue(_ context.Context, c *models.Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byValue[c.Code]; exists {
		return fmt.Errorf("authorization code value collision: %w", sentinel.ErrConflict)
	}
	cp := *c
	s.codes[c.ID] = &cp
	s.byValue[c.Code] = c.ID
	return nil
}

func (s *InMemoryStore) Lookup(_ context.Context, code string) (*models.CodeLookup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byValue[code]
	if !ok {
		return nil, fmt.Errorf("authorization code: %w", sentinel.ErrNotFound)
	}
	record := s.codes[id]
	session, ok := s.sessions[record.SessionID]
	if !ok {
		return nil, fmt.Errorf("oauth2 session %s for code: %w", record.SessionID, sentinel.ErrNotFound)
	}
	return &models.CodeLookup{
		ID:                  record.ID,
		SessionID:           session.ID,
		ClientID:            session.ClientID,
		RedirectURI:         session.RedirectURI,
		Scope:               session.Scope,
		Nonce:               session.Nonce,
		CodeChallenge:       record.CodeChallenge,
		CodeChallengeMethod: record.CodeChallengeMethod,
	}, nil
}

func (s *InMemoryStore) Consume(_ context.Context, codeID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.codes[codeID]
	if !ok {
		return fmt.Errorf("authorization code %s already consumed or unknown: %w", codeID, sentinel.ErrAlreadyUsed)
	}
	delete(s.codes, codeID)
	delete(s.byValue, record.Code)
	return nil
}
