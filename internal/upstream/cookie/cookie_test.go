package cookie

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
)

type CookieSuite struct {
	suite.Suite
	codec *Codec
	now   time.Time
}

func (s *CookieSuite) SetupTest() {
	s.codec = NewCodec([]byte("test-signing-key"), 15*time.Minute)
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestCookieSuite(t *testing.T) {
	suite.Run(t, new(CookieSuite))
}

// TestRoundTrip verifies encode/load preserves tracked attempts.
func (s *CookieSuite) TestRoundTrip() {
	sessionID := uuid.New()
	providerID := uuid.New()
	linkID := uuid.New()

	sessions := Sessions{}.Add(sessionID, providerID, "state-1", "/next", s.now)
	sessions, err := sessions.AddLinkToSession(sessionID, linkID)
	s.Require().NoError(err)

	raw, err := s.codec.Encode(sessions, s.now)
	s.Require().NoError(err)

	loaded := s.codec.Load(raw, s.now.Add(time.Minute))
	s.Equal(1, loaded.Len())

	gotSession, gotAction, err := loaded.LookupLink(linkID)
	s.Require().NoError(err)
	s.Equal(sessionID, gotSession)
	s.Equal("/next", gotAction)

	entry, ok := loaded.FindByState(providerID, "state-1")
	s.Require().True(ok)
	s.Equal(sessionID, entry.SessionID)
}

// TestTampering verifies that any signature failure degrades to an empty set
// rather than an error.
func (s *CookieSuite) TestTampering() {
	s.Run("garbage value", func() {
		s.Equal(0, s.codec.Load("not-a-jwt", s.now).Len())
	})

	s.Run("wrong key", func() {
		other := NewCodec([]byte("different-key"), 15*time.Minute)
		raw, err := other.Encode(Sessions{}.Add(uuid.New(), uuid.New(), "st", "", s.now), s.now)
		s.Require().NoError(err)
		s.Equal(0, s.codec.Load(raw, s.now).Len())
	})

	s.Run("empty value", func() {
		s.Equal(0, s.codec.Load("", s.now).Len())
	})
}

// TestExpiry verifies stale entries are filtered on load.
func (s *CookieSuite) TestExpiry() {
	fresh := uuid.New()
	sessions := Sessions{}.
		Add(uuid.New(), uuid.New(), "old", "", s.now.Add(-20*time.Minute)).
		Add(fresh, uuid.New(), "new", "", s.now)

	raw, err := s.codec.Encode(sessions, s.now)
	s.Require().NoError(err)

	loaded := s.codec.Load(raw, s.now)
	s.Equal(1, loaded.Len())
	_, ok := loaded.FindByState(sessions.entries[1].ProviderID, "new")
	s.True(ok)
}

// TestConsumeLink verifies completed attempts are dropped exactly once.
func (s *CookieSuite) TestConsumeLink() {
	sessionID := uuid.New()
	linkID := uuid.New()

	sessions := Sessions{}.Add(sessionID, uuid.New(), "state", "", s.now)
	sessions, err := sessions.AddLinkToSession(sessionID, linkID)
	s.Require().NoError(err)

	consumed, err := sessions.ConsumeLink(linkID)
	s.Require().NoError(err)
	s.Equal(0, consumed.Len())

	_, err = consumed.ConsumeLink(linkID)
	s.Require().ErrorIs(err, ErrLinkNotTracked)

	// the original value is untouched
	s.Equal(1, sessions.Len())
}

// TestAddLinkToUnknownSession verifies a link cannot be attached to an
// attempt the cookie never started.
func (s *CookieSuite) TestAddLinkToUnknownSession() {
	sessions := Sessions{}.Add(uuid.New(), uuid.New(), "state", "", s.now)
	_, err := sessions.AddLinkToSession(uuid.New(), uuid.New())
	s.Require().ErrorIs(err, ErrLinkNotTracked)
}

// TestConcurrentAttempts verifies multiple tabs coexist keyed by session.
func (s *CookieSuite) TestConcurrentAttempts() {
	providerID := uuid.New()
	first := uuid.New()
	second := uuid.New()
	firstLink := uuid.New()
	secondLink := uuid.New()

	sessions := Sessions{}.
		Add(first, providerID, "state-a", "/a", s.now).
		Add(second, providerID, "state-b", "/b", s.now)
	sessions, err := sessions.AddLinkToSession(first, firstLink)
	s.Require().NoError(err)
	sessions, err = sessions.AddLinkToSession(second, secondLink)
	s.Require().NoError(err)

	gotSession, gotAction, err := sessions.LookupLink(secondLink)
	s.Require().NoError(err)
	s.Equal(second, gotSession)
	s.Equal("/b", gotAction)

	sessions, err = sessions.ConsumeLink(firstLink)
	s.Require().NoError(err)
	s.Equal(1, sessions.Len())
	_, _, err = sessions.LookupLink(firstLink)
	s.ErrorIs(err, ErrLinkNotTracked)
}
