package service

import (
	"errors"
	"fmt"
)

// Flow errors surfaced to the handler. Missing referenced entities are never
// silently substituted; a request whose client-side state doesn't match the
// expected state-machine branch must not pick a different branch.
var (
	// ErrLinkNotFound reports that the link in the URL does not exist.
	ErrLinkNotFound = errors.New("link not found")
	// ErrSessionNotFound reports a missing upstream session, or one that is
	// not bound to the link being acted on.
	ErrSessionNotFound = errors.New("upstream session not found")
	// ErrUserNotFound reports a missing or locked user behind a bound link.
	ErrUserNotFound = errors.New("user not found")
	// ErrProviderNotFound reports missing provider configuration.
	ErrProviderNotFound = errors.New("upstream provider not found")
	// ErrSessionConsumed reports replay of an already-completed attempt.
	ErrSessionConsumed = errors.New("upstream session already consumed")
	// ErrMissingCookie reports that the browser's session cookie does not
	// track the attempt being acted on.
	ErrMissingCookie = errors.New("missing upstream session cookie")
	// ErrInvalidFormAction reports a submitted action that does not match
	// the state the link is in.
	ErrInvalidFormAction = errors.New("invalid form action")
)

// HomeserverConnectionError reports a failed availability probe. It is
// retryable by the user and happens before any write, so local state is
// never corrupted by it.
type HomeserverConnectionError struct {
	Cause error
}

func (e *HomeserverConnectionError) Error() string {
	return fmt.Sprintf("homeserver connection error: %v", e.Cause)
}

func (e *HomeserverConnectionError) Unwrap() error { return e.Cause }
