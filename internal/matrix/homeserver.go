// Package matrix talks to the homeserver this service fronts. Only the
// pieces the registration flow needs live here; provisioning itself runs
// from the job queue.
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"

	"janus/pkg/platform/sentinel"
)

// Homeserver is the outbound contract. A failed check is a retryable
// connection error for the user, never a silent "available".
type Homeserver interface {
	IsLocalpartAvailable(ctx context.Context, localpart string) (bool, error)
}

// Client queries the homeserver's registration availability endpoint.
// Concurrent probes for the same localpart are deduped through singleflight
// so a double-submitted form costs one upstream round trip.
type Client struct {
	baseURL string
	http    *http.Client
	group   singleflight.Group
}

// NewClient constructs a homeserver client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) IsLocalpartAvailable(ctx context.Context, localpart string) (bool, error) {
	v, err, _ := c.group.Do(localpart, func() (any, error) {
		return c.checkAvailable(ctx, localpart)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *Client) checkAvailable(ctx context.Context, localpart string) (bool, error) {
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/register/available?username=%s",
		c.baseURL, url.QueryEscape(localpart))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build availability request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("homeserver availability check: %w: %w", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			Available bool `json:"available"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false, fmt.Errorf("decode availability response: %w", err)
		}
		return body.Available, nil
	case http.StatusBadRequest:
		// The homeserver rejects taken and malformed localparts alike with
		// M_USER_IN_USE / M_INVALID_USERNAME; both mean "not available".
		return false, nil
	default:
		return false, fmt.Errorf("homeserver availability check: %w: status %d", sentinel.ErrUnavailable, resp.StatusCode)
	}
}
