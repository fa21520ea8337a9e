// Package activity records when and from where a browser session was last
// active. The record is advisory telemetry; losing a write never fails a
// login.
package activity

import (
	"context"

	"github.com/google/uuid"
)

// Tracker records browser session activity.
type Tracker interface {
	RecordBrowserSession(ctx context.Context, sessionID uuid.UUID, ip string)
}

// Noop discards activity. Used when redis is not configured and in tests.
type Noop struct{}

func (Noop) RecordBrowserSession(context.Context, uuid.UUID, string) {}
