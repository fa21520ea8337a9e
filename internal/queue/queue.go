// Package queue schedules background jobs for workers outside this process.
// Delivery is fire-and-forget, at-least-once; receivers are idempotent.
package queue

import (
	"context"

	"github.com/google/uuid"
)

// ProvisionUserJob asks the worker to create the user on the homeserver.
type ProvisionUserJob struct {
	UserID      uuid.UUID `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
}

// SetDisplayName attaches a display name to set during provisioning.
func (j ProvisionUserJob) SetDisplayName(name string) ProvisionUserJob {
	j.DisplayName = name
	return j
}

// Publisher schedules jobs. Implementations must not block the request on
// broker acknowledgment.
type Publisher interface {
	Schedule(ctx context.Context, job ProvisionUserJob) error
}
