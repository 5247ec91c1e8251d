package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRoleEvent carries a committed role lifecycle event to the audit consumer.
	TaskRoleEvent = "rbac:event"
	// roleEventMaxRetry bounds redelivery of a single event.
	roleEventMaxRetry = 10
)

// NewRoleEventTask constructs an Asynq task for the event.
func NewRoleEventTask(event rbac.RoleEvent) (*asynq.Task, error) {
	if event.Type == "" {
		return nil, fmt.Errorf("jobs: role event without type")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRoleEvent, data), nil
}

// decodeRoleEvent parses a TaskRoleEvent payload.
func decodeRoleEvent(t *asynq.Task) (rbac.RoleEvent, error) {
	var event rbac.RoleEvent
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return rbac.RoleEvent{}, err
	}
	if event.ID == "" || event.Type == "" {
		return rbac.RoleEvent{}, fmt.Errorf("jobs: role event missing id or type")
	}
	return event, nil
}
