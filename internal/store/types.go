package store

import (
	"encoding/json"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// Event is an immutable entry in the run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status     *schema.RunStatus `json:"status,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	ParentID   string            `json:"parent_run_id,omitempty"`
	Since      *time.Time        `json:"since,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// TemplateFilter specifies criteria for listing templates.
type TemplateFilter struct {
	TriggerType schema.TriggerType `json:"trigger_type,omitempty"`
	Scheduled   bool               `json:"scheduled,omitempty"`
	Limit       int                `json:"limit,omitempty"`
}
