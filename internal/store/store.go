package store

import (
	"context"

	"github.com/loomworks/loom/pkg/schema"
)

// RunStore holds the state of workflow runs. It is the single mutable
// surface of the engine: all run updates go through Mutate, which
// serializes concurrent mutations of the same run.
type RunStore interface {
	// Create registers a new run. Fails with ErrCodeConflict if the
	// run ID already exists.
	Create(ctx context.Context, run *schema.WorkflowRun) error

	// Get returns a snapshot copy of the run. Callers may freely read
	// and modify the returned value without affecting stored state.
	Get(ctx context.Context, runID string) (*schema.WorkflowRun, error)

	// Mutate applies fn to the stored run under the run's lock. fn
	// receives the live run value; changes it makes are persisted
	// when fn returns nil. If fn returns an error the run is left
	// unchanged.
	Mutate(ctx context.Context, runID string, fn func(run *schema.WorkflowRun) error) error

	// Remove deletes the run. Removing a missing run is not an error.
	Remove(ctx context.Context, runID string) error

	// List returns snapshot copies of all runs matching the filter.
	List(ctx context.Context, filter RunFilter) ([]*schema.WorkflowRun, error)
}

// TemplateStore holds workflow template definitions.
type TemplateStore interface {
	StoreTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.WorkflowTemplate, error)
	DeleteTemplate(ctx context.Context, id string) error
}

// RunArchive persists run snapshots and their event history so paused
// runs survive a restart. Implementations are durable; MemoryRunStore
// does not implement this interface.
type RunArchive interface {
	SaveRun(ctx context.Context, run *schema.WorkflowRun) error
	LoadRun(ctx context.Context, runID string) (*schema.WorkflowRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.WorkflowRun, error)
	DeleteRun(ctx context.Context, runID string) error

	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
}

// SecretStore persists encrypted secret material for the vault.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
