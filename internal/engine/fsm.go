package engine

import (
	"context"
	"sync"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// TransitionHook is called before or after a run status transition.
type TransitionHook func(from, to schema.RunStatus) error

// EventAppender is satisfied by the durable event log; the FSM emits an
// event for every transition through it. A nil appender disables the log.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type hookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates and executes run lifecycle transitions against the
// transition table, emitting the corresponding event. Persisting the new
// status is the orchestrator's responsibility.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM. appender may be nil.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a status change, runs hooks and emits the event.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !validTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if f.appender != nil {
		if eventType := schema.RunEventType(to); eventType != "" {
			event := &store.Event{RunID: runID, Type: eventType}
			if err := f.appender.AppendEvent(ctx, event); err != nil {
				return schema.NewErrorf(schema.ErrCodeStore,
					"emit run event: %s", err.Error()).WithCause(err)
			}
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

func validTransition(from, to schema.RunStatus) bool {
	allowed, ok := schema.ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}
