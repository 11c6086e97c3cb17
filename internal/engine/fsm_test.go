package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *store.Event) error {
	return errors.New("store unavailable")
}

func TestRunFSM_ValidLifecycle(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM(app)
	ctx := context.Background()
	runID := "run-1"

	require.NoError(t, fsm.Transition(ctx, runID, schema.RunStatusRunning, schema.RunStatusPaused))
	require.NoError(t, fsm.Transition(ctx, runID, schema.RunStatusPaused, schema.RunStatusRunning))
	require.NoError(t, fsm.Transition(ctx, runID, schema.RunStatusRunning, schema.RunStatusCompleted))

	events := app.Events()
	require.Len(t, events, 3)
	assert.Equal(t, schema.EventRunPaused, events[0].Type)
	assert.Equal(t, schema.EventRunResumed, events[1].Type)
	assert.Equal(t, schema.EventRunCompleted, events[2].Type)
	assert.Equal(t, runID, events[0].RunID)
}

func TestRunFSM_InvalidTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM(app)

	err := fsm.Transition(context.Background(), "run-1", schema.RunStatusPaused, schema.RunStatusCompleted)
	require.Error(t, err)

	ee, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInvalidTransition, ee.Code)
	assert.Contains(t, ee.Message, "paused")
	assert.Contains(t, ee.Message, "completed")

	assert.Empty(t, app.Events())
}

func TestRunFSM_TerminalStatesRejectTransitions(t *testing.T) {
	fsm := NewRunFSM(&mockAppender{})
	ctx := context.Background()

	for _, terminal := range []schema.RunStatus{
		schema.RunStatusCompleted,
		schema.RunStatusError,
		schema.RunStatusCancelled,
	} {
		for _, to := range []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusPaused} {
			err := fsm.Transition(ctx, "run-1", terminal, to)
			require.Error(t, err, "terminal status %s must not transition to %s", terminal, to)
		}
	}
}

func TestRunFSM_EventEmitFailure(t *testing.T) {
	fsm := NewRunFSM(&failAppender{})

	err := fsm.Transition(context.Background(), "run-1", schema.RunStatusRunning, schema.RunStatusPaused)
	require.Error(t, err)

	ee, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeStore, ee.Code)
}

func TestRunFSM_NilAppender(t *testing.T) {
	fsm := NewRunFSM(nil)
	require.NoError(t, fsm.Transition(context.Background(), "run-1",
		schema.RunStatusRunning, schema.RunStatusCompleted))
}

func TestRunFSM_BeforeHookRejectsTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM(app)

	var order []string
	fsm.OnBefore(schema.RunStatusRunning, schema.RunStatusPaused, func(from, to schema.RunStatus) error {
		order = append(order, "before")
		return errors.New("vetoed")
	})
	fsm.OnAfter(schema.RunStatusRunning, schema.RunStatusPaused, func(from, to schema.RunStatus) error {
		order = append(order, "after")
		return nil
	})

	err := fsm.Transition(context.Background(), "run-1", schema.RunStatusRunning, schema.RunStatusPaused)
	require.Error(t, err)
	assert.Equal(t, []string{"before"}, order, "after hook must not run on veto")
	assert.Empty(t, app.Events(), "vetoed transition must not emit")
}

func TestRunFSM_HookOrdering(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM(app)

	var order []string
	fsm.OnBefore(schema.RunStatusRunning, schema.RunStatusCompleted, func(from, to schema.RunStatus) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.RunStatusRunning, schema.RunStatusCompleted, func(from, to schema.RunStatus) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "run-1",
		schema.RunStatusRunning, schema.RunStatusCompleted))
	assert.Equal(t, []string{"before", "after"}, order)
	assert.Len(t, app.Events(), 1)
}
