package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/collab"
	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/paths"
	"github.com/loomworks/loom/internal/secrets"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/pkg/schema"
)

// errRunNotRunning signals that a step settled after the run left the
// running state (a concurrent cancel); its result is discarded.
var errRunNotRunning = errors.New("run is no longer running")

// maxNestingDepth bounds sub-workflow nesting. Template references can
// form cycles (a template delegating to itself, or mutually), and the
// start/advance loop recurses once per level; without a bound that
// recursion exhausts the stack.
const maxNestingDepth = 16

// OrchestratorConfig wires the orchestrator's dependencies. Runs and
// Collab.Completion are required; everything else has a working default
// or is optional.
type OrchestratorConfig struct {
	Runs      store.RunStore
	Templates store.TemplateStore
	Collab    collab.Set

	// Hub receives observer notifications; nil disables streaming.
	Hub streaming.EventHub
	// EventLog receives durable run/step events; nil disables the log.
	EventLog EventAppender
	// Archive persists run snapshots on every transition; nil disables it.
	Archive store.RunArchive
	// Vault backs ${{secrets.*}} interpolation; nil disables secrets.
	Vault secrets.Vault

	Logger         *slog.Logger
	DefaultModelID string
	// MaxParallel bounds concurrent parallel-step branches engine-wide.
	MaxParallel int
}

// Orchestrator advances runs through their step sequences. Each run has
// a single logical thread of control: the advance loop is cooperative
// and awaits every step before the next begins; only parallel steps
// introduce concurrency, confined to their own branches.
type Orchestrator struct {
	runs      store.RunStore
	templates store.TemplateStore
	registry  *Registry
	resolver  *paths.Resolver
	cel       *expressions.CELEngine
	fsm       *RunFSM
	hub       streaming.EventHub
	eventLog  EventAppender
	archive   store.RunArchive
	pool      *WorkerPool
	logger    *slog.Logger

	defaultModelID string
}

// NewOrchestrator builds an orchestrator and its executor registry.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Runs == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "orchestrator requires a run store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		runs:           cfg.Runs,
		templates:      cfg.Templates,
		resolver:       paths.NewResolver(),
		cel:            celEngine,
		fsm:            NewRunFSM(cfg.EventLog),
		hub:            cfg.Hub,
		eventLog:       cfg.EventLog,
		archive:        cfg.Archive,
		pool:           NewWorkerPool(cfg.MaxParallel),
		logger:         cfg.Logger,
		defaultModelID: cfg.DefaultModelID,
	}

	o.registry = NewRegistry(Deps{
		Collab:     cfg.Collab,
		Resolver:   o.resolver,
		Interp:     expressions.NewInterpolator(cfg.Vault),
		CEL:        celEngine,
		Pool:       o.pool,
		StartChild: o.startChild,
		CancelRun:  o.CancelWorkflow,
		Logger:     cfg.Logger,
	})
	return o, nil
}

// Registry exposes the executor registry, letting tests swap executors.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Shutdown stops the parallel worker pool after in-flight branches finish.
func (o *Orchestrator) Shutdown() { o.pool.Shutdown() }

// StartWorkflow creates a run for the template with the given initial
// input and advances it until it settles. The returned run ID is valid
// whatever state the run settled in; step failures are reported through
// the run's status, not this error.
func (o *Orchestrator) StartWorkflow(ctx context.Context, template *schema.WorkflowTemplate, initialInput any) (string, error) {
	return o.start(ctx, template, initialInput, "")
}

// StartWorkflowByID starts a run from a stored template.
func (o *Orchestrator) StartWorkflowByID(ctx context.Context, templateID string, initialInput any) (string, error) {
	if o.templates == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "no template store configured")
	}
	tpl, err := o.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return "", err
	}
	return o.start(ctx, tpl, initialInput, "")
}

func (o *Orchestrator) start(ctx context.Context, template *schema.WorkflowTemplate, initialInput any, parentRunID string) (string, error) {
	if template == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "nil workflow template")
	}

	vars, err := bindTemplateVariables(template, initialInput)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	run := &schema.WorkflowRun{
		RunID:             uuid.NewString(),
		Template:          template,
		Status:            schema.RunStatusRunning,
		AccumulatedOutput: map[string]any{schema.InputKey: initialInput},
		Vars:              vars,
		ParentRunID:       parentRunID,
		DefaultModelID:    o.defaultModelID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := o.runs.Create(ctx, run); err != nil {
		return "", err
	}

	ctx = logging.WithIDs(ctx, run.RunID, "", template.ID)
	o.appendEvent(ctx, run.RunID, "", schema.EventRunStarted)
	o.publish(ctx, run.RunID, "", schema.EventRunStarted, nil)
	logging.LogWith(ctx, o.logger).InfoContext(ctx, "run started",
		slog.Int("steps", len(template.Steps)))

	if err := o.advance(ctx, run.RunID); err != nil {
		return run.RunID, err
	}
	return run.RunID, nil
}

// startChild is the StartChildFunc handed to the sub-workflow executor.
func (o *Orchestrator) startChild(ctx context.Context, templateID string, input map[string]any, parent *schema.WorkflowRun) (*schema.WorkflowRun, error) {
	if o.templates == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no template store configured")
	}
	if o.nestingDepth(ctx, parent) >= maxNestingDepth {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"sub-workflow nesting exceeds %d levels; template %q is likely part of a recursive reference chain",
			maxNestingDepth, templateID)
	}
	tpl, err := o.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	childID, err := o.start(ctx, tpl, map[string]any(input), parent.RunID)
	if err != nil {
		return nil, err
	}
	return o.runs.Get(ctx, childID)
}

// nestingDepth counts the ancestors of a run by walking its parent
// chain. The walk stops once the chain is provably over the bound or an
// ancestor is no longer in the store.
func (o *Orchestrator) nestingDepth(ctx context.Context, run *schema.WorkflowRun) int {
	depth := 0
	for id := run.ParentRunID; id != "" && depth <= maxNestingDepth; depth++ {
		ancestor, err := o.runs.Get(ctx, id)
		if err != nil {
			break
		}
		id = ancestor.ParentRunID
	}
	return depth
}

// advance drives the run's control loop until it completes, pauses,
// errors or is cancelled. A fresh snapshot is read each iteration so a
// concurrent cancel takes effect between steps.
func (o *Orchestrator) advance(ctx context.Context, runID string) error {
	for {
		run, err := o.runs.Get(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != schema.RunStatusRunning {
			return nil
		}

		steps := run.Template.Steps
		if run.CurrentStepIndex >= len(steps) {
			return o.finishRun(ctx, runID)
		}
		step := &steps[run.CurrentStepIndex]
		stepCtx := logging.WithIDs(ctx, runID, step.ID, run.Template.ID)

		inputs, rerr := resolveInputs(o.resolver, step, run.AccumulatedOutput)
		if rerr != nil {
			return o.failRun(stepCtx, runID, step, rerr)
		}

		ec := &ExecContext{
			Run:     run,
			Step:    step,
			Inputs:  inputs,
			ModelID: effectiveModel(run),
		}

		pass, cerr := evalCondition(stepCtx, o.cel, step, ec.Scope())
		if cerr != nil {
			return o.failRun(stepCtx, runID, step, cerr)
		}
		if !pass {
			if err := o.recordSkip(stepCtx, runID, step); err != nil {
				return err
			}
			continue
		}

		ex, gerr := o.registry.Get(step.Type)
		if gerr != nil {
			return o.failRun(stepCtx, runID, step, Failed(gerr).Err)
		}

		o.appendEvent(stepCtx, runID, step.ID, schema.EventStepStarted)
		o.publish(stepCtx, runID, step.ID, schema.EventStepStarted, nil)

		result := execute(stepCtx, ex, ec)

		switch result.Kind {
		case ResultDone:
			if err := o.completeStep(stepCtx, runID, step, result.Output); err != nil {
				if errors.Is(err, errRunNotRunning) {
					return nil
				}
				return err
			}
		case ResultPause:
			return o.pauseRun(stepCtx, runID, step, result.Pause)
		case ResultError:
			return o.failRun(stepCtx, runID, step, result.Err)
		}
	}
}

// completeStep merges a step output and advances the cursor. The result
// is discarded if the run was cancelled while the step was in flight.
func (o *Orchestrator) completeStep(ctx context.Context, runID string, step *schema.WorkflowStep, output any) error {
	err := o.runs.Mutate(ctx, runID, func(run *schema.WorkflowRun) error {
		if run.Status != schema.RunStatusRunning {
			return errRunNotRunning
		}
		run.AccumulatedOutput[step.ID] = output
		run.CurrentStepIndex++
		run.ChildRunID = ""
		return nil
	})
	if err != nil {
		return err
	}
	o.appendEvent(ctx, runID, step.ID, schema.EventStepCompleted)
	o.publish(ctx, runID, step.ID, schema.EventStepCompleted, output)
	o.persist(ctx, runID)
	return nil
}

// recordSkip notes a guarded-out step and advances past it.
func (o *Orchestrator) recordSkip(ctx context.Context, runID string, step *schema.WorkflowStep) error {
	err := o.runs.Mutate(ctx, runID, func(run *schema.WorkflowRun) error {
		if run.Status != schema.RunStatusRunning {
			return errRunNotRunning
		}
		run.AccumulatedOutput[step.ID] = nil
		run.CurrentStepIndex++
		return nil
	})
	if err != nil {
		return err
	}
	o.appendEvent(ctx, runID, step.ID, schema.EventStepSkipped)
	o.publish(ctx, runID, step.ID, schema.EventStepSkipped, nil)
	return nil
}

func (o *Orchestrator) pauseRun(ctx context.Context, runID string, step *schema.WorkflowStep, payload *schema.PausePayload) error {
	err := o.runs.Mutate(ctx, runID, func(run *schema.WorkflowRun) error {
		if run.Status != schema.RunStatusRunning {
			return errRunNotRunning
		}
		if err := o.fsm.Transition(ctx, runID, run.Status, schema.RunStatusPaused); err != nil {
			return err
		}
		run.Status = schema.RunStatusPaused
		run.Pause = payload
		run.ChildRunID = payload.RunID
		return nil
	})
	if errors.Is(err, errRunNotRunning) {
		return nil
	}
	if err != nil {
		return err
	}
	o.appendEvent(ctx, runID, step.ID, schema.EventStepPaused)
	o.publish(ctx, runID, step.ID, schema.EventRunPaused, payload)
	o.persist(ctx, runID)
	logging.LogWith(ctx, o.logger).InfoContext(ctx, "run paused",
		slog.String("reason", string(payload.Reason)))
	return nil
}

func (o *Orchestrator) failRun(ctx context.Context, runID string, step *schema.WorkflowStep, stepErr *schema.EngineError) error {
	now := time.Now().UTC()
	err := o.runs.Mutate(ctx, runID, func(run *schema.WorkflowRun) error {
		// Cancellation is honored immediately and never overridden by an
		// in-flight error.
		if run.Status != schema.RunStatusRunning {
			return errRunNotRunning
		}
		if err := o.fsm.Transition(ctx, runID, run.Status, schema.RunStatusError); err != nil {
			return err
		}
		run.Status = schema.RunStatusError
		run.Error = stepErr
		run.CompletedAt = &now
		return nil
	})
	if errors.Is(err, errRunNotRunning) {
		return nil
	}
	if err != nil {
		return err
	}
	o.appendEvent(ctx, runID, step.ID, schema.EventStepFailed)
	o.publish(ctx, runID, step.ID, schema.EventRunFailed, stepErr)
	o.persist(ctx, runID)
	logging.LogWith(ctx, o.logger).ErrorContext(ctx, "run failed",
		slog.String("error_code", stepErr.Code), slog.String("error", stepErr.Message))
	return nil
}

func (o *Orchestrator) finishRun(ctx context.Context, runID string) error {
	now := time.Now().UTC()
	err := o.runs.Mutate(ctx, runID, func(run *schema.WorkflowRun) error {
		if run.Status != schema.RunStatusRunning {
			return errRunNotRunning
		}
		if err := o.fsm.Transition(ctx, runID, run.Status, schema.RunStatusCompleted); err != nil {
			return err
		}
		run.Status = schema.RunStatusCompleted
		run.CompletedAt = &now
		return nil
	})
	if errors.Is(err, errRunNotRunning) {
		return nil
	}
	if err != nil {
		return err
	}
	o.publish(ctx, runID, "", schema.EventRunCompleted, nil)
	o.persist(ctx, runID)
	logging.LogWith(ctx, o.logger).InfoContext(ctx, "run completed")
	return nil
}

// ResumeWorkflow re-enters a paused run, binding resumeData according to
// the pause reason, and advances from the next step. Calling it on a run
// that is not paused fails without touching run state.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, runID string, resumeData any) error {
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != schema.RunStatusPaused {
		return schema.NewErrorf(schema.ErrCodeInvalidOperation,
			"cannot resume run %s in status %q", runID, run.Status)
	}
	if run.Pause == nil || run.CurrentStepIndex >= len(run.Template.Steps) {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"run %s paused without a pause payload", runID)
	}

	step := &run.Template.Steps[run.CurrentStepIndex]
	ctx = logging.WithIDs(ctx, runID, step.ID, run.Template.ID)

	result := o.settleResume(ctx, run, step, resumeData)

	// Leave paused only now: the settle above may itself fail (e.g. a
	// nested resume rejected) without consuming the pause.
	if result.Kind == ResultError && result.Err.Code == schema.ErrCodeInvalidOperation {
		return result.Err
	}

	if err := o.markRunning(ctx, runID); err != nil {
		return err
	}
	o.publish(ctx, runID, step.ID, schema.EventRunResumed, nil)

	switch result.Kind {
	case ResultDone:
		if err := o.completeStep(ctx, runID, step, result.Output); err != nil {
			if errors.Is(err, errRunNotRunning) {
				return nil
			}
			return err
		}
		return o.advance(ctx, runID)
	case ResultPause:
		return o.pauseRun(ctx, runID, step, result.Pause)
	default:
		return o.failRun(ctx, runID, step, result.Err)
	}
}

// settleResume turns resume data into the paused step's result.
func (o *Orchestrator) settleResume(ctx context.Context, run *schema.WorkflowRun, step *schema.WorkflowStep, resumeData any) StepResult {
	pause := run.Pause

	switch {
	case pause.Parallel != nil:
		return o.settleParallelResume(ctx, step, pause, resumeData)

	case run.ChildRunID != "":
		// Sub-workflow pause: route the data down to the paused child.
		if err := o.ResumeWorkflow(ctx, run.ChildRunID, resumeData); err != nil {
			return Failed(err)
		}
		child, err := o.runs.Get(ctx, run.ChildRunID)
		if err != nil {
			return Failed(err)
		}
		return settleChild(step, child)

	default:
		// Direct human-in-the-loop or data-correction pause: the resume
		// data becomes the step's output.
		return Done(resumeData)
	}
}

// settleParallelResume applies resume data to the awaiting branch and
// either finishes the fan-out or re-pauses for the next pending branch.
func (o *Orchestrator) settleParallelResume(ctx context.Context, step *schema.WorkflowStep, pause *schema.PausePayload, resumeData any) StepResult {
	st := pause.Parallel
	idx := st.Index

	var branchOutput any
	if childID := st.ChildRunIDs[idx]; childID != "" {
		if err := o.ResumeWorkflow(ctx, childID, resumeData); err != nil {
			return Failed(err)
		}
		child, err := o.runs.Get(ctx, childID)
		if err != nil {
			return Failed(err)
		}
		res := settleChild(step.Parallel.Step, child)
		switch res.Kind {
		case ResultError:
			// The step fails and the remaining pauses are discarded with
			// it, so the children behind them are cancelled here.
			o.reapPendingChildren(ctx, st, idx)
			return res
		case ResultPause:
			// Child paused again at a deeper step: same branch stays pending.
			next := pause.Clone()
			next.Reason = res.Pause.Reason
			next.Instructions = res.Pause.Instructions
			next.RawAssistantResponse = res.Pause.RawAssistantResponse
			next.Nested = res.Pause.Nested
			return Paused(next)
		}
		branchOutput = res.Output
	} else {
		branchOutput = resumeData
	}

	outputs := append([]any(nil), st.Outputs...)
	outputs[idx] = branchOutput
	pending := append([]int(nil), st.Pending...)
	pending = pending[1:]

	if len(pending) == 0 {
		return Done(outputs)
	}

	// The settled branch's child run is terminal now; drop it so a later
	// cancel does not chase it.
	childIDs := st.ChildRunIDs
	if _, ok := childIDs[idx]; ok {
		childIDs = make(map[int]string, len(st.ChildRunIDs))
		for branch, id := range st.ChildRunIDs {
			if branch != idx {
				childIDs[branch] = id
			}
		}
	}

	next := &schema.PausePayload{
		StepID:   step.ID,
		StepName: step.Name,
		Reason:   pause.Reason,
		Parallel: &schema.ParallelPauseState{
			Outputs:     outputs,
			Pending:     pending,
			Index:       pending[0],
			ChildRunIDs: childIDs,
		},
	}
	return Paused(next)
}

// reapPendingChildren cancels the nested runs behind still-pending
// branches, skipping the branch whose failure triggered the reap.
func (o *Orchestrator) reapPendingChildren(ctx context.Context, st *schema.ParallelPauseState, failed int) {
	for _, branch := range st.Pending {
		if branch == failed {
			continue
		}
		id := st.ChildRunIDs[branch]
		if id == "" {
			continue
		}
		if err := o.CancelWorkflow(ctx, id); err != nil {
			o.logger.WarnContext(ctx, "cancel nested run of failed fan-out",
				slog.String("child_run_id", id), slog.String("error", err.Error()))
		}
	}
}

// markRunning transitions paused -> running and clears the pause payload.
func (o *Orchestrator) markRunning(ctx context.Context, runID string) error {
	return o.runs.Mutate(ctx, runID, func(run *schema.WorkflowRun) error {
		if err := o.fsm.Transition(ctx, runID, run.Status, schema.RunStatusRunning); err != nil {
			return err
		}
		run.Status = schema.RunStatusRunning
		run.Pause = nil
		return nil
	})
}

// CancelWorkflow terminates a running or paused run. Already-produced
// output is retained for inspection; nothing further advances. Paused
// nested runs are cancelled along with the parent, best-effort: a
// sub-workflow child directly, and every child behind the pending
// branches of a paused parallel step.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, runID string) error {
	var children []string
	now := time.Now().UTC()
	err := o.runs.Mutate(ctx, runID, func(run *schema.WorkflowRun) error {
		if run.Status.Terminal() {
			return schema.NewErrorf(schema.ErrCodeInvalidOperation,
				"cannot cancel run %s in terminal status %q", runID, run.Status)
		}
		if err := o.fsm.Transition(ctx, runID, run.Status, schema.RunStatusCancelled); err != nil {
			return err
		}
		children = nestedRunIDs(run)
		run.Status = schema.RunStatusCancelled
		run.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	o.publish(ctx, runID, "", schema.EventRunCancelled, nil)
	o.persist(ctx, runID)
	logging.LogWith(logging.WithRunID(ctx, runID), o.logger).InfoContext(ctx, "run cancelled")

	for _, childID := range children {
		if cerr := o.CancelWorkflow(ctx, childID); cerr != nil {
			o.logger.WarnContext(ctx, "cancel nested run",
				slog.String("child_run_id", childID), slog.String("error", cerr.Error()))
		}
	}
	return nil
}

// nestedRunIDs lists the nested runs a cancellation must cascade to.
func nestedRunIDs(run *schema.WorkflowRun) []string {
	var ids []string
	if run.ChildRunID != "" {
		ids = append(ids, run.ChildRunID)
	}
	if run.Pause != nil && run.Pause.Parallel != nil {
		for _, id := range run.Pause.Parallel.ChildRunIDs {
			if id != "" && id != run.ChildRunID {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// GetRunState returns a read-only snapshot for external observers.
func (o *Orchestrator) GetRunState(ctx context.Context, runID string) (*schema.WorkflowRun, error) {
	return o.runs.Get(ctx, runID)
}

// AckRun removes a terminal run from the store. Runs are never removed
// implicitly; observers acknowledge them when done inspecting.
func (o *Orchestrator) AckRun(ctx context.Context, runID string) error {
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidOperation,
			"cannot remove run %s in non-terminal status %q", runID, run.Status)
	}
	if err := o.runs.Remove(ctx, runID); err != nil {
		return err
	}
	o.publish(ctx, runID, "", schema.EventRunRemoved, nil)
	return nil
}

// --- Internals ---

func effectiveModel(run *schema.WorkflowRun) string {
	return run.DefaultModelID
}

// bindTemplateVariables applies declared defaults and overrides from a
// map-shaped initial input, rejecting missing required variables.
func bindTemplateVariables(template *schema.WorkflowTemplate, initialInput any) (map[string]any, error) {
	if len(template.TemplateVariables) == 0 {
		return nil, nil
	}
	overrides, _ := initialInput.(map[string]any)
	vars := make(map[string]any, len(template.TemplateVariables))
	for _, tv := range template.TemplateVariables {
		if val, ok := overrides[tv.Name]; ok {
			vars[tv.Name] = val
			continue
		}
		if tv.Default != nil {
			vars[tv.Name] = tv.Default
			continue
		}
		if tv.Required {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"required template variable %q not supplied", tv.Name)
		}
	}
	return vars, nil
}

func (o *Orchestrator) appendEvent(ctx context.Context, runID, stepID, eventType string) {
	if o.eventLog == nil {
		return
	}
	event := &store.Event{RunID: runID, StepID: stepID, Type: eventType}
	if err := o.eventLog.AppendEvent(ctx, event); err != nil {
		o.logger.WarnContext(ctx, "append event",
			slog.String("event_type", eventType), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) publish(ctx context.Context, runID, stepID, eventType string, payload any) {
	if o.hub == nil {
		return
	}
	_ = o.hub.Publish(ctx, streaming.StreamEvent{
		RunID:     runID,
		StepID:    stepID,
		EventType: eventType,
		Payload:   payload,
	})
}

// persist mirrors the run snapshot into the durable archive.
func (o *Orchestrator) persist(ctx context.Context, runID string) {
	if o.archive == nil {
		return
	}
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return
	}
	if err := o.archive.SaveRun(ctx, run); err != nil {
		o.logger.WarnContext(ctx, "archive run snapshot", slog.String("error", err.Error()))
	}
}
