package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// poolBranchKey marks contexts already executing on a pool goroutine.
// A fan-out reached from a held slot must not re-enter the bounded
// pool: with every slot occupied by a branch waiting on Submit, no
// slot can ever free and the engine wedges.
type poolBranchKey struct{}

func markPoolBranch(ctx context.Context) context.Context {
	return context.WithValue(ctx, poolBranchKey{}, true)
}

func onPoolBranch(ctx context.Context) bool {
	on, _ := ctx.Value(poolBranchKey{}).(bool)
	return on
}

// parallelExecutor fans the inner step out once per element of the
// resolved collection. Branches run concurrently on the worker pool and
// the step waits for every branch to settle before aggregating: the
// output is index-aligned with the source collection.
//
// Aggregation policy: any branch error fails the step (siblings are not
// reverted, their outputs are kept for diagnostics); otherwise any
// paused branch pauses the whole step, settled outputs preserved in the
// pause payload so resume does not re-run them.
type parallelExecutor struct {
	deps     Deps
	registry *Registry
}

func (e *parallelExecutor) Type() schema.StepType { return schema.StepTypeParallel }

func (e *parallelExecutor) Execute(ctx context.Context, ec *ExecContext) StepResult {
	cfg := ec.Step.Parallel
	if cfg == nil || cfg.Step == nil {
		return Failed(schema.NewError(schema.ErrCodeValidation,
			"parallel step missing parallel config").WithStep(ec.Step.ID))
	}

	collection, ok, err := e.deps.Resolver.Resolve(cfg.On, ec.Run.AccumulatedOutput)
	if err != nil {
		return Failed(schema.NewErrorf(schema.ErrCodeResolution,
			"parallel on %q: %s", cfg.On, err.Error()).WithStep(ec.Step.ID).WithCause(err))
	}
	if !ok {
		return Failed(schema.NewErrorf(schema.ErrCodeResolution,
			"parallel on %q resolved to nothing", cfg.On).WithStep(ec.Step.ID))
	}
	items, isSlice := collection.([]any)
	if !isSlice {
		return Failed(schema.NewErrorf(schema.ErrCodeValidation,
			"parallel on %q must resolve to a collection", cfg.On).WithStep(ec.Step.ID))
	}
	if len(items) == 0 {
		return Done([]any{})
	}

	results := make([]StepResult, len(items))
	if onPoolBranch(ctx) {
		// Nested fan-out runs its branches inline on this goroutine; the
		// outer fan-out already provides the concurrency.
		for i, item := range items {
			results[i] = e.runBranch(ctx, ec, i, item)
		}
	} else {
		var wg sync.WaitGroup
		for i, item := range items {
			wg.Add(1)
			branch := func(branchCtx context.Context) error {
				defer wg.Done()
				results[i] = e.runBranch(markPoolBranch(branchCtx), ec, i, item)
				return nil
			}
			if err := e.deps.Pool.Submit(ctx, branch); err != nil {
				wg.Done()
				results[i] = Failed(schema.NewErrorf(schema.ErrCodeExecution,
					"submit branch %d: %s", i, err.Error()).WithStep(ec.Step.ID).WithCause(err))
			}
		}
		wg.Wait()
	}

	res := aggregateBranches(ec.Step, items, results)
	if res.Kind == ResultError {
		e.reapPausedBranches(ctx, results)
	}
	return res
}

// reapPausedBranches cancels nested runs behind paused branches after a
// sibling failure turned the step into an error: the pause payloads are
// discarded with the step, so without this those child runs would be
// stranded non-terminal.
func (e *parallelExecutor) reapPausedBranches(ctx context.Context, results []StepResult) {
	if e.deps.CancelRun == nil {
		return
	}
	for _, res := range results {
		if res.Kind != ResultPause || res.Pause == nil || res.Pause.RunID == "" {
			continue
		}
		if err := e.deps.CancelRun(ctx, res.Pause.RunID); err != nil {
			e.deps.Logger.WarnContext(ctx, "cancel nested run of failed fan-out",
				slog.String("child_run_id", res.Pause.RunID),
				slog.String("error", err.Error()))
		}
	}
}

// runBranch executes the inner step for one element. The branch sees the
// parent's accumulated output read-only plus its own local bindings; it
// cannot write into the parent until the fan-in barrier completes.
func (e *parallelExecutor) runBranch(ctx context.Context, ec *ExecContext, index int, item any) StepResult {
	inner := ec.Step.Parallel.Step
	cfg := ec.Step.Parallel

	locals := map[string]any{"item": item, "index": index}
	if cfg.ModelVar != "" {
		locals[cfg.ModelVar] = item
	}

	inputs, rerr := resolveInputs(e.deps.Resolver, inner, ec.Run.AccumulatedOutput)
	if rerr != nil {
		return Failed(rerr)
	}
	if cfg.ModelVar != "" {
		inputs[cfg.ModelVar] = item
	}

	branchEC := &ExecContext{
		Run:     ec.Run,
		Step:    inner,
		Inputs:  inputs,
		Locals:  locals,
		ModelID: ec.ModelID,
	}
	// A string element bound through ModelVar selects the branch model.
	if cfg.ModelVar != "" && inner.ModelID == "" {
		if model, isStr := item.(string); isStr {
			branchEC.ModelID = model
		}
	}

	ex, err := e.registry.Get(inner.Type)
	if err != nil {
		return Failed(err)
	}
	return execute(ctx, ex, branchEC)
}

// aggregateBranches folds settled branch results into the step result.
func aggregateBranches(step *schema.WorkflowStep, items []any, results []StepResult) StepResult {
	for i, res := range results {
		if res.Kind == ResultError {
			return Failed(schema.NewErrorf(schema.ErrCodeBranchFailed,
				"branch %d of %d failed: %s", i, len(items), res.Err.Error()).
				WithStep(step.ID).WithCause(res.Err).
				WithDetails(map[string]any{"branch": i, "branches": len(items)}))
		}
	}

	outputs := make([]any, len(results))
	var pending []int
	childRuns := map[int]string{}
	var first *schema.PausePayload
	for i, res := range results {
		switch res.Kind {
		case ResultDone:
			outputs[i] = res.Output
		case ResultPause:
			pending = append(pending, i)
			if first == nil {
				first = res.Pause
			}
			if id := res.Pause.RunID; id != "" {
				childRuns[i] = id
			}
		}
	}
	if first == nil {
		return Done(outputs)
	}

	pause := &schema.PausePayload{
		StepID:               step.ID,
		StepName:             step.Name,
		Reason:               first.Leaf().Reason,
		Instructions:         first.Leaf().Instructions,
		RawAssistantResponse: first.Leaf().RawAssistantResponse,
		Nested:               first.Nested,
		Parallel: &schema.ParallelPauseState{
			Outputs: outputs,
			Pending: pending,
			Index:   pending[0],
		},
	}
	if len(childRuns) > 0 {
		pause.Parallel.ChildRunIDs = childRuns
	}
	return Paused(pause)
}
