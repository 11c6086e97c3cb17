package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomworks/loom/internal/diagram"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// handleStart launches a run from a stored template.
func (s *LoomServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := req.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("template_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	runID, startErr := s.orchestrator.StartWorkflowByID(ctx, templateID, anyInput(input))
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start run: %v", startErr)), nil
	}

	run, stateErr := s.orchestrator.GetRunState(ctx, runID)
	if stateErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run started but state lookup failed: %v", stateErr)), nil
	}
	return marshalResult(runSummary(run))
}

// handleResume feeds data into a paused run.
func (s *LoomServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	data := mcp.ParseStringMap(req, "data", nil)

	if resumeErr := s.orchestrator.ResumeWorkflow(ctx, runID, anyInput(data)); resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}

	run, stateErr := s.orchestrator.GetRunState(ctx, runID)
	if stateErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resumed but state lookup failed: %v", stateErr)), nil
	}
	return marshalResult(runSummary(run))
}

// handleCancel terminates a non-terminal run.
func (s *LoomServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if cancelErr := s.orchestrator.CancelWorkflow(ctx, runID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID, "status": schema.RunStatusCancelled})
}

// handleStatus returns the full run snapshot.
func (s *LoomServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, stateErr := s.orchestrator.GetRunState(ctx, runID)
	if stateErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", stateErr)), nil
	}
	return marshalResult(run)
}

// handleDefine validates and stores a template.
func (s *LoomServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "template", nil)
	if raw == nil {
		return mcp.NewToolResultError("template is required"), nil
	}

	tplBytes, marshalErr := json.Marshal(raw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid template: %v", marshalErr)), nil
	}
	var tpl schema.WorkflowTemplate
	if unmarshalErr := json.Unmarshal(tplBytes, &tpl); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid template: %v", unmarshalErr)), nil
	}

	if s.validator != nil {
		if valErr := s.validator.ValidateTemplate(&tpl); valErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("template rejected: %v", valErr)), nil
		}
	}
	if storeErr := s.templates.StoreTemplate(ctx, &tpl); storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store template: %v", storeErr)), nil
	}

	s.logger.InfoContext(ctx, "template registered",
		"template_id", tpl.ID, "steps", len(tpl.Steps))
	return marshalResult(map[string]any{"ok": true, "template_id": tpl.ID})
}

// handleQuery lists runs, templates, or a run's event log.
func (s *LoomServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "templates":
		return s.queryTemplates(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource %q", resource)), nil
	}
}

func (s *LoomServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.RunFilter{
		TemplateID: stringField(filter, "template_id"),
		Limit:      intField(filter, "limit"),
	}
	if status := stringField(filter, "status"); status != "" {
		st := schema.RunStatus(status)
		f.Status = &st
	}

	runs, listErr := s.runs.List(ctx, f)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list runs failed: %v", listErr)), nil
	}

	summaries := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, runSummary(run))
	}
	return marshalResult(map[string]any{"runs": summaries, "count": len(summaries)})
}

func (s *LoomServer) queryTemplates(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	templates, listErr := s.templates.ListTemplates(ctx, store.TemplateFilter{
		Limit: intField(filter, "limit"),
	})
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list templates failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"templates": templates, "count": len(templates)})
}

func (s *LoomServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.archive == nil {
		return mcp.NewToolResultError("no durable event log configured"), nil
	}
	runID := stringField(filter, "run_id")
	if runID == "" {
		return mcp.NewToolResultError("filter.run_id is required for events"), nil
	}

	events, eventsErr := s.archive.GetEvents(ctx, runID, int64(intField(filter, "since_sequence")))
	if eventsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list events failed: %v", eventsErr)), nil
	}
	return marshalResult(map[string]any{"events": events, "count": len(events)})
}

// --- Helpers ---

// handleDiagram renders a template (and optionally a run's progress)
// as a Mermaid flowchart.
func (s *LoomServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := req.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("template_id is required"), nil
	}

	tpl, getErr := s.templates.GetTemplate(ctx, templateID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("template lookup failed: %v", getErr)), nil
	}

	var run *schema.WorkflowRun
	if runID := req.GetString("run_id", ""); runID != "" {
		run, getErr = s.orchestrator.GetRunState(ctx, runID)
		if getErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", getErr)), nil
		}
	}

	return mcp.NewToolResultText(diagram.RenderMermaid(diagram.Build(tpl, run))), nil
}

// runSummary trims a run snapshot to the fields agents act on.
func runSummary(run *schema.WorkflowRun) map[string]any {
	out := map[string]any{
		"run_id":             run.RunID,
		"status":             run.Status,
		"current_step_index": run.CurrentStepIndex,
	}
	if run.Template != nil {
		out["template_id"] = run.Template.ID
		out["steps"] = len(run.Template.Steps)
	}
	if run.Pause != nil {
		out["pause"] = run.Pause
	}
	if run.Error != nil {
		out["error"] = run.Error
	}
	return out
}

// anyInput keeps a nil map as a nil value so the engine records an
// absent trigger payload rather than an empty object.
func anyInput(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
