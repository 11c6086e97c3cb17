package diagram

import (
	"fmt"

	"github.com/loomworks/loom/pkg/schema"
)

// Node status overlay values.
const (
	statusCompleted = "completed"
	statusCurrent   = "current"
	statusPending   = "pending"
)

// Build constructs a Model from a template. When run is non-nil each
// node is overlaid with its progress relative to the run's cursor.
func Build(tpl *schema.WorkflowTemplate, run *schema.WorkflowRun) *Model {
	nodes := make([]*Node, 0, len(tpl.Steps)+2)
	edges := make([]Edge, 0, len(tpl.Steps)+1)

	start := &Node{ID: "__start__", Label: "Start", Kind: NodeKindStart}
	nodes = append(nodes, start)

	prev := start.ID
	for i, step := range tpl.Steps {
		node := stepToNode(&step)
		if run != nil {
			node.Status = overlayStatus(run, i)
		}
		nodes = append(nodes, node)
		edges = append(edges, Edge{From: prev, To: node.ID, Label: edgeLabel(&step)})
		prev = node.ID
	}

	end := &Node{ID: "__end__", Label: "End", Kind: NodeKindEnd}
	nodes = append(nodes, end)
	edges = append(edges, Edge{From: prev, To: end.ID})

	return &Model{
		Title: tpl.Name,
		Nodes: nodes,
		Edges: edges,
	}
}

func stepToNode(step *schema.WorkflowStep) *Node {
	node := &Node{
		ID:          step.ID,
		Label:       nodeLabel(step),
		Kind:        stepTypeToKind(step.Type),
		Conditional: step.Condition != "",
	}
	if step.Type == schema.StepTypeParallel && step.Parallel != nil && step.Parallel.Step != nil {
		node.Children = []*Node{stepToNode(step.Parallel.Step)}
	}
	return node
}

func stepTypeToKind(st schema.StepType) NodeKind {
	switch st {
	case schema.StepTypePrompt, schema.StepTypeAgentTask, schema.StepTypeCustomPrompt:
		return NodeKindPrompt
	case schema.StepTypeTransform:
		return NodeKindTransform
	case schema.StepTypeToolCall:
		return NodeKindTool
	case schema.StepTypeFunction:
		return NodeKindFunction
	case schema.StepTypeHumanInTheLoop:
		return NodeKindHuman
	case schema.StepTypeParallel:
		return NodeKindParallel
	case schema.StepTypeSubWorkflow:
		return NodeKindSubWorkflow
	default:
		return NodeKindPrompt
	}
}

func nodeLabel(step *schema.WorkflowStep) string {
	name := step.Name
	if name == "" {
		name = step.ID
	}
	switch {
	case step.Type == schema.StepTypeToolCall && step.Tool != nil:
		return fmt.Sprintf("%s\n(%s)", name, step.Tool.ToolName)
	case step.Type == schema.StepTypeSubWorkflow && step.SubWorkflow != nil:
		return fmt.Sprintf("%s\n(%s)", name, step.SubWorkflow.TemplateID)
	default:
		return name
	}
}

func edgeLabel(step *schema.WorkflowStep) string {
	if step.Condition != "" {
		return "if"
	}
	return ""
}

func overlayStatus(run *schema.WorkflowRun, index int) string {
	switch {
	case index < run.CurrentStepIndex:
		return statusCompleted
	case index == run.CurrentStepIndex && run.Status != schema.RunStatusCompleted:
		return statusCurrent
	case run.Status == schema.RunStatusCompleted:
		return statusCompleted
	default:
		return statusPending
	}
}
