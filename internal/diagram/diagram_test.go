package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func diagramTemplate() *schema.WorkflowTemplate {
	return &schema.WorkflowTemplate{
		ID:   "pipeline",
		Name: "Pipeline",
		Steps: []schema.WorkflowStep{
			{
				ID:   "fetch",
				Type: schema.StepTypeToolCall,
				Tool: &schema.ToolConfig{ToolName: "http.get"},
			},
			{
				ID:        "extract",
				Type:      schema.StepTypeTransform,
				Condition: `steps.fetch.status_code == 200`,
				Transform: &schema.TransformConfig{Mappings: map[string]string{"b": "$.fetch.body"}},
			},
			{
				ID:   "review",
				Type: schema.StepTypeHumanInTheLoop,
			},
		},
	}
}

func TestBuild_LinearChain(t *testing.T) {
	m := Build(diagramTemplate(), nil)

	require.Len(t, m.Nodes, 5)
	assert.Equal(t, "__start__", m.Nodes[0].ID)
	assert.Equal(t, "__end__", m.Nodes[4].ID)
	assert.Equal(t, "Pipeline", m.Title)

	require.Len(t, m.Edges, 4)
	assert.Equal(t, Edge{From: "__start__", To: "fetch"}, m.Edges[0])
	assert.Equal(t, Edge{From: "fetch", To: "extract", Label: "if"}, m.Edges[1])
	assert.Equal(t, Edge{From: "extract", To: "review"}, m.Edges[2])
	assert.Equal(t, Edge{From: "review", To: "__end__"}, m.Edges[3])

	assert.Equal(t, NodeKindTool, m.Nodes[1].Kind)
	assert.True(t, m.Nodes[2].Conditional)
	assert.Equal(t, NodeKindHuman, m.Nodes[3].Kind)
	assert.Empty(t, m.Nodes[1].Status, "no run, no overlay")
}

func TestBuild_ParallelChildren(t *testing.T) {
	tpl := &schema.WorkflowTemplate{
		ID:   "fan",
		Name: "Fan",
		Steps: []schema.WorkflowStep{
			{
				ID:   "fanout",
				Type: schema.StepTypeParallel,
				Parallel: &schema.ParallelConfig{
					On:   "$.input.items",
					Step: &schema.WorkflowStep{ID: "per-item", Type: schema.StepTypePrompt, Prompt: "x"},
				},
			},
		},
	}

	m := Build(tpl, nil)
	fan := m.Nodes[1]
	assert.Equal(t, NodeKindParallel, fan.Kind)
	require.Len(t, fan.Children, 1)
	assert.Equal(t, "per-item", fan.Children[0].ID)
}

func TestBuild_RunOverlay(t *testing.T) {
	tpl := diagramTemplate()

	running := &schema.WorkflowRun{Status: schema.RunStatusPaused, CurrentStepIndex: 1}
	m := Build(tpl, running)
	assert.Equal(t, statusCompleted, m.Nodes[1].Status)
	assert.Equal(t, statusCurrent, m.Nodes[2].Status)
	assert.Equal(t, statusPending, m.Nodes[3].Status)

	done := &schema.WorkflowRun{Status: schema.RunStatusCompleted, CurrentStepIndex: 3}
	m = Build(tpl, done)
	for _, node := range m.Nodes[1:4] {
		assert.Equal(t, statusCompleted, node.Status, "node %s", node.ID)
	}
}

func TestRenderMermaid(t *testing.T) {
	out := RenderMermaid(Build(diagramTemplate(), nil))

	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% Pipeline")
	assert.Contains(t, out, `fetch["fetch"]`)
	assert.Contains(t, out, `extract["? extract"]`, "conditional nodes carry a marker")
	assert.Contains(t, out, `review(["review"])`, "human steps render as stadium nodes")
	assert.Contains(t, out, "__start__ --> fetch")
	assert.Contains(t, out, "fetch -->|if| extract")
	assert.Contains(t, out, "classDef completed")
}

func TestRenderMermaid_SanitizesIDs(t *testing.T) {
	tpl := &schema.WorkflowTemplate{
		ID:   "t",
		Name: "T",
		Steps: []schema.WorkflowStep{
			{ID: "fetch-data.v2", Type: schema.StepTypePrompt, Prompt: "x"},
		},
	}

	out := RenderMermaid(Build(tpl, nil))
	assert.Contains(t, out, "fetch_data_v2")
	assert.Contains(t, out, "__start__ --> fetch_data_v2")
}

func TestRenderMermaid_ToolLabelFirstLineOnly(t *testing.T) {
	tpl := &schema.WorkflowTemplate{
		ID:   "t",
		Name: "T",
		Steps: []schema.WorkflowStep{
			{ID: "call", Name: "Call API", Type: schema.StepTypeToolCall,
				Tool: &schema.ToolConfig{ToolName: "http.request"}},
		},
	}

	out := RenderMermaid(Build(tpl, nil))
	assert.Contains(t, out, `call["Call API"]`)
	assert.NotContains(t, out, "http.request\n")
}

func TestRenderMermaid_StatusClasses(t *testing.T) {
	run := &schema.WorkflowRun{Status: schema.RunStatusRunning, CurrentStepIndex: 1}
	out := RenderMermaid(Build(diagramTemplate(), run))

	assert.Contains(t, out, "class fetch completed")
	assert.Contains(t, out, "class extract current")
	assert.Contains(t, out, "class review pending")
}
