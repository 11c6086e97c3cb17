// Package diagram renders workflow templates as Mermaid flowcharts,
// optionally overlaying the progress of a run.
package diagram

// NodeKind classifies a diagram node by its step type.
type NodeKind string

const (
	NodeKindPrompt      NodeKind = "prompt"
	NodeKindTransform   NodeKind = "transform"
	NodeKindTool        NodeKind = "tool"
	NodeKindFunction    NodeKind = "function"
	NodeKindHuman       NodeKind = "human"
	NodeKindParallel    NodeKind = "parallel"
	NodeKindSubWorkflow NodeKind = "subworkflow"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// Model is the intermediate representation the renderer consumes.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is a single step in the diagram. Parallel steps carry their
// branch body as a child subgraph.
type Node struct {
	ID          string
	Label       string
	Kind        NodeKind
	Conditional bool
	Status      string // run overlay, empty without a run
	Children    []*Node
}

// Edge links two nodes in execution order.
type Edge struct {
	From  string
	To    string
	Label string
}
