package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a Model as a Mermaid flowchart string.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", nodeDef(node)))
		if len(node.Children) > 0 {
			b.WriteString(fmt.Sprintf("    subgraph %s[\"%s: branches\"]\n",
				safeID(node.ID+"_branches"), node.ID))
			for _, child := range node.Children {
				b.WriteString(fmt.Sprintf("        %s\n", nodeDef(child)))
			}
			b.WriteString("    end\n")
		}
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n",
			safeID(edge.From), label, safeID(edge.To)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef current fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")

	for _, node := range model.Nodes {
		if node.Status != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", safeID(node.ID), node.Status))
		}
	}

	return b.String()
}

// nodeDef returns a node definition with a shape per kind.
func nodeDef(node *Node) string {
	id := safeID(node.ID)
	label := firstLine(node.Label)
	if node.Conditional {
		label = "? " + label
	}

	switch node.Kind {
	case NodeKindHuman:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindParallel:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindSubWorkflow:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindFunction:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// safeID converts a step id to a Mermaid-safe identifier.
func safeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
