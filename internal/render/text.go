package render

import (
	"fmt"
	"strings"
)

// Text renders a plan as plain lines, one per row.
func Text(plan RenderPlan) string {
	if plan.Error != "" {
		return "error: " + plan.Error
	}

	var b strings.Builder
	for i, row := range plan.Rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		if row.Label {
			b.WriteString(row.Name)
			b.WriteString(": ")
		}
		writeNode(&b, row.Value)
	}
	return b.String()
}

func writeNode(b *strings.Builder, n Node) {
	switch n.Kind {
	case NodeList:
		b.WriteByte('[')
		for i, item := range n.Items {
			if i > 0 {
				b.WriteString(", ")
			}
			writeNode(b, item)
		}
		writeOmitted(b, n.Omitted, len(n.Items) > 0)
		b.WriteByte(']')
	case NodeMap:
		b.WriteByte('{')
		for i, f := range n.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(f.Key)
			b.WriteString(": ")
			writeNode(b, f.Value)
		}
		writeOmitted(b, n.Omitted, len(n.Fields) > 0)
		b.WriteByte('}')
	default:
		b.WriteString(n.Text)
	}
}

func writeOmitted(b *strings.Builder, omitted int, sep bool) {
	if omitted == 0 {
		return
	}
	if sep {
		b.WriteString(", ")
	}
	fmt.Fprintf(b, "…+%d", omitted)
}
