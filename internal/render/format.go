// Package render turns execution results into display-safe render plans.
//
// Binding values arrive as text. Values that are JSON arrays or objects are
// expanded into a tree built from a closed set of node kinds, bounded in
// depth and width, so the plan is always finite and acyclic.
package render

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"notebook-sync-client/internal/domain"
)

type NodeKind string

const (
	NodeScalar    NodeKind = "scalar"
	NodeList      NodeKind = "list"
	NodeMap       NodeKind = "map"
	NodeTruncated NodeKind = "truncated"
)

const (
	MaxDepth = 6
	MaxItems = 64
)

type Node struct {
	Kind    NodeKind `json:"kind"`
	Text    string   `json:"text,omitempty"`
	Items   []Node   `json:"items,omitempty"`
	Fields  []Field  `json:"fields,omitempty"`
	Omitted int      `json:"omitted,omitempty"`
}

type Field struct {
	Key   string `json:"key"`
	Value Node   `json:"value"`
}

type Row struct {
	Name  string `json:"name"`
	Label bool   `json:"label"`
	Value Node   `json:"value"`
}

type RenderPlan struct {
	Rows  []Row  `json:"rows"`
	Error string `json:"error,omitempty"`
}

func (p RenderPlan) Empty() bool {
	return len(p.Rows) == 0 && p.Error == ""
}

// Format builds the plan for a result payload. Definitions and empty values
// are dropped. The return value comes first without a label, the remaining
// rows follow in name order. The input is only read.
func Format(bindings domain.Bindings) RenderPlan {
	names := make([]string, 0, len(bindings))
	for name, b := range bindings {
		if b.Kind == domain.BindingDefinition || b.Value == "" {
			continue
		}
		names = append(names, name)
	}

	sort.Slice(names, func(i, j int) bool {
		ri, rj := isReturnValue(names[i]), isReturnValue(names[j])
		if ri != rj {
			return ri
		}
		return names[i] < names[j]
	})

	rows := make([]Row, 0, len(names))
	for _, name := range names {
		rows = append(rows, Row{
			Name:  name,
			Label: !isReturnValue(name),
			Value: parseValue(bindings[name].Value),
		})
	}
	return RenderPlan{Rows: rows}
}

// FormatOutput renders a stored output entry, result or error.
func FormatOutput(entry *domain.OutputEntry) RenderPlan {
	if entry == nil {
		return RenderPlan{Rows: []Row{}}
	}
	if entry.Command == domain.OutputError {
		return RenderPlan{Rows: []Row{}, Error: entry.Message}
	}
	return Format(entry.Bindings)
}

func isReturnValue(name string) bool {
	return name == "" || name == domain.ReturnValueKey
}

func parseValue(text string) Node {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || (trimmed[0] != '[' && trimmed[0] != '{') || !json.Valid([]byte(trimmed)) {
		return Node{Kind: NodeScalar, Text: text}
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Node{Kind: NodeScalar, Text: text}
	}
	return toNode(v, 0)
}

func toNode(v any, depth int) Node {
	switch val := v.(type) {
	case map[string]any:
		if depth >= MaxDepth {
			return Node{Kind: NodeTruncated, Text: "{…}"}
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		n := Node{Kind: NodeMap, Fields: []Field{}}
		for i, k := range keys {
			if i == MaxItems {
				n.Omitted = len(keys) - MaxItems
				break
			}
			n.Fields = append(n.Fields, Field{Key: k, Value: toNode(val[k], depth+1)})
		}
		return n

	case []any:
		if depth >= MaxDepth {
			return Node{Kind: NodeTruncated, Text: "[…]"}
		}
		n := Node{Kind: NodeList, Items: []Node{}}
		for i, item := range val {
			if i == MaxItems {
				n.Omitted = len(val) - MaxItems
				break
			}
			n.Items = append(n.Items, toNode(item, depth+1))
		}
		return n

	case string:
		return Node{Kind: NodeScalar, Text: strconv.Quote(val)}
	case json.Number:
		return Node{Kind: NodeScalar, Text: val.String()}
	case bool:
		return Node{Kind: NodeScalar, Text: strconv.FormatBool(val)}
	case nil:
		return Node{Kind: NodeScalar, Text: "null"}
	default:
		return Node{Kind: NodeScalar, Text: fmt.Sprint(val)}
	}
}
