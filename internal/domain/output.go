package domain

import (
	"encoding/json"
	"time"
)

type OutputCommand string

const (
	OutputResult OutputCommand = "Result"
	OutputError  OutputCommand = "Error"
)

type BindingKind string

const (
	BindingDefinition BindingKind = "Definition"
	BindingEval       BindingKind = "Eval"
	BindingExec       BindingKind = "Exec"
)

// ReturnValueKey names the binding that carries an expression's value.
const ReturnValueKey = "RETURN"

type Binding struct {
	Value string      `json:"value"`
	Kind  BindingKind `json:"kind"`
}

// UnmarshalJSON accepts both the `kind` and the older `local_type` key, and
// keeps non-string values as their raw JSON text.
func (b *Binding) UnmarshalJSON(data []byte) error {
	var aux struct {
		Value     json.RawMessage `json:"value"`
		Kind      BindingKind     `json:"kind"`
		LocalType BindingKind     `json:"local_type"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	b.Kind = aux.Kind
	if b.Kind == "" {
		b.Kind = aux.LocalType
	}

	b.Value = ""
	if len(aux.Value) == 0 || string(aux.Value) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(aux.Value, &s); err == nil {
		b.Value = s
		return nil
	}
	b.Value = string(aux.Value)
	return nil
}

type Bindings map[string]Binding

type OutputEntry struct {
	CellID     string        `json:"cell_id"`
	Command    OutputCommand `json:"command"`
	Bindings   Bindings      `json:"bindings,omitempty"`
	Message    string        `json:"message,omitempty"`
	Seq        uint64        `json:"seq,omitempty"`
	ReceivedAt time.Time     `json:"received_at"`
}

// Err reports the server-side failure carried by an Error entry.
func (o *OutputEntry) Err() error {
	if o.Command != OutputError {
		return nil
	}
	return &EvaluationError{CellID: o.CellID, Message: o.Message}
}

type EvaluationRecord struct {
	ID          string        `json:"id"`
	NotebookID  string        `json:"notebook_id"`
	CellID      string        `json:"cell_id"`
	Seq         uint64        `json:"seq"`
	Command     OutputCommand `json:"command"`
	ContentHash string        `json:"content_hash"`
	Bindings    Bindings      `json:"bindings,omitempty"`
	Message     string        `json:"message,omitempty"`
	ReceivedAt  time.Time     `json:"received_at"`
}
