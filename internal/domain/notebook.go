package domain

import (
	"encoding/json"
	"fmt"
)

type CellKind string

const (
	CellKindCode     CellKind = "Code"
	CellKindMarkdown CellKind = "Markdown"
)

// UnmarshalJSON folds the interpreter's reactive/non-reactive code variants
// into CellKindCode. Unknown values are kept so validation can reject them.
func (k *CellKind) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid cell_type: %w", err)
	}

	switch raw {
	case "Code", "ReactiveCode", "NonReactiveCode":
		*k = CellKindCode
	case "Markdown":
		*k = CellKindMarkdown
	default:
		*k = CellKind(raw)
	}
	return nil
}

type LanguageInfo struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	FileExtension string `json:"file_extension"`
}

type NotebookMetadata struct {
	FormatVersion string `json:"format_version"`
}

type CellMetadata struct {
	Collapsed bool `json:"collapsed"`
}

type Cell struct {
	ID           string       `json:"uuid" validate:"required"`
	Kind         CellKind     `json:"cell_type" validate:"required,oneof=Code Markdown"`
	Content      string       `json:"content"`
	Pos          int          `json:"pos"`
	Dependencies []string     `json:"dependencies"`
	Synced       bool         `json:"isSynced"`
	Metadata     CellMetadata `json:"metadata"`
}

func (c *Cell) Clone() *Cell {
	clone := *c
	clone.Dependencies = append([]string(nil), c.Dependencies...)
	return &clone
}

func (c *Cell) Executable() bool {
	return c.Kind == CellKindCode
}

type Topology struct {
	Cells        map[string]*Cell `json:"cells" validate:"dive,required"`
	DisplayOrder []string         `json:"display_order"`
}

type Notebook struct {
	ID       string           `json:"uuid" validate:"required"`
	Title    string           `json:"title"`
	Language LanguageInfo     `json:"language_info"`
	Meta     NotebookMetadata `json:"meta_data"`
	Topology Topology         `json:"topology"`
}

type UpdateContentRequest struct {
	Content *string `json:"content" validate:"required"`
}

// AddCellRequest appends when Index is omitted.
type AddCellRequest struct {
	Kind  CellKind `json:"kind" validate:"required,oneof=Code Markdown"`
	Index *int     `json:"index" validate:"omitempty,min=0"`
}

type MoveCellRequest struct {
	From *int `json:"from" validate:"required,min=0"`
	To   *int `json:"to" validate:"required,min=0"`
}

type SetOrderRequest struct {
	Order []string `json:"order" validate:"required,min=1,dive,required"`
}
