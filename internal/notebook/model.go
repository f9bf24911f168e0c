package notebook

import (
	"context"
	"fmt"

	"notebook-sync-client/internal/domain"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type Fetcher interface {
	FetchNotebook(ctx context.Context) (*domain.Notebook, error)
}

// Model holds notebook identity and topology. The display order is the only
// part a reorder touches; the id set changes only through AddCell.
type Model struct {
	id       string
	title    string
	language domain.LanguageInfo
	meta     domain.NotebookMetadata
	order    []string
	cells    *CellStore
}

// Load fetches the notebook and rejects it outright if its topology is
// inconsistent. A partial notebook is never returned.
func Load(ctx context.Context, fetcher Fetcher) (*Model, error) {
	nb, err := fetcher.FetchNotebook(ctx)
	if err != nil {
		return nil, &domain.LoadError{Err: err}
	}
	if nb == nil {
		return nil, &domain.LoadError{Err: fmt.Errorf("empty notebook response")}
	}
	return FromNotebook(nb)
}

func FromNotebook(nb *domain.Notebook) (*Model, error) {
	if err := validate.Struct(nb); err != nil {
		return nil, &domain.LoadError{NotebookID: nb.ID, Err: err}
	}
	if err := ValidateTopology(&nb.Topology); err != nil {
		return nil, &domain.LoadError{NotebookID: nb.ID, Err: err}
	}

	cells := make([]*domain.Cell, 0, len(nb.Topology.DisplayOrder))
	for _, id := range nb.Topology.DisplayOrder {
		cells = append(cells, nb.Topology.Cells[id])
	}

	return &Model{
		id:       nb.ID,
		title:    nb.Title,
		language: nb.Language,
		meta:     nb.Meta,
		order:    append([]string(nil), nb.Topology.DisplayOrder...),
		cells:    NewCellStore(cells...),
	}, nil
}

// ValidateTopology checks that display_order enumerates the keys of cells
// exactly once each and that every cell is stored under its own id.
func ValidateTopology(t *domain.Topology) error {
	seen := make(map[string]bool, len(t.DisplayOrder))
	for _, id := range t.DisplayOrder {
		if seen[id] {
			return fmt.Errorf("display_order lists cell %s twice", id)
		}
		seen[id] = true
		cell, ok := t.Cells[id]
		if !ok || cell == nil {
			return fmt.Errorf("display_order references unknown cell %s", id)
		}
		if cell.ID != id {
			return fmt.Errorf("cell stored under %s has id %s", id, cell.ID)
		}
	}
	for id := range t.Cells {
		if !seen[id] {
			return fmt.Errorf("cell %s is missing from display_order", id)
		}
	}
	return nil
}

func (m *Model) ID() string {
	return m.id
}

func (m *Model) Title() string {
	return m.title
}

func (m *Model) Cells() *CellStore {
	return m.cells
}

func (m *Model) Order() []string {
	return append([]string(nil), m.order...)
}

// Reorder applies newOrder if it is a permutation of the current ids.
func (m *Model) Reorder(newOrder []string) error {
	if err := m.ValidatePermutation(newOrder); err != nil {
		return err
	}
	m.order = append([]string(nil), newOrder...)
	return nil
}

// Move computes the order that results from moving the cell at from to to.
// The model is not modified.
func (m *Model) Move(from, to int) ([]string, error) {
	return MovePermutation(m.order, from, to)
}

// ValidatePermutation reports whether newOrder lists every cell exactly once.
func (m *Model) ValidatePermutation(newOrder []string) error {
	if len(newOrder) != len(m.order) {
		return &domain.InvalidOrderError{
			Order:  newOrder,
			Reason: fmt.Sprintf("expected %d cells, got %d", len(m.order), len(newOrder)),
		}
	}
	seen := make(map[string]bool, len(newOrder))
	for _, id := range newOrder {
		if !m.cells.Has(id) {
			return &domain.InvalidOrderError{Order: newOrder, Reason: "unknown cell " + id}
		}
		if seen[id] {
			return &domain.InvalidOrderError{Order: newOrder, Reason: "duplicate cell " + id}
		}
		seen[id] = true
	}
	return nil
}

// AddCell inserts the cell into the store and the display order together.
// An index outside [0, len] appends.
func (m *Model) AddCell(cell *domain.Cell, index int) error {
	if err := validate.Struct(cell); err != nil {
		return fmt.Errorf("invalid cell: %w", err)
	}
	if m.cells.Has(cell.ID) {
		return fmt.Errorf("cell %s already exists", cell.ID)
	}
	if index < 0 || index > len(m.order) {
		index = len(m.order)
	}

	order := make([]string, 0, len(m.order)+1)
	order = append(order, m.order[:index]...)
	order = append(order, cell.ID)
	order = append(order, m.order[index:]...)

	m.cells.add(cell)
	m.order = order
	return nil
}

// Notebook returns a detached copy in wire shape.
func (m *Model) Notebook() *domain.Notebook {
	cells := make(map[string]*domain.Cell, len(m.order))
	for i, id := range m.order {
		c, _ := m.cells.Get(id)
		c.Pos = i
		cells[id] = c
	}
	return &domain.Notebook{
		ID:       m.id,
		Title:    m.title,
		Language: m.language,
		Meta:     m.meta,
		Topology: domain.Topology{
			Cells:        cells,
			DisplayOrder: m.Order(),
		},
	}
}

// MovePermutation removes the element at from and reinserts it at to.
func MovePermutation(order []string, from, to int) ([]string, error) {
	if from < 0 || from >= len(order) || to < 0 || to >= len(order) {
		return nil, &domain.InvalidOrderError{
			Order:  order,
			Reason: fmt.Sprintf("move %d -> %d out of range for %d cells", from, to, len(order)),
		}
	}

	out := make([]string, 0, len(order))
	out = append(out, order[:from]...)
	out = append(out, order[from+1:]...)

	moved := order[from]
	out = append(out, "")
	copy(out[to+1:], out[to:])
	out[to] = moved
	return out, nil
}
