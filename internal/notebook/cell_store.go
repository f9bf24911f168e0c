package notebook

import (
	"fmt"

	"notebook-sync-client/internal/domain"
)

// CellStore owns cell content and the synced flag. Nothing else mutates them.
type CellStore struct {
	cells map[string]*domain.Cell
}

func NewCellStore(cells ...*domain.Cell) *CellStore {
	s := &CellStore{cells: make(map[string]*domain.Cell, len(cells))}
	for _, c := range cells {
		s.cells[c.ID] = c.Clone()
	}
	return s
}

func (s *CellStore) Get(id string) (*domain.Cell, bool) {
	c, ok := s.cells[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

func (s *CellStore) Content(id string) (string, error) {
	c, ok := s.cells[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrCellNotFound, id)
	}
	return c.Content, nil
}

func (s *CellStore) IsSynced(id string) bool {
	c, ok := s.cells[id]
	return ok && c.Synced
}

// SetContent replaces the content and always clears synced, even when the
// text is unchanged: only a confirmed evaluation may set it again.
func (s *CellStore) SetContent(id, text string) error {
	c, ok := s.cells[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrCellNotFound, id)
	}
	c.Content = text
	c.Synced = false
	return nil
}

// MarkSynced sets synced only if snapshot still equals the current content.
// It reports whether the flag was set.
func (s *CellStore) MarkSynced(id, snapshot string) (bool, error) {
	c, ok := s.cells[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrCellNotFound, id)
	}
	if c.Content != snapshot {
		return false, nil
	}
	c.Synced = true
	return true, nil
}

func (s *CellStore) MarkUnsynced(id string) error {
	c, ok := s.cells[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrCellNotFound, id)
	}
	c.Synced = false
	return nil
}

func (s *CellStore) Len() int {
	return len(s.cells)
}

func (s *CellStore) Has(id string) bool {
	_, ok := s.cells[id]
	return ok
}

func (s *CellStore) add(cell *domain.Cell) {
	s.cells[cell.ID] = cell.Clone()
}
