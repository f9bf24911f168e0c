package notebook

import "notebook-sync-client/internal/domain"

// OutputStore keeps the latest execution result per cell. Entries are
// replaced wholesale and survive content edits.
type OutputStore struct {
	entries map[string]*domain.OutputEntry
}

func NewOutputStore() *OutputStore {
	return &OutputStore{entries: make(map[string]*domain.OutputEntry)}
}

func (s *OutputStore) Put(entry *domain.OutputEntry) {
	stored := *entry
	stored.Bindings = copyBindings(entry.Bindings)
	s.entries[entry.CellID] = &stored
}

func (s *OutputStore) Get(cellID string) (*domain.OutputEntry, bool) {
	e, ok := s.entries[cellID]
	if !ok {
		return nil, false
	}
	out := *e
	out.Bindings = copyBindings(e.Bindings)
	return &out, true
}

func (s *OutputStore) Len() int {
	return len(s.entries)
}

func copyBindings(b domain.Bindings) domain.Bindings {
	if b == nil {
		return nil
	}
	out := make(domain.Bindings, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}
