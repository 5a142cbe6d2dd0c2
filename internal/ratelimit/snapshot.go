package ratelimit

import (
	"sync/atomic"
)

// Snapshot publishes the active limit table. Readers always see a complete
// table; Reload swaps in a new one without touching the old.
type Snapshot struct {
	current atomic.Pointer[Table]
}

// NewSnapshot validates and publishes the initial table.
func NewSnapshot(initial *Table) (*Snapshot, error) {
	s := &Snapshot{}
	if err := s.Reload(initial); err != nil {
		return nil, err
	}
	return s, nil
}

// Load returns the active table.
func (s *Snapshot) Load() *Table {
	return s.current.Load()
}

// Reload validates next and publishes it atomically.
func (s *Snapshot) Reload(next *Table) error {
	if next == nil {
		return ErrInvalidConfig
	}
	if err := next.Validate(); err != nil {
		return err
	}
	s.current.Store(next)
	return nil
}

// Loaded reports whether a table has been published.
func (s *Snapshot) Loaded() bool {
	return s != nil && s.current.Load() != nil
}
