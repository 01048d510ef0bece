package playerlock

import (
	"sync"

	"github.com/google/uuid"
)

// Table hands out one mutex per player id. Entries are reference counted
// and dropped when nobody holds or waits on them, so the table only grows
// with concurrently active players.
type Table struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{entries: make(map[uuid.UUID]*entry)}
}

// Lock blocks until the caller owns id's mutex and returns the unlock func.
func (t *Table) Lock(id uuid.UUID) (unlock func()) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		e = &entry{}
		t.entries[id] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.entries, id)
		}
		t.mu.Unlock()
	}
}

// Len returns the number of ids currently locked or waited on.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
