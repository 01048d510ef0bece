package share

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
	"github.com/HyperSystemsDev/hyperhomes/pkg/playerlock"
)

// Registry tracks which players an owner has opened their homes to.
// Grant and Revoke are idempotent.
type Registry struct {
	locks *playerlock.Table

	mu     sync.RWMutex
	owners map[homedb.PlayerID]*grants
}

type grants struct {
	grantees map[homedb.PlayerID]struct{}
	version  atomic.Uint64
	saved    atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		locks:  playerlock.NewTable(),
		owners: make(map[homedb.PlayerID]*grants),
	}
}

// Load replaces all grants with the persisted set. Loaded entries start clean.
func (r *Registry) Load(list []homedb.ShareGrant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners = make(map[homedb.PlayerID]*grants)
	for _, g := range list {
		if g.Owner == g.Grantee {
			continue
		}
		e, ok := r.owners[g.Owner]
		if !ok {
			e = &grants{grantees: make(map[homedb.PlayerID]struct{})}
			r.owners[g.Owner] = e
		}
		e.grantees[g.Grantee] = struct{}{}
	}
}

func (r *Registry) entry(owner homedb.PlayerID, create bool) *grants {
	r.mu.RLock()
	e := r.owners[owner]
	r.mu.RUnlock()
	if e != nil || !create {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.owners[owner]; ok {
		return e
	}
	e = &grants{grantees: make(map[homedb.PlayerID]struct{})}
	r.owners[owner] = e
	return e
}

// Grant lets grantee use owner's homes. Granting twice is a no-op.
func (r *Registry) Grant(owner, grantee homedb.PlayerID) error {
	if owner == grantee || owner == homedb.NoPlayer || grantee == homedb.NoPlayer {
		return fmt.Errorf("share: %w", homedb.ErrInvalidGrant)
	}
	unlock := r.locks.Lock(owner)
	defer unlock()

	e := r.entry(owner, true)
	if _, ok := e.grantees[grantee]; ok {
		return nil
	}
	e.grantees[grantee] = struct{}{}
	e.version.Add(1)
	return nil
}

// Revoke removes a grant. Revoking a grant that was never made is a no-op.
func (r *Registry) Revoke(owner, grantee homedb.PlayerID) {
	unlock := r.locks.Lock(owner)
	defer unlock()

	e := r.entry(owner, false)
	if e == nil {
		return
	}
	if _, ok := e.grantees[grantee]; !ok {
		return
	}
	delete(e.grantees, grantee)
	e.version.Add(1)
}

// IsShared reports whether owner has granted grantee access.
func (r *Registry) IsShared(owner, grantee homedb.PlayerID) bool {
	unlock := r.locks.Lock(owner)
	defer unlock()
	e := r.entry(owner, false)
	if e == nil {
		return false
	}
	_, ok := e.grantees[grantee]
	return ok
}

// ListGrantees returns everyone owner shares with, in a stable order.
func (r *Registry) ListGrantees(owner homedb.PlayerID) []homedb.PlayerID {
	unlock := r.locks.Lock(owner)
	defer unlock()
	return r.granteesLocked(owner)
}

func (r *Registry) granteesLocked(owner homedb.PlayerID) []homedb.PlayerID {
	e := r.entry(owner, false)
	if e == nil {
		return nil
	}
	out := make([]homedb.PlayerID, 0, len(e.grantees))
	for id := range e.grantees {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

// ListOwners returns every owner that shares with grantee.
func (r *Registry) ListOwners(grantee homedb.PlayerID) []homedb.PlayerID {
	var out []homedb.PlayerID
	for _, owner := range r.allOwners() {
		if r.IsShared(owner, grantee) {
			out = append(out, owner)
		}
	}
	sortIDs(out)
	return out
}

// PurgePlayer removes player's own grants and every grant made to player.
func (r *Registry) PurgePlayer(player homedb.PlayerID) {
	for _, owner := range r.allOwners() {
		if owner == player {
			unlock := r.locks.Lock(owner)
			if e := r.entry(owner, false); e != nil && len(e.grantees) > 0 {
				e.grantees = make(map[homedb.PlayerID]struct{})
				e.version.Add(1)
			}
			unlock()
			continue
		}
		r.Revoke(owner, player)
	}
}

// Count returns the total number of grants.
func (r *Registry) Count() int {
	n := 0
	for _, owner := range r.allOwners() {
		n += len(r.ListGrantees(owner))
	}
	return n
}

// Dirty lists owners whose grants changed since last MarkClean.
func (r *Registry) Dirty() []homedb.PlayerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []homedb.PlayerID
	for id, e := range r.owners {
		if e.version.Load() != e.saved.Load() {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot returns owner's grantees and the version they reflect.
func (r *Registry) Snapshot(owner homedb.PlayerID) ([]homedb.PlayerID, uint64) {
	unlock := r.locks.Lock(owner)
	defer unlock()
	e := r.entry(owner, false)
	if e == nil {
		return nil, 0
	}
	return r.granteesLocked(owner), e.version.Load()
}

// MarkClean records that version of owner's grants was persisted.
func (r *Registry) MarkClean(owner homedb.PlayerID, version uint64) {
	e := r.entry(owner, false)
	if e == nil {
		return
	}
	for {
		cur := e.saved.Load()
		if version <= cur || e.saved.CompareAndSwap(cur, version) {
			return
		}
	}
}

func (r *Registry) allOwners() []homedb.PlayerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]homedb.PlayerID, 0, len(r.owners))
	for id := range r.owners {
		out = append(out, id)
	}
	return out
}

func sortIDs(ids []homedb.PlayerID) {
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
}
