package homes

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
	"github.com/HyperSystemsDev/hyperhomes/pkg/playerlock"
)

// Store owns every player's home set in memory. Mutations to one player are
// serialized through a per-player lock; different players never contend.
// Persistence is the caller's job: mutations mark the record dirty and the
// caller drains Dirty/Snapshot/MarkClean.
type Store struct {
	locks *playerlock.Table
	perms homedb.Permissions
	now   func() time.Time

	defaultLimit atomic.Int64

	mu      sync.RWMutex
	records map[homedb.PlayerID]*record
}

type record struct {
	set     homedb.PlayerHomeSet
	version atomic.Uint64 // bumped on every mutation
	saved   atomic.Uint64 // last version handed to MarkClean
}

func (r *record) dirty() bool {
	return r.version.Load() != r.saved.Load()
}

// NewStore creates an empty store. perms may be nil, in which case every
// player gets defaultLimit.
func NewStore(perms homedb.Permissions, defaultLimit int) *Store {
	s := &Store{
		locks:   playerlock.NewTable(),
		perms:   perms,
		now:     time.Now,
		records: make(map[homedb.PlayerID]*record),
	}
	s.defaultLimit.Store(int64(defaultLimit))
	return s
}

// SetClock overrides the time source used for CreatedAt stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// SetDefaultLimit changes the fallback limit for players without limit nodes.
// Existing homes are never removed by a lower limit.
func (s *Store) SetDefaultLimit(n int) {
	s.defaultLimit.Store(int64(n))
}

// Load replaces the in-memory state with previously persisted sets.
// Loaded records start clean.
func (s *Store) Load(sets []homedb.PlayerHomeSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[homedb.PlayerID]*record, len(sets))
	for _, set := range sets {
		if set.Homes == nil {
			set.Homes = make(map[string]homedb.Home)
		}
		s.records[set.Player] = &record{set: set.Clone()}
	}
	log.Printf("homes: loaded %d player records", len(sets))
}

func (s *Store) lookup(player homedb.PlayerID) *record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[player]
}

func (s *Store) lookupOrCreate(player homedb.PlayerID) *record {
	if r := s.lookup(player); r != nil {
		return r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[player]; ok {
		return r
	}
	r := &record{set: homedb.NewPlayerHomeSet(player, "")}
	s.records[player] = r
	return r
}

// EffectiveLimit returns how many homes player may own, or homedb.Unlimited.
func (s *Store) EffectiveLimit(player homedb.PlayerID) int {
	if s.perms != nil {
		if s.perms.HasPermission(player, homedb.PermLimitUnlimited) {
			return homedb.Unlimited
		}
		if n, ok := s.perms.HighestLimit(player); ok {
			return n
		}
	}
	return int(s.defaultLimit.Load())
}

// SetHome registers or replaces a home. Replacing keeps the casing the name
// was first registered with and never counts against the limit.
func (s *Store) SetHome(player homedb.PlayerID, name string, loc homedb.Location) (homedb.Home, error) {
	if !homedb.ValidName(name) {
		return homedb.Home{}, fmt.Errorf("sethome %q: %w", name, homedb.ErrInvalidName)
	}
	key := homedb.NameKey(name)

	unlock := s.locks.Lock(player)
	defer unlock()

	r := s.lookupOrCreate(player)
	existing, replacing := r.set.Homes[key]
	if !replacing {
		limit := s.EffectiveLimit(player)
		if limit != homedb.Unlimited && len(r.set.Homes) >= limit {
			return homedb.Home{}, fmt.Errorf("sethome %q (%d/%d): %w", name, len(r.set.Homes), limit, homedb.ErrLimitExceeded)
		}
	} else {
		name = existing.Name
	}

	h := homedb.Home{
		Name:      name,
		Owner:     player,
		World:     loc.World,
		Position:  loc.Position,
		CreatedAt: s.now(),
	}
	r.set.Homes[key] = h
	r.version.Add(1)
	return h, nil
}

// GetHome looks a home up by case-insensitive name.
func (s *Store) GetHome(player homedb.PlayerID, name string) (homedb.Home, error) {
	unlock := s.locks.Lock(player)
	defer unlock()

	r := s.lookup(player)
	if r == nil {
		return homedb.Home{}, fmt.Errorf("home %q: %w", name, homedb.ErrNoSuchHome)
	}
	h, ok := r.set.Homes[homedb.NameKey(name)]
	if !ok {
		return homedb.Home{}, fmt.Errorf("home %q: %w", name, homedb.ErrNoSuchHome)
	}
	return h, nil
}

// DeleteHome removes a home.
func (s *Store) DeleteHome(player homedb.PlayerID, name string) error {
	unlock := s.locks.Lock(player)
	defer unlock()

	r := s.lookup(player)
	key := homedb.NameKey(name)
	if r == nil {
		return fmt.Errorf("delhome %q: %w", name, homedb.ErrNoSuchHome)
	}
	if _, ok := r.set.Homes[key]; !ok {
		return fmt.Errorf("delhome %q: %w", name, homedb.ErrNoSuchHome)
	}
	delete(r.set.Homes, key)
	r.version.Add(1)
	return nil
}

// ListHomes returns the player's homes ordered by name.
func (s *Store) ListHomes(player homedb.PlayerID) []homedb.Home {
	unlock := s.locks.Lock(player)
	defer unlock()

	r := s.lookup(player)
	if r == nil {
		return nil
	}
	out := make([]homedb.Home, 0, len(r.set.Homes))
	for _, h := range r.set.Homes {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}

// HomeCount returns the number of homes the player owns.
func (s *Store) HomeCount(player homedb.PlayerID) int {
	unlock := s.locks.Lock(player)
	defer unlock()
	if r := s.lookup(player); r != nil {
		return len(r.set.Homes)
	}
	return 0
}

// Touch creates the player's record if needed and refreshes the cached
// username.
func (s *Store) Touch(player homedb.PlayerID, username string) {
	unlock := s.locks.Lock(player)
	defer unlock()

	r := s.lookupOrCreate(player)
	if username != "" && r.set.Username != username {
		r.set.Username = username
		r.version.Add(1)
	}
}

// Username returns the cached display name.
func (s *Store) Username(player homedb.PlayerID) string {
	unlock := s.locks.Lock(player)
	defer unlock()
	if r := s.lookup(player); r != nil {
		return r.set.Username
	}
	return ""
}

// LastTeleportAt returns the player's last completed teleport time.
func (s *Store) LastTeleportAt(player homedb.PlayerID) (time.Time, bool) {
	unlock := s.locks.Lock(player)
	defer unlock()
	r := s.lookup(player)
	if r == nil || r.set.LastTeleportAt.IsZero() {
		return time.Time{}, false
	}
	return r.set.LastTeleportAt, true
}

// SetLastTeleportAt records a completed teleport.
func (s *Store) SetLastTeleportAt(player homedb.PlayerID, at time.Time) {
	unlock := s.locks.Lock(player)
	defer unlock()
	r := s.lookupOrCreate(player)
	r.set.LastTeleportAt = at
	r.version.Add(1)
}

// PurgePlayer drops everything known about player. Returns false if there
// was nothing to drop.
func (s *Store) PurgePlayer(player homedb.PlayerID) bool {
	unlock := s.locks.Lock(player)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[player]; !ok {
		return false
	}
	delete(s.records, player)
	return true
}

// Players returns every player with a record.
func (s *Store) Players() []homedb.PlayerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]homedb.PlayerID, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}
	return out
}

// TotalHomes counts homes across all players.
func (s *Store) TotalHomes() int {
	total := 0
	for _, id := range s.Players() {
		total += s.HomeCount(id)
	}
	return total
}

// Dirty lists players whose record changed since it was last marked clean.
func (s *Store) Dirty() []homedb.PlayerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []homedb.PlayerID
	for id, r := range s.records {
		if r.dirty() {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot returns a copy of the player's record and the version it
// reflects. ok is false if the player has no record.
func (s *Store) Snapshot(player homedb.PlayerID) (set homedb.PlayerHomeSet, version uint64, ok bool) {
	unlock := s.locks.Lock(player)
	defer unlock()
	r := s.lookup(player)
	if r == nil {
		return homedb.PlayerHomeSet{}, 0, false
	}
	return r.set.Clone(), r.version.Load(), true
}

// MarkClean records that version was persisted. A mutation that happened
// after the snapshot keeps the record dirty.
func (s *Store) MarkClean(player homedb.PlayerID, version uint64) {
	r := s.lookup(player)
	if r == nil {
		return
	}
	for {
		cur := r.saved.Load()
		if version <= cur {
			return
		}
		if r.saved.CompareAndSwap(cur, version) {
			return
		}
	}
}
