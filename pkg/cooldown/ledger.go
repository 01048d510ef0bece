package cooldown

import (
	"sync/atomic"
	"time"

	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
)

// TimestampStore holds the last completed teleport per player. The home
// store implements it so the timestamp is persisted with the player record.
type TimestampStore interface {
	LastTeleportAt(player homedb.PlayerID) (time.Time, bool)
	SetLastTeleportAt(player homedb.PlayerID, at time.Time)
}

// Ledger computes remaining cooldowns. It knows nothing about bypass
// permissions; callers decide whether to consult it.
type Ledger struct {
	store    TimestampStore
	now      func() time.Time
	cooldown atomic.Int64 // nanoseconds
}

// NewLedger creates a ledger backed by store.
func NewLedger(store TimestampStore, cooldown time.Duration, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	l := &Ledger{store: store, now: now}
	l.cooldown.Store(int64(cooldown))
	return l
}

// SetCooldown changes the configured cooldown for future calls.
func (l *Ledger) SetCooldown(d time.Duration) {
	l.cooldown.Store(int64(d))
}

// Cooldown returns the configured cooldown.
func (l *Ledger) Cooldown() time.Duration {
	return time.Duration(l.cooldown.Load())
}

// Remaining returns how long player must still wait, never negative.
func (l *Ledger) Remaining(player homedb.PlayerID) time.Duration {
	last, ok := l.store.LastTeleportAt(player)
	if !ok {
		return 0
	}
	left := l.Cooldown() - l.now().Sub(last)
	if left < 0 {
		return 0
	}
	return left
}

// Record stamps a completed teleport at now.
func (l *Ledger) Record(player homedb.PlayerID, now time.Time) {
	l.store.SetLastTeleportAt(player, now)
}
