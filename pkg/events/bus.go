package events

import (
	"sync"

	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
)

// Subscriber receives events from the bus.
type Subscriber interface {
	Receive(ev Event)
	Closed() bool
}

// FuncSubscriber adapts a function to Subscriber. It is never closed.
type FuncSubscriber struct {
	fn func(ev Event)
}

// NewFuncSubscriber wraps fn. The returned pointer identifies the
// subscription for Unsubscribe.
func NewFuncSubscriber(fn func(ev Event)) *FuncSubscriber {
	return &FuncSubscriber{fn: fn}
}

func (f *FuncSubscriber) Receive(ev Event) { f.fn(ev) }
func (f *FuncSubscriber) Closed() bool      { return false }

// Bus is a per-player pub/sub event bus with support for global subscribers.
// Subscriber lists are copy-on-write so a subscriber may unsubscribe itself
// from inside Receive.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[homedb.PlayerID][]Subscriber
	global      []Subscriber
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[homedb.PlayerID][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific player's events.
func (b *Bus) Subscribe(player homedb.PlayerID, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[player]
	next := make([]Subscriber, len(subs), len(subs)+1)
	copy(next, subs)
	b.subscribers[player] = append(next, sub)
}

// Unsubscribe removes a subscriber for a specific player.
func (b *Bus) Unsubscribe(player homedb.PlayerID, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[player]
	next := make([]Subscriber, 0, len(subs))
	for _, s := range subs {
		if s != sub {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(b.subscribers, player)
	} else {
		b.subscribers[player] = next
	}
}

// SubscribeGlobal registers a subscriber that receives all events.
func (b *Bus) SubscribeGlobal(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make([]Subscriber, len(b.global), len(b.global)+1)
	copy(next, b.global)
	b.global = append(next, sub)
}

// UnsubscribeGlobal removes a global subscriber.
func (b *Bus) UnsubscribeGlobal(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make([]Subscriber, 0, len(b.global))
	for _, s := range b.global {
		if s != sub {
			next = append(next, s)
		}
	}
	b.global = next
}

// Emit sends an event to the subscribers of ev.Player and all global subscribers.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	subs := b.subscribers[ev.Player]
	globals := b.global
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.Closed() {
			s.Receive(ev)
		}
	}
	for _, s := range globals {
		if !s.Closed() {
			s.Receive(ev)
		}
	}
}

// PlayerSubscribers returns the number of subscribers for a player.
func (b *Bus) PlayerSubscribers(player homedb.PlayerID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[player])
}

// Cleanup removes closed subscribers from all lists.
func (b *Bus) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for player, subs := range b.subscribers {
		var active []Subscriber
		for _, s := range subs {
			if !s.Closed() {
				active = append(active, s)
			}
		}
		if len(active) == 0 {
			delete(b.subscribers, player)
		} else {
			b.subscribers[player] = active
		}
	}

	var activeGlobal []Subscriber
	for _, s := range b.global {
		if !s.Closed() {
			activeGlobal = append(activeGlobal, s)
		}
	}
	b.global = activeGlobal
}
