// Package world keeps a server-side mirror of the blocks and players the
// front-end reports, and answers the engine's world questions from it.
package world

import (
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/HyperSystemsDev/hyperhomes/pkg/events"
	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
)

// BlockDef describes how a block type affects standing on it.
type BlockDef struct {
	Name   string `yaml:"name" json:"name"`
	Solid  bool   `yaml:"solid" json:"solid"`
	Liquid bool   `yaml:"liquid" json:"liquid"`
	Hazard bool   `yaml:"hazard" json:"hazard"` // damages anything touching it
}

// Air is palette entry 0; unknown blocks read as air.
const Air = "air"

// DefaultBlocks is the palette used when none is configured.
func DefaultBlocks() []BlockDef {
	return []BlockDef{
		{Name: Air},
		{Name: "stone", Solid: true},
		{Name: "dirt", Solid: true},
		{Name: "grass", Solid: true},
		{Name: "sand", Solid: true},
		{Name: "wood", Solid: true},
		{Name: "water", Liquid: true},
		{Name: "lava", Liquid: true, Hazard: true},
		{Name: "fire", Hazard: true},
		{Name: "cactus", Solid: true, Hazard: true},
		{Name: "magma", Solid: true, Hazard: true},
	}
}

type player struct {
	loc    homedb.Location
	hasLoc bool
	bed    homedb.Position
	hasBed bool
	online bool
}

// Mirror implements homedb.WorldQuery and homedb.WorldMover. It is also an
// events.Subscriber: registered as a global subscriber it follows join,
// move and disconnect events.
type Mirror struct {
	bus *events.Bus

	mu      sync.RWMutex
	palette []BlockDef
	index   map[string]uint16
	worlds  map[string]map[homedb.BlockPos]uint16
	players map[homedb.PlayerID]*player
}

// NewMirror creates an empty mirror. Move commands are emitted on bus.
func NewMirror(bus *events.Bus, blocks []BlockDef) (*Mirror, error) {
	if len(blocks) == 0 {
		blocks = DefaultBlocks()
	}
	m := &Mirror{
		bus:     bus,
		worlds:  make(map[string]map[homedb.BlockPos]uint16),
		players: make(map[homedb.PlayerID]*player),
	}
	if err := m.setPalette(blocks); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mirror) setPalette(blocks []BlockDef) error {
	index := make(map[string]uint16, len(blocks)+1)
	palette := []BlockDef{{Name: Air}}
	index[Air] = 0
	for _, b := range blocks {
		if b.Name == "" {
			return fmt.Errorf("world: block definition without name")
		}
		if b.Name == Air {
			continue
		}
		if _, dup := index[b.Name]; dup {
			return fmt.Errorf("world: duplicate block %q", b.Name)
		}
		index[b.Name] = uint16(len(palette))
		palette = append(palette, b)
	}
	m.palette = palette
	m.index = index
	return nil
}

// SetBlock records the block at pos. Setting air clears the entry.
func (m *Mirror) SetBlock(world string, pos homedb.BlockPos, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.index[name]
	if !ok {
		return fmt.Errorf("world: unknown block %q", name)
	}
	w := m.worlds[world]
	if w == nil {
		w = make(map[homedb.BlockPos]uint16)
		m.worlds[world] = w
	}
	if id == 0 {
		delete(w, pos)
	} else {
		w[pos] = id
	}
	return nil
}

// Fill sets every block in the box spanned by a and b.
func (m *Mirror) Fill(world string, a, b homedb.BlockPos, name string) error {
	lo, hi := minPos(a, b), maxPos(a, b)
	for x := lo.X; x <= hi.X; x++ {
		for y := lo.Y; y <= hi.Y; y++ {
			for z := lo.Z; z <= hi.Z; z++ {
				if err := m.SetBlock(world, homedb.BlockPos{X: x, Y: y, Z: z}, name); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Block returns the block name at pos.
func (m *Mirror) Block(world string, pos homedb.BlockPos) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defAt(world, pos).Name
}

func (m *Mirror) defAt(world string, pos homedb.BlockPos) BlockDef {
	id := m.worlds[world][pos]
	if int(id) >= len(m.palette) {
		return m.palette[0]
	}
	return m.palette[id]
}

// IsSafe reports whether a player can stand at pos: a solid, harmless
// floor below and room for feet and head with no liquid or hazard.
func (m *Mirror) IsSafe(world string, pos homedb.Position) bool {
	if math.IsNaN(pos.X) || math.IsNaN(pos.Y) || math.IsNaN(pos.Z) {
		return false
	}
	feet := pos.Block()
	m.mu.RLock()
	defer m.mu.RUnlock()

	floor := m.defAt(world, feet.Add(homedb.BlockPos{Y: -1}))
	if !floor.Solid || floor.Hazard {
		return false
	}
	for _, p := range []homedb.BlockPos{feet, feet.Add(homedb.BlockPos{Y: 1})} {
		d := m.defAt(world, p)
		if d.Solid || d.Liquid || d.Hazard {
			return false
		}
	}
	return true
}

func (m *Mirror) playerLocked(id homedb.PlayerID) *player {
	p := m.players[id]
	if p == nil {
		p = &player{}
		m.players[id] = p
	}
	return p
}

// Join marks a player online at loc.
func (m *Mirror) Join(id homedb.PlayerID, loc homedb.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.playerLocked(id)
	p.online = true
	p.loc, p.hasLoc = loc, true
}

// UpdatePosition records a reported position.
func (m *Mirror) UpdatePosition(id homedb.PlayerID, loc homedb.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.playerLocked(id)
	p.online = true
	p.loc, p.hasLoc = loc, true
}

// Leave marks a player offline. The last location is kept.
func (m *Mirror) Leave(id homedb.PlayerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.players[id]; p != nil {
		p.online = false
	}
}

// Forget drops everything known about a player.
func (m *Mirror) Forget(id homedb.PlayerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.players, id)
}

// SetBed records the player's bed spawn point.
func (m *Mirror) SetBed(id homedb.PlayerID, pos homedb.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.playerLocked(id)
	p.bed, p.hasBed = pos, true
}

// Online reports whether the player is connected.
func (m *Mirror) Online(id homedb.PlayerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.players[id]
	return p != nil && p.online
}

// OnlineCount returns the number of connected players.
func (m *Mirror) OnlineCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.players {
		if p.online {
			n++
		}
	}
	return n
}

func (m *Mirror) CurrentLocation(id homedb.PlayerID) (homedb.Location, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.players[id]
	if p == nil || !p.hasLoc {
		return homedb.Location{}, false
	}
	return p.loc, true
}

func (m *Mirror) BedPosition(id homedb.PlayerID) (homedb.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.players[id]
	if p == nil || !p.hasBed {
		return homedb.Position{}, false
	}
	return p.bed, true
}

// MoveTo asks the front-end to relocate the player and records the new
// position. Offline players cannot be moved.
func (m *Mirror) MoveTo(id homedb.PlayerID, world string, pos homedb.Position) error {
	m.mu.Lock()
	p := m.players[id]
	if p == nil || !p.online {
		m.mu.Unlock()
		return fmt.Errorf("world: player %s offline: %w", id, homedb.ErrMoveFailed)
	}
	loc := homedb.Location{World: world, Position: pos}
	p.loc, p.hasLoc = loc, true
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(events.Event{Type: events.EvMoveCommand, Player: id, Location: &loc})
	}
	return nil
}

// Receive applies feed events.
func (m *Mirror) Receive(ev events.Event) {
	switch ev.Type {
	case events.EvJoin:
		if ev.Location != nil {
			m.Join(ev.Player, *ev.Location)
		} else {
			m.mu.Lock()
			m.playerLocked(ev.Player).online = true
			m.mu.Unlock()
		}
	case events.EvMove:
		if ev.Location != nil {
			m.UpdatePosition(ev.Player, *ev.Location)
		}
	case events.EvDisconnect:
		m.Leave(ev.Player)
		log.Printf("world: %s disconnected", ev.Player)
	}
}

// Closed implements events.Subscriber.
func (m *Mirror) Closed() bool { return false }

func minPos(a, b homedb.BlockPos) homedb.BlockPos {
	return homedb.BlockPos{X: min(a.X, b.X), Y: min(a.Y, b.Y), Z: min(a.Z, b.Z)}
}

func maxPos(a, b homedb.BlockPos) homedb.BlockPos {
	return homedb.BlockPos{X: max(a.X, b.X), Y: max(a.Y, b.Y), Z: max(a.Z, b.Z)}
}
