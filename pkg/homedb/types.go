package homedb

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PlayerID identifies a player account.
type PlayerID = uuid.UUID

// NoPlayer is the zero PlayerID, used where an owner is "the requester itself".
var NoPlayer = PlayerID(uuid.Nil)

// ParsePlayerID parses a textual player id.
func ParsePlayerID(s string) (PlayerID, error) {
	return uuid.Parse(strings.TrimSpace(s))
}

// Position is a point in a world plus the facing orientation.
type Position struct {
	X, Y, Z    float64
	Yaw, Pitch float32
}

// Block returns the integer block coordinates containing the position.
func (p Position) Block() BlockPos {
	return BlockPos{
		X: int(math.Floor(p.X)),
		Y: int(math.Floor(p.Y)),
		Z: int(math.Floor(p.Z)),
	}
}

// DistanceSq returns the squared euclidean distance between two positions.
func (p Position) DistanceSq(o Position) float64 {
	dx, dy, dz := p.X-o.X, p.Y-o.Y, p.Z-o.Z
	return dx*dx + dy*dy + dz*dz
}

// BlockPos is an integer voxel coordinate.
type BlockPos struct {
	X, Y, Z int
}

// Add returns b offset by o.
func (b BlockPos) Add(o BlockPos) BlockPos {
	return BlockPos{X: b.X + o.X, Y: b.Y + o.Y, Z: b.Z + o.Z}
}

// Center returns the position standing in the middle of the block's floor.
func (b BlockPos) Center() Position {
	return Position{X: float64(b.X) + 0.5, Y: float64(b.Y), Z: float64(b.Z) + 0.5}
}

// Location is a position qualified by the world it lives in.
type Location struct {
	World    string
	Position Position
}

// Home is a named saved location. Values are never mutated in place;
// re-registering a name replaces the whole value.
type Home struct {
	Name      string
	Owner     PlayerID
	World     string
	Position  Position
	CreatedAt time.Time
}

// Key returns the lookup key for the home's name.
func (h Home) Key() string {
	return NameKey(h.Name)
}

// Location returns the home's world and position.
func (h Home) Location() Location {
	return Location{World: h.World, Position: h.Position}
}

// PlayerHomeSet is the persisted home state of a single player.
type PlayerHomeSet struct {
	Player         PlayerID
	Username       string
	Homes          map[string]Home // keyed by NameKey
	LastTeleportAt time.Time       // zero if the player never teleported
}

// NewPlayerHomeSet returns an empty set for player.
func NewPlayerHomeSet(player PlayerID, username string) PlayerHomeSet {
	return PlayerHomeSet{
		Player:   player,
		Username: username,
		Homes:    make(map[string]Home),
	}
}

// Clone returns a deep copy whose Homes map can be modified freely.
func (s PlayerHomeSet) Clone() PlayerHomeSet {
	out := s
	out.Homes = make(map[string]Home, len(s.Homes))
	for k, h := range s.Homes {
		out.Homes[k] = h
	}
	return out
}

// ShareGrant lets Grantee teleport to (but not edit) Owner's homes.
type ShareGrant struct {
	Owner   PlayerID
	Grantee PlayerID
}

var homeNameRe = regexp.MustCompile(`^[a-zA-Z0-9_]{1,32}$`)

// ValidName reports whether name is an acceptable home name.
func ValidName(name string) bool {
	return homeNameRe.MatchString(name)
}

// NameKey normalizes a home name for case-insensitive lookup.
func NameKey(name string) string {
	return strings.ToLower(name)
}

// Unlimited is the effective limit of a player who may own any number of homes.
const Unlimited = -1
