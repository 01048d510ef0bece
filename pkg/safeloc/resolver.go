package safeloc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
)

// MaxRadius caps the search so a misconfigured radius can't turn a single
// teleport into millions of world queries.
const MaxRadius = 16

// Resolver finds the closest safe standing spot around a target point.
type Resolver struct {
	query homedb.WorldQuery

	mu     sync.Mutex
	shells map[int][][]homedb.BlockPos // radius -> shells of offsets
}

// NewResolver creates a resolver that asks query about block safety.
func NewResolver(query homedb.WorldQuery) *Resolver {
	return &Resolver{
		query:  query,
		shells: make(map[int][][]homedb.BlockPos),
	}
}

// Resolve returns the first safe position around point, searching shells of
// increasing Manhattan distance up to radius. The unchanged point is tried
// first. Other candidates are the centre of the offset block with the
// original facing.
func (r *Resolver) Resolve(world string, point homedb.Position, radius int) (homedb.Position, error) {
	if r.query.IsSafe(world, point) {
		return point, nil
	}
	origin := point.Block()
	for _, shell := range r.offsets(radius)[1:] {
		for _, off := range shell {
			cand := origin.Add(off).Center()
			cand.Yaw, cand.Pitch = point.Yaw, point.Pitch
			if r.query.IsSafe(world, cand) {
				return cand, nil
			}
		}
	}
	return homedb.Position{}, fmt.Errorf("%s (%.1f, %.1f, %.1f) r=%d: %w",
		world, point.X, point.Y, point.Z, radius, homedb.ErrNoSafeLocation)
}

func (r *Resolver) offsets(radius int) [][]homedb.BlockPos {
	if radius < 0 {
		radius = 0
	}
	if radius > MaxRadius {
		radius = MaxRadius
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.shells[radius]; ok {
		return s
	}
	s := Shells(radius)
	r.shells[radius] = s
	return s
}

// Shells returns every offset within Manhattan distance radius grouped by
// distance. Shell 0 holds only the origin. Within a shell, horizontal
// offsets come before vertical ones and x before z; for equal magnitudes the
// positive direction wins, giving the scan order +x, -x, +z, -z, +y, -y.
func Shells(radius int) [][]homedb.BlockPos {
	shells := make([][]homedb.BlockPos, radius+1)
	for dx := -radius; dx <= radius; dx++ {
		for dy := -radius; dy <= radius; dy++ {
			for dz := -radius; dz <= radius; dz++ {
				d := abs(dx) + abs(dy) + abs(dz)
				if d > radius {
					continue
				}
				shells[d] = append(shells[d], homedb.BlockPos{X: dx, Y: dy, Z: dz})
			}
		}
	}
	for _, shell := range shells {
		sort.Slice(shell, func(i, j int) bool {
			return scanLess(shell[i], shell[j])
		})
	}
	return shells
}

func scanLess(a, b homedb.BlockPos) bool {
	if abs(a.Y) != abs(b.Y) {
		return abs(a.Y) < abs(b.Y)
	}
	if abs(a.Z) != abs(b.Z) {
		return abs(a.Z) < abs(b.Z)
	}
	if a.X != b.X {
		return a.X > b.X
	}
	if a.Z != b.Z {
		return a.Z > b.Z
	}
	return a.Y > b.Y
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
