package homedb

import (
	"fmt"
	"time"
)

// Record is the on-disk JSON form of a PlayerHomeSet.
type Record struct {
	PlayerID       string                `json:"playerId"`
	Username       string                `json:"username"`
	Homes          map[string]HomeRecord `json:"homes"`
	LastTeleportAt int64                 `json:"lastTeleportAt"`
}

// HomeRecord is the on-disk JSON form of a Home.
type HomeRecord struct {
	Name      string  `json:"name"`
	World     string  `json:"world"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Yaw       float32 `json:"yaw"`
	Pitch     float32 `json:"pitch"`
	CreatedAt int64   `json:"createdAt"`
}

// ToRecord converts a set into its persisted form.
func ToRecord(s PlayerHomeSet) Record {
	rec := Record{
		PlayerID: s.Player.String(),
		Username: s.Username,
		Homes:    make(map[string]HomeRecord, len(s.Homes)),
	}
	if !s.LastTeleportAt.IsZero() {
		rec.LastTeleportAt = s.LastTeleportAt.UnixMilli()
	}
	for key, h := range s.Homes {
		rec.Homes[key] = HomeRecord{
			Name:      h.Name,
			World:     h.World,
			X:         h.Position.X,
			Y:         h.Position.Y,
			Z:         h.Position.Z,
			Yaw:       h.Position.Yaw,
			Pitch:     h.Position.Pitch,
			CreatedAt: h.CreatedAt.UnixMilli(),
		}
	}
	return rec
}

// FromRecord converts a persisted record back into a set. Home keys are
// re-normalized; a record whose name is missing takes it from the map key.
func FromRecord(rec Record) (PlayerHomeSet, error) {
	id, err := ParsePlayerID(rec.PlayerID)
	if err != nil {
		return PlayerHomeSet{}, fmt.Errorf("player id %q: %w", rec.PlayerID, err)
	}
	set := NewPlayerHomeSet(id, rec.Username)
	if rec.LastTeleportAt > 0 {
		set.LastTeleportAt = time.UnixMilli(rec.LastTeleportAt)
	}
	for key, hr := range rec.Homes {
		name := hr.Name
		if name == "" {
			name = key
		}
		if !ValidName(name) {
			return PlayerHomeSet{}, fmt.Errorf("home %q: %w", name, ErrInvalidName)
		}
		set.Homes[NameKey(name)] = Home{
			Name:  name,
			Owner: id,
			World: hr.World,
			Position: Position{
				X: hr.X, Y: hr.Y, Z: hr.Z,
				Yaw: hr.Yaw, Pitch: hr.Pitch,
			},
			CreatedAt: time.UnixMilli(hr.CreatedAt),
		}
	}
	return set, nil
}
