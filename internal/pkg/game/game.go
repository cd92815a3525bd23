// Package game holds the authoritative game state types shared by the
// session registry and the snapshot engine.
package game

import (
	"encoding/json"
	"math"
	"time"
)

// Vec3 is a position in world space.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// DistanceTo returns the Euclidean distance between two positions.
func (v Vec3) DistanceTo(other Vec3) float64 {
	dx := v.X - other.X
	dy := v.Y - other.Y
	dz := v.Z - other.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Quat is a rotation quaternion.
type Quat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// PlayerPose is the authoritative per-player state held in a session.
type PlayerPose struct {
	Position Vec3    `json:"position"`
	Rotation Quat    `json:"rotation"`
	Health   float64 `json:"health"`
}

// DefaultPose is the pose seeded for a player on join: origin position,
// identity rotation, full health. The first player_update's position error
// is measured against this pose, so a client spawning away from the origin
// sees a non-zero error on its first update.
func DefaultPose() PlayerPose {
	return PlayerPose{
		Rotation: Quat{W: 1},
		Health:   100,
	}
}

// Event is an ephemeral game event queued between snapshots.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// State is a session's authoritative game state. The session registry is
// its sole owner and mutator.
type State struct {
	Players       map[string]PlayerPose
	PendingEvents []Event
	Sequence      uint64
}

// NewState returns an empty game state.
func NewState() *State {
	return &State{
		Players: make(map[string]PlayerPose),
	}
}

// Snapshot is an immutable, sequence-numbered copy of a session's state.
type Snapshot struct {
	Sequence  uint64                `json:"sequence"`
	Timestamp time.Time             `json:"timestamp"`
	Players   map[string]PlayerPose `json:"players"`
	Events    []Event               `json:"events"`
}
