// Package proto defines the JSON messages exchanged over the relay's
// WebSocket text frames.
package proto

import (
	"encoding/json"

	"github.com/jackalopelabs/jackalopes-server/internal/pkg/game"
)

// Kind is the closed set of message types. Inbound dispatch switches over
// Kind exhaustively, so adding a message type is a compile-time-checked
// change.
type Kind string

// Client-to-server message kinds.
const (
	KindAuth         Kind = "auth"
	KindJoinSession  Kind = "join_session"
	KindPlayerUpdate Kind = "player_update"
	KindGameEvent    Kind = "game_event"
	KindChat         Kind = "chat"
	KindLeaveSession Kind = "leave_session"
	KindAdminCommand Kind = "admin_command"
)

// Server-to-client message kinds.
const (
	KindWelcome      Kind = "welcome"
	KindAuthSuccess  Kind = "auth_success"
	KindJoinSuccess  Kind = "join_success"
	KindPlayerJoined Kind = "player_joined"
	KindPlayerLeft   Kind = "player_left"
	KindGameSnapshot Kind = "game_snapshot"
	KindError        Kind = "error"
)

// Envelope carries the type tag used to route an inbound message.
type Envelope struct {
	Type Kind `json:"type"`
}

// Auth is the client's identity claim. The display name is sanitized before
// the identity is minted.
type Auth struct {
	Type       Kind   `json:"type"`
	PlayerName string `json:"playerName" validate:"required"`
}

// JoinSession requests membership of a session. An empty key asks the relay
// to mint a fresh session.
type JoinSession struct {
	Type       Kind   `json:"type"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// PlayerUpdate carries a client's authoritative pose claim. The flattened
// position/rotation form is the canonical schema.
type PlayerUpdate struct {
	Type     Kind       `json:"type"`
	Position *game.Vec3 `json:"position"`
	Rotation *game.Quat `json:"rotation"`
	Sequence uint64     `json:"sequence,omitempty"`
}

// EventBody is a game event as submitted by a client and as broadcast after
// the relay stamps the originating player and timestamp.
type EventBody struct {
	Type      string          `json:"type" validate:"required"`
	Player    string          `json:"player,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// GameEvent submits an event for broadcast to the whole session.
type GameEvent struct {
	Type  Kind       `json:"type"`
	Event *EventBody `json:"event"`
}

// Chat submits a chat line for broadcast to the whole session.
type Chat struct {
	Type    Kind   `json:"type"`
	Message string `json:"message"`
}

// AdminCommand tunes the issuing connection's network faults at runtime.
type AdminCommand struct {
	Type    Kind   `json:"type"`
	Command string `json:"command" validate:"required,oneof=latency packet_loss"`
	Value   int    `json:"value"`
}

// PlayerInfo identifies a player on the wire.
type PlayerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SessionInfo describes a session on the wire.
type SessionInfo struct {
	Key         string `json:"key"`
	PlayerCount int    `json:"playerCount"`
}

// Welcome is sent once on connect.
type Welcome struct {
	Type      Kind   `json:"type"`
	Server    string `json:"server"`
	Timestamp int64  `json:"timestamp"`
}

// AuthSuccess acknowledges an auth message with the minted identity.
type AuthSuccess struct {
	Type   Kind       `json:"type"`
	Player PlayerInfo `json:"player"`
}

// JoinSuccess acknowledges a join_session message. Roster lists the players
// already in the session, excluding the joiner.
type JoinSuccess struct {
	Type    Kind         `json:"type"`
	Session SessionInfo  `json:"session"`
	Player  PlayerInfo   `json:"player"`
	Roster  []PlayerInfo `json:"roster"`
}

// PlayerJoined notifies existing members of a new participant.
type PlayerJoined struct {
	Type   Kind       `json:"type"`
	Player PlayerInfo `json:"player"`
}

// PlayerLeft notifies remaining members of a departure.
type PlayerLeft struct {
	Type       Kind   `json:"type"`
	Player     string `json:"player"`
	PlayerName string `json:"playerName,omitempty"`
}

// PlayerUpdateBroadcast relays a pose update to the rest of the session.
type PlayerUpdateBroadcast struct {
	Type      Kind      `json:"type"`
	Player    string    `json:"player"`
	Position  game.Vec3 `json:"position"`
	Rotation  game.Quat `json:"rotation"`
	Timestamp int64     `json:"timestamp"`
}

// PlayerUpdateEcho is returned to the sender of a player_update with the
// reconciliation signal.
type PlayerUpdateEcho struct {
	Type             Kind    `json:"type"`
	Player           string  `json:"player"`
	PositionError    float64 `json:"positionError"`
	ServerCorrection bool    `json:"serverCorrection"`
}

// GameEventBroadcast relays a stamped event to the whole session.
type GameEventBroadcast struct {
	Type  Kind      `json:"type"`
	Event EventBody `json:"event"`
}

// ChatBroadcast relays a sanitized chat line to the whole session.
type ChatBroadcast struct {
	Type       Kind   `json:"type"`
	Player     string `json:"player"`
	PlayerName string `json:"playerName"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

// GameSnapshot carries one snapshot engine tick.
type GameSnapshot struct {
	Type     Kind          `json:"type"`
	Snapshot game.Snapshot `json:"snapshot"`
}

// Error reports a handler failure to the offending connection.
type Error struct {
	Type    Kind   `json:"type"`
	Message string `json:"message"`
}

// MustMarshal marshals a message that cannot fail to encode. All wire
// message types marshal without error by construction.
func MustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
