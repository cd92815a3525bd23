package session

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jackalopelabs/jackalopes-server/internal/pkg/game"
)

// Member is a session participant: a player identity bound to a live connection.
type Member struct {
	PlayerID string
	ConnID   string
}

// Sender delivers an encoded message to a connection. The connection
// registry implements it; sends to closed connections are no-ops.
type Sender interface {
	Send(connID string, message []byte)
}

// Store is the single source of truth for session membership and game
// state. All mutation of a session's maps goes through a Store so the
// membership invariants hold under concurrent connections.
type Store interface {
	JoinOrCreate(requestedKey string) (string, error)
	AddPlayer(sessionKey, playerID, connID string) (int, error)
	RemovePlayer(sessionKey, playerID string) error
	ApplyPlayerUpdate(sessionKey, playerID string, position game.Vec3, rotation game.Quat) (float64, error)
	AppendEvent(sessionKey string, event game.Event) error
	Broadcast(sessionKey string, message []byte, excludeConnID string)
	DrainSnapshot(sessionKey string) (game.Snapshot, bool)
	RecentSnapshots(sessionKey string, n int) []game.Snapshot
	Members(sessionKey string) []Member
	Keys() []string
	PlayerCount(sessionKey string) int
}

type sessionState struct {
	key       string
	players   map[string]string // playerID -> connID
	state     *game.State
	history   *game.History
	createdAt time.Time
}

// MemoryStore is an in-process Store guarded by a single lock. Per-session
// serialization falls out of the store-wide lock; nothing else touches the
// session maps.
type MemoryStore struct {
	sessions   map[string]*sessionState
	sender     Sender
	maxPlayers int
	mu         sync.RWMutex
}

// MemoryStoreCfg configures a MemoryStore.
type MemoryStoreCfg func(*MemoryStore) error

// WithSender sets the outbound sender used by Broadcast.
func WithSender(sender Sender) MemoryStoreCfg {
	return func(s *MemoryStore) error {
		s.sender = sender
		return nil
	}
}

// WithMaxPlayers caps the player count per session. Zero means unbounded.
func WithMaxPlayers(max int) MemoryStoreCfg {
	return func(s *MemoryStore) error {
		if max < 0 {
			return errors.New("max players must not be negative")
		}
		s.maxPlayers = max
		return nil
	}
}

// NewMemoryStore creates a new MemoryStore with the given configuration.
func NewMemoryStore(cfgs ...MemoryStoreCfg) (*MemoryStore, error) {
	store := &MemoryStore{
		sessions: make(map[string]*sessionState),
	}
	for _, cfg := range cfgs {
		if err := cfg(store); err != nil {
			return nil, errors.Wrap(err, "apply MemoryStore cfg failed")
		}
	}
	return store, nil
}

// SetSender sets the outbound sender after construction. The connection
// registry and the store reference each other, so one side is wired late.
func (s *MemoryStore) SetSender(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const keyLength = 9

// generateKey mints a shareable session key. Keys are drawn from crypto/rand
// so collisions within a process lifetime are not a practical concern, but
// the caller still retries on the off chance.
func generateKey() (string, error) {
	buf := make([]byte, keyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "read random bytes failed")
	}
	for i := range buf {
		buf[i] = keyAlphabet[int(buf[i])%len(keyAlphabet)]
	}
	return string(buf), nil
}

// JoinOrCreate resolves requestedKey to an active session, creating one when
// the key is unknown or empty. Externally minted keys are accepted as-is.
func (s *MemoryStore) JoinOrCreate(requestedKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := requestedKey
	if key != "" {
		if _, ok := s.sessions[key]; ok {
			return key, nil
		}
	} else {
		for {
			generated, err := generateKey()
			if err != nil {
				return "", errors.Wrap(err, "generate session key failed")
			}
			if _, ok := s.sessions[generated]; !ok {
				key = generated
				break
			}
		}
	}

	s.sessions[key] = &sessionState{
		key:       key,
		players:   make(map[string]string),
		state:     game.NewState(),
		history:   game.NewHistory(),
		createdAt: time.Now(),
	}
	return key, nil
}

// AddPlayer registers a player in the session and seeds its default pose.
// It returns the player count after the join.
func (s *MemoryStore) AddPlayer(sessionKey, playerID, connID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey]
	if !ok {
		return 0, ErrSessionNotFound
	}
	if s.maxPlayers > 0 && len(sess.players) >= s.maxPlayers {
		if _, rejoining := sess.players[playerID]; !rejoining {
			return 0, ErrSessionFull
		}
	}
	sess.players[playerID] = connID
	if _, ok := sess.state.Players[playerID]; !ok {
		sess.state.Players[playerID] = game.DefaultPose()
	}
	return len(sess.players), nil
}

// RemovePlayer removes the player from the session. A session whose player
// set becomes empty is deleted within the same operation.
func (s *MemoryStore) RemovePlayer(sessionKey, playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey]
	if !ok {
		return ErrSessionNotFound
	}
	if _, ok := sess.players[playerID]; !ok {
		return ErrPlayerNotFound
	}
	delete(sess.players, playerID)
	delete(sess.state.Players, playerID)
	if len(sess.players) == 0 {
		delete(s.sessions, sessionKey)
	}
	return nil
}

// ApplyPlayerUpdate overwrites the player's pose and returns the Euclidean
// distance between the submitted position and the position held immediately
// before the overwrite. Large deltas are reported, never rejected.
func (s *MemoryStore) ApplyPlayerUpdate(sessionKey, playerID string, position game.Vec3, rotation game.Quat) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey]
	if !ok {
		return 0, ErrSessionNotFound
	}
	pose, ok := sess.state.Players[playerID]
	if !ok {
		return 0, ErrPlayerNotFound
	}
	positionError := pose.Position.DistanceTo(position)
	pose.Position = position
	pose.Rotation = rotation
	sess.state.Players[playerID] = pose
	return positionError, nil
}

// AppendEvent queues an event for the next snapshot. Ordering across players
// follows arrival order at the store.
func (s *MemoryStore) AppendEvent(sessionKey string, event game.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey]
	if !ok {
		return ErrSessionNotFound
	}
	sess.state.PendingEvents = append(sess.state.PendingEvents, event)
	return nil
}

// Broadcast sends message to every connection in the session except the
// excluded one. Delivery order across recipients is unspecified.
func (s *MemoryStore) Broadcast(sessionKey string, message []byte, excludeConnID string) {
	s.mu.RLock()
	sender := s.sender
	var targets []string
	if sess, ok := s.sessions[sessionKey]; ok {
		for _, connID := range sess.players {
			if connID != excludeConnID {
				targets = append(targets, connID)
			}
		}
	}
	s.mu.RUnlock()
	if sender == nil {
		return
	}
	for _, connID := range targets {
		sender.Send(connID, message)
	}
}

// DrainSnapshot materializes a snapshot of the session's state: pending
// events are drained, the sequence advances, and the snapshot is retained in
// the session's history ring. Sessions with no connected players are
// skipped; the empty-session invariant already removes them, so this is a
// defensive check only.
func (s *MemoryStore) DrainSnapshot(sessionKey string) (game.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey]
	if !ok || len(sess.players) == 0 {
		return game.Snapshot{}, false
	}

	players := make(map[string]game.PlayerPose, len(sess.state.Players))
	for id, pose := range sess.state.Players {
		players[id] = pose
	}
	events := sess.state.PendingEvents
	sess.state.PendingEvents = nil

	snap := game.Snapshot{
		Sequence:  sess.state.Sequence,
		Timestamp: time.Now(),
		Players:   players,
		Events:    events,
	}
	sess.state.Sequence++
	sess.history.Push(snap)
	return snap, true
}

// RecentSnapshots returns up to n retained snapshots for the session,
// newest last.
func (s *MemoryStore) RecentSnapshots(sessionKey string, n int) []game.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionKey]
	if !ok {
		return nil
	}
	return sess.history.Recent(n)
}

// Members returns the session's current participants.
func (s *MemoryStore) Members(sessionKey string) []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionKey]
	if !ok {
		return nil
	}
	members := make([]Member, 0, len(sess.players))
	for playerID, connID := range sess.players {
		members = append(members, Member{PlayerID: playerID, ConnID: connID})
	}
	return members
}

// Keys returns the keys of all active sessions.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.sessions))
	for key := range s.sessions {
		keys = append(keys, key)
	}
	return keys
}

// PlayerCount returns the number of players in the session, zero when the
// session is unknown.
func (s *MemoryStore) PlayerCount(sessionKey string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionKey]
	if !ok {
		return 0
	}
	return len(sess.players)
}
