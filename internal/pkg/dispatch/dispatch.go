package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jackalopelabs/jackalopes-server/internal/pkg/backend"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/faultnet"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/game"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/log"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/proto"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/registry"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/session"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/validate"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// serverCorrectionThreshold is the position error, in world units, above
// which the echo flags a server correction.
const serverCorrectionThreshold = 0.5

var (
	nameSanitizer = regexp.MustCompile(`[^\w\s]`)
	chatSanitizer = regexp.MustCompile(`[^\w\s.!?,]`)
)

// Dispatcher parses inbound JSON messages, enforces the per-connection
// state machine and routes to handlers. It implements registry.Handler.
type Dispatcher struct {
	registry *registry.Registry
	sessions session.Store
	injector *faultnet.Injector
	store    backend.Store
}

// Cfg configures a Dispatcher.
type Cfg func(*Dispatcher) error

// WithRegistry sets the connection registry.
func WithRegistry(reg *registry.Registry) Cfg {
	return func(d *Dispatcher) error {
		d.registry = reg
		return nil
	}
}

// WithSessionStore sets the session store.
func WithSessionStore(store session.Store) Cfg {
	return func(d *Dispatcher) error {
		d.sessions = store
		return nil
	}
}

// WithInjector sets the fault injector mutated by admin commands.
func WithInjector(injector *faultnet.Injector) Cfg {
	return func(d *Dispatcher) error {
		d.injector = injector
		return nil
	}
}

// WithBackend sets the collaborator store.
func WithBackend(store backend.Store) Cfg {
	return func(d *Dispatcher) error {
		d.store = store
		return nil
	}
}

// NewDispatcher creates a new Dispatcher with the given configuration.
func NewDispatcher(cfgs ...Cfg) (*Dispatcher, error) {
	d := &Dispatcher{}
	for _, cfg := range cfgs {
		if err := cfg(d); err != nil {
			return nil, errors.Wrap(err, "apply Dispatcher cfg failed")
		}
	}
	if d.registry == nil {
		return nil, errors.New("registry is required")
	}
	if d.sessions == nil {
		return nil, errors.New("session store is required")
	}
	if d.injector == nil {
		d.injector = faultnet.NewInjector()
	}
	if d.store == nil {
		d.store = backend.Noop{}
	}
	return d, nil
}

// HandleMessage routes one inbound text payload. Handler failures are
// converted to error replies here and never propagate to other connections.
func (d *Dispatcher) HandleMessage(connID string, payload []byte) {
	var envelope proto.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Type == "" {
		d.sendError(connID, "Invalid message format")
		return
	}

	info, ok := d.registry.Info(connID)
	if !ok {
		// The connection closed while the message was in flight.
		return
	}

	logger.WithFields(log.EnvelopeToFields(string(envelope.Type), connID, info.SessionKey)).Debug("message received")

	switch envelope.Type {
	case proto.KindAuth:
		d.handleAuth(info, payload)
	case proto.KindJoinSession:
		d.handleJoinSession(info, payload)
	case proto.KindPlayerUpdate:
		d.handlePlayerUpdate(info, payload)
	case proto.KindGameEvent:
		d.handleGameEvent(info, payload)
	case proto.KindChat:
		d.handleChat(info, payload)
	case proto.KindLeaveSession:
		d.handleLeaveSession(info)
	case proto.KindAdminCommand:
		d.handleAdminCommand(info, payload)
	case proto.KindWelcome, proto.KindAuthSuccess, proto.KindJoinSuccess,
		proto.KindPlayerJoined, proto.KindPlayerLeft, proto.KindGameSnapshot, proto.KindError:
		d.sendError(connID, fmt.Sprintf("Unknown message type: %s", envelope.Type))
	default:
		d.sendError(connID, fmt.Sprintf("Unknown message type: %s", envelope.Type))
	}
}

// HandleClose removes a closed connection from its session and notifies the
// remaining members. The registry has already deregistered the connection,
// so no broadcast can target it.
func (d *Dispatcher) HandleClose(info registry.ConnInfo) {
	if info.SessionKey == "" || info.Identity == nil {
		return
	}
	d.leaveSession(info)
}

func (d *Dispatcher) handleAuth(info registry.ConnInfo, payload []byte) {
	var msg proto.Auth
	if err := json.Unmarshal(payload, &msg); err != nil {
		d.sendError(info.ID, "Invalid auth data")
		return
	}
	if err := validate.Validate().Struct(msg); err != nil {
		d.sendError(info.ID, "Missing playerName in auth request")
		return
	}
	name := strings.TrimSpace(nameSanitizer.ReplaceAllString(msg.PlayerName, ""))
	if name == "" {
		d.sendError(info.ID, "Missing playerName in auth request")
		return
	}

	identity := registry.PlayerIdentity{
		PlayerID:    "player_" + uuid.NewString(),
		DisplayName: name,
	}
	if err := d.registry.SetIdentity(info.ID, identity); err != nil {
		if errors.Is(err, registry.ErrAlreadyAuthenticated) {
			d.sendError(info.ID, "Already authenticated")
		}
		return
	}

	d.registry.Send(info.ID, proto.MustMarshal(proto.AuthSuccess{
		Type:   proto.KindAuthSuccess,
		Player: proto.PlayerInfo{ID: identity.PlayerID, Name: identity.DisplayName},
	}))
	logger.WithFields(logrus.Fields{"conn": info.ID, "player": name}).Info("player authenticated")
	d.appendLog(fmt.Sprintf("player %s authenticated as %s", identity.PlayerID, name))
}

func (d *Dispatcher) handleJoinSession(info registry.ConnInfo, payload []byte) {
	if info.Identity == nil {
		d.sendError(info.ID, "You must authenticate before joining a session")
		return
	}
	var msg proto.JoinSession
	if err := json.Unmarshal(payload, &msg); err != nil {
		d.sendError(info.ID, "Invalid join_session data")
		return
	}

	// Externally minted keys are checked against the collaborator store,
	// but an unreachable or disagreeing store never blocks the join: the
	// relay accepts the key and creates the session locally.
	if msg.SessionKey != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		active, err := d.store.ValidateSessionKey(ctx, msg.SessionKey)
		cancel()
		if err != nil {
			logger.WithError(err).WithField("session", msg.SessionKey).Warn("session key validation failed")
		} else if !active {
			logger.WithField("session", msg.SessionKey).Debug("session key unknown to collaborator store")
		}
	}

	// Re-join is allowed; an existing membership is torn down first.
	if info.SessionKey != "" {
		d.leaveSession(info)
		d.registry.ClearSession(info.ID)
		info.SessionKey = ""
	}

	key, err := d.sessions.JoinOrCreate(msg.SessionKey)
	if err != nil {
		d.sendError(info.ID, "Failed to create session")
		return
	}
	count, err := d.sessions.AddPlayer(key, info.Identity.PlayerID, info.ID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionFull):
			d.sendError(info.ID, "Session is full")
		case errors.Is(err, session.ErrSessionNotFound):
			d.sendError(info.ID, "Session not found or not active")
		default:
			d.sendError(info.ID, "Failed to join session")
		}
		return
	}
	if err := d.registry.SetSession(info.ID, key); err != nil {
		// The connection vanished between lookup and bind; undo the join.
		if removeErr := d.sessions.RemovePlayer(key, info.Identity.PlayerID); removeErr != nil {
			logger.WithError(removeErr).WithField("session", key).Warn("rollback join failed")
		}
		return
	}

	self := proto.PlayerInfo{ID: info.Identity.PlayerID, Name: info.Identity.DisplayName}
	d.registry.Send(info.ID, proto.MustMarshal(proto.JoinSuccess{
		Type:    proto.KindJoinSuccess,
		Session: proto.SessionInfo{Key: key, PlayerCount: count},
		Player:  self,
		Roster:  d.roster(key, info.Identity.PlayerID),
	}))
	d.sessions.Broadcast(key, proto.MustMarshal(proto.PlayerJoined{
		Type:   proto.KindPlayerJoined,
		Player: self,
	}), info.ID)

	logger.WithFields(logrus.Fields{"player": self.Name, "session": key}).Info("player joined session")
	d.appendLog(fmt.Sprintf("player %s joined session %s", self.ID, key))
}

func (d *Dispatcher) handlePlayerUpdate(info registry.ConnInfo, payload []byte) {
	if info.SessionKey == "" || info.Identity == nil {
		d.sendError(info.ID, "You must join a session before sending updates")
		return
	}
	var msg proto.PlayerUpdate
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Position == nil || msg.Rotation == nil {
		// High-frequency telemetry; malformed updates are dropped silently.
		return
	}

	positionError, err := d.sessions.ApplyPlayerUpdate(info.SessionKey, info.Identity.PlayerID, *msg.Position, *msg.Rotation)
	if err != nil {
		logger.WithError(err).WithField("session", info.SessionKey).Debug("apply player update failed")
		return
	}

	d.sessions.Broadcast(info.SessionKey, proto.MustMarshal(proto.PlayerUpdateBroadcast{
		Type:      proto.KindPlayerUpdate,
		Player:    info.Identity.PlayerID,
		Position:  *msg.Position,
		Rotation:  *msg.Rotation,
		Timestamp: time.Now().UnixMilli(),
	}), info.ID)
	d.registry.Send(info.ID, proto.MustMarshal(proto.PlayerUpdateEcho{
		Type:             proto.KindPlayerUpdate,
		Player:           info.Identity.PlayerID,
		PositionError:    positionError,
		ServerCorrection: positionError > serverCorrectionThreshold,
	}))
}

func (d *Dispatcher) handleGameEvent(info registry.ConnInfo, payload []byte) {
	if info.SessionKey == "" || info.Identity == nil {
		d.sendError(info.ID, "You must join a session before sending game events")
		return
	}
	var msg proto.GameEvent
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Event == nil || msg.Event.Type == "" {
		return
	}

	now := time.Now()
	event := *msg.Event
	event.Player = info.Identity.PlayerID
	event.Timestamp = now.UnixMilli()

	if err := d.sessions.AppendEvent(info.SessionKey, game.Event{
		Type:      event.Type,
		Timestamp: now,
		Payload:   event.Payload,
	}); err != nil {
		logger.WithError(err).WithField("session", info.SessionKey).Debug("append event failed")
		return
	}

	// Events go to the whole session, sender included.
	d.sessions.Broadcast(info.SessionKey, proto.MustMarshal(proto.GameEventBroadcast{
		Type:  proto.KindGameEvent,
		Event: event,
	}), "")
}

func (d *Dispatcher) handleChat(info registry.ConnInfo, payload []byte) {
	if info.SessionKey == "" || info.Identity == nil {
		d.sendError(info.ID, "You must join a session before sending chat messages")
		return
	}
	var msg proto.Chat
	if err := json.Unmarshal(payload, &msg); err != nil || strings.TrimSpace(msg.Message) == "" {
		return
	}

	d.sessions.Broadcast(info.SessionKey, proto.MustMarshal(proto.ChatBroadcast{
		Type:       proto.KindChat,
		Player:     info.Identity.PlayerID,
		PlayerName: info.Identity.DisplayName,
		Message:    chatSanitizer.ReplaceAllString(msg.Message, ""),
		Timestamp:  time.Now().UnixMilli(),
	}), "")
}

func (d *Dispatcher) handleLeaveSession(info registry.ConnInfo) {
	if info.SessionKey == "" || info.Identity == nil {
		return
	}
	d.leaveSession(info)
	d.registry.ClearSession(info.ID)
}

// handleAdminCommand mutates the fault injector for the issuing connection:
// the degradation applies to that connection's own inbound delivery only.
// Accepted from any connection, authenticated or not; see the design notes
// for why this is deliberately unguarded.
func (d *Dispatcher) handleAdminCommand(info registry.ConnInfo, payload []byte) {
	var msg proto.AdminCommand
	if err := json.Unmarshal(payload, &msg); err != nil {
		d.sendError(info.ID, "Invalid admin_command data")
		return
	}
	if err := validate.Validate().Struct(msg); err != nil {
		d.sendError(info.ID, fmt.Sprintf("Unknown admin command: %s", msg.Command))
		return
	}
	switch msg.Command {
	case "latency":
		d.injector.SetLatency(info.ID, msg.Value)
	case "packet_loss":
		d.injector.SetPacketLoss(info.ID, msg.Value)
	}
}

// leaveSession removes the member from its session and tells the remaining
// members. The removal happens before the broadcast, so an empty session is
// gone before anything else can observe it.
func (d *Dispatcher) leaveSession(info registry.ConnInfo) {
	if err := d.sessions.RemovePlayer(info.SessionKey, info.Identity.PlayerID); err != nil {
		logger.WithError(err).WithField("session", info.SessionKey).Debug("remove player failed")
		return
	}
	d.sessions.Broadcast(info.SessionKey, proto.MustMarshal(proto.PlayerLeft{
		Type:       proto.KindPlayerLeft,
		Player:     info.Identity.PlayerID,
		PlayerName: info.Identity.DisplayName,
	}), "")
	logger.WithFields(logrus.Fields{"player": info.Identity.DisplayName, "session": info.SessionKey}).Info("player left session")
	d.appendLog(fmt.Sprintf("player %s left session %s", info.Identity.PlayerID, info.SessionKey))
}

// roster resolves the display names of the session's members, excluding the
// given player. Members whose connection has since closed are skipped.
func (d *Dispatcher) roster(sessionKey, excludePlayerID string) []proto.PlayerInfo {
	members := d.sessions.Members(sessionKey)
	roster := make([]proto.PlayerInfo, 0, len(members))
	for _, member := range members {
		if member.PlayerID == excludePlayerID {
			continue
		}
		memberInfo, ok := d.registry.Info(member.ConnID)
		if !ok || memberInfo.Identity == nil {
			continue
		}
		roster = append(roster, proto.PlayerInfo{
			ID:   member.PlayerID,
			Name: memberInfo.Identity.DisplayName,
		})
	}
	return roster
}

func (d *Dispatcher) sendError(connID, message string) {
	d.registry.Send(connID, proto.MustMarshal(proto.Error{
		Type:    proto.KindError,
		Message: message,
	}))
}

func (d *Dispatcher) appendLog(line string) {
	if err := d.store.AppendLog(context.Background(), line); err != nil {
		logger.WithError(err).Debug("append log failed")
	}
}
