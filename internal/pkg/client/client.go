package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jackalopelabs/jackalopes-server/internal/pkg/game"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/proto"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// DefaultUpdateInterval is the default player_update cadence.
const DefaultUpdateInterval = time.Second

// Client is a relay client used by the demo bot command and by integration
// tests to exercise the server against an independent WebSocket
// implementation.
type Client struct {
	serverAddr     string
	playerName     string
	sessionKey     string
	updateInterval time.Duration

	conn *websocket.Conn

	mu           sync.Mutex
	playerID     string
	joinedKey    string
	roster       map[string]string
	lastSnapshot *game.Snapshot
	position     game.Vec3
	tick         uint64
}

// Cfg configures a Client.
type Cfg func(*Client) error

// WithServerPort sets the relay port to connect to.
func WithServerPort(port uint16) Cfg {
	return func(c *Client) error {
		c.serverAddr = fmt.Sprintf("ws://localhost:%d/", port)
		return nil
	}
}

// WithServerAddr sets the full relay URL to connect to.
func WithServerAddr(addr string) Cfg {
	return func(c *Client) error {
		c.serverAddr = addr
		return nil
	}
}

// WithPlayerName sets the display name used for auth.
func WithPlayerName(name string) Cfg {
	return func(c *Client) error {
		if name == "" {
			return errors.New("player name must not be empty")
		}
		c.playerName = name
		return nil
	}
}

// WithSessionKey joins an existing session instead of creating one.
func WithSessionKey(key string) Cfg {
	return func(c *Client) error {
		c.sessionKey = key
		return nil
	}
}

// WithUpdateInterval sets the player_update cadence.
func WithUpdateInterval(interval time.Duration) Cfg {
	return func(c *Client) error {
		if interval <= 0 {
			return errors.New("update interval must be positive")
		}
		c.updateInterval = interval
		return nil
	}
}

// NewClient creates a new Client with the given configuration.
func NewClient(cfgs ...Cfg) (*Client, error) {
	client := &Client{
		playerName:     "bot",
		updateInterval: DefaultUpdateInterval,
		roster:         make(map[string]string),
	}
	for _, cfg := range cfgs {
		if err := cfg(client); err != nil {
			return nil, errors.Wrap(err, "apply Client cfg failed")
		}
	}
	if client.serverAddr == "" {
		return nil, errors.New("server address is required")
	}
	return client, nil
}

// Connect dials the relay and waits for the welcome message.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.serverAddr, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s failed", c.serverAddr)
	}
	c.conn = conn

	var welcome proto.Welcome
	if err := c.readInto(&welcome, proto.KindWelcome); err != nil {
		return errors.Wrap(err, "read welcome failed")
	}
	logger.WithField("server", welcome.Server).Info("connected")
	return nil
}

// Auth sends the auth message and records the minted identity.
func (c *Client) Auth() error {
	if err := c.send(proto.Auth{Type: proto.KindAuth, PlayerName: c.playerName}); err != nil {
		return errors.Wrap(err, "send auth failed")
	}
	var success proto.AuthSuccess
	if err := c.readInto(&success, proto.KindAuthSuccess); err != nil {
		return errors.Wrap(err, "read auth_success failed")
	}
	c.mu.Lock()
	c.playerID = success.Player.ID
	c.mu.Unlock()
	return nil
}

// Join sends join_session and records the session key and roster.
func (c *Client) Join() error {
	if err := c.send(proto.JoinSession{Type: proto.KindJoinSession, SessionKey: c.sessionKey}); err != nil {
		return errors.Wrap(err, "send join_session failed")
	}
	var success proto.JoinSuccess
	if err := c.readInto(&success, proto.KindJoinSuccess); err != nil {
		return errors.Wrap(err, "read join_success failed")
	}
	c.mu.Lock()
	c.joinedKey = success.Session.Key
	for _, member := range success.Roster {
		c.roster[member.ID] = member.Name
	}
	c.mu.Unlock()
	logger.WithFields(logrus.Fields{
		"session": success.Session.Key,
		"players": success.Session.PlayerCount,
	}).Info("joined session")
	return nil
}

// Run drives the bot: periodic wandering player_update messages while
// consuming server traffic, until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return errors.Wrap(err, "connect failed")
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.WithError(err).Debug("close failed")
		}
	}()
	if err := c.Auth(); err != nil {
		return errors.Wrap(err, "auth failed")
	}
	if err := c.Join(); err != nil {
		return errors.Wrap(err, "join failed")
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			message, err := c.read()
			if err != nil {
				readErr <- err
				return
			}
			c.handleMessage(message)
		}
	}()

	ticker := time.NewTicker(c.updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := c.send(proto.Envelope{Type: proto.KindLeaveSession}); err != nil {
				logger.WithError(err).Debug("send leave_session failed")
			}
			return nil
		case err := <-readErr:
			return errors.Wrap(err, "read loop failed")
		case <-ticker.C:
			if err := c.sendUpdate(); err != nil {
				return errors.Wrap(err, "send update failed")
			}
		}
	}
}

// SessionKey returns the joined session's key.
func (c *Client) SessionKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinedKey
}

// PlayerID returns the identity minted at auth time.
func (c *Client) PlayerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

// LastSnapshot returns the most recent game_snapshot seen, if any.
func (c *Client) LastSnapshot() *game.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSnapshot
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return errors.Wrap(c.conn.Close(), "close connection failed")
}

// sendUpdate walks the bot along a slow circle so updates carry motion.
func (c *Client) sendUpdate() error {
	c.mu.Lock()
	c.tick++
	angle := float64(c.tick) / 10
	c.position = game.Vec3{X: math.Cos(angle) * 5, Y: 0, Z: math.Sin(angle) * 5}
	position := c.position
	c.mu.Unlock()

	return c.send(proto.PlayerUpdate{
		Type:     proto.KindPlayerUpdate,
		Position: &position,
		Rotation: &game.Quat{W: 1},
	})
}

func (c *Client) handleMessage(message []byte) {
	var envelope proto.Envelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		return
	}
	switch envelope.Type {
	case proto.KindPlayerJoined:
		var joined proto.PlayerJoined
		if err := json.Unmarshal(message, &joined); err == nil {
			c.mu.Lock()
			c.roster[joined.Player.ID] = joined.Player.Name
			c.mu.Unlock()
		}
	case proto.KindPlayerLeft:
		var left proto.PlayerLeft
		if err := json.Unmarshal(message, &left); err == nil {
			c.mu.Lock()
			delete(c.roster, left.Player)
			c.mu.Unlock()
		}
	case proto.KindGameSnapshot:
		var snap proto.GameSnapshot
		if err := json.Unmarshal(message, &snap); err == nil {
			c.mu.Lock()
			c.lastSnapshot = &snap.Snapshot
			c.mu.Unlock()
		}
	case proto.KindError:
		var serverErr proto.Error
		if err := json.Unmarshal(message, &serverErr); err == nil {
			logger.WithField("message", serverErr.Message).Warn("server reported error")
		}
	}
}

func (c *Client) send(v interface{}) error {
	return errors.Wrap(c.conn.WriteJSON(v), "write message failed")
}

func (c *Client) read() ([]byte, error) {
	_, message, err := c.conn.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "read message failed")
	}
	return message, nil
}

// readInto reads messages until one of the wanted kind arrives, skipping
// unrelated traffic such as snapshots.
func (c *Client) readInto(v interface{}, want proto.Kind) error {
	for {
		message, err := c.read()
		if err != nil {
			return err
		}
		var envelope proto.Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			continue
		}
		if envelope.Type == proto.KindError {
			var serverErr proto.Error
			if err := json.Unmarshal(message, &serverErr); err == nil {
				return errors.Errorf("server error: %s", serverErr.Message)
			}
		}
		if envelope.Type != want {
			c.handleMessage(message)
			continue
		}
		return errors.Wrap(json.Unmarshal(message, v), "unmarshal message failed")
	}
}
