// Package registry owns the lifecycle of all live connections.
//
// Application state for a connection (identity, session membership) lives in
// the registry's Conn record, never on the transport itself. The registry is
// the only component that writes to transports; every outbound send passes
// through the network fault injector.
package registry

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jackalopelabs/jackalopes-server/internal/pkg/faultnet"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/proto"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/wire"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// ServerName identifies the relay in the welcome message.
const ServerName = "Jackalopes WebSocket Server"

// PlayerIdentity is assigned on successful auth and immutable for the
// connection's lifetime.
type PlayerIdentity struct {
	PlayerID    string
	DisplayName string
}

// ConnInfo is a read-only snapshot of a connection's state.
type ConnInfo struct {
	ID            string
	Identity      *PlayerIdentity
	SessionKey    string
	Authenticated bool
}

type conn struct {
	id         string
	transport  io.WriteCloser
	identity   *PlayerIdentity
	sessionKey string
	writable   bool
	writeMu    sync.Mutex
}

// Handler receives decoded inbound traffic and connection teardown events.
// The message dispatcher implements it.
type Handler interface {
	HandleMessage(connID string, payload []byte)
	HandleClose(conn ConnInfo)
}

// Registry tracks all live connections.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*conn
	injector *faultnet.Injector
	handler  Handler
}

// Cfg configures a Registry.
type Cfg func(*Registry) error

// WithInjector sets the fault injector wrapping outbound sends.
func WithInjector(injector *faultnet.Injector) Cfg {
	return func(r *Registry) error {
		r.injector = injector
		return nil
	}
}

// NewRegistry creates a new Registry with the given configuration.
func NewRegistry(cfgs ...Cfg) (*Registry, error) {
	registry := &Registry{
		conns: make(map[string]*conn),
	}
	for _, cfg := range cfgs {
		if err := cfg(registry); err != nil {
			return nil, errors.Wrap(err, "apply Registry cfg failed")
		}
	}
	if registry.injector == nil {
		registry.injector = faultnet.NewInjector()
	}
	return registry, nil
}

// SetHandler wires the inbound message handler. The dispatcher needs the
// registry to reply, so the handler is attached after construction.
func (r *Registry) SetHandler(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

// OnAccept registers a freshly upgraded transport and sends the welcome
// message. It returns the new connection's id.
func (r *Registry) OnAccept(transport io.WriteCloser) string {
	c := &conn{
		id:        uuid.NewString(),
		transport: transport,
		writable:  true,
	}
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()

	logger.WithField("conn", c.id).Info("connection accepted")
	r.Send(c.id, proto.MustMarshal(proto.Welcome{
		Type:      proto.KindWelcome,
		Server:    ServerName,
		Timestamp: time.Now().UnixMilli(),
	}))
	return c.id
}

// OnData decodes the complete frames at the head of buf and routes them,
// returning the number of bytes consumed. A truncated tail is left for the
// caller to retry once more bytes arrive. Close frames and malformed input
// tear the connection down.
func (r *Registry) OnData(connID string, buf []byte) (int, error) {
	consumed := 0
	for consumed < len(buf) {
		frame, n, err := wire.DecodeFrame(buf[consumed:])
		if errors.Is(err, wire.ErrTruncatedFrame) {
			return consumed, nil
		}
		if err != nil {
			logger.WithError(err).WithField("conn", connID).Warn("frame decode failed")
			r.OnClose(connID)
			return consumed, errors.Wrap(err, "decode frame failed")
		}
		consumed += n

		switch frame.Opcode {
		case wire.OpcodeClose:
			r.OnClose(connID)
			return len(buf), nil
		case wire.OpcodeText:
			r.mu.RLock()
			handler := r.handler
			r.mu.RUnlock()
			if handler != nil {
				handler.HandleMessage(connID, frame.Payload)
			}
		default:
			// Unknown opcodes are consumed to keep the stream offset
			// correct and otherwise ignored.
		}
	}
	return consumed, nil
}

// OnClose deregisters the connection and notifies the handler so session
// membership is torn down. Closing twice is a no-op, and once OnClose has
// removed the connection no later broadcast can observe it.
func (r *Registry) OnClose(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	c.writable = false
	delete(r.conns, connID)
	handler := r.handler
	info := snapshotLocked(c)
	r.mu.Unlock()

	r.injector.Clear(connID)
	if handler != nil {
		handler.HandleClose(info)
	}
	if err := c.transport.Close(); err != nil {
		logger.WithError(err).WithField("conn", connID).Debug("transport close failed")
	}
	logger.WithField("conn", connID).Info("connection closed")
}

// Send delivers an encoded text frame to the connection via the fault
// injector, under the target connection's fault configuration. Sends to
// unknown or unwritable connections are no-ops.
func (r *Registry) Send(connID string, message []byte) {
	r.injector.Deliver(connID, func() {
		r.mu.RLock()
		c, ok := r.conns[connID]
		r.mu.RUnlock()
		if !ok || !c.writable {
			return
		}
		c.writeMu.Lock()
		err := wire.WriteText(c.transport, message)
		c.writeMu.Unlock()
		if err != nil {
			logger.WithError(err).WithField("conn", connID).Warn("send failed")
			go r.OnClose(connID)
		}
	})
}

// SetIdentity records the identity minted at auth time. Identities are
// immutable once set.
func (r *Registry) SetIdentity(connID string, identity PlayerIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return ErrConnNotFound
	}
	if c.identity != nil {
		return ErrAlreadyAuthenticated
	}
	c.identity = &identity
	return nil
}

// SetSession binds the connection to a session. Auth precedes join: a
// connection without an identity cannot hold a session key.
func (r *Registry) SetSession(connID, sessionKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return ErrConnNotFound
	}
	if c.identity == nil {
		return ErrNotAuthenticated
	}
	c.sessionKey = sessionKey
	return nil
}

// ClearSession removes the connection's session binding.
func (r *Registry) ClearSession(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		c.sessionKey = ""
	}
}

// Info returns a snapshot of the connection's state.
func (r *Registry) Info(connID string) (ConnInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return ConnInfo{}, false
	}
	return snapshotLocked(c), true
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll tears down every live connection, used on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.OnClose(id)
	}
}

func snapshotLocked(c *conn) ConnInfo {
	info := ConnInfo{
		ID:            c.id,
		SessionKey:    c.sessionKey,
		Authenticated: c.identity != nil,
	}
	if c.identity != nil {
		identity := *c.identity
		info.Identity = &identity
	}
	return info
}
