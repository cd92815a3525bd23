// Package snapshot periodically materializes and broadcasts consistent
// views of per-session game state.
package snapshot

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jackalopelabs/jackalopes-server/internal/pkg/backend"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/proto"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/session"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// DefaultInterval is the snapshot tick period.
const DefaultInterval = 500 * time.Millisecond

// Engine drives the snapshot timer. On each tick every non-empty session's
// pending events are drained into a sequence-numbered snapshot that is
// broadcast to the session and handed to the collaborator store.
type Engine struct {
	sessions session.Store
	store    backend.Store
	interval time.Duration
}

// Cfg configures an Engine.
type Cfg func(*Engine) error

// WithSessionStore sets the session store to snapshot.
func WithSessionStore(store session.Store) Cfg {
	return func(e *Engine) error {
		e.sessions = store
		return nil
	}
}

// WithBackend sets the collaborator store receiving persisted snapshots.
func WithBackend(store backend.Store) Cfg {
	return func(e *Engine) error {
		e.store = store
		return nil
	}
}

// WithInterval sets the tick period.
func WithInterval(interval time.Duration) Cfg {
	return func(e *Engine) error {
		if interval <= 0 {
			return errors.New("interval must be positive")
		}
		e.interval = interval
		return nil
	}
}

// NewEngine creates a new Engine with the given configuration.
func NewEngine(cfgs ...Cfg) (*Engine, error) {
	engine := &Engine{
		interval: DefaultInterval,
	}
	for _, cfg := range cfgs {
		if err := cfg(engine); err != nil {
			return nil, errors.Wrap(err, "apply Engine cfg failed")
		}
	}
	if engine.sessions == nil {
		return nil, errors.New("session store is required")
	}
	if engine.store == nil {
		engine.store = backend.Noop{}
	}
	return engine, nil
}

// Run ticks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick snapshots every active session once. Exposed for tests; Run calls it
// on the timer.
func (e *Engine) Tick() {
	for _, key := range e.sessions.Keys() {
		snap, ok := e.sessions.DrainSnapshot(key)
		if !ok {
			continue
		}
		message := proto.MustMarshal(proto.GameSnapshot{
			Type:     proto.KindGameSnapshot,
			Snapshot: snap,
		})
		e.sessions.Broadcast(key, message, "")
		if err := e.store.PersistSnapshot(context.Background(), key, message); err != nil {
			// Persistence is best-effort; the relay never depends on it.
			logger.WithError(err).WithField("session", key).Debug("persist snapshot failed")
		}
	}
}
