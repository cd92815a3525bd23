package apps

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jackalopelabs/jackalopes-server/internal/pkg/backend"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/dispatch"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/faultnet"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/registry"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/server"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/session"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/snapshot"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/validate"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// ServerAppCfg configures a ServerApp.
type ServerAppCfg interface {
	ApplyServerApp(*ServerApp) error
}

// ServerApp is the relay server application.
type ServerApp struct {
	Port             uint16 `validate:"required"`
	SnapshotInterval time.Duration
	BackendURL       string
	MaxPlayers       int
}

// NewServerApp creates a new ServerApp.
func NewServerApp(cfgs ...ServerAppCfg) (*ServerApp, error) {
	app := &ServerApp{}
	for _, cfg := range cfgs {
		if err := cfg.ApplyServerApp(app); err != nil {
			return nil, errors.Wrap(err, "apply ServerApp cfg failed")
		}
	}
	if app.SnapshotInterval <= 0 {
		app.SnapshotInterval = snapshot.DefaultInterval
	}
	if err := validate.Validate().Struct(app); err != nil {
		return nil, errors.Wrap(err, "validate ServerApp failed")
	}
	return app, nil
}

// Run wires the relay together and serves until ctx is cancelled.
func (app *ServerApp) Run(ctx context.Context, _ []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var store backend.Store = backend.Noop{}
	if app.BackendURL != "" {
		httpStore, err := backend.NewHTTPStore(backend.WithBaseURL(app.BackendURL))
		if err != nil {
			return errors.Wrap(err, "create backend store failed")
		}
		store = backend.NewAsync(httpStore)
	}

	injector := faultnet.NewInjector()

	sessions, err := session.NewMemoryStore(session.WithMaxPlayers(app.MaxPlayers))
	if err != nil {
		return errors.Wrap(err, "create session store failed")
	}

	reg, err := registry.NewRegistry(registry.WithInjector(injector))
	if err != nil {
		return errors.Wrap(err, "create connection registry failed")
	}
	sessions.SetSender(reg)

	dispatcher, err := dispatch.NewDispatcher(
		dispatch.WithRegistry(reg),
		dispatch.WithSessionStore(sessions),
		dispatch.WithInjector(injector),
		dispatch.WithBackend(store),
	)
	if err != nil {
		return errors.Wrap(err, "create dispatcher failed")
	}
	reg.SetHandler(dispatcher)

	engine, err := snapshot.NewEngine(
		snapshot.WithSessionStore(sessions),
		snapshot.WithBackend(store),
		snapshot.WithInterval(app.SnapshotInterval),
	)
	if err != nil {
		return errors.Wrap(err, "create snapshot engine failed")
	}
	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("snapshot engine stopped")
		}
	}()

	srv, err := server.NewServer(
		server.WithPort(app.Port),
		server.WithRegistry(reg),
	)
	if err != nil {
		return errors.Wrap(err, "create server failed")
	}
	return errors.Wrap(srv.Run(ctx), "run server failed")
}
