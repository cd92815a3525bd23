package apps

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/jackalopelabs/jackalopes-server/internal/pkg/client"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/validate"
)

// ClientAppCfg configures a ClientApp.
type ClientAppCfg interface {
	ApplyClientApp(*ClientApp) error
}

// ClientApp is the demo relay client application.
type ClientApp struct {
	Port           uint16 `validate:"required"`
	PlayerName     string `validate:"required"`
	SessionKey     string
	UpdateInterval time.Duration
}

// NewClientApp creates a new ClientApp.
func NewClientApp(cfgs ...ClientAppCfg) (*ClientApp, error) {
	app := &ClientApp{}
	for _, cfg := range cfgs {
		if err := cfg.ApplyClientApp(app); err != nil {
			return nil, errors.Wrap(err, "apply ClientApp cfg failed")
		}
	}
	if app.UpdateInterval <= 0 {
		app.UpdateInterval = client.DefaultUpdateInterval
	}
	if err := validate.Validate().Struct(app); err != nil {
		return nil, errors.Wrap(err, "validate ClientApp failed")
	}
	return app, nil
}

// Run connects a bot client to the relay and runs it until ctx is cancelled.
func (app *ClientApp) Run(ctx context.Context, _ []string) error {
	cfgs := []client.Cfg{
		client.WithServerPort(app.Port),
		client.WithPlayerName(app.PlayerName),
		client.WithUpdateInterval(app.UpdateInterval),
	}
	if app.SessionKey != "" {
		cfgs = append(cfgs, client.WithSessionKey(app.SessionKey))
	}
	c, err := client.NewClient(cfgs...)
	if err != nil {
		return errors.Wrap(err, "create client failed")
	}
	return errors.Wrap(c.Run(ctx), "run client failed")
}
