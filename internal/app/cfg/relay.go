package cfg

import (
	"time"

	"github.com/jackalopelabs/jackalopes-server/internal"
	"github.com/jackalopelabs/jackalopes-server/internal/app/apps"
)

// RelayCfg is configuration for the relay server's behaviour.
type RelayCfg struct {
	snapshotInterval time.Duration
	backendURL       string
	maxPlayers       int
}

// RelayFromEnv creates a new RelayCfg from the current environment.
func RelayFromEnv() *RelayCfg {
	return &RelayCfg{
		snapshotInterval: time.Duration(internal.SnapshotMS) * time.Millisecond,
		backendURL:       internal.BackendURL,
		maxPlayers:       internal.MaxPlayers,
	}
}

// ApplyServerApp applies the RelayCfg to a ServerApp.
func (cfg RelayCfg) ApplyServerApp(app *apps.ServerApp) error {
	app.SnapshotInterval = cfg.snapshotInterval
	app.BackendURL = cfg.backendURL
	app.MaxPlayers = cfg.maxPlayers
	return nil
}

// BotCfg is configuration for the demo client.
type BotCfg struct {
	playerName     string
	sessionKey     string
	updateInterval time.Duration
}

// BotFromEnv creates a new BotCfg from the current environment.
func BotFromEnv() *BotCfg {
	return &BotCfg{
		playerName:     internal.PlayerName,
		sessionKey:     internal.SessionKey,
		updateInterval: time.Duration(internal.ClientUpdateMS) * time.Millisecond,
	}
}

// ApplyClientApp applies the BotCfg to a ClientApp.
func (cfg BotCfg) ApplyClientApp(app *apps.ClientApp) error {
	app.PlayerName = cfg.playerName
	app.SessionKey = cfg.sessionKey
	app.UpdateInterval = cfg.updateInterval
	return nil
}
