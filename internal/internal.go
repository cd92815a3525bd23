// Package internal holds the process-wide configuration surface: every
// tunable is a flag bound to an environment variable, with the environment
// applied last so deployments can pin values.
package internal

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Configuration values populated from flags and the environment.
var (
	Env      = "development"
	LogLevel = "info"

	Port       uint16 = 8082
	SnapshotMS        = 500
	BackendURL        = ""
	MaxPlayers        = 0

	ClientUpdateMS = 1000
	PlayerName     = "bot"
	SessionKey     = ""
)

// Flag binds one configuration value to a CLI flag and an env var.
type Flag struct {
	Name   string
	EnvVar string
	Usage  string

	String *string
	Int    *int
	Uint16 *uint16
}

// Flag definitions.
var (
	EnvFlag      = Flag{Name: "env", EnvVar: "RELAY_ENV", Usage: "deployment environment", String: &Env}
	LogLevelFlag = Flag{Name: "log-level", EnvVar: "RELAY_LOG_LEVEL", Usage: "log level (trace..error)", String: &LogLevel}

	PortFlag       = Flag{Name: "port", EnvVar: "RELAY_PORT", Usage: "relay listen port", Uint16: &Port}
	SnapshotMSFlag = Flag{Name: "snapshot-ms", EnvVar: "RELAY_SNAPSHOT_MS", Usage: "snapshot tick interval in milliseconds", Int: &SnapshotMS}
	BackendURLFlag = Flag{Name: "backend-url", EnvVar: "RELAY_BACKEND_URL", Usage: "collaborator store base URL (empty disables)", String: &BackendURL}
	MaxPlayersFlag = Flag{Name: "max-players", EnvVar: "RELAY_MAX_PLAYERS", Usage: "maximum players per session (0 = unbounded)", Int: &MaxPlayers}

	ClientUpdateMSFlag = Flag{Name: "update-ms", EnvVar: "RELAY_CLIENT_UPDATE_MS", Usage: "client player_update interval in milliseconds", Int: &ClientUpdateMS}
	PlayerNameFlag     = Flag{Name: "player-name", EnvVar: "RELAY_PLAYER_NAME", Usage: "client display name", String: &PlayerName}
	SessionKeyFlag     = Flag{Name: "session-key", EnvVar: "RELAY_SESSION_KEY", Usage: "session key to join (empty creates one)", String: &SessionKey}
)

var registered []*Flag

// RegisterCommandFlags registers the flags on the command and remembers
// them for env binding in ValidateEnv.
func RegisterCommandFlags(cmd *cobra.Command, flags []*Flag) error {
	for _, f := range flags {
		switch {
		case f.String != nil:
			cmd.PersistentFlags().StringVar(f.String, f.Name, *f.String, f.Usage)
		case f.Int != nil:
			cmd.PersistentFlags().IntVar(f.Int, f.Name, *f.Int, f.Usage)
		case f.Uint16 != nil:
			cmd.PersistentFlags().Uint16Var(f.Uint16, f.Name, *f.Uint16, f.Usage)
		default:
			return errors.Errorf("flag %s has no target", f.Name)
		}
		registered = append(registered, f)
	}
	return nil
}

// ValidateEnv loads the optional .env file, applies environment overrides
// to the registered flags and checks the resulting configuration.
func ValidateEnv() error {
	// A missing .env file is fine; env vars may come from the process.
	_ = godotenv.Load()
	for _, f := range registered {
		value, ok := os.LookupEnv(f.EnvVar)
		if !ok || value == "" {
			continue
		}
		switch {
		case f.String != nil:
			*f.String = value
		case f.Int != nil:
			parsed, err := strconv.Atoi(value)
			if err != nil {
				return errors.Wrapf(err, "parse %s failed", f.EnvVar)
			}
			*f.Int = parsed
		case f.Uint16 != nil:
			parsed, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return errors.Wrapf(err, "parse %s failed", f.EnvVar)
			}
			*f.Uint16 = uint16(parsed)
		}
	}
	if Port == 0 {
		return errors.New("port must not be zero")
	}
	if SnapshotMS <= 0 {
		return errors.New("snapshot interval must be positive")
	}
	return nil
}
