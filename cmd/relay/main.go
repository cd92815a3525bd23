// Package main is the relay application entrypoint.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jackalopelabs/jackalopes-server/internal"
	"github.com/jackalopelabs/jackalopes-server/internal/app/apps"
	"github.com/jackalopelabs/jackalopes-server/internal/app/cfg"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/log"
)

// CLI command definitions.
var (
	logger logrus.FieldLogger = logrus.StandardLogger()

	rootCmd = &cobra.Command{
		RunE: func(*cobra.Command, []string) error {
			return nil
		},
	}

	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Starts the relay server.",
		RunE:  runCmd,
	}

	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Starts a demo relay client.",
		RunE:  runCmd,
	}
)

func newApp(_ context.Context, cmd *cobra.Command, args []string) (apps.App, []string, error) {
	var err error
	var app apps.App
	switch cmd.Name() {
	case "server":
		app, err = apps.NewServerApp(cfg.PortFromEnv(), cfg.RelayFromEnv())
		if err != nil {
			return nil, nil, errors.Wrap(err, "new server app failed")
		}
		return app, args, nil
	case "client":
		app, err = apps.NewClientApp(cfg.PortFromEnv(), cfg.BotFromEnv())
		if err != nil {
			return nil, nil, errors.Wrap(err, "new client app failed")
		}
		return app, args, nil
	default:
		return nil, nil, fmt.Errorf("unknown command: %s", cmd.Name())
	}
}

func runCmd(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := chainedCheck(
		ctx,
		envCheck,
	); err != nil {
		return errors.Wrap(err, "chained check failed")
	}
	app, args, err := newApp(cmd.Context(), cmd, args)
	if err != nil {
		return errors.Wrapf(err, "new %s app failed", cmd.Name())
	}
	return errors.Wrap(app.Run(ctx, args), "run app failed")
}

func envCheck(ctx context.Context) error {
	err := internal.ValidateEnv()
	if err != nil {
		return errors.Wrap(err, "validate env failed")
	}
	log.SetLogger(internal.LogLevel)
	return nil
}

func chainedCheck(ctx context.Context, checks ...func(context.Context) error) error {
	for _, check := range checks {
		err := check(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

func init() {
	err := internal.RegisterCommandFlags(rootCmd, []*internal.Flag{
		&internal.EnvFlag,
		&internal.LogLevelFlag,
		&internal.PortFlag,
	})
	if err != nil {
		logger.Fatalln(err)
	}

	err = internal.RegisterCommandFlags(serverCmd, []*internal.Flag{
		&internal.SnapshotMSFlag,
		&internal.BackendURLFlag,
		&internal.MaxPlayersFlag,
	})
	if err != nil {
		logger.Fatalln(err)
	}

	err = internal.RegisterCommandFlags(clientCmd, []*internal.Flag{
		&internal.ClientUpdateMSFlag,
		&internal.PlayerNameFlag,
		&internal.SessionKeyFlag,
	})
	if err != nil {
		logger.Fatalln(err)
	}

	rootCmd.AddCommand(
		serverCmd,
		clientCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(errors.Wrap(err, "execute root command failed"))
	}
}
