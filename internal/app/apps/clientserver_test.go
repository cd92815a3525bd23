package apps

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jackalopelabs/jackalopes-server/internal/pkg/client"
)

type testServerCfg struct {
	port             uint16
	snapshotInterval time.Duration
}

func (cfg testServerCfg) ApplyServerApp(app *ServerApp) error {
	app.Port = cfg.port
	app.SnapshotInterval = cfg.snapshotInterval
	return nil
}

type testClientCfg struct {
	port uint16
}

func (cfg testClientCfg) ApplyClientApp(app *ClientApp) error {
	app.Port = cfg.port
	return nil
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return uint16(port)
}

func waitForServer(t *testing.T, port uint16) {
	t.Helper()
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			require.NoError(t, conn.Close())
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server on port %d never came up", port)
}

func TestServerAppRequiresPort(t *testing.T) {
	_, err := NewServerApp()
	require.Error(t, err)
}

func TestClientAppRequiresPlayerName(t *testing.T) {
	_, err := NewClientApp(testClientCfg{port: 9000})
	require.Error(t, err)
}

func TestServerAndClientApps(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}
	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := NewServerApp(testServerCfg{port: port, snapshotInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run(ctx, nil) }()
	waitForServer(t, port)

	bot, err := client.NewClient(
		client.WithServerPort(port),
		client.WithPlayerName("bot"),
		client.WithUpdateInterval(50*time.Millisecond),
	)
	require.NoError(t, err)
	botErr := make(chan error, 1)
	go func() { botErr <- bot.Run(ctx) }()

	require.Eventually(t, func() bool {
		return bot.SessionKey() != "" && bot.LastSnapshot() != nil
	}, 5*time.Second, 20*time.Millisecond)
	require.Len(t, bot.SessionKey(), 9)
	require.Contains(t, bot.LastSnapshot().Players, bot.PlayerID())

	cancel()
	require.NoError(t, <-botErr)
	require.NoError(t, <-serverErr)
}
