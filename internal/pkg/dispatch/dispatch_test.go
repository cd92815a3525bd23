package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jackalopelabs/jackalopes-server/internal/pkg/faultnet"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/registry"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/session"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/wire"
)

type fakeConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	return f.buf.Write(p)
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// take decodes and drains every message written since the last call.
func (f *fakeConn) take(t *testing.T) []map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	frames, err := wire.DecodeFrames(f.buf.Bytes())
	require.NoError(t, err)
	f.buf.Reset()
	out := make([]map[string]interface{}, 0, len(frames))
	for _, frame := range frames {
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(frame.Payload, &msg))
		out = append(out, msg)
	}
	return out
}

type harness struct {
	reg      *registry.Registry
	sessions *session.MemoryStore
	disp     *Dispatcher
	injector *faultnet.Injector
}

func newHarness(t *testing.T, storeCfgs ...session.MemoryStoreCfg) *harness {
	t.Helper()
	// One injector shared by registry and dispatcher, as in production.
	injector := faultnet.NewInjector()
	reg, err := registry.NewRegistry(registry.WithInjector(injector))
	require.NoError(t, err)
	sessions, err := session.NewMemoryStore(storeCfgs...)
	require.NoError(t, err)
	sessions.SetSender(reg)
	disp, err := NewDispatcher(
		WithRegistry(reg),
		WithSessionStore(sessions),
		WithInjector(injector),
	)
	require.NoError(t, err)
	reg.SetHandler(disp)
	return &harness{reg: reg, sessions: sessions, disp: disp, injector: injector}
}

// connect registers a transport and discards the welcome message.
func (h *harness) connect(t *testing.T) (string, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	connID := h.reg.OnAccept(conn)
	welcome := conn.take(t)
	require.Len(t, welcome, 1)
	require.Equal(t, "welcome", welcome[0]["type"])
	return connID, conn
}

// player runs a connection through auth and join, returning its player id.
func (h *harness) player(t *testing.T, name, sessionKey string) (connID string, conn *fakeConn, playerID string) {
	t.Helper()
	connID, conn = h.connect(t)
	h.disp.HandleMessage(connID, []byte(fmt.Sprintf(`{"type":"auth","playerName":%q}`, name)))
	msgs := conn.take(t)
	require.Len(t, msgs, 1)
	require.Equal(t, "auth_success", msgs[0]["type"])
	playerID = msgs[0]["player"].(map[string]interface{})["id"].(string)

	join := `{"type":"join_session"}`
	if sessionKey != "" {
		join = fmt.Sprintf(`{"type":"join_session","sessionKey":%q}`, sessionKey)
	}
	h.disp.HandleMessage(connID, []byte(join))
	return connID, conn, playerID
}

func requireError(t *testing.T, conn *fakeConn, message string) {
	t.Helper()
	msgs := conn.take(t)
	require.Len(t, msgs, 1)
	require.Equal(t, "error", msgs[0]["type"])
	require.Equal(t, message, msgs[0]["message"])
}

func TestInvalidJSONGetsErrorReply(t *testing.T) {
	h := newHarness(t)
	connID, conn := h.connect(t)
	h.disp.HandleMessage(connID, []byte(`{not json`))
	requireError(t, conn, "Invalid message format")
}

func TestUnknownTypeGetsErrorReply(t *testing.T) {
	h := newHarness(t)
	connID, conn := h.connect(t)
	h.disp.HandleMessage(connID, []byte(`{"type":"teleport"}`))
	requireError(t, conn, "Unknown message type: teleport")
}

func TestServerKindsRejectedFromClients(t *testing.T) {
	h := newHarness(t)
	connID, conn := h.connect(t)
	h.disp.HandleMessage(connID, []byte(`{"type":"welcome"}`))
	requireError(t, conn, "Unknown message type: welcome")
}

func TestAuthMintsIdentityAndSanitizesName(t *testing.T) {
	h := newHarness(t)
	connID, conn := h.connect(t)

	h.disp.HandleMessage(connID, []byte(`{"type":"auth","playerName":"Rex<script>!"}`))
	msgs := conn.take(t)
	require.Len(t, msgs, 1)
	require.Equal(t, "auth_success", msgs[0]["type"])
	player := msgs[0]["player"].(map[string]interface{})
	require.Equal(t, "Rexscript", player["name"])
	require.Contains(t, player["id"], "player_")

	info, ok := h.reg.Info(connID)
	require.True(t, ok)
	require.True(t, info.Authenticated)
}

func TestAuthWithoutNameRejected(t *testing.T) {
	h := newHarness(t)
	connID, conn := h.connect(t)
	h.disp.HandleMessage(connID, []byte(`{"type":"auth"}`))
	requireError(t, conn, "Missing playerName in auth request")
}

func TestAuthTwiceRejected(t *testing.T) {
	h := newHarness(t)
	connID, conn := h.connect(t)
	h.disp.HandleMessage(connID, []byte(`{"type":"auth","playerName":"Rex"}`))
	conn.take(t)
	h.disp.HandleMessage(connID, []byte(`{"type":"auth","playerName":"Rex"}`))
	requireError(t, conn, "Already authenticated")
}

func TestJoinRequiresAuth(t *testing.T) {
	h := newHarness(t)
	connID, conn := h.connect(t)
	h.disp.HandleMessage(connID, []byte(`{"type":"join_session"}`))
	requireError(t, conn, "You must authenticate before joining a session")
}

func TestJoinCreatesSessionAndNotifiesMembers(t *testing.T) {
	h := newHarness(t)
	_, connA, _ := h.player(t, "Alice", "")
	msgsA := connA.take(t)
	require.Len(t, msgsA, 1)
	require.Equal(t, "join_success", msgsA[0]["type"])
	sess := msgsA[0]["session"].(map[string]interface{})
	key := sess["key"].(string)
	require.Len(t, key, 9)
	require.Empty(t, msgsA[0]["roster"])

	_, connB, playerB := h.player(t, "Bob", key)
	msgsB := connB.take(t)
	require.Len(t, msgsB, 1)
	require.Equal(t, "join_success", msgsB[0]["type"])
	require.Equal(t, float64(2), msgsB[0]["session"].(map[string]interface{})["playerCount"])
	roster := msgsB[0]["roster"].([]interface{})
	require.Len(t, roster, 1)
	require.Equal(t, "Alice", roster[0].(map[string]interface{})["name"])

	// The existing member sees player_joined; the joiner does not.
	msgsA = connA.take(t)
	require.Len(t, msgsA, 1)
	require.Equal(t, "player_joined", msgsA[0]["type"])
	require.Equal(t, playerB, msgsA[0]["player"].(map[string]interface{})["id"])
}

func TestJoinFullSession(t *testing.T) {
	h := newHarness(t, session.WithMaxPlayers(1))
	_, connA, _ := h.player(t, "Alice", "")
	key := connA.take(t)[0]["session"].(map[string]interface{})["key"].(string)

	_, connB, _ := h.player(t, "Bob", key)
	requireError(t, connB, "Session is full")
}

func TestRejoinLeavesPreviousSession(t *testing.T) {
	h := newHarness(t)
	connA, connTrA, playerA := h.player(t, "Alice", "")
	firstKey := connTrA.take(t)[0]["session"].(map[string]interface{})["key"].(string)

	_, connTrB, _ := h.player(t, "Bob", firstKey)
	connTrB.take(t)
	connTrA.take(t)

	h.disp.HandleMessage(connA, []byte(`{"type":"join_session"}`))
	msgsA := connTrA.take(t)
	require.Len(t, msgsA, 1)
	require.Equal(t, "join_success", msgsA[0]["type"])
	secondKey := msgsA[0]["session"].(map[string]interface{})["key"].(string)
	require.NotEqual(t, firstKey, secondKey)

	// Bob sees Alice leave the first session.
	msgsB := connTrB.take(t)
	require.Len(t, msgsB, 1)
	require.Equal(t, "player_left", msgsB[0]["type"])
	require.Equal(t, playerA, msgsB[0]["player"])
	require.Equal(t, 1, h.sessions.PlayerCount(firstKey))
}

func TestPlayerUpdateBroadcastAndEcho(t *testing.T) {
	h := newHarness(t)
	connA, connTrA, playerA := h.player(t, "Alice", "")
	key := connTrA.take(t)[0]["session"].(map[string]interface{})["key"].(string)
	_, connTrB, _ := h.player(t, "Bob", key)
	connTrB.take(t)
	connTrA.take(t)

	h.disp.HandleMessage(connA, []byte(`{"type":"player_update","position":{"x":3,"y":4,"z":0},"rotation":{"x":0,"y":0,"z":0,"w":1}}`))

	// Only the echo reaches the sender.
	msgsA := connTrA.take(t)
	require.Len(t, msgsA, 1)
	require.Equal(t, "player_update", msgsA[0]["type"])
	require.Equal(t, float64(5), msgsA[0]["positionError"])
	require.Equal(t, true, msgsA[0]["serverCorrection"])

	msgsB := connTrB.take(t)
	require.Len(t, msgsB, 1)
	require.Equal(t, "player_update", msgsB[0]["type"])
	require.Equal(t, playerA, msgsB[0]["player"])
	require.Equal(t, float64(3), msgsB[0]["position"].(map[string]interface{})["x"])
}

func TestPlayerUpdateBeforeJoinRejected(t *testing.T) {
	h := newHarness(t)
	connID, conn := h.connect(t)
	h.disp.HandleMessage(connID, []byte(`{"type":"auth","playerName":"Rex"}`))
	conn.take(t)
	h.disp.HandleMessage(connID, []byte(`{"type":"player_update","position":{"x":1,"y":0,"z":0},"rotation":{"w":1}}`))
	requireError(t, conn, "You must join a session before sending updates")
}

func TestMalformedPlayerUpdateDroppedSilently(t *testing.T) {
	h := newHarness(t)
	connA, connTrA, _ := h.player(t, "Alice", "")
	connTrA.take(t)

	h.disp.HandleMessage(connA, []byte(`{"type":"player_update"}`))
	h.disp.HandleMessage(connA, []byte(`{"type":"player_update","position":{"x":1,"y":0,"z":0}}`))
	require.Empty(t, connTrA.take(t))
}

func TestGameEventStampedAndBroadcastToAll(t *testing.T) {
	h := newHarness(t)
	connA, connTrA, playerA := h.player(t, "Alice", "")
	key := connTrA.take(t)[0]["session"].(map[string]interface{})["key"].(string)
	_, connTrB, _ := h.player(t, "Bob", key)
	connTrB.take(t)
	connTrA.take(t)

	h.disp.HandleMessage(connA, []byte(`{"type":"game_event","event":{"type":"shot","payload":{"weapon":"rifle"}}}`))

	for _, conn := range []*fakeConn{connTrA, connTrB} {
		msgs := conn.take(t)
		require.Len(t, msgs, 1)
		require.Equal(t, "game_event", msgs[0]["type"])
		event := msgs[0]["event"].(map[string]interface{})
		require.Equal(t, "shot", event["type"])
		require.Equal(t, playerA, event["player"])
		require.NotZero(t, event["timestamp"])
	}
}

func TestGameEventWithoutTypeDropped(t *testing.T) {
	h := newHarness(t)
	connA, connTrA, _ := h.player(t, "Alice", "")
	connTrA.take(t)
	h.disp.HandleMessage(connA, []byte(`{"type":"game_event","event":{"payload":{}}}`))
	require.Empty(t, connTrA.take(t))
}

func TestChatSanitizedAndBroadcastToAll(t *testing.T) {
	h := newHarness(t)
	connA, connTrA, _ := h.player(t, "Alice", "")
	connTrA.take(t)

	h.disp.HandleMessage(connA, []byte(`{"type":"chat","message":"hi there! <b>bold</b>?"}`))
	msgs := connTrA.take(t)
	require.Len(t, msgs, 1)
	require.Equal(t, "chat", msgs[0]["type"])
	require.Equal(t, "hi there! bboldb?", msgs[0]["message"])
	require.Equal(t, "Alice", msgs[0]["playerName"])
}

func TestEmptyChatDropped(t *testing.T) {
	h := newHarness(t)
	connA, connTrA, _ := h.player(t, "Alice", "")
	connTrA.take(t)
	h.disp.HandleMessage(connA, []byte(`{"type":"chat","message":"   "}`))
	require.Empty(t, connTrA.take(t))
}

func TestLeaveSessionNotifiesRemainingMembers(t *testing.T) {
	h := newHarness(t)
	connA, connTrA, playerA := h.player(t, "Alice", "")
	key := connTrA.take(t)[0]["session"].(map[string]interface{})["key"].(string)
	_, connTrB, _ := h.player(t, "Bob", key)
	connTrB.take(t)
	connTrA.take(t)

	h.disp.HandleMessage(connA, []byte(`{"type":"leave_session"}`))
	msgsB := connTrB.take(t)
	require.Len(t, msgsB, 1)
	require.Equal(t, "player_left", msgsB[0]["type"])
	require.Equal(t, playerA, msgsB[0]["player"])
	require.Equal(t, "Alice", msgsB[0]["playerName"])
	require.Empty(t, connTrA.take(t))

	info, _ := h.reg.Info(connA)
	require.Empty(t, info.SessionKey)
	require.Equal(t, 1, h.sessions.PlayerCount(key))
}

func TestLeaveWithoutSessionIsSilent(t *testing.T) {
	h := newHarness(t)
	connID, conn := h.connect(t)
	h.disp.HandleMessage(connID, []byte(`{"type":"leave_session"}`))
	require.Empty(t, conn.take(t))
}

func TestDisconnectBroadcastsPlayerLeft(t *testing.T) {
	h := newHarness(t)
	connA, connTrA, playerA := h.player(t, "Alice", "")
	key := connTrA.take(t)[0]["session"].(map[string]interface{})["key"].(string)
	_, connTrB, _ := h.player(t, "Bob", key)
	connTrB.take(t)
	connTrA.take(t)

	h.reg.OnClose(connA)
	msgsB := connTrB.take(t)
	require.Len(t, msgsB, 1)
	require.Equal(t, "player_left", msgsB[0]["type"])
	require.Equal(t, playerA, msgsB[0]["player"])
	require.Equal(t, 1, h.sessions.PlayerCount(key))
}

func TestAdminCommandTunesOwnConnection(t *testing.T) {
	h := newHarness(t)
	connID, conn := h.connect(t)
	otherID, _ := h.connect(t)

	// Accepted pre-auth from any connection, scoped to the issuer.
	h.disp.HandleMessage(connID, []byte(`{"type":"admin_command","command":"latency","value":150}`))
	h.disp.HandleMessage(connID, []byte(`{"type":"admin_command","command":"packet_loss","value":25}`))
	require.Empty(t, conn.take(t))
	require.Equal(t, 150, h.injector.Config(connID).LatencyMs)
	require.Equal(t, 25, h.injector.Config(connID).PacketLossPercent)
	require.Zero(t, h.injector.Config(otherID).LatencyMs)
	require.Zero(t, h.injector.Config(otherID).PacketLossPercent)

	h.disp.HandleMessage(connID, []byte(`{"type":"admin_command","command":"reboot","value":1}`))
	requireError(t, conn, "Unknown admin command: reboot")
}

func TestPacketLossDegradesOnlyTheIssuer(t *testing.T) {
	h := newHarness(t)
	connA, connTrA, _ := h.player(t, "Alice", "")
	key := connTrA.take(t)[0]["session"].(map[string]interface{})["key"].(string)
	connB, connTrB, _ := h.player(t, "Bob", key)
	_, connTrC, _ := h.player(t, "Cara", key)
	for _, conn := range []*fakeConn{connTrA, connTrB, connTrC} {
		conn.take(t)
	}

	h.disp.HandleMessage(connA, []byte(`{"type":"admin_command","command":"packet_loss","value":100}`))
	h.disp.HandleMessage(connB, []byte(`{"type":"chat","message":"still here"}`))

	// The sender and the third member receive; only the degraded
	// connection's delivery drops.
	msgsB := connTrB.take(t)
	require.Len(t, msgsB, 1)
	require.Equal(t, "still here", msgsB[0]["message"])
	msgsC := connTrC.take(t)
	require.Len(t, msgsC, 1)
	require.Equal(t, "still here", msgsC[0]["message"])
	require.Empty(t, connTrA.take(t))

	// Resetting the loss restores the issuer's delivery.
	h.disp.HandleMessage(connA, []byte(`{"type":"admin_command","command":"packet_loss","value":0}`))
	h.disp.HandleMessage(connB, []byte(`{"type":"chat","message":"welcome back"}`))
	msgsA := connTrA.take(t)
	require.Len(t, msgsA, 1)
	require.Equal(t, "welcome back", msgsA[0]["message"])
}
