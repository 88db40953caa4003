package server

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/codecollab/internal/services/collab/execution"
	"github.com/louisbranch/codecollab/internal/services/collab/room"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type capturedFrame struct {
	Event   string
	Payload json.RawMessage
}

type capturePeer struct {
	id     string
	mu     sync.Mutex
	frames []capturedFrame
}

func newCapturePeer(id string) *capturePeer {
	return &capturePeer{id: id}
}

func (p *capturePeer) ID() string {
	return p.id
}

func (p *capturePeer) Send(event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, capturedFrame{Event: event, Payload: body})
	return nil
}

func (p *capturePeer) ofType(event string) []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var payloads []json.RawMessage
	for _, frame := range p.frames {
		if frame.Event == event {
			payloads = append(payloads, frame.Payload)
		}
	}
	return payloads
}

func (p *capturePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = nil
}

func newTestRouter(t *testing.T, ttl time.Duration) (*Router, *room.Registry) {
	t.Helper()
	registry := room.NewRegistry(room.Options{})
	engine := execution.NewEngine(execution.Options{QueueDepth: 4})
	t.Cleanup(func() {
		_ = engine.Close(context.Background())
	})
	return NewRouter(RouterConfig{
		Registry:     registry,
		Engine:       engine,
		Logger:       zerolog.Nop(),
		EmptyRoomTTL: ttl,
	}), registry
}

func clientFrame(t *testing.T, frameType string, payload any) wsFrame {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return wsFrame{Type: frameType, RequestID: "req-" + frameType, Payload: body}
}

func joinAs(t *testing.T, router *Router, conn *Connection, roomID, userID string) {
	t.Helper()
	router.Dispatch(conn, clientFrame(t, frameJoinRoom, map[string]any{
		"roomId": roomID,
		"user":   map[string]any{"id": userID, "name": "User " + userID, "color": "#fff"},
	}))
	require.Equal(t, stateJoined, conn.currentState())
}

func decodeInto[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var value T
	require.NoError(t, json.Unmarshal(raw, &value))
	return value
}

func lastError(t *testing.T, peer *capturePeer) wsErrorPayload {
	t.Helper()
	errs := peer.ofType(frameError)
	require.NotEmpty(t, errs, "expected an error frame")
	return decodeInto[wsErrorPayload](t, errs[len(errs)-1])
}

func memberIDs(t *testing.T, registry *room.Registry, roomID string) []string {
	t.Helper()
	current, ok := registry.Get(roomID)
	require.True(t, ok)
	var ids []string
	for _, user := range current.Snapshot().Users {
		ids = append(ids, user.ID)
	}
	return ids
}

func TestJoinCreatesRoomAndSyncsJoiner(t *testing.T) {
	router, registry := newTestRouter(t, time.Minute)
	peer := newCapturePeer("c1")
	conn := router.Connect(peer)
	require.Equal(t, stateConnecting, conn.currentState())

	joinAs(t, router, conn, "r1", "u1")

	require.Equal(t, []string{"u1"}, memberIDs(t, registry, "r1"))
	joined := peer.ofType(room.EventUserJoined)
	require.Len(t, joined, 1)
	event := decodeInto[room.UserJoinedEvent](t, joined[0])
	require.Equal(t, "r1", event.Room.ID)
	require.Equal(t, "javascript", event.Room.Language)
	require.Len(t, peer.ofType(room.EventCodeChange), 1)
	require.Len(t, peer.ofType(room.EventOutputState), 1)
}

func TestJoinLeaveDisconnectLeaveNoStaleMembers(t *testing.T) {
	router, registry := newTestRouter(t, time.Minute)
	alicePeer, bobPeer := newCapturePeer("c1"), newCapturePeer("c2")
	alice, bob := router.Connect(alicePeer), router.Connect(bobPeer)

	joinAs(t, router, alice, "r1", "u1")
	joinAs(t, router, alice, "r2", "u1")
	joinAs(t, router, bob, "r1", "u2")
	joinAs(t, router, bob, "r2", "u2")
	require.ElementsMatch(t, []string{"u1", "u2"}, memberIDs(t, registry, "r1"))

	router.Dispatch(alice, clientFrame(t, frameLeaveRoom, map[string]any{"roomId": "r1", "userId": "u1"}))
	require.Equal(t, []string{"u2"}, memberIDs(t, registry, "r1"))
	require.Equal(t, stateJoined, alice.currentState(), "still in r2")

	bobPeer.reset()
	router.Disconnect(alice)
	require.Equal(t, stateDisconnected, alice.currentState())
	require.Equal(t, []string{"u2"}, memberIDs(t, registry, "r2"))

	left := bobPeer.ofType(room.EventUserLeft)
	require.Len(t, left, 1, "one user_left per affected room")
	event := decodeInto[room.UserLeftEvent](t, left[0])
	require.Equal(t, "r2", event.Room.ID)
	require.Equal(t, "u1", event.UserID)
	require.NotContains(t, event.Room.Cursors, "u1")
}

func TestCodeChangeLastWriteWinsAndSkipsSender(t *testing.T) {
	router, registry := newTestRouter(t, time.Minute)
	alicePeer, bobPeer := newCapturePeer("c1"), newCapturePeer("c2")
	alice, bob := router.Connect(alicePeer), router.Connect(bobPeer)
	joinAs(t, router, alice, "r1", "u1")
	joinAs(t, router, bob, "r1", "u2")
	alicePeer.reset()
	bobPeer.reset()

	router.Dispatch(alice, clientFrame(t, frameCodeChange, map[string]any{"roomId": "r1", "userId": "u1", "code": "x", "language": "lua"}))
	router.Dispatch(bob, clientFrame(t, frameCodeChange, map[string]any{"roomId": "r1", "userId": "u2", "code": "y", "language": "lua"}))

	current, _ := registry.Get("r1")
	require.Equal(t, "y", current.Snapshot().Code)

	toAlice := alicePeer.ofType(room.EventCodeChange)
	require.Len(t, toAlice, 1)
	require.Equal(t, "y", decodeInto[room.CodeChangeEvent](t, toAlice[0]).Code)
	toBob := bobPeer.ofType(room.EventCodeChange)
	require.Len(t, toBob, 1)
	require.Equal(t, "x", decodeInto[room.CodeChangeEvent](t, toBob[0]).Code)
}

func TestCursorUpdateSkipsSender(t *testing.T) {
	router, _ := newTestRouter(t, time.Minute)
	alicePeer, bobPeer := newCapturePeer("c1"), newCapturePeer("c2")
	alice, bob := router.Connect(alicePeer), router.Connect(bobPeer)
	joinAs(t, router, alice, "r1", "u1")
	joinAs(t, router, bob, "r1", "u2")
	alicePeer.reset()

	router.Dispatch(alice, clientFrame(t, frameCursorUpdate, map[string]any{
		"roomId": "r1", "userId": "u1", "position": map[string]any{"line": 3, "column": 7},
	}))

	require.Empty(t, alicePeer.ofType(room.EventCursorUpdate))
	updates := bobPeer.ofType(room.EventCursorUpdate)
	require.Len(t, updates, 1)
	event := decodeInto[room.CursorUpdateEvent](t, updates[0])
	require.Equal(t, room.Position{Line: 3, Column: 7}, event.Position)
}

func TestChatReachesSenderWithServerFields(t *testing.T) {
	router, _ := newTestRouter(t, time.Minute)
	alicePeer, bobPeer := newCapturePeer("c1"), newCapturePeer("c2")
	alice, bob := router.Connect(alicePeer), router.Connect(bobPeer)
	joinAs(t, router, alice, "r1", "u1")
	joinAs(t, router, bob, "r1", "u2")

	router.Dispatch(alice, clientFrame(t, frameChatMessage, map[string]any{
		"roomId": "r1", "message": map[string]any{"userId": "u1", "text": "hello"},
	}))

	for _, peer := range []*capturePeer{alicePeer, bobPeer} {
		messages := peer.ofType(room.EventChatMessage)
		require.Len(t, messages, 1)
		event := decodeInto[room.ChatMessageEvent](t, messages[0])
		require.Equal(t, "hello", event.Message.Text)
		require.Equal(t, "User u1", event.Message.UserName)
		require.NotEmpty(t, event.Message.ID)
		require.NotZero(t, event.Message.Timestamp)
	}
}

func TestRoomScopedEventBeforeJoinIsProtocolError(t *testing.T) {
	router, registry := newTestRouter(t, time.Minute)
	peer := newCapturePeer("c1")
	conn := router.Connect(peer)

	router.Dispatch(conn, clientFrame(t, frameCodeChange, map[string]any{"roomId": "r1", "userId": "u1", "code": "x"}))

	got := lastError(t, peer)
	require.Equal(t, "PROTOCOL_ERROR", got.Error.Code)
	require.Equal(t, frameCodeChange, got.Event)
	require.Equal(t, "req-"+frameCodeChange, got.RequestID)
	_, exists := registry.Get("r1")
	require.False(t, exists, "no room is created by a rejected event")
}

func TestEventForAnotherUserIsRejected(t *testing.T) {
	router, registry := newTestRouter(t, time.Minute)
	alicePeer, bobPeer := newCapturePeer("c1"), newCapturePeer("c2")
	alice, bob := router.Connect(alicePeer), router.Connect(bobPeer)
	joinAs(t, router, alice, "r1", "u1")
	joinAs(t, router, bob, "r1", "u2")

	router.Dispatch(alice, clientFrame(t, frameCodeChange, map[string]any{"roomId": "r1", "userId": "u2", "code": "spoofed"}))

	require.Equal(t, "PROTOCOL_ERROR", lastError(t, alicePeer).Error.Code)
	current, _ := registry.Get("r1")
	require.Empty(t, current.Snapshot().Code)
}

func TestInvalidPayloadNamesTheField(t *testing.T) {
	router, _ := newTestRouter(t, time.Minute)
	peer := newCapturePeer("c1")
	conn := router.Connect(peer)

	router.Dispatch(conn, clientFrame(t, frameJoinRoom, map[string]any{"user": map[string]any{"id": "u1", "name": "Ann"}}))
	got := lastError(t, peer)
	require.Equal(t, "PROTOCOL_ERROR", got.Error.Code)
	require.Equal(t, "roomId is required", got.Error.Message)

	router.Dispatch(conn, clientFrame(t, frameJoinRoom, map[string]any{"roomId": "r1", "user": map[string]any{"id": "u1"}}))
	require.Equal(t, "user.name is required", lastError(t, peer).Error.Message)

	router.Dispatch(conn, wsFrame{Type: frameJoinRoom, Payload: json.RawMessage(`"nope"`)})
	require.Equal(t, "invalid join_room payload", lastError(t, peer).Error.Message)
	require.Equal(t, stateConnecting, conn.currentState())
}

func TestUnknownFrameTypeIsProtocolError(t *testing.T) {
	router, _ := newTestRouter(t, time.Minute)
	peer := newCapturePeer("c1")
	conn := router.Connect(peer)

	router.Dispatch(conn, wsFrame{Type: "bogus", Payload: json.RawMessage(`{}`)})
	got := lastError(t, peer)
	require.Equal(t, "PROTOCOL_ERROR", got.Error.Code)
	require.False(t, got.Error.Retryable)
}

func TestCreateRoomRepliesToCallerOnly(t *testing.T) {
	router, registry := newTestRouter(t, time.Minute)
	peer := newCapturePeer("c1")
	conn := router.Connect(peer)

	router.Dispatch(conn, clientFrame(t, frameCreateRoom, map[string]any{"roomId": "r1", "name": "Interview", "language": "lua"}))
	router.Dispatch(conn, clientFrame(t, frameCreateRoom, map[string]any{"roomId": "r1", "name": "Other"}))

	replies := peer.ofType(frameRoomCreated)
	require.Len(t, replies, 2)
	first := decodeInto[roomCreatedPayload](t, replies[0])
	require.True(t, first.Created)
	require.Equal(t, "Interview", first.Room.Name)
	require.Equal(t, "lua", first.Room.Language)
	require.False(t, decodeInto[roomCreatedPayload](t, replies[1]).Created)
	require.Equal(t, 1, registry.Len())
	require.Equal(t, stateConnecting, conn.currentState(), "creating does not join")

	router.Dispatch(conn, clientFrame(t, frameCreateRoom, map[string]any{}))
	generated := decodeInto[roomCreatedPayload](t, peer.ofType(frameRoomCreated)[2])
	require.NotEmpty(t, generated.Room.ID)
}

func TestZeroTTLRemovesRoomOnLastLeave(t *testing.T) {
	router, registry := newTestRouter(t, 0)
	conn := router.Connect(newCapturePeer("c1"))
	joinAs(t, router, conn, "r1", "u1")
	joinAs(t, router, conn, "r2", "u1")

	router.Dispatch(conn, clientFrame(t, frameLeaveRoom, map[string]any{"roomId": "r1", "userId": "u1"}))
	_, ok := registry.Get("r1")
	require.False(t, ok)

	router.Disconnect(conn)
	require.Zero(t, registry.Len())
}

func TestReconnectTakesOverUser(t *testing.T) {
	router, registry := newTestRouter(t, time.Minute)
	oldPeer, newPeer, watcherPeer := newCapturePeer("c1"), newCapturePeer("c2"), newCapturePeer("c3")
	oldConn, newConn, watcher := router.Connect(oldPeer), router.Connect(newPeer), router.Connect(watcherPeer)
	joinAs(t, router, oldConn, "r1", "u1")
	joinAs(t, router, watcher, "r1", "u9")
	joinAs(t, router, newConn, "r1", "u1")
	require.ElementsMatch(t, []string{"u1", "u9"}, memberIDs(t, registry, "r1"))

	router.Dispatch(oldConn, clientFrame(t, frameCodeChange, map[string]any{"roomId": "r1", "userId": "u1", "code": "stale"}))
	require.Equal(t, "PROTOCOL_ERROR", lastError(t, oldPeer).Error.Code)

	watcherPeer.reset()
	router.Disconnect(oldConn)
	require.Empty(t, watcherPeer.ofType(room.EventUserLeft), "stale connection owns nobody")
	require.ElementsMatch(t, []string{"u1", "u9"}, memberIDs(t, registry, "r1"))
}

func executionResults(t *testing.T, peer *capturePeer) []room.ExecutionResult {
	t.Helper()
	var results []room.ExecutionResult
	for _, raw := range peer.ofType(room.EventExecutionResult) {
		results = append(results, decodeInto[room.ExecutionResult](t, raw))
	}
	return results
}

func waitForResults(t *testing.T, peer *capturePeer, n int) []room.ExecutionResult {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(peer.ofType(room.EventExecutionResult)) >= n
	}, 5*time.Second, 5*time.Millisecond)
	return executionResults(t, peer)
}

func TestExecuteBroadcastsResultToWholeRoom(t *testing.T) {
	router, registry := newTestRouter(t, time.Minute)
	alicePeer, bobPeer := newCapturePeer("c1"), newCapturePeer("c2")
	alice, bob := router.Connect(alicePeer), router.Connect(bobPeer)
	joinAs(t, router, alice, "r1", "u1")
	joinAs(t, router, bob, "r1", "u2")

	router.Dispatch(alice, clientFrame(t, frameExecuteCode, map[string]any{"roomId": "r1", "code": `print("hi")`, "language": "lua"}))

	for _, peer := range []*capturePeer{alicePeer, bobPeer} {
		results := waitForResults(t, peer, 1)
		require.Equal(t, "hi\n", results[0].Result)
		require.True(t, results[0].Success)
		require.Equal(t, int64(1), results[0].ID)
	}
	current, _ := registry.Get("r1")
	require.Len(t, current.Outputs(), 1)
}

func TestExecuteUnsupportedLanguageIsReportedNotGuessed(t *testing.T) {
	router, _ := newTestRouter(t, time.Minute)
	peer := newCapturePeer("c1")
	conn := router.Connect(peer)
	joinAs(t, router, conn, "r1", "u1")

	router.Dispatch(conn, clientFrame(t, frameExecuteCode, map[string]any{"roomId": "r1", "code": `print("hi")`, "language": "python"}))

	result := waitForResults(t, peer, 1)[0]
	require.False(t, result.Success)
	require.Contains(t, result.Error, "unsupported language")
	require.NotContains(t, result.Result, "hi")
}

func TestExecuteResultsKeepRequestOrder(t *testing.T) {
	router, registry := newTestRouter(t, time.Minute)
	peer := newCapturePeer("c1")
	conn := router.Connect(peer)
	joinAs(t, router, conn, "r1", "u1")

	router.Dispatch(conn, clientFrame(t, frameExecuteCode, map[string]any{
		"roomId": "r1", "language": "lua", "code": `local s = 0 for i = 1, 200000 do s = s + i end print("A")`,
	}))
	router.Dispatch(conn, clientFrame(t, frameExecuteCode, map[string]any{"roomId": "r1", "language": "lua", "code": `print("B")`}))

	results := waitForResults(t, peer, 2)
	require.Equal(t, "A\n", results[0].Result)
	require.Equal(t, "B\n", results[1].Result)
	current, _ := registry.Get("r1")
	outputs := current.Outputs()
	require.Equal(t, "A\n", outputs[0].Result)
	require.Equal(t, "B\n", outputs[1].Result)
	require.Less(t, outputs[0].ID, outputs[1].ID)
}

func TestExecuteSurvivesSenderDisconnect(t *testing.T) {
	router, _ := newTestRouter(t, time.Minute)
	alicePeer, bobPeer := newCapturePeer("c1"), newCapturePeer("c2")
	alice, bob := router.Connect(alicePeer), router.Connect(bobPeer)
	joinAs(t, router, alice, "r1", "u1")
	joinAs(t, router, bob, "r1", "u2")

	router.Dispatch(alice, clientFrame(t, frameExecuteCode, map[string]any{
		"roomId": "r1", "language": "javascript", "code": `setTimeout(function () { console.log("done"); }, 100);`,
	}))
	router.Disconnect(alice)

	results := waitForResults(t, bobPeer, 1)
	require.Equal(t, "done\n", results[0].Result)
}

func TestExecuteQueueFullIsReportedToSender(t *testing.T) {
	registry := room.NewRegistry(room.Options{})
	release := make(chan struct{})
	engine := execution.NewEngine(execution.Options{
		QueueDepth: 0,
		Runners:    []execution.Runner{blockingRunner{release: release}},
	})
	t.Cleanup(func() {
		close(release)
		_ = engine.Close(context.Background())
	})
	router := NewRouter(RouterConfig{Registry: registry, Engine: engine, Logger: zerolog.Nop(), EmptyRoomTTL: time.Minute})
	peer := newCapturePeer("c1")
	conn := router.Connect(peer)
	joinAs(t, router, conn, "r1", "u1")

	execute := clientFrame(t, frameExecuteCode, map[string]any{"roomId": "r1", "language": "blocking", "code": ""})
	router.Dispatch(conn, execute)
	router.Dispatch(conn, execute)

	got := lastError(t, peer)
	require.Equal(t, "RESOURCE_EXCEEDED", got.Error.Code)
	require.True(t, got.Error.Retryable)
}

func TestExecuteResultLandsInReplacementRoom(t *testing.T) {
	registry := room.NewRegistry(room.Options{})
	release := make(chan struct{})
	engine := execution.NewEngine(execution.Options{
		Runners: []execution.Runner{blockingRunner{release: release}},
	})
	t.Cleanup(func() {
		_ = engine.Close(context.Background())
	})
	router := NewRouter(RouterConfig{Registry: registry, Engine: engine, Logger: zerolog.Nop()})
	alicePeer, bobPeer := newCapturePeer("c1"), newCapturePeer("c2")
	alice, bob := router.Connect(alicePeer), router.Connect(bobPeer)

	joinAs(t, router, alice, "r1", "u1")
	original, ok := registry.Get("r1")
	require.True(t, ok)
	router.Dispatch(alice, clientFrame(t, frameExecuteCode, map[string]any{"roomId": "r1", "language": "blocking", "code": ""}))
	router.Dispatch(alice, clientFrame(t, frameLeaveRoom, map[string]any{"roomId": "r1", "userId": "u1"}))
	_, ok = registry.Get("r1")
	require.False(t, ok, "zero TTL removes the room on last leave")

	joinAs(t, router, bob, "r1", "u2")
	close(release)

	results := waitForResults(t, bobPeer, 1)
	require.True(t, results[0].Success)
	replacement, ok := registry.Get("r1")
	require.True(t, ok)
	require.NotSame(t, original, replacement)
	require.Len(t, replacement.Outputs(), 1)
	require.Empty(t, original.Outputs())
}

func TestRejectionLogCarriesRoomID(t *testing.T) {
	var logs bytes.Buffer
	registry := room.NewRegistry(room.Options{})
	engine := execution.NewEngine(execution.Options{})
	t.Cleanup(func() {
		_ = engine.Close(context.Background())
	})
	router := NewRouter(RouterConfig{Registry: registry, Engine: engine, Logger: zerolog.New(&logs), EmptyRoomTTL: time.Minute})
	peer := newCapturePeer("c1")
	conn := router.Connect(peer)

	router.Dispatch(conn, clientFrame(t, frameCodeChange, map[string]any{"roomId": "r9", "userId": "u1", "code": "x"}))

	require.Equal(t, "PROTOCOL_ERROR", lastError(t, peer).Error.Code)
	require.Contains(t, logs.String(), `"room_id":"r9"`)
	require.Contains(t, logs.String(), `"code":"NOT_JOINED"`)
}

type blockingRunner struct {
	release chan struct{}
}

func (blockingRunner) Language() string {
	return "blocking"
}

func (r blockingRunner) Execute(ctx context.Context, _ string, _ execution.Limits) (string, error) {
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return "", nil
}
