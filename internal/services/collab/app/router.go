package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/louisbranch/codecollab/internal/platform/errors"
	"github.com/louisbranch/codecollab/internal/platform/metrics"
	"github.com/louisbranch/codecollab/internal/services/collab/execution"
	"github.com/louisbranch/codecollab/internal/services/collab/room"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

type connState int

const (
	stateConnecting connState = iota
	stateJoined
	stateDisconnected
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

// Connection is the router's view of one client: its peer and the user it
// is in each joined room.
type Connection struct {
	peer room.Peer

	mu    sync.Mutex
	state connState
	rooms map[string]string
}

// ID returns the connection id shared with its peer.
func (c *Connection) ID() string {
	return c.peer.ID()
}

func (c *Connection) userIn(roomID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	userID, ok := c.rooms[roomID]
	return userID, ok
}

func (c *Connection) setJoined(roomID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = userID
	c.state = stateJoined
}

func (c *Connection) setLeft(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
	if len(c.rooms) == 0 && c.state == stateJoined {
		c.state = stateConnecting
	}
}

// drain marks the connection disconnected and returns the rooms it held.
func (c *Connection) drain() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	roomIDs := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		roomIDs = append(roomIDs, roomID)
	}
	clear(c.rooms)
	c.state = stateDisconnected
	return roomIDs
}

func (c *Connection) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RouterConfig wires a Router to its collaborators.
type RouterConfig struct {
	Registry *room.Registry
	Engine   *execution.Engine
	Logger   zerolog.Logger
	// EmptyRoomTTL of zero removes a room as soon as its last member leaves.
	EmptyRoomTTL time.Duration
	// BaseContext bounds executions. It must outlive any single connection so
	// a disconnect never cancels a run whose result the room still expects.
	BaseContext context.Context
}

// Router applies client frames to rooms and reports failures back to the
// sending connection only.
type Router struct {
	registry     *room.Registry
	engine       *execution.Engine
	logger       zerolog.Logger
	emptyRoomTTL time.Duration
	baseCtx      context.Context
}

// NewRouter builds a router from config.
func NewRouter(config RouterConfig) *Router {
	if config.BaseContext == nil {
		config.BaseContext = context.Background()
	}
	return &Router{
		registry:     config.Registry,
		engine:       config.Engine,
		logger:       config.Logger,
		emptyRoomTTL: config.EmptyRoomTTL,
		baseCtx:      config.BaseContext,
	}
}

// Connect registers a new connection that has not joined any room.
func (r *Router) Connect(peer room.Peer) *Connection {
	r.logger.Debug().Str("conn_id", peer.ID()).Msg("connection opened")
	return &Connection{peer: peer, state: stateConnecting, rooms: make(map[string]string)}
}

// Dispatch handles one frame from conn. It never panics; a failing frame
// produces an error frame to conn and leaves room state untouched.
func (r *Router) Dispatch(conn *Connection, frame wsFrame) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error().
				Str("conn_id", conn.ID()).
				Str("type", frame.Type).
				Interface("panic", recovered).
				Msg("frame handler panicked")
			r.fail(conn, frame, apperrors.New(apperrors.CodeInternal, "internal error"))
		}
	}()

	if conn.currentState() == stateDisconnected {
		return
	}
	metrics.EventsTotal.WithLabelValues(eventLabel(frame.Type)).Inc()

	var err error
	switch frame.Type {
	case frameCreateRoom:
		err = r.handleCreateRoom(conn, frame)
	case frameJoinRoom:
		err = r.handleJoinRoom(conn, frame)
	case frameLeaveRoom:
		err = r.handleLeaveRoom(conn, frame)
	case frameCodeChange:
		err = r.handleCodeChange(conn, frame)
	case frameCursorUpdate:
		err = r.handleCursorUpdate(conn, frame)
	case frameChatMessage:
		err = r.handleChatMessage(conn, frame)
	case frameExecuteCode:
		err = r.handleExecuteCode(conn, frame)
	default:
		err = apperrors.New(apperrors.CodeProtocol, fmt.Sprintf("unsupported frame type %q", frame.Type))
	}
	if err != nil {
		r.fail(conn, frame, err)
	}
}

// Disconnect removes conn's users from every room it joined. Each affected
// room emits user_left once to its remaining members.
func (r *Router) Disconnect(conn *Connection) {
	for _, roomID := range conn.drain() {
		current, ok := r.registry.Get(roomID)
		if !ok {
			continue
		}
		if userID, removed := current.ApplyDisconnect(conn.ID()); removed {
			r.logger.Debug().Str("conn_id", conn.ID()).Str("room_id", roomID).Str("user_id", userID).Msg("user disconnected")
		}
		r.maybeRemove(roomID)
	}
	r.logger.Debug().Str("conn_id", conn.ID()).Msg("connection closed")
}

func (r *Router) handleCreateRoom(conn *Connection, frame wsFrame) error {
	payload, err := decodePayload[createRoomPayload](frame)
	if err != nil {
		return err
	}
	roomID := strings.TrimSpace(payload.RoomID)
	if roomID == "" {
		roomID = uuid.NewString()
	}
	created, isNew := r.registry.Create(roomID, payload.Name, payload.Language)
	_ = conn.peer.Send(frameRoomCreated, roomCreatedPayload{
		RequestID: frame.RequestID,
		Created:   isNew,
		Room:      created.Snapshot(),
	})
	return nil
}

func (r *Router) handleJoinRoom(conn *Connection, frame wsFrame) error {
	payload, err := decodePayload[joinRoomPayload](frame)
	if err != nil {
		return err
	}
	user := room.User{
		ID:     payload.User.ID,
		Name:   payload.User.Name,
		Color:  payload.User.Color,
		ConnID: conn.ID(),
	}
	_, result, err := r.registry.Join(payload.RoomID, user, conn.peer)
	if err != nil {
		return err
	}
	conn.setJoined(payload.RoomID, user.ID)
	if result.TakenOverFrom != "" {
		r.logger.Info().
			Str("room_id", payload.RoomID).
			Str("user_id", user.ID).
			Str("from_conn", result.TakenOverFrom).
			Str("to_conn", conn.ID()).
			Msg("user reconnected on a new connection")
	}
	return nil
}

func (r *Router) handleLeaveRoom(conn *Connection, frame wsFrame) error {
	payload, err := decodePayload[leaveRoomPayload](frame)
	if err != nil {
		return err
	}
	current, err := r.joinedRoom(conn, payload.RoomID)
	if err != nil {
		return err
	}
	if _, err := current.ApplyLeave(conn.ID(), payload.UserID); err != nil {
		return err
	}
	if _, owns := current.Owner(conn.ID()); !owns {
		conn.setLeft(payload.RoomID)
	}
	r.maybeRemove(payload.RoomID)
	return nil
}

func (r *Router) handleCodeChange(conn *Connection, frame wsFrame) error {
	payload, err := decodePayload[codeChangePayload](frame)
	if err != nil {
		return err
	}
	current, err := r.joinedRoom(conn, payload.RoomID)
	if err != nil {
		return err
	}
	return current.ApplyCodeChange(conn.ID(), payload.UserID, payload.Code, payload.Language)
}

func (r *Router) handleCursorUpdate(conn *Connection, frame wsFrame) error {
	payload, err := decodePayload[cursorUpdatePayload](frame)
	if err != nil {
		return err
	}
	current, err := r.joinedRoom(conn, payload.RoomID)
	if err != nil {
		return err
	}
	return current.ApplyCursor(conn.ID(), payload.UserID, room.Position{
		Line:   payload.Position.Line,
		Column: payload.Position.Column,
	})
}

func (r *Router) handleChatMessage(conn *Connection, frame wsFrame) error {
	payload, err := decodePayload[chatMessagePayload](frame)
	if err != nil {
		return err
	}
	current, err := r.joinedRoom(conn, payload.RoomID)
	if err != nil {
		return err
	}
	_, err = current.AppendChat(conn.ID(), room.Message{
		ID:     payload.Message.ID,
		UserID: payload.Message.UserID,
		Text:   payload.Message.Text,
	})
	return err
}

func (r *Router) handleExecuteCode(conn *Connection, frame wsFrame) error {
	payload, err := decodePayload[executeCodePayload](frame)
	if err != nil {
		return err
	}
	if _, err := r.joinedRoom(conn, payload.RoomID); err != nil {
		return err
	}
	request := execution.Request{RoomID: payload.RoomID, Code: payload.Code, Language: payload.Language}
	return r.engine.Submit(r.baseCtx, request, func(result execution.Result) {
		// The room may have been replaced while the snippet ran.
		_, ok := r.registry.AppendOutput(request.RoomID, room.ExecutionResult{
			Code:     request.Code,
			Language: request.Language,
			Result:   result.Output,
			Error:    result.Error,
			Success:  result.Success,
		})
		if !ok {
			r.logger.Debug().Str("room_id", request.RoomID).Msg("dropped result for removed room")
		}
	})
}

// joinedRoom resolves roomID for a room-scoped event. The connection must
// have joined it first.
func (r *Router) joinedRoom(conn *Connection, roomID string) (*room.Room, error) {
	metadata := map[string]string{"room_id": roomID}
	if _, ok := conn.userIn(roomID); !ok {
		return nil, apperrors.WithMetadata(apperrors.CodeNotJoined, fmt.Sprintf("connection has not joined room %q", roomID), metadata)
	}
	current, ok := r.registry.Get(roomID)
	if !ok {
		conn.setLeft(roomID)
		return nil, apperrors.WithMetadata(apperrors.CodeUnknownRoom, fmt.Sprintf("room %q does not exist", roomID), metadata)
	}
	return current, nil
}

func (r *Router) maybeRemove(roomID string) {
	if r.emptyRoomTTL > 0 {
		return
	}
	if r.registry.RemoveIfEmpty(roomID) {
		r.logger.Debug().Str("room_id", roomID).Msg("removed empty room")
	}
}

func (r *Router) fail(conn *Connection, frame wsFrame, err error) {
	code := apperrors.CodeOf(err)
	metrics.ProtocolErrors.WithLabelValues(string(code)).Inc()

	event := r.logger.Debug()
	if code == apperrors.CodeInternal {
		event = r.logger.Error()
	}
	event.Err(err).
		Str("conn_id", conn.ID()).
		Str("type", frame.Type).
		Str("code", string(code)).
		Fields(lo.MapValues(apperrors.MetadataOf(err), func(value, _ string) any { return value })).
		Msg("frame rejected")

	_ = conn.peer.Send(frameError, wsErrorPayload{
		RequestID: frame.RequestID,
		Event:     frame.Type,
		Error: wsError{
			Code:      code.WireCode(),
			Message:   apperrors.MessageOf(err),
			Retryable: code.Retryable(),
		},
	})
}

func eventLabel(frameType string) string {
	switch frameType {
	case frameCreateRoom, frameJoinRoom, frameLeaveRoom, frameCodeChange,
		frameCursorUpdate, frameChatMessage, frameExecuteCode:
		return frameType
	default:
		return "unknown"
	}
}
