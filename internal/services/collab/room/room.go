package room

import (
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/codecollab/internal/platform/errors"
	"github.com/samber/lo"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultChatHistoryLimit   = 500
	defaultOutputHistoryLimit = 100
)

var errRoomClosed = apperrors.New(apperrors.CodeRoomClosed, "room was closed, retry")

// Options tunes room retention. Zero values select the defaults.
type Options struct {
	ChatHistoryLimit   int
	OutputHistoryLimit int
	Clock              func() time.Time
	NewID              func() string
}

func (o Options) withDefaults() Options {
	if o.ChatHistoryLimit <= 0 {
		o.ChatHistoryLimit = defaultChatHistoryLimit
	}
	if o.OutputHistoryLimit <= 0 {
		o.OutputHistoryLimit = defaultOutputHistoryLimit
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.NewID == nil {
		o.NewID = func() string { return fmt.Sprintf("msg_%d", time.Now().UnixNano()) }
	}
	return o
}

// Room is the aggregate for one collaboration session.
//
// Every mutation holds mu for its whole duration, including fan-out, so the
// order in which members receive events equals the order they were applied.
type Room struct {
	mu           sync.Mutex
	id           string
	name         string
	language     string
	code         string
	users        []User
	cursors      map[string]Position
	peers        map[string]Peer
	messages     *history[Message]
	outputs      *history[ExecutionResult]
	nextOutputID int64
	emptySince   time.Time
	closed       bool
	clock        func() time.Time
	newID        func() string
}

// JoinResult describes how a join changed membership.
type JoinResult struct {
	Snapshot Snapshot
	// Rejoined is set when the user id was already a member.
	Rejoined bool
	// TakenOverFrom is the connection that previously owned the user, if it
	// differs from the joining connection.
	TakenOverFrom string
}

func newRoom(id, name, language string, options Options) *Room {
	options = options.withDefaults()
	name = strings.TrimSpace(name)
	if name == "" {
		name = id
	}
	language = strings.TrimSpace(language)
	if language == "" {
		language = DefaultLanguage
	}
	return &Room{
		id:         id,
		name:       name,
		language:   language,
		cursors:    make(map[string]Position),
		peers:      make(map[string]Peer),
		messages:   newHistory[Message](options.ChatHistoryLimit),
		outputs:    newHistory[ExecutionResult](options.OutputHistoryLimit),
		emptySince: options.Clock(),
		clock:      options.Clock,
		newID:      options.NewID,
	}
}

// ID returns the room identifier.
func (r *Room) ID() string {
	return r.id
}

// ApplyJoin adds user to the room and subscribes peer to its events.
//
// Joining with an id that is already a member does not duplicate it: the
// member is refreshed and, when another connection owned it, ownership moves
// to the joining connection. All members receive user_joined; the joiner
// alone receives the current code, chat history and output history.
func (r *Room) ApplyJoin(user User, peer Peer) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return JoinResult{}, errRoomClosed
	}
	if peer == nil || user.ConnID != peer.ID() {
		return JoinResult{}, apperrors.New(apperrors.CodeInternal, "join requires the owning peer")
	}
	if owned, ok := r.userOwnedBy(user.ConnID); ok && owned.ID != user.ID {
		return JoinResult{}, apperrors.New(apperrors.CodeProtocol,
			fmt.Sprintf("connection already joined room %q as %q", r.id, owned.ID))
	}

	result := JoinResult{}
	if idx := r.indexOf(user.ID); idx >= 0 {
		previous := r.users[idx]
		result.Rejoined = true
		if previous.ConnID != user.ConnID {
			result.TakenOverFrom = previous.ConnID
			delete(r.peers, previous.ConnID)
		}
		r.users[idx] = user
	} else {
		r.users = append(r.users, user)
		r.cursors[user.ID] = Position{}
	}
	r.peers[user.ConnID] = peer
	r.emptySince = time.Time{}

	result.Snapshot = r.snapshotLocked()
	r.broadcastLocked(EventUserJoined, UserJoinedEvent{Room: result.Snapshot, User: user}, "")

	_ = peer.Send(EventCodeChange, CodeChangeEvent{
		RoomID:   r.id,
		UserID:   user.ID,
		Code:     r.code,
		Language: r.language,
	})
	_ = peer.Send(EventChatHistory, ChatHistoryEvent{RoomID: r.id, Messages: r.messages.list()})
	_ = peer.Send(EventOutputState, OutputStateEvent{RoomID: r.id, Outputs: r.outputs.list()})
	return result, nil
}

// ApplyLeave removes userID on behalf of connID and unsubscribes connID.
// Leaving a room the user is not in is a no-op that reports false.
func (r *Room) ApplyLeave(connID, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(userID)
	if idx < 0 {
		if _, owns := r.userOwnedBy(connID); !owns {
			delete(r.peers, connID)
		}
		return false, nil
	}
	if r.users[idx].ConnID != connID {
		return false, notOwner(userID)
	}
	r.removeLocked(idx)
	return true, nil
}

// ApplyDisconnect removes whichever member connID owns, if any, and drops
// its subscription. It returns the removed user id.
func (r *Room) ApplyDisconnect(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, connID)
	for idx, user := range r.users {
		if user.ConnID == connID {
			r.removeLocked(idx)
			return user.ID, true
		}
	}
	return "", false
}

// ApplyCodeChange overwrites the room's code and language. Concurrent edits
// are not merged: the last one applied wins. Every member except the
// originating connection is notified.
func (r *Room) ApplyCodeChange(connID, userID, code, language string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireOwner(connID, userID); err != nil {
		return err
	}
	r.code = code
	if language = strings.TrimSpace(language); language != "" {
		r.language = language
	}
	r.broadcastLocked(EventCodeChange, CodeChangeEvent{
		RoomID:   r.id,
		UserID:   userID,
		Code:     r.code,
		Language: r.language,
	}, connID)
	return nil
}

// ApplyCursor records userID's cursor and notifies everyone but connID.
func (r *Room) ApplyCursor(connID, userID string, position Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireOwner(connID, userID); err != nil {
		return err
	}
	if position.Line < 0 || position.Column < 0 {
		return apperrors.New(apperrors.CodeProtocol, "cursor position must be non-negative")
	}
	r.cursors[userID] = position
	r.broadcastLocked(EventCursorUpdate, CursorUpdateEvent{UserID: userID, Position: position}, connID)
	return nil
}

// AppendChat stamps message with the author's current display fields and
// the server time, appends it, and sends it to every member including the
// sender.
func (r *Room) AppendChat(connID string, message Message) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireOwner(connID, message.UserID); err != nil {
		return Message{}, err
	}
	author := r.users[r.indexOf(message.UserID)]
	if strings.TrimSpace(message.ID) == "" {
		message.ID = r.newID()
	}
	message.UserName = author.Name
	message.UserColor = author.Color
	message.Text = norm.NFC.String(message.Text)
	message.Timestamp = r.clock().UnixMilli()

	r.messages.append(message)
	r.broadcastLocked(EventChatMessage, ChatMessageEvent{RoomID: r.id, Message: message}, "")
	return message, nil
}

// AppendOutput assigns the next output id and completion timestamp to
// result, appends it and sends it to every member. A room that has left the
// registry accepts no more output.
func (r *Room) AppendOutput(result ExecutionResult) (ExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ExecutionResult{}, errRoomClosed
	}
	r.nextOutputID++
	result.ID = r.nextOutputID
	result.Timestamp = r.clock().UTC().Format(time.RFC3339Nano)

	r.outputs.append(result)
	r.broadcastLocked(EventExecutionResult, result, "")
	return result, nil
}

// Snapshot returns a copy of the room's current state.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Messages returns the retained chat history, oldest first.
func (r *Room) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages.list()
}

// Outputs returns the retained execution history, oldest first.
func (r *Room) Outputs() []ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputs.list()
}

// Members returns the number of joined users.
func (r *Room) Members() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// Owner returns the user connID owns in this room.
func (r *Room) Owner(connID string) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userOwnedBy(connID)
}

// closeIfIdle marks the room closed when it has no members and has been
// empty since at least cutoff. A zero cutoff closes any empty room.
func (r *Room) closeIfIdle(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return true
	}
	if len(r.users) > 0 {
		return false
	}
	if !cutoff.IsZero() && r.emptySince.After(cutoff) {
		return false
	}
	r.closed = true
	clear(r.peers)
	return true
}

func (r *Room) removeLocked(idx int) {
	user := r.users[idx]
	r.users = append(r.users[:idx:idx], r.users[idx+1:]...)
	delete(r.cursors, user.ID)
	delete(r.peers, user.ConnID)
	if len(r.users) == 0 {
		r.emptySince = r.clock()
	}
	r.broadcastLocked(EventUserLeft, UserLeftEvent{Room: r.snapshotLocked(), UserID: user.ID}, "")
}

func (r *Room) requireOwner(connID, userID string) error {
	idx := r.indexOf(userID)
	if idx < 0 {
		return apperrors.New(apperrors.CodeNotOwner, fmt.Sprintf("user %q is not a member of room %q", userID, r.id))
	}
	if r.users[idx].ConnID != connID {
		return notOwner(userID)
	}
	return nil
}

func (r *Room) indexOf(userID string) int {
	for idx, user := range r.users {
		if user.ID == userID {
			return idx
		}
	}
	return -1
}

func (r *Room) userOwnedBy(connID string) (User, bool) {
	return lo.Find(r.users, func(user User) bool { return user.ConnID == connID })
}

func (r *Room) broadcastLocked(event string, payload any, except string) {
	for connID, peer := range r.peers {
		if connID == except {
			continue
		}
		_ = peer.Send(event, payload)
	}
}

func (r *Room) snapshotLocked() Snapshot {
	cursors := make(map[string]Position, len(r.cursors))
	for userID, position := range r.cursors {
		cursors[userID] = position
	}
	users := make([]User, len(r.users))
	copy(users, r.users)
	return Snapshot{
		ID:       r.id,
		Name:     r.name,
		Language: r.language,
		Code:     r.code,
		Users:    users,
		Cursors:  cursors,
	}
}

func notOwner(userID string) error {
	return apperrors.New(apperrors.CodeNotOwner, fmt.Sprintf("user %q belongs to another connection", userID))
}
