package room

// Server events fanned out by rooms.
const (
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventCodeChange      = "code_change"
	EventCursorUpdate    = "cursor_update"
	EventChatMessage     = "chat_message"
	EventChatHistory     = "chat_history"
	EventOutputState     = "output_state"
	EventExecutionResult = "execution_result"
)

// UserJoinedEvent confirms membership to every member, the joiner included.
type UserJoinedEvent struct {
	Room Snapshot `json:"room"`
	User User     `json:"user"`
}

// UserLeftEvent is sent to the remaining members.
type UserLeftEvent struct {
	Room   Snapshot `json:"room"`
	UserID string   `json:"userId"`
}

// CodeChangeEvent carries the full editor contents; there is no diffing.
type CodeChangeEvent struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Code     string `json:"code"`
	Language string `json:"language"`
}

type CursorUpdateEvent struct {
	UserID   string   `json:"userId"`
	Position Position `json:"position"`
}

type ChatMessageEvent struct {
	RoomID  string  `json:"roomId"`
	Message Message `json:"message"`
}

// ChatHistoryEvent syncs retained chat to a joining connection.
type ChatHistoryEvent struct {
	RoomID   string    `json:"roomId"`
	Messages []Message `json:"messages"`
}

// OutputStateEvent syncs retained execution output to a joining connection.
type OutputStateEvent struct {
	RoomID  string            `json:"roomId"`
	Outputs []ExecutionResult `json:"outputs"`
}
