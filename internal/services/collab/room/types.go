package room

// DefaultLanguage is the editor language of a room created without one.
const DefaultLanguage = "javascript"

// User is a room member. ConnID records the connection that owns the member
// and never leaves the process.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	ConnID string `json:"-"`
}

// Position is a cursor location in the shared editor.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Message is a chat entry. Author fields are copied at send time so history
// stays readable after the author leaves.
type Message struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserColor string `json:"userColor"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ExecutionResult is one entry of a room's output history.
type ExecutionResult struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	Code      string `json:"code"`
	Language  string `json:"language"`
	Result    string `json:"result"`
	Error     string `json:"error,omitempty"`
	Success   bool   `json:"success"`
}

// Snapshot is a point-in-time copy of a room, safe to hand to other goroutines.
type Snapshot struct {
	ID       string              `json:"id"`
	Name     string              `json:"name"`
	Language string              `json:"language"`
	Code     string              `json:"code"`
	Users    []User              `json:"users"`
	Cursors  map[string]Position `json:"cursors"`
}

// Peer is the outbound half of a connection subscribed to a room.
//
// Send is called while the room lock is held and must not block: adapters
// enqueue and drop when their buffer is full.
type Peer interface {
	ID() string
	Send(event string, payload any) error
}
