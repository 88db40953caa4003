package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	apperrors "github.com/louisbranch/codecollab/internal/platform/errors"
	"github.com/louisbranch/codecollab/internal/services/collab/room"
)

// Client frame types.
const (
	frameCreateRoom   = "create_room"
	frameJoinRoom     = "join_room"
	frameLeaveRoom    = "leave_room"
	frameCodeChange   = "code_change"
	frameCursorUpdate = "cursor_update"
	frameChatMessage  = "chat_message"
	frameExecuteCode  = "execute_code"
)

// Server-only frame types; room events are named in the room package.
const (
	frameRoomCreated = "room_created"
	frameError       = "error"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorPayload struct {
	RequestID string  `json:"request_id,omitempty"`
	Event     string  `json:"event,omitempty"`
	Error     wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type userPayload struct {
	ID    string `json:"id" validate:"required,max=128"`
	Name  string `json:"name" validate:"required,max=64"`
	Color string `json:"color" validate:"max=32"`
}

type positionPayload struct {
	Line   int `json:"line" validate:"min=0"`
	Column int `json:"column" validate:"min=0"`
}

type createRoomPayload struct {
	RoomID   string `json:"roomId" validate:"max=128"`
	Name     string `json:"name" validate:"max=64"`
	Language string `json:"language" validate:"max=32"`
}

type roomCreatedPayload struct {
	RequestID string        `json:"request_id,omitempty"`
	Created   bool          `json:"created"`
	Room      room.Snapshot `json:"room"`
}

type joinRoomPayload struct {
	RoomID string      `json:"roomId" validate:"required,max=128"`
	User   userPayload `json:"user"`
}

type leaveRoomPayload struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
	UserID string `json:"userId" validate:"required,max=128"`
}

type codeChangePayload struct {
	RoomID   string `json:"roomId" validate:"required,max=128"`
	UserID   string `json:"userId" validate:"required,max=128"`
	Code     string `json:"code"`
	Language string `json:"language" validate:"max=32"`
}

type cursorUpdatePayload struct {
	RoomID   string          `json:"roomId" validate:"required,max=128"`
	UserID   string          `json:"userId" validate:"required,max=128"`
	Position positionPayload `json:"position"`
}

type chatMessagePayload struct {
	RoomID  string      `json:"roomId" validate:"required,max=128"`
	Message chatPayload `json:"message"`
}

type chatPayload struct {
	ID     string `json:"id" validate:"max=128"`
	UserID string `json:"userId" validate:"required,max=128"`
	Text   string `json:"text" validate:"required,max=2000"`
}

type executeCodePayload struct {
	RoomID   string `json:"roomId" validate:"required,max=128"`
	Code     string `json:"code"`
	Language string `json:"language" validate:"required,max=32"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodePayload unmarshals and validates a client payload. Every failure is
// a protocol error naming the offending field.
func decodePayload[T any](frame wsFrame) (T, error) {
	var payload T
	if len(frame.Payload) == 0 {
		return payload, apperrors.New(apperrors.CodeProtocol, fmt.Sprintf("%s payload is required", frame.Type))
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return payload, apperrors.Wrap(apperrors.CodeProtocol, fmt.Sprintf("invalid %s payload", frame.Type), err)
	}
	if err := validate.Struct(payload); err != nil {
		return payload, apperrors.Wrap(apperrors.CodeProtocol, describeValidation(err), err)
	}
	return payload, nil
}

func describeValidation(err error) string {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return "invalid payload"
	}
	field := fieldErrors[0]
	name := field.Namespace()
	if _, nested, ok := strings.Cut(name, "."); ok {
		name = nested
	}
	switch field.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", name)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", name, field.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", name, field.Param())
	default:
		return fmt.Sprintf("%s is invalid", name)
	}
}
