package signaling

import (
	"errors"
	"fmt"

	"github.com/IchuRisco/mitopia-backend/storage"
)

type Code string

const (
	CodeMeetingNotFound    Code = "MEETING_NOT_FOUND"
	CodeAlreadyInRoom      Code = "ALREADY_IN_ROOM"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeInvalidTarget      Code = "INVALID_TARGET"
	CodeNotInRoom          Code = "NOT_IN_ROOM"
	CodeRoomFull           Code = "ROOM_FULL"
	CodeInvalidMessage     Code = "INVALID_MESSAGE"
	CodeRateLimited        Code = "RATE_LIMITED"
)

// Error is a failure reported back to the originating connection.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewError builds an Error for callers outside the router, such as the transport.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// toError maps any handler failure onto the client-facing taxonomy.
func toError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, storage.ErrStoreUnavailable) {
		return newError(CodeServiceUnavailable, "room service temporarily unavailable, try again")
	}
	return newError(CodeServiceUnavailable, "internal error")
}
