// Package apperr provides the standardized error taxonomy for the messaging
// core, wire-oriented rather than HTTP-oriented: every AppError maps to an
// outbound MESSAGE_NACK or ERROR frame instead of an HTTP response body, per
// the protocol's error taxonomy.
package apperr

import "fmt"

// Code is a stable, wire-visible error code from the protocol's error
// taxonomy.
type Code string

const (
	CodeAuthRequired           Code = "AUTH_REQUIRED"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeForbidden              Code = "FORBIDDEN"
	CodeValidationError        Code = "VALIDATION_ERROR"
	CodeInvalidPayload         Code = "INVALID_PAYLOAD"
	CodeContentTooLong         Code = "CONTENT_TOO_LONG"
	CodeMessageNotFound        Code = "MESSAGE_NOT_FOUND"
	CodeInvalidTransition      Code = "INVALID_TRANSITION"
	CodeRoomReadNotSupported   Code = "ROOM_READ_NOT_SUPPORTED"
	CodeNotAMember             Code = "NOT_A_MEMBER"
	CodeInvalidLastMessageID   Code = "INVALID_LAST_MESSAGE_ID"
	CodePersistenceError       Code = "PERSISTENCE_ERROR"
	CodeInternalError          Code = "INTERNAL_ERROR"
	CodeRateLimitExceeded      Code = "RATE_LIMIT_EXCEEDED"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeBackpressure           Code = "BACKPRESSURE"
	CodeRecipientBufferFull    Code = "RECIPIENT_BUFFER_FULL"
	CodeVersionMismatch        Code = "VERSION_MISMATCH"
	CodeUnsupportedFormat      Code = "UNSUPPORTED_FORMAT"
	CodeHelloRequired          Code = "HELLO_REQUIRED"
	CodeUnknownType            Code = "UNKNOWN_TYPE"
	CodeRoomNotFound           Code = "ROOM_NOT_FOUND"
	CodeRoomFull               Code = "ROOM_FULL"
	CodeTooManyRooms           Code = "TOO_MANY_ROOMS"
)

// AppError is the internal result-record error type: services return
// {ok, error?, code?} by returning (value, *AppError) instead of raising.
type AppError struct {
	Code    Code
	Message string
	Details string
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an AppError.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches an underlying error's text as Details.
func Wrap(code Code, message string, err error) *AppError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return &AppError{Code: code, Message: message, Details: details}
}

func ValidationError(msg string) *AppError      { return New(CodeValidationError, msg) }
func InvalidPayload(msg string) *AppError       { return New(CodeInvalidPayload, msg) }
func ContentTooLong() *AppError                 { return New(CodeContentTooLong, "message content exceeds the maximum length") }
func MessageNotFound(id string) *AppError       { return New(CodeMessageNotFound, "message "+id+" not found") }
func InvalidTransition(from, to string) *AppError {
	return New(CodeInvalidTransition, fmt.Sprintf("cannot transition from %s to %s", from, to))
}
func RoomReadNotSupported() *AppError {
	return New(CodeRoomReadNotSupported, "room messages do not support the READ state")
}
func NotAMember(roomID string) *AppError { return New(CodeNotAMember, "not a member of room "+roomID) }
func InvalidLastMessageID() *AppError {
	return New(CodeInvalidLastMessageID, "lastMessageId does not exist")
}
func PersistenceError(err error) *AppError {
	return Wrap(CodePersistenceError, "a persistence operation failed", err)
}
func Internal(msg string) *AppError             { return New(CodeInternalError, msg) }
func Forbidden(msg string) *AppError             { return New(CodeForbidden, msg) }
func RateLimited(retryAfterMs int64) *AppError {
	return &AppError{Code: CodeRateLimited, Message: fmt.Sprintf("rate limit exceeded, retry after %dms", retryAfterMs)}
}
func RecipientBufferFull(messageID string) *AppError {
	return New(CodeRecipientBufferFull, "recipient's outbound queue is full, message "+messageID+" not delivered")
}
func RoomNotFound(roomID string) *AppError { return New(CodeRoomNotFound, "room "+roomID+" not found") }
func RoomFull(roomID string) *AppError     { return New(CodeRoomFull, "room "+roomID+" is at capacity") }
func TooManyRooms() *AppError              { return New(CodeTooManyRooms, "room limit reached") }
