package codec

// ErrorCode is a stable wire-level error identifier, sent to clients inside
// 0x06 error frames.
type ErrorCode string

const (
	UnknownFrameType ErrorCode = "UNKNOWN_FRAME_TYPE"
	VersionMismatch  ErrorCode = "VERSION_MISMATCH"
	PayloadTooLarge  ErrorCode = "PAYLOAD_TOO_LARGE"
	SessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	SessionLimit     ErrorCode = "SESSION_LIMIT"
	NotAuthorized    ErrorCode = "NOT_AUTHORIZED"
	AuthRequired     ErrorCode = "AUTH_REQUIRED"

	IncompleteHeader  ErrorCode = "INCOMPLETE_HEADER"
	IncompletePayload ErrorCode = "INCOMPLETE_PAYLOAD"
)

// ProtocolError is a decode/encode failure tagged with a stable wire code.
// fatal controls whether the carrying connection should close.
type ProtocolError struct {
	Code   ErrorCode
	Detail string
	Fatal  bool
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Detail
}
