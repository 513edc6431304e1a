// Package perr carries SQLSTATE-tagged errors for the PostgreSQL wire
// protocol. A plain Go error loses the severity/code/message triple the
// client needs in an ErrorResponse; PGError keeps them attached end to end.
package perr

import "fmt"

// Common SQLSTATE codes this proxy emits.
const (
	CodeProtocolViolation = "08P01"
	CodeConnectionFailure = "08006"
	CodeInvalidAuth       = "28P01"
	CodeInvalidCatalog    = "3D000"
	CodeTooManyConns      = "53300"
	CodeAdminShutdown     = "57P01"
	CodeInternalError     = "XX000"
)

// Severity levels used in ErrorResponse's 'S' field.
const (
	SeverityFatal = "FATAL"
	SeverityError = "ERROR"
	SeverityPanic = "PANIC"
)

// PGError is a protocol-level error with a severity and SQLSTATE code,
// suitable for direct translation into an ErrorResponse message.
type PGError struct {
	Severity string
	Code     string
	Message  string
	Cause    error
}

func (e *PGError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *PGError) Unwrap() error { return e.Cause }

// New builds a PGError with ERROR severity.
func New(code, message string) *PGError {
	return &PGError{Severity: SeverityError, Code: code, Message: message}
}

// Fatal builds a PGError with FATAL severity — the session must be closed.
func Fatal(code, message string) *PGError {
	return &PGError{Severity: SeverityFatal, Code: code, Message: message}
}

// Wrap attaches a SQLSTATE/severity to an underlying error.
func Wrap(severity, code, message string, cause error) *PGError {
	return &PGError{Severity: severity, Code: code, Message: message, Cause: cause}
}
