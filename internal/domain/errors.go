package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrAuthInvalid      = fmt.Errorf("authentication failed")
	ErrNotAuthenticated = fmt.Errorf("connection not authenticated")
	ErrProtocolMismatch = fmt.Errorf("no protocol version overlap")
	ErrMethodNotFound   = fmt.Errorf("rpc method not found")
	ErrInvalidPayload   = fmt.Errorf("rpc payload invalid")
	ErrMalformedFrame   = fmt.Errorf("malformed frame")
	ErrForbidden        = fmt.Errorf("forbidden: insufficient scope")
	ErrRateLimit        = fmt.Errorf("rate limit exceeded")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrConnectionClosed = fmt.Errorf("connection closed")
	ErrConnectFailed    = fmt.Errorf("connection attempts exhausted")
	ErrSessionNotFound  = fmt.Errorf("session not found")
	ErrRunNotFound      = fmt.Errorf("run not found")
	ErrRunDuplicate     = fmt.Errorf("run already started")
	ErrIdentityStore    = fmt.Errorf("identity store unavailable")
	ErrQuotaExceeded    = fmt.Errorf("quota exceeded")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Handshake.Connect")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category carried on wire errors
// and used for monitoring. Every sentinel maps to exactly one code.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeAuthInvalid      ErrorCode = "AUTH_INVALID"
	CodeNotAuthenticated ErrorCode = "NOT_AUTHENTICATED"
	CodeProtocolMismatch ErrorCode = "PROTOCOL_MISMATCH"
	CodeMethodNotFound   ErrorCode = "METHOD_NOT_FOUND"
	CodeInvalidPayload   ErrorCode = "INVALID_PAYLOAD"
	CodeMalformedFrame   ErrorCode = "MALFORMED_FRAME"
	CodeForbidden        ErrorCode = "FORBIDDEN"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeConnectionClosed ErrorCode = "CONNECTION_CLOSED"
	CodeConnectFailed    ErrorCode = "CONNECT_FAILED"
	CodeSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	CodeRunNotFound      ErrorCode = "RUN_NOT_FOUND"
	CodeRunDuplicate     ErrorCode = "RUN_DUPLICATE"
	CodeIdentityStore    ErrorCode = "IDENTITY_STORE"
	CodeQuotaExceeded    ErrorCode = "QUOTA_EXCEEDED"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeInternal         ErrorCode = "INTERNAL"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrAuthInvalid:      CodeAuthInvalid,
	ErrNotAuthenticated: CodeNotAuthenticated,
	ErrProtocolMismatch: CodeProtocolMismatch,
	ErrMethodNotFound:   CodeMethodNotFound,
	ErrInvalidPayload:   CodeInvalidPayload,
	ErrMalformedFrame:   CodeMalformedFrame,
	ErrForbidden:        CodeForbidden,
	ErrRateLimit:        CodeRateLimit,
	ErrTimeout:          CodeTimeout,
	ErrConnectionClosed: CodeConnectionClosed,
	ErrConnectFailed:    CodeConnectFailed,
	ErrSessionNotFound:  CodeSessionNotFound,
	ErrRunNotFound:      CodeRunNotFound,
	ErrRunDuplicate:     CodeRunDuplicate,
	ErrIdentityStore:    CodeIdentityStore,
	ErrQuotaExceeded:    CodeQuotaExceeded,
	ErrConfigLoad:       CodeConfigLoad,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and walks the chain with errors.Is.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
