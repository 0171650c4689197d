package utils

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures of the sync engine
type ErrorKind string

const (
	KindConnection ErrorKind = "connection" // network / TLS failure
	KindAuth       ErrorKind = "auth"       // server rejected the credentials
	KindProtocol   ErrorKind = "protocol"   // malformed or unexpected server response
	KindDecode     ErrorKind = "decode"     // one message could not be decoded
	KindCache      ErrorKind = "cache"      // local cache read/write failure
	KindNotFound   ErrorKind = "not_found"
	KindInvalid    ErrorKind = "invalid"
	KindInternal   ErrorKind = "internal"
)

// AppError represents a custom application error with context
type AppError struct {
	Kind    ErrorKind              // Failure class
	Code    int                    // HTTP status code
	Message string                 // User-friendly message
	Err     error                  // Underlying error
	Context map[string]interface{} // Additional context
}

// NewAppError creates a new AppError
func NewAppError(kind ErrorKind, code int, message string, err error) *AppError {
	return &AppError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Err:     err,
		Context: make(map[string]interface{}),
	}
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the underlying error to errors.Is / errors.As
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	e.Context[key] = value
	return e
}

// KindOf returns the kind of the first AppError in err's chain,
// KindInternal if there is none.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Common error constructors
func BadRequestError(message string, err error) *AppError {
	return NewAppError(KindInvalid, 400, message, err)
}

func UnauthorizedError(message string, err error) *AppError {
	return NewAppError(KindAuth, 401, message, err)
}

func ForbiddenError(message string, err error) *AppError {
	return NewAppError(KindAuth, 403, message, err)
}

func NotFoundError(message string, err error) *AppError {
	return NewAppError(KindNotFound, 404, message, err)
}

func InternalServerError(message string, err error) *AppError {
	return NewAppError(KindInternal, 500, message, err)
}

// Sync engine error constructors

func ConnectionError(message string, err error) *AppError {
	return NewAppError(KindConnection, 502, message, err)
}

// AuthError is an IMAP login rejection; it is reported as 401 so the UI
// can prompt for new credentials.
func AuthError(message string, err error) *AppError {
	return NewAppError(KindAuth, 401, message, err)
}

func ProtocolError(message string, err error) *AppError {
	return NewAppError(KindProtocol, 502, message, err)
}

func DecodeError(message string, err error) *AppError {
	return NewAppError(KindDecode, 500, message, err)
}

func CacheError(message string, err error) *AppError {
	return NewAppError(KindCache, 500, message, err)
}
