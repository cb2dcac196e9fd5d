// Package kmeerr defines the small typed error hierarchy the delivery and
// bulk-pool surfaces use to carry an HTTP status code alongside an
// operator-safe message: a handful of true sentinels (declared as consts
// of a string-backed error type so they stay comparable through errors.Is
// and can never be reassigned) plus concrete struct types where a status
// code and a caller-supplied message must travel together.
package kmeerr

import (
	"fmt"
	"net/http"
)

// Sentinel is a const-declarable error backed by a string. Unlike a
// package-level errors.New var it cannot be reassigned, and because the
// type is comparable, errors.Is matches it through wrapped chains.
type Sentinel string

func (e Sentinel) Error() string { return string(e) }

// ErrPoolEmpty marks a pool wait whose deadline expired with no keys
// available. It has no per-call message, so it is declared as a sentinel
// rather than a struct. The shared pool itself reports a timeout by
// returning a short key list, not this error.
const ErrPoolEmpty = Sentinel("timed out waiting for keys")

// ErrKeyNotFound marks a key_ID that is present in neither the reserved
// table nor the pool. The pool's by-ID lookup reports this as found=false
// rather than returning the sentinel.
const ErrKeyNotFound = Sentinel("key not found")

// ErrBucketEmpty marks a (master, slave) bucket that holds no keys. The key
// store reports an empty or missing bucket as a nil slice rather than
// returning the sentinel.
const ErrBucketEmpty = Sentinel("no keys stored for this SAE pair")

// ValidationError reports malformed input or a bound violation; it always
// maps to HTTP 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// StatusCode implements httpStatuser.
func (e *ValidationError) StatusCode() int { return http.StatusBadRequest }

// NewValidation builds a ValidationError with a formatted message.
func NewValidation(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// AuthError reports a missing or invalid client identity; HTTP 401.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string     { return e.Message }
func (e *AuthError) StatusCode() int   { return http.StatusUnauthorized }
func NewAuth(format string, args ...any) *AuthError {
	return &AuthError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown SAE or a key lookup that found nothing.
// The caller chooses the status code (400 for an unknown slave SAE, 404
// for keys), so it is carried explicitly rather than fixed.
type NotFoundError struct {
	Message string
	Status  int
}

func (e *NotFoundError) Error() string   { return e.Message }
func (e *NotFoundError) StatusCode() int { return e.Status }

// NewNotFound builds a NotFoundError with an explicit HTTP status.
func NewNotFound(status int, format string, args ...any) *NotFoundError {
	return &NotFoundError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// TimeoutError reports a pool wait that exceeded its deadline; HTTP 503.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string   { return e.Message }
func (e *TimeoutError) StatusCode() int { return http.StatusServiceUnavailable }

func NewTimeout(format string, args ...any) *TimeoutError {
	return &TimeoutError{Message: fmt.Sprintf(format, args...)}
}

// StorageUnavailableError reports that the bulk-pool's durable store could
// not be reached; HTTP 503.
type StorageUnavailableError struct {
	Message string
}

func (e *StorageUnavailableError) Error() string   { return e.Message }
func (e *StorageUnavailableError) StatusCode() int { return http.StatusServiceUnavailable }

func NewStorageUnavailable(format string, args ...any) *StorageUnavailableError {
	return &StorageUnavailableError{Message: fmt.Sprintf(format, args...)}
}

// httpStatuser is implemented by every error type in this package; the
// httpapi layer type-switches on it (falling back to 500 for anything
// else) instead of hand-checking each concrete type at every call site.
type httpStatuser interface {
	error
	StatusCode() int
}

// StatusCode extracts the HTTP status code for err, defaulting to 500 for
// any error that doesn't opt in via httpStatuser (e.g. ErrPoolEmpty, or an
// unexpected internal error). Callers outside this package never see
// anything but a status code and a safe message.
func StatusCode(err error) int {
	if hs, ok := err.(httpStatuser); ok {
		return hs.StatusCode()
	}
	return http.StatusInternalServerError
}

// SafeMessage returns a message suitable to send to an external caller.
// For typed errors it is the carried message; ErrPoolEmpty and
// ErrKeyNotFound map to their own fixed public-safe strings; anything else
// falls back to a generic phrase so internal details never leak across the
// wire.
func SafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case err == ErrPoolEmpty:
		return "timed out waiting for keys"
	case err == ErrKeyNotFound:
		return "key not found"
	}
	if _, ok := err.(httpStatuser); ok {
		return err.Error()
	}
	return "internal error"
}
