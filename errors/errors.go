// Package errors provides the structured error taxonomy used throughout the
// pipeline engine, mapping each category to the HTTP status the edge server
// reports for it.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Category classifies a failure for HTTP status mapping and monitoring.
type Category string

const (
	// CategoryInput covers malformed requests: bad paths, malformed
	// tokens, unknown step names, missing required arguments.
	CategoryInput Category = "input"
	// CategoryNotFound covers a token that doesn't exist (or was already
	// consumed) in the token store, or whose exp has passed.
	CategoryNotFound Category = "not_found"
	// CategoryExternalService covers failures talking to the object store,
	// Redis, or the key management HSM.
	CategoryExternalService Category = "external_service"
	// CategorySecurity covers a token that fails signature or envelope
	// validation (bad signature, undecryptable envelope, not-yet-valid).
	CategorySecurity Category = "security"
	// CategoryInternal covers anything else: bugs, unexpected step
	// failures, encoding errors.
	CategoryInternal Category = "internal"
)

// PipelineError is the structured error type used throughout the module.
type PipelineError struct {
	Category  Category
	Op        string // operation name, e.g. "decrypt-crypt4gh" or "rangestream.get"
	Err       error
	Retryable bool
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// StatusCode implements spec.md §7's category -> HTTP status mapping.
func (e *PipelineError) StatusCode() int {
	switch e.Category {
	case CategoryInput, CategorySecurity:
		return http.StatusBadRequest
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryExternalService:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates a non-retryable PipelineError.
func New(category Category, op string, err error) *PipelineError {
	return &PipelineError{Category: category, Op: op, Err: err}
}

// Transient creates a retryable PipelineError in CategoryExternalService.
func Transient(op string, err error) *PipelineError {
	return &PipelineError{Category: CategoryExternalService, Op: op, Err: err, Retryable: true}
}

// Wrap wraps an existing error with operation + category context. Returns
// nil if err is nil.
func Wrap(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(category, op, err)
}

// IsRetryable reports whether err represents a transient failure worth
// retrying.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// CategoryOf extracts err's Category, defaulting to CategoryInternal when
// err isn't a *PipelineError.
func CategoryOf(err error) Category {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return CategoryInternal
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, cat Category) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category == cat
	}
	return false
}

// StatusCode extracts the HTTP status for err, defaulting to 500 when err
// isn't a *PipelineError.
func StatusCode(err error) int {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.StatusCode()
	}
	return http.StatusInternalServerError
}

// Sentinel errors for common failure modes.
var (
	ErrEmptyInput       = errors.New("empty input")
	ErrUnknownStep      = errors.New("unknown pipeline step")
	ErrTokenNotFound    = errors.New("token not found")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenNotYetValid = errors.New("token not yet valid")
	ErrBadSignature     = errors.New("bad token signature")
	ErrMalformedPath    = errors.New("malformed request path")
	ErrMultipleOutputs  = errors.New("pipeline produced more than one output without a create-zip step")
	ErrWorkerPoolFull   = errors.New("worker pool queue full")
)
