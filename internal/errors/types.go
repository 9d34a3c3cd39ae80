package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Failure taxonomy shared by every component. Callers match with errors.Is;
// the constructors below wrap them in a Transient or Permanent envelope so the
// retry helpers can classify them.
var (
	// ErrResourceExhausted reports that the model registry cannot free enough memory.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrLoadError reports that a model artifact could not be materialized.
	ErrLoadError = errors.New("model load failed")
	// ErrSlotRevoked reports that the scheduler forcibly revoked a slot past its hold limit.
	ErrSlotRevoked = errors.New("slot revoked")
	// ErrQueueTimeout reports that a slot or embedding request waited past its threshold.
	ErrQueueTimeout = errors.New("queue timeout")
	// ErrTaskFailed is terminal: the retry budget was exhausted or the failure was not retryable.
	ErrTaskFailed = errors.New("task failed")
	// ErrEmbeddingMismatch reports a query vector produced by a different embedding version or dimension.
	ErrEmbeddingMismatch = errors.New("embedding version mismatch")
	// ErrCircuitOpen reports that a backend is short-circuited after repeated failures.
	ErrCircuitOpen = errors.New("circuit breaker open")

	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrCancelled       = errors.New("cancelled")
	ErrClosed          = errors.New("closed")
)

// ErrorType represents the classification of errors for retry logic
type ErrorType int

const (
	// ErrorTypeTransient - retry-able errors
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent - non-retry-able errors
	ErrorTypePermanent
	// ErrorTypeDegraded - can continue with reduced functionality
	ErrorTypeDegraded
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// TransientError represents an error that can be retried
type TransientError struct {
	Err        error
	RetryAfter int // Seconds to wait before retry, when the peer said so
	StatusCode int
	Message    string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError represents an error that should not be retried
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// DegradedError represents an error where service can continue with reduced functionality
type DegradedError struct {
	Err             error
	FallbackContent string
	Message         string
}

func (e *DegradedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("degraded error: %v", e.Err)
}

func (e *DegradedError) Unwrap() error {
	return e.Err
}

// HTTPStatusError carries a non-2xx response from a remote backend.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("status %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, body)
}

// IsTransient checks if an error is retry-able
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Terminal taxonomy members win over any transient cause they wrap.
	if isTaxonomyPermanent(err) {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}
	if errors.Is(err, ErrSlotRevoked) || errors.Is(err, ErrQueueTimeout) || errors.Is(err, ErrCircuitOpen) {
		return true
	}

	if isNetworkError(err) || isSyscallError(err) {
		return true
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return isTransientHTTPStatus(statusErr.StatusCode)
	}
	return false
}

// IsPermanent checks if an error is non-retry-able
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	if isTaxonomyPermanent(err) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return true
	}
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return isPermanentHTTPStatus(statusErr.StatusCode)
	}
	return false
}

// IsDegraded checks if an error allows degraded service
func IsDegraded(err error) bool {
	var degradedErr *DegradedError
	return errors.As(err, &degradedErr)
}

// GetErrorType classifies an error
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypePermanent
	}
	if IsDegraded(err) {
		return ErrorTypeDegraded
	}
	if IsTransient(err) {
		return ErrorTypeTransient
	}
	// Unknown errors count as permanent to avoid unbounded retries.
	return ErrorTypePermanent
}

func isTaxonomyPermanent(err error) bool {
	return errors.Is(err, ErrResourceExhausted) ||
		errors.Is(err, ErrLoadError) ||
		errors.Is(err, ErrTaskFailed) ||
		errors.Is(err, ErrEmbeddingMismatch) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrCancelled)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "broken pipe", "i/o timeout"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

func isTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isPermanentHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusMethodNotAllowed,
		http.StatusConflict,
		http.StatusGone,
		http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// NewTransientError creates a new transient error
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanentError creates a new permanent error
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// NewDegradedError creates a new degraded error with fallback content
func NewDegradedError(err error, message, fallback string) *DegradedError {
	return &DegradedError{Err: err, Message: message, FallbackContent: fallback}
}

// ResourceExhausted builds the registry's out-of-memory failure.
func ResourceExhausted(format string, args ...any) error {
	return NewPermanentError(ErrResourceExhausted, fmt.Sprintf("%s: %s", ErrResourceExhausted, fmt.Sprintf(format, args...)))
}

// LoadError builds a model materialization failure.
func LoadError(modelID string, cause error) error {
	return &PermanentError{
		Err:     errors.Join(ErrLoadError, cause),
		Message: fmt.Sprintf("%s: %s: %v", ErrLoadError, modelID, cause),
	}
}

// SlotRevoked builds the retryable failure handed to the holder of a revoked slot.
func SlotRevoked(slotID, agentID string) error {
	return NewTransientError(ErrSlotRevoked, fmt.Sprintf("%s: slot %s held by %s exceeded max hold", ErrSlotRevoked, slotID, agentID))
}

// QueueTimeout builds the retryable failure for a request that waited too long.
func QueueTimeout(what string) error {
	return NewTransientError(ErrQueueTimeout, fmt.Sprintf("%s: %s", ErrQueueTimeout, what))
}

// TaskFailed wraps the last cause of a task that exhausted its retry budget.
func TaskFailed(taskID string, cause error) error {
	return &PermanentError{
		Err:     errors.Join(ErrTaskFailed, cause),
		Message: fmt.Sprintf("%s: %s: %v", ErrTaskFailed, taskID, cause),
	}
}

// Kind returns the taxonomy name of err, or "internal" when it matches none.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTaskFailed):
		return "task_failed"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrLoadError):
		return "load_error"
	case errors.Is(err, ErrSlotRevoked):
		return "slot_revoked"
	case errors.Is(err, ErrQueueTimeout):
		return "queue_timeout"
	case errors.Is(err, ErrEmbeddingMismatch):
		return "embedding_mismatch"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "internal"
	}
}

// CauseKind returns the Kind of the failure a TaskFailed error wraps, or
// Kind(err) for anything else.
func CauseKind(err error) string {
	var perm *PermanentError
	if errors.Is(err, ErrTaskFailed) && errors.As(err, &perm) {
		if joined, ok := perm.Err.(interface{ Unwrap() []error }); ok {
			for _, cause := range joined.Unwrap() {
				if !errors.Is(cause, ErrTaskFailed) {
					return Kind(cause)
				}
			}
		}
	}
	return Kind(err)
}
