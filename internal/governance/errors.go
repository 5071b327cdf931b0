package governance

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors.
var (
	ErrValidation = errors.New("validation failed")
)

// Lifecycle errors.
var (
	ErrNotFound              = errors.New("not found")
	ErrReviewTaskNotGoverned = errors.New("review tasks cannot be governed")
	ErrAlreadyCompleted      = errors.New("review already completed")
	ErrBlockedPendingReview  = errors.New("blocked pending review")
)

// Infrastructure errors.
var (
	ErrPersistence          = errors.New("persistence failed")
	ErrEvaluatorUnavailable = errors.New("evaluator unavailable")
	// ErrLockContention is retryable: another writer held the task lock past the retry budget.
	ErrLockContention = errors.New("task lock contention")
)

// ValidationError names the offending field of a rejected request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// BlockedError is returned when an implementation task is asked to run while
// reviews are still outstanding.
type BlockedError struct {
	TaskID    string
	BlockedBy []string
	Guidance  []string
}

func (e *BlockedError) Error() string {
	msg := fmt.Sprintf("task %s blocked pending review (%d outstanding)", e.TaskID, len(e.BlockedBy))
	if len(e.Guidance) > 0 {
		msg += ": " + strings.Join(e.Guidance, "; ")
	}
	return msg
}

// Unwrap lets errors.Is(err, ErrBlockedPendingReview) match.
func (e *BlockedError) Unwrap() error {
	return ErrBlockedPendingReview
}

// IsRetryable reports whether the caller may retry the failed operation as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockContention)
}
