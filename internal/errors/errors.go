package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrConfigNotFound  = errors.New("configuration file not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrTaskTerminal    = errors.New("task already in a terminal state")
	ErrTaskNotTerminal = errors.New("task not in a terminal state")
	ErrUnknownAction   = errors.New("unknown control action")
	ErrDuplicateTask   = errors.New("duplicate task")
	ErrInvalidTaskSpec = errors.New("invalid task spec")
	ErrInvariant       = errors.New("invariant violation")
)

// Kind tells the retry classifier how a transfer failure was already judged
// by the component that produced it.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// TransferError is a failure raised while opening or reading a transfer
// stream, or while writing its bytes locally.
type TransferError struct {
	Op      string
	Locator string
	Kind    Kind
	Err     error
}

func (e *TransferError) Error() string {
	if e.Locator != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Locator, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a transfer error that is worth retrying.
func Transient(op string, err error) *TransferError {
	return &TransferError{Op: op, Kind: KindTransient, Err: err}
}

// Permanent wraps err as a transfer error that must not be retried.
func Permanent(op string, err error) *TransferError {
	return &TransferError{Op: op, Kind: KindPermanent, Err: err}
}

// StatusError is returned by the transport for a non-success response.
type StatusError struct {
	Code       int
	Status     string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bad status: %s", e.Status)
}

// IntegrityError reports a completed artifact that does not match its
// expected size or digest.
type IntegrityError struct {
	Path   string
	Reason string
	// Redownloaded is set when the artifact came from a forced re-download.
	Redownloaded bool
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: %s", e.Path, e.Reason)
}

// InvariantViolation is a programming error, never retried.
type InvariantViolation struct {
	Op     string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Op, e.Detail)
}

func (e *InvariantViolation) Is(target error) bool {
	return target == ErrInvariant
}

// ControlError is returned to the caller of a control request that references
// an unknown task or one that can no longer change.
type ControlError struct {
	TaskID string
	Action string
	Err    error
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("%s task %s: %v", e.Action, e.TaskID, e.Err)
}

func (e *ControlError) Unwrap() error {
	return e.Err
}

// DuplicateTaskError rejects a submission whose id or destination is already
// owned by another task.
type DuplicateTaskError struct {
	TaskID      string
	Destination string
	Owner       string
}

func (e *DuplicateTaskError) Error() string {
	if e.Destination != "" {
		return fmt.Sprintf("destination %s already owned by task %s", e.Destination, e.Owner)
	}
	return fmt.Sprintf("task %s already exists", e.TaskID)
}

func (e *DuplicateTaskError) Is(target error) bool {
	return target == ErrDuplicateTask
}
