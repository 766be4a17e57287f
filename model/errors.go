package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Error codes recorded on failed workflows.
const (
	ErrActivityFailure             = "ACTIVITY_FAILURE"
	ErrActivityMaxFailuresReached  = "ACTIVITY_MAX_FAILURES_REACHED"
	ErrActivityTimeout             = "ACTIVITY_TIMEOUT"
	ErrOperationFailure            = "OPERATION_FAILURE"
	ErrOperationTimeout            = "OPERATION_TIMEOUT"
	ErrNoSignalFound               = "NO_SIGNAL_FOUND"
	ErrNoSignalFoundAndSleep       = "NO_SIGNAL_FOUND_AND_SLEEP"
	ErrSleep                       = "SLEEP"
	ErrSubWorkflowIncomplete       = "SUB_WORKFLOW_INCOMPLETE"
	ErrSubWorkflowFailed           = "SUB_WORKFLOW_FAILED"
	ErrWorkflowStopped             = "WORKFLOW_STOPPED"
	ErrHistoryDiverged             = "HISTORY_DIVERGED"
	ErrLatentHistoryFound          = "LATENT_HISTORY_FOUND"
	ErrWorkflowMissingFromRegistry = "WORKFLOW_MISSING_FROM_REGISTRY"
	ErrSerialize                   = "SERIALIZE"
	ErrDeserialize                 = "DESERIALIZE"
	ErrWorkflowFailure             = "WORKFLOW_FAILURE"
	ErrStorage                     = "STORAGE"
	ErrDuplicateWorkflow           = "DUPLICATE_WORKFLOW"
	ErrDuplicateRegisteredWorkflow = "DUPLICATE_REGISTERED_WORKFLOW"
	ErrWorkflowNotFound            = "WORKFLOW_NOT_FOUND"
	ErrWorkflowPanic               = "WORKFLOW_PANIC"
)

// ErrLeaseLost is wrapped by drivers when a worker finishes a workflow whose
// lease it no longer holds.
var ErrLeaseLost = errors.New("lease not held by worker")

// ErrPublish is wrapped by drivers when a message event was stored but its
// bus broadcast failed.
var ErrPublish = errors.New("message broadcast failed")

// WorkflowError is the engine's error type. Recoverable errors carry the wake
// condition the worker installs when the workflow yields with them.
// It implements the error interface.
type WorkflowError struct {
	Code    string
	Message string
	Cause   error
	Wake    WakeCondition
}

// Error implements the error interface.
func (e *WorkflowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *WorkflowError) Unwrap() error {
	return e.Cause
}

// Is matches another *WorkflowError by code, so errors.Is(err,
// &WorkflowError{Code: ErrSleep}) works.
func (e *WorkflowError) Is(target error) bool {
	t, ok := target.(*WorkflowError)
	return ok && t.Code == e.Code
}

// IsRecoverable reports whether the workflow may resume after this error.
func (e *WorkflowError) IsRecoverable() bool {
	switch e.Code {
	case ErrActivityFailure, ErrActivityTimeout,
		ErrOperationFailure, ErrOperationTimeout,
		ErrNoSignalFound, ErrNoSignalFoundAndSleep,
		ErrSleep, ErrSubWorkflowIncomplete,
		ErrWorkflowStopped, ErrStorage:
		return true
	}
	return false
}

// WakeCondition returns the condition to install for a recoverable error.
func (e *WorkflowError) WakeCondition() WakeCondition {
	return e.Wake
}

// NewActivityFailureError returns a recoverable activity failure retried at
// retryAt.
func NewActivityFailureError(name string, attempt int, cause error, retryAt time.Time) *WorkflowError {
	return &WorkflowError{
		Code:    ErrActivityFailure,
		Message: fmt.Sprintf("activity %s failed (attempt %d)", name, attempt),
		Cause:   cause,
		Wake:    DeadlineWake(retryAt),
	}
}

// NewActivityTimeoutError returns a recoverable activity timeout retried at
// retryAt.
func NewActivityTimeoutError(name string, attempt int, retryAt time.Time) *WorkflowError {
	return &WorkflowError{
		Code:    ErrActivityTimeout,
		Message: fmt.Sprintf("activity %s timed out (attempt %d)", name, attempt),
		Wake:    DeadlineWake(retryAt),
	}
}

// NewActivityMaxFailuresError returns the terminal error for an activity that
// exhausted its retries.
func NewActivityMaxFailuresError(name string, attempts int, last string) *WorkflowError {
	return &WorkflowError{
		Code:    ErrActivityMaxFailuresReached,
		Message: fmt.Sprintf("activity %s failed %d times, last error: %s", name, attempts, last),
	}
}

// NewOperationFailureError returns a recoverable operation failure.
func NewOperationFailureError(name string, cause error, retryAt time.Time) *WorkflowError {
	return &WorkflowError{
		Code:    ErrOperationFailure,
		Message: fmt.Sprintf("operation %s failed", name),
		Cause:   cause,
		Wake:    DeadlineWake(retryAt),
	}
}

// NewOperationTimeoutError returns a recoverable operation timeout.
func NewOperationTimeoutError(name string, retryAt time.Time) *WorkflowError {
	return &WorkflowError{
		Code:    ErrOperationTimeout,
		Message: fmt.Sprintf("operation %s timed out", name),
		Wake:    DeadlineWake(retryAt),
	}
}

// NewNoSignalFoundError reports that none of names is queued.
func NewNoSignalFoundError(names []string) *WorkflowError {
	return &WorkflowError{
		Code:    ErrNoSignalFound,
		Message: "no signal found for " + strings.Join(names, ", "),
		Wake:    SignalWake(names...),
	}
}

// NewNoSignalFoundAndSleepError reports that none of names is queued and the
// listen gives up at deadline.
func NewNoSignalFoundAndSleepError(names []string, deadline time.Time) *WorkflowError {
	w := SignalWake(names...)
	w.Deadline = deadline
	return &WorkflowError{
		Code:    ErrNoSignalFoundAndSleep,
		Message: fmt.Sprintf("no signal found for %s before %s", strings.Join(names, ", "), deadline.UTC().Format(time.RFC3339)),
		Wake:    w,
	}
}

// NewSleepError yields until deadline.
func NewSleepError(deadline time.Time) *WorkflowError {
	return &WorkflowError{
		Code:    ErrSleep,
		Message: "sleeping until " + deadline.UTC().Format(time.RFC3339Nano),
		Wake:    DeadlineWake(deadline),
	}
}

// NewSubWorkflowIncompleteError yields until the sub-workflow finishes.
func NewSubWorkflowIncompleteError(id uuid.UUID) *WorkflowError {
	return &WorkflowError{
		Code:    ErrSubWorkflowIncomplete,
		Message: fmt.Sprintf("sub workflow %s incomplete", id),
		Wake:    SubWorkflowWake(id),
	}
}

// NewSubWorkflowFailedError reports a sub-workflow that died.
func NewSubWorkflowFailedError(id uuid.UUID, cause string) *WorkflowError {
	return &WorkflowError{
		Code:    ErrSubWorkflowFailed,
		Message: fmt.Sprintf("sub workflow %s failed: %s", id, cause),
	}
}

// NewWorkflowStoppedError is raised when the worker shuts down mid-run.
func NewWorkflowStoppedError() *WorkflowError {
	return &WorkflowError{
		Code:    ErrWorkflowStopped,
		Message: "workflow stopped by worker shutdown",
		Wake:    ImmediateWake(),
	}
}

// NewHistoryDivergedError reports replay that disagrees with recorded history.
func NewHistoryDivergedError(loc Location, msg string) *WorkflowError {
	return &WorkflowError{
		Code:    ErrHistoryDiverged,
		Message: fmt.Sprintf("history diverged at %q: %s", loc.String(), msg),
	}
}

// NewLatentHistoryFoundError reports recorded events past the current cursor.
func NewLatentHistoryFoundError(loc Location) *WorkflowError {
	return &WorkflowError{
		Code:    ErrLatentHistoryFound,
		Message: fmt.Sprintf("latent history found after %q", loc.String()),
	}
}

// NewWorkflowMissingFromRegistryError reports an unknown workflow name.
func NewWorkflowMissingFromRegistryError(name string) *WorkflowError {
	return &WorkflowError{
		Code:    ErrWorkflowMissingFromRegistry,
		Message: "workflow " + name + " is not registered",
	}
}

// NewSerializeError wraps a codec encode failure.
func NewSerializeError(what string, cause error) *WorkflowError {
	return &WorkflowError{Code: ErrSerialize, Message: "cannot serialize " + what, Cause: cause}
}

// NewDeserializeError wraps a codec decode failure.
func NewDeserializeError(what string, cause error) *WorkflowError {
	return &WorkflowError{Code: ErrDeserialize, Message: "cannot deserialize " + what, Cause: cause}
}

// NewWorkflowFailureError wraps an error returned by workflow code.
func NewWorkflowFailureError(cause error) *WorkflowError {
	return &WorkflowError{Code: ErrWorkflowFailure, Message: "workflow failed", Cause: cause}
}

// NewStorageError wraps a driver failure. Inside a workflow run it yields
// with an immediate wake.
func NewStorageError(op string, cause error) *WorkflowError {
	return &WorkflowError{
		Code:    ErrStorage,
		Message: op,
		Cause:   cause,
		Wake:    ImmediateWake(),
	}
}

// NewDuplicateWorkflowError is returned when dispatching an id that exists.
func NewDuplicateWorkflowError(id uuid.UUID) *WorkflowError {
	return &WorkflowError{
		Code:    ErrDuplicateWorkflow,
		Message: fmt.Sprintf("workflow %s already exists", id),
	}
}

// NewDuplicateRegisteredWorkflowError is raised at startup for a name
// registered twice.
func NewDuplicateRegisteredWorkflowError(kind, name string) *WorkflowError {
	return &WorkflowError{
		Code:    ErrDuplicateRegisteredWorkflow,
		Message: fmt.Sprintf("%s %s registered twice", kind, name),
	}
}

// NewWorkflowNotFoundError is returned for an unknown workflow id.
func NewWorkflowNotFoundError(id uuid.UUID) *WorkflowError {
	return &WorkflowError{
		Code:    ErrWorkflowNotFound,
		Message: fmt.Sprintf("workflow %s not found", id),
	}
}

// NewWorkflowPanicError records a recovered panic.
func NewWorkflowPanicError(v any) *WorkflowError {
	return &WorkflowError{
		Code:    ErrWorkflowPanic,
		Message: fmt.Sprintf("workflow panicked: %v", v),
	}
}

// AsWorkflowError extracts a *WorkflowError from err's chain.
func AsWorkflowError(err error) (*WorkflowError, bool) {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}

// IsRecoverable reports whether err is a recoverable engine error. Errors
// that are not engine errors are terminal.
func IsRecoverable(err error) bool {
	we, ok := AsWorkflowError(err)
	return ok && we.IsRecoverable()
}

// ErrorCode returns the engine code for err, classifying foreign errors as
// workflow failures.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if we, ok := AsWorkflowError(err); ok {
		return we.Code
	}
	return ErrWorkflowFailure
}

// IsCode reports whether err carries the given engine code.
func IsCode(err error, code string) bool {
	we, ok := AsWorkflowError(err)
	return ok && we.Code == code
}
