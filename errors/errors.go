// Package errors provides custom error types for the collaboration engine
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies the failure so callers can branch without string matching
type Kind string

const (
	KindNotFound   Kind = "DOCUMENT_NOT_FOUND"
	KindPermission Kind = "INSUFFICIENT_PERMISSIONS"
	KindLocked     Kind = "DOCUMENT_LOCKED"
	KindOperation  Kind = "OPERATION_FAILED"
	KindConflict   Kind = "CONFLICT_FAILURE"
	KindSync       Kind = "SYNC_FAILURE"
	KindNetwork    Kind = "NETWORK_FAILURE"
	KindStorage    Kind = "STORAGE_FAILURE"
	KindValidation Kind = "VALIDATION_FAILURE"
	KindInternal   Kind = "INTERNAL_FAILURE"
)

// Operation represents the engine operation during which an error occurred.
// Core operations use the constants below; adapters use dotted free-form
// names such as "sqlite.SaveSnapshot".
type Operation string

const (
	OpCreate    Operation = "create"
	OpOpen      Operation = "open"
	OpApply     Operation = "apply"
	OpIntegrate Operation = "integrate"
	OpResolve   Operation = "conflict_resolve"
	OpLock      Operation = "lock"
	OpUnlock    Operation = "unlock"
	OpComment   Operation = "comment"
	OpCursor    Operation = "cursor"
	OpJoin      Operation = "join"
	OpLeave     Operation = "leave"
	OpExport    Operation = "export"
	OpFlush     Operation = "flush"
	OpAutosave  Operation = "autosave"
	OpBroadcast Operation = "broadcast"
	OpSubscribe Operation = "subscribe"
	OpStore     Operation = "store"
	OpLoad      Operation = "load"
	OpClose     Operation = "close"
)

// Component tags the part of the system that generated the error
// (e.g. "engine", "storage/sqlite"). Used as an argument type for E.
type Component string

// MetaOwner is the metadata key under which KindLocked errors carry the
// lock owner's participant ID.
const MetaOwner = "owner"

// CollabError represents an error that occurred in the collaboration engine
type CollabError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "engine", "storage/sqlite")
	Component Component

	// Kind classifies the failure
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *CollabError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}

	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}

	return msg
}

func (e *CollabError) Unwrap() error {
	return e.Err
}

// retryableKind reports whether errors of the given kind are transient by
// default. Network, storage and sync failures are retried by the scheduler;
// everything else is permanent.
func retryableKind(k Kind) bool {
	switch k {
	case KindNetwork, KindStorage, KindSync:
		return true
	}
	return false
}

// E builds a *CollabError from its arguments. Each argument sets the field
// matching its type: Operation (or the Op helper), Component, Kind, an
// underlying error, a string note (becomes or wraps the underlying error),
// or a metadata map. Later arguments win. Assigning a Kind also sets the
// default retryability for that kind.
func E(args ...interface{}) *CollabError {
	e := &CollabError{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = a
		case Kind:
			e.Kind = a
			e.Retryable = retryableKind(a)
		case *CollabError:
			e.Err = a
		case error:
			e.Err = a
		case string:
			if e.Err != nil {
				e.Err = fmt.Errorf("%s: %w", a, e.Err)
			} else {
				e.Err = errors.New(a)
			}
		case map[string]interface{}:
			e.Metadata = a
		}
	}
	return e
}

// Op converts a plain string into an Operation for use with E.
func Op(op string) Operation {
	return Operation(op)
}

// NotFound creates a KindNotFound error for the given document ID.
func NotFound(op Operation, documentID string) *CollabError {
	return &CollabError{
		Op:   op,
		Kind: KindNotFound,
		Err:  fmt.Errorf("document %q does not exist", documentID),
		Metadata: map[string]interface{}{
			"document_id": documentID,
		},
	}
}

// PermissionDenied creates a KindPermission error naming the participant
// and the capability that was refused.
func PermissionDenied(op Operation, participantID, capability string) *CollabError {
	return &CollabError{
		Op:   op,
		Kind: KindPermission,
		Err:  fmt.Errorf("participant %q lacks %s permission", participantID, capability),
		Metadata: map[string]interface{}{
			"participant_id": participantID,
			"capability":     capability,
		},
	}
}

// Locked creates a KindLocked error carrying the current lock owner.
func Locked(op Operation, ownerID string) *CollabError {
	return &CollabError{
		Op:   op,
		Kind: KindLocked,
		Err:  fmt.Errorf("document is locked by %q", ownerID),
		Metadata: map[string]interface{}{
			MetaOwner: ownerID,
		},
	}
}

// OperationFailed creates a KindOperation error
func OperationFailed(op Operation, cause error) *CollabError {
	return &CollabError{
		Op:   op,
		Kind: KindOperation,
		Err:  cause,
	}
}

// NewStorageError creates a new storage-related CollabError
func NewStorageError(op Operation, cause error) *CollabError {
	return &CollabError{
		Kind:      KindStorage,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: true,
	}
}

// NewConflictError creates a new conflict-related CollabError
func NewConflictError(op Operation, cause error) *CollabError {
	return &CollabError{
		Kind:      KindConflict,
		Op:        op,
		Component: "engine",
		Err:       cause,
		Retryable: false,
	}
}

// NewValidationError creates a new validation-related CollabError
func NewValidationError(op Operation, cause error) *CollabError {
	return &CollabError{
		Kind:      KindValidation,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewNetworkError creates a new network-related CollabError
func NewNetworkError(op Operation, cause error) *CollabError {
	return &CollabError{
		Kind:      KindNetwork,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// New creates a new CollabError
func New(op Operation, err error) *CollabError {
	return &CollabError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new CollabError with component information
func NewWithComponent(op Operation, component string, err error) *CollabError {
	return &CollabError{
		Op:        op,
		Component: Component(component),
		Err:       err,
	}
}

// NewRetryable creates a new retryable CollabError
func NewRetryable(op Operation, err error) *CollabError {
	return &CollabError{
		Op:        op,
		Err:       err,
		Retryable: true,
	}
}

// IsRetryable checks if an error is a retryable CollabError
func IsRetryable(err error) bool {
	var cerr *CollabError
	if errors.As(err, &cerr) {
		return cerr.Retryable
	}
	return false
}

// IsKind reports whether err is a CollabError of the given kind.
func IsKind(err error, kind Kind) bool {
	var cerr *CollabError
	if errors.As(err, &cerr) {
		return cerr.Kind == kind
	}
	return false
}

// IsNotFound reports whether err is a KindNotFound error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsPermission reports whether err is a KindPermission error.
func IsPermission(err error) bool { return IsKind(err, KindPermission) }

// IsLocked reports whether err is a KindLocked error.
func IsLocked(err error) bool { return IsKind(err, KindLocked) }

// LockOwner extracts the lock owner from a KindLocked error. The second
// return is false when err is not a locked error or carries no owner.
func LockOwner(err error) (string, bool) {
	var cerr *CollabError
	if !errors.As(err, &cerr) || cerr.Kind != KindLocked || cerr.Metadata == nil {
		return "", false
	}
	owner, ok := cerr.Metadata[MetaOwner].(string)
	return owner, ok
}
