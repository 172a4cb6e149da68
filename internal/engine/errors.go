package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/tandem/internal/model"
)

// ErrorKind categorizes synchronization failures.
type ErrorKind string

const (
	// KindNetwork is a transient transport failure. In-flight operations roll
	// back and the connection enters reconnection backoff.
	KindNetwork ErrorKind = "NETWORK"

	// KindValidation means the backend rejected the patch shape or value.
	// The optimistic edit rolls back and is never retried automatically.
	KindValidation ErrorKind = "VALIDATION"

	// KindConflict is detected by the resolver only. It is never surfaced as a
	// failure; conflicts are resolved and reported to the auditor.
	KindConflict ErrorKind = "CONFLICT"

	// KindStaleData means the backend found baseVersion unrepairable (the
	// entity was deleted upstream, or the client is ahead). The edit rolls
	// back and the containing page is refetched.
	KindStaleData ErrorKind = "STALE_DATA"

	// KindConnectionLost means reconnection gave up while the edit's
	// submission was still buffered.
	KindConnectionLost ErrorKind = "CONNECTION_LOST"
)

var (
	// ErrSuperseded resolves a ticket whose operation was replaced by a newer
	// local edit to the same entity. Its backend response is ignored.
	ErrSuperseded = errors.New("operation superseded by a newer edit")

	// ErrStopped is returned when the engine is no longer running.
	ErrStopped = errors.New("engine stopped")

	// ErrUnknownToken is returned for responses whose correlation token the
	// coordinator has never issued or has already resolved.
	ErrUnknownToken = errors.New("unknown correlation token")
)

// SyncError is one classified failure.
type SyncError struct {
	Kind     ErrorKind
	EntityID string
	Token    string
	Reason   string
	Err      error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := e.Reason
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.EntityID != "" {
		return fmt.Sprintf("%s: %s (entity=%s)", e.Kind, msg, e.EntityID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// MutationFailedError is surfaced to the caller of ApplyLocal when the
// optimistic edit was rolled back.
type MutationFailedError struct {
	Token    string
	EntityID string
	Cause    *SyncError
}

// Error implements the error interface.
func (e *MutationFailedError) Error() string {
	return fmt.Sprintf("mutation %s failed: %s", e.Token, e.Cause)
}

// Unwrap exposes the classified cause to errors.As.
func (e *MutationFailedError) Unwrap() error {
	return e.Cause
}

// Kind returns the failure category.
func (e *MutationFailedError) Kind() ErrorKind {
	if e.Cause == nil {
		return ""
	}
	return e.Cause.Kind
}

// Reason returns the rejection reason reported by the backend.
func (e *MutationFailedError) Reason() string {
	if e.Cause == nil {
		return ""
	}
	return e.Cause.Reason
}

func kindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsNetworkError returns true for transient transport failures.
func IsNetworkError(err error) bool {
	return kindOf(err) == KindNetwork
}

// IsValidationError returns true if the backend rejected the patch.
func IsValidationError(err error) bool {
	return kindOf(err) == KindValidation
}

// IsStaleDataError returns true if the backend reported an unrepairable
// base version.
func IsStaleDataError(err error) bool {
	return kindOf(err) == KindStaleData
}

// IsConnectionLost returns true if the submission never left the outbox.
func IsConnectionLost(err error) bool {
	return kindOf(err) == KindConnectionLost
}

// IsMutationFailed returns true if err reports a rolled back edit.
func IsMutationFailed(err error) bool {
	var mf *MutationFailedError
	return errors.As(err, &mf)
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(entityID, token string, err error) *SyncError {
	return &SyncError{Kind: KindNetwork, EntityID: entityID, Token: token, Reason: errString(err), Err: err}
}

// NewConnectionLostError reports a submission abandoned in the outbox.
func NewConnectionLostError(entityID, token string) *SyncError {
	return &SyncError{Kind: KindConnectionLost, EntityID: entityID, Token: token, Reason: "connection lost before submission"}
}

// FailureError classifies a backend rejection body. Unknown codes are
// treated as validation failures: they are not retried either way.
func FailureError(entityID, token string, f model.MutationFailure) *SyncError {
	kind := KindValidation
	if f.Code == model.FailureStaleData {
		kind = KindStaleData
	}
	return &SyncError{Kind: kind, EntityID: entityID, Token: token, Reason: f.Reason}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
