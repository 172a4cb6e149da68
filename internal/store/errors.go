package store

import (
	"errors"
	"fmt"

	"github.com/roach88/tandem/internal/model"
)

// RejectionError is a mutation the backend refused. It matches ErrValidation
// or ErrStaleData under errors.Is according to its Code.
type RejectionError struct {
	Code   string
	Reason string
}

// Error implements the error interface.
func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Is maps the rejection code onto the package sentinels.
func (e *RejectionError) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Code == model.FailureValidation
	case ErrStaleData:
		return e.Code == model.FailureStaleData
	default:
		return false
	}
}

// Failure returns the wire rejection body.
func (e *RejectionError) Failure() model.MutationFailure {
	return model.MutationFailure{Code: e.Code, Reason: e.Reason}
}

func invalid(format string, args ...any) error {
	return &RejectionError{Code: model.FailureValidation, Reason: fmt.Sprintf(format, args...)}
}

func stale(format string, args ...any) error {
	return &RejectionError{Code: model.FailureStaleData, Reason: fmt.Sprintf(format, args...)}
}

// Failure extracts the rejection body from an ApplyMutation error. ok is
// false for errors that are not rejections (I/O, cancelled context).
func Failure(err error) (model.MutationFailure, bool) {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Failure(), true
	}
	return model.MutationFailure{}, false
}
