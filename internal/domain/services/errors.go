package services

import (
	"errors"
	"fmt"
)

var (
	// ErrCheckInProgress is returned when a check for the same identity is already running
	ErrCheckInProgress = errors.New("verification check already in progress")

	// ErrNoPendingVerification is returned when an identity has no issued code
	ErrNoPendingVerification = errors.New("no pending verification")

	// ErrHandleNotSubmitted is returned when a check is requested before a handle was submitted
	ErrHandleNotSubmitted = errors.New("external handle not submitted")
)

// ConfigurationError means the community is missing required verification
// settings. State is left untouched when it is returned.
type ConfigurationError struct {
	CommunityID string
	Err         error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("community %s has no trust role configured: %v", e.CommunityID, e.Err)
	}
	return fmt.Sprintf("community %s has no trust role configured", e.CommunityID)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed write or read against a storage backend
type PersistenceError struct {
	Op      string
	Backend string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s on %s backend: %v", e.Op, e.Backend, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RejectionReason explains why a submitted handle was not accepted
type RejectionReason string

const (
	RejectInvalidHandle RejectionReason = "invalid_handle"
	RejectNoCodeIssued  RejectionReason = "no_code_issued"
)

// HandleRejection is returned by SubmitHandle when the handle cannot be recorded
type HandleRejection struct {
	Reason RejectionReason
	Err    error
}

func (e *HandleRejection) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handle rejected (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("handle rejected (%s)", e.Reason)
}

func (e *HandleRejection) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is a ConfigurationError
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// GetCheckFailureReason returns a short reason label for a failed check.
// This is used for logging and metrics in the service layer.
func GetCheckFailureReason(err error) string {
	var rejection *HandleRejection
	switch {
	case errors.Is(err, ErrCheckInProgress):
		return "in_progress"
	case errors.Is(err, ErrNoPendingVerification):
		return "no_pending"
	case errors.Is(err, ErrHandleNotSubmitted):
		return "no_handle"
	case IsConfigurationError(err):
		return "configuration"
	case errors.As(err, &rejection):
		return string(rejection.Reason)
	default:
		return "error"
	}
}
