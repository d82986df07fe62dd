package repositories

import "errors"

// Domain-specific repository errors
var (
	// ErrPendingNotFound is returned when no pending verification exists for an identity
	ErrPendingNotFound = errors.New("pending verification not found")

	// ErrVerifiedNotFound is returned when no verified record exists for an identity
	ErrVerifiedNotFound = errors.New("verified record not found")

	// ErrCommunityConfigNotFound is returned when a community has no verification settings
	ErrCommunityConfigNotFound = errors.New("community config not found")
)

// IsNotFound reports whether err is one of the not-found sentinels
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPendingNotFound) ||
		errors.Is(err, ErrVerifiedNotFound) ||
		errors.Is(err, ErrCommunityConfigNotFound)
}
