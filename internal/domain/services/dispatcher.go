package services

import (
	"context"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
)

// NotificationKind identifies what happened to a member's verification
type NotificationKind string

const (
	NotifyVerified       NotificationKind = "verified"
	NotifyManualVerified NotificationKind = "manual_verified"
	NotifyHandleNotFound NotificationKind = "handle_not_found"
	NotifyExpired        NotificationKind = "expired"
	NotifyUnverified     NotificationKind = "unverified"
)

// Notification is a typed event for the member. The surrounding application
// turns it into user-facing copy.
type Notification struct {
	Kind   NotificationKind
	Handle string
	Code   string
}

// Dispatcher performs the side effects of a verification outcome. It is
// implemented by the chat platform layer.
type Dispatcher interface {
	GrantRole(ctx context.Context, id entities.Identity, roleID string) error
	RevokeRole(ctx context.Context, id entities.Identity, roleID string) error
	Notify(ctx context.Context, id entities.Identity, n Notification) error
}

// ProfileFetcher retrieves and classifies an external profile
type ProfileFetcher interface {
	Fetch(ctx context.Context, handle string) (entities.ProfileFetchResult, error)
}
