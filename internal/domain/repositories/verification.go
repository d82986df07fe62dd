package repositories

import (
	"context"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
)

// PendingRepository handles pending verification persistence
type PendingRepository interface {
	// SavePending creates or overwrites the pending record for an identity
	SavePending(ctx context.Context, pending *entities.PendingVerification) error

	// GetPending retrieves the pending record, or ErrPendingNotFound
	GetPending(ctx context.Context, id entities.Identity) (*entities.PendingVerification, error)

	// DeletePending removes the pending record (no error if absent)
	DeletePending(ctx context.Context, id entities.Identity) error

	// ListPending retrieves all pending records for a community
	ListPending(ctx context.Context, communityID string) ([]*entities.PendingVerification, error)

	// ListAllPending retrieves pending records across every community
	ListAllPending(ctx context.Context) ([]*entities.PendingVerification, error)
}

// VerifiedRepository handles verified record persistence
type VerifiedRepository interface {
	// SaveVerified creates or overwrites the verified record for an identity
	SaveVerified(ctx context.Context, record *entities.VerifiedRecord) error

	// GetVerified retrieves the verified record, or ErrVerifiedNotFound
	GetVerified(ctx context.Context, id entities.Identity) (*entities.VerifiedRecord, error)

	// DeleteVerified removes the verified record (no error if absent)
	DeleteVerified(ctx context.Context, id entities.Identity) error

	// ListVerified retrieves all verified records for a community
	ListVerified(ctx context.Context, communityID string) ([]*entities.VerifiedRecord, error)
}

// CommunityConfigRepository handles per-community settings
type CommunityConfigRepository interface {
	SaveCommunityConfig(ctx context.Context, cfg *entities.CommunityConfig) error
	GetCommunityConfig(ctx context.Context, communityID string) (*entities.CommunityConfig, error)
}

// VerificationRepository is the contract every storage backend implements
type VerificationRepository interface {
	PendingRepository
	VerifiedRepository
	CommunityConfigRepository

	// Name identifies the backend in logs and metrics
	Name() string

	// Close releases backend resources
	Close() error
}
