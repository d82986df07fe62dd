package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
	"github.com/devilmonastery/bioverify/internal/domain/repositories"
	"github.com/devilmonastery/bioverify/internal/pkg/metrics"
	"github.com/devilmonastery/bioverify/internal/pkg/urlutil"
)

// Check paths, used as log and metric labels
const (
	pathForeground = "foreground"
	pathBackground = "background"
	pathManual     = "manual"
)

// DefaultForegroundPolicy is the retry budget for member-initiated checks
var DefaultForegroundPolicy = RetryPolicy{MaxAttempts: 3, Delay: 3 * time.Second}

// CheckStatus is the outcome of one check run
type CheckStatus string

const (
	CheckVerified      CheckStatus = "verified"
	CheckPending       CheckStatus = "pending"
	CheckNotFound      CheckStatus = "not_found"
	CheckInvalidHandle CheckStatus = "invalid_handle"
)

// PendingReason explains why a check left the record pending
type PendingReason string

const (
	ReasonEmptyBio     PendingReason = "empty_bio"
	ReasonCodeNotFound PendingReason = "code_not_found"
	ReasonUnavailable  PendingReason = "unavailable"
	ReasonSuperseded   PendingReason = "superseded"
)

// CheckResult reports what a check run did. Reason is set only when Status is
// CheckPending.
type CheckResult struct {
	Status      CheckStatus
	Reason      PendingReason
	Handle      string
	MatchedCode string
	Attempts    int
}

// VerificationService drives identities from code issue to a terminal outcome
type VerificationService struct {
	store      repositories.VerificationRepository
	fetcher    ProfileFetcher
	matcher    *Matcher
	codes      *CodeGenerator
	dispatcher Dispatcher
	inFlight   *InFlight
	foreground RetryPolicy
	log        *slog.Logger
	now        func() time.Time
}

// NewVerificationService creates the verification engine
func NewVerificationService(
	store repositories.VerificationRepository,
	fetcher ProfileFetcher,
	matcher *Matcher,
	codes *CodeGenerator,
	dispatcher Dispatcher,
	foreground RetryPolicy,
	log *slog.Logger,
) *VerificationService {
	return &VerificationService{
		store:      store,
		fetcher:    fetcher,
		matcher:    matcher,
		codes:      codes,
		dispatcher: dispatcher,
		inFlight:   NewInFlight(),
		foreground: foreground,
		log:        log.With(slog.String("component", "verification")),
		now:        time.Now,
	}
}

// timestamp is the current time at the precision every backend stores
func (s *VerificationService) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Initiate issues a new code for the identity. An existing pending record
// keeps its handle and moves its current code into the history.
func (s *VerificationService) Initiate(ctx context.Context, id entities.Identity) (*entities.PendingVerification, error) {
	pending, err := s.store.GetPending(ctx, id)
	switch {
	case errors.Is(err, repositories.ErrPendingNotFound):
		pending = &entities.PendingVerification{Identity: id, CreatedAt: s.timestamp()}
	case err != nil:
		return nil, fmt.Errorf("failed to load pending verification: %w", err)
	}

	pending.Reissue(s.codes.Generate(ctx, id.CommunityID))
	if err := s.store.SavePending(ctx, pending); err != nil {
		return nil, fmt.Errorf("failed to save pending verification: %w", err)
	}

	s.log.Info("verification code issued",
		slog.String("community_id", id.CommunityID),
		slog.String("member_id", id.MemberID),
		slog.Int("history_length", len(pending.CodeHistory)))
	return pending.Clone(), nil
}

// SubmitHandle records the external profile handle for an issued code.
// Submitting the same handle again is a no-op.
func (s *VerificationService) SubmitHandle(ctx context.Context, id entities.Identity, handle string) (*entities.PendingVerification, error) {
	normalized, err := urlutil.NormalizeHandle(handle)
	if err != nil {
		return nil, &HandleRejection{Reason: RejectInvalidHandle, Err: err}
	}

	pending, err := s.store.GetPending(ctx, id)
	if errors.Is(err, repositories.ErrPendingNotFound) {
		return nil, &HandleRejection{Reason: RejectNoCodeIssued}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending verification: %w", err)
	}

	if pending.ExternalHandle == normalized {
		return pending, nil
	}

	pending.ExternalHandle = normalized
	if err := s.store.SavePending(ctx, pending); err != nil {
		return nil, fmt.Errorf("failed to save pending verification: %w", err)
	}

	s.log.Info("external handle submitted",
		slog.String("community_id", id.CommunityID),
		slog.String("member_id", id.MemberID),
		slog.String("handle", normalized))
	return pending, nil
}

// CheckNow runs the foreground check for a member
func (s *VerificationService) CheckNow(ctx context.Context, id entities.Identity) (*CheckResult, error) {
	release, ok := s.inFlight.TryAcquire(id)
	if !ok {
		metrics.ChecksInProgressRejected.WithLabelValues(pathForeground).Inc()
		return nil, ErrCheckInProgress
	}
	defer release()

	pending, err := s.store.GetPending(ctx, id)
	if errors.Is(err, repositories.ErrPendingNotFound) {
		return nil, ErrNoPendingVerification
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending verification: %w", err)
	}
	if !pending.HasHandle() {
		return nil, ErrHandleNotSubmitted
	}

	roleID, err := s.trustRole(ctx, id.CommunityID)
	if err != nil {
		return nil, err
	}

	return s.checkIdentity(ctx, pending, roleID, s.foreground, pathForeground)
}

// checkIdentity is the fetch, match, store pipeline shared by the foreground
// and background paths. The caller must hold the in-flight guard for the
// identity.
func (s *VerificationService) checkIdentity(ctx context.Context, pending *entities.PendingVerification, roleID string, policy RetryPolicy, path string) (*CheckResult, error) {
	log := s.log.With(
		slog.String("community_id", pending.CommunityID),
		slog.String("member_id", pending.MemberID),
		slog.String("handle", pending.ExternalHandle),
		slog.String("path", path))

	result := &CheckResult{Status: CheckPending, Handle: pending.ExternalHandle}
	result.Attempts = policy.Run(ctx, func(ctx context.Context, n int) bool {
		fetched, err := s.fetcher.Fetch(ctx, pending.ExternalHandle)
		if err != nil {
			result.Status = CheckInvalidHandle
			return true
		}

		switch fetched.Outcome {
		case entities.ProfileNotFound:
			result.Status = CheckNotFound
			return true
		case entities.ProfileEmpty:
			result.Reason = ReasonEmptyBio
		case entities.ProfileFound:
			code, ok := s.matcher.Match(fetched.Bio, pending.Candidates())
			if ok {
				result.Status = CheckVerified
				result.MatchedCode = code
				return true
			}
			result.Reason = ReasonCodeNotFound
		default:
			result.Reason = ReasonUnavailable
			if fetched.Cause != nil {
				log.Debug("profile unavailable",
					slog.Int("attempt", n),
					slog.String("error", fetched.Cause.Error()))
			}
		}
		return false
	})
	if result.Status != CheckPending {
		result.Reason = ""
	}

	if result.Status == CheckVerified || result.Status == CheckNotFound {
		current, err := s.stillCurrent(ctx, pending)
		if err != nil {
			return nil, err
		}
		if !current {
			log.Info("pending verification changed during check, discarding outcome",
				slog.String("status", string(result.Status)))
			result.Status = CheckPending
			result.Reason = ReasonSuperseded
			result.MatchedCode = ""
		}
	}

	metrics.Checks.WithLabelValues(path, string(result.Status)).Inc()
	log.Info("verification check finished",
		slog.String("status", string(result.Status)),
		slog.String("reason", string(result.Reason)),
		slog.Int("attempts", result.Attempts))

	switch result.Status {
	case CheckVerified:
		if _, err := s.complete(ctx, pending.Identity, pending.ExternalHandle, roleID,
			entities.VerificationMethodBioCode, Notification{Kind: NotifyVerified, Handle: pending.ExternalHandle, Code: result.MatchedCode}, path); err != nil {
			return nil, err
		}
	case CheckNotFound:
		if err := s.store.DeletePending(ctx, pending.Identity); err != nil {
			return nil, fmt.Errorf("failed to delete pending verification: %w", err)
		}
		if path == pathBackground {
			s.notify(ctx, pending.Identity, Notification{Kind: NotifyHandleNotFound, Handle: pending.ExternalHandle})
		}
	}
	return result, nil
}

// stillCurrent reports whether the stored pending record still has the handle
// and codes the check ran against
func (s *VerificationService) stillCurrent(ctx context.Context, checked *entities.PendingVerification) (bool, error) {
	stored, err := s.store.GetPending(ctx, checked.Identity)
	if errors.Is(err, repositories.ErrPendingNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to reload pending verification: %w", err)
	}
	return stored.ExternalHandle == checked.ExternalHandle &&
		slices.Equal(stored.Candidates(), checked.Candidates()), nil
}

// complete writes the verified record, clears the pending one and runs the
// side effects. Dispatch failures are logged and counted, not returned.
func (s *VerificationService) complete(ctx context.Context, id entities.Identity, handle, roleID string, method entities.VerificationMethod, n Notification, path string) (*entities.VerifiedRecord, error) {
	record := &entities.VerifiedRecord{
		Identity:       id,
		ExternalHandle: handle,
		VerifiedAt:     s.timestamp(),
		Method:         method,
	}
	if err := s.store.SaveVerified(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save verified record: %w", err)
	}
	if err := s.store.DeletePending(ctx, id); err != nil {
		// the next sweep re-verifies and overwrites, so this is not fatal
		s.log.Error("failed to delete pending verification after verifying",
			slog.String("community_id", id.CommunityID),
			slog.String("member_id", id.MemberID),
			slog.String("error", err.Error()))
	}

	if err := s.dispatcher.GrantRole(ctx, id, roleID); err != nil {
		metrics.DispatchErrors.WithLabelValues("grant_role").Inc()
		s.log.Error("failed to grant trust role",
			slog.String("community_id", id.CommunityID),
			slog.String("member_id", id.MemberID),
			slog.String("role_id", roleID),
			slog.String("error", err.Error()))
	}
	s.notify(ctx, id, n)

	metrics.Verifications.WithLabelValues(path).Inc()
	s.log.Info("identity verified",
		slog.String("community_id", id.CommunityID),
		slog.String("member_id", id.MemberID),
		slog.String("handle", handle),
		slog.String("method", string(method)))
	return record, nil
}

func (s *VerificationService) notify(ctx context.Context, id entities.Identity, n Notification) {
	if err := s.dispatcher.Notify(ctx, id, n); err != nil {
		metrics.DispatchErrors.WithLabelValues("notify").Inc()
		s.log.Warn("failed to notify member",
			slog.String("community_id", id.CommunityID),
			slog.String("member_id", id.MemberID),
			slog.String("kind", string(n.Kind)),
			slog.String("error", err.Error()))
	}
}

// trustRole returns the community's trust role or a ConfigurationError
func (s *VerificationService) trustRole(ctx context.Context, communityID string) (string, error) {
	cfg, err := s.store.GetCommunityConfig(ctx, communityID)
	if err != nil && !errors.Is(err, repositories.ErrCommunityConfigNotFound) {
		return "", fmt.Errorf("failed to load community config: %w", err)
	}
	if err != nil || cfg.TrustRoleID == "" {
		metrics.ConfigurationErrors.WithLabelValues(communityID).Inc()
		s.log.Error("community has no trust role configured",
			slog.String("community_id", communityID))
		return "", &ConfigurationError{CommunityID: communityID}
	}
	return cfg.TrustRoleID, nil
}

// ManualVerify marks the identity verified without a bio check
func (s *VerificationService) ManualVerify(ctx context.Context, id entities.Identity, handle string) (*entities.VerifiedRecord, error) {
	normalized, err := urlutil.NormalizeHandle(handle)
	if err != nil {
		return nil, &HandleRejection{Reason: RejectInvalidHandle, Err: err}
	}

	release, ok := s.inFlight.TryAcquire(id)
	if !ok {
		metrics.ChecksInProgressRejected.WithLabelValues(pathManual).Inc()
		return nil, ErrCheckInProgress
	}
	defer release()

	roleID, err := s.trustRole(ctx, id.CommunityID)
	if err != nil {
		return nil, err
	}

	return s.complete(ctx, id, normalized, roleID, entities.VerificationMethodManual,
		Notification{Kind: NotifyManualVerified, Handle: normalized}, pathManual)
}

// Unverify clears both records for the identity and revokes the trust role
// when the community has one configured. It waits for a running check on the
// identity to finish first.
func (s *VerificationService) Unverify(ctx context.Context, id entities.Identity) error {
	release, err := s.inFlight.Acquire(ctx, id)
	if err != nil {
		return fmt.Errorf("waiting for running check: %w", err)
	}
	defer release()

	if err := s.clearRecords(ctx, id); err != nil {
		return err
	}

	cfg, err := s.store.GetCommunityConfig(ctx, id.CommunityID)
	switch {
	case err == nil && cfg.TrustRoleID != "":
		if err := s.dispatcher.RevokeRole(ctx, id, cfg.TrustRoleID); err != nil {
			metrics.DispatchErrors.WithLabelValues("revoke_role").Inc()
			s.log.Error("failed to revoke trust role",
				slog.String("community_id", id.CommunityID),
				slog.String("member_id", id.MemberID),
				slog.String("error", err.Error()))
		}
	case err != nil && !errors.Is(err, repositories.ErrCommunityConfigNotFound):
		return fmt.Errorf("failed to load community config: %w", err)
	default:
		s.log.Warn("no trust role configured, skipping role revoke",
			slog.String("community_id", id.CommunityID))
	}

	s.notify(ctx, id, Notification{Kind: NotifyUnverified})
	s.log.Info("identity unverified",
		slog.String("community_id", id.CommunityID),
		slog.String("member_id", id.MemberID))
	return nil
}

// HandleRoleRevoked reacts to the trust role being removed outside the
// engine. It clears the verified record and any stray pending record without
// calling the dispatcher, and reports whether there was anything to clear.
func (s *VerificationService) HandleRoleRevoked(ctx context.Context, id entities.Identity) (bool, error) {
	release, err := s.inFlight.Acquire(ctx, id)
	if err != nil {
		return false, fmt.Errorf("waiting for running check: %w", err)
	}
	defer release()

	if _, err := s.store.GetVerified(ctx, id); err != nil {
		if errors.Is(err, repositories.ErrVerifiedNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load verified record: %w", err)
	}

	if err := s.clearRecords(ctx, id); err != nil {
		return false, err
	}

	s.log.Info("trust role revoked externally, verification cleared",
		slog.String("community_id", id.CommunityID),
		slog.String("member_id", id.MemberID))
	return true, nil
}

func (s *VerificationService) clearRecords(ctx context.Context, id entities.Identity) error {
	if err := s.store.DeleteVerified(ctx, id); err != nil {
		return fmt.Errorf("failed to delete verified record: %w", err)
	}
	if err := s.store.DeletePending(ctx, id); err != nil {
		return fmt.Errorf("failed to delete pending verification: %w", err)
	}
	return nil
}

// ListPending returns the pending records of a community
func (s *VerificationService) ListPending(ctx context.Context, communityID string) ([]*entities.PendingVerification, error) {
	return s.store.ListPending(ctx, communityID)
}

// ListVerified returns the verified records of a community
func (s *VerificationService) ListVerified(ctx context.Context, communityID string) ([]*entities.VerifiedRecord, error) {
	return s.store.ListVerified(ctx, communityID)
}

// ConfigureCommunity sets the trust role granted on verification
func (s *VerificationService) ConfigureCommunity(ctx context.Context, communityID, roleID string) error {
	if communityID == "" || roleID == "" {
		return errors.New("community id and trust role id are required")
	}

	cfg := &entities.CommunityConfig{
		CommunityID: communityID,
		TrustRoleID: roleID,
		UpdatedAt:   s.timestamp(),
	}
	if err := s.store.SaveCommunityConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to save community config: %w", err)
	}

	s.log.Info("community configured",
		slog.String("community_id", communityID),
		slog.String("trust_role_id", roleID))
	return nil
}

// LookupTrustRole returns the community's trust role. ok is false when the
// community is not configured; that is not an error here.
func (s *VerificationService) LookupTrustRole(ctx context.Context, communityID string) (roleID string, ok bool, err error) {
	cfg, err := s.store.GetCommunityConfig(ctx, communityID)
	if errors.Is(err, repositories.ErrCommunityConfigNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return cfg.TrustRoleID, cfg.TrustRoleID != "", nil
}
