package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.uber.org/multierr"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
	"github.com/devilmonastery/bioverify/internal/domain/repositories"
	"github.com/devilmonastery/bioverify/internal/pkg/metrics"
)

const mirrorQueueSize = 256

type mirrorOp struct {
	name string
	ctx  context.Context
	run  func(ctx context.Context, repo repositories.VerificationRepository) error
	done chan struct{}
}

// VerificationStore applies the write-through policy over an optional durable
// backend and the local file backend.
//
// Writes go to the durable backend when one is configured and it is
// authoritative; the same write is then mirrored to the file on an ordered
// background queue, and mirror failures are only logged. Deletes wait for
// their mirror. A delete whose mirror fails leaves a tombstone for the key so
// reads and lists ignore the stale file copy until a later write replaces it.
// If the durable write fails the file is written synchronously instead.
// Reads try durable first and fall back to the file for keys the durable
// backend does not have.
type VerificationStore struct {
	durable repositories.VerificationRepository // nil when not configured
	file    repositories.VerificationRepository
	log     *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan mirrorOp
	queued  sync.WaitGroup
	stopped chan struct{}

	// keys deleted from durable whose file copy may survive
	tombMu sync.RWMutex
	tombs  map[string]struct{}
}

var _ repositories.VerificationRepository = (*VerificationStore)(nil)

// NewVerificationStore creates the store. durable may be nil.
func NewVerificationStore(durable, file repositories.VerificationRepository, log *slog.Logger) *VerificationStore {
	s := &VerificationStore{
		durable: durable,
		file:    file,
		log:     log.With(slog.String("component", "verification_store")),
		tombs:   make(map[string]struct{}),
	}
	if durable != nil {
		s.queue = make(chan mirrorOp, mirrorQueueSize)
		s.stopped = make(chan struct{})
		go s.runMirror()
	}
	return s
}

// Name implements repositories.VerificationRepository
func (s *VerificationStore) Name() string {
	if s.durable == nil {
		return s.file.Name()
	}
	return s.durable.Name() + "+" + s.file.Name()
}

func (s *VerificationStore) runMirror() {
	defer close(s.stopped)
	for op := range s.queue {
		if err := op.run(op.ctx, s.file); err != nil {
			metrics.StoreMirrorFailures.WithLabelValues(op.name).Inc()
			s.log.Warn("mirror to local file failed",
				slog.String("operation", op.name),
				slog.String("error", err.Error()))
		}
		close(op.done)
		s.queued.Done()
	}
}

// enqueueMirror queues run against the file and returns a channel closed once
// it has executed
func (s *VerificationStore) enqueueMirror(ctx context.Context, name string, run func(context.Context, repositories.VerificationRepository) error) <-chan struct{} {
	done := make(chan struct{})

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		close(done)
		return done
	}
	s.queued.Add(1)
	s.queue <- mirrorOp{name: name, ctx: context.WithoutCancel(ctx), run: run, done: done}
	return done
}

// Tombstone namespaces, one per record kind
const (
	spacePending   = "pending"
	spaceVerified  = "verified"
	spaceCommunity = "community"
)

func tombKey(space, key string) string { return space + "/" + key }

func (s *VerificationStore) setTomb(key string, dead bool) {
	s.tombMu.Lock()
	defer s.tombMu.Unlock()
	if dead {
		s.tombs[key] = struct{}{}
	} else {
		delete(s.tombs, key)
	}
}

func (s *VerificationStore) tombstoned(key string) bool {
	s.tombMu.RLock()
	defer s.tombMu.RUnlock()
	_, ok := s.tombs[key]
	return ok
}

// ErrStoreClosed is reported by Healthy after Close
var ErrStoreClosed = errors.New("verification store is closed")

// Healthy reports ErrStoreClosed once the store has been closed
func (s *VerificationStore) Healthy(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Flush blocks until every queued mirror operation has run
func (s *VerificationStore) Flush() {
	if s.durable != nil {
		s.queued.Wait()
	}
}

// Close drains the mirror queue and closes both backends
func (s *VerificationStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.queue != nil {
		close(s.queue)
	}
	s.mu.Unlock()

	if s.stopped != nil {
		<-s.stopped
	}

	var errs error
	if s.durable != nil {
		errs = multierr.Append(errs, s.durable.Close())
	}
	errs = multierr.Append(errs, s.file.Close())
	return errs
}

// write runs a mutation of key against the authoritative backend, falling
// back to the file when the durable backend fails. Deletes wait for their
// mirror and keep the key tombstoned until the file copy is gone.
func (s *VerificationStore) write(ctx context.Context, op, key string, deleting bool, run func(context.Context, repositories.VerificationRepository) error) error {
	if s.durable == nil {
		if err := run(ctx, s.file); err != nil {
			return &PersistenceError{Op: op, Backend: s.file.Name(), Err: err}
		}
		return nil
	}

	err := run(ctx, s.durable)
	if err == nil {
		if !deleting {
			s.setTomb(key, false)
			s.enqueueMirror(ctx, op, run)
			return nil
		}

		s.setTomb(key, true)
		done := s.enqueueMirror(ctx, op, func(ctx context.Context, repo repositories.VerificationRepository) error {
			if err := run(ctx, repo); err != nil {
				return err
			}
			s.setTomb(key, false)
			return nil
		})
		select {
		case <-done:
		case <-ctx.Done():
		}
		return nil
	}

	durableErr := &PersistenceError{Op: op, Backend: s.durable.Name(), Err: err}
	metrics.StoreFallbacks.WithLabelValues(op, "durable_error").Inc()
	s.log.Error("durable write failed, writing to local file",
		slog.String("operation", op),
		slog.String("error", durableErr.Error()))

	if ferr := run(ctx, s.file); ferr != nil {
		return multierr.Append(durableErr, &PersistenceError{Op: op, Backend: s.file.Name(), Err: ferr})
	}
	if !deleting {
		s.setTomb(key, false)
	}
	return nil
}

// readThrough reads from the durable backend, falling back to the file when the
// key is absent there or the durable read fails. A tombstoned key never falls
// back.
func readThrough[T any](ctx context.Context, s *VerificationStore, op, key string, get func(context.Context, repositories.VerificationRepository) (T, error)) (T, error) {
	if s.durable != nil {
		v, err := get(ctx, s.durable)
		if err == nil {
			return v, nil
		}
		notFound := repositories.IsNotFound(err)
		if s.tombstoned(key) {
			var zero T
			if notFound {
				return zero, err
			}
			return zero, &PersistenceError{Op: op, Backend: s.durable.Name(), Err: err}
		}
		if notFound {
			metrics.StoreFallbacks.WithLabelValues(op, "durable_miss").Inc()
		} else {
			metrics.StoreFallbacks.WithLabelValues(op, "durable_error").Inc()
			s.log.Warn("durable read failed, reading local file",
				slog.String("operation", op),
				slog.String("error", err.Error()))
		}
	}

	v, err := get(ctx, s.file)
	if err != nil && !repositories.IsNotFound(err) {
		var zero T
		return zero, &PersistenceError{Op: op, Backend: s.file.Name(), Err: err}
	}
	return v, err
}

// listThrough merges durable and file listings; the durable copy wins per key
// and tombstoned file copies are dropped
func listThrough[T any](ctx context.Context, s *VerificationStore, op, space string, key func(T) string, list func(context.Context, repositories.VerificationRepository) ([]T, error)) ([]T, error) {
	fileItems, fileErr := list(ctx, s.file)
	if s.durable == nil {
		if fileErr != nil {
			return nil, &PersistenceError{Op: op, Backend: s.file.Name(), Err: fileErr}
		}
		return fileItems, nil
	}

	durableItems, durableErr := list(ctx, s.durable)
	switch {
	case durableErr != nil && fileErr != nil:
		return nil, multierr.Append(
			&PersistenceError{Op: op, Backend: s.durable.Name(), Err: durableErr},
			&PersistenceError{Op: op, Backend: s.file.Name(), Err: fileErr})
	case durableErr != nil:
		metrics.StoreFallbacks.WithLabelValues(op, "durable_error").Inc()
		s.log.Warn("durable list failed, using local file only",
			slog.String("operation", op),
			slog.String("error", durableErr.Error()))
		return live(s, space, key, fileItems), nil
	case fileErr != nil:
		s.log.Warn("local file list failed, using durable backend only",
			slog.String("operation", op),
			slog.String("error", fileErr.Error()))
		return durableItems, nil
	}

	seen := make(map[string]struct{}, len(durableItems))
	merged := make([]T, 0, len(durableItems)+len(fileItems))
	for _, item := range durableItems {
		seen[key(item)] = struct{}{}
		merged = append(merged, item)
	}
	for _, item := range live(s, space, key, fileItems) {
		if _, ok := seen[key(item)]; !ok {
			merged = append(merged, item)
		}
	}
	return merged, nil
}

// live drops file items whose key is tombstoned
func live[T any](s *VerificationStore, space string, key func(T) string, items []T) []T {
	s.tombMu.RLock()
	defer s.tombMu.RUnlock()
	if len(s.tombs) == 0 {
		return items
	}
	out := items[:0:0]
	for _, item := range items {
		if _, dead := s.tombs[tombKey(space, key(item))]; !dead {
			out = append(out, item)
		}
	}
	return out
}

// SavePending implements repositories.PendingRepository
func (s *VerificationStore) SavePending(ctx context.Context, pending *entities.PendingVerification) error {
	stored := pending.Clone()
	return s.write(ctx, "save_pending", tombKey(spacePending, stored.Key()), false, func(ctx context.Context, repo repositories.VerificationRepository) error {
		return repo.SavePending(ctx, stored)
	})
}

// GetPending implements repositories.PendingRepository
func (s *VerificationStore) GetPending(ctx context.Context, id entities.Identity) (*entities.PendingVerification, error) {
	return readThrough(ctx, s, "get_pending", tombKey(spacePending, id.Key()), func(ctx context.Context, repo repositories.VerificationRepository) (*entities.PendingVerification, error) {
		return repo.GetPending(ctx, id)
	})
}

// DeletePending implements repositories.PendingRepository
func (s *VerificationStore) DeletePending(ctx context.Context, id entities.Identity) error {
	return s.write(ctx, "delete_pending", tombKey(spacePending, id.Key()), true, func(ctx context.Context, repo repositories.VerificationRepository) error {
		return repo.DeletePending(ctx, id)
	})
}

// ListPending implements repositories.PendingRepository
func (s *VerificationStore) ListPending(ctx context.Context, communityID string) ([]*entities.PendingVerification, error) {
	return listThrough(ctx, s, "list_pending", spacePending, pendingKey, func(ctx context.Context, repo repositories.VerificationRepository) ([]*entities.PendingVerification, error) {
		return repo.ListPending(ctx, communityID)
	})
}

// ListAllPending implements repositories.PendingRepository
func (s *VerificationStore) ListAllPending(ctx context.Context) ([]*entities.PendingVerification, error) {
	return listThrough(ctx, s, "list_all_pending", spacePending, pendingKey, func(ctx context.Context, repo repositories.VerificationRepository) ([]*entities.PendingVerification, error) {
		return repo.ListAllPending(ctx)
	})
}

// SaveVerified implements repositories.VerifiedRepository
func (s *VerificationStore) SaveVerified(ctx context.Context, record *entities.VerifiedRecord) error {
	stored := *record
	return s.write(ctx, "save_verified", tombKey(spaceVerified, stored.Key()), false, func(ctx context.Context, repo repositories.VerificationRepository) error {
		return repo.SaveVerified(ctx, &stored)
	})
}

// GetVerified implements repositories.VerifiedRepository
func (s *VerificationStore) GetVerified(ctx context.Context, id entities.Identity) (*entities.VerifiedRecord, error) {
	return readThrough(ctx, s, "get_verified", tombKey(spaceVerified, id.Key()), func(ctx context.Context, repo repositories.VerificationRepository) (*entities.VerifiedRecord, error) {
		return repo.GetVerified(ctx, id)
	})
}

// DeleteVerified implements repositories.VerifiedRepository
func (s *VerificationStore) DeleteVerified(ctx context.Context, id entities.Identity) error {
	return s.write(ctx, "delete_verified", tombKey(spaceVerified, id.Key()), true, func(ctx context.Context, repo repositories.VerificationRepository) error {
		return repo.DeleteVerified(ctx, id)
	})
}

// ListVerified implements repositories.VerifiedRepository
func (s *VerificationStore) ListVerified(ctx context.Context, communityID string) ([]*entities.VerifiedRecord, error) {
	return listThrough(ctx, s, "list_verified", spaceVerified, verifiedKey, func(ctx context.Context, repo repositories.VerificationRepository) ([]*entities.VerifiedRecord, error) {
		return repo.ListVerified(ctx, communityID)
	})
}

// SaveCommunityConfig implements repositories.CommunityConfigRepository
func (s *VerificationStore) SaveCommunityConfig(ctx context.Context, cfg *entities.CommunityConfig) error {
	stored := *cfg
	return s.write(ctx, "save_community_config", tombKey(spaceCommunity, stored.CommunityID), false, func(ctx context.Context, repo repositories.VerificationRepository) error {
		return repo.SaveCommunityConfig(ctx, &stored)
	})
}

// GetCommunityConfig implements repositories.CommunityConfigRepository
func (s *VerificationStore) GetCommunityConfig(ctx context.Context, communityID string) (*entities.CommunityConfig, error) {
	return readThrough(ctx, s, "get_community_config", tombKey(spaceCommunity, communityID), func(ctx context.Context, repo repositories.VerificationRepository) (*entities.CommunityConfig, error) {
		return repo.GetCommunityConfig(ctx, communityID)
	})
}

func pendingKey(p *entities.PendingVerification) string { return p.Key() }

func verifiedKey(v *entities.VerifiedRecord) string { return v.Key() }

// IsPersistenceError reports whether err came from a storage backend
func IsPersistenceError(err error) bool {
	var perr *PersistenceError
	return errors.As(err, &perr)
}
