// Package filestore is a single-file JSON storage backend. It is the local
// fallback when no durable backend is configured and the mirror target when
// one is.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
	"github.com/devilmonastery/bioverify/internal/domain/repositories"
	"github.com/devilmonastery/bioverify/internal/pkg/metrics"
)

const (
	backendName     = "file"
	snapshotVersion = 1
)

type snapshot struct {
	Version     int                                      `json:"version"`
	Pending     map[string]*entities.PendingVerification `json:"pending"`
	Verified    map[string]*entities.VerifiedRecord      `json:"verified"`
	Communities map[string]*entities.CommunityConfig     `json:"communities"`
}

func newSnapshot() *snapshot {
	return &snapshot{
		Version:     snapshotVersion,
		Pending:     make(map[string]*entities.PendingVerification),
		Verified:    make(map[string]*entities.VerifiedRecord),
		Communities: make(map[string]*entities.CommunityConfig),
	}
}

// clone copies the maps; records are immutable once stored so they are shared
func (s *snapshot) clone() *snapshot {
	c := newSnapshot()
	for k, v := range s.Pending {
		c.Pending[k] = v
	}
	for k, v := range s.Verified {
		c.Verified[k] = v
	}
	for k, v := range s.Communities {
		c.Communities[k] = v
	}
	return c
}

// Store keeps every record in memory and rewrites the whole file on each
// mutation (temp file, then rename)
type Store struct {
	path string
	mu   sync.RWMutex
	snap *snapshot
	log  *slog.Logger
}

var _ repositories.VerificationRepository = (*Store)(nil)

// Open loads the file at path, creating an empty store if it does not exist
func Open(path string, log *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("file store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &Store{
		path: path,
		snap: newSnapshot(),
		log:  log.With(slog.String("component", "filestore")),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.log.Info("no existing store file, starting empty", slog.String("path", path))
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}

	if len(strings.TrimSpace(string(data))) > 0 {
		loaded := newSnapshot()
		if err := json.Unmarshal(data, loaded); err != nil {
			return nil, fmt.Errorf("failed to decode store file %s: %w", path, err)
		}
		s.snap = loaded.clone()
	}

	s.log.Info("loaded store file",
		slog.String("path", path),
		slog.Int("pending", len(s.snap.Pending)),
		slog.Int("verified", len(s.snap.Verified)),
		slog.Int("communities", len(s.snap.Communities)))
	return s, nil
}

// Name implements repositories.VerificationRepository
func (s *Store) Name() string { return backendName }

// Close implements repositories.VerificationRepository. Every mutation is
// already on disk, so there is nothing to flush.
func (s *Store) Close() error { return nil }

// update applies fn to a copy of the snapshot and swaps it in once the copy
// is on disk
func (s *Store) update(op string, fn func(next *snapshot)) error {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snap.clone()
	fn(next)

	err := s.persist(next)
	metrics.RecordDBOperation(backendName, op, time.Since(start), -1, err)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", strings.ReplaceAll(op, "_", " "), err)
	}
	s.snap = next
	return nil
}

func (s *Store) persist(next *snapshot) error {
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

// SavePending implements repositories.PendingRepository
func (s *Store) SavePending(_ context.Context, pending *entities.PendingVerification) error {
	stored := pending.Clone()
	return s.update("save_pending", func(next *snapshot) {
		next.Pending[stored.Key()] = stored
	})
}

// GetPending implements repositories.PendingRepository
func (s *Store) GetPending(_ context.Context, id entities.Identity) (*entities.PendingVerification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.snap.Pending[id.Key()]
	if !ok {
		return nil, repositories.ErrPendingNotFound
	}
	return p.Clone(), nil
}

// DeletePending implements repositories.PendingRepository
func (s *Store) DeletePending(_ context.Context, id entities.Identity) error {
	return s.update("delete_pending", func(next *snapshot) {
		delete(next.Pending, id.Key())
	})
}

// ListPending implements repositories.PendingRepository
func (s *Store) ListPending(_ context.Context, communityID string) ([]*entities.PendingVerification, error) {
	return s.listPending(func(p *entities.PendingVerification) bool {
		return p.CommunityID == communityID
	}), nil
}

// ListAllPending implements repositories.PendingRepository
func (s *Store) ListAllPending(_ context.Context) ([]*entities.PendingVerification, error) {
	return s.listPending(func(*entities.PendingVerification) bool { return true }), nil
}

func (s *Store) listPending(keep func(*entities.PendingVerification) bool) []*entities.PendingVerification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entities.PendingVerification, 0, len(s.snap.Pending))
	for _, p := range s.snap.Pending {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SaveVerified implements repositories.VerifiedRepository
func (s *Store) SaveVerified(_ context.Context, record *entities.VerifiedRecord) error {
	stored := *record
	return s.update("save_verified", func(next *snapshot) {
		next.Verified[stored.Key()] = &stored
	})
}

// GetVerified implements repositories.VerifiedRepository
func (s *Store) GetVerified(_ context.Context, id entities.Identity) (*entities.VerifiedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.snap.Verified[id.Key()]
	if !ok {
		return nil, repositories.ErrVerifiedNotFound
	}
	out := *v
	return &out, nil
}

// DeleteVerified implements repositories.VerifiedRepository
func (s *Store) DeleteVerified(_ context.Context, id entities.Identity) error {
	return s.update("delete_verified", func(next *snapshot) {
		delete(next.Verified, id.Key())
	})
}

// ListVerified implements repositories.VerifiedRepository
func (s *Store) ListVerified(_ context.Context, communityID string) ([]*entities.VerifiedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entities.VerifiedRecord, 0)
	for _, v := range s.snap.Verified {
		if v.CommunityID == communityID {
			rec := *v
			out = append(out, &rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VerifiedAt.Before(out[j].VerifiedAt) })
	return out, nil
}

// SaveCommunityConfig implements repositories.CommunityConfigRepository
func (s *Store) SaveCommunityConfig(_ context.Context, cfg *entities.CommunityConfig) error {
	stored := *cfg
	return s.update("save_community_config", func(next *snapshot) {
		next.Communities[stored.CommunityID] = &stored
	})
}

// GetCommunityConfig implements repositories.CommunityConfigRepository
func (s *Store) GetCommunityConfig(_ context.Context, communityID string) (*entities.CommunityConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.snap.Communities[communityID]
	if !ok {
		return nil, repositories.ErrCommunityConfigNotFound
	}
	out := *c
	return &out, nil
}
