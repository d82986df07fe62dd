package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
	"github.com/devilmonastery/bioverify/internal/domain/repositories"
	"github.com/devilmonastery/bioverify/internal/infrastructure/filestore"
	"github.com/devilmonastery/bioverify/internal/pkg/urlutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func found(bio string) entities.ProfileFetchResult {
	return entities.ProfileFetchResult{Outcome: entities.ProfileFound, Bio: bio}
}

func notFound() entities.ProfileFetchResult {
	return entities.ProfileFetchResult{Outcome: entities.ProfileNotFound}
}

func emptyBio() entities.ProfileFetchResult {
	return entities.ProfileFetchResult{Outcome: entities.ProfileEmpty}
}

func unavailable() entities.ProfileFetchResult {
	return entities.ProfileFetchResult{Outcome: entities.ProfileUnavailable, Cause: errors.New("timeout")}
}

// fakeFetcher replays scripted results per handle. The last scripted result
// repeats once the script is exhausted.
type fakeFetcher struct {
	mu      sync.Mutex
	scripts map[string][]entities.ProfileFetchResult
	calls   map[string]int
	entered chan struct{}
	block   chan struct{}
	panicOn string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		scripts: make(map[string][]entities.ProfileFetchResult),
		calls:   make(map[string]int),
	}
}

func (f *fakeFetcher) script(handle string, results ...entities.ProfileFetchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[handle] = append(f.scripts[handle], results...)
}

func (f *fakeFetcher) callCount(handle string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[handle]
}

func (f *fakeFetcher) Fetch(ctx context.Context, handle string) (entities.ProfileFetchResult, error) {
	normalized, err := urlutil.NormalizeHandle(handle)
	if err != nil {
		return entities.ProfileFetchResult{}, err
	}
	if normalized == f.panicOn {
		panic("fetcher exploded")
	}

	f.mu.Lock()
	f.calls[normalized]++
	res := unavailable()
	if script := f.scripts[normalized]; len(script) > 0 {
		res = script[0]
		if len(script) > 1 {
			f.scripts[normalized] = script[1:]
		}
	}
	entered, block := f.entered, f.block
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	res.Handle = normalized
	return res, nil
}

type roleCall struct {
	Identity entities.Identity
	RoleID   string
}

type noteCall struct {
	Identity     entities.Identity
	Notification Notification
}

type fakeDispatcher struct {
	mu       sync.Mutex
	grants   []roleCall
	revokes  []roleCall
	notes    []noteCall
	grantErr error
}

func (d *fakeDispatcher) GrantRole(_ context.Context, id entities.Identity, roleID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grants = append(d.grants, roleCall{Identity: id, RoleID: roleID})
	return d.grantErr
}

func (d *fakeDispatcher) RevokeRole(_ context.Context, id entities.Identity, roleID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revokes = append(d.revokes, roleCall{Identity: id, RoleID: roleID})
	return nil
}

func (d *fakeDispatcher) Notify(_ context.Context, id entities.Identity, n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notes = append(d.notes, noteCall{Identity: id, Notification: n})
	return nil
}

func (d *fakeDispatcher) kinds() []NotificationKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]NotificationKind, 0, len(d.notes))
	for _, n := range d.notes {
		out = append(out, n.Notification.Kind)
	}
	return out
}

func (d *fakeDispatcher) grantCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.grants)
}

type fakeNamer struct {
	mu           sync.Mutex
	owner        string
	ownerErr     error
	community    string
	communityErr error
	ownerCalls   int
}

func (n *fakeNamer) OwnerName(context.Context, string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ownerCalls++
	return n.owner, n.ownerErr
}

func (n *fakeNamer) CommunityName(context.Context, string) (string, error) {
	return n.community, n.communityErr
}

// flakyRepo wraps a backend and fails reads or writes on demand
type flakyRepo struct {
	repositories.VerificationRepository
	name       string
	mu         sync.Mutex
	failWrites bool
	failReads  bool
}

var errBackendDown = errors.New("backend unavailable")

func (r *flakyRepo) Name() string { return r.name }

func (r *flakyRepo) set(failWrites, failReads bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWrites, r.failReads = failWrites, failReads
}

func (r *flakyRepo) writeErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites {
		return errBackendDown
	}
	return nil
}

func (r *flakyRepo) readErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failReads {
		return errBackendDown
	}
	return nil
}

func (r *flakyRepo) SavePending(ctx context.Context, p *entities.PendingVerification) error {
	if err := r.writeErr(); err != nil {
		return err
	}
	return r.VerificationRepository.SavePending(ctx, p)
}

func (r *flakyRepo) DeletePending(ctx context.Context, id entities.Identity) error {
	if err := r.writeErr(); err != nil {
		return err
	}
	return r.VerificationRepository.DeletePending(ctx, id)
}

func (r *flakyRepo) SaveVerified(ctx context.Context, v *entities.VerifiedRecord) error {
	if err := r.writeErr(); err != nil {
		return err
	}
	return r.VerificationRepository.SaveVerified(ctx, v)
}

func (r *flakyRepo) DeleteVerified(ctx context.Context, id entities.Identity) error {
	if err := r.writeErr(); err != nil {
		return err
	}
	return r.VerificationRepository.DeleteVerified(ctx, id)
}

func (r *flakyRepo) GetPending(ctx context.Context, id entities.Identity) (*entities.PendingVerification, error) {
	if err := r.readErr(); err != nil {
		return nil, err
	}
	return r.VerificationRepository.GetPending(ctx, id)
}

func (r *flakyRepo) ListAllPending(ctx context.Context) ([]*entities.PendingVerification, error) {
	if err := r.readErr(); err != nil {
		return nil, err
	}
	return r.VerificationRepository.ListAllPending(ctx)
}

func openFileStore(t *testing.T, name string) *filestore.Store {
	t.Helper()
	s, err := filestore.Open(filepath.Join(t.TempDir(), name+".json"), discardLogger())
	require.NoError(t, err)
	return s
}

type testEnv struct {
	svc        *VerificationService
	store      *VerificationStore
	fetcher    *fakeFetcher
	dispatcher *fakeDispatcher
}

var (
	member = entities.Identity{CommunityID: "g1", MemberID: "u1"}
	other  = entities.Identity{CommunityID: "g1", MemberID: "u2"}
)

// newTestEnv builds a service over a file-only store. Codes come out as
// ABCD-54321 and the community g1 grants role-1.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := NewVerificationStore(nil, openFileStore(t, "local"), discardLogger())
	t.Cleanup(func() { _ = store.Close() })

	codes := NewCodeGenerator(&fakeNamer{owner: "abcd"}, discardLogger())
	codes.intN = func(int) int { return 54321 - codeNumberMin }

	env := &testEnv{
		store:      store,
		fetcher:    newFakeFetcher(),
		dispatcher: &fakeDispatcher{},
	}
	env.svc = NewVerificationService(store, env.fetcher, NewMatcher(DefaultSubstitution), codes,
		env.dispatcher, RetryPolicy{MaxAttempts: 3}, discardLogger())
	require.NoError(t, env.svc.ConfigureCommunity(context.Background(), "g1", "role-1"))
	return env
}

// pendingWithHandle issues a code and submits a handle for id
func (e *testEnv) pendingWithHandle(t *testing.T, id entities.Identity, handle string) *entities.PendingVerification {
	t.Helper()
	ctx := context.Background()
	_, err := e.svc.Initiate(ctx, id)
	require.NoError(t, err)
	p, err := e.svc.SubmitHandle(ctx, id, handle)
	require.NoError(t, err)
	return p
}
