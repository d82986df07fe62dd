package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/multierr"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
	"github.com/devilmonastery/bioverify/internal/domain/repositories"
)

func newTestReconciler(env *testEnv, cfg ReconcilerConfig, opts ...ReconcilerOption) *Reconciler {
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = RetryPolicy{MaxAttempts: 2}
	}
	return NewReconciler(env.svc, cfg, discardLogger(), opts...)
}

// Scenario: foreground attempts miss the code, a later sweep finds it
func TestForegroundPendingThenSweepVerifies(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.pendingWithHandle(t, member, "foo")
	env.fetcher.script("foo",
		found("no code yet"), found("no code yet"), found("no code yet"),
		found("ok ABCD-54321"))

	result, err := env.svc.CheckNow(ctx, member)
	require.NoError(t, err)
	assert.Equal(t, CheckPending, result.Status)
	assert.Equal(t, ReasonCodeNotFound, result.Reason)
	assert.Equal(t, 3, env.fetcher.callCount("foo"))

	summary, err := newTestReconciler(env, ReconcilerConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Outcomes[sweepVerified])
	assert.NotEmpty(t, summary.RunID)

	assert.Equal(t, 1, env.dispatcher.grantCount())
	assert.Equal(t, []NotificationKind{NotifyVerified}, env.dispatcher.kinds())

	_, err = env.store.GetVerified(ctx, member)
	assert.NoError(t, err)
}

// Scenario: the sweep sees the not-found sentinel
func TestSweepNotFoundDeletesAndNotifies(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.pendingWithHandle(t, member, "ghost")
	env.fetcher.script("ghost", notFound())

	summary, err := newTestReconciler(env, ReconcilerConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Outcomes[sweepNotFound])
	assert.Equal(t, 1, env.fetcher.callCount("ghost"))

	_, err = env.store.GetPending(ctx, member)
	assert.ErrorIs(t, err, repositories.ErrPendingNotFound)
	assert.Zero(t, env.dispatcher.grantCount())

	require.Len(t, env.dispatcher.notes, 1)
	assert.Equal(t, NotifyHandleNotFound, env.dispatcher.notes[0].Notification.Kind)
	assert.Equal(t, "ghost", env.dispatcher.notes[0].Notification.Handle)
}

func TestSweepSkipsRecordsWithoutHandleOrInFlight(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.svc.Initiate(ctx, member)
	require.NoError(t, err)
	env.pendingWithHandle(t, other, "busy")

	release, ok := env.svc.inFlight.TryAcquire(other)
	require.True(t, ok)
	defer release()

	summary, err := newTestReconciler(env, ReconcilerConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Outcomes[sweepSkippedNoHandle])
	assert.Equal(t, 1, summary.Outcomes[sweepSkippedInFlight])
	assert.Equal(t, 0, env.fetcher.callCount("busy"))
}

func TestSweepLeavesUnmatchedPending(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.pendingWithHandle(t, member, "foo")
	env.fetcher.script("foo", emptyBio())

	summary, err := newTestReconciler(env, ReconcilerConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Outcomes[sweepPending])
	assert.Equal(t, 2, env.fetcher.callCount("foo"))

	_, err = env.store.GetPending(ctx, member)
	assert.NoError(t, err)
}

func TestSweepIsolatesPanicsAndConfigurationErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.pendingWithHandle(t, member, "boom")
	env.fetcher.panicOn = "boom"

	unconfigured := entities.Identity{CommunityID: "g9", MemberID: "u9"}
	env.pendingWithHandle(t, unconfigured, "nocfg")

	env.pendingWithHandle(t, other, "good")
	env.fetcher.script("good", found("ABCD-54321"))

	summary, err := newTestReconciler(env, ReconcilerConfig{}).RunOnce(ctx)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.True(t, IsConfigurationError(err))

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Outcomes[sweepFailed])
	assert.Equal(t, 1, summary.Outcomes[sweepVerified])

	assert.False(t, env.svc.inFlight.Active(member), "guard released after panic")

	_, err = env.store.GetVerified(ctx, other)
	assert.NoError(t, err)
	_, err = env.store.GetPending(ctx, member)
	assert.NoError(t, err)
}

func TestSweepExpiresStaleRecords(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.pendingWithHandle(t, member, "foo")

	later := func() time.Time { return time.Now().Add(48 * time.Hour) }
	r := newTestReconciler(env, ReconcilerConfig{StaleAfter: 24 * time.Hour}, WithNow(later))

	summary, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Outcomes[sweepExpired])
	assert.Equal(t, 0, env.fetcher.callCount("foo"))

	_, err = env.store.GetPending(ctx, member)
	assert.ErrorIs(t, err, repositories.ErrPendingNotFound)

	require.Len(t, env.dispatcher.notes, 1)
	assert.Equal(t, NotifyExpired, env.dispatcher.notes[0].Notification.Kind)
	assert.Equal(t, "ABCD-54321", env.dispatcher.notes[0].Notification.Code)
}

func TestSweepListFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	file := &flakyRepo{VerificationRepository: openFileStore(t, "broken"), name: "file"}
	file.set(false, true)
	env.svc.store = NewVerificationStore(nil, file, discardLogger())

	_, err := newTestReconciler(env, ReconcilerConfig{}).RunOnce(ctx)
	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))
}

func TestSweepStopsOnCancelledContext(t *testing.T) {
	env := newTestEnv(t)
	env.pendingWithHandle(t, member, "foo")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := newTestReconciler(env, ReconcilerConfig{}).RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, summary.Outcomes)
	assert.Equal(t, 0, env.fetcher.callCount("foo"))
}

func TestReconcilerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)

	r := newTestReconciler(env, ReconcilerConfig{Interval: time.Hour})
	require.NoError(t, r.Start(context.Background()))
	r.Stop()
}

func TestReconcilerRunsOnSchedule(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	env.pendingWithHandle(t, member, "foo")
	env.fetcher.script("foo", found("ABCD-54321"))

	r := newTestReconciler(env, ReconcilerConfig{Interval: time.Second})
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool {
		return env.dispatcher.grantCount() == 1
	}, 5*time.Second, 50*time.Millisecond)

	r.Stop()
}

// A file mirror that stops accepting writes must not let a deleted pending
// record come back on later sweeps
func TestSweepVerifiesOnceWhenFileMirrorFails(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	env := newTestEnv(t)

	d := newDualStore(t)
	defer d.store.Close()
	env.svc.store = d.store
	env.store = d.store
	require.NoError(t, env.svc.ConfigureCommunity(ctx, "g1", "role-1"))

	env.pendingWithHandle(t, member, "foo")
	d.store.Flush()
	d.file.set(true, false)
	env.fetcher.script("foo", found("ABCD-54321"))

	r := newTestReconciler(env, ReconcilerConfig{})
	for i, want := range []string{sweepVerified, "", ""} {
		summary, err := r.RunOnce(ctx)
		require.NoError(t, err)
		if want == "" {
			assert.Zero(t, summary.Total, "sweep %d", i+1)
			continue
		}
		assert.Equal(t, 1, summary.Outcomes[want], "sweep %d", i+1)
	}

	assert.Equal(t, 1, env.dispatcher.grantCount())
	assert.Equal(t, []NotificationKind{NotifyVerified}, env.dispatcher.kinds())

	_, err := env.store.GetPending(ctx, member)
	assert.ErrorIs(t, err, repositories.ErrPendingNotFound)
}

func TestSweepNotFoundStaysDeletedWhenFileMirrorFails(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	env := newTestEnv(t)

	d := newDualStore(t)
	defer d.store.Close()
	env.svc.store = d.store
	env.store = d.store
	require.NoError(t, env.svc.ConfigureCommunity(ctx, "g1", "role-1"))

	env.pendingWithHandle(t, member, "ghost")
	d.store.Flush()
	d.file.set(true, false)
	env.fetcher.script("ghost", notFound())

	r := newTestReconciler(env, ReconcilerConfig{})
	for i := 0; i < 3; i++ {
		_, err := r.RunOnce(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, env.fetcher.callCount("ghost"))
	assert.Equal(t, []NotificationKind{NotifyHandleNotFound}, env.dispatcher.kinds())
}
