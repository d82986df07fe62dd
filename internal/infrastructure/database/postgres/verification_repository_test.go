package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
	"github.com/devilmonastery/bioverify/internal/domain/repositories"
	"github.com/devilmonastery/bioverify/migrations"
)

// openTestRepository connects to the database named by BIOVERIFY_TEST_POSTGRES_DSN
// and skips the test when it is unset
func openTestRepository(t *testing.T) *VerificationRepository {
	t.Helper()
	dsn := os.Getenv("BIOVERIFY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BIOVERIFY_TEST_POSTGRES_DSN not set")
	}

	conn, err := NewConnection(context.Background(), dsn)
	require.NoError(t, err)
	require.NoError(t, conn.RunMigrations(migrations.FS))

	for _, table := range []string{"pending_verifications", "verified_records", "community_configs"} {
		_, err := conn.DB.Exec("DELETE FROM " + table)
		require.NoError(t, err)
	}

	repo := NewVerificationRepository(conn)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestPendingRoundTrip(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()

	want := &entities.PendingVerification{
		Identity:       entities.Identity{CommunityID: "g1", MemberID: "u1"},
		ExternalHandle: "foo.bar",
		CurrentCode:    "ABCD-54321",
		CodeHistory:    []string{"ABCD-11111", "ABCD-22222"},
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC),
	}
	require.NoError(t, repo.SavePending(ctx, want))

	got, err := repo.GetPending(ctx, want.Identity)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	want.CurrentCode = "ABCD-33333"
	want.CodeHistory = nil
	require.NoError(t, repo.SavePending(ctx, want))

	got, err = repo.GetPending(ctx, want.Identity)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	list, err := repo.ListPending(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.DeletePending(ctx, want.Identity))
	_, err = repo.GetPending(ctx, want.Identity)
	assert.ErrorIs(t, err, repositories.ErrPendingNotFound)
	assert.NoError(t, repo.DeletePending(ctx, want.Identity))
}

func TestVerifiedAndCommunityRoundTrip(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()

	record := &entities.VerifiedRecord{
		Identity:       entities.Identity{CommunityID: "g1", MemberID: "u1"},
		ExternalHandle: "foo",
		VerifiedAt:     time.Date(2026, 3, 2, 8, 30, 0, 654321000, time.UTC),
		Method:         entities.VerificationMethodManual,
	}
	require.NoError(t, repo.SaveVerified(ctx, record))

	got, err := repo.GetVerified(ctx, record.Identity)
	require.NoError(t, err)
	assert.Equal(t, record, got)

	list, err := repo.ListVerified(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, record, list[0])

	require.NoError(t, repo.DeleteVerified(ctx, record.Identity))
	_, err = repo.GetVerified(ctx, record.Identity)
	assert.ErrorIs(t, err, repositories.ErrVerifiedNotFound)

	cfg := &entities.CommunityConfig{CommunityID: "g1", TrustRoleID: "r1", UpdatedAt: time.Date(2026, 3, 3, 0, 0, 0, 999999000, time.UTC)}
	require.NoError(t, repo.SaveCommunityConfig(ctx, cfg))
	gotCfg, err := repo.GetCommunityConfig(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, cfg, gotCfg)

	_, err = repo.GetCommunityConfig(ctx, "missing")
	assert.ErrorIs(t, err, repositories.ErrCommunityConfigNotFound)
}
