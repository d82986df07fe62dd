package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
	"github.com/devilmonastery/bioverify/internal/domain/repositories"
	"github.com/devilmonastery/bioverify/internal/pkg/metrics"
)

const backendName = "postgres"

// pendingRow adds the array column the entity does not map directly
type pendingRow struct {
	entities.PendingVerification
	History pq.StringArray `db:"code_history"`
}

func (r *pendingRow) toEntity() *entities.PendingVerification {
	p := r.PendingVerification
	if len(r.History) > 0 {
		p.CodeHistory = []string(r.History)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p
}

// VerificationRepository implements repositories.VerificationRepository for PostgreSQL
type VerificationRepository struct {
	conn *Connection
	db   *sqlx.DB
}

var _ repositories.VerificationRepository = (*VerificationRepository)(nil)

// NewVerificationRepository creates a repository over an open connection.
// Closing the repository closes the connection.
func NewVerificationRepository(conn *Connection) *VerificationRepository {
	return &VerificationRepository{conn: conn, db: conn.DB}
}

// Name implements repositories.VerificationRepository
func (r *VerificationRepository) Name() string { return backendName }

// Close implements repositories.VerificationRepository
func (r *VerificationRepository) Close() error { return r.conn.Close() }

const pendingColumns = `community_id, member_id, external_handle, current_code, code_history, created_at`

// SavePending creates or overwrites a pending verification
func (r *VerificationRepository) SavePending(ctx context.Context, p *entities.PendingVerification) error {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation(backendName, "save_pending", time.Since(start), -1, err)
	}()

	query := `
		INSERT INTO pending_verifications (` + pendingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (community_id, member_id) DO UPDATE SET
			external_handle = EXCLUDED.external_handle,
			current_code = EXCLUDED.current_code,
			code_history = EXCLUDED.code_history,
			created_at = EXCLUDED.created_at
	`
	history := p.CodeHistory
	if history == nil {
		history = []string{}
	}
	_, err = r.db.ExecContext(ctx, query,
		p.CommunityID,
		p.MemberID,
		p.ExternalHandle,
		p.CurrentCode,
		pq.Array(history),
		p.CreatedAt,
	)
	return err
}

// GetPending retrieves the pending verification for an identity
func (r *VerificationRepository) GetPending(ctx context.Context, id entities.Identity) (*entities.PendingVerification, error) {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation(backendName, "get_pending", time.Since(start), -1, err)
	}()

	query := `SELECT ` + pendingColumns + ` FROM pending_verifications WHERE community_id = $1 AND member_id = $2`

	var row pendingRow
	err = r.db.GetContext(ctx, &row, query, id.CommunityID, id.MemberID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = nil
			return nil, repositories.ErrPendingNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

// DeletePending removes the pending verification for an identity
func (r *VerificationRepository) DeletePending(ctx context.Context, id entities.Identity) error {
	start := time.Now()
	var err error
	var rowsAffected int64
	defer func() {
		metrics.RecordDBOperation(backendName, "delete_pending", time.Since(start), rowsAffected, err)
	}()

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM pending_verifications WHERE community_id = $1 AND member_id = $2`,
		id.CommunityID, id.MemberID)
	if err != nil {
		return err
	}
	rowsAffected, err = result.RowsAffected()
	return err
}

// ListPending retrieves the pending verifications of one community
func (r *VerificationRepository) ListPending(ctx context.Context, communityID string) ([]*entities.PendingVerification, error) {
	return r.listPending(ctx, "list_pending",
		`SELECT `+pendingColumns+` FROM pending_verifications WHERE community_id = $1 ORDER BY created_at`,
		communityID)
}

// ListAllPending retrieves every pending verification
func (r *VerificationRepository) ListAllPending(ctx context.Context) ([]*entities.PendingVerification, error) {
	return r.listPending(ctx, "list_all_pending",
		`SELECT `+pendingColumns+` FROM pending_verifications ORDER BY created_at`)
}

func (r *VerificationRepository) listPending(ctx context.Context, op, query string, args ...interface{}) ([]*entities.PendingVerification, error) {
	start := time.Now()
	var err error
	var rowCount int64
	defer func() {
		metrics.RecordDBOperation(backendName, op, time.Since(start), rowCount, err)
	}()

	var rows []pendingRow
	if err = r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	rowCount = int64(len(rows))

	out := make([]*entities.PendingVerification, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toEntity())
	}
	return out, nil
}

// SaveVerified creates or overwrites a verified record
func (r *VerificationRepository) SaveVerified(ctx context.Context, v *entities.VerifiedRecord) error {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation(backendName, "save_verified", time.Since(start), -1, err)
	}()

	query := `
		INSERT INTO verified_records (community_id, member_id, external_handle, verified_at, method)
		VALUES (:community_id, :member_id, :external_handle, :verified_at, :method)
		ON CONFLICT (community_id, member_id) DO UPDATE SET
			external_handle = EXCLUDED.external_handle,
			verified_at = EXCLUDED.verified_at,
			method = EXCLUDED.method
	`
	_, err = r.db.NamedExecContext(ctx, query, v)
	return err
}

// GetVerified retrieves the verified record for an identity
func (r *VerificationRepository) GetVerified(ctx context.Context, id entities.Identity) (*entities.VerifiedRecord, error) {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation(backendName, "get_verified", time.Since(start), -1, err)
	}()

	query := `
		SELECT community_id, member_id, external_handle, verified_at, method
		FROM verified_records
		WHERE community_id = $1 AND member_id = $2
	`
	var v entities.VerifiedRecord
	err = r.db.GetContext(ctx, &v, query, id.CommunityID, id.MemberID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = nil
			return nil, repositories.ErrVerifiedNotFound
		}
		return nil, err
	}
	v.VerifiedAt = v.VerifiedAt.UTC()
	return &v, nil
}

// DeleteVerified removes the verified record for an identity
func (r *VerificationRepository) DeleteVerified(ctx context.Context, id entities.Identity) error {
	start := time.Now()
	var err error
	var rowsAffected int64
	defer func() {
		metrics.RecordDBOperation(backendName, "delete_verified", time.Since(start), rowsAffected, err)
	}()

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM verified_records WHERE community_id = $1 AND member_id = $2`,
		id.CommunityID, id.MemberID)
	if err != nil {
		return err
	}
	rowsAffected, err = result.RowsAffected()
	return err
}

// ListVerified retrieves the verified records of one community
func (r *VerificationRepository) ListVerified(ctx context.Context, communityID string) ([]*entities.VerifiedRecord, error) {
	start := time.Now()
	var err error
	var rowCount int64
	defer func() {
		metrics.RecordDBOperation(backendName, "list_verified", time.Since(start), rowCount, err)
	}()

	query := `
		SELECT community_id, member_id, external_handle, verified_at, method
		FROM verified_records
		WHERE community_id = $1
		ORDER BY verified_at
	`
	var records []*entities.VerifiedRecord
	if err = r.db.SelectContext(ctx, &records, query, communityID); err != nil {
		return nil, err
	}
	rowCount = int64(len(records))
	for _, v := range records {
		v.VerifiedAt = v.VerifiedAt.UTC()
	}
	return records, nil
}

// SaveCommunityConfig creates or overwrites a community's settings
func (r *VerificationRepository) SaveCommunityConfig(ctx context.Context, cfg *entities.CommunityConfig) error {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation(backendName, "save_community_config", time.Since(start), -1, err)
	}()

	query := `
		INSERT INTO community_configs (community_id, trust_role_id, updated_at)
		VALUES (:community_id, :trust_role_id, :updated_at)
		ON CONFLICT (community_id) DO UPDATE SET
			trust_role_id = EXCLUDED.trust_role_id,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.NamedExecContext(ctx, query, cfg)
	return err
}

// GetCommunityConfig retrieves a community's settings
func (r *VerificationRepository) GetCommunityConfig(ctx context.Context, communityID string) (*entities.CommunityConfig, error) {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation(backendName, "get_community_config", time.Since(start), -1, err)
	}()

	var cfg entities.CommunityConfig
	err = r.db.GetContext(ctx, &cfg,
		`SELECT community_id, trust_role_id, updated_at FROM community_configs WHERE community_id = $1`,
		communityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = nil
			return nil, repositories.ErrCommunityConfigNotFound
		}
		return nil, err
	}
	cfg.UpdatedAt = cfg.UpdatedAt.UTC()
	return &cfg, nil
}
