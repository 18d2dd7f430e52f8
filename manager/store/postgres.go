package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
//
// Reservation exclusivity is enforced by the partial unique index
// job_records_one_pending (see db/schema.sql): at most one row per
// (resource_type, resource_id) may hold status 'Pending'.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Job record operations ---

func (s *PostgresStore) CreateReservation(ctx context.Context, rt ResourceType, resourceID string) (*JobRecord, error) {
	rec := &JobRecord{
		RecordID:     uuid.NewString(),
		ResourceType: rt,
		ResourceID:   resourceID,
		Status:       JobPending,
		SubmittedAt:  time.Now(),
		Version:      1,
	}
	query := `
		INSERT INTO job_records (record_id, job_id, resource_type, resource_id, status, submitted_at, version)
		VALUES ($1, '', $2, $3, $4, $5, 1)
	`
	_, err := s.pool.Exec(ctx, query, rec.RecordID, rt, resourceID, rec.Status, rec.SubmittedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505 unique_violation: the one-pending-per-resource index fired.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrConflict
		}
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) AttachJob(ctx context.Context, rt ResourceType, resourceID string, jobID string) error {
	query := `
		UPDATE job_records
		SET job_id = $1, version = version + 1
		WHERE resource_type = $2 AND resource_id = $3 AND status = 'Pending' AND job_id = ''
	`
	tag, err := s.pool.Exec(ctx, query, jobID, rt, resourceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ReleaseReservation(ctx context.Context, rt ResourceType, resourceID string) error {
	query := `
		DELETE FROM job_records
		WHERE resource_type = $1 AND resource_id = $2 AND status = 'Pending' AND job_id = ''
	`
	tag, err := s.pool.Exec(ctx, query, rt, resourceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish "no reservation" from "job already attached".
		var attached bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM job_records WHERE resource_type = $1 AND resource_id = $2 AND status = 'Pending')`,
			rt, resourceID).Scan(&attached)
		if err != nil {
			return err
		}
		if attached {
			return ErrConflict
		}
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetJobByJobID(ctx context.Context, jobID string) (*JobRecord, error) {
	query := `
		SELECT record_id, job_id, resource_type, resource_id, status, submitted_at, completed_at, version
		FROM job_records WHERE job_id = $1
	`
	var rec JobRecord
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&rec.RecordID, &rec.JobID, &rec.ResourceType, &rec.ResourceID,
		&rec.Status, &rec.SubmittedAt, &rec.CompletedAt, &rec.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, status JobStatus) (JobStatus, error) {
	return s.completeJob(ctx, s.pool, jobID, status)
}

// execer covers both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) completeJob(ctx context.Context, db execer, jobID string, status JobStatus) (JobStatus, error) {
	query := `
		UPDATE job_records
		SET status = $2, completed_at = NOW(), version = version + 1
		WHERE job_id = $1 AND status = 'Pending'
	`
	tag, err := db.Exec(ctx, query, jobID, status)
	if err != nil {
		return JobUnknown, err
	}
	if tag.RowsAffected() > 0 {
		return status, nil
	}

	// Already terminal, or untracked. First terminal observation wins.
	var recorded JobStatus
	err = db.QueryRow(ctx, `SELECT status FROM job_records WHERE job_id = $1`, jobID).Scan(&recorded)
	if errors.Is(err, pgx.ErrNoRows) {
		return JobUnknown, ErrNotFound
	}
	if err != nil {
		return JobUnknown, err
	}
	if recorded == status {
		return recorded, nil
	}
	return recorded, ErrConflict
}

func (s *PostgresStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*JobRecord, error) {
	query := `
		SELECT record_id, job_id, resource_type, resource_id, status, submitted_at, completed_at, version
		FROM job_records WHERE status = 'Pending' AND submitted_at < $1
	`
	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PostgresStore) ListJobs(ctx context.Context, limit int) ([]*JobRecord, error) {
	query := `
		SELECT record_id, job_id, resource_type, resource_id, status, submitted_at, completed_at, version
		FROM job_records ORDER BY submitted_at DESC LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJobs(rows pgx.Rows) ([]*JobRecord, error) {
	var out []*JobRecord
	for rows.Next() {
		var rec JobRecord
		if err := rows.Scan(
			&rec.RecordID, &rec.JobID, &rec.ResourceType, &rec.ResourceID,
			&rec.Status, &rec.SubmittedAt, &rec.CompletedAt, &rec.Version,
		); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// --- Resource operations ---

const resourceColumns = `resource_type, resource_id, remote_id, name, state, ip_address, last_error, attributes, version, created_at, updated_at`

func (s *PostgresStore) GetResource(ctx context.Context, rt ResourceType, resourceID string) (*Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE resource_type = $1 AND resource_id = $2`
	return s.queryResource(ctx, query, rt, resourceID)
}

func (s *PostgresStore) GetResourceByRemoteID(ctx context.Context, remoteID string) (*Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE remote_id = $1`
	return s.queryResource(ctx, query, remoteID)
}

func (s *PostgresStore) queryResource(ctx context.Context, query string, args ...any) (*Resource, error) {
	var res Resource
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&res.ResourceType, &res.ResourceID, &res.RemoteID, &res.Name, &res.State,
		&res.IPAddress, &res.LastError, &res.Attributes, &res.Version,
		&res.CreatedAt, &res.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *PostgresStore) SaveResource(ctx context.Context, res *Resource) error {
	if res.Version == 0 {
		query := `
			INSERT INTO resources (resource_type, resource_id, remote_id, name, state, ip_address, last_error, attributes, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, NOW(), NOW())
			ON CONFLICT (resource_type, resource_id) DO NOTHING
			RETURNING version
		`
		err := s.pool.QueryRow(ctx, query,
			res.ResourceType, res.ResourceID, res.RemoteID, res.Name, res.State,
			res.IPAddress, res.LastError, res.Attributes,
		).Scan(&res.Version)
		if errors.Is(err, pgx.ErrNoRows) {
			// The row appeared since the caller's read.
			return ErrVersionConflict
		}
		return err
	}

	query := `
		UPDATE resources SET
			remote_id = $3,
			name = $4,
			state = $5,
			ip_address = $6,
			last_error = $7,
			attributes = $8,
			version = version + 1,
			updated_at = NOW()
		WHERE resource_type = $1 AND resource_id = $2 AND version = $9
		RETURNING version
	`
	err := s.pool.QueryRow(ctx, query,
		res.ResourceType, res.ResourceID, res.RemoteID, res.Name, res.State,
		res.IPAddress, res.LastError, res.Attributes, res.Version,
	).Scan(&res.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	return err
}

// ApplyTransition runs the job completion and the resource state change in
// one transaction so an at-least-once redelivery can safely retry the whole
// unit.
func (s *PostgresStore) ApplyTransition(ctx context.Context, t Transition) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if t.JobID != "" {
		// ErrConflict means an earlier terminal status already landed; the
		// caller passed the authoritative status so this is benign.
		if _, err := s.completeJob(ctx, tx, t.JobID, t.JobStatus); err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
	}

	query := `
		UPDATE resources
		SET state = $3,
		    ip_address = CASE WHEN $4 = '' THEN ip_address ELSE $4 END,
		    last_error = $5,
		    attributes = attributes || $6,
		    version = version + 1,
		    updated_at = NOW()
		WHERE resource_type = $1 AND resource_id = $2 AND version = $7
	`
	attrs := t.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	tag, err := tx.Exec(ctx, query,
		t.ResourceType, t.ResourceID, t.NewState, t.IPAddress, t.LastError, attrs, t.ExpectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	return tx.Commit(ctx)
}
