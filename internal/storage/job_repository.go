package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/syncqueue/internal/errors"
	"github.com/syncqueue/internal/job"
	"github.com/syncqueue/internal/models"
)

const jobColumns = `id, job_type, payload, status, attempts, max_attempts, available_at,
	leased_by, lease_expires_at, last_error, created_at, updated_at`

// JobRepository is the Postgres job.Store. Claims and reclaims lock rows with
// FOR UPDATE SKIP LOCKED so concurrent workers never block on each other.
type JobRepository struct {
	db *PostgresDB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *PostgresDB) *JobRepository {
	return &JobRepository{db: db}
}

var _ job.Store = (*JobRepository)(nil)

// Insert creates a job row
func (r *JobRepository) Insert(ctx context.Context, j *models.Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		j.ID,
		j.JobType,
		j.Payload,
		string(j.Status),
		j.Attempts,
		j.MaxAttempts,
		j.AvailableAt,
		j.LeasedBy,
		j.LeaseExpiresAt,
		j.LastError,
		j.CreatedAt,
		j.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.NewFatalError(fmt.Sprintf("job %s already exists", j.ID), err)
		}
		return apperrors.NewDatabaseError("insert job", err)
	}
	return nil
}

// ClaimNext leases the oldest claimable job in a single statement
func (r *JobRepository) ClaimNext(ctx context.Context, workerID string, now time.Time, lease time.Duration, jobTypes []string) (*models.Job, error) {
	query := `
		WITH next AS (
			SELECT id
			FROM jobs
			WHERE (
				(status = 'pending' AND available_at <= $1)
				OR (status = 'leased' AND lease_expires_at < $1 AND attempts + 1 < max_attempts)
			)
			AND (coalesce(cardinality($4::text[]), 0) = 0 OR job_type = ANY($4::text[]))
			ORDER BY available_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j SET
			attempts = CASE WHEN j.status = 'leased' THEN j.attempts + 1 ELSE j.attempts END,
			last_error = CASE WHEN j.status = 'leased' THEN $5::text ELSE j.last_error END,
			status = 'leased',
			leased_by = $2,
			lease_expires_at = $3,
			updated_at = $1
		FROM next
		WHERE j.id = next.id
		RETURNING j.id, j.job_type, j.payload, j.status, j.attempts, j.max_attempts, j.available_at,
			j.leased_by, j.lease_expires_at, j.last_error, j.created_at, j.updated_at
	`

	if jobTypes == nil {
		jobTypes = []string{}
	}
	row := r.db.Pool().QueryRow(ctx, query, now, workerID, now.Add(lease), jobTypes, job.LeaseExpiredError)
	claimed, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("claim job", err)
	}
	return claimed, nil
}

// UpdateLeased locks the row, verifies the lease holder and writes fn's changes
func (r *JobRepository) UpdateLeased(ctx context.Context, jobID, workerID string, now time.Time, fn func(*models.Job) error) (*models.Job, error) {
	var updated *models.Job
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
		j, err := scanJob(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.NewNotFoundError("leased job", jobID)
			}
			return apperrors.NewDatabaseError("lock job", err)
		}
		if !j.LeaseHeldBy(workerID) {
			return apperrors.NewNotFoundError("leased job", jobID)
		}

		if err := fn(j); err != nil {
			return err
		}
		j.UpdatedAt = now
		if err := writeJob(ctx, tx, j); err != nil {
			return err
		}
		updated = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ReclaimExpired applies fn to up to limit expired leases and saves them in one batch
func (r *JobRepository) ReclaimExpired(ctx context.Context, now time.Time, limit int, fn func(*models.Job)) (int, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'leased' AND lease_expires_at < $1
		ORDER BY lease_expires_at, id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`

	reclaimed := 0
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, now, limit)
		if err != nil {
			return apperrors.NewDatabaseError("select expired leases", err)
		}
		var expired []*models.Job
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return apperrors.NewDatabaseError("scan expired lease", err)
			}
			expired = append(expired, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return apperrors.NewDatabaseError("iterate expired leases", err)
		}
		if len(expired) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, j := range expired {
			fn(j)
			j.UpdatedAt = now
			queueJobUpdate(batch, j)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return apperrors.NewDatabaseError("save reclaimed leases", err)
		}
		reclaimed = len(expired)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reclaimed, nil
}

// Get retrieves a job by ID
func (r *JobRepository) Get(ctx context.Context, jobID string) (*models.Job, error) {
	row := r.db.Pool().QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("job", jobID)
		}
		return nil, apperrors.NewDatabaseError("get job", err)
	}
	return j, nil
}

// List returns jobs matching filter in claim order
func (r *JobRepository) List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE ($1 = '' OR status = $1)
		AND ($2 = '' OR job_type = $2)
		ORDER BY available_at, id
	`
	args := []any{string(filter.Status), filter.JobType}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list jobs", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan job", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate jobs", err)
	}
	return jobs, nil
}

// Stats aggregates queue depth and health
func (r *JobRepository) Stats(ctx context.Context, now time.Time) (*models.QueueStats, error) {
	stats := &models.QueueStats{
		Counts:             make(map[models.JobStatus]int),
		DeadLetteredByType: make(map[string]int),
	}

	rows, err := r.db.Pool().Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("count jobs", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, apperrors.NewDatabaseError("scan job counts", err)
		}
		stats.Counts[models.JobStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate job counts", err)
	}

	err = r.db.Pool().QueryRow(ctx, `
		SELECT
			min(available_at) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'leased' AND lease_expires_at < $1)
		FROM jobs
	`, now).Scan(&stats.OldestPendingAt, &stats.ExpiredLeases)
	if err != nil {
		return nil, apperrors.NewDatabaseError("queue health", err)
	}

	rows, err = r.db.Pool().Query(ctx, `SELECT job_type, count(*) FROM jobs WHERE status = 'dead' GROUP BY job_type`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("count dead jobs", err)
	}
	defer rows.Close()
	for rows.Next() {
		var jobType string
		var n int
		if err := rows.Scan(&jobType, &n); err != nil {
			return nil, apperrors.NewDatabaseError("scan dead jobs", err)
		}
		stats.DeadLetteredByType[jobType] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate dead jobs", err)
	}
	return stats, nil
}

// CountActive counts pending and leased jobs of jobType
func (r *JobRepository) CountActive(ctx context.Context, jobType string) (int, error) {
	var n int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE job_type = $1 AND status IN ('pending', 'leased')`,
		jobType,
	).Scan(&n)
	if err != nil {
		return 0, apperrors.NewDatabaseError("count active jobs", err)
	}
	return n, nil
}

// PurgeFinished deletes completed jobs last updated before cutoff
func (r *JobRepository) PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx,
		`DELETE FROM jobs WHERE status = 'completed' AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, apperrors.NewDatabaseError("purge jobs", err)
	}
	return tag.RowsAffected(), nil
}

const updateJobQuery = `
	UPDATE jobs SET
		status = $2,
		attempts = $3,
		available_at = $4,
		leased_by = $5,
		lease_expires_at = $6,
		last_error = $7,
		updated_at = $8
	WHERE id = $1
`

func writeJob(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	_, err := tx.Exec(ctx, updateJobQuery, jobUpdateArgs(j)...)
	if err != nil {
		return apperrors.NewDatabaseError("update job", err)
	}
	return nil
}

func queueJobUpdate(batch *pgx.Batch, j *models.Job) {
	batch.Queue(updateJobQuery, jobUpdateArgs(j)...)
}

func jobUpdateArgs(j *models.Job) []any {
	return []any{
		j.ID,
		string(j.Status),
		j.Attempts,
		j.AvailableAt,
		j.LeasedBy,
		j.LeaseExpiresAt,
		j.LastError,
		j.UpdatedAt,
	}
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var status string
	var payload []byte
	err := row.Scan(
		&j.ID,
		&j.JobType,
		&payload,
		&status,
		&j.Attempts,
		&j.MaxAttempts,
		&j.AvailableAt,
		&j.LeasedBy,
		&j.LeaseExpiresAt,
		&j.LastError,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	j.Payload = payload
	return &j, nil
}
