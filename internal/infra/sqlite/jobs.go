package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tutu-network/scribe/internal/domain"
)

// ─── Billable Job Operations ────────────────────────────────────────────────

const jobColumns = `id, account_id, input_ref, status, cost_charged, prompt, result, error,
	attempts, refunded, claimed_at, created_at, updated_at, finished_at`

// InsertJob creates a pending job inside the spend transaction that pays for it.
func (tx *Tx) InsertJob(j *domain.BillableJob) error {
	j.Status = domain.JobPending
	j.CreatedAt = tx.now
	j.UpdatedAt = tx.now
	_, err := tx.exec(`
		INSERT INTO jobs (id, account_id, input_ref, status, cost_charged, prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.AccountID, j.InputRef, string(j.Status), j.CostCharged, j.Prompt,
		toMillis(tx.now), toMillis(tx.now))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// OpenJobForInput returns the pending or completed job for an input, if one
// exists. Failed jobs do not block a new request.
func (tx *Tx) OpenJobForInput(inputRef string) (*domain.BillableJob, error) {
	row := tx.queryRow(`SELECT `+jobColumns+` FROM jobs
		WHERE input_ref = ? AND status IN ('pending','completed')
		ORDER BY created_at DESC LIMIT 1`, inputRef)
	return scanJob(row)
}

// GetJob retrieves a job by id.
func (db *DB) GetJob(ctx context.Context, jobID string) (*domain.BillableJob, error) {
	return scanJob(db.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
}

// GetJob retrieves a job by id inside a transaction.
func (tx *Tx) GetJob(jobID string) (*domain.BillableJob, error) {
	return scanJob(tx.queryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
}

// LatestJobForInput returns the most recent job for an input.
func (db *DB) LatestJobForInput(ctx context.Context, inputRef string) (*domain.BillableJob, error) {
	return scanJob(db.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE input_ref = ? ORDER BY created_at DESC, id DESC LIMIT 1`, inputRef))
}

// FinishJob moves a pending job to a terminal status. The update is
// conditional on status = 'pending'; applied is false when the job was
// already terminal. The statement touches only the job row.
func (db *DB) FinishJob(ctx context.Context, jobID string, status domain.JobStatus, result *string, errInfo string) (applied bool, err error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish job: %q is not a terminal status", status)
	}

	err = db.WithTx(ctx, "finish_job", func(tx *Tx) error {
		res, err := tx.exec(`
			UPDATE jobs
			SET status = ?, result = ?, error = ?, updated_at = ?, finished_at = ?
			WHERE id = ? AND status = 'pending'
		`, string(status), result, errInfo, toMillis(tx.now), toMillis(tx.now), jobID)
		if err != nil {
			return fmt.Errorf("finish job: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 1 {
			applied = true
			return nil
		}
		var exists int
		if err := tx.queryRow(`SELECT COUNT(*) FROM jobs WHERE id = ?`, jobID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return domain.ErrJobNotFound
		}
		return nil
	})
	return applied, err
}

// ClaimJob takes the execution lease on a pending job. A job can be claimed
// when it has never been claimed or its previous lease has expired (the
// worker that held it crashed or timed out). claimed is false when another
// worker holds a live lease or the job is terminal.
func (db *DB) ClaimJob(ctx context.Context, jobID string, lease time.Duration) (job *domain.BillableJob, claimed bool, err error) {
	err = db.WithTx(ctx, "claim_job", func(tx *Tx) error {
		cutoff := toMillis(tx.now.Add(-lease))
		res, err := tx.exec(`
			UPDATE jobs
			SET claimed_at = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND status = 'pending' AND (claimed_at IS NULL OR claimed_at < ?)
		`, toMillis(tx.now), toMillis(tx.now), jobID, cutoff)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		claimed = true
		job, err = tx.GetJob(jobID)
		return err
	})
	return job, claimed, err
}

// ClaimableJobs lists pending jobs whose lease is free or expired, oldest first.
func (db *DB) ClaimableJobs(ctx context.Context, lease time.Duration, limit int) ([]string, error) {
	cutoff := toMillis(db.now().Add(-lease))
	rows, err := db.db.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE status = 'pending' AND (claimed_at IS NULL OR claimed_at < ?)
		ORDER BY created_at ASC
		LIMIT ?
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkJobRefunded flags a job as refunded inside the refund transaction.
func (tx *Tx) MarkJobRefunded(jobID string) error {
	_, err := tx.exec(`UPDATE jobs SET refunded = 1, updated_at = ? WHERE id = ?`, toMillis(tx.now), jobID)
	return err
}

// CountJobsByStatus returns job counts keyed by status.
func (db *DB) CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int64, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.JobStatus]int64)
	for rows.Next() {
		var s string
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[domain.JobStatus(s)] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*domain.BillableJob, error) {
	var j domain.BillableJob
	var status string
	var result sql.NullString
	var refunded int
	var claimed, finished sql.NullInt64
	var created, updated int64

	err := row.Scan(&j.ID, &j.AccountID, &j.InputRef, &status, &j.CostCharged, &j.Prompt,
		&result, &j.Error, &j.Attempts, &refunded, &claimed, &created, &updated, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	j.Status = domain.JobStatus(status)
	if result.Valid {
		r := result.String
		j.Result = &r
	}
	j.Refunded = refunded == 1
	j.ClaimedAt = timePtr(claimed)
	j.FinishedAt = timePtr(finished)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return &j, nil
}
