package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"jobd/internal/apperrors"
	"jobd/internal/job"
)

const jobColumns = `username, job_id, command, status, pid, configfile, logfile,
	import_prefix, export_prefix, input_dir, output_dir`

func scanJob(row interface{ Scan(...any) error }) (job.Job, error) {
	var j job.Job
	err := row.Scan(
		&j.Username,
		&j.JobID,
		&j.Command,
		&j.Status,
		&j.PID,
		&j.ConfigFile,
		&j.LogFile,
		&j.ImportPrefix,
		&j.ExportPrefix,
		&j.InputDir,
		&j.OutputDir,
	)
	return j, err
}

// CreateJob inserts a job row, idempotently: when the (username, job_id) key
// already exists the stored row is returned unchanged and the version counter
// does not move.
func (s *Store) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	if !job.ValidUsername(j.Username) {
		return job.Job{}, apperrors.Validation("username", fmt.Sprintf("invalid username %q", j.Username))
	}
	if !job.ValidJobID(j.JobID) {
		return job.Job{}, apperrors.Validation("job_id", fmt.Sprintf("invalid job ID %d", j.JobID))
	}
	if !j.Command.IsValid() {
		return job.Job{}, apperrors.Validation("command", fmt.Sprintf("unknown command %q", j.Command))
	}
	if j.Status == "" {
		j.Status = job.StatusUnknown
	}
	if !j.Status.IsValid() {
		return job.Job{}, apperrors.Validation("status", fmt.Sprintf("unknown status %q", j.Status))
	}

	stored := j
	err := s.writeTx(ctx, func(tx *sql.Tx) (bool, error) {
		existing, err := scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE username = ? AND job_id = ?`, j.Username, j.JobID))
		if err == nil {
			stored = existing
			return false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, apperrors.Internal("metastore.create_job", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs (username, job_id, command, status, pid, configfile, logfile,
			                   import_prefix, export_prefix, input_dir, output_dir)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.Username, j.JobID, j.Command, j.Status, j.PID, j.ConfigFile, j.LogFile,
			j.ImportPrefix, j.ExportPrefix, j.InputDir, j.OutputDir)
		if err != nil {
			return false, apperrors.Internal("metastore.create_job", err)
		}
		return true, nil
	})
	if err != nil {
		return job.Job{}, err
	}
	return stored, nil
}

// GetJob fetches one job row.
func (s *Store) GetJob(ctx context.Context, username string, jobID int64) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn("metastore.get_job")
	if err != nil {
		return job.Job{}, err
	}
	j, err := scanJob(db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE username = ? AND job_id = ?`, username, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job.Job{}, apperrors.NotFound("job", job.Key(username, jobID))
		}
		return job.Job{}, apperrors.Internal("metastore.get_job", err)
	}
	return j, nil
}

// JobExists reports whether a row exists for the key.
func (s *Store) JobExists(ctx context.Context, username string, jobID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn("metastore.job_exists")
	if err != nil {
		return false, err
	}
	var one int
	err = db.QueryRowContext(ctx,
		`SELECT 1 FROM jobs WHERE username = ? AND job_id = ?`, username, jobID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Internal("metastore.job_exists", err)
	}
	return true, nil
}

// UpdateJobStatus moves a job along its lifecycle. Setting the status it
// already has is a no-op; an edge the state machine does not allow is a
// conflict.
func (s *Store) UpdateJobStatus(ctx context.Context, username string, jobID int64, to job.Status) error {
	if !to.IsValid() {
		return apperrors.Validation("status", fmt.Sprintf("unknown status %q", to))
	}
	return s.writeTx(ctx, func(tx *sql.Tx) (bool, error) {
		current, err := currentStatus(ctx, tx, username, jobID)
		if err != nil {
			return false, err
		}
		if current == to {
			return false, nil
		}
		if !job.CanTransition(current, to) {
			return false, apperrors.Conflict("job", job.Key(username, jobID),
				fmt.Sprintf("job %s cannot move from %s to %s", job.Key(username, jobID), current, to))
		}
		return true, setStatus(ctx, tx, username, jobID, to)
	})
}

// ForceJobStatus is the reconciliation path: it drives a non-terminal job
// straight to a terminal status, skipping the transition table. Jobs already
// terminal are left alone.
func (s *Store) ForceJobStatus(ctx context.Context, username string, jobID int64, to job.Status) error {
	if !to.IsTerminal() {
		return apperrors.Validation("status", fmt.Sprintf("cannot force non-terminal status %q", to))
	}
	return s.writeTx(ctx, func(tx *sql.Tx) (bool, error) {
		current, err := currentStatus(ctx, tx, username, jobID)
		if err != nil {
			return false, err
		}
		if current == to || current.IsTerminal() {
			return false, nil
		}
		return true, setStatus(ctx, tx, username, jobID, to)
	})
}

func currentStatus(ctx context.Context, tx *sql.Tx, username string, jobID int64) (job.Status, error) {
	var current job.Status
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM jobs WHERE username = ? AND job_id = ?`, username, jobID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.NotFound("job", job.Key(username, jobID))
	}
	if err != nil {
		return "", apperrors.Internal("metastore.job_status", err)
	}
	return current, nil
}

func setStatus(ctx context.Context, tx *sql.Tx, username string, jobID int64, to job.Status) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE username = ? AND job_id = ?`, to, username, jobID); err != nil {
		return apperrors.Internal("metastore.update_status", err)
	}
	return nil
}

// SetJobPID records the worker process ID for a job.
func (s *Store) SetJobPID(ctx context.Context, username string, jobID int64, pid int) error {
	return s.writeTx(ctx, func(tx *sql.Tx) (bool, error) {
		var current int
		err := tx.QueryRowContext(ctx,
			`SELECT pid FROM jobs WHERE username = ? AND job_id = ?`, username, jobID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return false, apperrors.NotFound("job", job.Key(username, jobID))
		}
		if err != nil {
			return false, apperrors.Internal("metastore.job_pid", err)
		}
		if current == pid {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET pid = ? WHERE username = ? AND job_id = ?`, pid, username, jobID); err != nil {
			return false, apperrors.Internal("metastore.job_pid", err)
		}
		return true, nil
	})
}

// ListJobs returns every job row, oldest job ID first.
func (s *Store) ListJobs(ctx context.Context) ([]job.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY job_id ASC, username ASC`)
}

// ListUnfinishedJobs returns jobs that have not reached a terminal status,
// oldest first. Discovery and reconciliation work off this view.
func (s *Store) ListUnfinishedJobs(ctx context.Context) ([]job.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ('unknown', 'started', 'running')
		 ORDER BY job_id ASC, username ASC`)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn("metastore.list_jobs")
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("metastore.list_jobs", err)
	}
	defer rows.Close()

	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Internal("metastore.list_jobs", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("metastore.list_jobs", err)
	}
	return jobs, nil
}

// LatestJobID returns the highest job ID in the store, 0 when empty. Pushed
// to the remote copy as the latest_job tag.
func (s *Store) LatestJobID(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn("metastore.latest_job")
	if err != nil {
		return 0, err
	}
	var latest int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(job_id), 0) FROM jobs`).Scan(&latest); err != nil {
		return 0, apperrors.Internal("metastore.latest_job", err)
	}
	return latest, nil
}
