package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"jobd/internal/apperrors"
	"jobd/internal/job"
)

const fileColumns = `username, job_id, filename, direction, status, size_bytes, content_hash`

func scanFile(row interface{ Scan(...any) error }) (job.FileRecord, error) {
	var f job.FileRecord
	err := row.Scan(
		&f.Username,
		&f.JobID,
		&f.Filename,
		&f.Direction,
		&f.Status,
		&f.SizeBytes,
		&f.ContentHash,
	)
	return f, err
}

// CreateFileRecord inserts a file row under an existing job, idempotently:
// when the (filename, username, job_id) key already exists the stored row is
// returned unchanged.
func (s *Store) CreateFileRecord(ctx context.Context, f job.FileRecord) (job.FileRecord, error) {
	if f.Filename == "" {
		return job.FileRecord{}, apperrors.Validation("filename", "filename is required")
	}
	if !f.Direction.IsValid() {
		return job.FileRecord{}, apperrors.Validation("direction", fmt.Sprintf("unknown direction %q", f.Direction))
	}
	if f.Status == "" {
		f.Status = job.FileUnknown
	}
	if !f.Status.IsValid() {
		return job.FileRecord{}, apperrors.Validation("status", fmt.Sprintf("unknown file status %q", f.Status))
	}

	stored := f
	err := s.writeTx(ctx, func(tx *sql.Tx) (bool, error) {
		existing, err := scanFile(tx.QueryRowContext(ctx,
			`SELECT `+fileColumns+` FROM files WHERE filename = ? AND username = ? AND job_id = ?`,
			f.Filename, f.Username, f.JobID))
		if err == nil {
			stored = existing
			return false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, apperrors.Internal("metastore.create_file", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO files (username, job_id, filename, direction, status, size_bytes, content_hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			f.Username, f.JobID, f.Filename, f.Direction, f.Status, f.SizeBytes, f.ContentHash)
		if err != nil {
			return false, apperrors.Internal("metastore.create_file", err)
		}
		return true, nil
	})
	if err != nil {
		return job.FileRecord{}, err
	}
	return stored, nil
}

// GetFileRecord fetches one file row.
func (s *Store) GetFileRecord(ctx context.Context, username string, jobID int64, filename string) (job.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn("metastore.get_file")
	if err != nil {
		return job.FileRecord{}, err
	}
	f, err := scanFile(db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE filename = ? AND username = ? AND job_id = ?`,
		filename, username, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job.FileRecord{}, apperrors.NotFound("file", filename)
		}
		return job.FileRecord{}, apperrors.Internal("metastore.get_file", err)
	}
	return f, nil
}

// UpdateFileStatus sets a file's pipeline status. Setting the status it
// already has is a no-op.
func (s *Store) UpdateFileStatus(ctx context.Context, username string, jobID int64, filename string, to job.FileStatus) error {
	if !to.IsValid() {
		return apperrors.Validation("status", fmt.Sprintf("unknown file status %q", to))
	}
	return s.writeTx(ctx, func(tx *sql.Tx) (bool, error) {
		var current job.FileStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM files WHERE filename = ? AND username = ? AND job_id = ?`,
			filename, username, jobID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return false, apperrors.NotFound("file", filename)
		}
		if err != nil {
			return false, apperrors.Internal("metastore.file_status", err)
		}
		if current == to {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET status = ? WHERE filename = ? AND username = ? AND job_id = ?`,
			to, filename, username, jobID); err != nil {
			return false, apperrors.Internal("metastore.file_status", err)
		}
		return true, nil
	})
}

// UpdateFileDirection changes which way a file moves relative to the object
// store. Used when a handler exports a file that arrived as an input, which
// turns its record into direction "both".
func (s *Store) UpdateFileDirection(ctx context.Context, username string, jobID int64, filename string, to job.Direction) error {
	if !to.IsValid() {
		return apperrors.Validation("direction", fmt.Sprintf("unknown direction %q", to))
	}
	return s.writeTx(ctx, func(tx *sql.Tx) (bool, error) {
		var current job.Direction
		err := tx.QueryRowContext(ctx,
			`SELECT direction FROM files WHERE filename = ? AND username = ? AND job_id = ?`,
			filename, username, jobID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return false, apperrors.NotFound("file", filename)
		}
		if err != nil {
			return false, apperrors.Internal("metastore.file_direction", err)
		}
		if current == to {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET direction = ? WHERE filename = ? AND username = ? AND job_id = ?`,
			to, filename, username, jobID); err != nil {
			return false, apperrors.Internal("metastore.file_direction", err)
		}
		return true, nil
	})
}

// UpdateFileStats records a file's measured size and content hash, replacing
// any placeholder values from pre-registration.
func (s *Store) UpdateFileStats(ctx context.Context, username string, jobID int64, filename string, sizeBytes int64, contentHash string) error {
	return s.writeTx(ctx, func(tx *sql.Tx) (bool, error) {
		var curSize int64
		var curHash string
		err := tx.QueryRowContext(ctx,
			`SELECT size_bytes, content_hash FROM files WHERE filename = ? AND username = ? AND job_id = ?`,
			filename, username, jobID).Scan(&curSize, &curHash)
		if errors.Is(err, sql.ErrNoRows) {
			return false, apperrors.NotFound("file", filename)
		}
		if err != nil {
			return false, apperrors.Internal("metastore.file_stats", err)
		}
		if curSize == sizeBytes && curHash == contentHash {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET size_bytes = ?, content_hash = ? WHERE filename = ? AND username = ? AND job_id = ?`,
			sizeBytes, contentHash, filename, username, jobID); err != nil {
			return false, apperrors.Internal("metastore.file_stats", err)
		}
		return true, nil
	})
}

// ListFiles returns every file row for a job, ordered by filename.
func (s *Store) ListFiles(ctx context.Context, username string, jobID int64) ([]job.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn("metastore.list_files")
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE username = ? AND job_id = ? ORDER BY filename ASC`,
		username, jobID)
	if err != nil {
		return nil, apperrors.Internal("metastore.list_files", err)
	}
	defer rows.Close()

	var files []job.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, apperrors.Internal("metastore.list_files", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("metastore.list_files", err)
	}
	return files, nil
}
