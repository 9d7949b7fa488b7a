package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"jobd/internal/apperrors"
	"jobd/internal/job"
)

// Archive retires jobs older than cutoffDate. The cutoff job ID is the first
// ID of the day after cutoffDate, so the cutoff day itself is retired in
// full. The live database is copied to a timestamped archive file; the
// archive keeps only the retired rows, the live store keeps only the rest.
// Both are vacuumed, the jobs_since watermark advances to the cutoff, the
// archive is uploaded next to the remote database copy, and the trimmed
// store is pushed.
//
// Returns the archive's object key.
func (sy *Syncer) Archive(ctx context.Context, cutoffDate time.Time) (string, error) {
	cutoff := job.DayFloor(cutoffDate.Add(24 * time.Hour))

	name := fmt.Sprintf("jobd_archive_%s.db", time.Now().UTC().Format("20060102150405"))
	archivePath := filepath.Join(filepath.Dir(sy.store.path), name)
	defer os.Remove(archivePath)

	if err := sy.store.Snapshot(ctx, archivePath); err != nil {
		return "", err
	}
	if err := trimArchive(ctx, archivePath, cutoff); err != nil {
		return "", err
	}
	if err := sy.store.TrimBefore(ctx, cutoff); err != nil {
		return "", err
	}

	archiveKey := path.Join(path.Dir(sy.key), "archives", name)
	if err := sy.remote.Upload(ctx, archivePath, archiveKey, map[string]string{
		TagJobsSince:  fmt.Sprintf("%d", cutoff),
		TagAppVersion: sy.appVersion,
	}); err != nil {
		return "", err
	}

	if err := sy.Push(ctx, false); err != nil {
		return "", err
	}

	sy.log.InfoContext(ctx, "archived metadata store", "cutoff", cutoff, "archive", archiveKey)
	return archiveKey, nil
}

// Snapshot copies the database file to dst after folding in the WAL.
func (s *Store) Snapshot(ctx context.Context, dst string) error {
	if err := s.checkpoint(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := copyFile(s.path, dst); err != nil {
		return apperrors.Internal("metastore.snapshot", err)
	}
	return nil
}

// TrimBefore deletes every row with a job ID below cutoff and advances the
// jobs_since watermark to it. The watermark never moves backward. Nothing to
// delete and no watermark movement is a no-op.
func (s *Store) TrimBefore(ctx context.Context, cutoff int64) error {
	if err := s.writeTx(ctx, func(tx *sql.Tx) (bool, error) {
		var deleted int64
		for _, stmt := range []string{
			`DELETE FROM files WHERE job_id < ?`,
			`DELETE FROM notifications WHERE job_id < ?`,
			`DELETE FROM jobs WHERE job_id < ?`,
		} {
			res, err := tx.ExecContext(ctx, stmt, cutoff)
			if err != nil {
				return false, apperrors.Internal("metastore.trim", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return false, apperrors.Internal("metastore.trim", err)
			}
			deleted += n
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE version SET jobs_since = ? WHERE id = 1 AND jobs_since < ?`, cutoff, cutoff)
		if err != nil {
			return false, apperrors.Internal("metastore.trim", err)
		}
		advanced, err := res.RowsAffected()
		if err != nil {
			return false, apperrors.Internal("metastore.trim", err)
		}
		return deleted > 0 || advanced > 0, nil
	}); err != nil {
		return err
	}
	return s.vacuum(ctx)
}

func (s *Store) vacuum(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn("metastore.vacuum")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `VACUUM`); err != nil {
		return apperrors.Internal("metastore.vacuum", err)
	}
	return nil
}

// trimArchive opens the copied database standalone and deletes everything at
// or above the cutoff, leaving only the retired rows.
func trimArchive(ctx context.Context, archivePath string, cutoff int64) error {
	db, err := openDB(archivePath)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, stmt := range []string{
		`DELETE FROM files WHERE job_id >= ?`,
		`DELETE FROM notifications WHERE job_id >= ?`,
		`DELETE FROM jobs WHERE job_id >= ?`,
	} {
		if _, err := db.ExecContext(ctx, stmt, cutoff); err != nil {
			return apperrors.Internal("metastore.archive", err)
		}
	}
	if _, err := db.ExecContext(ctx, `VACUUM`); err != nil {
		return apperrors.Internal("metastore.archive", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
