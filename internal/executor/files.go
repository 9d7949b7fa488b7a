package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"jobd/internal/apperrors"
	"jobd/internal/job"
	"jobd/internal/objstore"
	"jobd/pkg/backoff"
)

// waitForInputs pre-registers a record for every listed input, then polls
// the import area until each file arrives, is quarantined, or the download
// budget runs out. It returns the basenames that made it into the
// workspace; quarantined and timed-out files leave the pending set without
// failing the job.
func (r *Runner) waitForInputs(ctx context.Context, st *state) ([]string, error) {
	if len(st.d.Files) == 0 {
		return nil, nil
	}

	var pending, ready []string
	for _, fn := range st.d.Files {
		stored, err := r.store.CreateFileRecord(ctx, job.FileRecord{
			Username:    st.j.Username,
			JobID:       st.j.JobID,
			Filename:    fn,
			Direction:   job.DirectionImport,
			Status:      job.FileUnknown,
			ContentHash: job.PlaceholderHash,
		})
		if err != nil {
			return nil, err
		}
		switch stored.Status {
		case job.FileUnknown:
			pending = append(pending, fn)
		case job.FileDownloaded, job.FileProcessed, job.FileUploaded:
			// A record from an earlier attempt counts only if the file is
			// actually still on disk.
			if _, err := os.Stat(filepath.Join(st.ws.Root, fn)); err == nil {
				ready = append(ready, fn)
			} else {
				pending = append(pending, fn)
			}
		}
	}

	deadline := time.Now().Add(r.cfg.Executor.DownloadTimeout)
	for len(pending) > 0 && time.Now().Before(deadline) {
		quarantined := r.quarantined(ctx, st)

		var still []string
		for _, fn := range pending {
			key := path.Join(st.ref.Prefix(), fn)
			exists, err := r.blobs.Exists(ctx, key)
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				st.log.WarnContext(ctx, "Input existence check failed",
					slog.String("file", fn), slog.Any("error", err))
				still = append(still, fn)
				continue
			}
			switch {
			case exists:
				if err := r.downloadInput(ctx, st, key, fn); err != nil {
					if ctx.Err() != nil {
						return nil, err
					}
					st.log.WarnContext(ctx, "Input download failed, will retry",
						slog.String("file", fn), slog.Any("error", err))
					still = append(still, fn)
					continue
				}
				ready = append(ready, fn)
			case quarantined[fn]:
				st.log.InfoContext(ctx, "Input quarantined", slog.String("file", fn))
				r.logWrite(ctx, st, fmt.Sprintf(
					"File %s was quarantined by the upstream scanner and will not be processed.", fn))
				r.setFileStatus(ctx, st, fn, job.FileQuarantined)
			default:
				still = append(still, fn)
			}
		}
		pending = still

		if len(pending) > 0 {
			if err := backoff.Sleep(ctx, r.cfg.Executor.DownloadPollInterval); err != nil {
				return nil, err
			}
		}
	}

	for _, fn := range pending {
		r.logWrite(ctx, st, fmt.Sprintf(
			"File %s did not arrive within %s and timed out.", fn, r.cfg.Executor.DownloadTimeout))
		r.setFileStatus(ctx, st, fn, job.FileTimeout)
	}
	return ready, nil
}

// quarantined lists the job's quarantine area once per poll pass. Scanner
// markers mirror the import layout, so a marker basename matching an input
// filename flags that input.
func (r *Runner) quarantined(ctx context.Context, st *state) map[string]bool {
	prefix := path.Join(r.cfg.Store.QuarantinePrefix, st.ref.SubPrefix())
	objs, err := r.blobs.List(ctx, prefix)
	if err != nil {
		st.log.WarnContext(ctx, "Quarantine check failed", slog.Any("error", err))
		return nil
	}
	marks := make(map[string]bool, len(objs))
	for _, o := range objs {
		marks[path.Base(o.Key)] = true
	}
	return marks
}

// downloadInput copies one arrived file into the workspace and records its
// measured size and hash.
func (r *Runner) downloadInput(ctx context.Context, st *state, key, fn string) error {
	local := filepath.Join(st.ws.Root, fn)
	if err := r.blobs.Download(ctx, key, local); err != nil {
		return err
	}
	hash, size, err := objstore.MD5File(local)
	if err != nil {
		return err
	}
	if err := r.store.UpdateFileStats(ctx, st.j.Username, st.j.JobID, fn, size, hash); err != nil {
		return err
	}
	if err := r.store.UpdateFileStatus(ctx, st.j.Username, st.j.JobID, fn, job.FileDownloaded); err != nil {
		return err
	}
	st.log.InfoContext(ctx, "Input downloaded", slog.String("file", fn), slog.Int64("bytes", size))
	return nil
}

// setFileStatus updates one file record's status, demoting failures to a
// log line.
func (r *Runner) setFileStatus(ctx context.Context, st *state, fn string, to job.FileStatus) {
	if err := r.store.UpdateFileStatus(ctx, st.j.Username, st.j.JobID, fn, to); err != nil {
		st.log.WarnContext(ctx, "Failed to update file status",
			slog.String("file", fn), slog.String("status", string(to)), slog.Any("error", err))
	}
}

// recordOutputs registers export records for everything the handler
// reported producing. An output that shares its name with an input flips
// that record to direction both.
func (r *Runner) recordOutputs(ctx context.Context, st *state, outputs []string) {
	for _, fn := range outputs {
		if fn == st.ws.LogName() {
			continue
		}
		stored, err := r.store.CreateFileRecord(ctx, job.FileRecord{
			Username:    st.j.Username,
			JobID:       st.j.JobID,
			Filename:    fn,
			Direction:   job.DirectionExport,
			Status:      job.FileProcessed,
			ContentHash: job.PlaceholderHash,
		})
		if err != nil {
			st.log.WarnContext(ctx, "Failed to register output record",
				slog.String("file", fn), slog.Any("error", err))
			continue
		}
		if stored.Direction == job.DirectionImport {
			if err := r.store.UpdateFileDirection(ctx, st.j.Username, st.j.JobID, fn, job.DirectionBoth); err != nil {
				st.log.WarnContext(ctx, "Failed to update file direction",
					slog.String("file", fn), slog.Any("error", err))
			}
		}
	}
}

// markProcessed moves the handler's inputs from downloaded to processed.
func (r *Runner) markProcessed(ctx context.Context, st *state, inputs []string) {
	for _, fn := range inputs {
		r.setFileStatus(ctx, st, fn, job.FileProcessed)
	}
}

// uploadExports walks the job's export-direction records and uploads the
// files backing them, looking in the output directory first and the input
// directory second. A missing file flips its record to error unless a
// download-side status already explains the absence. The job log is skipped
// here and exported last.
func (r *Runner) uploadExports(ctx context.Context, st *state) {
	files, err := r.store.ListFiles(ctx, st.j.Username, st.j.JobID)
	if err != nil {
		st.log.WarnContext(ctx, "Listing files for export failed", slog.Any("error", err))
		return
	}
	for _, f := range files {
		if !f.Direction.Exports() || f.Filename == st.ws.LogName() {
			continue
		}
		local := filepath.Join(st.ws.OutputDir, f.Filename)
		if _, err := os.Stat(local); err != nil {
			alt := filepath.Join(st.ws.Root, f.Filename)
			if _, err := os.Stat(alt); err != nil {
				switch f.Status {
				case job.FileError, job.FileTimeout, job.FileQuarantined, job.FileUnknown:
					continue
				}
				r.logWrite(ctx, st, "Error: File not found: "+local)
				r.setFileStatus(ctx, st, f.Filename, job.FileError)
				continue
			}
			local = alt
		}
		r.exportFile(ctx, st, f.Filename, local)
	}
}

// exportFile uploads one file to the job's export prefix and marks its
// record uploaded with measured stats.
func (r *Runner) exportFile(ctx context.Context, st *state, fn, local string) {
	hash, size, err := objstore.MD5File(local)
	if err != nil {
		st.log.WarnContext(ctx, "Hashing export failed", slog.String("file", fn), slog.Any("error", err))
		r.setFileStatus(ctx, st, fn, job.FileError)
		return
	}
	if err := r.store.UpdateFileStats(ctx, st.j.Username, st.j.JobID, fn, size, hash); err != nil {
		st.log.WarnContext(ctx, "Recording export stats failed",
			slog.String("file", fn), slog.Any("error", err))
	}

	key := path.Join(st.j.ExportPrefix, fn)
	if err := r.blobs.Upload(ctx, local, key, nil); err != nil {
		r.logWrite(ctx, st, fmt.Sprintf("Error: failed to export %s: %v", fn, err))
		r.setFileStatus(ctx, st, fn, job.FileError)
		return
	}
	r.setFileStatus(ctx, st, fn, job.FileUploaded)
	st.log.InfoContext(ctx, "Export uploaded",
		slog.String("file", fn), slog.String("key", key), slog.Int64("bytes", size))
}

// exportLog registers, measures, and uploads the job log. A run that wrote
// nothing has no log to export.
func (r *Runner) exportLog(ctx context.Context, st *state) error {
	if _, err := os.Stat(st.ws.LogFile); err != nil {
		return nil
	}
	if _, err := r.store.CreateFileRecord(ctx, job.FileRecord{
		Username:    st.j.Username,
		JobID:       st.j.JobID,
		Filename:    st.ws.LogName(),
		Direction:   job.DirectionExport,
		Status:      job.FileProcessed,
		ContentHash: job.PlaceholderHash,
	}); err != nil {
		return err
	}

	hash, size, err := objstore.MD5File(st.ws.LogFile)
	if err != nil {
		return apperrors.Internal("executor.export_log", err)
	}
	if err := r.store.UpdateFileStats(ctx, st.j.Username, st.j.JobID, st.ws.LogName(), size, hash); err != nil {
		return err
	}

	key := path.Join(st.j.ExportPrefix, st.ws.LogName())
	if err := r.blobs.Upload(ctx, st.ws.LogFile, key, nil); err != nil {
		r.setFileStatus(ctx, st, st.ws.LogName(), job.FileError)
		return err
	}
	return r.store.UpdateFileStatus(ctx, st.j.Username, st.j.JobID, st.ws.LogName(), job.FileUploaded)
}
