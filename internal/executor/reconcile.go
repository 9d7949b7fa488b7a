package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"jobd/internal/apperrors"
	"jobd/internal/descriptor"
	"jobd/internal/job"
)

// Reconcile finishes the bookkeeping for a job whose worker process died
// without recording a terminal status: note the death in the job log,
// export it, force the job and its unresolved file records to a terminal
// state, and send the finish notification if the audit rows show it never
// went out. killed says the worker died to a kill signal, the registry's
// own shutdown or an external one, which reconciles the job to killed
// instead of error.
func (r *Runner) Reconcile(ctx context.Context, username string, jobID int64, killed bool) error {
	j, err := r.store.GetJob(ctx, username, jobID)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		owed, err := r.finishOwed(ctx, &j)
		if err != nil {
			return err
		}
		if !owed {
			// The worker finished its own bookkeeping before exiting.
			return nil
		}
	}

	log := r.log.With(slog.String("job", j.Key()), slog.String("command", string(j.Command)))
	log.WarnContext(ctx, "Reconciling orphaned job",
		slog.String("status", string(j.Status)), slog.Bool("killed", killed))

	st := &state{
		ref: descriptor.Ref{
			Key:      path.Join(j.ImportPrefix, j.ConfigFile),
			Command:  j.Command,
			Username: j.Username,
			JobID:    j.JobID,
			Filename: j.ConfigFile,
		},
		ws:  workspaceOf(j.InputDir, j.OutputDir, j.LogFile),
		j:   j,
		log: log,
	}
	if err := st.ws.Create(); err != nil {
		return apperrors.Internal("executor.reconcile", err)
	}

	r.registerOrphanInputs(ctx, st)
	r.logWrite(ctx, st, fmt.Sprintf("Job %s exited unexpectedly.", j.Key()))

	if err := r.exportLog(ctx, st); err != nil {
		log.WarnContext(ctx, "Log export failed during reconciliation", slog.Any("error", err))
	}

	to := job.StatusError
	if killed {
		to = job.StatusKilled
	}
	st.status = to
	if err := r.store.ForceJobStatus(ctx, username, jobID, to); err != nil {
		return err
	}

	files, err := r.store.ListFiles(ctx, username, jobID)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.Status == job.FileUnknown || f.Status == job.FileDownloaded {
			r.setFileStatus(ctx, st, f.Filename, job.FileError)
		}
	}

	notifyErr := r.sendFinish(ctx, username, jobID)
	r.pushState(ctx, st)

	if err := st.ws.Remove(r.cfg.JobsDir()); err != nil {
		log.WarnContext(ctx, "Workspace removal failed", slog.Any("error", err))
	}
	return notifyErr
}

// registerOrphanInputs re-parses the descriptor, re-downloading it if the
// dead worker's copy is gone, and registers records for listed inputs the
// worker never reached. A job that died before fetching its descriptor
// reconciles without per-file records.
func (r *Runner) registerOrphanInputs(ctx context.Context, st *state) {
	local := filepath.Join(st.ws.Root, st.ref.Filename)
	if _, err := os.Stat(local); err != nil {
		if err := r.blobs.Download(ctx, st.ref.Key, local); err != nil {
			st.log.WarnContext(ctx, "Descriptor unavailable during reconciliation", slog.Any("error", err))
			return
		}
	}
	d, err := descriptor.Load(local)
	if err != nil {
		st.log.WarnContext(ctx, "Descriptor unreadable during reconciliation", slog.Any("error", err))
		return
	}
	for _, fn := range d.Files {
		if _, err := r.store.CreateFileRecord(ctx, job.FileRecord{
			Username:    st.j.Username,
			JobID:       st.j.JobID,
			Filename:    fn,
			Direction:   job.DirectionImport,
			Status:      job.FileUnknown,
			ContentHash: job.PlaceholderHash,
		}); err != nil {
			st.log.WarnContext(ctx, "Failed to register file record",
				slog.String("file", fn), slog.Any("error", err))
		}
	}
}
