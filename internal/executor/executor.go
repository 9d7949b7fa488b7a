// Package executor drives one job from its descriptor to a terminal status:
// workspace setup, input downloads, handler dispatch, export uploads, log
// export, and the start and finish notifications. The registry runs one
// executor per job in a separate worker process; Reconcile covers workers
// that died before finishing their own bookkeeping.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"jobd/internal/apperrors"
	"jobd/internal/config"
	"jobd/internal/descriptor"
	"jobd/internal/handler"
	"jobd/internal/job"
	"jobd/internal/metastore"
	"jobd/internal/notify"
	"jobd/internal/objstore"
)

// finalizeTimeout bounds the bookkeeping tail that still runs after a kill
// signal has cancelled the job's own context.
const finalizeTimeout = 2 * time.Minute

// Runner drives single jobs through the executor state machine.
type Runner struct {
	cfg      *config.ServiceConfig
	store    *metastore.Store
	sync     *metastore.Syncer
	blobs    objstore.Store
	notifier *notify.Service
	handlers *handler.Registry
	log      *slog.Logger
}

// NewRunner wires an executor over the daemon's shared collaborators. A nil
// logger falls back to slog.Default.
func NewRunner(cfg *config.ServiceConfig, store *metastore.Store, sync *metastore.Syncer, blobs objstore.Store, notifier *notify.Service, handlers *handler.Registry, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		store:    store,
		sync:     sync,
		blobs:    blobs,
		notifier: notifier,
		handlers: handlers,
		log:      log,
	}
}

// state is the mutable context of one job run.
type state struct {
	ref    descriptor.Ref
	ws     Workspace
	d      *descriptor.Descriptor
	j      job.Job
	status job.Status
	log    *slog.Logger
}

// Run executes the job whose descriptor lives at key. Whatever happens after
// the job row is registered, the run ends with a terminal status, an
// exported log, a finish notification, and a removed workspace. The returned
// error reflects the run itself; a non-nil return tells the registry to
// reconcile, which is a no-op for a run that finalized cleanly.
func (r *Runner) Run(ctx context.Context, key string) error {
	ref, err := descriptor.ParseKey(r.cfg.Store.ImportPrefix, key)
	if err != nil {
		return err
	}

	log := r.log.With(slog.String("job", ref.JobKey()), slog.String("command", string(ref.Command)))
	log.InfoContext(ctx, "Starting job", slog.String("key", key))

	ws := NewWorkspace(r.cfg.JobsDir(), ref)
	if err := ws.Create(); err != nil {
		return apperrors.Internal("executor.workspace", err)
	}
	st := &state{ref: ref, ws: ws, log: log}

	d, derr := r.fetchDescriptor(ctx, st)
	if derr != nil && !errors.Is(derr, apperrors.ErrValidation) {
		// Transient store trouble; reconciliation picks the job up later.
		return derr
	}
	st.d = d

	if err := r.register(ctx, st); err != nil {
		return err
	}

	var runErr error
	if derr != nil {
		r.logWrite(ctx, st, fmt.Sprintf(
			"Descriptor %s is invalid: %v. Does the client need to be updated?", ref.Filename, derr))
		runErr = derr
	} else {
		runErr = r.process(ctx, st)
	}

	finErr := r.finalize(ctx, st, runErr)
	log.InfoContext(ctx, "Job finished", slog.String("status", string(st.status)))
	if runErr != nil {
		return runErr
	}
	return finErr
}

// fetchDescriptor downloads and parses the job descriptor, cross-checking
// its content against the identity encoded in its key.
func (r *Runner) fetchDescriptor(ctx context.Context, st *state) (*descriptor.Descriptor, error) {
	local := filepath.Join(st.ws.Root, st.ref.Filename)
	if err := r.blobs.Download(ctx, st.ref.Key, local); err != nil {
		return nil, err
	}

	d, err := descriptor.Load(local)
	if err != nil {
		return nil, err
	}
	if d.Username != st.ref.Username || d.JobID != st.ref.JobID || d.Command != st.ref.Command {
		return nil, apperrors.Validation("descriptor",
			fmt.Sprintf("descriptor %s does not match the identity in its key", st.ref.Filename))
	}
	if d.UploadPrefix != st.ref.Prefix() {
		return nil, apperrors.Validation("upload_prefix",
			fmt.Sprintf("upload_prefix %q does not match the descriptor location %q", d.UploadPrefix, st.ref.Prefix()))
	}
	if err := descriptor.Validate(d, r.cfg.Executor.MinProtocolVersion); err != nil {
		return nil, err
	}
	return d, nil
}

// register creates the job row, records this process as its owner, and
// attaches the descriptor's own file record. The registry pre-registers a
// placeholder row before spawning, so the create usually confirms an
// existing row.
func (r *Runner) register(ctx context.Context, st *state) error {
	stored, err := r.store.CreateJob(ctx, job.Job{
		Username:     st.ref.Username,
		JobID:        st.ref.JobID,
		Command:      st.ref.Command,
		Status:       job.StatusStarted,
		PID:          os.Getpid(),
		ConfigFile:   st.ref.Filename,
		LogFile:      st.ws.LogName(),
		ImportPrefix: st.ref.Prefix(),
		ExportPrefix: path.Join(r.cfg.Store.ExportPrefix, st.ref.SubPrefix()),
		InputDir:     st.ws.Root,
		OutputDir:    st.ws.OutputDir,
	})
	if err != nil {
		return err
	}
	if err := r.store.SetJobPID(ctx, stored.Username, stored.JobID, os.Getpid()); err != nil {
		return err
	}
	stored.PID = os.Getpid()
	st.j = stored

	if st.d != nil {
		local := filepath.Join(st.ws.Root, st.ref.Filename)
		hash, size, err := objstore.MD5File(local)
		if err != nil {
			return apperrors.Internal("executor.register", err)
		}
		if _, err := r.store.CreateFileRecord(ctx, job.FileRecord{
			Username:    st.j.Username,
			JobID:       st.j.JobID,
			Filename:    st.ref.Filename,
			Direction:   job.DirectionImport,
			Status:      job.FileProcessed,
			SizeBytes:   size,
			ContentHash: hash,
		}); err != nil {
			return err
		}
	}

	r.pushState(ctx, st)
	return nil
}

// process runs the middle of the state machine: start notification, input
// wait loop, handler dispatch, and output registration.
func (r *Runner) process(ctx context.Context, st *state) error {
	if err := r.startNotification(ctx, st); err != nil {
		// A failed start message does not stop the job.
		st.log.WarnContext(ctx, "Start notification failed", slog.Any("error", err))
	}

	inputs, err := r.waitForInputs(ctx, st)
	if err != nil {
		return err
	}

	h, err := r.handlers.Get(st.d.Command)
	if err != nil {
		r.logWrite(ctx, st, fmt.Sprintf("No handler is configured for command %q.", st.d.Command))
		return err
	}
	if err := r.store.UpdateJobStatus(ctx, st.j.Username, st.j.JobID, job.StatusRunning); err != nil {
		return err
	}
	r.pushState(ctx, st)

	outputs, herr := h.Handle(ctx, &st.j, st.d.Args, inputs, st.ws.Root)
	r.recordOutputs(ctx, st, outputs)
	if herr != nil {
		r.logWrite(ctx, st, fmt.Sprintf("Command %s failed: %v", st.d.Command, herr))
		return herr
	}

	r.markProcessed(ctx, st, inputs)
	return nil
}

// startNotification publishes the submission message once. Subscribe and
// unsubscribe jobs have no user-facing start message.
func (r *Runner) startNotification(ctx context.Context, st *state) error {
	if expectedNotifications(st.j.Command) < 2 {
		return nil
	}
	n, err := r.store.CountNotifications(ctx, st.j.Username, st.j.JobID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return r.notifier.Started(ctx, &st.j, commandLine(st.d))
}

// finalize runs the tail every registered job gets regardless of how the
// run went: export uploads, terminal status, log export, the finish
// notification, a final push, and workspace removal. It runs on a fresh
// context so a kill signal cannot cancel the bookkeeping it still owes.
func (r *Runner) finalize(ctx context.Context, st *state, runErr error) error {
	fctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	r.uploadExports(fctx, st)

	var statusErr error
	switch {
	case runErr == nil:
		st.status = job.StatusComplete
		statusErr = r.store.UpdateJobStatus(fctx, st.j.Username, st.j.JobID, job.StatusComplete)
	case ctx.Err() != nil:
		st.status = job.StatusKilled
		r.logWrite(fctx, st, "Job received a kill signal before finishing.")
		statusErr = r.store.ForceJobStatus(fctx, st.j.Username, st.j.JobID, job.StatusKilled)
	default:
		st.status = job.StatusError
		statusErr = r.store.ForceJobStatus(fctx, st.j.Username, st.j.JobID, job.StatusError)
	}
	if statusErr != nil {
		st.log.ErrorContext(fctx, "Failed to record terminal status",
			slog.String("status", string(st.status)), slog.Any("error", statusErr))
	}

	logErr := r.exportLog(fctx, st)
	if logErr != nil {
		st.log.ErrorContext(fctx, "Log export failed", slog.Any("error", logErr))
	}

	notifyErr := r.sendFinish(fctx, st.j.Username, st.j.JobID)
	if notifyErr != nil {
		st.log.ErrorContext(fctx, "Finish notification failed", slog.Any("error", notifyErr))
	}

	pushErr := r.sync.Push(fctx, false)
	if pushErr != nil {
		st.log.ErrorContext(fctx, "Final metadata push failed", slog.Any("error", pushErr))
	}

	if err := st.ws.Remove(r.cfg.JobsDir()); err != nil {
		st.log.WarnContext(fctx, "Workspace removal failed", slog.Any("error", err))
	}

	return errors.Join(statusErr, logErr, notifyErr, pushErr)
}

// sendFinish publishes the finish notification unless the audit rows show
// it already went out. Unsubscribe jobs send nothing at all.
func (r *Runner) sendFinish(ctx context.Context, username string, jobID int64) error {
	j, err := r.store.GetJob(ctx, username, jobID)
	if err != nil {
		return err
	}
	owed, err := r.finishOwed(ctx, &j)
	if err != nil || !owed {
		return err
	}

	files, err := r.store.ListFiles(ctx, username, jobID)
	if err != nil {
		return err
	}
	return r.notifier.Finished(ctx, &j, fileCounts(files, j.ConfigFile))
}

// finishOwed reports whether the job still owes its finish notification.
// The recorded subjects tell the start message apart from the finish one,
// so a job that only ever sent its finish (an invalid descriptor skips the
// start) is not owed a second.
func (r *Runner) finishOwed(ctx context.Context, j *job.Job) (bool, error) {
	if expectedNotifications(j.Command) < 1 {
		return false, nil
	}
	recs, err := r.store.ListNotifications(ctx, j.Username, j.JobID)
	if err != nil {
		return false, err
	}
	for _, rec := range recs {
		if notify.IsFinishedSubject(rec.Subject) {
			return false, nil
		}
	}
	return true, nil
}

// pushState mirrors the metadata store to its remote copy, logging push
// problems instead of failing the job. The final push in finalize, and
// reconciliation after that, retry anything missed here.
func (r *Runner) pushState(ctx context.Context, st *state) {
	if err := r.sync.Push(ctx, false); err != nil {
		st.log.WarnContext(ctx, "Metadata push failed", slog.Any("error", err))
	}
}

// logWrite appends one line to the job log, registering the log's file
// record on first use.
func (r *Runner) logWrite(ctx context.Context, st *state, msg string) {
	if _, err := r.store.CreateFileRecord(ctx, job.FileRecord{
		Username:    st.j.Username,
		JobID:       st.j.JobID,
		Filename:    st.ws.LogName(),
		Direction:   job.DirectionExport,
		Status:      job.FileProcessed,
		ContentHash: job.PlaceholderHash,
	}); err != nil {
		st.log.WarnContext(ctx, "Failed to register log record", slog.Any("error", err))
	}

	f, err := os.OpenFile(st.ws.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		st.log.WarnContext(ctx, "Failed to write job log", slog.Any("error", err))
		return
	}
	defer f.Close()
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	if _, err := f.WriteString(msg); err != nil {
		st.log.WarnContext(ctx, "Failed to write job log", slog.Any("error", err))
	}
}

// fileCounts summarizes a job's file records for the finish notification.
// The descriptor's own record is excluded from the counts.
func fileCounts(files []job.FileRecord, configFile string) notify.FileCounts {
	var c notify.FileCounts
	for _, f := range files {
		if f.Filename == configFile {
			continue
		}
		if f.Direction.Imports() {
			c.Input++
			if f.Status.Successful() {
				c.Successful++
			} else {
				c.Unsuccessful++
			}
		}
		if f.Direction.Exports() && f.Status == job.FileUploaded {
			c.Exported++
			c.ExportBytes += f.SizeBytes
		}
	}
	return c
}

// expectedNotifications is how many audit rows a finished job of this
// command should end up with: start and finish normally, finish only for
// subscribe, none for unsubscribe.
func expectedNotifications(cmd job.Command) int {
	switch cmd {
	case job.CommandSubscribe:
		return 1
	case job.CommandUnsubscribe:
		return 0
	default:
		return 2
	}
}

// commandLine renders the submission as the command line quoted in the
// start notification.
func commandLine(d *descriptor.Descriptor) string {
	parts := []string{string(d.Command)}

	if raw, err := json.Marshal(d.Args); err == nil {
		var kv map[string]any
		if json.Unmarshal(raw, &kv) == nil {
			keys := make([]string, 0, len(kv))
			for k := range kv {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				parts = append(parts, fmt.Sprintf("--%s %v", k, kv[k]))
			}
		}
	}

	if len(d.Files) > 0 {
		parts = append(parts, "--files")
		for _, fn := range d.Files {
			if strings.ContainsAny(fn, " \t") {
				fn = strconv.Quote(fn)
			}
			parts = append(parts, fn)
		}
	}
	return strings.Join(parts, " ")
}
