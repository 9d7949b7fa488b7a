// Package registry implements the orchestration daemon: it watches the
// import area for newly uploaded job descriptors, spawns one jobd-worker
// process per job, supervises the workers, and reconciles whatever dies
// before finishing its own bookkeeping.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"jobd/internal/apperrors"
	"jobd/internal/config"
	"jobd/internal/descriptor"
	"jobd/internal/dispatcher"
	"jobd/internal/executor"
	"jobd/internal/job"
	"jobd/internal/metastore"
	"jobd/internal/objstore"
	"jobd/internal/observability"
	"jobd/pkg/cloudevent"
)

const (
	// killGrace is how long a worker gets between TERM and KILL during
	// shutdown.
	killGrace = 10 * time.Second

	// shutdownTimeout bounds the whole stop sequence: killing workers,
	// reconciling them, and the final push.
	shutdownTimeout = 2 * time.Minute
)

// Registry is the daemon's control loop.
type Registry struct {
	cfg     *config.ServiceConfig
	store   *metastore.Store
	sync    *metastore.Syncer
	blobs   objstore.Store
	runner  *executor.Runner
	metrics *observability.Metrics
	events  dispatcher.Dispatcher
	log     *slog.Logger

	state  *stateRepo
	waitWg sync.WaitGroup
}

// New wires a Registry. metrics and events may be nil; runs then go
// unrecorded and no ops events are emitted.
func New(cfg *config.ServiceConfig, store *metastore.Store, sync *metastore.Syncer,
	blobs objstore.Store, runner *executor.Runner, metrics *observability.Metrics,
	events dispatcher.Dispatcher, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:     cfg,
		store:   store,
		sync:    sync,
		blobs:   blobs,
		runner:  runner,
		metrics: metrics,
		events:  events,
		log:     log,
		state:   newStateRepo(),
	}
}

// emit queues an ops event. Dispatch failures only surface as a warning;
// the ops stream never blocks or fails the loop.
func (r *Registry) emit(event *cloudevent.CloudEvent) {
	if r.events == nil {
		return
	}
	if err := r.events.Dispatch(event); err != nil {
		r.log.Warn("Failed to dispatch ops event",
			slog.String("type", event.Type), slog.Any("error", err))
	}
}

// Active returns the number of currently tracked workers.
func (r *Registry) Active() int {
	return r.state.size()
}

// Run drives the daemon until ctx is canceled: first contact with the
// remote store and a sweep of jobs a previous daemon left behind, then a
// poll loop that dispatches new descriptors and reaps exited workers.
// Iteration errors are logged and the loop keeps going; only a second
// running instance or a failed first contact stop it.
func (r *Registry) Run(ctx context.Context) error {
	if err := EnsureSingleInstance(ctx); err != nil {
		return err
	}
	if err := r.sync.Connect(ctx); err != nil {
		return err
	}
	r.reconcileLeftovers(ctx)

	r.log.InfoContext(ctx, "Registry started",
		slog.String("import_prefix", r.cfg.Store.ImportPrefix),
		slog.Duration("poll_interval", r.cfg.Registry.PollInterval))

	ticker := time.NewTicker(r.cfg.Registry.PollInterval)
	defer ticker.Stop()
	maintenance := time.NewTicker(r.cfg.Registry.CleanupInterval)
	defer maintenance.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.shutdown()
		case <-ticker.C:
			if err := r.iterate(ctx); err != nil {
				if r.metrics != nil {
					r.metrics.RecordRegistryError(ctx)
				}
				r.log.ErrorContext(ctx, "Registry iteration failed", slog.Any("error", err))
			}
		case <-maintenance.C:
			r.maintain(ctx)
		}
	}
}

// iterate runs one poll tick: dispatch newly arrived descriptors, then reap
// exited workers.
func (r *Registry) iterate(ctx context.Context) error {
	refs, err := r.discover(ctx)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		r.emit(dispatcher.JobDiscovered(ref.Username, ref.JobID, ref.Command))
		if err := r.dispatch(ctx, ref); err != nil {
			if r.metrics != nil {
				r.metrics.RecordRegistryError(ctx)
			}
			r.log.ErrorContext(ctx, "Dispatch failed",
				slog.String("key", ref.Key), slog.Any("error", err))
		}
	}

	r.reap(ctx)
	return nil
}

// discover lists the import area for descriptor keys that are not yet
// tracked, not yet recorded, and not behind the archive watermark. Results
// come back oldest job first.
func (r *Registry) discover(ctx context.Context) ([]descriptor.Ref, error) {
	objs, err := r.blobs.List(ctx, r.cfg.Store.ImportPrefix)
	if err != nil {
		return nil, err
	}
	_, since, err := r.store.Version(ctx)
	if err != nil {
		return nil, err
	}

	var refs []descriptor.Ref
	seen := make(map[string]bool)
	for _, o := range objs {
		ref, err := descriptor.ParseKey(r.cfg.Store.ImportPrefix, o.Key)
		if err != nil || !ref.IsDescriptor() {
			continue
		}
		if ref.JobID < since {
			continue
		}
		// Two descriptor uploads under one job prefix would race each other
		// into the same state slot; only the first is dispatched.
		if seen[ref.JobKey()] {
			continue
		}
		if _, tracked := r.state.get(ref.JobKey()); tracked {
			continue
		}
		known, err := r.store.JobExists(ctx, ref.Username, ref.JobID)
		if err != nil {
			return nil, err
		}
		if known {
			continue
		}
		seen[ref.JobKey()] = true
		refs = append(refs, ref)
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].JobID < refs[j].JobID })
	return refs, nil
}

// dispatch records a placeholder row for the job and spawns its worker with
// stdout and stderr pointed at the job logfile. The placeholder means a
// daemon crash between spawn and the worker's own registration still leaves
// a row for reconciliation to settle.
func (r *Registry) dispatch(ctx context.Context, ref descriptor.Ref) error {
	if err := r.state.reserve(ref.JobKey()); err != nil {
		return err
	}

	// On failure, release the reservation so a later tick can retry.
	success := false
	defer func() {
		if !success {
			r.state.release(ref.JobKey())
		}
	}()

	ws := executor.NewWorkspace(r.cfg.JobsDir(), ref)
	if err := ws.Create(); err != nil {
		return apperrors.Internal("registry.workspace", err)
	}

	if _, err := r.store.CreateJob(ctx, job.Job{
		Username:     ref.Username,
		JobID:        ref.JobID,
		Command:      ref.Command,
		Status:       job.StatusStarted,
		ConfigFile:   ref.Filename,
		LogFile:      ws.LogName(),
		ImportPrefix: ref.Prefix(),
		ExportPrefix: path.Join(r.cfg.Store.ExportPrefix, ref.SubPrefix()),
		InputDir:     ws.Root,
		OutputDir:    ws.OutputDir,
	}); err != nil {
		return err
	}

	logf, err := os.OpenFile(ws.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.Internal("registry.spawn", err)
	}

	cmd := exec.Command(r.cfg.Registry.WorkerBinary, "-descriptor", ref.Key)
	cmd.Stdout = logf
	cmd.Stderr = logf
	if err := cmd.Start(); err != nil {
		logf.Close()
		return apperrors.Internal("registry.spawn", err)
	}

	w := &worker{
		username: ref.Username,
		jobID:    ref.JobID,
		command:  ref.Command,
		pid:      cmd.Process.Pid,
		cmd:      cmd,
		started:  time.Now(),
		done:     make(chan struct{}),
	}
	r.state.commit(ref.JobKey(), w)
	success = true

	if err := r.store.SetJobPID(ctx, ref.Username, ref.JobID, w.pid); err != nil {
		r.log.WarnContext(ctx, "Failed to record worker pid",
			slog.String("job", ref.JobKey()), slog.Any("error", err))
	}

	r.waitWg.Add(1)
	go func() {
		defer r.waitWg.Done()
		w.waitErr = w.cmd.Wait()
		logf.Close()
		close(w.done)
	}()

	if r.metrics != nil {
		r.metrics.RecordJobDispatched(ctx, string(ref.Command))
	}
	r.emit(dispatcher.JobSpawned(ref.Username, ref.JobID, ref.Command, w.pid))
	r.log.InfoContext(ctx, "Dispatched worker",
		slog.String("job", ref.JobKey()),
		slog.String("command", string(ref.Command)),
		slog.Int("pid", w.pid))
	return nil
}

// reap collects workers whose processes have exited. A clean exit means the
// worker finished its own bookkeeping; anything else goes through orphan
// reconciliation.
func (r *Registry) reap(ctx context.Context) {
	for key, w := range r.state.list() {
		if w == nil || !w.exited() {
			continue
		}
		r.state.release(key)

		elapsed := time.Since(w.started)
		if r.metrics != nil {
			r.metrics.RecordJobReaped(ctx, string(w.command), w.waitErr == nil, elapsed.Seconds())
		}
		r.emit(dispatcher.JobReaped(w.username, w.jobID, w.command, w.waitErr == nil, elapsed.Seconds()))
		if w.waitErr == nil {
			r.log.InfoContext(ctx, "Worker finished",
				slog.String("job", key), slog.Duration("elapsed", elapsed))
			continue
		}

		// An externally delivered kill is distinguishable from a crash by
		// the wait status, so it reconciles to killed rather than error.
		killed := w.killed || signaled(w.waitErr)
		r.log.WarnContext(ctx, "Worker exited abnormally",
			slog.String("job", key), slog.Bool("killed", killed), slog.Any("error", w.waitErr))
		if err := r.runner.Reconcile(ctx, w.username, w.jobID, killed); err != nil {
			r.log.ErrorContext(ctx, "Reconciliation failed",
				slog.String("job", key), slog.Any("error", err))
			continue
		}
		r.emit(dispatcher.JobReconciled(w.username, w.jobID, killed))
	}
}

// reconcileLeftovers settles jobs a previous daemon run left unfinished. A
// row whose recorded pid is still alive belongs to a worker that survived
// the restart; it is left alone and discovery skips it.
func (r *Registry) reconcileLeftovers(ctx context.Context) {
	jobs, err := r.store.ListUnfinishedJobs(ctx)
	if err != nil {
		r.log.WarnContext(ctx, "Leftover scan failed", slog.Any("error", err))
		return
	}
	for _, j := range jobs {
		if pidAlive(ctx, j.PID) {
			r.log.InfoContext(ctx, "Worker survived restart",
				slog.String("job", j.Key()), slog.Int("pid", j.PID))
			continue
		}
		r.log.WarnContext(ctx, "Reconciling leftover job", slog.String("job", j.Key()))
		if err := r.runner.Reconcile(ctx, j.Username, j.JobID, false); err != nil {
			r.log.ErrorContext(ctx, "Leftover reconciliation failed",
				slog.String("job", j.Key()), slog.Any("error", err))
			continue
		}
		r.emit(dispatcher.JobReconciled(j.Username, j.JobID, false))
	}
}

// maintain runs the idle housekeeping pass: stale workspace directories are
// removed and, when no workers are running, the local store catches up with
// a remote copy that moved ahead (an archive cut by the admin CLI, for
// example). The pull stays off while workers hold the database file open.
func (r *Registry) maintain(ctx context.Context) {
	removed := r.cleanStaleWorkspaces(ctx)
	pulled := false

	if r.state.size() == 0 {
		newer, err := r.sync.IsRemoteNewer(ctx)
		switch {
		case err != nil:
			r.log.WarnContext(ctx, "Maintenance version check failed", slog.Any("error", err))
		case newer:
			if err := r.sync.Pull(ctx, false); err != nil {
				r.log.WarnContext(ctx, "Maintenance pull failed", slog.Any("error", err))
			} else {
				r.log.InfoContext(ctx, "Pulled newer remote database")
				pulled = true
				if r.metrics != nil {
					r.metrics.RecordStorePull(ctx)
				}
			}
		}
	}

	r.emit(dispatcher.MaintenanceCompleted(removed, pulled))
}

// cleanStaleWorkspaces deletes per-job directories that are older than the
// configured age and not currently tracked, then prunes the emptied parents.
// Returns the number of workspaces removed.
func (r *Registry) cleanStaleWorkspaces(ctx context.Context) int {
	jobsDir := r.cfg.JobsDir()
	cutoff := time.Now().Add(-r.cfg.Registry.CleanupAge)

	commands, err := os.ReadDir(jobsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.WarnContext(ctx, "Workspace scan failed", slog.Any("error", err))
		}
		return 0
	}

	removed := 0
	for _, c := range commands {
		commandDir := filepath.Join(jobsDir, c.Name())
		users, err := os.ReadDir(commandDir)
		if err != nil {
			continue
		}
		for _, u := range users {
			userDir := filepath.Join(commandDir, u.Name())
			jobDirs, err := os.ReadDir(userDir)
			if err != nil {
				continue
			}
			for _, jd := range jobDirs {
				jobID, err := strconv.ParseInt(jd.Name(), 10, 64)
				if err != nil {
					continue
				}
				if _, tracked := r.state.get(job.Key(u.Name(), jobID)); tracked {
					continue
				}
				info, err := jd.Info()
				if err != nil || info.ModTime().After(cutoff) {
					continue
				}
				if err := os.RemoveAll(filepath.Join(userDir, jd.Name())); err != nil {
					r.log.WarnContext(ctx, "Stale workspace removal failed",
						slog.String("path", filepath.Join(userDir, jd.Name())), slog.Any("error", err))
					continue
				}
				removed++
			}
			os.Remove(userDir)
		}
		os.Remove(commandDir)
	}

	if removed > 0 {
		r.log.InfoContext(ctx, "Removed stale workspaces", slog.Int("count", removed))
	}
	return removed
}

// shutdown stops every live worker, reconciles the results, and pushes the
// final store state. Workers get TERM first and a chance to finish their
// own bookkeeping; whatever survives the grace period is killed hard.
func (r *Registry) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	workers := r.state.list()
	for key, w := range workers {
		if w == nil {
			r.state.release(key)
			continue
		}
		w.killed = true
		r.log.InfoContext(ctx, "Stopping worker",
			slog.String("job", key), slog.Int("pid", w.pid))
		killTree(ctx, int32(w.pid), killGrace)
	}
	r.waitWg.Wait()

	for key, w := range workers {
		if w == nil {
			continue
		}
		r.state.release(key)
		success := w.waitErr == nil
		if r.metrics != nil {
			r.metrics.RecordJobReaped(ctx, string(w.command), success, time.Since(w.started).Seconds())
		}
		r.emit(dispatcher.JobReaped(w.username, w.jobID, w.command, success, time.Since(w.started).Seconds()))
		if success {
			// Beat the kill by exiting cleanly; nothing left to settle.
			continue
		}
		if err := r.runner.Reconcile(ctx, w.username, w.jobID, true); err != nil {
			r.log.ErrorContext(ctx, "Reconciliation failed",
				slog.String("job", key), slog.Any("error", err))
			continue
		}
		r.emit(dispatcher.JobReconciled(w.username, w.jobID, true))
	}

	if err := r.sync.Push(ctx, false); err != nil {
		if errors.Is(err, apperrors.ErrStaleVersion) {
			r.emit(dispatcher.SyncConflict(r.sync.Key(), err))
			if r.metrics != nil {
				r.metrics.RecordSyncConflict(ctx)
			}
		}
		r.log.ErrorContext(ctx, "Final push failed", slog.Any("error", err))
		return err
	}
	r.log.InfoContext(ctx, "Registry stopped")
	return nil
}
