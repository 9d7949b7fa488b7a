package registry

import (
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"jobd/internal/apperrors"
	"jobd/internal/job"
)

// worker holds the runtime state for one spawned jobd-worker process.
type worker struct {
	username string
	jobID    int64
	command  job.Command
	pid      int
	cmd      *exec.Cmd
	started  time.Time
	killed   bool // the registry delivered the kill signal itself

	done    chan struct{} // closed once Wait has collected the exit
	waitErr error         // valid after done is closed
}

// signaled reports whether waitErr records a worker torn down by a signal
// (SIGKILL leaves no other trace) rather than exiting with a failure code of
// its own.
func signaled(waitErr error) bool {
	var ee *exec.ExitError
	if !errors.As(waitErr, &ee) || ee.ProcessState == nil {
		return false
	}
	ws, ok := ee.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled()
}

// exited reports whether the worker's exit status has been collected.
func (w *worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// stateRepo tracks live workers with thread-safe access.
type stateRepo struct {
	mu      sync.RWMutex
	workers map[string]*worker
}

// newStateRepo creates a new state repository.
func newStateRepo() *stateRepo {
	return &stateRepo{
		workers: make(map[string]*worker),
	}
}

// reserve attempts to reserve a job key slot. Returns error if already taken.
// The slot is reserved with nil until commit is called.
func (r *stateRepo) reserve(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[key]; exists {
		return apperrors.Conflict("job", key, "job is already tracked")
	}
	r.workers[key] = nil
	return nil
}

// commit fills in a reserved slot with the spawned worker.
func (r *stateRepo) commit(key string, w *worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[key] = w
}

// release removes a job from the repository. Returns the worker if it existed.
func (r *stateRepo) release(key string) (*worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[key]
	if exists {
		delete(r.workers, key)
	}
	return w, exists
}

// get retrieves a job's worker. Returns (nil, true) if reserved but not yet
// committed.
func (r *stateRepo) get(key string) (*worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, exists := r.workers[key]
	return w, exists
}

// list returns all job keys and their workers.
func (r *stateRepo) list() map[string]*worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*worker, len(r.workers))
	for key, w := range r.workers {
		result[key] = w
	}
	return result
}

// size returns the number of tracked jobs, reserved slots included.
func (r *stateRepo) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
