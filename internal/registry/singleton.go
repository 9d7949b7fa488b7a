package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"jobd/internal/apperrors"
)

// EnsureSingleInstance scans the process table for another live daemon
// running the same binary. One registry per host is the operational model;
// a second copy reports a conflict naming the first one's pid so it can
// exit quietly instead of double-dispatching jobs.
func EnsureSingleInstance(ctx context.Context) error {
	return ensureSingleInstance(ctx, filepath.Base(os.Args[0]), int32(os.Getpid()))
}

func ensureSingleInstance(ctx context.Context, name string, self int32) error {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return apperrors.Internal("registry.scan", err)
	}
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		if n, err := p.NameWithContext(ctx); err == nil && n == name {
			return alreadyRunning(name, p.Pid)
		}
		// The name the kernel reports is truncated, so check the full
		// command line's executable as well.
		if argv, err := p.CmdlineSliceWithContext(ctx); err == nil && len(argv) > 0 {
			if filepath.Base(argv[0]) == name {
				return alreadyRunning(name, p.Pid)
			}
		}
	}
	return nil
}

func alreadyRunning(name string, pid int32) error {
	return apperrors.Conflict("registry", name,
		fmt.Sprintf("another %s instance is already running (pid %d)", name, pid))
}

// pidAlive reports whether a recorded worker pid still belongs to a live
// process.
func pidAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExistsWithContext(ctx, int32(pid))
	return err == nil && alive
}

// killTree stops a worker process and everything it spawned: TERM to the
// descendants and the worker itself, then KILL for whatever survives the
// grace period.
func killTree(ctx context.Context, pid int32, grace time.Duration) {
	root, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return // already gone
	}
	procs := append(descendants(ctx, root), root)

	for _, p := range procs {
		_ = p.TerminateWithContext(ctx)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !anyRunning(ctx, procs) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	for _, p := range procs {
		if running, _ := p.IsRunningWithContext(ctx); running {
			_ = p.KillWithContext(ctx)
		}
	}
}

// descendants collects the worker's process tree depth first, grandchildren
// before the processes that spawned them.
func descendants(ctx context.Context, p *process.Process) []*process.Process {
	kids, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}
	var all []*process.Process
	for _, k := range kids {
		all = append(all, descendants(ctx, k)...)
		all = append(all, k)
	}
	return all
}

func anyRunning(ctx context.Context, procs []*process.Process) bool {
	for _, p := range procs {
		if running, _ := p.IsRunningWithContext(ctx); running {
			return true
		}
	}
	return false
}
