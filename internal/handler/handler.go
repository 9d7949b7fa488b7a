// Package handler dispatches jobs to their command implementations. The
// subscribe, unsubscribe and test commands are built in; validate, import
// and update run configured external executables inside the job workspace.
package handler

import (
	"context"
	"log/slog"

	"jobd/internal/apperrors"
	"jobd/internal/config"
	"jobd/internal/descriptor"
	"jobd/internal/job"
	"jobd/internal/metastore"
)

// Handler runs one command's work. inputFiles are the downloaded basenames
// inside the job's input directory; the returned names are output basenames
// inside the job's output directory that should be exported. Handlers check
// ctx so a killed job stops promptly.
type Handler interface {
	Handle(ctx context.Context, j *job.Job, args descriptor.Args, inputFiles []string, workspace string) ([]string, error)
}

// Mutator applies a metastore mutation and pushes the result. Satisfied by
// metastore.Syncer. Handlers run inside worker processes, which share the
// daemon's database file and therefore must never pull: a pull replaces the
// file under every sibling's open handle.
type Mutator interface {
	Apply(ctx context.Context, fn func(ctx context.Context) error) error
}

// Registry maps commands to handlers.
type Registry struct {
	handlers map[job.Command]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[job.Command]Handler)}
}

// Register installs a handler for cmd, replacing any previous one.
func (r *Registry) Register(cmd job.Command, h Handler) {
	r.handlers[cmd] = h
}

// Get returns the handler for cmd.
func (r *Registry) Get(cmd job.Command) (Handler, error) {
	h, ok := r.handlers[cmd]
	if !ok {
		return nil, apperrors.NotFound("handler", string(cmd))
	}
	return h, nil
}

// Commands returns the registered commands in stable order.
func (r *Registry) Commands() []job.Command {
	cmds := make([]job.Command, 0, len(r.handlers))
	for _, c := range job.Commands() {
		if _, ok := r.handlers[c]; ok {
			cmds = append(cmds, c)
		}
	}
	return cmds
}

// DefaultRegistry builds the standard registry: built-ins always, external
// executables only for the commands cfg names a binary for.
func DefaultRegistry(cfg config.HandlerConfig, store *metastore.Store, sync Mutator, topic string, log *slog.Logger) *Registry {
	r := NewRegistry()
	r.Register(job.CommandTest, NewTestHandler())
	r.Register(job.CommandSubscribe, NewSubscribeHandler(store, sync, topic))
	r.Register(job.CommandUnsubscribe, NewUnsubscribeHandler(store, sync, topic))

	if cfg.ValidateExec != "" {
		r.Register(job.CommandValidate, NewExecHandler(cfg.ValidateExec, validateArgv, log))
	}
	if cfg.ImportExec != "" {
		r.Register(job.CommandImport, NewExecHandler(cfg.ImportExec, importArgv, log))
	}
	if cfg.UpdateExec != "" {
		r.Register(job.CommandUpdate, NewExecHandler(cfg.UpdateExec, updateArgv, log))
	}
	return r
}
