package handler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"jobd/internal/apperrors"
	"jobd/internal/descriptor"
	"jobd/internal/job"
	"jobd/internal/metastore"
)

// testResultsFile is the probe output every test job exports.
const testResultsFile = "test_results.txt"

// TestHandler exercises the whole pipeline without processing real data: it
// writes a probe output file naming each input, and fails on request.
type TestHandler struct{}

func NewTestHandler() *TestHandler { return &TestHandler{} }

func (h *TestHandler) Handle(ctx context.Context, j *job.Job, args descriptor.Args, inputFiles []string, _ string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Create(filepath.Join(j.OutputDir, testResultsFile))
	if err != nil {
		return nil, apperrors.Internal("test handler", err)
	}
	fmt.Fprintf(f, "Test job %s has completed.\n", j.Key())
	for _, name := range inputFiles {
		fmt.Fprintf(f, "processed: %s\n", name)
	}
	if err := f.Close(); err != nil {
		return nil, apperrors.Internal("test handler", err)
	}

	if ta, ok := args.(*descriptor.TestArgs); ok && ta.Fail {
		return []string{testResultsFile}, apperrors.Internal("test handler", errors.New("failed on request"))
	}
	return []string{testResultsFile}, nil
}

// SubscribeHandler adds a notification subscription for the submitting user.
// The email comes from cmd_args; the filter is the submitter's username
// unless the subscription asks for all jobs.
type SubscribeHandler struct {
	store *metastore.Store
	sync  Mutator
	topic string
}

func NewSubscribeHandler(store *metastore.Store, sync Mutator, topic string) *SubscribeHandler {
	return &SubscribeHandler{store: store, sync: sync, topic: topic}
}

func (h *SubscribeHandler) Handle(ctx context.Context, j *job.Job, args descriptor.Args, _ []string, _ string) ([]string, error) {
	sa, ok := args.(*descriptor.SubscribeArgs)
	if !ok {
		return nil, apperrors.Validation("cmd_args", fmt.Sprintf("subscribe got %T arguments", args))
	}

	filter := j.Username
	if sa.All {
		filter = ""
	}
	sub := job.Subscription{
		Email:    sa.Email,
		Username: j.Username,
		Topic:    h.topic,
		Filter:   filter,
	}
	err := h.sync.Apply(ctx, func(ctx context.Context) error {
		return h.store.Subscribe(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// UnsubscribeHandler removes a notification subscription.
type UnsubscribeHandler struct {
	store *metastore.Store
	sync  Mutator
	topic string
}

func NewUnsubscribeHandler(store *metastore.Store, sync Mutator, topic string) *UnsubscribeHandler {
	return &UnsubscribeHandler{store: store, sync: sync, topic: topic}
}

func (h *UnsubscribeHandler) Handle(ctx context.Context, j *job.Job, args descriptor.Args, _ []string, _ string) ([]string, error) {
	ua, ok := args.(*descriptor.UnsubscribeArgs)
	if !ok {
		return nil, apperrors.Validation("cmd_args", fmt.Sprintf("unsubscribe got %T arguments", args))
	}

	err := h.sync.Apply(ctx, func(ctx context.Context) error {
		return h.store.Unsubscribe(ctx, ua.Email, h.topic)
	})
	if err != nil {
		return nil, err
	}
	return nil, nil
}
