package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"jobd/internal/job"
	"jobd/pkg/backoff"
	"jobd/pkg/circuitbreaker"
)

const defaultPublishAttempts = 3

var publishBackoff = &backoff.Config{Initial: 200 * time.Millisecond, Max: 2 * time.Second}

// Auditor records delivered notifications. Satisfied by metastore.Store.
type Auditor interface {
	RecordNotification(ctx context.Context, rec job.NotificationRecord) error
}

// Service fans a notification out to every configured sink, guarding each
// sink with a circuit breaker and bounded retry, and records an audit row
// once the notification has been delivered. Delivery is synchronous: callers
// rely on the start notification being sent strictly before the finish one.
type Service struct {
	sinks    []Sink
	audit    Auditor
	breakers *circuitbreaker.Registry
	log      *slog.Logger

	attempts int
	retry    *backoff.Config
}

// sinkReceipt pairs one sink's receipt with its name in the audit row.
type sinkReceipt struct {
	Sink    string          `json:"sink"`
	Receipt json.RawMessage `json:"receipt"`
}

// NewService creates a notification service over the given sinks. A nil
// logger falls back to slog.Default.
func NewService(audit Auditor, log *slog.Logger, sinks ...Sink) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		sinks:    sinks,
		audit:    audit,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		log:      log,
		attempts: defaultPublishAttempts,
		retry:    publishBackoff,
	}
}

// Publish delivers subject and body through every sink. The notification
// counts as delivered, and is recorded, when every sink either succeeded or
// there are no sinks at all; an error is returned when all configured sinks
// failed. Partial delivery records the successful receipts and returns nil.
func (s *Service) Publish(ctx context.Context, subject, body string, tags Tags) error {
	receipts := make([]sinkReceipt, 0, len(s.sinks))
	var failures []error

	for _, sink := range s.sinks {
		receipt, err := s.publishOne(ctx, sink, subject, body, tags)
		if err != nil {
			s.log.ErrorContext(ctx, "Notification sink failed",
				slog.String("sink", sink.Name()),
				slog.String("kind", string(tags.Kind)),
				slog.Int64("job_id", tags.JobID),
				slog.Any("error", err),
			)
			failures = append(failures, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		receipts = append(receipts, sinkReceipt{Sink: sink.Name(), Receipt: json.RawMessage(receipt)})
	}

	if len(s.sinks) > 0 && len(receipts) == 0 {
		return fmt.Errorf("all notification sinks failed: %w", errors.Join(failures...))
	}

	response, err := json.Marshal(receipts)
	if err != nil {
		return err
	}
	rec := job.NotificationRecord{
		Username: tags.Username,
		JobID:    tags.JobID,
		Subject:  subject,
		Response: string(response),
	}
	if err := s.audit.RecordNotification(ctx, rec); err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}

	s.log.InfoContext(ctx, "Notification delivered",
		slog.String("kind", string(tags.Kind)),
		slog.String("subject", subject),
		slog.Int("sinks", len(receipts)),
	)
	return nil
}

// publishOne runs one sink under its breaker with bounded retry.
func (s *Service) publishOne(ctx context.Context, sink Sink, subject, body string, tags Tags) (string, error) {
	var receipt string
	var lastErr error

	for attempt := 0; attempt < s.attempts; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, backoff.Exponential(attempt, s.retry)); err != nil {
				return "", err
			}
		}

		err := s.breakers.Do(sink.Name(), func() error {
			var perr error
			receipt, perr = sink.Publish(ctx, subject, body, tags)
			return perr
		})
		if err == nil {
			return receipt, nil
		}
		lastErr = err

		// An open breaker will not close within the retry window.
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return "", err
		}
	}
	return "", lastErr
}

// Started sends the job submission notification.
func (s *Service) Started(ctx context.Context, j *job.Job, commandLine string) error {
	return s.Publish(ctx,
		SubmittedSubject(j.Username, j.JobID),
		SubmittedBody(j.Username, j.JobID, commandLine),
		Tags{JobID: j.JobID, Username: j.Username, Kind: KindStarted},
	)
}

// Finished sends the job completion notification.
func (s *Service) Finished(ctx context.Context, j *job.Job, counts FileCounts) error {
	return s.Publish(ctx,
		FinishedSubject(j.Username, j.JobID, j.Status, counts),
		FinishedBody(j.Username, j.JobID, j.Status, counts),
		Tags{JobID: j.JobID, Username: j.Username, Kind: KindFinished},
	)
}

// Close closes every sink, returning the first error.
func (s *Service) Close() error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
