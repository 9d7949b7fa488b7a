// Package notify delivers job lifecycle notifications through configurable
// sinks and records every delivery in the metastore for auditing.
package notify

import "context"

// Kind distinguishes the two lifecycle notifications a job emits.
type Kind string

const (
	KindStarted  Kind = "started"
	KindFinished Kind = "finished"
)

// Tags accompany every notification so sinks and downstream consumers can
// filter without parsing the body.
type Tags struct {
	JobID    int64
	Username string
	Kind     Kind
}

// Sink delivers one notification to one destination. The returned receipt is
// sink-specific JSON stored in the notification audit row.
type Sink interface {
	Name() string
	Publish(ctx context.Context, subject, body string, tags Tags) (receipt string, err error)
	Close() error
}
