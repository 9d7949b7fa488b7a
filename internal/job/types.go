// Package job defines the core domain types: jobs, file records,
// notification audit rows, and the status state machines they move through.
package job

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Command identifies the handler a job dispatches to.
type Command string

const (
	CommandValidate    Command = "validate"
	CommandImport      Command = "import"
	CommandUpdate      Command = "update"
	CommandTest        Command = "test"
	CommandSubscribe   Command = "subscribe"
	CommandUnsubscribe Command = "unsubscribe"
)

// Commands lists every valid command, in a stable order.
func Commands() []Command {
	return []Command{
		CommandValidate,
		CommandImport,
		CommandUpdate,
		CommandTest,
		CommandSubscribe,
		CommandUnsubscribe,
	}
}

// IsValid reports whether c is a known command.
func (c Command) IsValid() bool {
	switch c {
	case CommandValidate, CommandImport, CommandUpdate, CommandTest,
		CommandSubscribe, CommandUnsubscribe:
		return true
	}
	return false
}

// Status is a job's position in its lifecycle state machine.
//
// Non-terminal: unknown, started, running. Terminal: complete, error, killed.
// A job only moves along the edges in transitions below; the single
// backward-looking path is unknown -> error/killed, used when reconciling a
// placeholder row whose process never reported in.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusStarted  Status = "started"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
	StatusKilled   Status = "killed"
)

// IsValid reports whether s is a known job status.
func (s Status) IsValid() bool {
	switch s {
	case StatusUnknown, StatusStarted, StatusRunning, StatusComplete, StatusError, StatusKilled:
		return true
	}
	return false
}

// IsTerminal reports whether a job in this status will never move again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusKilled:
		return true
	}
	return false
}

var jobTransitions = map[Status][]Status{
	StatusUnknown: {StatusStarted, StatusError, StatusKilled},
	StatusStarted: {StatusRunning, StatusComplete, StatusError, StatusKilled},
	StatusRunning: {StatusComplete, StatusError, StatusKilled},
}

// CanTransition reports whether a job may move from one status to another.
// Equal statuses are not a transition (callers treat them as a no-op).
func CanTransition(from, to Status) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FileStatus tracks one file through download, processing, and upload.
type FileStatus string

const (
	FileUnknown     FileStatus = "unknown"
	FileDownloaded  FileStatus = "downloaded"
	FileProcessed   FileStatus = "processed"
	FileUploaded    FileStatus = "uploaded"
	FileError       FileStatus = "error"
	FileTimeout     FileStatus = "timeout"
	FileQuarantined FileStatus = "quarantined"
)

// IsValid reports whether s is a known file status.
func (s FileStatus) IsValid() bool {
	switch s {
	case FileUnknown, FileDownloaded, FileProcessed, FileUploaded,
		FileError, FileTimeout, FileQuarantined:
		return true
	}
	return false
}

// Successful reports whether the file made it through its pipeline stage.
// Used for the per-file counts in finish notifications.
func (s FileStatus) Successful() bool {
	switch s {
	case FileDownloaded, FileProcessed, FileUploaded:
		return true
	}
	return false
}

// Direction says which way a file moves relative to the object store.
type Direction string

const (
	DirectionImport Direction = "import"
	DirectionExport Direction = "export"
	DirectionBoth   Direction = "both"
)

// IsValid reports whether d is a known direction.
func (d Direction) IsValid() bool {
	switch d {
	case DirectionImport, DirectionExport, DirectionBoth:
		return true
	}
	return false
}

// Imports reports whether the file is expected to arrive from the inbox.
func (d Direction) Imports() bool { return d == DirectionImport || d == DirectionBoth }

// Exports reports whether the file should be uploaded when the job finishes.
func (d Direction) Exports() bool { return d == DirectionExport || d == DirectionBoth }

// PlaceholderHash fills content_hash on records registered before their file
// exists (pre-registered inputs, the log file on first write).
const PlaceholderHash = "--------------------------------"

// Job is one unit of submitted work, keyed by (username, job_id).
type Job struct {
	Username     string  `json:"username"`
	JobID        int64   `json:"job_id"`
	Command      Command `json:"command"`
	Status       Status  `json:"status"`
	PID          int     `json:"pid"`
	ConfigFile   string  `json:"configfile"`
	LogFile      string  `json:"logfile"`
	ImportPrefix string  `json:"import_prefix"`
	ExportPrefix string  `json:"export_prefix"`
	InputDir     string  `json:"input_dir"`
	OutputDir    string  `json:"output_dir"`
}

// Key returns the job's canonical name, username_jobid.
func (j *Job) Key() string {
	return Key(j.Username, j.JobID)
}

// Key builds the canonical username_jobid name used in logs, notification
// subjects, and state tracking.
func Key(username string, jobID int64) string {
	return fmt.Sprintf("%s_%d", username, jobID)
}

// FileRecord is one file attached to a job.
type FileRecord struct {
	Username    string     `json:"username"`
	JobID       int64      `json:"job_id"`
	Filename    string     `json:"filename"`
	Direction   Direction  `json:"direction"`
	Status      FileStatus `json:"status"`
	SizeBytes   int64      `json:"size_bytes"`
	ContentHash string     `json:"content_hash"`
}

// NotificationRecord is one append-only audit row for a published message.
type NotificationRecord struct {
	Username string    `json:"username"`
	JobID    int64     `json:"job_id"`
	Subject  string    `json:"subject"`
	Response string    `json:"response"`
	SentAt   time.Time `json:"sent_at"`
}

// Subscription is a notification-routing entry maintained by the
// subscribe/unsubscribe commands.
type Subscription struct {
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	Topic     string    `json:"topic"`
	Filter    string    `json:"filter"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	jobIDPattern    = regexp.MustCompile(`^\d{12}$`)
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// ParseJobID parses a 12-digit YYYYMMDDNNNN job identifier.
func ParseJobID(s string) (int64, error) {
	if !jobIDPattern.MatchString(s) {
		return 0, fmt.Errorf("job ID %q is not a 12-digit YYYYMMDDNNNN number", s)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("job ID %q: %w", s, err)
	}
	return id, nil
}

// ValidJobID reports whether id renders to a 12-digit YYYYMMDDNNNN number.
func ValidJobID(id int64) bool {
	return jobIDPattern.MatchString(strconv.FormatInt(id, 10))
}

// ValidUsername reports whether name uses only the allowed characters.
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// DayFloor returns the earliest job ID of the day t falls on: YYYYMMDD0000.
// Archive cutoffs and watermarks are expressed this way.
func DayFloor(t time.Time) int64 {
	n, _ := strconv.ParseInt(t.Format("20060102")+"0000", 10, 64)
	return n
}

// CleanFilename strips any path components, leaving the basename the store
// keys and file records use.
func CleanFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
