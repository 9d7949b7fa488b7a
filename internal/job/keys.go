package job

import (
	"fmt"
	"strings"
)

// Object-store key layout. Inputs land under
// <import_prefix>/<command>/<username>/<job_id>/<filename>; exports mirror
// the same shape under the export prefix.

// Prefix joins prefix segments for a job's slot under base.
func Prefix(base string, command Command, username string, jobID int64) string {
	return joinKey(base, string(command), username, fmt.Sprintf("%d", jobID))
}

// FileKey returns the full key for one file in a job's slot under base.
func FileKey(base string, command Command, username string, jobID int64, filename string) string {
	return joinKey(Prefix(base, command, username, jobID), filename)
}

// KeyParams holds the fields recovered from an object-store key.
type KeyParams struct {
	Command  Command
	Username string
	JobID    int64
	Filename string
}

// ParseKey recovers command, username, job ID, and filename from a key of
// the form <base>/<command>/<username>/<job_id>/<filename>. The base prefix
// must match exactly.
func ParseKey(base, key string) (KeyParams, error) {
	rel := strings.TrimPrefix(key, strings.TrimSuffix(base, "/")+"/")
	if rel == key {
		return KeyParams{}, fmt.Errorf("key %q is not under prefix %q", key, base)
	}

	parts := strings.Split(rel, "/")
	if len(parts) != 4 {
		return KeyParams{}, fmt.Errorf("key %q does not match command/username/job_id/filename", key)
	}

	command := Command(parts[0])
	if !command.IsValid() {
		return KeyParams{}, fmt.Errorf("key %q: unknown command %q", key, parts[0])
	}
	if !ValidUsername(parts[1]) {
		return KeyParams{}, fmt.Errorf("key %q: invalid username %q", key, parts[1])
	}
	jobID, err := ParseJobID(parts[2])
	if err != nil {
		return KeyParams{}, fmt.Errorf("key %q: %w", key, err)
	}

	return KeyParams{
		Command:  command,
		Username: parts[1],
		JobID:    jobID,
		Filename: parts[3],
	}, nil
}

func joinKey(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "/")
}
