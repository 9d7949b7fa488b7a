package descriptor

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"jobd/internal/apperrors"
	"jobd/internal/job"
)

// Ref locates one descriptor object in the import area. Keys follow
// <import_prefix>/<command>/<username>/<job_id>/<filename>, so the job's
// identity can be recovered from the key alone, before the descriptor
// itself has been fetched.
type Ref struct {
	Key      string
	Command  job.Command
	Username string
	JobID    int64
	Filename string
}

// ParseKey extracts a Ref from an object key under importPrefix.
func ParseKey(importPrefix, key string) (Ref, error) {
	rel, ok := strings.CutPrefix(key, importPrefix+"/")
	if !ok {
		return Ref{}, apperrors.Validation("key", fmt.Sprintf("key %q is not under import prefix %q", key, importPrefix))
	}

	parts := strings.Split(rel, "/")
	if len(parts) != 4 {
		return Ref{}, apperrors.Validation("key", fmt.Sprintf("key %q does not match command/username/job_id/filename", key))
	}

	cmd := job.Command(parts[0])
	if !cmd.IsValid() {
		return Ref{}, apperrors.Validation("key", fmt.Sprintf("key %q names unknown command %q", key, parts[0]))
	}
	if !job.ValidUsername(parts[1]) {
		return Ref{}, apperrors.Validation("key", fmt.Sprintf("key %q carries invalid username %q", key, parts[1]))
	}
	id, err := job.ParseJobID(parts[2])
	if err != nil {
		return Ref{}, apperrors.Validation("key", fmt.Sprintf("key %q: %v", key, err))
	}
	if parts[3] == "" {
		return Ref{}, apperrors.Validation("key", fmt.Sprintf("key %q has no filename", key))
	}

	return Ref{
		Key:      key,
		Command:  cmd,
		Username: parts[1],
		JobID:    id,
		Filename: parts[3],
	}, nil
}

// JobKey returns the canonical "<username>_<jobID>" name of the job.
func (r Ref) JobKey() string {
	return job.Key(r.Username, r.JobID)
}

// Prefix returns the key's directory, where the job's input files sit
// alongside the descriptor.
func (r Ref) Prefix() string {
	return path.Dir(r.Key)
}

// SubPrefix returns the command/username/job_id path fragment shared by the
// import, export, and quarantine areas.
func (r Ref) SubPrefix() string {
	return path.Join(string(r.Command), r.Username, strconv.FormatInt(r.JobID, 10))
}

// IsDescriptor reports whether the referenced object is a job descriptor
// rather than an input file uploaded to the same prefix.
func (r Ref) IsDescriptor() bool {
	return strings.HasSuffix(r.Filename, ".json")
}
