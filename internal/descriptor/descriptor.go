// Package descriptor defines the job descriptor format and its per-command
// argument types. A descriptor is a small JSON document uploaded last to a
// job's import prefix; its arrival is what makes a submission visible to the
// registry.
package descriptor

import (
	"path"

	"jobd/internal/job"
)

// Descriptor describes one submitted job: who submitted it, what command to
// run, which files were uploaded alongside it, and the command's arguments.
type Descriptor struct {
	Username        string      `json:"username"`
	JobID           int64       `json:"job_id"`
	Command         job.Command `json:"command"`
	JobName         string      `json:"job_name"`
	UploadPrefix    string      `json:"upload_prefix"`
	ProtocolVersion string      `json:"protocol_version"`
	Files           []string    `json:"files"`

	// Args holds the decoded cmd_args for Command. Populated by Parse,
	// serialized back by Marshal.
	Args Args `json:"-"`
}

// JobKey returns the canonical "<username>_<jobID>" name of the job.
func (d *Descriptor) JobKey() string {
	return job.Key(d.Username, d.JobID)
}

// Filename returns the descriptor's own object basename.
func (d *Descriptor) Filename() string {
	return d.JobKey() + ".json"
}

// FileKey returns the object key of a file uploaded with this job.
func (d *Descriptor) FileKey(filename string) string {
	return path.Join(d.UploadPrefix, filename)
}

// Args is implemented by the per-command argument types.
type Args interface {
	ArgsCommand() job.Command
}

// ValidateArgs are the arguments for a validate job.
type ValidateArgs struct {
	InputVdatum     string `json:"input_vdatum"`
	MeasureCoverage bool   `json:"measure_coverage"`
	BandNum         int    `json:"band_num"`
}

func (*ValidateArgs) ArgsCommand() job.Command { return job.CommandValidate }

// ImportArgs are the arguments for an import job.
type ImportArgs struct {
	DestinationPrefix string `json:"destination_prefix"`
}

func (*ImportArgs) ArgsCommand() job.Command { return job.CommandImport }

// UpdateArgs are the arguments for an update job. Date bounds are passed
// through verbatim to the update executable, which accepts fuzzy phrases
// such as "1 year ago".
type UpdateArgs struct {
	PolygonFile          string `json:"polygon_file"`
	StartDate            string `json:"start_date"`
	EndDate              string `json:"end_date"`
	SkipBadGranuleChecks bool   `json:"skip_bad_granule_checks"`
	LeaveOldData         bool   `json:"leave_old_data"`
}

func (*UpdateArgs) ArgsCommand() job.Command { return job.CommandUpdate }

// TestArgs are the arguments for an end-to-end test job. Fail makes the
// handler return an error on purpose so the failure path can be exercised.
type TestArgs struct {
	Fail bool `json:"fail"`
}

func (*TestArgs) ArgsCommand() job.Command { return job.CommandTest }

// SubscribeArgs are the arguments for a subscribe job. When All is set the
// subscription covers every job, otherwise only the submitter's own.
type SubscribeArgs struct {
	Email string `json:"email"`
	All   bool   `json:"all"`
}

func (*SubscribeArgs) ArgsCommand() job.Command { return job.CommandSubscribe }

// UnsubscribeArgs are the arguments for an unsubscribe job.
type UnsubscribeArgs struct {
	Email string `json:"email"`
}

func (*UnsubscribeArgs) ArgsCommand() job.Command { return job.CommandUnsubscribe }
