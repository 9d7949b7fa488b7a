package descriptor

import (
	"encoding/json"
	"fmt"
	"os"

	"jobd/internal/apperrors"
	"jobd/internal/job"
)

// envelope is used for initial JSON unmarshaling, leaving cmd_args raw until
// the command is known.
type envelope struct {
	Username        string          `json:"username"`
	JobID           int64           `json:"job_id"`
	Command         string          `json:"command"`
	JobName         string          `json:"job_name"`
	UploadPrefix    string          `json:"upload_prefix"`
	ProtocolVersion string          `json:"protocol_version"`
	Files           []string        `json:"files"`
	CmdArgs         json.RawMessage `json:"cmd_args"`
}

// Parse unmarshals a descriptor, decoding cmd_args into the argument type for
// its command. Any failure is a validation error: a descriptor that cannot be
// parsed is an invalid submission, not an internal fault.
func Parse(data []byte) (*Descriptor, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.Validation("descriptor", fmt.Sprintf("not valid JSON: %v", err))
	}

	cmd := job.Command(env.Command)
	args, err := unmarshalArgs(cmd, env.CmdArgs)
	if err != nil {
		return nil, err
	}

	return &Descriptor{
		Username:        env.Username,
		JobID:           env.JobID,
		Command:         cmd,
		JobName:         env.JobName,
		UploadPrefix:    env.UploadPrefix,
		ProtocolVersion: env.ProtocolVersion,
		Files:           env.Files,
		Args:            args,
	}, nil
}

// Load reads and parses a descriptor file.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// unmarshalArgs decodes cmd_args into the concrete type for cmd. Absent or
// empty cmd_args yield the command's defaults.
func unmarshalArgs(cmd job.Command, raw json.RawMessage) (Args, error) {
	var args Args
	switch cmd {
	case job.CommandValidate:
		args = &ValidateArgs{InputVdatum: "egm2008", BandNum: 1}
	case job.CommandImport:
		args = &ImportArgs{}
	case job.CommandUpdate:
		args = &UpdateArgs{StartDate: "1 year ago", EndDate: "midnight today"}
	case job.CommandTest:
		args = &TestArgs{}
	case job.CommandSubscribe:
		args = &SubscribeArgs{}
	case job.CommandUnsubscribe:
		args = &UnsubscribeArgs{}
	default:
		return nil, apperrors.Validation("command", fmt.Sprintf("unknown command %q", cmd))
	}

	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, args); err != nil {
		return nil, apperrors.Validation("cmd_args", fmt.Sprintf("malformed %s arguments: %v", cmd, err))
	}
	return args, nil
}

// Marshal serializes a descriptor with its cmd_args included.
func Marshal(d *Descriptor) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}

	// Inject the cmd_args field
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if d.Args != nil {
		m["cmd_args"] = d.Args
	}

	return json.Marshal(m)
}
