package descriptor

import (
	"fmt"
	"strconv"
	"strings"

	"jobd/internal/apperrors"
	"jobd/internal/job"
)

// Validate checks a parsed descriptor against the submission rules. minProto
// is the lowest client protocol version the server accepts; empty disables
// the check.
func Validate(d *Descriptor, minProto string) error {
	if !job.ValidUsername(d.Username) {
		return apperrors.Validation("username", fmt.Sprintf("invalid username %q", d.Username))
	}
	if !job.ValidJobID(d.JobID) {
		return apperrors.Validation("job_id", fmt.Sprintf("job_id %d is not a YYYYMMDDNNNN number", d.JobID))
	}
	if !d.Command.IsValid() {
		return apperrors.Validation("command", fmt.Sprintf("unknown command %q", d.Command))
	}
	if want := job.Key(d.Username, d.JobID); d.JobName != want {
		return apperrors.Validation("job_name", fmt.Sprintf("job_name %q does not match %q", d.JobName, want))
	}
	if d.UploadPrefix == "" {
		return apperrors.Validation("upload_prefix", "upload_prefix is required")
	}
	if err := validateKey(d.UploadPrefix); err != nil {
		return apperrors.Validation("upload_prefix", fmt.Sprintf("invalid upload_prefix: %v", err))
	}

	if minProto != "" {
		older, err := versionOlder(d.ProtocolVersion, minProto)
		if err != nil {
			return apperrors.Validation("protocol_version", fmt.Sprintf("invalid protocol_version: %v", err))
		}
		if older {
			return apperrors.Validation("protocol_version",
				fmt.Sprintf("client protocol %s is older than the minimum supported %s", d.ProtocolVersion, minProto))
		}
	}

	for i, fn := range d.Files {
		field := fmt.Sprintf("files[%d]", i)
		if fn == "" {
			return apperrors.Validation(field, "filename is empty")
		}
		if strings.ContainsAny(fn, "/\\") {
			return apperrors.Validation(field, fmt.Sprintf("filename %q must be a bare basename", fn))
		}
		if fn == "." || fn == ".." {
			return apperrors.Validation(field, fmt.Sprintf("filename %q is not a file", fn))
		}
	}

	if d.Args == nil {
		return apperrors.Validation("cmd_args", "cmd_args are missing")
	}
	if got := d.Args.ArgsCommand(); got != d.Command {
		return apperrors.Validation("cmd_args", fmt.Sprintf("cmd_args are for %q, descriptor says %q", got, d.Command))
	}

	switch args := d.Args.(type) {
	case *ValidateArgs:
		if args.InputVdatum == "" {
			return apperrors.Validation("cmd_args.input_vdatum", "input_vdatum is required")
		}
		if args.BandNum < 1 {
			return apperrors.Validation("cmd_args.band_num", fmt.Sprintf("band_num must be >= 1, got %d", args.BandNum))
		}

	case *ImportArgs:
		if args.DestinationPrefix != "" {
			if err := validateKey(args.DestinationPrefix); err != nil {
				return apperrors.Validation("cmd_args.destination_prefix", fmt.Sprintf("invalid destination_prefix: %v", err))
			}
		}

	case *UpdateArgs:
		if args.PolygonFile != "" && strings.ContainsAny(args.PolygonFile, "/\\") {
			return apperrors.Validation("cmd_args.polygon_file",
				fmt.Sprintf("polygon_file %q must be a bare basename", args.PolygonFile))
		}

	case *SubscribeArgs:
		if err := validateEmail(args.Email); err != nil {
			return apperrors.Validation("cmd_args.email", err.Error())
		}

	case *UnsubscribeArgs:
		if err := validateEmail(args.Email); err != nil {
			return apperrors.Validation("cmd_args.email", err.Error())
		}
	}

	return nil
}

// validateKey rejects object keys that could escape the store namespace.
func validateKey(key string) error {
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("key must be relative, not absolute")
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed")
		}
	}
	return nil
}

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email is required")
	}
	at := strings.Index(email, "@")
	if at < 1 || at == len(email)-1 {
		return fmt.Errorf("email %q is not an address", email)
	}
	return nil
}

// versionOlder reports whether version a sorts before version b, comparing
// dot-separated numeric segments. Missing segments count as zero.
func versionOlder(a, b string) (bool, error) {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		an, err := versionSegment(as, i)
		if err != nil {
			return false, fmt.Errorf("version %q: %w", a, err)
		}
		bn, err := versionSegment(bs, i)
		if err != nil {
			return false, fmt.Errorf("version %q: %w", b, err)
		}
		if an != bn {
			return an < bn, nil
		}
	}
	return false, nil
}

func versionSegment(parts []string, i int) (int, error) {
	if i >= len(parts) {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
	if err != nil {
		return 0, fmt.Errorf("segment %q is not a number", parts[i])
	}
	return n, nil
}
