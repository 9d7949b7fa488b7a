package handler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"

	"jobd/internal/apperrors"
	"jobd/internal/descriptor"
	"jobd/internal/job"
)

// ArgvFunc builds the command line for an external executable from the job's
// typed arguments and its input file basenames.
type ArgvFunc func(j *job.Job, args descriptor.Args, inputFiles []string) []string

// ExecHandler runs an external executable in the job workspace. The process
// inherits the worker's stdout and stderr, which the registry has already
// redirected to the job logfile. Whatever the executable leaves in the output
// directory becomes the job's exports.
type ExecHandler struct {
	path string
	argv ArgvFunc
	log  *slog.Logger
}

// NewExecHandler creates a handler running the executable at path.
func NewExecHandler(path string, argv ArgvFunc, log *slog.Logger) *ExecHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ExecHandler{path: path, argv: argv, log: log}
}

func (h *ExecHandler) Handle(ctx context.Context, j *job.Job, args descriptor.Args, inputFiles []string, workspace string) ([]string, error) {
	argv := h.argv(j, args, inputFiles)

	cmd := exec.CommandContext(ctx, h.path, argv...)
	cmd.Dir = workspace
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"JOBD_JOB_NAME="+j.Key(),
		"JOBD_USERNAME="+j.Username,
		"JOBD_JOB_ID="+strconv.FormatInt(j.JobID, 10),
		"JOBD_INPUT_DIR="+j.InputDir,
		"JOBD_OUTPUT_DIR="+j.OutputDir,
	)

	h.log.InfoContext(ctx, "Running command executable",
		slog.String("job", j.Key()),
		slog.String("exec", h.path),
		slog.Int("args", len(argv)),
	)

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperrors.Internal(fmt.Sprintf("%s executable", j.Command), err)
	}

	outputs, err := listOutputs(j.OutputDir)
	if err != nil {
		return nil, apperrors.Internal("collecting outputs", err)
	}
	return outputs, nil
}

// listOutputs returns the sorted basenames of regular files in dir.
func listOutputs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func validateArgv(j *job.Job, args descriptor.Args, inputFiles []string) []string {
	argv := []string{"--output-dir", j.OutputDir}
	if va, ok := args.(*descriptor.ValidateArgs); ok {
		argv = append(argv, "--vdatum", va.InputVdatum, "--band-num", strconv.Itoa(va.BandNum))
		if va.MeasureCoverage {
			argv = append(argv, "--measure-coverage")
		}
	}
	return append(argv, inputFiles...)
}

func importArgv(j *job.Job, args descriptor.Args, inputFiles []string) []string {
	argv := []string{"--output-dir", j.OutputDir}
	if ia, ok := args.(*descriptor.ImportArgs); ok && ia.DestinationPrefix != "" {
		argv = append(argv, "--destination-prefix", ia.DestinationPrefix)
	}
	return append(argv, inputFiles...)
}

func updateArgv(j *job.Job, args descriptor.Args, inputFiles []string) []string {
	argv := []string{"--output-dir", j.OutputDir}
	if ua, ok := args.(*descriptor.UpdateArgs); ok {
		if ua.PolygonFile != "" {
			argv = append(argv, "--polygon-file", ua.PolygonFile)
		}
		if ua.StartDate != "" {
			argv = append(argv, "--start-date", ua.StartDate)
		}
		if ua.EndDate != "" {
			argv = append(argv, "--end-date", ua.EndDate)
		}
		if ua.SkipBadGranuleChecks {
			argv = append(argv, "--skip-bad-granule-checks")
		}
		if ua.LeaveOldData {
			argv = append(argv, "--leave-old-data")
		}
	}
	return append(argv, inputFiles...)
}
