package executor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"jobd/internal/descriptor"
)

// Workspace is the per-job directory layout under the daemon's jobs
// directory. The root receives downloaded inputs, outputs/ collects what the
// handler produces, and the logfile sits inside the output directory so it
// exports alongside the results.
type Workspace struct {
	Root      string
	OutputDir string
	LogFile   string
}

// NewWorkspace computes the layout for a job: jobsDir/command/username/jobID,
// with outputs/ below it and a logfile named after the descriptor.
func NewWorkspace(jobsDir string, ref descriptor.Ref) Workspace {
	root := filepath.Join(jobsDir, string(ref.Command), ref.Username, strconv.FormatInt(ref.JobID, 10))
	out := filepath.Join(root, "outputs")
	stem := strings.TrimSuffix(ref.Filename, filepath.Ext(ref.Filename))
	return Workspace{
		Root:      root,
		OutputDir: out,
		LogFile:   filepath.Join(out, stem+"_log.txt"),
	}
}

// workspaceOf rebuilds the layout recorded on a job row, for reconciliation
// of a process that is no longer around to remember it.
func workspaceOf(inputDir, outputDir, logName string) Workspace {
	return Workspace{
		Root:      inputDir,
		OutputDir: outputDir,
		LogFile:   filepath.Join(outputDir, logName),
	}
}

// LogName returns the logfile's basename, as recorded on the job row and in
// its file record.
func (ws Workspace) LogName() string {
	return filepath.Base(ws.LogFile)
}

// Create makes the workspace directories.
func (ws Workspace) Create() error {
	return os.MkdirAll(ws.OutputDir, 0o755)
}

// Remove deletes the workspace, then prunes any directories left empty
// between it and jobsDir.
func (ws Workspace) Remove(jobsDir string) error {
	if err := os.RemoveAll(ws.Root); err != nil {
		return err
	}
	base := filepath.Clean(jobsDir)
	for dir := filepath.Dir(ws.Root); dir != base && strings.HasPrefix(dir, base+string(filepath.Separator)); dir = filepath.Dir(dir) {
		// Stops at the first non-empty directory.
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}
