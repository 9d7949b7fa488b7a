package notify

import (
	"fmt"
	"strings"

	"jobd/internal/job"
)

const intro = `Hello,
This is an automated message from the jobd processing service.
Do not reply to this message.
`

// FileCounts summarizes a finished job's file handling for the notification
// body.
type FileCounts struct {
	Input        int
	Successful   int
	Unsuccessful int
	Exported     int
	ExportBytes  int64
}

// SubmittedSubject is the subject line for the start notification.
func SubmittedSubject(username string, jobID int64) string {
	return fmt.Sprintf("jobd: Job %q has been created", job.Key(username, jobID))
}

// SubmittedBody is the start notification body. commandLine is the full
// command the job runs on the server.
func SubmittedBody(username string, jobID int64, commandLine string) string {
	key := job.Key(username, jobID)
	var b strings.Builder
	b.WriteString(intro)
	fmt.Fprintf(&b, "\nYour job %q has been created and queued for processing.\n", key)
	fmt.Fprintf(&b, "\nThe following command is being run on the server:\n%s\n", commandLine)
	fmt.Fprintf(&b, "\nYou can check the status of your job at any time by running \"jobdctl status %s %d\".\n", username, jobID)
	b.WriteString("\nYou will get another notification when the job is complete and results (if any) are ready to download.\n")
	return b.String()
}

// FinishedSubject is the subject line for the finish notification.
func FinishedSubject(username string, jobID int64, status job.Status, counts FileCounts) string {
	return fmt.Sprintf("jobd: Job %q has %s", job.Key(username, jobID), statusPhrase(status, counts))
}

// IsFinishedSubject reports whether a recorded subject line belongs to a
// finish notification rather than a start one. Reconciliation uses it to
// decide whether a dead worker still owes its finish message.
func IsFinishedSubject(subject string) bool {
	return strings.Contains(subject, "has completed") || strings.Contains(subject, "has terminated")
}

// FinishedBody is the finish notification body with the per-file counts and,
// when anything was exported, the download instructions.
func FinishedBody(username string, jobID int64, status job.Status, counts FileCounts) string {
	key := job.Key(username, jobID)
	var b strings.Builder
	b.WriteString(intro)
	fmt.Fprintf(&b, "\nYour job %q has %s.\n", key, statusPhrase(status, counts))
	fmt.Fprintf(&b, "\nIt processed %d input files (%d successful, %d unsuccessful).\n",
		counts.Input, counts.Successful, counts.Unsuccessful)

	if counts.Exported > 0 {
		fmt.Fprintf(&b, "\n%d output files have been exported with a total size of %s."+
			" To download them, run \"jobdctl download %s %d\".\n",
			counts.Exported, humanSize(counts.ExportBytes), username, jobID)
	}
	if status != job.StatusComplete || counts.Unsuccessful > 0 {
		fmt.Fprintf(&b, "\nIf the job was unsuccessful or any files were not completed successfully,"+
			" you can download the detailed logfile by running \"jobdctl download %s %d\""+
			" and send it to the operators to debug the issue.\n", username, jobID)
	}
	return b.String()
}

// statusPhrase renders the terminal status for subject and body text.
func statusPhrase(status job.Status, counts FileCounts) string {
	switch {
	case status == job.StatusComplete && counts.Unsuccessful == 0:
		return "completed successfully"
	case status == job.StatusComplete:
		return "completed with partial success"
	default:
		return "terminated unexpectedly"
	}
}

// humanSize renders a byte count in a human-readable unit.
func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
