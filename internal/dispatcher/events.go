package dispatcher

import (
	"fmt"

	"jobd/internal/job"
	"jobd/pkg/cloudevent"
)

// Event types emitted on the ops stream.
const (
	EventTypeJobDiscovered = "jobd.job.discovered"
	EventTypeJobSpawned    = "jobd.job.spawned"
	EventTypeJobReaped     = "jobd.job.reaped"
	EventTypeJobReconciled = "jobd.job.reconciled"
	EventTypeSyncConflict  = "jobd.sync.conflict"
	EventTypeMaintenance   = "jobd.maintenance.completed"
)

const eventSource = "jobd/registry"

func jobSubject(username string, jobID int64) string {
	return fmt.Sprintf("%s_%d", username, jobID)
}

func jobData(username string, jobID int64, command job.Command) map[string]any {
	return map[string]any{
		"username": username,
		"job_id":   jobID,
		"command":  string(command),
	}
}

// JobDiscovered describes a descriptor that passed the discovery filters.
func JobDiscovered(username string, jobID int64, command job.Command) *cloudevent.CloudEvent {
	return cloudevent.New(EventTypeJobDiscovered, eventSource, jobSubject(username, jobID),
		jobData(username, jobID, command))
}

// JobSpawned describes a worker process started for a job.
func JobSpawned(username string, jobID int64, command job.Command, pid int) *cloudevent.CloudEvent {
	data := jobData(username, jobID, command)
	data["pid"] = pid
	return cloudevent.New(EventTypeJobSpawned, eventSource, jobSubject(username, jobID), data)
}

// JobReaped describes a worker process exit.
func JobReaped(username string, jobID int64, command job.Command, success bool, durationSeconds float64) *cloudevent.CloudEvent {
	data := jobData(username, jobID, command)
	data["success"] = success
	data["duration_seconds"] = durationSeconds
	return cloudevent.New(EventTypeJobReaped, eventSource, jobSubject(username, jobID), data)
}

// JobReconciled describes a job forced to a terminal status after its worker
// died without finishing its own bookkeeping.
func JobReconciled(username string, jobID int64, killed bool) *cloudevent.CloudEvent {
	return cloudevent.New(EventTypeJobReconciled, eventSource, jobSubject(username, jobID),
		map[string]any{
			"username": username,
			"job_id":   jobID,
			"killed":   killed,
		})
}

// SyncConflict describes a database push rejected by a newer remote copy.
func SyncConflict(key string, err error) *cloudevent.CloudEvent {
	data := map[string]any{"key": key}
	if err != nil {
		data["error"] = err.Error()
	}
	return cloudevent.New(EventTypeSyncConflict, eventSource, key, data)
}

// MaintenanceCompleted describes one maintenance pass over the workspace tree.
func MaintenanceCompleted(workspacesRemoved int, pulled bool) *cloudevent.CloudEvent {
	return cloudevent.New(EventTypeMaintenance, eventSource, "maintenance",
		map[string]any{
			"workspaces_removed": workspacesRemoved,
			"database_pulled":    pulled,
		})
}
