package schema

import "strings"

// TaskState represents a queue task's lifecycle state.
type TaskState string

const (
	TaskQueued   TaskState = "queued"
	TaskClaimed  TaskState = "claimed"
	TaskComplete TaskState = "complete"
)

// Common request types. Request types are open-ended strings; these are the
// ones the worker loop itself interprets.
const (
	RequestAdvance = "advance"
	RequestHalt    = "halt"
)

const (
	MetaSessionID = "session_id"
	MetaTaskID    = "task_id"
	MetaRecordID  = "record_id"
	MetaMachineID = "machine_id"
)

// GetMetaString extracts a string from a metadata map. Returns "" if missing/not string.
func GetMetaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	val, ok := meta[key]
	if !ok {
		return ""
	}
	str, ok := val.(string)
	if !ok {
		return ""
	}
	return str
}

// IsHalt reports whether a request type asks the running worker to stop
// draining its session.
func IsHalt(requestType string) bool {
	return strings.EqualFold(strings.TrimSpace(requestType), RequestHalt)
}
