package schema

import "strings"

// RecordState represents a validated execution-record state.
type RecordState string

const (
	RecordPending   RecordState = "pending"
	RecordWaiting   RecordState = "waitingForExternalInput"
	RecordCompleted RecordState = "completed"
	RecordFailed    RecordState = "failed"
)

// ParseRecordState validates a raw string. Defaults to RecordPending.
func ParseRecordState(raw string) RecordState {
	switch strings.TrimSpace(raw) {
	case string(RecordWaiting):
		return RecordWaiting
	case string(RecordCompleted):
		return RecordCompleted
	case string(RecordFailed):
		return RecordFailed
	default:
		return RecordPending
	}
}

// Terminal reports whether the state is final. Terminal records never change
// state again; the only further mutation allowed is a soft delete.
func (s RecordState) Terminal() bool {
	return s == RecordCompleted || s == RecordFailed
}

// CanTransition reports whether a record may move from s to next.
func (s RecordState) CanTransition(next RecordState) bool {
	if s == next {
		return true
	}
	switch s {
	case RecordPending:
		return next == RecordWaiting || next == RecordCompleted || next == RecordFailed
	case RecordWaiting:
		return next == RecordCompleted || next == RecordFailed
	default:
		return false
	}
}
