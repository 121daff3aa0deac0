package records

import (
	"encoding/json"
	"time"

	"github.com/weftlabs/weft/internal/schema"
)

// InputRef is one DAG edge from a record to an upstream record whose output
// it consumed. History carries the upstream's expanded message context while
// a node executes; it is transient and stripped before persisting, since the
// history compiler reconstructs it on demand.
type InputRef struct {
	RecordID string           `json:"record_id"`
	Port     string           `json:"port,omitempty"`
	History  []map[string]any `json:"history,omitempty"`
}

// Record is one node execution in a session's history. Terminal records
// never change state again; the only later mutation is a soft delete.
type Record struct {
	ID             string                    `json:"id"`
	SessionID      string                    `json:"session_id"`
	NodeInstanceID string                    `json:"node_instance_id"`
	NodeType       string                    `json:"node_type,omitempty"`
	Inputs         []InputRef                `json:"inputs,omitempty"`
	Output         map[string]map[string]any `json:"output,omitempty"`
	EventsEmitted  []string                  `json:"events_emitted,omitempty"`
	State          schema.RecordState        `json:"state"`
	Error          string                    `json:"error,omitempty"`
	StartTime      time.Time                 `json:"start_time,omitzero"`
	CompletionTime time.Time                 `json:"completion_time,omitzero"`
	LastModified   time.Time                 `json:"last_modified,omitzero"`
	Deleted        bool                      `json:"deleted"`
	DeletedAt      time.Time                 `json:"deleted_at,omitzero"`
	EngineVersion  int                       `json:"engine_version"`
	Context        map[string]any            `json:"context,omitempty"`
}

// InputIDs returns the upstream record IDs, deduplicated in order.
func (r Record) InputIDs() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(r.Inputs))
	for _, in := range r.Inputs {
		if in.RecordID == "" {
			continue
		}
		if _, ok := seen[in.RecordID]; ok {
			continue
		}
		seen[in.RecordID] = struct{}{}
		out = append(out, in.RecordID)
	}
	return out
}

// stripTransient drops per-input history payloads so stored records stay
// bounded in size.
func stripTransient(inputs []InputRef) []InputRef {
	if len(inputs) == 0 {
		return nil
	}
	out := make([]InputRef, len(inputs))
	for i, in := range inputs {
		out[i] = InputRef{RecordID: in.RecordID, Port: in.Port}
	}
	return out
}

// decodeOutput tolerates the legacy pre-media-key shape where a port mapped
// directly to a scalar value; such values are wrapped under the "text" media
// key so every caller sees the current shape.
func decodeOutput(raw string) map[string]map[string]any {
	if raw == "" {
		return nil
	}
	var current map[string]map[string]any
	if err := json.Unmarshal([]byte(raw), &current); err == nil {
		return current
	}
	var legacy map[string]any
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		return nil
	}
	out := make(map[string]map[string]any, len(legacy))
	for port, val := range legacy {
		if media, ok := val.(map[string]any); ok {
			out[port] = media
			continue
		}
		out[port] = map[string]any{"text": val}
	}
	return out
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func decodeInputs(raw string) []InputRef {
	if raw == "" {
		return nil
	}
	var out []InputRef
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
