// Package history compiles an ordered, deduplicated message transcript from
// a session's execution records. Compilation is pure: identical inputs always
// produce an identical ordered output, independent of execution order.
package history

import (
	"sort"
	"time"

	"github.com/weftlabs/weft/internal/records"
	"github.com/weftlabs/weft/internal/schema"
)

// RedactedError replaces node failure detail in client-facing messages
// unless debug mode is on.
const RedactedError = "node execution failed"

// NodeInfo is the per-node metadata the compiler resolves while projecting
// records into messages.
type NodeInfo struct {
	Type    string
	Name    string
	Persona string
	// Role forces the message role for this node's records; when empty the
	// role is derived from the record's content shape.
	Role string
}

// VersionInfo describes the flow-graph version the records were produced by.
type VersionInfo struct {
	VersionID string
	// Nodes maps a node instance ID to its metadata.
	Nodes map[string]NodeInfo
}

// SpanMode selects how a Span is applied.
type SpanMode string

const (
	// SpanExclude removes StartingSpan items from the front and EndingSpan
	// from the back; the result is empty if the removals would overlap or
	// exceed the list length.
	SpanExclude SpanMode = "exclude"
	// SpanInclude keeps only the first StartingSpan and last EndingSpan
	// items; the whole list is returned if they would overlap or exceed the
	// list length.
	SpanInclude SpanMode = "include"
)

// Span selects a window over the chronologically ordered message list.
type Span struct {
	Mode         SpanMode
	StartingSpan int
	EndingSpan   int
}

// Params filters and shapes the compiled transcript.
type Params struct {
	IncludeDeleted bool
	IncludeFailed  bool
	IncludeWaiting bool

	// FromAncestorID restricts the transcript to the ancestor chain of the
	// given record, root-first.
	FromAncestorID string

	// NodeTypes, when non-empty, keeps only records of these node types.
	NodeTypes []string

	Span *Span

	SortNewestFirst bool

	// MediaTypes, when non-empty, keeps only messages whose content carries
	// at least one of these media keys.
	MediaTypes []string

	// Debug surfaces full error detail instead of the redacted placeholder.
	Debug bool
}

// Message is the client-facing projection of one record. Never persisted;
// always recomputed from records.
type Message struct {
	RecordID       string                    `json:"record_id"`
	Role           string                    `json:"role"`
	Content        map[string]map[string]any `json:"content,omitempty"`
	Persona        string                    `json:"persona,omitempty"`
	NodeType       string                    `json:"node_type,omitempty"`
	State          schema.RecordState        `json:"state"`
	StartTime      time.Time                 `json:"start_time,omitzero"`
	CompletionTime time.Time                 `json:"completion_time,omitzero"`
	Deleted        bool                      `json:"deleted,omitempty"`
	Error          string                    `json:"error,omitempty"`
}

// Export compiles the transcript for a record set.
func Export(version VersionInfo, recs []records.Record, params Params) []Message {
	filtered := filterStates(recs, params)

	if params.FromAncestorID != "" {
		filtered = ancestorChain(recs, filtered, params.FromAncestorID)
	}

	if len(params.NodeTypes) > 0 {
		allow := map[string]struct{}{}
		for _, nt := range params.NodeTypes {
			allow[nt] = struct{}{}
		}
		kept := filtered[:0]
		for _, rec := range filtered {
			if _, ok := allow[nodeType(version, rec)]; ok {
				kept = append(kept, rec)
			}
		}
		filtered = kept
	}

	// Canonical chronological order before any span window, so identical
	// record sets compile identically regardless of input order.
	sortRecords(filtered)

	if params.Span != nil {
		filtered = applySpan(filtered, *params.Span)
	}

	if params.SortNewestFirst {
		reverse(filtered)
	}

	out := make([]Message, 0, len(filtered))
	for _, rec := range filtered {
		msg := project(version, rec, params.Debug)
		if len(params.MediaTypes) > 0 && !hasMedia(msg, params.MediaTypes) {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func filterStates(recs []records.Record, params Params) []records.Record {
	out := make([]records.Record, 0, len(recs))
	seen := map[string]struct{}{}
	for _, rec := range recs {
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		if rec.Deleted && !params.IncludeDeleted {
			continue
		}
		if rec.State == schema.RecordFailed && !params.IncludeFailed {
			continue
		}
		if rec.State == schema.RecordWaiting && !params.IncludeWaiting {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// ancestorChain keeps only records on the input-ancestor chain of the target
// record, root-first. Edges come from the full record set so the walk can
// pass through records the state filters dropped.
func ancestorChain(all, filtered []records.Record, targetID string) []records.Record {
	byID := make(map[string]records.Record, len(all))
	for _, rec := range all {
		byID[rec.ID] = rec
	}

	chain := map[string]struct{}{}
	var walk func(id string)
	visiting := map[string]struct{}{}
	walk = func(id string) {
		if _, ok := chain[id]; ok {
			return
		}
		if _, cyc := visiting[id]; cyc {
			return
		}
		visiting[id] = struct{}{}
		defer delete(visiting, id)
		rec, ok := byID[id]
		if !ok {
			return
		}
		for _, inputID := range rec.InputIDs() {
			walk(inputID)
		}
		chain[id] = struct{}{}
	}
	walk(targetID)

	out := make([]records.Record, 0, len(filtered))
	for _, rec := range filtered {
		if _, ok := chain[rec.ID]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// sortRecords orders ascending by completion time, breaking ties by start
// time and then record ID, so records with zero timestamps still sort
// deterministically.
func sortRecords(recs []records.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.CompletionTime.Equal(b.CompletionTime) {
			return a.CompletionTime.Before(b.CompletionTime)
		}
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		return a.ID < b.ID
	})
}

func applySpan(recs []records.Record, span Span) []records.Record {
	start := span.StartingSpan
	end := span.EndingSpan
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = 0
	}
	switch span.Mode {
	case SpanExclude:
		if start+end >= len(recs) {
			return nil
		}
		return recs[start : len(recs)-end]
	case SpanInclude:
		if start+end >= len(recs) {
			return recs
		}
		out := make([]records.Record, 0, start+end)
		out = append(out, recs[:start]...)
		out = append(out, recs[len(recs)-end:]...)
		return out
	default:
		return recs
	}
}

func reverse(recs []records.Record) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}

func project(version VersionInfo, rec records.Record, debug bool) Message {
	info := version.Nodes[rec.NodeInstanceID]
	msg := Message{
		RecordID:       rec.ID,
		Content:        rec.Output,
		Persona:        info.Persona,
		NodeType:       nodeType(version, rec),
		State:          rec.State,
		StartTime:      rec.StartTime,
		CompletionTime: rec.CompletionTime,
		Deleted:        rec.Deleted,
	}
	msg.Role = deriveRole(info, rec)
	if rec.Error != "" {
		if debug {
			msg.Error = rec.Error
		} else {
			msg.Error = RedactedError
		}
	}
	return msg
}

// deriveRole infers the speaker from the content shape: records carrying a
// user-port payload read as the user, records with a persona or any other
// content read as the assistant, and empty records read as system notices.
// Node metadata can override the inference outright.
func deriveRole(info NodeInfo, rec records.Record) string {
	if info.Role != "" {
		return info.Role
	}
	if _, ok := rec.Output["user"]; ok {
		return "user"
	}
	if len(rec.Output) == 0 {
		return "system"
	}
	return "assistant"
}

func nodeType(version VersionInfo, rec records.Record) string {
	if rec.NodeType != "" {
		return rec.NodeType
	}
	return version.Nodes[rec.NodeInstanceID].Type
}

func hasMedia(msg Message, mediaTypes []string) bool {
	for _, media := range msg.Content {
		for _, want := range mediaTypes {
			if _, ok := media[want]; ok {
				return true
			}
		}
	}
	return false
}
