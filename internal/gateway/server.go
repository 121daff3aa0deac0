package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/weftlabs/weft/internal/channel"
	"github.com/weftlabs/weft/internal/history"
	"github.com/weftlabs/weft/internal/queue"
	"github.com/weftlabs/weft/internal/records"
	"github.com/weftlabs/weft/internal/schema"
)

// DefaultAckTimeout bounds the wait for a worker to ack a wake before the
// gateway falls back to the fleet channel and the queue scan.
const DefaultAckTimeout = 2 * time.Second

// Server is the client edge: it enqueues tasks, wakes workers, serves record
// and message reads, and streams live session updates over websockets.
type Server struct {
	Queue      *queue.Manager
	Store      *records.Store
	Transport  channel.Transport
	Log        *slog.Logger
	AckTimeout time.Duration
	// Version supplies node metadata for message projection. Optional.
	Version history.VersionInfo
	// Debug surfaces full node errors in compiled messages.
	Debug bool
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/sessions/", s.handleSessions)
	mux.HandleFunc("/api/records/", s.handleRecordItem)

	return mux
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Server) ackTimeout() time.Duration {
	if s.AckTimeout > 0 {
		return s.AckTimeout
	}
	return DefaultAckTimeout
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("session resource"))
		return
	}
	sessionID := segments[0]

	switch segments[1] {
	case "tasks":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		s.handleEnqueue(w, r, sessionID)
	case "records":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		s.handleRecords(w, r, sessionID)
	case "messages":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		s.handleMessages(w, r, sessionID)
	case "stream":
		s.handleStream(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("session resource"))
	}
}

type enqueueRequest struct {
	AccountID   string         `json:"account_id"`
	RequestType string         `json:"request_type"`
	Params      map[string]any `json:"params"`
}

type enqueueResponse struct {
	Task queue.Task `json:"task"`
	// Woke reports whether a worker acknowledged the wake. False means the
	// task waits for a pool scan; it is not an error.
	Woke    bool   `json:"woke"`
	WokenBy string `json:"woken_by,omitempty"`
}

// handleEnqueue appends a task and wakes a worker: first an acked wake on
// the session channel for a worker already attached to the session, then a
// fire-and-forget wake on the fleet channel. The queue scan catches anything
// both misses.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req enqueueRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.RequestType == "" {
		req.RequestType = schema.RequestAdvance
	}

	task, err := s.Queue.Enqueue(r.Context(), sessionID, req.AccountID, req.RequestType, req.Params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	wake := channel.Envelope{
		Command: schema.CommandWake,
		Data: map[string]any{
			schema.MetaSessionID: sessionID,
			schema.MetaTaskID:    task.ID,
		},
	}
	sessionCh := s.Transport.Channel(schema.SessionChannel(sessionID))
	ack, err := sessionCh.Publish(r.Context(), wake, channel.PublishOptions{AckTimeout: s.ackTimeout()})
	if err != nil {
		s.logger().Warn("publish wake", "session_id", sessionID, "error", err)
	}
	if !ack.Acknowledged {
		machinesCh := s.Transport.Channel(schema.ChannelMachines)
		if _, err := machinesCh.Publish(r.Context(), wake, channel.PublishOptions{}); err != nil {
			s.logger().Warn("publish fleet wake", "session_id", sessionID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, enqueueResponse{
		Task:    task,
		Woke:    ack.Acknowledged,
		WokenBy: schema.GetMetaString(ack.Result, schema.MetaMachineID),
	})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request, sessionID string) {
	recs, err := s.Store.AllForSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, sessionID string) {
	recs, err := s.Store.AllForSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	msgs := history.Export(s.Version, recs, historyParams(r, s.Debug))
	writeJSON(w, http.StatusOK, msgs)
}

func historyParams(r *http.Request, debug bool) history.Params {
	q := r.URL.Query()
	params := history.Params{
		IncludeDeleted:  parseBool(q.Get("include_deleted")),
		IncludeFailed:   parseBool(q.Get("include_failed")),
		IncludeWaiting:  parseBool(q.Get("include_waiting")),
		FromAncestorID:  q.Get("from_ancestor"),
		NodeTypes:       splitComma(q.Get("node_types")),
		SortNewestFirst: parseBool(q.Get("newest_first")),
		MediaTypes:      splitComma(q.Get("media_types")),
		Debug:           debug,
	}
	if mode := q.Get("span_mode"); mode != "" {
		params.Span = &history.Span{
			Mode:         history.SpanMode(mode),
			StartingSpan: parseInt(q.Get("starting_span"), 0),
			EndingSpan:   parseInt(q.Get("ending_span"), 0),
		}
	}
	return params
}

func (s *Server) handleRecordItem(w http.ResponseWriter, r *http.Request) {
	recordID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/records/"), "/")
	if recordID == "" {
		writeError(w, http.StatusNotFound, errNotFound("record"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		rec, err := s.Store.Get(r.Context(), recordID)
		if err != nil {
			writeError(w, http.StatusNotFound, errNotFound("record"))
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodDelete:
		deleted, err := s.Store.DeleteCascade(r.Context(), recordID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
	default:
		writeMethodNotAllowed(w)
	}
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBool(value string) bool {
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
