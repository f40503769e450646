// Package api implements the beacon record store service: record CRUD,
// a timestamp-windowed session query, targeted prompt responses,
// idempotent subscription registration, and a long-poll change feed.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/beacon/internal/record"
	"github.com/kalambet/beacon/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

const (
	defaultPollTimeout = 25 * time.Second
	maxPollTimeout     = 55 * time.Second
)

var recordTypes = map[string]bool{
	"session": true,
	"prompt":  true,
}

// Deps holds dependencies for the record store handlers.
type Deps struct {
	Store *storage.Store
	Token string
}

// NewHandler builds the record store router. All routes except /health
// require the bearer token.
func NewHandler(deps Deps) http.Handler {
	hub := newHub()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/records/session", handleCreateSession(deps, hub))
		r.Get("/records/session", handleQuerySessions(deps))
		r.Get("/records/session/{id}", handleGetSession(deps))
		r.Put("/records/session/{id}", handleUpdateSession(deps, hub))
		r.Delete("/records/session/{id}", handleDeleteSession(deps, hub))

		r.Post("/records/prompt", handleCreatePrompt(deps, hub))
		r.Get("/records/prompt", handleQueryPrompts(deps))
		r.Get("/records/prompt/{id}", handleGetPrompt(deps))
		r.Post("/records/prompt/{id}/response", handleSubmitResponse(deps, hub))
		r.Delete("/records/prompt/{id}", handleDeletePrompt(deps, hub))

		r.Put("/subscriptions/{id}", handleRegisterSubscription(deps))
		r.Get("/events", handleEvents(deps, hub))
	})

	return r
}

func handleCreateSession(deps Deps, hub *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rec record.SessionRecord
		if !decodeBody(w, r, &rec) {
			return
		}
		if rec.ID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "id is required")
			return
		}
		if !rec.Status.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid status %q", rec.Status)
			return
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now().UTC()
		}

		seq, err := deps.Store.CreateSessionRecord(rec)
		if errors.Is(err, storage.ErrConflict) {
			httpError(w, http.StatusConflict, "conflict", "session %q already exists", rec.ID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create session: %v", err)
			return
		}
		hub.wake(seq)
		writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
	}
}

func handleUpdateSession(deps Deps, hub *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var rec record.SessionRecord
		if !decodeBody(w, r, &rec) {
			return
		}
		rec.ID = id
		if !rec.Status.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid status %q", rec.Status)
			return
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now().UTC()
		}

		seq, err := deps.Store.UpdateSessionRecord(rec)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update session: %v", err)
			return
		}
		hub.wake(seq)
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Store.GetSessionRecord(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get session: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleDeleteSession(deps Deps, hub *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seq, err := deps.Store.DeleteSessionRecord(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete session: %v", err)
			return
		}
		hub.wake(seq)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleQuerySessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sinceStr := r.URL.Query().Get("since")
		if sinceStr == "" {
			// The query is a range predicate over the indexed timestamp
			// field; an unbounded "all sessions" scan is not offered.
			httpError(w, http.StatusBadRequest, "invalid_request_error", "since is required")
			return
		}
		since, err := time.Parse(time.RFC3339Nano, sinceStr)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid since: %v", err)
			return
		}
		limit := parseIntParam(r, "limit", 100, 500)
		cursor := r.URL.Query().Get("cursor")

		recs, next, err := deps.Store.ActiveSessionRecords(since, limit, cursor)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to query sessions: %v", err)
			return
		}
		if recs == nil {
			recs = []record.SessionRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"records":     recs,
			"next_cursor": next,
		})
	}
}

func handleCreatePrompt(deps Deps, hub *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rec record.PromptRecord
		if !decodeBody(w, r, &rec) {
			return
		}
		if rec.ID == "" || rec.SessionID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "id and session_id are required")
			return
		}

		seq, err := deps.Store.CreatePromptRecord(rec)
		if errors.Is(err, storage.ErrConflict) {
			httpError(w, http.StatusConflict, "conflict", "prompt %q already exists", rec.ID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create prompt: %v", err)
			return
		}
		hub.wake(seq)
		writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
	}
}

func handleGetPrompt(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Store.GetPromptRecord(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "prompt not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get prompt: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleQueryPrompts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sessionID *string
		if v := r.URL.Query().Get("session_id"); v != "" {
			sessionID = &v
		}
		var responded *bool
		if v := r.URL.Query().Get("responded"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid responded: %v", err)
				return
			}
			responded = &b
		}

		recs, err := deps.Store.PromptRecords(sessionID, responded)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to query prompts: %v", err)
			return
		}
		if recs == nil {
			recs = []record.PromptRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": recs})
	}
}

func handleSubmitResponse(deps Deps, hub *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var body struct {
			ResponseText  string `json:"response_text"`
			RespondedFrom string `json:"responded_from"`
		}
		if !decodeBody(w, r, &body) {
			return
		}

		// Targeted field update: response fields only, so source-written
		// fields are never clobbered by a remote answer.
		seq, err := deps.Store.SubmitPromptResponse(id, body.ResponseText, body.RespondedFrom)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "prompt not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to submit response: %v", err)
			return
		}
		hub.wake(seq)
		writeJSON(w, http.StatusOK, map[string]string{"status": "responded"})
	}
}

func handleDeletePrompt(deps Deps, hub *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seq, err := deps.Store.DeletePromptRecord(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "prompt not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete prompt: %v", err)
			return
		}
		hub.wake(seq)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleRegisterSubscription(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var body struct {
			RecordType string `json:"record_type"`
			Device     string `json:"device"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if !recordTypes[body.RecordType] {
			httpError(w, http.StatusNotFound, "not_found", "unknown record type %q", body.RecordType)
			return
		}

		err := deps.Store.UpsertSubscription(storage.Subscription{
			ID:         id,
			RecordType: body.RecordType,
			Device:     body.Device,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to register subscription: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
	}
}

type eventPayload struct {
	Seq        int64  `json:"seq"`
	RecordType string `json:"record_type"`
	RecordID   string `json:"record_id"`
	Action     string `json:"action"`
}

// handleEvents is the push channel: it blocks until events newer than
// `after` exist or the poll window lapses, then returns whatever is
// available. Delivery is best-effort; clients keep an interval fetch as
// the guaranteed refresh path.
func handleEvents(deps Deps, hub *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		after := int64(0)
		if v := r.URL.Query().Get("after"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid after: %v", err)
				return
			}
			after = n
		}
		timeout := defaultPollTimeout
		if v := r.URL.Query().Get("timeout"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid timeout %q", v)
				return
			}
			if d > maxPollTimeout {
				d = maxPollTimeout
			}
			timeout = d
		}

		deadline := time.NewTimer(timeout)
		defer deadline.Stop()

		for {
			events, err := deps.Store.EventsAfter(after, 200)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to read events: %v", err)
				return
			}
			if len(events) > 0 {
				writeEventPage(w, events, after)
				return
			}

			select {
			case <-r.Context().Done():
				return
			case <-deadline.C:
				writeEventPage(w, nil, after)
				return
			case <-hub.wait(after):
				// New events appended; loop and re-read.
			}
		}
	}
}

func writeEventPage(w http.ResponseWriter, events []storage.Event, after int64) {
	payload := make([]eventPayload, 0, len(events))
	last := after
	for _, e := range events {
		payload = append(payload, eventPayload{
			Seq:        e.Seq,
			RecordType: e.RecordType,
			RecordID:   e.RecordID,
			Action:     e.Action,
		})
		last = e.Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":   payload,
		"last_seq": last,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
