// Package record defines the data shapes exchanged through the shared
// record store: session state records published by a source device and
// prompt records carrying a remote response back to the source.
package record

import (
	"path/filepath"
	"strings"
	"time"
)

// SessionID identifies one local session. The same canonical form is used
// on the publish path and the response-poll path; a mismatch between the
// two silently breaks response correlation, so construction always goes
// through SessionIDFromPath or NewSessionID.
type SessionID string

// NewSessionID wraps an already-canonical identifier.
func NewSessionID(id string) SessionID {
	return SessionID(id)
}

// SessionIDFromPath derives the session id from a session transcript path,
// stripping the directory and the .jsonl suffix.
func SessionIDFromPath(path string) SessionID {
	base := filepath.Base(path)
	return SessionID(strings.TrimSuffix(base, ".jsonl"))
}

func (id SessionID) String() string { return string(id) }

// Status is the remote-visible state of a session.
type Status string

const (
	StatusWorking    Status = "working"
	StatusIdle       Status = "idle"
	StatusNeedsInput Status = "needs_input"
	StatusNotRunning Status = "not_running"
)

// Valid reports whether s is one of the defined status values.
func (s Status) Valid() bool {
	switch s {
	case StatusWorking, StatusIdle, StatusNeedsInput, StatusNotRunning:
		return true
	}
	return false
}

// SessionRecord is the remote-visible state of one local session. ID is
// globally unique across devices sharing the store; Timestamp is always
// set to the write time so time-windowed queries have a single monotonic
// freshness field.
type SessionRecord struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	Project      string    `json:"project"`
	Timestamp    time.Time `json:"timestamp"`
	PID          int       `json:"pid,omitempty"`
	SourceDevice string    `json:"source_device"`
}

// PromptRecord is a pending or resolved request for human input. The
// descriptive fields are write-once by the source; the response fields are
// populated by whichever remote device answers first. Responded only ever
// transitions false to true.
type PromptRecord struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	Project           string    `json:"project"`
	Message           string    `json:"message"`
	NotificationType  string    `json:"notification_type"`
	TranscriptExcerpt string    `json:"transcript_excerpt,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	Responded         bool      `json:"responded"`
	ResponseText      string    `json:"response_text,omitempty"`
	RespondedAt       time.Time `json:"responded_at,omitzero"`
	RespondedFrom     string    `json:"responded_from,omitempty"`
}

// SessionState is one detector observation of a local session. Entries
// delivered to the core are currently active by the detector's own TTL.
type SessionState struct {
	ID         SessionID
	Status     Status
	Project    string
	PID        int
	ObservedAt time.Time
	Path       string
}
