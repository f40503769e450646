// Package store defines the contract with the shared record store and the
// HTTP client that speaks it. All cross-device coordination goes through
// this interface; no component signals another device out of band.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/beacon/internal/record"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when creating a record whose id already exists.
var ErrConflict = errors.New("already exists")

// ErrUnavailable wraps transport and availability failures. Callers skip
// the current cycle and retry on the next natural trigger.
var ErrUnavailable = errors.New("store unavailable")

// Record type names used in subscriptions and change events.
const (
	TypeSession = "session"
	TypePrompt  = "prompt"
)

// Event actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Event describes one record mutation, delivered through the push feed.
type Event struct {
	Seq        int64  `json:"seq"`
	RecordType string `json:"record_type"`
	RecordID   string `json:"record_id"`
	Action     string `json:"action"`
}

// Subscription registers interest in change events for one record type.
// Registration is idempotent by ID.
type Subscription struct {
	ID         string `json:"id"`
	RecordType string `json:"record_type"`
	Device     string `json:"device"`
}

// Store is the record store as seen by both device roles. Every method is
// a single-record atomic operation on the store side; multi-step flows
// (fetch-then-save) accept the narrow two-writer race on the same id.
type Store interface {
	// Ping reports whether the store is reachable with valid credentials.
	Ping(ctx context.Context) error

	CreateSession(ctx context.Context, rec record.SessionRecord) error
	UpdateSession(ctx context.Context, rec record.SessionRecord) error
	GetSession(ctx context.Context, id string) (record.SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error
	// ActiveSessions returns every session record with Timestamp >= since,
	// newest first. Pagination is internal: the client follows the cursor
	// until exhausted.
	ActiveSessions(ctx context.Context, since time.Time) ([]record.SessionRecord, error)

	CreatePrompt(ctx context.Context, rec record.PromptRecord) error
	GetPrompt(ctx context.Context, id string) (record.PromptRecord, error)
	// AnsweredPrompts returns prompts for one session that carry a response.
	AnsweredPrompts(ctx context.Context, sessionID record.SessionID) ([]record.PromptRecord, error)
	// PendingPrompts returns every prompt still waiting for a response,
	// across all sessions.
	PendingPrompts(ctx context.Context) ([]record.PromptRecord, error)
	// SubmitResponse sets the response fields on an existing prompt. The
	// prompt must already exist: only the source creates prompts, so a
	// not-found here is an error, never a create.
	SubmitResponse(ctx context.Context, promptID, text, device string) error
	DeletePrompt(ctx context.Context, id string) error

	RegisterSubscription(ctx context.Context, sub Subscription) error
	// NextEvents blocks until events with Seq > after are available, the
	// server's long-poll window lapses (empty result), or ctx is done.
	// The returned seq is the resume position for the next call.
	NextEvents(ctx context.Context, after int64) ([]Event, int64, error)
}

// SessionWriter is the subset of Store needed to upsert one session.
type SessionWriter interface {
	GetSession(ctx context.Context, id string) (record.SessionRecord, error)
	CreateSession(ctx context.Context, rec record.SessionRecord) error
	UpdateSession(ctx context.Context, rec record.SessionRecord) error
}

// UpsertSession publishes a session record without assuming whether it
// already exists: fetch by id, update on a hit, create on not-found. A
// blind insert is wrong because the id exists after the first publish.
// If two writers race into create, the loser retries as an update.
func UpsertSession(ctx context.Context, s SessionWriter, rec record.SessionRecord) error {
	_, err := s.GetSession(ctx, rec.ID)
	switch {
	case err == nil:
		return s.UpdateSession(ctx, rec)
	case errors.Is(err, ErrNotFound):
		err = s.CreateSession(ctx, rec)
		if errors.Is(err, ErrConflict) {
			return s.UpdateSession(ctx, rec)
		}
		return err
	default:
		return err
	}
}
