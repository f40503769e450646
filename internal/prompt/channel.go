// Package prompt implements the source side of the prompt/response
// channel: publishing "needs input" prompts to the store, polling for
// remote answers, and routing each answer back into the originating
// session exactly once.
package prompt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/beacon/internal/detect"
	"github.com/kalambet/beacon/internal/record"
	"github.com/kalambet/beacon/internal/store"
)

// Store is the slice of the record store the prompt channel needs.
type Store interface {
	store.SessionWriter
	CreatePrompt(ctx context.Context, rec record.PromptRecord) error
	AnsweredPrompts(ctx context.Context, sessionID record.SessionID) ([]record.PromptRecord, error)
	DeletePrompt(ctx context.Context, id string) error
}

// Channel owns the source-side prompt state: which prompt occurrences
// have been published and which answered prompts have already been
// delivered locally. The store delivers answers at-least-once; the
// processed set reduces that to effectively-once.
type Channel struct {
	store      Store
	deliverer  *Deliverer
	device     string
	promptsDir string
	logger     *slog.Logger

	mu sync.Mutex
	// Both maps carry the originating session id so entries can be
	// pruned once that session disappears locally.
	published map[string]record.SessionID
	processed map[string]record.SessionID
}

// NewChannel creates a Channel. promptsDir holds the local prompt marker
// files the detector and the notification hook share.
func NewChannel(s Store, deliverer *Deliverer, device, promptsDir string) *Channel {
	return &Channel{
		store:      s,
		deliverer:  deliverer,
		device:     device,
		promptsDir: promptsDir,
		logger:     slog.Default(),
		published:  make(map[string]record.SessionID),
		processed:  make(map[string]record.SessionID),
	}
}

// PublishPending creates one PromptRecord per session that is blocked on
// input. A prompt occurrence is created exactly once (create, never
// upsert); a conflict means a previous run already published it.
func (c *Channel) PublishPending(ctx context.Context, sessions []record.SessionState) {
	current := make(map[record.SessionID]bool, len(sessions))
	for _, s := range sessions {
		current[s.ID] = true
	}
	c.mu.Lock()
	// Prune tracking for sessions no longer present locally.
	for id, sid := range c.published {
		if !current[sid] {
			delete(c.published, id)
		}
	}
	for id, sid := range c.processed {
		if !current[sid] {
			delete(c.processed, id)
		}
	}
	c.mu.Unlock()

	for _, s := range sessions {
		if s.Status != record.StatusNeedsInput {
			continue
		}

		marker, err := detect.LoadMarker(c.promptsDir, s.ID)
		if err != nil {
			c.logger.Debug("prompt marker unreadable", "session", s.ID, "error", err)
			continue
		}
		if marker.PromptID == "" {
			// Hook wrote a marker without an id: assign one and persist it
			// so the occurrence stays stable across ticks.
			marker.PromptID = uuid.New().String()
			if err := detect.WriteMarker(c.promptsDir, marker); err != nil {
				c.logger.Warn("updating prompt marker failed", "session", s.ID, "error", err)
				continue
			}
		}

		c.mu.Lock()
		_, done := c.published[marker.PromptID]
		c.mu.Unlock()
		if done {
			continue
		}

		rec := record.PromptRecord{
			ID:                marker.PromptID,
			SessionID:         s.ID.String(),
			Project:           s.Project,
			Message:           marker.Message,
			NotificationType:  marker.NotificationType,
			TranscriptExcerpt: marker.TranscriptExcerpt,
			CreatedAt:         marker.CreatedAt,
		}
		err = c.store.CreatePrompt(ctx, rec)
		switch {
		case err == nil, errors.Is(err, store.ErrConflict):
			c.mu.Lock()
			c.published[marker.PromptID] = s.ID
			c.mu.Unlock()
		case errors.Is(err, store.ErrUnavailable):
			c.logger.Debug("store unavailable, prompt publish deferred", "prompt", marker.PromptID)
		default:
			c.logger.Warn("publishing prompt failed", "prompt", marker.PromptID, "error", err)
		}
	}
}

// PollResponses queries the channel for answered prompts belonging to the
// currently active sessions and delivers each newly-seen answer.
func (c *Channel) PollResponses(ctx context.Context, sessions []record.SessionState) {
	for _, s := range sessions {
		answered, err := c.store.AnsweredPrompts(ctx, s.ID)
		if err != nil {
			if !errors.Is(err, store.ErrUnavailable) {
				c.logger.Warn("querying answered prompts failed", "session", s.ID, "error", err)
			}
			continue
		}
		for _, p := range answered {
			c.mu.Lock()
			_, seen := c.processed[p.ID]
			if !seen {
				c.processed[p.ID] = s.ID
			}
			c.mu.Unlock()
			if seen {
				continue
			}
			c.deliver(ctx, s, p)
		}
	}
}

// deliver routes one answer into the session, then tears the prompt down
// on both sides. Delivery itself cannot fail (the fallback path always
// lands the text somewhere recoverable), so the prompt id stays in the
// processed set either way.
func (c *Channel) deliver(ctx context.Context, s record.SessionState, p record.PromptRecord) {
	c.deliverer.Deliver(ctx, p, s.PID)

	// Reflect the received input immediately: the session record flips to
	// Working so remote viewers stop showing the prompt, and the marker
	// removal lets the detector agree on the next tick.
	rec := record.SessionRecord{
		ID:           s.ID.String(),
		Status:       record.StatusWorking,
		Project:      s.Project,
		Timestamp:    time.Now().UTC(),
		PID:          s.PID,
		SourceDevice: c.device,
	}
	if err := store.UpsertSession(ctx, c.store, rec); err != nil {
		c.logger.Warn("marking session working failed", "session", s.ID, "error", err)
	}

	if err := c.store.DeletePrompt(ctx, p.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("deleting answered prompt failed", "prompt", p.ID, "error", err)
	}
	if err := detect.RemoveMarker(c.promptsDir, s.ID); err != nil {
		c.logger.Warn("removing prompt marker failed", "session", s.ID, "error", err)
	}

	c.mu.Lock()
	delete(c.published, p.ID)
	c.mu.Unlock()

	c.logger.Info("response delivered", "session", s.ID, "prompt", p.ID, "from", p.RespondedFrom)
}

// Processed reports whether a prompt id has already been delivered.
func (c *Channel) Processed(promptID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.processed[promptID]
	return ok
}
