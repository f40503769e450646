// Package publish turns local session observations into remote store
// writes: status changes flow through a per-session debounce, unchanged
// sessions get a freshness upsert on every tick so time-windowed queries
// keep finding them.
package publish

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/beacon/internal/record"
	"github.com/kalambet/beacon/internal/store"
)

// Store is the slice of the record store the upload pipeline needs.
type Store interface {
	Ping(ctx context.Context) error
	GetSession(ctx context.Context, id string) (record.SessionRecord, error)
	CreateSession(ctx context.Context, rec record.SessionRecord) error
	UpdateSession(ctx context.Context, rec record.SessionRecord) error
}

// Publisher owns all mutable upload state: the per-session debounce
// timers, the pending snapshots, and the last-published status map. No
// other component touches these; timer callbacks re-enter through the
// publisher's own mutex.
type Publisher struct {
	store    Store
	device   string
	debounce time.Duration
	logger   *slog.Logger

	mu            sync.Mutex
	timers        map[record.SessionID]*time.Timer
	pending       map[record.SessionID]record.SessionState
	lastPublished map[record.SessionID]record.Status
}

// New creates a Publisher. The debounce delay must be strictly shorter
// than the detector poll interval (validated by config); equal or longer
// means every tick cancels the previous timer and no write ever fires.
func New(s Store, device string, debounce time.Duration) *Publisher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Publisher{
		store:         s,
		device:        device,
		debounce:      debounce,
		logger:        slog.Default(),
		timers:        make(map[record.SessionID]*time.Timer),
		pending:       make(map[record.SessionID]record.SessionState),
		lastPublished: make(map[record.SessionID]record.Status),
	}
}

// Publish is called once per detector tick with the full active set.
// Sessions whose status differs from the last successfully published
// value are (re)scheduled onto the debounce; the rest are upserted
// immediately to refresh their freshness timestamp.
func (p *Publisher) Publish(ctx context.Context, sessions []record.SessionState) {
	current := make(map[record.SessionID]bool, len(sessions))
	for _, s := range sessions {
		current[s.ID] = true
	}

	var fresh []record.SessionState

	p.mu.Lock()
	// Prune state for sessions no longer present locally.
	for id := range p.lastPublished {
		if !current[id] {
			delete(p.lastPublished, id)
		}
	}
	for id, t := range p.timers {
		if !current[id] {
			t.Stop()
			delete(p.timers, id)
			delete(p.pending, id)
		}
	}

	for _, s := range sessions {
		last, ok := p.lastPublished[s.ID]
		if !ok || last != s.Status {
			p.scheduleLocked(s)
			continue
		}
		// Status is back at the published value: a still-pending timer
		// holds a stale intermediate snapshot that must not fire after
		// the freshness write.
		if t, ok := p.timers[s.ID]; ok {
			t.Stop()
			delete(p.timers, s.ID)
			delete(p.pending, s.ID)
		}
		fresh = append(fresh, s)
	}
	p.mu.Unlock()

	for _, s := range fresh {
		p.write(ctx, s)
	}
}

// scheduleLocked replaces any pending debounce timer for the session.
// Cancellation only ever affects the timer: a write that already started
// runs to completion regardless of later reschedules.
func (p *Publisher) scheduleLocked(s record.SessionState) {
	if t, ok := p.timers[s.ID]; ok {
		t.Stop()
	}
	p.pending[s.ID] = s
	id := s.ID
	p.timers[id] = time.AfterFunc(p.debounce, func() {
		p.mu.Lock()
		snap, ok := p.pending[id]
		delete(p.timers, id)
		delete(p.pending, id)
		p.mu.Unlock()
		if !ok {
			return
		}
		// Detached from the tick context: a debounce-fired write is never
		// aborted by subsequent ticks or reschedules.
		p.write(context.Background(), snap)
	})
}

// write upserts one session record with the timestamp set to the write
// time (never the older observation time). On unavailability it re-checks
// the store once and otherwise skips; the next tick retries naturally.
func (p *Publisher) write(ctx context.Context, s record.SessionState) {
	rec := record.SessionRecord{
		ID:           s.ID.String(),
		Status:       s.Status,
		Project:      s.Project,
		Timestamp:    time.Now().UTC(),
		PID:          s.PID,
		SourceDevice: p.device,
	}

	err := store.UpsertSession(ctx, p.store, rec)
	if errors.Is(err, store.ErrUnavailable) {
		if pingErr := p.store.Ping(ctx); pingErr != nil {
			p.logger.Debug("store unavailable, skipping publish", "session", s.ID, "error", err)
			return
		}
		err = store.UpsertSession(ctx, p.store, rec)
	}
	if err != nil {
		p.logger.Warn("publishing session failed", "session", s.ID, "error", err)
		return
	}

	p.mu.Lock()
	p.lastPublished[s.ID] = s.Status
	p.mu.Unlock()
}

// Flush cancels all pending debounce timers and publishes their snapshots
// immediately. Called on shutdown so the last observed state is not lost.
func (p *Publisher) Flush(ctx context.Context) {
	p.mu.Lock()
	var snaps []record.SessionState
	for id, t := range p.timers {
		t.Stop()
		if s, ok := p.pending[id]; ok {
			snaps = append(snaps, s)
		}
		delete(p.timers, id)
		delete(p.pending, id)
	}
	p.mu.Unlock()

	for _, s := range snaps {
		p.write(ctx, s)
	}
}

// LastPublished reports the last successfully published status for a
// session, if any.
func (p *Publisher) LastPublished(id record.SessionID) (record.Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.lastPublished[id]
	return st, ok
}
