// Package sweep removes remote session records whose local sessions no
// longer exist. It runs on a coarse cadence relative to the upload tick
// and is deliberately conservative: uncertainty always means "keep".
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/beacon/internal/record"
	"github.com/kalambet/beacon/internal/store"
)

// Store is the slice of the record store the sweeper needs.
type Store interface {
	ActiveSessions(ctx context.Context, since time.Time) ([]record.SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error
}

// Sweeper reconciles the remote active set against locally observed
// sessions for one source device.
type Sweeper struct {
	store        Store
	device       string
	window       time.Duration
	responsesDir string
	logger       *slog.Logger
}

// New creates a Sweeper scoped to the given source device. window bounds
// the remote fetch; responsesDir holds consumed fallback response files
// that the sweep also prunes (empty disables pruning).
func New(s Store, device string, window time.Duration, responsesDir string) *Sweeper {
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &Sweeper{
		store:        s,
		device:       device,
		window:       window,
		responsesDir: responsesDir,
		logger:       slog.Default(),
	}
}

// Sweep deletes remote records owned by this device whose ids are absent
// from the current local set. An unavailable store or an empty fetch is a
// no-op: an empty result cannot be told apart from a failed query, and a
// wrong no-op only delays cleanup until the next pass.
func (s *Sweeper) Sweep(ctx context.Context, local []record.SessionState) {
	remote, err := s.store.ActiveSessions(ctx, time.Now().Add(-s.window))
	if err != nil {
		if !errors.Is(err, store.ErrUnavailable) {
			s.logger.Warn("fetching remote sessions for sweep failed", "error", err)
		}
		return
	}
	if len(remote) == 0 {
		return
	}

	alive := make(map[string]bool, len(local))
	for _, l := range local {
		alive[l.ID.String()] = true
	}

	for _, r := range remote {
		if r.SourceDevice != s.device || alive[r.ID] {
			continue
		}
		err := s.store.DeleteSession(ctx, r.ID)
		switch {
		case err == nil:
			s.logger.Info("stale session removed", "session", r.ID)
		case errors.Is(err, store.ErrNotFound):
			// Another pass or device got there first.
		default:
			s.logger.Warn("deleting stale session failed", "session", r.ID, "error", err)
		}
	}

	s.pruneResponses(local)
}

// pruneResponses deletes fallback response files for sessions that are no
// longer active locally. Files for live sessions stay until the user has
// had a chance to paste them.
func (s *Sweeper) pruneResponses(local []record.SessionState) {
	if s.responsesDir == "" {
		return
	}
	entries, err := os.ReadDir(s.responsesDir)
	if err != nil {
		return
	}
	alive := make(map[string]bool, len(local))
	for _, l := range local {
		alive[l.ID.String()] = true
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".txt") {
			continue
		}
		id := strings.TrimSuffix(name, ".txt")
		if alive[id] {
			continue
		}
		if err := os.Remove(filepath.Join(s.responsesDir, name)); err != nil {
			s.logger.Debug("pruning response file failed", "file", name, "error", err)
		}
	}
}
