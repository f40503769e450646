// Package watch implements the remote-device role: keeping a live view of
// another device's sessions and pending prompts, and submitting responses
// back through the store.
package watch

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/beacon/internal/record"
)

// maxBadRecords bounds how many malformed records are tolerated silently
// before the fetcher reports them at Warn.
const maxBadRecords = 10

// SessionSource lists active sessions from the store.
type SessionSource interface {
	ActiveSessions(ctx context.Context, since time.Time) ([]record.SessionRecord, error)
}

// Fetcher retrieves the currently active session records, applying the
// shared activity window and dropping records it cannot interpret.
type Fetcher struct {
	source SessionSource
	window time.Duration
	logger *slog.Logger

	badRecords int
}

// NewFetcher creates a Fetcher. window bounds "active"; zero means the
// default 30 minutes.
func NewFetcher(source SessionSource, window time.Duration) *Fetcher {
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &Fetcher{source: source, window: window, logger: slog.Default()}
}

// FetchActive returns active sessions, newest first. A malformed record
// (missing id or unknown status) is skipped rather than failing the whole
// fetch; one bad writer must not blind the view to everyone else.
func (f *Fetcher) FetchActive(ctx context.Context) ([]record.SessionRecord, error) {
	records, err := f.source.ActiveSessions(ctx, time.Now().Add(-f.window))
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, rec := range records {
		if rec.ID == "" || !rec.Status.Valid() {
			f.badRecords++
			if f.badRecords == maxBadRecords {
				f.logger.Warn("repeated malformed session records from store",
					"dropped", f.badRecords)
			} else {
				f.logger.Debug("dropping malformed session record",
					"id", rec.ID, "status", rec.Status)
			}
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
