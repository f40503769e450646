package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/beacon/internal/record"
	"github.com/kalambet/beacon/internal/store"
)

// Store is the slice of the record store the bridge needs beyond what the
// Fetcher consumes.
type Store interface {
	SessionSource
	GetSession(ctx context.Context, id string) (record.SessionRecord, error)
	PendingPrompts(ctx context.Context) ([]record.PromptRecord, error)
	SubmitResponse(ctx context.Context, promptID, text, device string) error
	RegisterSubscription(ctx context.Context, sub store.Subscription) error
	NextEvents(ctx context.Context, after int64) ([]store.Event, int64, error)
}

// Bridge keeps the View current. Two independent paths feed it: an
// interval fetch that is the guaranteed refresh, and the push feed that
// only lowers latency. Losing every push still converges within one
// interval.
type Bridge struct {
	store    Store
	fetcher  *Fetcher
	view     *View
	device   string
	interval time.Duration
	logger   *slog.Logger

	registered map[string]bool
	after      int64
}

// NewBridge creates a Bridge refreshing every interval (default 5s).
func NewBridge(s Store, fetcher *Fetcher, view *View, device string, interval time.Duration) *Bridge {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Bridge{
		store:      s,
		fetcher:    fetcher,
		view:       view,
		device:     device,
		interval:   interval,
		logger:     slog.Default(),
		registered: make(map[string]bool),
	}
}

// Run drives both refresh paths until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.Refresh(ctx)
	b.ensureSubscriptions(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.intervalLoop(ctx) })
	g.Go(func() error { return b.pushLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bridge) intervalLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.ensureSubscriptions(ctx)
			b.Refresh(ctx)
		}
	}
}

// pushLoop long-polls the event feed and applies each event as a targeted
// fetch. Any push failure just waits out the interval; the interval loop
// is the correctness path.
func (b *Bridge) pushLoop(ctx context.Context) error {
	for {
		events, next, err := b.store.NextEvents(ctx, b.after)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, store.ErrUnavailable) {
				b.logger.Warn("event poll failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.interval):
			}
			continue
		}
		b.after = next
		for _, ev := range events {
			b.apply(ctx, ev)
		}
	}
}

// apply turns one change event into the narrowest view update it allows.
func (b *Bridge) apply(ctx context.Context, ev store.Event) {
	switch ev.RecordType {
	case store.TypeSession:
		if ev.Action == store.ActionDelete {
			b.view.RemoveSession(ev.RecordID)
			return
		}
		rec, err := b.store.GetSession(ctx, ev.RecordID)
		switch {
		case err == nil:
			b.view.UpsertSession(rec)
		case errors.Is(err, store.ErrNotFound):
			b.view.RemoveSession(ev.RecordID)
		default:
			b.logger.Debug("targeted session fetch failed", "session", ev.RecordID, "error", err)
		}
	case store.TypePrompt:
		// Prompt events always re-list: a create adds, an answer or a
		// delete removes, and one listing covers all three.
		b.refreshPrompts(ctx)
	}
}

// Refresh performs the full interval fetch of both record types.
func (b *Bridge) Refresh(ctx context.Context) {
	sessions, err := b.fetcher.FetchActive(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrUnavailable) {
			b.logger.Warn("session fetch failed", "error", err)
		}
		return
	}
	b.view.ReplaceSessions(sessions)
	b.refreshPrompts(ctx)
}

func (b *Bridge) refreshPrompts(ctx context.Context) {
	prompts, err := b.store.PendingPrompts(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrUnavailable) {
			b.logger.Warn("prompt fetch failed", "error", err)
		}
		return
	}
	b.view.ReplacePrompts(prompts)
}

// ensureSubscriptions registers interest in both record types. A type the
// store does not know yet (the source has not created a record of it) is
// left unregistered and retried on the next activation.
func (b *Bridge) ensureSubscriptions(ctx context.Context) {
	for _, recordType := range []string{store.TypeSession, store.TypePrompt} {
		if b.registered[recordType] {
			continue
		}
		sub := store.Subscription{
			ID:         b.device + "-" + recordType,
			RecordType: recordType,
			Device:     b.device,
		}
		err := b.store.RegisterSubscription(ctx, sub)
		switch {
		case err == nil:
			b.registered[recordType] = true
		case errors.Is(err, store.ErrNotFound):
			b.logger.Debug("record type not available yet, subscription deferred",
				"type", recordType)
		case errors.Is(err, store.ErrUnavailable):
		default:
			b.logger.Warn("subscription registration failed", "type", recordType, "error", err)
		}
	}
}

// SubmitResponse answers a pending prompt on behalf of this device. A
// missing prompt is a real error: the source may have withdrawn it, and
// the caller needs to know the text went nowhere.
func (b *Bridge) SubmitResponse(ctx context.Context, promptID, text string) error {
	if err := b.store.SubmitResponse(ctx, promptID, text, b.device); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("prompt %s no longer exists: %w", promptID, err)
		}
		return err
	}
	b.view.RemovePrompt(promptID)
	return nil
}
