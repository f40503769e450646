package store_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalambet/beacon/internal/api"
	"github.com/kalambet/beacon/internal/record"
	"github.com/kalambet/beacon/internal/storage"
	"github.com/kalambet/beacon/internal/store"
)

func newTestClient(t *testing.T) *store.Client {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := httptest.NewServer(api.NewHandler(api.Deps{Store: st, Token: "t"}))
	t.Cleanup(srv.Close)
	return store.NewClient(srv.URL, "t")
}

func TestClientSessionRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	rec := record.SessionRecord{
		ID:           "sess-1",
		Status:       record.StatusWorking,
		Project:      "beacon",
		Timestamp:    time.Now().UTC(),
		SourceDevice: "macbook",
	}
	if err := c.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := c.CreateSession(ctx, rec); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate create = %v, want ErrConflict", err)
	}

	got, err := c.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != record.StatusWorking || got.SourceDevice != "macbook" {
		t.Errorf("got %+v", got)
	}

	if _, err := c.GetSession(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing get = %v, want ErrNotFound", err)
	}

	rec.Status = record.StatusIdle
	if err := c.UpdateSession(ctx, rec); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if err := c.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := c.DeleteSession(ctx, "sess-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestClientUnavailable(t *testing.T) {
	// Nothing listens on this port.
	c := store.NewClient("http://127.0.0.1:1", "t")
	err := c.Ping(context.Background())
	if !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestUpsertSession(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	rec := record.SessionRecord{ID: "sess-1", Status: record.StatusWorking, Timestamp: time.Now().UTC()}

	// First upsert creates.
	if err := store.UpsertSession(ctx, c, rec); err != nil {
		t.Fatalf("first UpsertSession: %v", err)
	}
	// Second upsert updates in place: still exactly one record.
	rec.Status = record.StatusNeedsInput
	if err := store.UpsertSession(ctx, c, rec); err != nil {
		t.Fatalf("second UpsertSession: %v", err)
	}

	recs, err := c.ActiveSessions(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ActiveSessions: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Status != record.StatusNeedsInput {
		t.Errorf("Status = %q, want %q", recs[0].Status, record.StatusNeedsInput)
	}
}

func TestActiveSessionsPaginates(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// More records than one page (client page size is 100).
	for i := 0; i < 105; i++ {
		rec := record.SessionRecord{
			ID:        fmt.Sprintf("sess-%03d", i),
			Status:    record.StatusWorking,
			Timestamp: now.Add(-time.Duration(i) * time.Second),
		}
		if err := c.CreateSession(ctx, rec); err != nil {
			t.Fatalf("CreateSession %d: %v", i, err)
		}
	}

	recs, err := c.ActiveSessions(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ActiveSessions: %v", err)
	}
	if len(recs) != 105 {
		t.Fatalf("got %d records, want 105", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i-1].Timestamp.Before(recs[i].Timestamp) {
			t.Fatalf("records out of order at %d", i)
		}
	}
}

func TestClientPromptRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	p := record.PromptRecord{
		ID:               "p-1",
		SessionID:        "sess-1",
		Message:          "Allow Bash(git push:*)?",
		NotificationType: "permission",
	}
	if err := c.CreatePrompt(ctx, p); err != nil {
		t.Fatalf("CreatePrompt: %v", err)
	}

	// No answered prompts yet.
	answered, err := c.AnsweredPrompts(ctx, record.NewSessionID("sess-1"))
	if err != nil {
		t.Fatalf("AnsweredPrompts: %v", err)
	}
	if len(answered) != 0 {
		t.Fatalf("got %d answered prompts, want 0", len(answered))
	}

	// Answering a missing prompt is an error, never a create.
	if err := c.SubmitResponse(ctx, "ghost", "yes", "iphone"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SubmitResponse(ghost) = %v, want ErrNotFound", err)
	}

	if err := c.SubmitResponse(ctx, "p-1", "yes", "iphone"); err != nil {
		t.Fatalf("SubmitResponse: %v", err)
	}

	answered, err = c.AnsweredPrompts(ctx, record.NewSessionID("sess-1"))
	if err != nil {
		t.Fatalf("AnsweredPrompts after response: %v", err)
	}
	if len(answered) != 1 {
		t.Fatalf("got %d answered prompts, want 1", len(answered))
	}
	got := answered[0]
	if !got.Responded || got.ResponseText != "yes" || got.RespondedFrom != "iphone" {
		t.Errorf("answered prompt = %+v", got)
	}

	if err := c.DeletePrompt(ctx, "p-1"); err != nil {
		t.Fatalf("DeletePrompt: %v", err)
	}
}

func TestClientSubscriptionAndEvents(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	sub := store.Subscription{ID: "dev-1-session", RecordType: store.TypeSession, Device: "iphone"}
	if err := c.RegisterSubscription(ctx, sub); err != nil {
		t.Fatalf("RegisterSubscription: %v", err)
	}
	// Idempotent re-register.
	if err := c.RegisterSubscription(ctx, sub); err != nil {
		t.Fatalf("second RegisterSubscription: %v", err)
	}
	// Unknown record type maps to ErrNotFound (deferred by the bridge).
	bad := store.Subscription{ID: "dev-1-widget", RecordType: "widget"}
	if err := c.RegisterSubscription(ctx, bad); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown type = %v, want ErrNotFound", err)
	}

	rec := record.SessionRecord{ID: "sess-1", Status: record.StatusWorking, Timestamp: time.Now().UTC()}
	if err := c.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	events, seq, err := c.NextEvents(ctx, 0)
	if err != nil {
		t.Fatalf("NextEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	e := events[0]
	if e.RecordType != store.TypeSession || e.RecordID != "sess-1" || e.Action != store.ActionCreate {
		t.Errorf("event = %+v", e)
	}
	if seq != e.Seq {
		t.Errorf("resume seq = %d, want %d", seq, e.Seq)
	}
}
