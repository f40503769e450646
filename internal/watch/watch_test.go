package watch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/beacon/internal/record"
	"github.com/kalambet/beacon/internal/store"
)

type mockStore struct {
	mu          sync.Mutex
	sessions    map[string]record.SessionRecord
	prompts     map[string]record.PromptRecord
	subs        map[string]store.Subscription
	subErr      map[string]error
	fetchErr    error
	responses   []string
	responseErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		sessions: make(map[string]record.SessionRecord),
		prompts:  make(map[string]record.PromptRecord),
		subs:     make(map[string]store.Subscription),
		subErr:   make(map[string]error),
	}
}

func (m *mockStore) ActiveSessions(ctx context.Context, since time.Time) ([]record.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	var out []record.SessionRecord
	for _, s := range m.sessions {
		if !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockStore) GetSession(ctx context.Context, id string) (record.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return record.SessionRecord{}, store.ErrNotFound
	}
	return s, nil
}

func (m *mockStore) PendingPrompts(ctx context.Context) ([]record.PromptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []record.PromptRecord
	for _, p := range m.prompts {
		if !p.Responded {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockStore) SubmitResponse(ctx context.Context, promptID, text, device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.responseErr != nil {
		return m.responseErr
	}
	if _, ok := m.prompts[promptID]; !ok {
		return store.ErrNotFound
	}
	m.responses = append(m.responses, promptID+"="+text+" from "+device)
	return nil
}

func (m *mockStore) RegisterSubscription(ctx context.Context, sub store.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.subErr[sub.RecordType]; err != nil {
		return err
	}
	m.subs[sub.ID] = sub
	return nil
}

func (m *mockStore) NextEvents(ctx context.Context, after int64) ([]store.Event, int64, error) {
	return nil, after, nil
}

func activeSession(id string, status record.Status) record.SessionRecord {
	return record.SessionRecord{
		ID: id, Status: status, Project: "beacon",
		Timestamp: time.Now().UTC(), SourceDevice: "macbook",
	}
}

func TestFetcherDropsMalformedRecords(t *testing.T) {
	ms := newMockStore()
	ms.sessions["good"] = activeSession("good", record.StatusWorking)
	ms.sessions["bad-status"] = activeSession("bad-status", record.Status("confused"))
	ms.sessions[""] = activeSession("", record.StatusIdle)

	f := NewFetcher(ms, 0)
	out, err := f.FetchActive(context.Background())
	if err != nil {
		t.Fatalf("FetchActive: %v", err)
	}
	if len(out) != 1 || out[0].ID != "good" {
		t.Errorf("records = %v, want only good", out)
	}
	if f.badRecords != 2 {
		t.Errorf("badRecords = %d, want 2", f.badRecords)
	}
}

func TestFetcherAppliesWindow(t *testing.T) {
	ms := newMockStore()
	fresh := activeSession("fresh", record.StatusWorking)
	stale := activeSession("stale", record.StatusIdle)
	stale.Timestamp = time.Now().Add(-2 * time.Hour)
	ms.sessions["fresh"] = fresh
	ms.sessions["stale"] = stale

	f := NewFetcher(ms, 30*time.Minute)
	out, err := f.FetchActive(context.Background())
	if err != nil {
		t.Fatalf("FetchActive: %v", err)
	}
	if len(out) != 1 || out[0].ID != "fresh" {
		t.Errorf("records = %v, want only fresh", out)
	}
}

func TestViewOrdering(t *testing.T) {
	v := NewView()
	now := time.Now()
	v.ReplaceSessions([]record.SessionRecord{
		{ID: "b", Timestamp: now.Add(-time.Minute)},
		{ID: "a", Timestamp: now},
		{ID: "c", Timestamp: now.Add(-time.Minute)},
	})
	got := v.Sessions()
	var ids []string
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "a,b,c" {
		t.Errorf("session order = %v, want newest first then id", ids)
	}

	v.ReplacePrompts([]record.PromptRecord{
		{ID: "p2", CreatedAt: now},
		{ID: "p1", CreatedAt: now.Add(-time.Minute)},
	})
	prompts := v.Prompts()
	if prompts[0].ID != "p1" {
		t.Errorf("prompt order = %v, want oldest first", prompts)
	}
}

func TestViewChangeCallback(t *testing.T) {
	v := NewView()
	var fired int
	v.OnChange(func() { fired++ })

	v.UpsertSession(activeSession("a", record.StatusWorking))
	v.RemoveSession("a")
	if fired != 2 {
		t.Errorf("callback fired %d times, want 2", fired)
	}
}

func TestViewRemoveSessionDropsItsPrompts(t *testing.T) {
	v := NewView()
	v.ReplacePrompts([]record.PromptRecord{
		{ID: "p1", SessionID: "a"},
		{ID: "p2", SessionID: "b"},
	})
	v.RemoveSession("a")
	prompts := v.Prompts()
	if len(prompts) != 1 || prompts[0].ID != "p2" {
		t.Errorf("prompts = %v, want only p2", prompts)
	}
}

func TestBridgeRefreshPopulatesView(t *testing.T) {
	ms := newMockStore()
	ms.sessions["s1"] = activeSession("s1", record.StatusNeedsInput)
	ms.prompts["p1"] = record.PromptRecord{ID: "p1", SessionID: "s1", CreatedAt: time.Now()}
	ms.prompts["answered"] = record.PromptRecord{ID: "answered", SessionID: "s1", Responded: true}

	view := NewView()
	b := NewBridge(ms, NewFetcher(ms, 0), view, "ipad", time.Second)
	b.Refresh(context.Background())

	if got := view.Sessions(); len(got) != 1 || got[0].ID != "s1" {
		t.Errorf("sessions = %v", got)
	}
	if got := view.Prompts(); len(got) != 1 || got[0].ID != "p1" {
		t.Errorf("prompts = %v, answered prompt must not appear", got)
	}
}

func TestBridgeSubscriptionsDeferredOnNotFound(t *testing.T) {
	ms := newMockStore()
	ms.subErr[store.TypePrompt] = store.ErrNotFound

	b := NewBridge(ms, NewFetcher(ms, 0), NewView(), "ipad", time.Second)
	ctx := context.Background()

	b.ensureSubscriptions(ctx)
	if !b.registered[store.TypeSession] {
		t.Error("session subscription not registered")
	}
	if b.registered[store.TypePrompt] {
		t.Error("prompt subscription registered despite unknown type")
	}

	// The type appears later; next activation picks it up.
	ms.mu.Lock()
	delete(ms.subErr, store.TypePrompt)
	ms.mu.Unlock()
	b.ensureSubscriptions(ctx)
	if !b.registered[store.TypePrompt] {
		t.Error("prompt subscription not retried")
	}
	if len(ms.subs) != 2 {
		t.Errorf("subscriptions = %d, want 2", len(ms.subs))
	}

	// Re-running does not duplicate registrations.
	b.ensureSubscriptions(ctx)
	if len(ms.subs) != 2 {
		t.Errorf("subscriptions after rerun = %d, want 2", len(ms.subs))
	}
}

func TestBridgeAppliesSessionEvents(t *testing.T) {
	ms := newMockStore()
	ms.sessions["s1"] = activeSession("s1", record.StatusWorking)

	view := NewView()
	b := NewBridge(ms, NewFetcher(ms, 0), view, "ipad", time.Second)
	ctx := context.Background()

	b.apply(ctx, store.Event{RecordType: store.TypeSession, RecordID: "s1", Action: store.ActionCreate})
	if got := view.Sessions(); len(got) != 1 || got[0].Status != record.StatusWorking {
		t.Errorf("sessions = %v", got)
	}

	b.apply(ctx, store.Event{RecordType: store.TypeSession, RecordID: "s1", Action: store.ActionDelete})
	if got := view.Sessions(); len(got) != 0 {
		t.Errorf("sessions after delete = %v", got)
	}

	// Update event for a record the store no longer has also removes it.
	view.UpsertSession(activeSession("ghost", record.StatusIdle))
	b.apply(ctx, store.Event{RecordType: store.TypeSession, RecordID: "ghost", Action: store.ActionUpdate})
	if got := view.Sessions(); len(got) != 0 {
		t.Errorf("ghost survived: %v", got)
	}
}

func TestBridgeSubmitResponse(t *testing.T) {
	ms := newMockStore()
	ms.prompts["p1"] = record.PromptRecord{ID: "p1", SessionID: "s1"}

	view := NewView()
	view.ReplacePrompts([]record.PromptRecord{{ID: "p1", SessionID: "s1"}})
	b := NewBridge(ms, NewFetcher(ms, 0), view, "ipad", time.Second)

	if err := b.SubmitResponse(context.Background(), "p1", "looks good"); err != nil {
		t.Fatalf("SubmitResponse: %v", err)
	}
	if len(ms.responses) != 1 || ms.responses[0] != "p1=looks good from ipad" {
		t.Errorf("responses = %v", ms.responses)
	}
	if got := view.Prompts(); len(got) != 0 {
		t.Errorf("prompt still in view after answering: %v", got)
	}
}

func TestBridgeSubmitResponseMissingPrompt(t *testing.T) {
	ms := newMockStore()
	b := NewBridge(ms, NewFetcher(ms, 0), NewView(), "ipad", time.Second)

	err := b.SubmitResponse(context.Background(), "nope", "text")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
