package sweep

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalambet/beacon/internal/record"
	"github.com/kalambet/beacon/internal/store"
)

type mockStore struct {
	sessions []record.SessionRecord
	fetchErr error
	deleted  []string
}

func (m *mockStore) ActiveSessions(ctx context.Context, since time.Time) ([]record.SessionRecord, error) {
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.sessions, nil
}

func (m *mockStore) DeleteSession(ctx context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

func remote(id, device string) record.SessionRecord {
	return record.SessionRecord{ID: id, Status: record.StatusIdle, SourceDevice: device, Timestamp: time.Now()}
}

func local(ids ...string) []record.SessionState {
	out := make([]record.SessionState, 0, len(ids))
	for _, id := range ids {
		out = append(out, record.SessionState{ID: record.SessionID(id), Status: record.StatusWorking})
	}
	return out
}

func TestSweepRemovesOrphanedRecords(t *testing.T) {
	ms := &mockStore{sessions: []record.SessionRecord{
		remote("live", "macbook"),
		remote("gone", "macbook"),
	}}
	s := New(ms, "macbook", 0, "")

	s.Sweep(context.Background(), local("live"))

	if len(ms.deleted) != 1 || ms.deleted[0] != "gone" {
		t.Fatalf("deleted = %v, want [gone]", ms.deleted)
	}
}

func TestSweepNeverDeletesLocallyActive(t *testing.T) {
	ms := &mockStore{sessions: []record.SessionRecord{
		remote("a", "macbook"),
		remote("b", "macbook"),
	}}
	s := New(ms, "macbook", 0, "")

	s.Sweep(context.Background(), local("a", "b"))

	if len(ms.deleted) != 0 {
		t.Fatalf("deleted = %v, want none", ms.deleted)
	}
}

func TestSweepSkipsOtherDevices(t *testing.T) {
	ms := &mockStore{sessions: []record.SessionRecord{
		remote("theirs", "workstation"),
	}}
	s := New(ms, "macbook", 0, "")

	s.Sweep(context.Background(), nil)

	if len(ms.deleted) != 0 {
		t.Fatalf("deleted records owned by another device: %v", ms.deleted)
	}
}

func TestSweepNoOpOnEmptyFetch(t *testing.T) {
	ms := &mockStore{}
	s := New(ms, "macbook", 0, "")

	s.Sweep(context.Background(), local("a"))

	if len(ms.deleted) != 0 {
		t.Fatalf("deleted = %v, want none on empty fetch", ms.deleted)
	}
}

func TestSweepNoOpWhenUnavailable(t *testing.T) {
	ms := &mockStore{
		sessions: []record.SessionRecord{remote("gone", "macbook")},
		fetchErr: store.ErrUnavailable,
	}
	s := New(ms, "macbook", 0, "")

	s.Sweep(context.Background(), nil)

	if len(ms.deleted) != 0 {
		t.Fatalf("deleted = %v, want none when store unreachable", ms.deleted)
	}
}

func TestSweepPrunesConsumedResponses(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"live.txt", "gone.txt", "other.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	ms := &mockStore{sessions: []record.SessionRecord{remote("live", "macbook")}}
	s := New(ms, "macbook", 0, dir)

	s.Sweep(context.Background(), local("live"))

	if _, err := os.Stat(filepath.Join(dir, "live.txt")); err != nil {
		t.Error("response file for live session pruned")
	}
	if _, err := os.Stat(filepath.Join(dir, "gone.txt")); !os.IsNotExist(err) {
		t.Error("response file for dead session survived")
	}
	if _, err := os.Stat(filepath.Join(dir, "other.json")); err != nil {
		t.Error("non-response file pruned")
	}
}
