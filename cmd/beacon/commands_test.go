package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/beacon/internal/api"
	"github.com/kalambet/beacon/internal/config"
	"github.com/kalambet/beacon/internal/record"
	"github.com/kalambet/beacon/internal/storage"
	"github.com/kalambet/beacon/internal/store"
)

const testToken = "test-token"

// setupStore spins a real record store over an in-memory database and
// points the CLI verbs at it.
func setupStore(t *testing.T) *storage.Store {
	t.Helper()

	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	srv := httptest.NewServer(api.NewHandler(api.Deps{Store: db, Token: testToken}))
	t.Cleanup(srv.Close)

	orig := newStoreClient
	newStoreClient = func() (store.Store, config.Config, error) {
		cfg := config.Config{}
		cfg.Device.Name = "ipad"
		cfg.Watch.Window = 30 * time.Minute
		return store.NewClient(srv.URL, testToken), cfg, nil
	}
	t.Cleanup(func() { newStoreClient = orig })

	noColor = true
	return db
}

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSessionsCommand(t *testing.T) {
	db := setupStore(t)
	_, err := db.CreateSessionRecord(record.SessionRecord{
		ID: "abcdef1234", Status: record.StatusWorking, Project: "beacon",
		Timestamp: time.Now().UTC(), SourceDevice: "macbook",
	})
	if err != nil {
		t.Fatalf("seeding session: %v", err)
	}

	out, err := executeCommand(t, "sessions")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "abcdef12") || !strings.Contains(out, "working") {
		t.Errorf("output = %q, want session listing", out)
	}
	if !strings.Contains(out, "macbook") {
		t.Errorf("output = %q, want source device", out)
	}
}

func TestSessionsCommandEmpty(t *testing.T) {
	setupStore(t)

	out, err := executeCommand(t, "sessions")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No active sessions") {
		t.Errorf("output = %q", out)
	}
}

func TestPendingCommandFiltersAnswered(t *testing.T) {
	db := setupStore(t)
	seed := func(id, msg string) {
		t.Helper()
		_, err := db.CreatePromptRecord(record.PromptRecord{
			ID: id, SessionID: "s1", Project: "beacon",
			Message: msg, CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("seeding prompt: %v", err)
		}
	}
	seed("p-open", "Allow file write?")
	seed("p-done", "Old question")
	if _, err := db.SubmitPromptResponse("p-done", "yes", "ipad"); err != nil {
		t.Fatalf("answering prompt: %v", err)
	}

	out, err := executeCommand(t, "pending")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Allow file write?") {
		t.Errorf("output = %q, want open prompt", out)
	}
	if strings.Contains(out, "Old question") {
		t.Errorf("output = %q, answered prompt must not appear", out)
	}
}

func TestRespondCommand(t *testing.T) {
	db := setupStore(t)
	_, err := db.CreatePromptRecord(record.PromptRecord{
		ID: "p1", SessionID: "s1", Project: "beacon",
		Message: "Continue?", CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seeding prompt: %v", err)
	}

	if _, err := executeCommand(t, "respond", "p1", "yes", "please"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, err := db.GetPromptRecord("p1")
	if err != nil {
		t.Fatalf("reading prompt: %v", err)
	}
	if !p.Responded {
		t.Error("prompt not marked responded")
	}
	if p.ResponseText != "yes please" {
		t.Errorf("ResponseText = %q, want joined args", p.ResponseText)
	}
	if p.RespondedFrom != "ipad" {
		t.Errorf("RespondedFrom = %q", p.RespondedFrom)
	}
}

func TestRespondCommandMissingPrompt(t *testing.T) {
	setupStore(t)

	_, err := executeCommand(t, "respond", "ghost", "text")
	if err == nil {
		t.Fatal("expected error for missing prompt")
	}
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
