package detect

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalambet/beacon/internal/record"
)

func writeTranscript(t *testing.T, projectsDir, project, sessionID string, lines string, mtime time.Time) string {
	t.Helper()
	dir := filepath.Join(projectsDir, project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	return path
}

const transcript = `{"type":"file-history-snapshot"}
{"sessionId":"abc","cwd":"/home/u/code/beacon","type":"user","message":{"role":"user","content":"hi"}}
`

func TestScanStatuses(t *testing.T) {
	projects := t.TempDir()
	prompts := t.TempDir()
	now := time.Now()

	writeTranscript(t, projects, "-home-u-code-beacon", "working-sess", transcript, now)
	writeTranscript(t, projects, "-home-u-code-beacon", "idle-sess", transcript, now.Add(-time.Minute))
	writeTranscript(t, projects, "-home-u-code-beacon", "expired-sess", transcript, now.Add(-time.Hour))

	d := New(projects, prompts, 10*time.Second, 30*time.Minute)
	states := d.Scan()

	byID := make(map[record.SessionID]record.SessionState)
	for _, s := range states {
		byID[s.ID] = s
	}

	if len(states) != 2 {
		t.Fatalf("got %d sessions, want 2 (expired excluded): %v", len(states), byID)
	}
	if got := byID["working-sess"].Status; got != record.StatusWorking {
		t.Errorf("working-sess status = %q, want working", got)
	}
	if got := byID["idle-sess"].Status; got != record.StatusIdle {
		t.Errorf("idle-sess status = %q, want idle", got)
	}
	if got := byID["working-sess"].Project; got != "beacon" {
		t.Errorf("project = %q, want beacon", got)
	}
}

func TestScanNeedsInputFromMarker(t *testing.T) {
	projects := t.TempDir()
	prompts := t.TempDir()
	now := time.Now()

	writeTranscript(t, projects, "-home-u-code-beacon", "blocked-sess", transcript, now)
	marker := PromptMarker{
		PromptID:  "prompt-1",
		SessionID: "blocked-sess",
		Message:   "Allow Bash(rm:*)?",
		PID:       4242,
		CreatedAt: now,
	}
	if err := WriteMarker(prompts, marker); err != nil {
		t.Fatalf("WriteMarker: %v", err)
	}

	d := New(projects, prompts, 10*time.Second, 30*time.Minute)
	states := d.Scan()
	if len(states) != 1 {
		t.Fatalf("got %d sessions, want 1", len(states))
	}
	if states[0].Status != record.StatusNeedsInput {
		t.Errorf("status = %q, want needs_input", states[0].Status)
	}
	if states[0].PID != 4242 {
		t.Errorf("pid = %d, want 4242", states[0].PID)
	}

	// Marker removed: session goes back to time-based status.
	if err := RemoveMarker(prompts, "blocked-sess"); err != nil {
		t.Fatalf("RemoveMarker: %v", err)
	}
	states = d.Scan()
	if len(states) != 1 || states[0].Status == record.StatusNeedsInput {
		t.Errorf("after marker removal states = %v", states)
	}
}

func TestScanSkipsMalformed(t *testing.T) {
	projects := t.TempDir()
	prompts := t.TempDir()
	now := time.Now()

	writeTranscript(t, projects, "-home-u-code-beacon", "bad-sess", "not json at all\n", now)
	writeTranscript(t, projects, "-home-u-code-beacon", "good-sess", transcript, now)

	d := New(projects, prompts, 10*time.Second, 30*time.Minute)
	states := d.Scan()
	// The malformed transcript still yields a session (id from the file
	// name, project from the directory); it is never fatal.
	if len(states) != 2 {
		t.Fatalf("got %d sessions, want 2", len(states))
	}
}

func TestScanMissingRoot(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "nope"), t.TempDir(), 0, 0)
	if states := d.Scan(); states != nil {
		t.Errorf("states = %v, want nil", states)
	}
}

func TestMarkerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := PromptMarker{
		PromptID:         "p-1",
		SessionID:        "sess-1",
		Message:          "continue?",
		NotificationType: "idle_prompt",
		CreatedAt:        time.Now().UTC(),
	}
	if err := WriteMarker(dir, m); err != nil {
		t.Fatalf("WriteMarker: %v", err)
	}
	got, err := LoadMarker(dir, "sess-1")
	if err != nil {
		t.Fatalf("LoadMarker: %v", err)
	}
	if got.PromptID != "p-1" || got.Message != "continue?" {
		t.Errorf("marker = %+v", got)
	}

	if _, err := LoadMarker(dir, "ghost"); err == nil {
		t.Error("LoadMarker(ghost) succeeded, want error")
	}
}
