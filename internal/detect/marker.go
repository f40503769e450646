package detect

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kalambet/beacon/internal/record"
)

// PromptMarker is the local artifact a notification hook writes when a
// session blocks on human input. Its presence flips the session to
// NeedsInput; its payload becomes the remote prompt record.
type PromptMarker struct {
	PromptID          string    `json:"prompt_id"`
	SessionID         string    `json:"session_id"`
	Message           string    `json:"message"`
	NotificationType  string    `json:"notification_type"`
	TranscriptExcerpt string    `json:"transcript_excerpt,omitempty"`
	PID               int       `json:"pid,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// MarkerPath returns the well-known marker location for a session.
func MarkerPath(promptsDir string, id record.SessionID) string {
	return filepath.Join(promptsDir, id.String()+".json")
}

// LoadMarker reads and decodes the marker for a session. A missing file
// returns os.ErrNotExist through the wrapped error.
func LoadMarker(promptsDir string, id record.SessionID) (PromptMarker, error) {
	data, err := os.ReadFile(MarkerPath(promptsDir, id))
	if err != nil {
		return PromptMarker{}, fmt.Errorf("reading prompt marker: %w", err)
	}
	var m PromptMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return PromptMarker{}, fmt.Errorf("parsing prompt marker for %s: %w", id, err)
	}
	if m.SessionID == "" {
		m.SessionID = id.String()
	}
	return m, nil
}

// WriteMarker persists a marker; used by the hook entry point and tests.
func WriteMarker(promptsDir string, m PromptMarker) error {
	if err := os.MkdirAll(promptsDir, 0o755); err != nil {
		return fmt.Errorf("creating prompts dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(MarkerPath(promptsDir, record.SessionID(m.SessionID)), data, 0o644)
}

// RemoveMarker deletes a session's marker; missing files are not an error.
func RemoveMarker(promptsDir string, id record.SessionID) error {
	err := os.Remove(MarkerPath(promptsDir, id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
