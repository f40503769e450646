// Package detect observes local coding-agent sessions by scanning their
// transcript files. It applies the local session TTL itself: entries it
// reports are currently active by its own expiry policy.
package detect

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/beacon/internal/record"
)

// Detector produces one SessionState per active local session per Scan.
type Detector struct {
	projectsDir  string
	promptsDir   string
	activeWindow time.Duration
	idleTTL      time.Duration
	logger       *slog.Logger
}

// New creates a Detector. projectsDir is the transcript root
// (~/.claude/projects); promptsDir holds prompt marker files written by
// the notification hook. activeWindow bounds "recently modified means
// working"; sessions untouched for longer than idleTTL are not reported.
func New(projectsDir, promptsDir string, activeWindow, idleTTL time.Duration) *Detector {
	if activeWindow <= 0 {
		activeWindow = 10 * time.Second
	}
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	return &Detector{
		projectsDir:  projectsDir,
		promptsDir:   promptsDir,
		activeWindow: activeWindow,
		idleTTL:      idleTTL,
		logger:       slog.Default(),
	}
}

// Scan walks the transcript tree and returns the currently-active session
// set. Malformed or unreadable files are skipped, never fatal.
func (d *Detector) Scan() []record.SessionState {
	entries, err := os.ReadDir(d.projectsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Debug("reading projects dir", "dir", d.projectsDir, "error", err)
		}
		return nil
	}

	now := time.Now()
	var states []record.SessionState
	for _, projEntry := range entries {
		if !projEntry.IsDir() {
			continue
		}
		projPath := filepath.Join(d.projectsDir, projEntry.Name())
		files, err := os.ReadDir(projPath)
		if err != nil {
			continue
		}
		for _, fe := range files {
			// Only top-level .jsonl transcripts; subdirectories hold subagents.
			if fe.IsDir() || !strings.HasSuffix(fe.Name(), ".jsonl") {
				continue
			}
			path := filepath.Join(projPath, fe.Name())
			if state, ok := d.observe(path, now); ok {
				states = append(states, state)
			}
		}
	}
	return states
}

func (d *Detector) observe(path string, now time.Time) (record.SessionState, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return record.SessionState{}, false
	}
	age := now.Sub(info.ModTime())
	if age > d.idleTTL {
		return record.SessionState{}, false
	}

	id := record.SessionIDFromPath(path)
	state := record.SessionState{
		ID:         id,
		Project:    projectName(path),
		ObservedAt: now,
		Path:       path,
	}

	if marker, err := LoadMarker(d.promptsDir, id); err == nil {
		state.Status = record.StatusNeedsInput
		state.PID = marker.PID
		return state, true
	}

	if age <= d.activeWindow {
		state.Status = record.StatusWorking
	} else {
		state.Status = record.StatusIdle
	}
	return state, true
}

// projectName derives a display label from the transcript's first lines
// (the cwd field), falling back to the encoded project directory name.
func projectName(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return fallbackProject(path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 256*1024)

	// Some transcripts start with non-session lines; scan a few.
	for i := 0; i < 10 && scanner.Scan(); i++ {
		var line struct {
			CWD string `json:"cwd"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.CWD != "" {
			return filepath.Base(line.CWD)
		}
	}
	return fallbackProject(path)
}

func fallbackProject(path string) string {
	dir := filepath.Base(filepath.Dir(path))
	// Project directories encode the path with dashes; keep the last segment.
	if i := strings.LastIndex(dir, "-"); i >= 0 && i < len(dir)-1 {
		return dir[i+1:]
	}
	return dir
}
