package watch

import (
	"sort"
	"sync"

	"github.com/kalambet/beacon/internal/record"
)

// View is the remote device's current picture of the source: active
// sessions and unanswered prompts. Mutated by the bridge, read by the CLI
// renderer and the MCP tools; the change callback fires after every
// mutation that altered the snapshot.
type View struct {
	mu       sync.RWMutex
	sessions map[string]record.SessionRecord
	prompts  map[string]record.PromptRecord
	onChange func()
}

// NewView creates an empty View.
func NewView() *View {
	return &View{
		sessions: make(map[string]record.SessionRecord),
		prompts:  make(map[string]record.PromptRecord),
	}
}

// OnChange registers a callback invoked after the view changes. The
// callback runs on the mutating goroutine without the view lock held.
func (v *View) OnChange(fn func()) {
	v.mu.Lock()
	v.onChange = fn
	v.mu.Unlock()
}

// Sessions returns active sessions ordered newest first, ties broken by id.
func (v *View) Sessions() []record.SessionRecord {
	v.mu.RLock()
	out := make([]record.SessionRecord, 0, len(v.sessions))
	for _, s := range v.sessions {
		out = append(out, s)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Prompts returns unanswered prompts ordered oldest first, so the longest
// blocked session surfaces at the top.
func (v *View) Prompts() []record.PromptRecord {
	v.mu.RLock()
	out := make([]record.PromptRecord, 0, len(v.prompts))
	for _, p := range v.prompts {
		out = append(out, p)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ReplaceSessions swaps the full session set in from an interval fetch.
func (v *View) ReplaceSessions(records []record.SessionRecord) {
	v.mu.Lock()
	v.sessions = make(map[string]record.SessionRecord, len(records))
	for _, rec := range records {
		v.sessions[rec.ID] = rec
	}
	fn := v.onChange
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// ReplacePrompts swaps the full pending prompt set.
func (v *View) ReplacePrompts(records []record.PromptRecord) {
	v.mu.Lock()
	v.prompts = make(map[string]record.PromptRecord, len(records))
	for _, rec := range records {
		v.prompts[rec.ID] = rec
	}
	fn := v.onChange
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// UpsertSession applies one targeted session fetch.
func (v *View) UpsertSession(rec record.SessionRecord) {
	v.mu.Lock()
	v.sessions[rec.ID] = rec
	fn := v.onChange
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// RemoveSession drops a session (and its prompts) from the view.
func (v *View) RemoveSession(id string) {
	v.mu.Lock()
	delete(v.sessions, id)
	for pid, p := range v.prompts {
		if p.SessionID == id {
			delete(v.prompts, pid)
		}
	}
	fn := v.onChange
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// RemovePrompt drops one prompt, typically after it was answered.
func (v *View) RemovePrompt(id string) {
	v.mu.Lock()
	delete(v.prompts, id)
	fn := v.onChange
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}
