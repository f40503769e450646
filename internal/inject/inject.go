// Package inject forwards response text into the terminal hosting a
// session, via tmux send-keys. The capability is tri-state: it can be
// missing (no tmux, no server, no matching pane) and is re-probed on
// every use rather than cached as permanently denied.
package inject

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ErrCapability marks injection failures caused by the local automation
// capability being absent or denied, as opposed to transient errors.
// Callers fall through to the file+clipboard delivery path.
var ErrCapability = errors.New("injection capability unavailable")

// Injector delivers text into the input stream of the process identified
// by pid.
type Injector interface {
	Inject(ctx context.Context, text string, pid int) error
}

// Tmux injects keystrokes through a tmux pane whose process tree contains
// the target pid.
type Tmux struct {
	path string

	// Replaceable in tests.
	run       func(ctx context.Context, args ...string) ([]byte, error)
	parentPID func(pid int) (int, error)
}

// NewTmux locates the tmux binary. GUI-launched processes on macOS do not
// inherit the shell PATH, so common Homebrew locations are probed too.
func NewTmux() *Tmux {
	t := &Tmux{path: findTmux()}
	t.run = func(ctx context.Context, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, t.path, args...).Output()
	}
	t.parentPID = parentPID
	return t
}

func findTmux() string {
	if path, err := exec.LookPath("tmux"); err == nil {
		return path
	}
	for _, p := range []string{"/opt/homebrew/bin/tmux", "/usr/local/bin/tmux", "/usr/bin/tmux"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Inject finds the pane hosting pid and types text followed by Enter.
func (t *Tmux) Inject(ctx context.Context, text string, pid int) error {
	if t.path == "" {
		return fmt.Errorf("%w: tmux not installed", ErrCapability)
	}
	if pid <= 0 {
		return fmt.Errorf("%w: no target pid", ErrCapability)
	}

	out, err := t.run(ctx, "list-panes", "-a", "-F", "#{pane_id} #{pane_pid}")
	if err != nil {
		// No server running counts as capability absence, not a hard error.
		return fmt.Errorf("%w: tmux server not reachable: %v", ErrCapability, err)
	}

	pane, err := t.findPane(string(out), pid)
	if err != nil {
		return err
	}

	// Literal text first, Enter as a separate key so the text is never
	// interpreted as key names.
	if _, err := t.run(ctx, "send-keys", "-t", pane, "-l", text); err != nil {
		return fmt.Errorf("sending keys to %s: %w", pane, err)
	}
	if _, err := t.run(ctx, "send-keys", "-t", pane, "Enter"); err != nil {
		return fmt.Errorf("sending Enter to %s: %w", pane, err)
	}
	return nil
}

// findPane maps the target pid onto a pane by walking the pid's ancestor
// chain until it hits a pane's shell process.
func (t *Tmux) findPane(panes string, pid int) (string, error) {
	byPID := make(map[int]string)
	for _, line := range strings.Split(strings.TrimSpace(panes), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		panePID, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		byPID[panePID] = fields[0]
	}
	if len(byPID) == 0 {
		return "", fmt.Errorf("%w: no tmux panes", ErrCapability)
	}

	cur := pid
	for depth := 0; depth < 32 && cur > 1; depth++ {
		if pane, ok := byPID[cur]; ok {
			return pane, nil
		}
		parent, err := t.parentPID(cur)
		if err != nil {
			break
		}
		cur = parent
	}
	return "", fmt.Errorf("%w: pid %d is not inside a tmux pane", ErrCapability, pid)
}

// Available reports whether injection currently looks possible. Probed
// opportunistically; a false result is never treated as permanent.
func (t *Tmux) Available(ctx context.Context) bool {
	if t.path == "" {
		return false
	}
	_, err := t.run(ctx, "list-panes", "-a", "-F", "#{pane_id}")
	return err == nil
}

// parentPID resolves the parent of pid via procfs, falling back to ps on
// platforms without /proc.
func parentPID(pid int) (int, error) {
	if data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid)); err == nil {
		// comm may contain spaces; fields resume after the closing paren.
		s := string(data)
		if i := strings.LastIndexByte(s, ')'); i >= 0 {
			fields := strings.Fields(s[i+1:])
			if len(fields) >= 2 {
				return strconv.Atoi(fields[1])
			}
		}
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}

	out, err := exec.Command("ps", "-o", "ppid=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0, fmt.Errorf("resolving parent of %d: %w", pid, err)
	}
	return strconv.Atoi(strings.TrimSpace(string(out)))
}
