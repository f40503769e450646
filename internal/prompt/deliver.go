package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kalambet/beacon/internal/inject"
	"github.com/kalambet/beacon/internal/record"
)

// Deliverer lands a response in the originating session: injection when
// the local automation capability is available, otherwise a well-known
// file plus the clipboard plus a notification. The round trip degrades
// from "fully automatic" to "one manual paste"; the response is never lost.
type Deliverer struct {
	injector     inject.Injector
	responsesDir string
	logger       *slog.Logger

	// Replaceable in tests.
	clipboard func(ctx context.Context, text string) error
	notify    func(ctx context.Context, title, body string) error

	warned bool
}

// NewDeliverer creates a Deliverer writing fallback files under responsesDir.
func NewDeliverer(injector inject.Injector, responsesDir string) *Deliverer {
	return &Deliverer{
		injector:     injector,
		responsesDir: responsesDir,
		logger:       slog.Default(),
		clipboard:    copyToClipboard,
		notify:       notifyUser,
	}
}

// Deliver routes the answered prompt's text into the session hosting pid.
// Injection failures fall through to the fallback path, so delivery
// always completes; the distinction only affects how it is reported.
func (d *Deliverer) Deliver(ctx context.Context, p record.PromptRecord, pid int) {
	err := d.injector.Inject(ctx, p.ResponseText, pid)
	if err == nil {
		d.logger.Info("response injected", "prompt", p.ID, "pid", pid)
		return
	}

	if errors.Is(err, inject.ErrCapability) {
		// Report the remediation path once; later denials are routine.
		if !d.warned {
			d.warned = true
			d.logger.Warn("local injection unavailable; responses will be delivered via file and clipboard",
				"error", err,
				"hint", "run the agent inside tmux to enable automatic injection")
		} else {
			d.logger.Debug("injection unavailable", "prompt", p.ID, "error", err)
		}
	} else {
		d.logger.Warn("injection failed", "prompt", p.ID, "error", err)
	}

	d.fallback(ctx, p)
}

func (d *Deliverer) fallback(ctx context.Context, p record.PromptRecord) {
	path := ResponsePath(d.responsesDir, record.SessionID(p.SessionID))
	if err := os.MkdirAll(d.responsesDir, 0o755); err != nil {
		d.logger.Error("creating responses dir failed", "error", err)
	} else if err := os.WriteFile(path, []byte(p.ResponseText), 0o644); err != nil {
		d.logger.Error("writing fallback response file failed", "path", path, "error", err)
	}

	if err := d.clipboard(ctx, p.ResponseText); err != nil {
		d.logger.Debug("clipboard copy failed", "error", err)
	}
	if err := d.notify(ctx, "Response received for "+p.Project,
		fmt.Sprintf("Paste it into the session, or see %s", path)); err != nil {
		d.logger.Debug("notification failed", "error", err)
	}
}

// ResponsePath is the well-known fallback location for one session's
// response text.
func ResponsePath(responsesDir string, id record.SessionID) string {
	return filepath.Join(responsesDir, id.String()+".txt")
}

// copyToClipboard pipes text into the first available clipboard tool.
func copyToClipboard(ctx context.Context, text string) error {
	candidates := [][]string{
		{"pbcopy"},
		{"wl-copy"},
		{"xclip", "-selection", "clipboard"},
	}
	for _, c := range candidates {
		bin, err := exec.LookPath(c[0])
		if err != nil {
			continue
		}
		cmd := exec.CommandContext(ctx, bin, c[1:]...)
		cmd.Stdin = strings.NewReader(text)
		return cmd.Run()
	}
	return errors.New("no clipboard tool found")
}

// notifyUser posts a desktop notification through whichever notifier the
// platform offers.
func notifyUser(ctx context.Context, title, body string) error {
	if bin, err := exec.LookPath("notify-send"); err == nil {
		return exec.CommandContext(ctx, bin, title, body).Run()
	}
	if bin, err := exec.LookPath("osascript"); err == nil {
		script := fmt.Sprintf("display notification %q with title %q", body, title)
		return exec.CommandContext(ctx, bin, "-e", script).Run()
	}
	return errors.New("no notifier found")
}
