package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/beacon/internal/config"
	"github.com/kalambet/beacon/internal/detect"
	"github.com/kalambet/beacon/internal/inject"
	"github.com/kalambet/beacon/internal/prompt"
	"github.com/kalambet/beacon/internal/publish"
	"github.com/kalambet/beacon/internal/record"
	"github.com/kalambet/beacon/internal/store"
	"github.com/kalambet/beacon/internal/sweep"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the source-device daemon (foreground)",
	Long: `Watches local coding sessions and keeps the record store current:
session statuses are uploaded with debouncing, prompts that block on
input are published, and remote answers are routed back into the
originating session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

func runAgent() error {
	fmt.Fprintf(os.Stderr, "beacon version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	pidPath := pidFilePath(cfg.Storage.DataDir, "agent")
	if pid, err := readPIDFile(pidPath); err == nil {
		if proc, err := os.FindProcess(pid); err == nil && proc.Signal(syscall.Signal(0)) == nil {
			printWarning("beacon agent is already running (PID %d)", pid)
			return fmt.Errorf("agent already running (PID %d)", pid)
		}
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promptsDir := filepath.Join(cfg.Storage.DataDir, "prompts")
	responsesDir := filepath.Join(cfg.Storage.DataDir, "responses")

	client := store.NewClient(cfg.Store.URL, cfg.Store.Token)
	if err := client.Ping(ctx); err != nil {
		// The store may simply not be up yet; every component retries on
		// its own cadence, so a failed first ping is informational.
		slog.Warn("record store not reachable at startup", "url", cfg.Store.URL, "error", err)
	}

	detector := detect.New(cfg.Agent.ProjectsDir, promptsDir, cfg.Agent.ActiveWindow, cfg.Agent.IdleTTL)
	publisher := publish.New(client, cfg.Device.Name, cfg.Agent.Debounce)
	injector := inject.NewTmux()
	deliverer := prompt.NewDeliverer(injector, responsesDir)
	channel := prompt.NewChannel(client, deliverer, cfg.Device.Name, promptsDir)
	sweeper := sweep.New(client, cfg.Device.Name, cfg.Watch.Window, responsesDir)

	if injector.Available(ctx) {
		slog.Info("tmux injection available")
	} else {
		slog.Info("tmux injection unavailable, responses will use the fallback path")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return agentLoop(ctx, cfg, detector, publisher, channel, sweeper)
	})

	err = g.Wait()

	// Push out any debounced statuses before exiting.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	publisher.Flush(flushCtx)

	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "shutting down...")
		return nil
	}
	return err
}

// agentLoop drives the agent's two cadences: the detector tick feeds the
// upload pipeline, the prompt publisher, and (coarser) the cleanup sweep,
// while an independent ticker polls for answered prompts against the most
// recent scan.
func agentLoop(
	ctx context.Context,
	cfg config.Config,
	detector *detect.Detector,
	publisher *publish.Publisher,
	channel *prompt.Channel,
	sweeper *sweep.Sweeper,
) error {
	ticker := time.NewTicker(cfg.Agent.PollInterval)
	defer ticker.Stop()
	respTicker := time.NewTicker(cfg.Agent.ResponsePollInterval)
	defer respTicker.Stop()

	var sessions []record.SessionState
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sessions = detector.Scan()
			publisher.Publish(ctx, sessions)
			channel.PublishPending(ctx, sessions)

			tick++
			if tick%cfg.Agent.SweepEvery == 0 {
				sweeper.Sweep(ctx, sessions)
			}
		case <-respTicker.C:
			channel.PollResponses(ctx, sessions)
		}
	}
}
