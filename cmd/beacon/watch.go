package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/beacon/internal/config"
	"github.com/kalambet/beacon/internal/store"
	"github.com/kalambet/beacon/internal/watch"
)

var watchMCP bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the remote-device daemon (foreground)",
	Long: `Keeps a live view of the sessions on the source device. Changes are
re-rendered as they arrive, via push events when the store supports
them and an interval fetch otherwise.

With --mcp the view is also exposed as an MCP server on stdio, so an
LLM client can list sessions and answer prompts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch()
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchMCP, "mcp", false, "expose MCP tools on stdio")
}

func runWatch() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	pidPath := pidFilePath(cfg.Storage.DataDir, "watch")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := store.NewClient(cfg.Store.URL, cfg.Store.Token)
	view := watch.NewView()
	fetcher := watch.NewFetcher(client, cfg.Watch.Window)
	bridge := watch.NewBridge(client, fetcher, view, cfg.Device.Name, cfg.Watch.Interval)

	// The MCP transport owns stdout, so the terminal renderer only runs in
	// plain mode.
	if !watchMCP {
		view.OnChange(func() { renderView(view) })
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bridge.Run(ctx) })

	if watchMCP {
		mcpSrv := watch.NewMCPServer(bridge, view)
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp stdio server: %w", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "shutting down...")
		return nil
	}
	return err
}

func renderView(v *watch.View) {
	sessions := v.Sessions()
	prompts := v.Prompts()

	fmt.Fprintf(os.Stderr, "\n%s %s\n", colorize(colorBold, "sessions"), time.Now().Format("15:04:05"))
	if len(sessions) == 0 {
		fmt.Fprintln(os.Stderr, "  (none active)")
	}
	for _, s := range sessions {
		fmt.Fprintf(os.Stderr, "  %s  %-11s %s\n",
			colorize(colorCyan, shortID(s.ID)), statusLabel(string(s.Status)), s.Project)
	}
	for _, p := range prompts {
		fmt.Fprintf(os.Stderr, "  %s %s needs input: %s\n",
			colorize(colorYellow, "!"), colorize(colorCyan, shortID(p.ID)), p.Message)
	}
}

func statusLabel(status string) string {
	switch status {
	case "working":
		return colorize(colorGreen, status)
	case "needs_input":
		return colorize(colorYellow, status)
	default:
		return status
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
