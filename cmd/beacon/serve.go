package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/beacon/internal/api"
	"github.com/kalambet/beacon/internal/config"
	"github.com/kalambet/beacon/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the record store service (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var stopCmd = &cobra.Command{
	Use:       "stop [serve|agent|watch]",
	Short:     "Stop a running beacon daemon",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"serve", "agent", "watch"},
	RunE: func(cmd *cobra.Command, args []string) error {
		role := ""
		if len(args) == 1 {
			role = args[0]
		}
		return stopDaemon(role)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show beacon system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func pidFilePath(dataDir, role string) string {
	return filepath.Join(dataDir, "beacon-"+role+".pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServe() error {
	fmt.Fprintf(os.Stderr, "beacon version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Refuse a second instance. The health probe catches a live server
	// even when a stale PID file was left behind.
	pidPath := pidFilePath(cfg.Storage.DataDir, "serve")
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("beacon serve is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("beacon serve is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	handler := api.NewHandler(api.Deps{
		Store: db,
		Token: cfg.Store.Token,
	})

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Keep the change-event backlog bounded. Watchers resume from their
	// last seq within seconds, so an hour of history is plenty.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PruneEvents(time.Now().Add(-time.Hour)); err != nil {
					slog.Warn("pruning events failed", "error", err)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("record store listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopDaemon(role string) error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	roles := []string{"serve", "agent", "watch"}
	if role != "" {
		roles = []string{role}
	}

	stopped := 0
	for _, r := range roles {
		pidPath := pidFilePath(cfg.Storage.DataDir, r)
		pid, err := readPIDFile(pidPath)
		if err != nil {
			continue
		}
		process, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		if err := process.Signal(syscall.SIGTERM); err != nil {
			printError("could not stop beacon %s (PID %d): %v", r, pid, err)
			removePIDFile(pidPath)
			continue
		}
		printSuccess("Sent stop signal to beacon %s (PID %d)", r, pid)
		stopped++
	}

	if stopped == 0 {
		printError("no running beacon daemon found")
		return fmt.Errorf("not running")
	}
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(strings.TrimRight(cfg.Store.URL, "/") + "/health")
	if err != nil {
		printStatus("Store", "unreachable at %s", cfg.Store.URL)
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Store", "reachable at %s", cfg.Store.URL)
		} else {
			printStatus("Store", "error (HTTP %d)", resp.StatusCode)
		}
	}

	for _, role := range []string{"serve", "agent", "watch"} {
		pidPath := pidFilePath(cfg.Storage.DataDir, role)
		if pid, err := readPIDFile(pidPath); err == nil {
			printStatus("beacon "+role, "running (PID %d)", pid)
		} else {
			printStatus("beacon "+role, "stopped")
		}
	}

	printStatus("Device", "%s", cfg.Device.Name)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
