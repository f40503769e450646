package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/beacon/internal/config"
	"github.com/kalambet/beacon/internal/store"
)

// newStoreClient builds the store client from config. Variable so tests
// can point the verbs at a test server.
var newStoreClient = func() (store.Store, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	return store.NewClient(cfg.Store.URL, cfg.Store.Token), cfg, nil
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List active sessions in the record store",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := newStoreClient()
		if err != nil {
			return err
		}

		sessions, err := client.ActiveSessions(cmd.Context(), time.Now().Add(-cfg.Watch.Window))
		if err != nil {
			return fmt.Errorf("fetching sessions: %w", err)
		}

		if len(sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No active sessions.")
			return nil
		}

		for _, s := range sessions {
			age := time.Since(s.Timestamp).Round(time.Second)
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-11s %-20s %s (%s ago)\n",
				colorize(colorCyan, shortID(s.ID)), string(s.Status), s.Project, s.SourceDevice, age)
		}
		return nil
	},
}

// --- pending ---

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List prompts waiting for a response",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newStoreClient()
		if err != nil {
			return err
		}

		prompts, err := client.PendingPrompts(cmd.Context())
		if err != nil {
			return fmt.Errorf("fetching prompts: %w", err)
		}

		if len(prompts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pending prompts.")
			return nil
		}

		for _, p := range prompts {
			age := time.Since(p.CreatedAt).Round(time.Second)
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s %s (%s ago)\n",
				colorize(colorYellow, p.ID), p.Project, p.Message, age)
			if p.TranscriptExcerpt != "" {
				excerpt := p.TranscriptExcerpt
				if len(excerpt) > 200 {
					excerpt = excerpt[:200] + "..."
				}
				fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", excerpt)
			}
		}
		return nil
	},
}

// --- respond ---

var respondCmd = &cobra.Command{
	Use:   "respond <prompt-id> <text>",
	Short: "Answer a pending prompt",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		promptID := args[0]
		text := strings.Join(args[1:], " ")

		client, cfg, err := newStoreClient()
		if err != nil {
			return err
		}

		if err := client.SubmitResponse(cmd.Context(), promptID, text, cfg.Device.Name); err != nil {
			return fmt.Errorf("submitting response: %w", err)
		}

		printSuccess("Response submitted for prompt %s", promptID)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetTokenCmd = &cobra.Command{
	Use:   "set-token <token>",
	Short: "Store the record store token in the platform secret store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetToken(args[0]); err != nil {
			return err
		}
		printSuccess("Store token saved")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetTokenCmd)
}
