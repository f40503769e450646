package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "beacon",
	Short:   "Watch coding sessions across devices and answer their prompts remotely",
	Version: version,
	Long: `beacon keeps a shared record store in sync with the coding sessions
running on one device, so another device can watch them and answer
prompts that block on human input.

Typical setup:
  beacon serve    on the machine hosting the record store
  beacon agent    on the machine running the sessions
  beacon watch    on the device you carry with you`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(respondCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
