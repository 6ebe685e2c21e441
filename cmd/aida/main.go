// Package main is the entry point for the aida CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time.
var version = "0.1.0"

// Global flags.
var (
	configFile    string
	verbose       bool
	userID        string
	correlationID string
	eventsFile    string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aida",
		Short: "Aida conversational assistant",
		Long: `Aida is a voice and text assistant. It keeps a per-session
transcript, recalls long-term memories, calls tools such as web search,
and answers through text or speech.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ./aida.yaml or $HOME/.aida/aida.yaml)")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&userID, "user", "", "User identity for memories (default default_user)")
	root.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "Set explicit correlation ID")
	root.PersistentFlags().StringVar(&eventsFile, "events", "", "Append lifecycle events as JSON lines to this file")

	root.AddCommand(newChatCmd())
	root.AddCommand(newVoiceCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newMemoryCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
