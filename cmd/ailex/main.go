// ailex - a conversational tool request desk.
//
// Describe the tool you need, answer a few questions, confirm, and get the
// generated tool back as a zip archive.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version      = "dev"
	serverURL    string
	sharedSecret string
	userID       string
)

var rootCmd = &cobra.Command{
	Use:   "ailex",
	Short: "ailex - conversational tool requests",
	Long: `ailex collects a tool request through a short dialogue and hands the
generated tool back as a zip archive.

  ailex serve                          Start the server and chat bots
  ailex chat "I need a unit converter" Send one turn
  ailex chat                           Chat interactively
  ailex start                          Discard the current dialogue
  ailex session                        Show the current dialogue
  ailex tools [query]                  Search produced tools`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("AILEX_SERVER", "http://localhost:8080"), "ailex server URL")
	rootCmd.PersistentFlags().StringVar(&sharedSecret, "secret", os.Getenv("AILEX_SHARED_SECRET"), "shared secret sent to the server")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", envOr("AILEX_USER", "cli:"+envOr("USER", "local")), "dialogue user ID")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
