package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Discard the current dialogue and start over",
	Args:  cobra.NoArgs,
	RunE:  runStart,
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Show the current dialogue",
	Args:  cobra.NoArgs,
	RunE:  runSession,
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(sessionCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	var resp turnResponse
	if err := call(http.MethodPost, userPath("/api/sessions/")+"/start", nil, &resp); err != nil {
		return err
	}
	fmt.Println(resp.Reply)
	return nil
}

func runSession(cmd *cobra.Command, args []string) error {
	var sess struct {
		UserID  string `json:"user_id"`
		Mode    string `json:"mode"`
		History []struct {
			Role string `json:"role"`
			Text string `json:"text"`
		} `json:"history"`
		LastActive string `json:"last_active"`
		CreatedAt  string `json:"created_at"`
	}
	if err := call(http.MethodGet, userPath("/api/sessions/"), nil, &sess); err != nil {
		return err
	}

	fmt.Printf("User:     %s\n", sess.UserID)
	fmt.Printf("Mode:     %s\n", modeLabel(sess.Mode))
	fmt.Printf("Created:  %s\n", sess.CreatedAt)
	fmt.Printf("Active:   %s\n", sess.LastActive)
	for _, t := range sess.History {
		fmt.Printf("  [%s] %s\n", t.Role, t.Text)
	}
	return nil
}

func modeLabel(mode string) string {
	switch mode {
	case "chat":
		return "💬 chat"
	case "awaiting_confirmation":
		return "⏳ awaiting confirmation"
	case "code":
		return "🛠 code"
	default:
		return mode
	}
}
