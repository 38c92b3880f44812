package main

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var chatOut string

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Talk to ailex",
	Long: `Send a turn to the dialogue. Without a message, chat interactively until
EOF or "exit".

Example:
  ailex chat "I need a password generator"
  ailex chat "go"
  ailex chat "length 16" --out tool.zip`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatOut, "out", "o", "", "Save the generated archive to this path")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		return sendTurn(args[0])
	}

	fmt.Printf("Chatting as %s. Type \"exit\" to quit.\n", userID)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := sendTurn(line); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

func sendTurn(message string) error {
	var resp turnResponse
	err := call(http.MethodPost, "/api/turns", map[string]string{
		"user_id": userID,
		"message": message,
	}, &resp)
	if err != nil {
		return err
	}
	return printTurn(resp)
}

func printTurn(resp turnResponse) error {
	fmt.Println(resp.Reply)
	if resp.GistURL != "" {
		fmt.Printf("Gist:     %s\n", resp.GistURL)
	}
	if resp.ArtifactURL == "" {
		return nil
	}
	if chatOut == "" {
		fmt.Printf("Download: %s\n", resolve(resp.ArtifactURL))
		return nil
	}
	if err := download(resp.ArtifactURL, chatOut); err != nil {
		return err
	}
	fmt.Printf("Saved:    %s\n", chatOut)
	return nil
}

func download(path, dest string) error {
	resp, err := send(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	return f.Close()
}
