package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var toolsLimit int

var toolsCmd = &cobra.Command{
	Use:   "tools [query]",
	Short: "Search tools produced so far",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTools,
}

func init() {
	toolsCmd.Flags().IntVarP(&toolsLimit, "limit", "n", 20, "Maximum number of tools to show")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if len(args) == 1 {
		q.Set("q", args[0])
	}
	q.Set("limit", strconv.Itoa(toolsLimit))

	var tools []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Language    string `json:"language"`
		UserID      string `json:"user_id"`
		CreatedAt   string `json:"created_at"`
	}
	if err := call(http.MethodGet, "/api/tools?"+q.Encode(), nil, &tools); err != nil {
		return err
	}

	if len(tools) == 0 {
		fmt.Println("No tools found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLANGUAGE\tUSER\tPARAMETERS")
	for _, t := range tools {
		desc := t.Description
		if len(desc) > 50 {
			desc = desc[:47] + "..."
		}
		if desc == "" {
			desc = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID[:min(8, len(t.ID))], t.Name, t.Language, t.UserID, desc)
	}
	return w.Flush()
}
