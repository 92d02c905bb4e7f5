package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query queue depth and gate state from a running daemon",
		Long:  "Fetches GET /status from the admin HTTP surface of a running `fsuploadd run` process.",
		RunE:  runStatus,
	}
}

type statusView struct {
	Gate             map[string]bool `json:"gate"`
	TasksByStatus    map[string]int  `json:"tasks_by_status"`
	OldestReadyAge   string          `json:"oldest_ready_age,omitempty"`
	PendingPerFolder map[int64]int   `json:"pending_per_folder,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://%s/status", cc.Cfg.Admin.ListenAddr))
	if err != nil {
		return fmt.Errorf("contacting admin surface at %s: %w (is `fsuploadd run` running?)", cc.Cfg.Admin.ListenAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("admin surface returned %s: %s", resp.Status, string(body))
	}

	var view statusView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return fmt.Errorf("decoding status response: %w", err)
	}

	if flagJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")

		return enc.Encode(view)
	}

	printStatusText(cmd, view)

	return nil
}

func printStatusText(cmd *cobra.Command, view statusView) {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Status Gate:")
	for _, bit := range []string{"auth", "run", "online", "quota"} {
		fmt.Fprintf(out, "  %-8s %v\n", bit, view.Gate[bit])
	}

	fmt.Fprintln(out, "Queue:")
	fmt.Fprintf(out, "  ready         %d\n", view.TasksByStatus["ready"])
	fmt.Fprintf(out, "  pending_large %d\n", view.TasksByStatus["pending_large"])

	if view.OldestReadyAge != "" {
		fmt.Fprintf(out, "  oldest ready task age: %s\n", view.OldestReadyAge)
	}

	if len(view.PendingPerFolder) > 0 {
		fmt.Fprintln(out, "Pending tasks per folder:")

		for folderID, count := range view.PendingPerFolder {
			fmt.Fprintf(out, "  %d: %d\n", folderID, count)
		}
	}
}
