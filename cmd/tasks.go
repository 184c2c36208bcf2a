package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/market-research/internal/checkpoint"
	"github.com/sells-group/market-research/internal/model"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect research requests",
}

// -- tasks list --

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List research requests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		user, _ := cmd.Flags().GetString("user")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		output, _ := cmd.Flags().GetString("output")

		tasks, err := st.ListTasks(ctx, model.TaskFilter{
			UserID: user,
			Status: model.Status(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "tasks list")
		}

		if output != "table" {
			return printOutput(os.Stdout, output, tasks)
		}
		if len(tasks) == 0 {
			fmt.Fprintln(os.Stderr, "No research requests found.")
			return nil
		}
		formatTaskList(os.Stdout, tasks)
		return nil
	},
}

// -- tasks show --

var tasksShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show a research request with its result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		task, err := st.GetTask(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "tasks show")
		}
		output, _ := cmd.Flags().GetString("output")
		return printOutput(os.Stdout, output, task)
	},
}

func init() {
	tasksListCmd.Flags().String("user", "", "filter by user id")
	tasksListCmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed, aborted)")
	tasksListCmd.Flags().Int("limit", 50, "max number of requests to display")
	tasksListCmd.Flags().StringP("output", "o", "table", "output format: table, json or yaml")

	tasksShowCmd.Flags().StringP("output", "o", "json", "output format: json or yaml")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	rootCmd.AddCommand(tasksCmd)
}

// formatTaskList writes a tabular list of tasks to w.
func formatTaskList(out io.Writer, tasks []model.Task) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "REQUEST\tUSER\tDEPTH\tSTATUS\tPROGRESS\tIDEA\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "-------\t----\t-----\t------\t--------\t----\t-------\t--------")

	for _, t := range tasks {
		progress := checkpoint.Progress(len(t.CompletedCheckpoints))
		if t.Status == model.StatusCompleted {
			progress = 100
		}

		dur := ""
		if t.StartedAt != nil && t.CompletedAt != nil {
			dur = t.CompletedAt.Sub(*t.StartedAt).Round(time.Second).String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%s\t%s\t%s\n",
			t.RequestID,
			t.UserID,
			t.Depth,
			t.Status,
			progress,
			truncate(t.ProductIdea, 40),
			t.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// truncate shortens s to n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
