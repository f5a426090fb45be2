package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded workflow runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		workflow, _ := cmd.Flags().GetString("workflow")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := buildApp(cmd.Context(), loadConfig())
		if err != nil {
			return err
		}
		defer a.close()

		records, err := a.index.List(cmd.Context(), workflow, limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN ID\tWORKFLOW\tSTATUS\tSTARTED\tDURATION")
		for _, r := range records {
			duration := "-"
			if r.CompletedAt != nil {
				duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.Workflow, r.Status,
				r.StartedAt.Local().Format(time.RFC3339), duration)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)

	runsCmd.Flags().String("workflow", "", "Only show runs of this workflow")
	runsCmd.Flags().Int("limit", 50, "Maximum rows to show")
}
