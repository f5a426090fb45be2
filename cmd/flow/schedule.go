package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/flow/internal/scheduler"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run workflows on their declared cron schedules",
	Long: `Watches the workflow directory and triggers every workflow that carries
a schedule field in its front matter. Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.close()

		schedules, err := a.library.Schedules(ctx)
		if err != nil {
			return err
		}
		if len(schedules) == 0 {
			return fmt.Errorf("no workflows in %s declare a schedule", a.library.Dir())
		}
		for workflow, expr := range schedules {
			fmt.Printf("scheduled %s: %s\n", workflow, expr)
		}

		sched := scheduler.New(a.library, &scheduledRunner{app: a}, a.logger)
		if err := sched.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()
		return sched.Stop()
	},
}

// scheduledRunner adapts the app's engine to the scheduler.
type scheduledRunner struct {
	app *app
}

func (r *scheduledRunner) RunScheduled(ctx context.Context, workflow string) error {
	def, err := r.app.library.Load(ctx, workflow)
	if err != nil {
		return err
	}
	res, err := r.app.engine.Run(ctx, def, nil)
	if err != nil {
		return err
	}
	return res.Err
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}
