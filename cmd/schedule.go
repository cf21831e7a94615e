package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var scheduleNoDispatch bool

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Queue collection jobs for every enabled site",
	Long:  "Creates a pending collection job per enabled site and device profile, skipping pairs that already have an active job, then dispatches the pending queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		created, err := env.Scheduler.ScheduleAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Queued %d collection jobs.\n", len(created))

		if scheduleNoDispatch {
			return nil
		}

		if err := env.Scheduler.RunPending(ctx); err != nil {
			return err
		}
		zap.L().Info("dispatch complete", zap.Int("jobs_created", len(created)))
		return nil
	},
}

func init() {
	scheduleCmd.Flags().BoolVar(&scheduleNoDispatch, "no-dispatch", false, "only queue jobs, do not run them")
	rootCmd.AddCommand(scheduleCmd)
}
