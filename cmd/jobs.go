package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/syatt-io/perfwatch/internal/model"
	"github.com/syatt-io/perfwatch/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and maintain the collection job queue",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List collection jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		siteID, _ := cmd.Flags().GetString("site")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			Status: model.JobStatus(status),
			SiteID: siteID,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs reap --

var jobsReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Force-fail jobs stuck past the staleness threshold",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Scheduler.ReapStuckJobs(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Reaped %d stuck jobs.\n", n)
		return nil
	},
}

// formatJobsList writes a tabular list of jobs to w.
func formatJobsList(out io.Writer, jobs []model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSITE\tDEVICE\tSTATUS\tRETRIES\tSCHEDULED\tERROR")
	for _, j := range jobs {
		errMsg := j.Error
		if len(errMsg) > 40 {
			errMsg = errMsg[:40] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(j.ID), shortID(j.SiteID), j.Device, j.Status, j.RetryCount,
			j.ScheduledFor.Format("2006-01-02 15:04"), errMsg)
	}
	_ = w.Flush()
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status (pending, queued, running, completed, failed)")
	jobsListCmd.Flags().String("site", "", "filter by site ID")
	jobsListCmd.Flags().Int("limit", 50, "maximum number of jobs to show")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsReapCmd)
	rootCmd.AddCommand(jobsCmd)
}
