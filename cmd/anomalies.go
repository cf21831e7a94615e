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

var anomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "Review detected performance anomalies",
}

// -- anomalies list --

var anomaliesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List anomalies",
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

		recs, err := st.ListAnomalies(ctx, store.AnomalyFilter{
			Status: model.AnomalyStatus(status),
			SiteID: siteID,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "anomalies list")
		}

		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No anomalies found.")
			return nil
		}

		formatAnomaliesList(os.Stdout, recs)
		return nil
	},
}

// -- anomalies resolve / false-positive --

func anomalyReviewCmd(use, short string, to model.AnomalyStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <anomaly-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck
			if err := st.Migrate(ctx); err != nil {
				return err
			}

			err = st.SetAnomalyStatus(ctx, args[0], model.AnomalyActive, to)
			if eris.Is(err, store.ErrConflict) {
				return eris.Errorf("anomaly %s is not active", args[0])
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "Anomaly %s marked %s.\n", args[0], to)
			return nil
		},
	}
}

// formatAnomaliesList writes a tabular list of anomalies to w.
func formatAnomaliesList(out io.Writer, recs []model.AnomalyRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSITE\tDEVICE\tMETRIC\tVALUE\tEXPECTED\tCONF\tSTATUS\tDETECTED")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\t[%.1f, %.1f]\t%.3f\t%s\t%s\n",
			shortID(r.ID), shortID(r.SiteID), r.Device, r.Metric, r.Value,
			r.ExpectedMin, r.ExpectedMax, r.Confidence, r.Status,
			r.CreatedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}

func init() {
	anomaliesListCmd.Flags().String("status", "", "filter by status (active, resolved, false_positive)")
	anomaliesListCmd.Flags().String("site", "", "filter by site ID")
	anomaliesListCmd.Flags().Int("limit", 50, "maximum number of anomalies to show")

	anomaliesCmd.AddCommand(anomaliesListCmd)
	anomaliesCmd.AddCommand(anomalyReviewCmd("resolve", "Mark an active anomaly as resolved", model.AnomalyResolved))
	anomaliesCmd.AddCommand(anomalyReviewCmd("false-positive", "Mark an active anomaly as a false positive", model.AnomalyFalsePositive))
	rootCmd.AddCommand(anomaliesCmd)
}
