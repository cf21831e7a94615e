package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/syatt-io/perfwatch/internal/model"
)

var detectSiteID string

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run anomaly detection against the latest samples",
	Long:  "Compares the latest sample of every enabled site and device profile against its rolling baseline and records regressions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sites, err := env.Store.ListSites(ctx, true)
		if err != nil {
			return err
		}

		flagged := 0
		for _, site := range sites {
			if detectSiteID != "" && site.ID != detectSiteID {
				continue
			}
			for _, device := range model.DefaultDeviceProfiles {
				recs, err := env.Detector.Detect(ctx, site.ID, device)
				if err != nil {
					zap.L().Warn("detection failed",
						zap.String("site_id", site.ID),
						zap.String("device", string(device)),
						zap.Error(err),
					)
					continue
				}
				for _, rec := range recs {
					fmt.Fprintf(os.Stdout, "%s %s/%s %s: %.1f outside [%.1f, %.1f] (%.1f std dev)\n",
						site.Name, site.ID, device, rec.Metric, rec.Value, rec.ExpectedMin, rec.ExpectedMax, rec.DeviationStd)
				}
				flagged += len(recs)
			}
		}

		fmt.Fprintf(os.Stdout, "%d anomalies flagged.\n", flagged)
		return nil
	},
}

var detectResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve active anomalies whose metric has recovered",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Detector.ResolveStale(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Resolved %d anomalies.\n", n)
		return nil
	},
}

func init() {
	detectCmd.Flags().StringVar(&detectSiteID, "site", "", "restrict detection to one site ID")
	detectCmd.AddCommand(detectResolveCmd)
	rootCmd.AddCommand(detectCmd)
}
