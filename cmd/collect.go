package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/syatt-io/perfwatch/internal/model"
	"github.com/syatt-io/perfwatch/internal/store"
)

var collectDevice string

var collectCmd = &cobra.Command{
	Use:   "collect <site-id>",
	Short: "Collect a performance sample for one site now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		site, err := env.Store.GetSite(ctx, args[0])
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				return eris.Errorf("site %s not found", args[0])
			}
			return err
		}

		devices := model.DefaultDeviceProfiles
		if collectDevice != "" {
			d := model.DeviceProfile(collectDevice)
			if !d.Valid() {
				return eris.Errorf("invalid device profile: %s", collectDevice)
			}
			devices = []model.DeviceProfile{d}
		}

		created := 0
		for _, device := range devices {
			active, err := env.Store.ListActiveJobs(ctx, site.ID, device)
			if err != nil {
				return err
			}
			if len(active) > 0 {
				fmt.Fprintf(os.Stderr, "Skipping %s/%s: job already in flight.\n", site.ID, device)
				continue
			}
			_, err = env.Store.CreateJob(ctx, model.Job{SiteID: site.ID, Device: device})
			if eris.Is(err, store.ErrConflict) {
				fmt.Fprintf(os.Stderr, "Skipping %s/%s: job already in flight.\n", site.ID, device)
				continue
			}
			if err != nil {
				return err
			}
			created++
		}

		if created == 0 {
			fmt.Fprintln(os.Stderr, "Nothing to collect.")
			return nil
		}

		if err := env.Scheduler.RunPending(ctx); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Collected %d sample(s) for %s.\n", created, site.Name)
		return nil
	},
}

func init() {
	collectCmd.Flags().StringVar(&collectDevice, "device", "", "restrict to one device profile (mobile or desktop)")
	rootCmd.AddCommand(collectCmd)
}
