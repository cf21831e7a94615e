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

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "Manage monitored sites",
	Long:  "Commands for listing, registering, and toggling monitored sites.",
}

// -- sites list --

var sitesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List monitored sites",
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

		enabledOnly, _ := cmd.Flags().GetBool("enabled")

		sites, err := st.ListSites(ctx, enabledOnly)
		if err != nil {
			return eris.Wrap(err, "sites list")
		}

		if len(sites) == 0 {
			fmt.Fprintln(os.Stderr, "No sites registered.")
			return nil
		}

		formatSitesList(os.Stdout, sites)
		return nil
	},
}

// -- sites add --

var sitesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a site for monitoring",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		url, _ := cmd.Flags().GetString("url")
		name, _ := cmd.Flags().GetString("name")
		pageType, _ := cmd.Flags().GetString("page-type")
		if url == "" {
			return eris.New("--url is required")
		}
		if name == "" {
			name = url
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		site, err := st.CreateSite(ctx, model.Site{
			Name:              name,
			URL:               url,
			PageType:          pageType,
			MonitoringEnabled: true,
		})
		if err != nil {
			return eris.Wrap(err, "create site")
		}

		fmt.Fprintf(os.Stdout, "Registered %s (%s)\n", site.Name, site.ID)
		return nil
	},
}

// -- sites enable / disable --

func setSiteEnabledCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <site-id>",
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

			if err := st.SetSiteEnabled(ctx, args[0], enabled); err != nil {
				if eris.Is(err, store.ErrNotFound) {
					return eris.Errorf("site %s not found", args[0])
				}
				return err
			}
			fmt.Fprintf(os.Stdout, "Site %s %sd.\n", args[0], use)
			return nil
		},
	}
}

// formatSitesList writes a tabular list of sites to w.
func formatSitesList(out io.Writer, sites []model.Site) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tURL\tPAGE TYPE\tMONITORING")
	for _, s := range sites {
		state := "enabled"
		if !s.MonitoringEnabled {
			state = "disabled"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", shortID(s.ID), s.Name, s.URL, s.PageType, state)
	}
	_ = w.Flush()
}

// shortID truncates a UUID to its first segment for table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	sitesListCmd.Flags().Bool("enabled", false, "only show sites with monitoring enabled")
	sitesAddCmd.Flags().String("url", "", "page URL to monitor (required)")
	sitesAddCmd.Flags().String("name", "", "display name (defaults to the URL)")
	sitesAddCmd.Flags().String("page-type", "", "page category, e.g. home or product")

	sitesCmd.AddCommand(sitesListCmd)
	sitesCmd.AddCommand(sitesAddCmd)
	sitesCmd.AddCommand(setSiteEnabledCmd("enable", "Enable monitoring for a site", true))
	sitesCmd.AddCommand(setSiteEnabledCmd("disable", "Disable monitoring for a site", false))
	rootCmd.AddCommand(sitesCmd)
}
