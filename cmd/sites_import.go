package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/syatt-io/perfwatch/internal/model"
)

// siteImportEntry is one row of a YAML import file.
type siteImportEntry struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	PageType string `yaml:"page_type"`
	Disabled bool   `yaml:"disabled"`
}

var sitesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Bulk-register sites from a YAML file",
	Long:  "Reads a YAML list of sites (name, url, page_type, disabled) and registers each one for monitoring.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "read import file")
		}

		entries, err := parseSiteImport(data)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Nothing to import.")
			return nil
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		imported := 0
		for _, e := range entries {
			site, err := st.CreateSite(ctx, model.Site{
				Name:              e.Name,
				URL:               e.URL,
				PageType:          e.PageType,
				MonitoringEnabled: !e.Disabled,
			})
			if err != nil {
				zap.L().Warn("site import failed",
					zap.String("url", e.URL),
					zap.Error(err),
				)
				continue
			}
			imported++
			zap.L().Info("site imported",
				zap.String("site_id", site.ID),
				zap.String("url", site.URL),
			)
		}

		fmt.Fprintf(os.Stdout, "Imported %d of %d sites.\n", imported, len(entries))
		return nil
	},
}

// parseSiteImport decodes and validates a YAML site list.
func parseSiteImport(data []byte) ([]siteImportEntry, error) {
	var entries []siteImportEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, eris.Wrap(err, "parse import file")
	}

	for i, e := range entries {
		if e.URL == "" {
			return nil, eris.Errorf("import entry %d: url is required", i)
		}
		if e.Name == "" {
			entries[i].Name = e.URL
		}
	}
	return entries, nil
}

func init() {
	sitesCmd.AddCommand(sitesImportCmd)
}
