package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-harvester/internal/brands"
)

func newBrandsCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "brands",
		Short: "Discovers brands from each source's brand directory and writes the brands file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer closeEnv(cmd)
			e, err := buildApp(cmd, nil)
			if err != nil {
				return err
			}
			dirs, err := e.app.BrandDirectories()
			if err != nil {
				return err
			}
			found, err := brands.Discover(cmd.Context(), e.app.Fetcher, dirs, e.logger)
			if err != nil {
				return err
			}
			if len(found.PerSource) == 0 {
				return fmt.Errorf("every brand directory failed: %v", found.Failed)
			}
			path := out
			if path == "" {
				path = e.cfg.Harvest.BrandsFile
			}
			if path == "-" {
				return brands.Write(cmd.OutOrStdout(), found)
			}
			if err := brands.WriteFile(path, found); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d brands to %s\n", len(found.Merged()), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", `output file ("-" for stdout; default harvest.brands_file)`)
	return cmd
}
