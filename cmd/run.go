package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/brands"
	"github.com/JakeFAU/catalog-harvester/internal/config"
)

type harvestFlags struct {
	batch  int
	stages []string
	mode   string
}

func newRunCmd() *cobra.Command {
	flags := &harvestFlags{}
	cmd := &cobra.Command{
		Use:   "run [brand...]",
		Short: "Runs the listing, product and review stages for every brand",
		Long: `Runs the configured stages for each brand in the brands file, or for
the brands given as arguments. Brands are processed in sequential batches;
inside a batch they run concurrently.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarvest(cmd, args, func(c *config.Config) {
				if flags.batch > 0 {
					c.Harvest.BrandConcurrency = flags.batch
				}
				if len(flags.stages) > 0 {
					c.Harvest.Stages = flags.stages
				}
				if flags.mode != "" {
					c.Harvest.ListingMode = flags.mode
				}
			})
		},
	}
	cmd.Flags().IntVar(&flags.batch, "batch", 0, "brands per batch (default harvest.brand_concurrency)")
	cmd.Flags().StringSliceVar(&flags.stages, "stages", nil, "stages to run: listing, product, review")
	cmd.Flags().StringVar(&flags.mode, "listing-mode", "", "crawl or stored")
	return cmd
}

func newListingsCmd() *cobra.Command {
	batch := 4
	cmd := &cobra.Command{
		Use:   "listings [brand...]",
		Short: "Crawls listing pages only",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarvest(cmd, args, func(c *config.Config) {
				c.Harvest.Stages = []string{config.StageListing}
				c.Harvest.ListingMode = "crawl"
				c.Harvest.BrandConcurrency = batch
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", batch, "brands per batch")
	return cmd
}

func runHarvest(cmd *cobra.Command, args []string, override func(*config.Config)) error {
	defer closeEnv(cmd)
	e, err := buildApp(cmd, override)
	if err != nil {
		return err
	}
	names := args
	if len(names) == 0 {
		names, err = brands.ReadFile(e.cfg.Harvest.BrandsFile)
		if err != nil {
			return err
		}
	}
	units := brands.Units(names)
	if len(units) == 0 {
		return errors.New("no brands to harvest")
	}

	ctx := cmd.Context()
	if addr := e.cfg.Metrics.Addr; addr != "" {
		srvCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := e.app.Server.ListenAndServe(srvCtx, addr); err != nil {
				e.logger.Error("ops server failed", zap.Error(err))
			}
		}()
	}

	summary, runErr := e.app.Coordinator.Run(ctx, units)
	if err := summary.WriteTable(cmd.OutOrStdout()); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if len(summary.UnitsFailed) > 0 {
		e.logger.Warn("some brands failed", zap.Strings("brands", summary.UnitsFailed))
	}
	if !summary.OK() {
		return fmt.Errorf("run finished with status %s", summary.Status)
	}
	return nil
}
