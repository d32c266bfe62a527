package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"refprice/internal/app"
	"refprice/internal/infra"
	"refprice/internal/model"
)

// remoteCmd queries the upstream API directly, bypassing every fallback tier.
func remoteCmd() *cobra.Command {
	var (
		source, region, month, regime string
	)
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Query the upstream pricing API directly",
	}
	cmd.PersistentFlags().StringVarP(&source, "source", "s", "sinapi", "source")
	cmd.PersistentFlags().StringVarP(&region, "region", "r", "DF", "UF")
	cmd.PersistentFlags().StringVarP(&month, "month", "m", "", "reference month (YYYY-MM)")
	cmd.PersistentFlags().StringVar(&regime, "regime", "burdened", "burdened | unburdened")

	client := func() (*infra.GovPriceClient, model.TaxRegime, error) {
		a, err := loadApp(app.Options{SkipDatabase: true, SkipRedis: true})
		if err != nil {
			return nil, "", err
		}
		c, ok := a.Remotes[source]
		if !ok {
			return nil, "", fmt.Errorf("no remote API configured for %q (set GOV_API_KEY)", source)
		}
		r, ok := model.ParseTaxRegime(regime)
		if !ok {
			return nil, "", fmt.Errorf("invalid --regime %q", regime)
		}
		return c, r, nil
	}
	timeout := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), time.Minute)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the upstream dataset version and quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := client()
			if err != nil {
				return err
			}
			ctx, cancel := timeout()
			defer cancel()
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"status": st, "rate_limit": c.RateLimits().Snapshot()})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "regions",
		Short: "List the UFs published upstream",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := client()
			if err != nil {
				return err
			}
			ctx, cancel := timeout()
			defer cancel()
			regions, err := c.ListRegions(ctx)
			if err != nil {
				return err
			}
			return printJSON(regions)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "composition <code>",
		Short: "Show one composition with its cost breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, r, err := client()
			if err != nil {
				return err
			}
			ctx, cancel := timeout()
			defer cancel()
			ref, err := c.GetComposition(ctx, args[0], region, month, r)
			if err != nil {
				return err
			}
			if ref == nil {
				return fmt.Errorf("composition %s not found", args[0])
			}
			return printJSON(ref)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "history <code>",
		Short: "Show the monthly price history of a code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, r, err := client()
			if err != nil {
				return err
			}
			ctx, cancel := timeout()
			defer cancel()
			hist, err := c.PriceHistory(ctx, args[0], region, r)
			if err != nil {
				return err
			}
			return printJSON(hist)
		},
	})
	return cmd
}
