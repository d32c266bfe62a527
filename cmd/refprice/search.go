package main

import (
	"context"

	"github.com/spf13/cobra"

	"refprice/internal/app"
	"refprice/internal/dto"
)

func searchCmd() *cobra.Command {
	var (
		source  string
		hydrate bool
		f       dto.SearchFilters
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search reference prices through the tiered coordinator",
		Long: `Search reference prices exactly as the HTTP API does: cache, remote
API, Postgres, then the in-memory tier. Prints the annotated result as JSON.

Examples:
  refprice search "cimento portland" --region DF
  refprice search 00001 --source sinapi --regime desonerado`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.Query = args[0]
			}
			a, err := loadApp(app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := context.Background()
			if hydrate {
				a.HydrateMemory(ctx)
			}

			co, err := a.Coordinators.Get(source)
			if err != nil {
				return err
			}
			res, err := co.Search(ctx, f)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "sinapi", "source (sinapi, sicro)")
	cmd.Flags().StringVarP(&f.Region, "region", "r", "", "UF")
	cmd.Flags().StringVarP(&f.ReferenceMonth, "month", "m", "", "reference month (YYYY-MM)")
	cmd.Flags().StringVar(&f.ItemType, "item-type", "", "input | composition")
	cmd.Flags().StringVar(&f.Category, "category", "", "category")
	cmd.Flags().StringVar(&f.TaxRegime, "regime", "", "burdened | unburdened")
	cmd.Flags().IntVar(&f.Page, "page", 1, "page")
	cmd.Flags().IntVar(&f.PageSize, "page-size", dto.DefaultPageSize, "page size (1-100)")
	cmd.Flags().BoolVar(&hydrate, "hydrate", false, "load persisted rows into the in-memory tier first")
	return cmd
}
