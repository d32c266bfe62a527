package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"refprice/internal/app"
	"refprice/internal/model"
	"refprice/internal/spreadsheet"
	"refprice/internal/worker"
)

func importCmd() *cobra.Command {
	var (
		source, region, month, itemType, regime, transport string
		check                                              bool
	)
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Ingest a SINAPI/SICRO spreadsheet (CSV or XLSX) into Postgres",
		Long: `Parse a spreadsheet export and persist it with insert-or-ignore.

Identity flags default to the file name pattern
<SOURCE>_<UF>_<YYYY-MM>_<insumos|composicoes>[_<onerado|desonerado>].

Examples:
  refprice import SINAPI_DF_2024-01_insumos.csv
  refprice import precos.xlsx --source sicro --region MG --month 2023-12`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			var opts spreadsheet.ParseOptions
			if src, fromName, err := worker.ParseImportFilename(path); err == nil {
				opts = fromName
				if source == "" {
					source = src
				}
			}
			if region != "" {
				opts.Region = region
			}
			if month != "" {
				opts.ReferenceMonth = month
			}
			if itemType != "" {
				opts.ItemType = model.ItemType(itemType)
			}
			if transport != "" {
				opts.TransportMode = transport
			}
			if regime != "" {
				r, ok := model.ParseTaxRegime(regime)
				if !ok {
					return fmt.Errorf("invalid --regime %q", regime)
				}
				opts.TaxRegime = r
			}
			if source == "" {
				return fmt.Errorf("--source is required when the file name does not follow the pattern")
			}

			a, err := loadApp(app.Options{SkipDatabase: check})
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Repo == nil && !check {
				return fmt.Errorf("postgres unavailable: check DATABASE_URL")
			}

			ingest := a.Ingestion.Ingest
			if check {
				ingest = a.Ingestion.LoadFromBuffer
			}
			resp, err := ingest(context.Background(), source, data, opts)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "", "source (sinapi, sicro)")
	cmd.Flags().StringVarP(&region, "region", "r", "", "UF")
	cmd.Flags().StringVarP(&month, "month", "m", "", "reference month (YYYY-MM)")
	cmd.Flags().StringVar(&itemType, "item-type", "", "input | composition")
	cmd.Flags().StringVar(&regime, "regime", "", "regime for single-price sheets (burdened | unburdened)")
	cmd.Flags().StringVar(&transport, "transport-mode", "", "transport mode (SICRO)")
	cmd.Flags().BoolVar(&check, "check", false, "parse and report row errors without writing to Postgres")
	return cmd
}
