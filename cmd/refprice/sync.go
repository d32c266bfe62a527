package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"refprice/internal/app"
	"refprice/internal/service"
	"refprice/internal/worker"
)

func syncCmd() *cobra.Command {
	var (
		sources []string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the sync flow once (version check, invalidation, warm-up)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			if len(sources) == 0 {
				sources = a.Sources.Names()
			}
			trigger := service.TriggerSchedule
			if force {
				trigger = service.TriggerManual
			}

			var errs []error
			states := make([]worker.SyncState, 0, len(sources))
			for _, src := range sources {
				if err := a.Runner.Run(context.Background(), src, trigger); err != nil {
					errs = append(errs, err)
				}
				states = append(states, a.Runner.Snapshot(src))
			}
			if err := printJSON(states); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringSliceVarP(&sources, "source", "s", nil, "sources to sync (default: all)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "invalidate and warm even when the upstream version is unchanged")
	return cmd
}
