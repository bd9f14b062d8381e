package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/cloudmgr/pkg/config"
	"github.com/openfroyo/cloudmgr/pkg/refresh"
)

func newServeCommand(version string) *cobra.Command {
	var (
		interval time.Duration
		workers  int
		zone     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run background refreshes and serve metrics",
		Long: `Run the refresh worker pool and enqueue every connection on the configured
interval. When connections_file is set it is imported at start and again
whenever it changes. Prometheus metrics are served when enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("interval") {
				a.cfg.Refresh.Interval = interval
			}
			if cmd.Flags().Changed("workers") {
				a.cfg.Refresh.Workers = workers
			}
			if cmd.Flags().Changed("zone") {
				a.cfg.Refresh.Zone = zone
			}

			logger := a.tel.Logger.NewComponentLogger("serve")
			pool := a.mgr.NewRefreshPool(
				refresh.WithWorkers(a.cfg.Refresh.Workers),
				refresh.WithCompletion(func(id string, out *refresh.Outcome, err error) {
					if err == nil && out != nil && out.Err != nil {
						logger.WithField("connection_id", id).WithField("phase", out.Err.Phase).Debug("background refresh failed")
					}
				}),
			)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return pool.Run(ctx) })
			g.Go(func() error { return a.tel.Metrics.Serve(ctx) })

			if a.cfg.Refresh.Interval > 0 {
				scheduler := refresh.NewScheduler(pool, a.store, a.cfg.Refresh.Interval, a.cfg.Refresh.Zone, a.tel)
				g.Go(func() error { return scheduler.Run(ctx) })
			}

			if path := a.cfg.ConnectionsFile; path != "" {
				reload := func(ctx context.Context, file *config.ConnectionsFile) error {
					result := a.mgr.ImportConnections(ctx, file.Connections)
					for _, name := range append(result.Created, result.Updated...) {
						if _, err := a.mgr.RequestRefresh(ctx, name); err != nil {
							return err
						}
					}
					return nil
				}
				watcher := config.NewWatcher(path, 0, reload, a.tel.Logger)
				watcher.Reload(ctx)
				g.Go(func() error { return watcher.Run(ctx) })
			}

			log.Info().
				Dur("interval", a.cfg.Refresh.Interval).
				Int("workers", a.cfg.Refresh.Workers).
				Str("zone", a.cfg.Refresh.Zone).
				Msg("cloudmgr serving")

			return g.Wait()
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "refresh interval (0 disables scheduled refreshes)")
	cmd.Flags().IntVar(&workers, "workers", 0, "number of refresh workers")
	cmd.Flags().StringVar(&zone, "zone", "", "only refresh connections in this zone")
	return cmd
}
