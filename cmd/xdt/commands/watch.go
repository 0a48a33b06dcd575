package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/xdt/pkg/config"
	"github.com/openfroyo/xdt/pkg/session"
	"github.com/openfroyo/xdt/pkg/typesource"
)

func newWatchCommand() *cobra.Command {
	var (
		delay         time.Duration
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reload the sources whenever they change",
		Long: `Open a session and keep it current: the configuration file, the
directories of path sources and the search paths are watched, and a new
session is opened when a file changes. Load failures are reported on every
reload. Metrics are served for the lifetime of the command when a listen
address is configured.`,
		Example: `  # Watch the configuration in the current directory
  xdt watch

  # Serve metrics while watching
  xdt watch --metrics-listen :9400`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if metricsListen != "" && cfg.Telemetry != nil {
				cfg.Telemetry.Metrics.Enabled = true
				cfg.Telemetry.Metrics.ListenAddress = metricsListen
			}

			ctx := cmd.Context()
			tel, err := newTelemetry(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			defer func() {
				if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Err(err).Msg("Failed to shut down telemetry")
				}
			}()

			if server := tel.Metrics.StartMetricsServer(tel.Logger); server != nil {
				log.Info().Str("address", server.Addr).Msg("Serving metrics")
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()
					_ = server.Shutdown(shutdownCtx)
				}()
			}

			// The first session uses the configuration already validated;
			// later ones re-read the file.
			first := true
			reloader := session.NewReloader(func() (*config.Config, error) {
				if first {
					first = false
					return cfg, nil
				}
				return loadConfig()
			}, log.Logger, session.WithTelemetry(tel))
			reloader.Delay = delay
			reloader.OnReload = func(s *session.Session, err error) {
				if err != nil {
					log.Error().Err(err).Msg("Reload failed")
					return
				}
				reportSources(s.Sources())
			}

			if err := reloader.Start(ctx); err != nil {
				return err
			}
			reportSources(reloader.Current().Sources())

			<-ctx.Done()
			log.Info().Msg("Stopping watch")
			return reloader.Close(context.WithoutCancel(ctx))
		},
	}

	cmd.Flags().DurationVar(&delay, "delay", session.DefaultReloadDelay, "quiet period before reloading")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "address to serve metrics on")

	return cmd
}

func reportSources(infos []typesource.SourceInfo) {
	loaded, failed := 0, 0
	for _, info := range infos {
		switch info.State {
		case typesource.StateLoaded:
			loaded++
		case typesource.StateFailed:
			failed++
			log.Warn().Str("source", info.String()).Err(info.Err).Msg("Source failed to load")
		}
	}
	log.Info().
		Int("sources", len(infos)).
		Int("loaded", loaded).
		Int("failed", failed).
		Msg("Sources ready")
}
