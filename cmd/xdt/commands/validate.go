package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/xdt/pkg/typesource"
)

func newValidateCommand() *cobra.Command {
	var noLoad bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and its sources",
		Long: `Validate the configuration file and load every source it registers.

This command checks:
  - YAML or CUE syntax and schema conformance
  - Source declarations (kind, namespace, identifier or path)
  - That each source loads (unless --no-load is given)`,
		Example: `  # Validate ./xdt.yaml
  xdt validate

  # Validate a CUE configuration without loading units
  xdt validate -c site.cue --no-load`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			log.Info().
				Str("config", cfg.Path).
				Int("sources", len(cfg.Sources)).
				Msg("Configuration is valid")

			if noLoad {
				return nil
			}

			ctx := cmd.Context()
			s, closeFn, err := openSession(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeFn(); err != nil {
					log.Warn().Err(err).Msg("Failed to close session")
				}
			}()

			loadErr := s.LoadAll(ctx)
			failed := 0
			for _, info := range s.Sources() {
				if info.State != typesource.StateFailed {
					continue
				}
				failed++
				log.Error().
					Int("index", info.Index).
					Str("source", info.String()).
					Err(info.Err).
					Msg("Source failed to load")
			}

			if loadErr != nil {
				return errors.Join(fmt.Errorf("%d source(s) failed to load", failed), loadErr)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d source(s) loaded\n", len(s.Sources()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&noLoad, "no-load", false, "only validate the configuration")

	return cmd
}
