package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/xdt/pkg/typesource"
)

type sourceReport struct {
	Index     int      `json:"index"`
	Kind      string   `json:"kind"`
	Namespace string   `json:"namespace"`
	Location  string   `json:"location"`
	State     string   `json:"state"`
	Error     string   `json:"error,omitempty"`
	Types     []string `json:"types,omitempty"`
}

func newSourcesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List the type sources of the session",
		Long: `Load every configured source and list the registrations in lookup order,
with the load state and the types each unit defines.`,
		Example: `  # List sources of the configuration in the current directory
  xdt sources

  # Machine readable output
  xdt sources --json -c site.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
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

			if err := s.LoadAll(ctx); err != nil {
				log.Debug().Err(err).Msg("Some sources failed to load")
			}

			reports := buildSourceReports(s.Sources())
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), reports)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tKIND\tNAMESPACE\tLOCATION\tSTATE\tTYPES")
			for _, r := range reports {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\n", r.Index, r.Kind, r.Namespace, r.Location, r.State, len(r.Types))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			for _, r := range reports {
				if r.Error != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "\n[%d] %s\n", r.Index, r.Error)
				}
				if verbose {
					for _, name := range r.Types {
						fmt.Fprintf(cmd.OutOrStdout(), "  [%d] %s\n", r.Index, name)
					}
				}
			}
			return nil
		},
	}

	return cmd
}

func buildSourceReports(infos []typesource.SourceInfo) []sourceReport {
	reports := make([]sourceReport, 0, len(infos))
	for _, info := range infos {
		r := sourceReport{
			Index:     info.Index,
			Kind:      string(info.Kind),
			Namespace: info.Namespace,
			Location:  info.Location,
			State:     string(info.State),
		}
		if info.Err != nil {
			r.Error = info.Err.Error()
		}
		if lister, ok := info.Unit.(typesource.TypeLister); ok {
			r.Types = lister.TypeNames()
		}
		reports = append(reports, r)
	}
	return reports
}
