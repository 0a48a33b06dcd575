package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/xdt/pkg/config"
	"github.com/openfroyo/xdt/pkg/session"
	"github.com/openfroyo/xdt/pkg/telemetry"
)

// DefaultConfigFile is read from the working directory when --config is not given.
const DefaultConfigFile = "xdt.yaml"

var (
	// Global flags
	configPath  string
	rootPath    string
	searchPaths []string
	verbose     bool
	jsonOutput  bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "xdt",
		Short: "xdt - named step resolution for document transforms",
		Long: `xdt resolves the named steps of a document transform script against the
built-in unit and the code units configured for the script.

Code units can be:
  - Starlark scripts (.star) defining locators
  - WebAssembly modules described by a manifest (.yaml)
  - Go plugins (.so) exporting a unit`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./xdt.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&rootPath, "root", "", "transform script path that relative sources resolve against")
	rootCmd.PersistentFlags().StringSliceVar(&searchPaths, "search-path", nil, "additional directories for named sources")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newSourcesCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// resolveConfigPath returns the config file to load, or "" for defaults.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return DefaultConfigFile
	}
	return ""
}

// loadConfig loads the configuration and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := resolveConfigPath(); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	applyOverrides(cfg)
	return cfg, cfg.Validate()
}

func applyOverrides(cfg *config.Config) {
	if rootPath != "" {
		if abs, err := filepath.Abs(rootPath); err == nil {
			cfg.RelativePathRoot = abs
		} else {
			cfg.RelativePathRoot = rootPath
		}
	}
	cfg.SearchPaths = append(cfg.SearchPaths, searchPaths...)
}

// newTelemetry builds telemetry that logs through the global logger.
func newTelemetry(cfg *config.Config) (*telemetry.Telemetry, error) {
	return telemetry.NewTelemetryWithLogger(cfg.Telemetry, telemetry.FromZerolog(log.Logger))
}

// openSession opens a session for cfg. The returned function closes both the
// session and its telemetry.
func openSession(ctx context.Context, cfg *config.Config) (*session.Session, func() error, error) {
	tel, err := newTelemetry(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	s, err := session.Open(ctx, cfg, session.WithTelemetry(tel))
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, nil, err
	}

	closeFn := func() error {
		return errors.Join(s.Close(ctx), tel.Shutdown(ctx))
	}
	return s, closeFn, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
