package commands

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/xdt/pkg/builtin"
	"github.com/openfroyo/xdt/pkg/session"
	"github.com/openfroyo/xdt/pkg/xdt"
)

type resolveResult struct {
	TypeName string `json:"type_name"`
	Base     string `json:"base"`
	GoType   string `json:"go_type"`
	Path     string `json:"path,omitempty"`
	RunID    string `json:"run_id"`
}

func newResolveCommand() *cobra.Command {
	var (
		base    string
		parent  string
		argList []string
		attrs   []string
		element string
	)

	cmd := &cobra.Command{
		Use:   "resolve <type-name>",
		Short: "Construct a step by name",
		Long: `Resolve a type name against the configured sources and construct it.

Give the short name (ByKey). It is qualified with the namespace of every
source in registration order and must match exactly one type.

Locators are evaluated with --parent and --arg. The current element seen by
the step is built from --element and --attr.`,
		Example: `  # Construct a built-in locator
  xdt resolve Condition --base locator --parent /configuration --arg "@name='Web'"

  # Resolve against a script source
  xdt resolve ByKey -c xdt.yaml --arg Mode

  # Match uses the attributes of the current element
  xdt resolve Match --parent /appSettings/add --attr key=Mode --arg key`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseType, ok := xdt.BaseTypes[base]
			if !ok {
				return fmt.Errorf("unknown base kind %q (expected one of %s)", base, baseKinds())
			}
			attrMap, err := parseAttrs(attrs)
			if err != nil {
				return err
			}

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

			typeName := args[0]
			log.Debug().
				Str("type_name", typeName).
				Str("base", base).
				Msg("Resolving type")

			return s.Run(ctx, func(ctx context.Context, run *session.Run) error {
				run.Services.MustRegister(xdt.KeyLogger, builtin.NewLoggerWith(log.Logger))
				run.Services.MustRegister(xdt.KeyCurrentElement, xdt.StaticElement{
					Element: &xdt.SimpleNode{Tag: element, Attrs: attrMap},
				})

				v, err := run.ConstructAs(ctx, typeName, baseType)
				if err != nil {
					return err
				}
				if v == nil {
					return fmt.Errorf("type name is empty")
				}

				result := resolveResult{
					TypeName: typeName,
					Base:     base,
					GoType:   reflect.TypeOf(v).String(),
					RunID:    run.ID,
				}
				if locator, ok := v.(xdt.Locator); ok && base == "locator" {
					path, err := locator.ConstructPath(parent, argList)
					if err != nil {
						return fmt.Errorf("failed to construct path: %w", err)
					}
					result.Path = path
				}

				return printResolveResult(cmd, result)
			})
		},
	}

	cmd.Flags().StringVarP(&base, "base", "b", "locator", "base kind the type must satisfy ("+baseKinds()+")")
	cmd.Flags().StringVar(&parent, "parent", "", "parent path passed to locators")
	cmd.Flags().StringArrayVarP(&argList, "arg", "a", nil, "argument passed to locators (repeatable)")
	cmd.Flags().StringVar(&element, "element", "add", "name of the current element")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "attribute of the current element as key=value (repeatable)")

	return cmd
}

func printResolveResult(cmd *cobra.Command, result resolveResult) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, result)
	}

	fmt.Fprintf(out, "%s resolved to %s\n", result.TypeName, result.GoType)
	if result.Path != "" {
		fmt.Fprintf(out, "path: %s\n", result.Path)
	}
	if verbose {
		fmt.Fprintf(out, "run: %s\n", result.RunID)
	}
	return nil
}

func parseAttrs(attrs []string) (map[string]string, error) {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		key, value, ok := strings.Cut(a, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid attribute %q (expected key=value)", a)
		}
		m[key] = value
	}
	return m, nil
}

func baseKinds() string {
	kinds := make([]string, 0, len(xdt.BaseTypes))
	for k := range xdt.BaseTypes {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return strings.Join(kinds, ", ")
}
