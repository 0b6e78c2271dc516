package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ofrenda/internal/grid"
	"github.com/roach88/ofrenda/internal/ir"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	CatalogDir string
}

// ValidateResult describes a checked settings file and catalog.
type ValidateResult struct {
	Dimensions ir.Dimensions `json:"dimensions"`
	Types      []string      `json:"types"`
	Rules      []grid.Rule   `json:"rules"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a settings file and element catalog",
		Long: `Check a settings file and compile its element catalog.

Without --config the defaults are checked. --catalog overrides the
catalog directory named in the settings. Prints the grid size and the
placement rule of every element type.

Examples:
  ofrenda validate
  ofrenda validate --config ofrenda.yaml
  ofrenda validate --catalog ./catalog --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.CatalogDir, "catalog", "", "directory of CUE catalog files")

	return cmd
}

func runValidate(opts *ValidateOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}
	if opts.CatalogDir != "" {
		cfg.Catalog.Dir = opts.CatalogDir
	}
	formatter.VerboseLog("Compiling catalog %q", cfg.Catalog.Dir)

	cat, dims, err := cfg.Layout()
	if err != nil {
		_ = formatter.Error(ErrCodeCatalog, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid catalog", err)
	}

	result := ValidateResult{
		Dimensions: dims,
		Types:      cat.Types(),
		Rules:      cat.Rules,
	}
	if formatter.IsJSON() {
		return formatter.Success(result)
	}
	writeValidateText(cmd.OutOrStdout(), result)
	return nil
}

func writeValidateText(w io.Writer, result ValidateResult) {
	fmt.Fprintf(w, "Grid: %d rows x %d cols\n", result.Dimensions.Rows, result.Dimensions.Cols)
	fmt.Fprintf(w, "Elements: %d\n\n", len(result.Rules))
	for _, r := range result.Rules {
		limit := "unlimited"
		if r.MaxCount > 0 {
			limit = fmt.Sprintf("max %d", r.MaxCount)
		}
		fmt.Fprintf(w, "  %-14s %-10s", r.Type, limit)
		if r.Row != "" {
			fmt.Fprintf(w, " row=%s", r.Row)
		}
		if r.Column != "" {
			fmt.Fprintf(w, " column=%s", r.Column)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "✓ Catalog is valid")
}
