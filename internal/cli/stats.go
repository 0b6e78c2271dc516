package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/ofrenda/internal/store"
)

// StatsOptions holds flags for the stats command.
type StatsOptions struct {
	*RootOptions
	Database string
	Room     string
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize journaled operations",
		Long: `Summarize the operations journaled in a database.

Counts operations by type and by peer, and journal rows by outcome
(local, applied, relocated, rejected, displaced).

Examples:
  ofrenda stats --db ./journal.db
  ofrenda stats --db ./journal.db --room room-1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the journal database (required)")
	cmd.Flags().StringVar(&opts.Room, "room", "", "only count this room")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runStats(opts *StatsOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	stats, err := st.OperationStats(ctx, opts.Room)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read stats", err)
	}

	if formatter.IsJSON() {
		return formatter.Success(stats)
	}
	writeStatsText(cmd.OutOrStdout(), stats)
	return nil
}

func writeStatsText(w io.Writer, stats store.OperationStats) {
	fmt.Fprintf(w, "Operations: %d across %d replica(s)\n", stats.Total, stats.Replicas)

	byType := make(map[string]int, len(stats.ByType))
	for k, n := range stats.ByType {
		byType[string(k)] = n
	}
	writeCounts(w, "By type", byType)
	writeCounts(w, "By peer", stats.ByPeer)
	writeCounts(w, "By outcome", stats.ByOutcome)
}

func writeCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "\n%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-12s %d\n", k, counts[k])
	}
}
