package cli

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/ofrenda/internal/harness"
	"github.com/roach88/ofrenda/internal/ir"
	"github.com/roach88/ofrenda/internal/metrics"
	"github.com/roach88/ofrenda/internal/store"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Database string // journal path, empty for in-memory
}

// PeerSummary is one peer's final altar.
type PeerSummary struct {
	Peer     string         `json:"peer"`
	Elements []ir.Placement `json:"elements"`
	Digest   string         `json:"digest"`
	Members  []string       `json:"members"`
}

// SimulateResult holds the outcome of a simulated scenario.
type SimulateResult struct {
	Scenario  string               `json:"scenario"`
	Pass      bool                 `json:"pass"`
	Converged bool                 `json:"converged"`
	Host      string               `json:"host,omitempty"`
	Peers     []PeerSummary        `json:"peers"`
	Errors    []string             `json:"errors,omitempty"`
	Metrics   metrics.Summary      `json:"metrics"`
	Trace     []harness.TraceEvent `json:"trace,omitempty"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Run a multi-peer editing scenario",
		Long: `Run a multi-peer editing scenario on an in-memory network.

Every peer gets its own engine and session. The scenario decides when
messages are delivered, so conflicting edits can be staged exactly.
Prints each peer's final altar and whether the peers converged.

Exit codes:
  0 - Every step and assertion held
  1 - A step or assertion failed
  2 - Command error (scenario not found, bad config, etc.)

Examples:
  ofrenda simulate testdata/scenarios/tie_relocation.yaml
  ofrenda simulate scenario.yaml --db ./journal.db
  ofrenda simulate scenario.yaml --format json -v`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "journal every peer into this SQLite database")

	return cmd
}

func runSimulate(opts *SimulateOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		_ = formatter.Error(ErrCodeScenario, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	formatter.VerboseLog("Loaded scenario %s: %d peers, %d steps", scenario.Name, len(scenario.Peers), len(scenario.Steps))

	reg := prometheus.NewRegistry()
	runOpts := []harness.Option{
		harness.WithLogger(opts.logger(cmd.ErrOrStderr())),
		harness.WithMetrics(metrics.New(reg)),
	}
	if opts.Config != "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
			return err
		}
		runOpts = append(runOpts, harness.WithConfig(cfg))
	}
	if opts.Database != "" {
		st, err := store.Open(opts.Database)
		if err != nil {
			_ = formatter.Error(ErrCodeStore, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer st.Close()
		runOpts = append(runOpts, harness.WithStore(st))
	}

	res, err := harness.Run(scenario, runOpts...)
	if err != nil {
		_ = formatter.Error(ErrCodeScenario, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to run scenario", err)
	}

	result := SimulateResult{
		Scenario:  scenario.Name,
		Pass:      res.Pass,
		Converged: res.Converged,
		Host:      res.Host,
		Peers:     make([]PeerSummary, 0, len(scenario.Peers)),
		Errors:    res.Errors,
	}
	for _, id := range scenario.Peers {
		id = ir.NormalizePeerID(id)
		state := res.Peers[id]
		result.Peers = append(result.Peers, PeerSummary{
			Peer:     id,
			Elements: state.Elements,
			Digest:   state.Digest,
			Members:  state.Members,
		})
	}
	if result.Metrics, err = metrics.Summarize(reg); err != nil {
		return WrapExitError(ExitCommandError, "failed to read metrics", err)
	}
	if opts.Verbose {
		result.Trace = res.Trace
	}

	if formatter.IsJSON() {
		resp := CLIResponse{Status: "ok", Data: result}
		if !result.Pass {
			resp.Status = "error"
			resp.Error = &CLIError{Code: ErrCodeFailed, Message: "scenario failed", Details: result.Errors}
		}
		if err := formatter.Response(resp); err != nil {
			return err
		}
	} else {
		writeSimulateText(cmd.OutOrStdout(), result)
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", scenario.Name))
	}
	return nil
}

func writeSimulateText(w io.Writer, result SimulateResult) {
	fmt.Fprintf(w, "Scenario: %s (%d peers)\n", result.Scenario, len(result.Peers))
	if result.Host != "" {
		fmt.Fprintf(w, "Host: %s\n", result.Host)
	}
	fmt.Fprintln(w)

	for _, ev := range result.Trace {
		fmt.Fprintf(w, "  [%d] t=%d %s\n", ev.Seq, ev.At, describeEvent(ev))
	}
	if len(result.Trace) > 0 {
		fmt.Fprintln(w)
	}

	for _, p := range result.Peers {
		fmt.Fprintf(w, "%s: %d element(s)  %s\n", p.Peer, len(p.Elements), shortDigest(p.Digest))
		for _, el := range p.Elements {
			fmt.Fprintf(w, "  %-28s %-14s %s\n", el.ElementID, el.ElementType, el.Position)
		}
	}
	fmt.Fprintln(w)

	m := result.Metrics
	fmt.Fprintf(w, "Dispatches: %d committed, %d rolled back; transforms: %d applied, %d relocated, %d rejected\n",
		m.Dispatches["committed"], m.Dispatches["rolled_back"],
		m.Transforms["applied"], m.Transforms["relocated"], m.Transforms["rejected"])

	if result.Converged {
		fmt.Fprintln(w, "✓ Peers converged")
	} else {
		fmt.Fprintln(w, "✗ Peers diverged")
	}

	for _, e := range result.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
	if result.Pass {
		fmt.Fprintln(w, "✓ All checks passed")
	} else {
		fmt.Fprintf(w, "✗ %d check(s) failed\n", len(result.Errors))
	}
}

func describeEvent(ev harness.TraceEvent) string {
	s := ev.Kind
	if ev.Peer != "" {
		s = ev.Peer + " " + s
	}
	if ev.From != "" {
		s += " from " + ev.From
	}
	if ev.Element != "" {
		s += " " + ev.Element
	}
	if ev.Position != nil {
		s += " " + ev.Position.String()
	}
	if ev.Outcome != "" {
		s += " -> " + ev.Outcome
	}
	if ev.Detail != "" {
		s += " (" + ev.Detail + ")"
	}
	return s
}

// shortDigest trims a digest for display.
func shortDigest(d string) string {
	if len(d) > 19 {
		return d[:19]
	}
	return d
}
