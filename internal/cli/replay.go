package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/ofrenda/internal/config"
	"github.com/roach88/ofrenda/internal/engine"
	"github.com/roach88/ofrenda/internal/ir"
	"github.com/roach88/ofrenda/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Room     string
}

// ReplicaReplay is the result of rebuilding one replica from its journal.
type ReplicaReplay struct {
	Replica       string `json:"replica"`
	Actions       int    `json:"actions"`
	Elements      int    `json:"elements"`
	Digest        string `json:"digest"`
	Deterministic bool   `json:"deterministic"`

	// SnapshotSeq is zero when the replica has no altar snapshot.
	SnapshotSeq   int64 `json:"snapshotSeq,omitempty"`
	SnapshotMatch *bool `json:"snapshotMatch,omitempty"`
}

// ReplayResult holds the outcome of a replay.
type ReplayResult struct {
	Room          string          `json:"room,omitempty"`
	Replicas      []ReplicaReplay `json:"replicas"`
	Deterministic bool            `json:"deterministic"`
	Converged     bool            `json:"converged"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild every replica from its action journal",
		Long: `Rebuild every replica from its action journal and verify determinism.

Each replica's committed actions are dispatched into a fresh engine twice.
Both runs must produce the same altar, and the altar must match the
latest snapshot the replica wrote. Replicas of one room are also checked
for convergence.

Exit codes:
  0 - Replay is deterministic
  1 - Replay diverged from itself or from a snapshot
  2 - Command error (database not found, bad config, etc.)

Examples:
  ofrenda replay --db ./journal.db
  ofrenda replay --db ./journal.db --room room-1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the journal database (required)")
	cmd.Flags().StringVar(&opts.Room, "room", "", "only replay this room")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}
	// A replayed action commits on the first attempt or the replay fails.
	cfg.Engine.Retry.MaxRetries = 0

	st, err := store.Open(opts.Database)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	replicas, err := st.Replicas(ctx, opts.Room)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list replicas", err)
	}
	formatter.VerboseLog("Replaying %d replica(s)", len(replicas))

	logger := opts.logger(cmd.ErrOrStderr())
	result := ReplayResult{
		Room:          opts.Room,
		Replicas:      make([]ReplicaReplay, 0, len(replicas)),
		Deterministic: true,
		Converged:     true,
	}
	for _, replica := range replicas {
		rr, err := replayReplica(ctx, st, cfg, logger, opts.Room, replica)
		if err != nil {
			_ = formatter.Error(ErrCodeStore, err.Error(), nil)
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay %s", replica), err)
		}
		formatter.VerboseLog("  %s: %d actions -> %s", replica, rr.Actions, shortDigest(rr.Digest))
		if !rr.Deterministic || (rr.SnapshotMatch != nil && !*rr.SnapshotMatch) {
			result.Deterministic = false
		}
		if len(result.Replicas) > 0 && rr.Digest != result.Replicas[0].Digest {
			result.Converged = false
		}
		result.Replicas = append(result.Replicas, rr)
	}

	if !result.Deterministic {
		details := make([]string, 0)
		for _, rr := range result.Replicas {
			if !rr.Deterministic {
				details = append(details, fmt.Sprintf("%s: two rebuilds disagree", rr.Replica))
			}
			if rr.SnapshotMatch != nil && !*rr.SnapshotMatch {
				details = append(details, fmt.Sprintf("%s: altar differs from snapshot at seq %d", rr.Replica, rr.SnapshotSeq))
			}
		}
		if formatter.IsJSON() {
			_ = formatter.Response(CLIResponse{
				Status: "error",
				Data:   result,
				Error:  &CLIError{Code: ErrCodeDeterminism, Message: "replay is not deterministic", Details: details},
			})
		} else {
			writeReplayText(cmd.OutOrStdout(), result)
			_ = formatter.Error(ErrCodeDeterminism, "replay is not deterministic", details)
		}
		return NewExitError(ExitFailure, "replay is not deterministic")
	}

	if formatter.IsJSON() {
		return formatter.Success(result)
	}
	writeReplayText(cmd.OutOrStdout(), result)
	return nil
}

// replayReplica rebuilds a replica twice and checks the result against its
// latest altar snapshot.
func replayReplica(ctx context.Context, st *store.Store, cfg config.Config, logger *slog.Logger, room, replica string) (ReplicaReplay, error) {
	records, err := st.ReadActions(ctx, room, replica)
	if err != nil {
		return ReplicaReplay{}, err
	}

	snap, err := st.ReadLatestSnapshot(ctx, replica, ir.ModuleAltar)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		snap = store.Snapshot{}
	case err != nil:
		return ReplicaReplay{}, err
	}

	first, err := rebuild(ctx, cfg, logger, records, snap.Seq)
	if err != nil {
		return ReplicaReplay{}, err
	}
	second, err := rebuild(ctx, cfg, logger, records, snap.Seq)
	if err != nil {
		return ReplicaReplay{}, err
	}

	rr := ReplicaReplay{
		Replica:       replica,
		Actions:       len(records),
		Elements:      first.elements,
		Digest:        first.digest,
		Deterministic: first.digest == second.digest,
	}
	if snap.Seq > 0 {
		match := first.snapshotDigest == snap.Digest
		rr.SnapshotSeq = snap.Seq
		rr.SnapshotMatch = &match
	}
	return rr, nil
}

type rebuilt struct {
	elements       int
	digest         string
	snapshotDigest string
}

// rebuild dispatches the records into a fresh runtime. At snapshotSeq it
// records the altar's snapshot digest.
func rebuild(ctx context.Context, cfg config.Config, logger *slog.Logger, records []store.ActionRecord, snapshotSeq int64) (rebuilt, error) {
	rt, err := cfg.NewRuntime(logger, nil)
	if err != nil {
		return rebuilt{}, err
	}
	defer rt.Engine.Close()

	var out rebuilt
	for _, rec := range records {
		if err := rt.Engine.Dispatch(ctx, rec.Action); err != nil {
			return rebuilt{}, fmt.Errorf("seq %d %s: %w", rec.Seq, rec.Action.Type, err)
		}
		if rec.Seq == snapshotSeq {
			if out.snapshotDigest, err = altarSnapshotDigest(rt.Engine); err != nil {
				return rebuilt{}, err
			}
		}
	}

	altar, err := engine.StateAs[ir.AltarState](rt.Engine.State(ir.ModuleAltar))
	if err != nil {
		return rebuilt{}, err
	}
	elements := append([]ir.Placement(nil), altar.Elements...)
	sort.Slice(elements, func(i, j int) bool { return elements[i].ElementID < elements[j].ElementID })
	out.elements = len(elements)
	if out.digest, err = ir.StateDigest(elements); err != nil {
		return rebuilt{}, err
	}
	return out, nil
}

func altarSnapshotDigest(e *engine.Engine) (string, error) {
	state, err := e.State(ir.ModuleAltar)
	if err != nil {
		return "", err
	}
	data, err := ir.MarshalCanonical(state)
	if err != nil {
		return "", err
	}
	return ir.SnapshotDigest(data), nil
}

func writeReplayText(w io.Writer, result ReplayResult) {
	if len(result.Replicas) == 0 {
		fmt.Fprintln(w, "No replicas journaled.")
		return
	}
	for _, rr := range result.Replicas {
		status := "✓"
		if !rr.Deterministic || (rr.SnapshotMatch != nil && !*rr.SnapshotMatch) {
			status = "✗"
		}
		fmt.Fprintf(w, "%s %s: %d actions, %d element(s)  %s", status, rr.Replica, rr.Actions, rr.Elements, shortDigest(rr.Digest))
		if rr.SnapshotMatch != nil {
			fmt.Fprintf(w, "  snapshot@%d", rr.SnapshotSeq)
			if !*rr.SnapshotMatch {
				fmt.Fprint(w, " mismatch")
			}
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)
	if result.Deterministic {
		fmt.Fprintln(w, "✓ Replay is deterministic")
	} else {
		fmt.Fprintln(w, "✗ Replay is not deterministic")
	}
	if result.Converged {
		fmt.Fprintln(w, "✓ Replicas converged")
	} else {
		fmt.Fprintln(w, "✗ Replicas diverged")
	}
}
