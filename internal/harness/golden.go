package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/ofrenda/internal/ir"
)

// TraceSnapshot is what a golden file holds: the trace and each peer's
// final elements. Digests are left out so a golden file reads as plain data.
type TraceSnapshot struct {
	ScenarioName string                    `json:"scenario_name"`
	Trace        []TraceEvent              `json:"trace"`
	Final        map[string][]ir.Placement `json:"final"`
	Converged    bool                      `json:"converged"`
}

// NewTraceSnapshot builds the golden snapshot of a result.
func NewTraceSnapshot(scenarioName string, result *Result) TraceSnapshot {
	final := make(map[string][]ir.Placement, len(result.Peers))
	for p, state := range result.Peers {
		final[p] = state.Elements
	}
	return TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		Final:        final,
		Converged:    result.Converged,
	}
}

// Marshal renders the snapshot as canonical JSON.
func (s TraceSnapshot) Marshal() ([]byte, error) {
	return ir.MarshalCanonical(s)
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := NewTraceSnapshot(scenarioName, result).Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)

	return nil
}
