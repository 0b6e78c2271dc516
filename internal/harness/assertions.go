package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/ofrenda/internal/ir"
	"github.com/roach88/ofrenda/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", ev.Seq, formatEvent(ev))
		}
	}
	return buf.String()
}

func formatEvent(ev TraceEvent) string {
	var parts []string
	if ev.Peer != "" {
		parts = append(parts, ev.Peer)
	}
	parts = append(parts, ev.Kind)
	if ev.From != "" {
		parts = append(parts, "from="+ev.From)
	}
	if ev.Element != "" {
		parts = append(parts, ev.Element)
	}
	if ev.Position != nil {
		parts = append(parts, ev.Position.String())
	}
	if ev.Outcome != "" {
		parts = append(parts, "-> "+ev.Outcome)
	}
	return strings.Join(parts, " ")
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
	Room  string
	// Aliases maps "as" names to element ids.
	Aliases map[string]string
}

func (c *AssertionContext) element(name string) string {
	if c != nil {
		if id, ok := c.Aliases[name]; ok {
			return id
		}
	}
	return name
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides journal access for journal_count assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertConverged:
			err = assertConverged(result, assertion)
		case AssertElementAt:
			err = assertElementAt(result, assertion, actx.element(assertion.Element))
		case AssertCellEmpty:
			err = assertCellEmpty(result, assertion)
		case AssertElementCount:
			err = assertElementCount(result, assertion)
		case AssertOutcome:
			err = assertOutcome(result.Trace, assertion, actx.element(assertion.Element))
		case AssertJournalCount:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: journal_count requires a store", i)
			} else {
				err = assertJournalCount(actx, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

// peersFor returns the peers an assertion applies to, sorted.
func peersFor(result *Result, a Assertion) []string {
	if a.Peer != "" {
		return []string{ir.NormalizePeerID(a.Peer)}
	}
	if len(a.Peers) > 0 {
		out := make([]string, len(a.Peers))
		for i, p := range a.Peers {
			out[i] = ir.NormalizePeerID(p)
		}
		return out
	}
	out := make([]string, 0, len(result.Peers))
	for p := range result.Peers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func assertConverged(result *Result, a Assertion) error {
	peers := peersFor(result, a)
	if len(peers) == 0 {
		return nil
	}
	want := result.Peers[peers[0]].Digest
	var diverged []string
	for _, p := range peers[1:] {
		if result.Peers[p].Digest != want {
			diverged = append(diverged, p)
		}
	}
	if len(diverged) == 0 {
		return nil
	}

	var actual strings.Builder
	for _, p := range peers {
		fmt.Fprintf(&actual, "\n    %s: %s", p, formatElements(result.Peers[p].Elements))
	}
	return &AssertionError{
		Type:     AssertConverged,
		Expected: fmt.Sprintf("%s hold the same altar", strings.Join(peers, ", ")),
		Actual:   fmt.Sprintf("%s diverged from %s:%s", strings.Join(diverged, ", "), peers[0], actual.String()),
	}
}

func formatElements(elements []ir.Placement) string {
	if len(elements) == 0 {
		return "(empty)"
	}
	parts := make([]string, len(elements))
	for i, el := range elements {
		parts[i] = el.ElementID + "@" + el.Position.String()
	}
	return strings.Join(parts, " ")
}

func assertElementAt(result *Result, a Assertion, id string) error {
	for _, p := range peersFor(result, a) {
		pos, ok := findElement(result.Peers[p].Elements, id)
		switch {
		case !ok:
			return &AssertionError{
				Type:     AssertElementAt,
				Expected: fmt.Sprintf("%s at %s on %s", id, a.At, p),
				Actual:   "element not on the altar",
				Trace:    result.Trace,
			}
		case pos != *a.At:
			return &AssertionError{
				Type:     AssertElementAt,
				Expected: fmt.Sprintf("%s at %s on %s", id, a.At, p),
				Actual:   fmt.Sprintf("at %s", pos),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

func assertCellEmpty(result *Result, a Assertion) error {
	for _, p := range peersFor(result, a) {
		for _, el := range result.Peers[p].Elements {
			if el.Position == *a.At {
				return &AssertionError{
					Type:     AssertCellEmpty,
					Expected: fmt.Sprintf("%s empty on %s", a.At, p),
					Actual:   fmt.Sprintf("holds %s", el.ElementID),
				}
			}
		}
	}
	return nil
}

func assertElementCount(result *Result, a Assertion) error {
	for _, p := range peersFor(result, a) {
		if n := len(result.Peers[p].Elements); n != *a.Count {
			return &AssertionError{
				Type:     AssertElementCount,
				Expected: fmt.Sprintf("%d elements on %s", *a.Count, p),
				Actual:   fmt.Sprintf("%d elements: %s", n, formatElements(result.Peers[p].Elements)),
			}
		}
	}
	return nil
}

// assertOutcome checks that the trace records the outcome for an element on
// a peer. Any matching event counts.
func assertOutcome(trace []TraceEvent, a Assertion, id string) error {
	peer := ir.NormalizePeerID(a.Peer)
	var seen []string
	for _, ev := range trace {
		if ev.Peer != peer || ev.Element != id {
			continue
		}
		if ev.Outcome == a.Outcome {
			return nil
		}
		seen = append(seen, ev.Kind+" -> "+ev.Outcome)
	}

	actual := "no events for the element"
	if len(seen) > 0 {
		actual = strings.Join(seen, ", ")
	}
	return &AssertionError{
		Type:     AssertOutcome,
		Expected: fmt.Sprintf("%s for %s on %s", a.Outcome, id, peer),
		Actual:   actual,
		Trace:    trace,
	}
}

// assertJournalCount counts journaled operations with an outcome, on one
// replica or across all of them.
func assertJournalCount(actx *AssertionContext, a Assertion) error {
	ctx := actx.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	records, err := actx.Store.ReadOperations(ctx, actx.Room)
	if err != nil {
		return fmt.Errorf("journal_count: %w", err)
	}

	replica := ir.NormalizePeerID(a.Peer)
	n := 0
	for _, rec := range records {
		if replica != "" && rec.Replica != replica {
			continue
		}
		if rec.Outcome == a.Outcome {
			n++
		}
	}
	if n == *a.Count {
		return nil
	}

	where := "all replicas"
	if replica != "" {
		where = replica
	}
	return &AssertionError{
		Type:     AssertJournalCount,
		Expected: fmt.Sprintf("%d %s operations on %s", *a.Count, a.Outcome, where),
		Actual:   fmt.Sprintf("%d", n),
	}
}
