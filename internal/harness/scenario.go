package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ofrenda/internal/ir"
)

// DefaultStart is the clock reading a scenario starts at.
const DefaultStart int64 = 1000

// Scenario defines a multi-peer editing scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Room defaults to "room-1".
	Room string `yaml:"room,omitempty"`

	// Start is the initial wall clock in Unix milliseconds.
	Start int64 `yaml:"start,omitempty"`

	// Config is an optional settings file, relative to the scenario file.
	Config string `yaml:"config,omitempty"`

	// Peers lists the peer ids, in the order messages are drained.
	Peers []string `yaml:"peers"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario step. Exactly one of the action fields is set.
type Step struct {
	// Peer acts for join, leave, place, remove, move and cursor.
	Peer string `yaml:"peer,omitempty"`

	Join   string       `yaml:"join,omitempty"`
	Leave  bool         `yaml:"leave,omitempty"`
	Place  *PlaceStep   `yaml:"place,omitempty"`
	Remove string       `yaml:"remove,omitempty"`
	Move   *MoveStep    `yaml:"move,omitempty"`
	Cursor *ir.Position `yaml:"cursor,omitempty"`

	// Deliver flushes and handles pending messages for the listed peers.
	// "all" means every peer, once.
	Deliver []string `yaml:"deliver,omitempty"`

	// Settle delivers repeatedly until nothing is in flight.
	Settle bool `yaml:"settle,omitempty"`

	// Advance moves the clock forward, e.g. "250ms".
	Advance time.Duration `yaml:"advance,omitempty"`

	// Expect is ok (default), rejected or throttled.
	Expect string `yaml:"expect,omitempty"`
}

// PlaceStep places a new element. As names it for later steps.
type PlaceStep struct {
	Type string `yaml:"type"`
	Row  int    `yaml:"row"`
	Col  int    `yaml:"col"`
	As   string `yaml:"as,omitempty"`
}

// MoveStep moves an element, by id or alias.
type MoveStep struct {
	Element string `yaml:"element"`
	Row     int    `yaml:"row"`
	Col     int    `yaml:"col"`
}

// Assertion checks the final state or the trace.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Peer limits the check to one peer. Empty checks every peer.
	Peer string `yaml:"peer,omitempty"`

	// Peers limits converged to a subset.
	Peers []string `yaml:"peers,omitempty"`

	// Element is an element id or alias.
	Element string `yaml:"element,omitempty"`

	// At is the cell for element_at and cell_empty.
	At *ir.Position `yaml:"at,omitempty"`

	// Count is used by element_count and journal_count.
	Count *int `yaml:"count,omitempty"`

	// Outcome is used by outcome and journal_count.
	Outcome string `yaml:"outcome,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged    = "converged"
	AssertElementAt    = "element_at"
	AssertCellEmpty    = "cell_empty"
	AssertElementCount = "element_count"
	AssertOutcome      = "outcome"
	AssertJournalCount = "journal_count"
)

// kind names the action a step performs.
func (s Step) kind() (string, error) {
	var kinds []string
	if s.Join != "" {
		kinds = append(kinds, KindJoin)
	}
	if s.Leave {
		kinds = append(kinds, KindLeave)
	}
	if s.Place != nil {
		kinds = append(kinds, KindPlace)
	}
	if s.Remove != "" {
		kinds = append(kinds, KindRemove)
	}
	if s.Move != nil {
		kinds = append(kinds, KindMove)
	}
	if s.Cursor != nil {
		kinds = append(kinds, KindCursor)
	}
	if len(s.Deliver) > 0 {
		kinds = append(kinds, "deliver")
	}
	if s.Settle {
		kinds = append(kinds, "settle")
	}
	if s.Advance != 0 {
		kinds = append(kinds, KindAdvance)
	}
	switch len(kinds) {
	case 0:
		return "", fmt.Errorf("no action")
	case 1:
		return kinds[0], nil
	}
	return "", fmt.Errorf("more than one action: %v", kinds)
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// A relative Config path is resolved against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.Config != "" && !filepath.IsAbs(scenario.Config) {
		scenario.Config = filepath.Join(filepath.Dir(path), scenario.Config)
	}
	return scenario, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Reject unknown fields (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Room == "" {
		scenario.Room = "room-1"
	}
	if scenario.Start == 0 {
		scenario.Start = DefaultStart
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Peers) == 0 {
		return fmt.Errorf("peers list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	peers := make(map[string]bool, len(s.Peers))
	for i, p := range s.Peers {
		id := ir.NormalizePeerID(p)
		if id == "" {
			return fmt.Errorf("peers[%d]: empty peer id", i)
		}
		if peers[id] {
			return fmt.Errorf("peers[%d]: duplicate peer %q", i, p)
		}
		peers[id] = true
	}
	known := func(p string) bool { return peers[ir.NormalizePeerID(p)] }

	for i, step := range s.Steps {
		kind, err := step.kind()
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		switch kind {
		case KindJoin, KindLeave, KindPlace, KindRemove, KindMove, KindCursor:
			if !known(step.Peer) {
				return fmt.Errorf("steps[%d]: unknown peer %q", i, step.Peer)
			}
		case "deliver":
			for _, p := range step.Deliver {
				if p != "all" && !known(p) {
					return fmt.Errorf("steps[%d]: deliver to unknown peer %q", i, p)
				}
			}
		case KindAdvance:
			if step.Advance < 0 {
				return fmt.Errorf("steps[%d]: advance must be positive", i)
			}
		}
		if step.Place != nil && step.Place.Type == "" {
			return fmt.Errorf("steps[%d]: place.type is required", i)
		}
		if step.Move != nil && step.Move.Element == "" {
			return fmt.Errorf("steps[%d]: move.element is required", i)
		}
		switch step.Expect {
		case "", OutcomeOK, OutcomeRejected, OutcomeThrottled:
		default:
			return fmt.Errorf("steps[%d]: unknown expect %q", i, step.Expect)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, known); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion, known func(string) bool) error {
	if a.Peer != "" && !known(a.Peer) {
		return fmt.Errorf("assertions[%d]: unknown peer %q", index, a.Peer)
	}

	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertConverged:
		for _, p := range a.Peers {
			if !known(p) {
				return fmt.Errorf("assertions[%d]: unknown peer %q", index, p)
			}
		}
	case AssertElementAt:
		if a.Element == "" || a.At == nil {
			return fmt.Errorf("assertions[%d]: element and at are required for element_at", index)
		}
	case AssertCellEmpty:
		if a.At == nil {
			return fmt.Errorf("assertions[%d]: at is required for cell_empty", index)
		}
	case AssertElementCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: a non-negative count is required for element_count", index)
		}
	case AssertOutcome:
		if a.Peer == "" || a.Element == "" || a.Outcome == "" {
			return fmt.Errorf("assertions[%d]: peer, element and outcome are required for outcome", index)
		}
	case AssertJournalCount:
		if a.Outcome == "" || a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: outcome and a non-negative count are required for journal_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
