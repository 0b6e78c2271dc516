package modules

import (
	"errors"
	"fmt"

	"github.com/roach88/ofrenda/internal/engine"
	"github.com/roach88/ofrenda/internal/grid"
	"github.com/roach88/ofrenda/internal/ir"
)

// Altar builds the altar module over a grid of size dims.
//
// Local placements must pass every rule of v. Remote placements were settled
// by the conflict resolver and are only checked for bounds and occupancy.
func Altar(v *grid.Validator, dims ir.Dimensions) engine.Module {
	r := &altarReducer{validator: v}
	return engine.NewModule(ir.ModuleAltar, ir.NewAltarState(dims), r.reduce, ValidateAltar)
}

type altarReducer struct {
	validator *grid.Validator
}

func (r *altarReducer) reduce(s ir.AltarState, a ir.Action) (ir.AltarState, error) {
	switch p := a.Payload.(type) {
	case ir.PlaceElement:
		return r.place(s, a, p)
	case ir.RemoveElement:
		return remove(s, p)
	case ir.ClearAltar:
		next := ir.NewAltarState(s.Dimensions)
		next.Version = s.Version + 1
		return next, nil
	case ir.ValidateComposition:
		s.Composition = r.score(s)
		return s, nil
	case ir.RestoreAltar:
		return restore(s, p), nil
	default:
		return s, fmt.Errorf("altar: unexpected action %s", a.Type)
	}
}

func (r *altarReducer) place(s ir.AltarState, a ir.Action, p ir.PlaceElement) (ir.AltarState, error) {
	pos := *p.Position
	if s.Find(p.ElementID) >= 0 {
		return s, engine.Invalidf("element %s is already on the altar", p.ElementID)
	}

	if a.Source == ir.SourceRemote {
		if !s.Dimensions.Contains(pos) {
			return s, engine.Invalidf("position %s is outside the altar", pos)
		}
		if existing, ok := s.At(pos); ok {
			return s, engine.Invalidf("position %s is held by %s", pos, existing.ElementID)
		}
	} else if res := r.validator.Validate(p.ElementType, pos, s.Elements, s.Dimensions); !res.IsValid {
		return s, engine.Invalidf("cannot place %s at %s: %s", p.ElementType, pos, res.Reason)
	}

	s.Elements = append(s.Elements, ir.Placement{
		ElementID:   p.ElementID,
		ElementType: p.ElementType,
		Position:    pos,
	})
	s.Counts[p.ElementType]++
	s.Version++
	return s, nil
}

func remove(s ir.AltarState, p ir.RemoveElement) (ir.AltarState, error) {
	i := s.Find(p.ElementID)
	if i < 0 {
		return s, engine.Invalidf("element %s is not on the altar", p.ElementID)
	}
	e := s.Elements[i]
	if e.Position != *p.Position {
		return s, engine.Invalidf("element %s is at %s, not %s", p.ElementID, e.Position, *p.Position)
	}

	s.Elements = append(s.Elements[:i], s.Elements[i+1:]...)
	s.Counts[e.ElementType]--
	if s.Counts[e.ElementType] <= 0 {
		delete(s.Counts, e.ElementType)
	}
	s.Version++
	return s, nil
}

func restore(s ir.AltarState, p ir.RestoreAltar) ir.AltarState {
	dims := s.Dimensions
	if p.Dimensions != nil {
		dims = *p.Dimensions
	}
	next := ir.NewAltarState(dims)
	next.Elements = append(next.Elements, p.Elements...)
	next.Counts = countTypes(next.Elements)
	next.Version = s.Version + 1
	return next
}

// score rates the arrangement: each catalog type present earns an equal
// share of 100, each rule violation costs 10.
func (r *altarReducer) score(s ir.AltarState) ir.Composition {
	types := r.validator.Types()
	issues := []string{}

	present := 0
	for _, t := range types {
		if s.Counts[t] > 0 {
			present++
		} else {
			issues = append(issues, fmt.Sprintf("missing %s", t))
		}
	}
	missing := len(issues)

	for _, e := range s.Elements {
		rule, ok := r.validator.Rule(e.ElementType)
		if !ok {
			issues = append(issues, fmt.Sprintf("%s has unknown type %s", e.ElementID, e.ElementType))
			continue
		}
		if rule.MaxCount > 0 && s.Counts[e.ElementType] > rule.MaxCount {
			issues = append(issues, fmt.Sprintf("%s exceeds its limit of %d", e.ElementType, rule.MaxCount))
		}
		others := withoutElement(s.Elements, e.ElementID)
		res := r.validator.Validate(e.ElementType, e.Position, others, s.Dimensions)
		if !res.IsValid && (res.Violation == grid.ViolationRow || res.Violation == grid.ViolationColumn) {
			issues = append(issues, fmt.Sprintf("%s: %s", e.ElementID, res.Reason))
		}
	}
	issues = dedupe(issues)

	score := 0
	if len(types) > 0 {
		score = present * 100 / len(types)
	}
	score -= 10 * (len(issues) - missing)
	if score < 0 {
		score = 0
	}
	return ir.Composition{
		Score:    score,
		Complete: len(issues) == 0,
		Issues:   issues,
	}
}

// ValidateAltar checks the structural invariants of an altar state.
func ValidateAltar(s ir.AltarState) error {
	if s.Dimensions.Rows <= 0 || s.Dimensions.Cols <= 0 {
		return fmt.Errorf("altar dimensions must be positive, got %dx%d", s.Dimensions.Rows, s.Dimensions.Cols)
	}
	if s.Elements == nil {
		return errors.New("altar elements must be a list")
	}

	ids := make(map[string]bool, len(s.Elements))
	cells := make(map[ir.Position]string, len(s.Elements))
	for _, e := range s.Elements {
		if !s.Dimensions.Contains(e.Position) {
			return fmt.Errorf("element %s at %s is outside the altar", e.ElementID, e.Position)
		}
		if ids[e.ElementID] {
			return fmt.Errorf("element id %s appears twice", e.ElementID)
		}
		ids[e.ElementID] = true
		if other, ok := cells[e.Position]; ok {
			return fmt.Errorf("elements %s and %s share %s", other, e.ElementID, e.Position)
		}
		cells[e.Position] = e.ElementID
	}

	want := countTypes(s.Elements)
	if len(want) != len(s.Counts) {
		return fmt.Errorf("altar counts are out of step with elements")
	}
	for t, n := range want {
		if s.Counts[t] != n {
			return fmt.Errorf("altar count for %s is %d, want %d", t, s.Counts[t], n)
		}
	}
	return nil
}

func countTypes(elements []ir.Placement) map[string]int {
	counts := make(map[string]int)
	for _, e := range elements {
		counts[e.ElementType]++
	}
	return counts
}

func withoutElement(elements []ir.Placement, id string) []ir.Placement {
	out := make([]ir.Placement, 0, len(elements))
	for _, e := range elements {
		if e.ElementID != id {
			out = append(out, e)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
