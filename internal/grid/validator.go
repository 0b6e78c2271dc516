// Package grid answers whether an element may be placed at a cell.
//
// The Validator is pure: it reads the placements it is given and never
// retains them, so it is safe for concurrent and speculative use by both the
// local editor and the conflict resolver.
package grid

import (
	"fmt"
	"sort"

	"github.com/roach88/ofrenda/internal/ir"
)

// DefaultSuggestionLimit is how many alternatives an invalid Result carries.
const DefaultSuggestionLimit = 3

// Row restrictions.
const (
	RowAny    = ""
	RowTop    = "top"
	RowBottom = "bottom"
)

// Column restrictions.
const (
	ColumnAny    = ""
	ColumnCenter = "center"
	ColumnEdges  = "edges"
)

// Rule is the placement rule for one element type.
type Rule struct {
	Type     string `json:"type" yaml:"type"`
	MaxCount int    `json:"maxCount" yaml:"maxCount"` // 0 means unlimited
	Row      string `json:"row,omitempty" yaml:"row,omitempty"`
	Column   string `json:"column,omitempty" yaml:"column,omitempty"`
}

// Violation classifies why a placement was refused.
type Violation string

const (
	ViolationNone        Violation = ""
	ViolationOutOfBounds Violation = "out_of_bounds"
	ViolationOccupied    Violation = "occupied"
	ViolationMaxCount    Violation = "max_count"
	ViolationRow         Violation = "row_restriction"
	ViolationColumn      Violation = "column_restriction"
	ViolationUnknownType Violation = "unknown_type"
)

// Result is the outcome of Validate.
type Result struct {
	IsValid     bool          `json:"isValid"`
	Violation   Violation     `json:"violation,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Suggestions []ir.Position `json:"suggestions,omitempty"`
}

// Validator checks placements against a fixed rule set.
type Validator struct {
	rules           map[string]Rule
	suggestionLimit int
}

// Option configures a Validator.
type Option func(*Validator)

// WithSuggestionLimit sets how many alternatives are offered for an invalid
// placement. Zero disables suggestions.
func WithSuggestionLimit(n int) Option {
	return func(v *Validator) {
		if n >= 0 {
			v.suggestionLimit = n
		}
	}
}

// NewValidator builds a validator over rules. A later rule for the same type
// replaces an earlier one.
func NewValidator(rules []Rule, opts ...Option) *Validator {
	v := &Validator{
		rules:           make(map[string]Rule, len(rules)),
		suggestionLimit: DefaultSuggestionLimit,
	}
	for _, r := range rules {
		v.rules[r.Type] = r
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Rule returns the rule for elementType.
func (v *Validator) Rule(elementType string) (Rule, bool) {
	r, ok := v.rules[elementType]
	return r, ok
}

// Types returns the known element types in sorted order.
func (v *Validator) Types() []string {
	types := make([]string, 0, len(v.rules))
	for t := range v.rules {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate reports whether elementType may be placed at pos.
//
// Checks run in a fixed order: element type, bounds, occupancy, instance
// count, row restriction, column restriction. The first failure is reported.
// Suggestions are offered when some other cell would be legal.
func (v *Validator) Validate(elementType string, pos ir.Position, placements []ir.Placement, dims ir.Dimensions) Result {
	rule, ok := v.rules[elementType]
	if !ok {
		return Result{
			Violation: ViolationUnknownType,
			Reason:    fmt.Sprintf("unknown element type %q", elementType),
		}
	}

	violation, reason := v.check(rule, pos, placements, dims)
	if violation == ViolationNone {
		return Result{IsValid: true}
	}

	res := Result{Violation: violation, Reason: reason}
	if violation != ViolationMaxCount && v.suggestionLimit > 0 {
		res.Suggestions = v.suggest(rule, pos, placements, dims)
	}
	return res
}

// FindValidPositions scans the grid in row-major order and returns up to n
// legal cells for elementType. n <= 0 returns every legal cell.
func (v *Validator) FindValidPositions(elementType string, placements []ir.Placement, dims ir.Dimensions, n int) []ir.Position {
	rule, ok := v.rules[elementType]
	if !ok {
		return nil
	}
	return v.scan(rule, placements, dims, n)
}

func (v *Validator) scan(rule Rule, placements []ir.Placement, dims ir.Dimensions, n int) []ir.Position {
	var out []ir.Position
	for row := 0; row < dims.Rows; row++ {
		for col := 0; col < dims.Cols; col++ {
			pos := ir.Position{Row: row, Col: col}
			if violation, _ := v.check(rule, pos, placements, dims); violation != ViolationNone {
				continue
			}
			out = append(out, pos)
			if n > 0 && len(out) == n {
				return out
			}
		}
	}
	return out
}

// suggest returns the legal cells nearest to pos, nearest first, ties in
// row-major order.
func (v *Validator) suggest(rule Rule, pos ir.Position, placements []ir.Placement, dims ir.Dimensions) []ir.Position {
	all := v.scan(rule, placements, dims, 0)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Chebyshev(pos) < all[j].Chebyshev(pos)
	})
	if len(all) > v.suggestionLimit {
		all = all[:v.suggestionLimit]
	}
	return all
}

func (v *Validator) check(rule Rule, pos ir.Position, placements []ir.Placement, dims ir.Dimensions) (Violation, string) {
	if !dims.Contains(pos) {
		return ViolationOutOfBounds, fmt.Sprintf("position %s is outside the %dx%d grid", pos, dims.Rows, dims.Cols)
	}
	if IsOccupied(pos, placements) {
		return ViolationOccupied, fmt.Sprintf("position %s is already occupied", pos)
	}
	if rule.MaxCount > 0 && Count(rule.Type, placements) >= rule.MaxCount {
		return ViolationMaxCount, fmt.Sprintf("%s has reached its limit of %d", rule.Type, rule.MaxCount)
	}
	switch rule.Row {
	case RowTop:
		if pos.Row != 0 {
			return ViolationRow, fmt.Sprintf("%s must be placed in the top row", rule.Type)
		}
	case RowBottom:
		if pos.Row != dims.Rows-1 {
			return ViolationRow, fmt.Sprintf("%s must be placed in the bottom row", rule.Type)
		}
	}
	switch rule.Column {
	case ColumnCenter:
		if !isCenterColumn(pos.Col, dims.Cols) {
			return ViolationColumn, fmt.Sprintf("%s must be placed in the center column", rule.Type)
		}
	case ColumnEdges:
		if pos.Col != 0 && pos.Col != dims.Cols-1 {
			return ViolationColumn, fmt.Sprintf("%s must be placed in an edge column", rule.Type)
		}
	}
	return ViolationNone, ""
}

// isCenterColumn treats both middle columns of an even-width grid as center.
func isCenterColumn(col, cols int) bool {
	return col == cols/2 || col == (cols-1)/2
}

// IsOccupied reports whether any placement sits at pos.
func IsOccupied(pos ir.Position, placements []ir.Placement) bool {
	for _, p := range placements {
		if p.Position == pos {
			return true
		}
	}
	return false
}

// Count returns the number of placements of elementType.
func Count(elementType string, placements []ir.Placement) int {
	n := 0
	for _, p := range placements {
		if p.ElementType == elementType {
			n++
		}
	}
	return n
}

// ValidateRule checks a rule definition itself.
func ValidateRule(r Rule) error {
	if r.Type == "" {
		return fmt.Errorf("rule: type is required")
	}
	if r.MaxCount < 0 {
		return fmt.Errorf("rule %s: maxCount must be non-negative", r.Type)
	}
	switch r.Row {
	case RowAny, RowTop, RowBottom:
	default:
		return fmt.Errorf("rule %s: unknown row restriction %q", r.Type, r.Row)
	}
	switch r.Column {
	case ColumnAny, ColumnCenter, ColumnEdges:
	default:
		return fmt.Errorf("rule %s: unknown column restriction %q", r.Type, r.Column)
	}
	return nil
}
