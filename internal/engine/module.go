package engine

import (
	"fmt"

	"github.com/tiendc/go-deepcopy"

	"github.com/roach88/ofrenda/internal/ir"
)

// Module is a named slice of state with its reducer. Build one with
// NewModule so that state, reducer and snapshots agree on a single type.
type Module struct {
	Name ir.ModuleName

	initial  any
	reduce   func(state any, a ir.Action) (any, error)
	validate func(state any) error
	clone    func(state any) (any, error)
}

// Reducer computes the next state of a module. It receives a private deep
// copy of the current state and may modify it freely.
type Reducer[S any] func(state S, a ir.Action) (S, error)

// StateValidator checks a module state after reduction.
type StateValidator[S any] func(state S) error

// NewModule builds a typed module. validate may be nil.
func NewModule[S any](name ir.ModuleName, initial S, reducer Reducer[S], validate StateValidator[S]) Module {
	m := Module{
		Name:    name,
		initial: initial,
		reduce: func(state any, a ir.Action) (any, error) {
			s, ok := state.(S)
			if !ok {
				return nil, fmt.Errorf("module %s: state is %T", name, state)
			}
			return reducer(s, a)
		},
		clone: func(state any) (any, error) {
			s, ok := state.(S)
			if !ok {
				return nil, fmt.Errorf("module %s: state is %T", name, state)
			}
			var dst S
			if err := deepcopy.Copy(&dst, s); err != nil {
				return nil, fmt.Errorf("module %s: snapshot: %w", name, err)
			}
			return dst, nil
		},
	}
	if validate != nil {
		m.validate = func(state any) error {
			s, ok := state.(S)
			if !ok {
				return fmt.Errorf("module %s: state is %T", name, state)
			}
			return validate(s)
		}
	}
	return m
}

// Initial returns the module's initial state.
func (m Module) Initial() any {
	return m.initial
}

func (m Module) valid() error {
	if m.Name == "" {
		return fmt.Errorf("module name is required")
	}
	if m.reduce == nil || m.clone == nil {
		return fmt.Errorf("module %s: build modules with NewModule", m.Name)
	}
	return nil
}

// StateAs returns a module state with its concrete type.
func StateAs[S any](state any, err error) (S, error) {
	var zero S
	if err != nil {
		return zero, err
	}
	s, ok := state.(S)
	if !ok {
		return zero, fmt.Errorf("state is %T, not %T", state, zero)
	}
	return s, nil
}
