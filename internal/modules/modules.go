// Package modules holds the reducers for the four state modules owned by the
// dispatch engine: altar, user, collaboration and steering.
//
// Each reducer receives a private copy of its state and returns the next
// state. Rejections are engine validation errors; conditions caused by an
// out-of-date view of the room wrap engine.ErrStateSync so the engine can
// keep the previous state.
package modules

import (
	"fmt"

	"github.com/roach88/ofrenda/internal/catalog"
	"github.com/roach88/ofrenda/internal/engine"
	"github.com/roach88/ofrenda/internal/grid"
	"github.com/roach88/ofrenda/internal/ir"
)

// Options configures the built-in modules. Zero fields fall back to the
// embedded default catalog.
type Options struct {
	Validator  *grid.Validator
	Dimensions ir.Dimensions
	MaxAgents  int
}

// All returns the built-in modules in ir.AllModules order.
func All(opts Options) []engine.Module {
	dims := opts.Dimensions
	v := opts.Validator
	if v == nil || dims.Cells() == 0 {
		def := catalog.MustDefault()
		if v == nil {
			v = def.Validator()
		}
		if dims.Cells() == 0 {
			dims = def.Dimensions
		}
	}
	return []engine.Module{
		Altar(v, dims),
		User(),
		Collaboration(),
		Steering(opts.MaxAgents),
	}
}

// Register adds every built-in module to e.
func Register(e *engine.Engine, opts Options) error {
	for _, m := range All(opts) {
		if err := e.RegisterModule(m); err != nil {
			return fmt.Errorf("register %s: %w", m.Name, err)
		}
	}
	return nil
}
