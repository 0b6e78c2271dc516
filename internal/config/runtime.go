package config

import (
	"fmt"
	"log/slog"

	"github.com/roach88/ofrenda/internal/catalog"
	"github.com/roach88/ofrenda/internal/engine"
	"github.com/roach88/ofrenda/internal/grid"
	"github.com/roach88/ofrenda/internal/ir"
	"github.com/roach88/ofrenda/internal/modules"
	"github.com/roach88/ofrenda/internal/session"
)

// Runtime is one peer's engine with the built-in modules registered and the
// configured middleware installed.
type Runtime struct {
	Engine     *engine.Engine
	Catalog    *catalog.Catalog
	Validator  *grid.Validator
	Dimensions ir.Dimensions
}

// NewRuntime builds a Runtime. m may be nil. opts are applied after the
// configured ones and may override them.
//
// Middleware order, outermost first: validation, debug, performance, retry.
func (c Config) NewRuntime(logger *slog.Logger, m engine.Metrics, opts ...engine.EngineOption) (*Runtime, error) {
	cat, dims, err := c.Layout()
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	v := c.Validator(cat)

	eopts := []engine.EngineOption{
		engine.WithLogger(logger),
		engine.WithActionLogSize(c.Engine.ActionLogSize),
	}
	if m != nil {
		eopts = append(eopts, engine.WithMetrics(m))
	}
	e := engine.New(append(eopts, opts...)...)

	if c.Engine.Debug {
		e.Use(engine.DebugMiddleware())
	}
	e.Use(engine.PerformanceMiddleware(c.Engine.Performance, m))
	e.Use(engine.RetryMiddleware(c.Engine.Retry, m))

	err = modules.Register(e, modules.Options{
		Validator:  v,
		Dimensions: dims,
		MaxAgents:  c.Steering.MaxAgents,
	})
	if err != nil {
		return nil, err
	}
	return &Runtime{Engine: e, Catalog: cat, Validator: v, Dimensions: dims}, nil
}

// Options returns the session options for these settings.
func (s Session) Options() []session.Option {
	return []session.Option{
		session.WithCursorLimit(s.CursorRate, s.CursorBurst),
		session.WithSnapshotEvery(s.SnapshotEvery),
	}
}
