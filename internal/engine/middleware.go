package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/roach88/ofrenda/internal/ir"
)

// Call carries one action through the middleware chain.
type Call struct {
	Action ir.Action
	Module ir.ModuleName

	// Before is the module state when the action was dequeued. Middleware
	// must treat it as read-only.
	Before any

	// After is the reduced state, set by the terminal handler on success.
	After any

	// Attempts counts terminal handler executions.
	Attempts int

	Logger *slog.Logger

	mod Module
}

// Handler is one step of the dispatch chain.
type Handler func(ctx context.Context, c *Call) error

// Middleware wraps every dispatch.
type Middleware struct {
	Name    string
	Execute func(ctx context.Context, c *Call, next Handler) error
}

// compose wraps terminal in mws so that mws[0] runs outermost.
func compose(mws []Middleware, terminal Handler) Handler {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		m, inner := mws[i], h
		h = func(ctx context.Context, c *Call) error {
			return m.Execute(ctx, c, inner)
		}
	}
	return h
}

// ValidationMiddleware rejects actions whose envelope or payload is
// structurally invalid before they reach a reducer.
func ValidationMiddleware() Middleware {
	return Middleware{
		Name: "validation",
		Execute: func(ctx context.Context, c *Call, next Handler) error {
			verrs := c.Action.Validate()
			if len(verrs) == 0 {
				return next(ctx, c)
			}
			errs := make([]error, len(verrs))
			for i, v := range verrs {
				errs[i] = v
			}
			return newError(ErrCodeValidation, c.Action, c.Module, errors.Join(errs...))
		},
	}
}

// RetryMiddleware retries the rest of the chain with exponential backoff.
// Validation errors and context cancellation are not retried.
func RetryMiddleware(p RetryPolicy, m Metrics) Middleware {
	if m == nil {
		m = nopMetrics{}
	}
	return Middleware{
		Name: "retry",
		Execute: func(ctx context.Context, c *Call, next Handler) error {
			return p.Do(ctx, func() error {
				return next(ctx, c)
			}, func(err error, wait time.Duration) {
				m.ObserveRetry(c.Action.Type)
				c.Logger.Warn("retrying action",
					"action", c.Action.Type,
					"id", c.Action.ID,
					"attempt", c.Attempts,
					"wait", wait,
					"error", err,
				)
			})
		},
	}
}

// PerformanceThresholds configures PerformanceMiddleware. Zero disables a
// threshold.
type PerformanceThresholds struct {
	Warn      time.Duration `yaml:"warn"`
	Error     time.Duration `yaml:"error"`
	HeapDelta uint64        `yaml:"heap_delta"`
}

// DefaultPerformanceThresholds flags dispatches slower than one and five
// frames at 60Hz.
var DefaultPerformanceThresholds = PerformanceThresholds{
	Warn:      16 * time.Millisecond,
	Error:     80 * time.Millisecond,
	HeapDelta: 1 << 20,
}

// PerformanceMiddleware measures execution time and heap growth of the rest
// of the chain and logs dispatches above the thresholds.
func PerformanceMiddleware(th PerformanceThresholds, m Metrics) Middleware {
	if m == nil {
		m = nopMetrics{}
	}
	return Middleware{
		Name: "performance",
		Execute: func(ctx context.Context, c *Call, next Handler) error {
			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)
			start := time.Now()

			err := next(ctx, c)

			d := time.Since(start)
			runtime.ReadMemStats(&after)
			var heap uint64
			if after.HeapAlloc > before.HeapAlloc {
				heap = after.HeapAlloc - before.HeapAlloc
			}

			attrs := []any{
				"action", c.Action.Type,
				"id", c.Action.ID,
				"duration", d,
				"heap_delta", heap,
			}
			switch {
			case th.Error > 0 && d >= th.Error:
				m.ObserveSlowDispatch(c.Action.Type, "error")
				c.Logger.Error("slow dispatch", attrs...)
			case th.Warn > 0 && d >= th.Warn:
				m.ObserveSlowDispatch(c.Action.Type, "warn")
				c.Logger.Warn("slow dispatch", attrs...)
			case th.HeapDelta > 0 && heap >= th.HeapDelta:
				m.ObserveSlowDispatch(c.Action.Type, "warn")
				c.Logger.Warn("dispatch grew heap", attrs...)
			}
			return err
		},
	}
}

// DebugMiddleware logs the top-level fields of the module state that the
// action changed. It does nothing unless the logger has debug enabled.
func DebugMiddleware() Middleware {
	return Middleware{
		Name: "debug",
		Execute: func(ctx context.Context, c *Call, next Handler) error {
			if !c.Logger.Enabled(ctx, slog.LevelDebug) {
				return next(ctx, c)
			}
			err := next(ctx, c)
			if err != nil {
				c.Logger.Debug("action failed", "action", c.Action.Type, "id", c.Action.ID, "error", err)
				return err
			}
			changed, derr := StateDiff(c.Before, c.After)
			if derr != nil {
				c.Logger.Debug("state diff unavailable", "action", c.Action.Type, "error", derr)
				return nil
			}
			c.Logger.Debug("state changed",
				"action", c.Action.Type,
				"id", c.Action.ID,
				"module", c.Module,
				"fields", changed,
			)
			return nil
		},
	}
}

// StateDiff returns the sorted JSON names of top-level fields that differ
// between two states.
func StateDiff(before, after any) ([]string, error) {
	b, err := topLevel(before)
	if err != nil {
		return nil, err
	}
	a, err := topLevel(after)
	if err != nil {
		return nil, err
	}

	var changed []string
	for k, av := range a {
		if bv, ok := b[k]; !ok || !bytes.Equal(av, bv) {
			changed = append(changed, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func topLevel(v any) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("state is not an object: %w", err)
	}
	return fields, nil
}
