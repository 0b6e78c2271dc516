package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ofrenda/internal/ir"
)

// shelf is a small module state keyed to the altar actions.
type shelf struct {
	Items []string        `json:"items"`
	Seen  map[string]bool `json:"seen"`
}

func newShelf() shelf {
	return shelf{Items: []string{}, Seen: map[string]bool{}}
}

func shelfReducer(s shelf, a ir.Action) (shelf, error) {
	switch p := a.Payload.(type) {
	case ir.PlaceElement:
		s.Items = append(s.Items, p.ElementID)
		s.Seen[p.ElementID] = true
	case ir.RemoveElement:
		for i, id := range s.Items {
			if id == p.ElementID {
				s.Items = append(s.Items[:i], s.Items[i+1:]...)
				break
			}
		}
		delete(s.Seen, p.ElementID)
	case ir.ClearAltar:
		s.Items = []string{}
		s.Seen = map[string]bool{}
	}
	return s, nil
}

func shelfModule() Module {
	return NewModule(ir.ModuleAltar, newShelf(), shelfReducer, nil)
}

func place(id string) ir.Action {
	return ir.NewAction("act-"+id, ir.PlaceElement{
		ElementID:   id,
		ElementType: "vela",
		Position:    &ir.Position{Row: 0, Col: 0},
	}, ir.SourceLocal, "peer1", 1000)
}

func shelfState(t *testing.T, e *Engine) shelf {
	t.Helper()
	s, err := StateAs[shelf](e.State(ir.ModuleAltar))
	require.NoError(t, err)
	return s
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	opts = append([]EngineOption{WithLogger(quietLogger())}, opts...)
	e := New(opts...)
	require.NoError(t, e.RegisterModule(shelfModule()))
	return e
}

type fakeMetrics struct {
	mu       sync.Mutex
	statuses []string
	retries  int
	slow     []string
}

func (m *fakeMetrics) ObserveDispatch(_ ir.ModuleName, _ ir.ActionType, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
}

func (m *fakeMetrics) ObserveRetry(ir.ActionType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *fakeMetrics) ObserveSlowDispatch(_ ir.ActionType, level string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slow = append(m.slow, level)
}

func TestDispatch_Commits(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.Dispatch(context.Background(), place("vela-1")))
	require.NoError(t, e.Dispatch(context.Background(), place("vela-2")))

	s := shelfState(t, e)
	assert.Equal(t, []string{"vela-1", "vela-2"}, s.Items)
	assert.True(t, s.Seen["vela-2"])
}

func TestDispatch_MissingPositionFailsValidation(t *testing.T) {
	var reduced atomic.Int32
	e := New(WithLogger(quietLogger()))
	require.NoError(t, e.RegisterModule(NewModule(ir.ModuleAltar, newShelf(),
		func(s shelf, a ir.Action) (shelf, error) {
			reduced.Add(1)
			return shelfReducer(s, a)
		}, nil)))

	a := ir.NewAction("act-1", ir.PlaceElement{ElementID: "vela-1", ElementType: "vela"}, ir.SourceLocal, "peer1", 1000)
	err := e.Dispatch(context.Background(), a)

	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "position")
	assert.Equal(t, int32(0), reduced.Load(), "reducer must not run")
	assert.Empty(t, shelfState(t, e).Items)
}

func TestRegisterModule_DuplicateKeepsFirst(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Dispatch(context.Background(), place("vela-1")))

	err := e.RegisterModule(NewModule(ir.ModuleAltar, shelf{Items: []string{"other"}}, shelfReducer, nil))

	require.Error(t, err)
	assert.True(t, IsRegistrationError(err))
	assert.Equal(t, []ir.ModuleName{ir.ModuleAltar}, e.Modules())
	assert.Equal(t, []string{"vela-1"}, shelfState(t, e).Items, "first registration and its state are kept")
}

func TestRegisterModule_RequiresNewModule(t *testing.T) {
	e := New(WithLogger(quietLogger()))

	err := e.RegisterModule(Module{Name: "bare"})
	assert.True(t, IsRegistrationError(err))

	err = e.RegisterModule(Module{})
	assert.True(t, IsRegistrationError(err))
}

func TestDispatch_UnknownAction(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		name   string
		action ir.Action
	}{
		{
			name: "module not registered",
			action: ir.NewAction("act-1", ir.UpdateSettings{Theme: ptr("dark")},
				ir.SourceLocal, "peer1", 1000),
		},
		{
			name:   "type not routable",
			action: ir.Action{ID: "act-2", Type: "teleport", Source: ir.SourceLocal},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Dispatch(context.Background(), tt.action)
			require.Error(t, err)
			assert.True(t, IsUnknownAction(err), "got %v", err)
		})
	}
}

func TestDispatch_RollbackOnReducerError(t *testing.T) {
	e := New(WithLogger(quietLogger()))
	require.NoError(t, e.RegisterModule(NewModule(ir.ModuleAltar, newShelf(),
		func(s shelf, a ir.Action) (shelf, error) {
			s, _ = shelfReducer(s, a)
			if p, ok := a.Payload.(ir.PlaceElement); ok && p.ElementID == "bad" {
				return s, errors.New("boom")
			}
			return s, nil
		}, nil)))

	require.NoError(t, e.Dispatch(context.Background(), place("vela-1")))
	err := e.Dispatch(context.Background(), place("bad"))

	require.Error(t, err)
	var ee *EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ErrCodeActionFailed, ee.Code)
	assert.True(t, ee.Recoverable)
	assert.Equal(t, "act-bad", ee.ActionID)
	assert.Equal(t, ir.ActionPlaceElement, ee.ActionType)
	assert.Equal(t, ir.ModuleAltar, ee.Module)
	assert.NotNil(t, ee.Payload)

	s := shelfState(t, e)
	assert.Equal(t, []string{"vela-1"}, s.Items)
	assert.False(t, s.Seen["bad"], "map mutations of the failed reducer are discarded")

	log := e.Log()
	require.Len(t, log, 2)
	assert.Equal(t, StatusCommitted, log[0].Status)
	assert.Equal(t, StatusRolledBack, log[1].Status)
	assert.Contains(t, log[1].Err, "boom")
}

func TestDispatch_ReducerPanic(t *testing.T) {
	e := New(WithLogger(quietLogger()))
	require.NoError(t, e.RegisterModule(NewModule(ir.ModuleAltar, newShelf(),
		func(s shelf, a ir.Action) (shelf, error) {
			panic("reducer exploded")
		}, nil)))

	err := e.Dispatch(context.Background(), place("vela-1"))

	assert.Equal(t, ErrCodeActionFailed, CodeOf(err))
	assert.Contains(t, err.Error(), "reducer exploded")
}

func TestDispatch_StateValidatorRejects(t *testing.T) {
	e := New(WithLogger(quietLogger()))
	require.NoError(t, e.RegisterModule(NewModule(ir.ModuleAltar, newShelf(), shelfReducer,
		func(s shelf) error {
			if len(s.Items) > 1 {
				return fmt.Errorf("shelf holds one item")
			}
			return nil
		})))

	require.NoError(t, e.Dispatch(context.Background(), place("vela-1")))
	err := e.Dispatch(context.Background(), place("vela-2"))

	assert.True(t, IsValidationError(err))
	assert.Equal(t, []string{"vela-1"}, shelfState(t, e).Items)
}

func TestDispatch_StateSyncRecoversWithSnapshot(t *testing.T) {
	m := &fakeMetrics{}
	e := New(WithLogger(quietLogger()), WithMetrics(m))
	require.NoError(t, e.RegisterModule(NewModule(ir.ModuleAltar, newShelf(),
		func(s shelf, a ir.Action) (shelf, error) {
			s, _ = shelfReducer(s, a)
			return s, fmt.Errorf("stale peer list: %w", ErrStateSync)
		}, nil)))

	var notified atomic.Int32
	e.Subscribe([]ir.ModuleName{ir.ModuleAltar}, func(context.Context, ir.ModuleName, any, ir.Action) {
		notified.Add(1)
	})

	err := e.Dispatch(context.Background(), place("vela-1"))

	require.NoError(t, err)
	assert.Empty(t, shelfState(t, e).Items, "pre-action state is kept")
	assert.Equal(t, int32(1), notified.Load())
	assert.Equal(t, []string{StatusRecovered}, m.statuses)
}

func TestDispatch_CustomRecovery(t *testing.T) {
	e := New(
		WithLogger(quietLogger()),
		WithRecovery(ErrCodeActionFailed, func(_ context.Context, err *EngineError, snapshot any) (any, bool) {
			s := snapshot.(shelf)
			s.Items = append(s.Items, "recovered:"+err.ActionID)
			return s, true
		}),
	)
	require.NoError(t, e.RegisterModule(NewModule(ir.ModuleAltar, newShelf(),
		func(s shelf, a ir.Action) (shelf, error) {
			return s, errors.New("boom")
		}, nil)))

	require.NoError(t, e.Dispatch(context.Background(), place("vela-1")))
	assert.Equal(t, []string{"recovered:act-vela-1"}, shelfState(t, e).Items)
}

func TestDispatch_SingleWriter(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	e := New(WithLogger(quietLogger()))
	require.NoError(t, e.RegisterModule(NewModule(ir.ModuleAltar, newShelf(),
		func(s shelf, a ir.Action) (shelf, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				cur := maxInFlight.Load()
				if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
					break
				}
			}
			// A reducer that sees half of another action's effect would find
			// the item count and the seen set out of step.
			if len(s.Items) != len(s.Seen) {
				return s, fmt.Errorf("torn state: %d items, %d seen", len(s.Items), len(s.Seen))
			}
			time.Sleep(100 * time.Microsecond)
			return shelfReducer(s, a)
		}, nil)))

	const goroutines = 50
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- e.Dispatch(context.Background(), place(fmt.Sprintf("vela-%d", i)))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), maxInFlight.Load(), "reducers never overlap")
	assert.Len(t, shelfState(t, e).Items, goroutines)
}

func TestDispatch_BackToBackWithoutWaiting(t *testing.T) {
	e := newTestEngine(t)

	done := make(chan error, 2)
	go func() { done <- e.Dispatch(context.Background(), place("vela-1")) }()
	go func() { done <- e.Dispatch(context.Background(), place("vela-2")) }()
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	s := shelfState(t, e)
	assert.ElementsMatch(t, []string{"vela-1", "vela-2"}, s.Items)
	assert.Len(t, s.Seen, 2)
}

func TestSubscribe_OrderAndUnsubscribe(t *testing.T) {
	e := newTestEngine(t)

	var calls []string
	unsubA := e.Subscribe([]ir.ModuleName{ir.ModuleAltar}, func(_ context.Context, _ ir.ModuleName, _ any, a ir.Action) {
		calls = append(calls, "A:"+a.ID)
	})
	e.Subscribe([]ir.ModuleName{ir.ModuleAltar}, func(_ context.Context, _ ir.ModuleName, _ any, a ir.Action) {
		calls = append(calls, "B:"+a.ID)
	})
	e.Subscribe([]ir.ModuleName{ir.ModuleUser}, func(context.Context, ir.ModuleName, any, ir.Action) {
		calls = append(calls, "user")
	})

	require.NoError(t, e.Dispatch(context.Background(), place("vela-1")))
	unsubA()
	unsubA()
	require.NoError(t, e.Dispatch(context.Background(), place("vela-2")))

	assert.Equal(t, []string{"A:act-vela-1", "B:act-vela-1", "B:act-vela-2"}, calls)
}

func TestSubscribe_ReceivesCopyOfCommittedState(t *testing.T) {
	e := newTestEngine(t)

	e.Subscribe([]ir.ModuleName{ir.ModuleAltar}, func(_ context.Context, _ ir.ModuleName, state any, _ ir.Action) {
		s := state.(shelf)
		assert.Equal(t, []string{"vela-1"}, s.Items)
		s.Seen["tampered"] = true
	})

	require.NoError(t, e.Dispatch(context.Background(), place("vela-1")))
	assert.False(t, shelfState(t, e).Seen["tampered"])
}

func TestSubscribe_PanicIsolated(t *testing.T) {
	var buf bytes.Buffer
	e := New(WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	require.NoError(t, e.RegisterModule(shelfModule()))

	var second atomic.Bool
	e.Subscribe([]ir.ModuleName{ir.ModuleAltar}, func(context.Context, ir.ModuleName, any, ir.Action) {
		panic("subscriber bug")
	})
	e.Subscribe([]ir.ModuleName{ir.ModuleAltar}, func(context.Context, ir.ModuleName, any, ir.Action) {
		second.Store(true)
	})

	err := e.Dispatch(context.Background(), place("vela-1"))

	require.NoError(t, err)
	assert.True(t, second.Load(), "later subscribers still run")
	assert.Equal(t, []string{"vela-1"}, shelfState(t, e).Items, "commit stands")
	assert.Contains(t, buf.String(), "subscriber panicked")
}

func TestSubscribe_SnapshotFailureIsIsolated(t *testing.T) {
	var buf bytes.Buffer
	e := New(WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	var failNext atomic.Bool
	m := shelfModule()
	clone := m.clone
	m.clone = func(state any) (any, error) {
		if failNext.CompareAndSwap(true, false) {
			return nil, errors.New("copy failed")
		}
		return clone(state)
	}
	require.NoError(t, e.RegisterModule(m))

	var calls []string
	e.Subscribe([]ir.ModuleName{ir.ModuleAltar}, func(context.Context, ir.ModuleName, any, ir.Action) {
		calls = append(calls, "first")
		failNext.Store(true)
	})
	e.Subscribe([]ir.ModuleName{ir.ModuleAltar}, func(context.Context, ir.ModuleName, any, ir.Action) {
		calls = append(calls, "second")
	})
	e.Subscribe([]ir.ModuleName{ir.ModuleAltar}, func(context.Context, ir.ModuleName, any, ir.Action) {
		calls = append(calls, "third")
	})

	require.NoError(t, e.Dispatch(context.Background(), place("vela-1")))

	assert.Equal(t, []string{"first", "third"}, calls, "a failed copy skips only its own subscriber")
	assert.Contains(t, buf.String(), "subscriber snapshot failed")
}

func TestDispatch_FromSubscriberIsDeferred(t *testing.T) {
	e := newTestEngine(t)

	var order []string
	var nested error
	e.Subscribe([]ir.ModuleName{ir.ModuleAltar}, func(ctx context.Context, _ ir.ModuleName, state any, a ir.Action) {
		order = append(order, "notify:"+a.ID)
		if a.ID == "act-vela-1" {
			nested = e.Dispatch(ctx, place("vela-2"))
			// The nested action has not run yet.
			assert.Equal(t, []string{"vela-1"}, state.(shelf).Items)
			order = append(order, "nested returned")
		}
	})

	require.NoError(t, e.Dispatch(context.Background(), place("vela-1")))

	require.NoError(t, nested)
	assert.Equal(t, []string{"notify:act-vela-1", "nested returned", "notify:act-vela-2"}, order)
	assert.Equal(t, []string{"vela-1", "vela-2"}, shelfState(t, e).Items)
}

func TestUnregisterModule(t *testing.T) {
	var buf bytes.Buffer
	e := New(WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	require.NoError(t, e.RegisterModule(shelfModule()))

	var calls atomic.Int32
	e.Subscribe([]ir.ModuleName{ir.ModuleAltar}, func(context.Context, ir.ModuleName, any, ir.Action) {
		calls.Add(1)
	})

	e.UnregisterModule(ir.ModuleUser)
	assert.Contains(t, buf.String(), "unregister of unknown module")

	e.UnregisterModule(ir.ModuleAltar)
	assert.Empty(t, e.Modules())
	_, err := e.State(ir.ModuleAltar)
	assert.Error(t, err)

	// Re-registering starts clean: the old subscription is gone.
	require.NoError(t, e.RegisterModule(shelfModule()))
	require.NoError(t, e.Dispatch(context.Background(), place("vela-1")))
	assert.Equal(t, int32(0), calls.Load())
}

func TestState_ReturnsCopy(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Dispatch(context.Background(), place("vela-1")))

	s := shelfState(t, e)
	s.Items[0] = "changed"
	s.Seen["x"] = true

	again := shelfState(t, e)
	assert.Equal(t, []string{"vela-1"}, again.Items)
	assert.False(t, again.Seen["x"])
}

func TestUse_MiddlewareOrder(t *testing.T) {
	var trace []string
	tracer := func(name string) Middleware {
		return Middleware{
			Name: name,
			Execute: func(ctx context.Context, c *Call, next Handler) error {
				trace = append(trace, name+">")
				err := next(ctx, c)
				trace = append(trace, "<"+name)
				return err
			},
		}
	}

	e := New(WithLogger(quietLogger()))
	require.NoError(t, e.RegisterModule(NewModule(ir.ModuleAltar, newShelf(),
		func(s shelf, a ir.Action) (shelf, error) {
			trace = append(trace, "reduce")
			return shelfReducer(s, a)
		}, nil)))
	e.Use(tracer("outer"))
	e.Use(tracer("inner"))

	require.NoError(t, e.Dispatch(context.Background(), place("vela-1")))
	assert.Equal(t, []string{"outer>", "inner>", "reduce", "<inner", "<outer"}, trace)
}

func TestMiddleware_CannotSkipValidation(t *testing.T) {
	e := newTestEngine(t)
	var reached bool
	e.Use(Middleware{Name: "probe", Execute: func(ctx context.Context, c *Call, next Handler) error {
		reached = true
		return next(ctx, c)
	}})

	a := ir.NewAction("act-1", ir.RemoveElement{ElementID: "vela-1"}, ir.SourceLocal, "peer1", 1000)
	assert.True(t, IsValidationError(e.Dispatch(context.Background(), a)))
	assert.False(t, reached, "validation runs outermost")
}

func TestRetryMiddleware_RetriesThenSucceeds(t *testing.T) {
	m := &fakeMetrics{}
	var failures atomic.Int32
	failures.Store(2)

	e := New(WithLogger(quietLogger()))
	require.NoError(t, e.RegisterModule(NewModule(ir.ModuleAltar, newShelf(),
		func(s shelf, a ir.Action) (shelf, error) {
			if failures.Add(-1) >= 0 {
				s.Items = append(s.Items, "partial")
				return s, errors.New("transient")
			}
			return shelfReducer(s, a)
		}, nil)))
	e.Use(RetryMiddleware(RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}, m))

	require.NoError(t, e.Dispatch(context.Background(), place("vela-1")))
	assert.Equal(t, []string{"vela-1"}, shelfState(t, e).Items, "each attempt starts from the snapshot")
	assert.Equal(t, 2, m.retries)
}

func TestRetryMiddleware_Exhausted(t *testing.T) {
	var attempts atomic.Int32
	e := New(WithLogger(quietLogger()))
	require.NoError(t, e.RegisterModule(NewModule(ir.ModuleAltar, newShelf(),
		func(s shelf, a ir.Action) (shelf, error) {
			attempts.Add(1)
			return s, errors.New("still broken")
		}, nil)))
	e.Use(RetryMiddleware(RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}, nil))

	err := e.Dispatch(context.Background(), place("vela-1"))

	var ee *EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ErrCodeActionFailed, ee.Code)
	assert.Equal(t, 2, ee.Retries)
	assert.Contains(t, ee.Error(), "retries=2")
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRetryMiddleware_ValidationNotRetried(t *testing.T) {
	var attempts atomic.Int32
	e := New(WithLogger(quietLogger()))
	require.NoError(t, e.RegisterModule(NewModule(ir.ModuleAltar, newShelf(), shelfReducer,
		func(s shelf) error {
			attempts.Add(1)
			return errors.New("never valid")
		})))
	e.Use(RetryMiddleware(RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond}, nil))

	err := e.Dispatch(context.Background(), place("vela-1"))

	assert.True(t, IsValidationError(err))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestPerformanceMiddleware_ReportsSlowDispatch(t *testing.T) {
	m := &fakeMetrics{}
	e := newTestEngine(t)
	e.Use(PerformanceMiddleware(PerformanceThresholds{Warn: time.Nanosecond}, m))

	require.NoError(t, e.Dispatch(context.Background(), place("vela-1")))
	assert.Equal(t, []string{"warn"}, m.slow)
}

func TestDebugMiddleware_LogsChangedFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e := New(WithLogger(logger))
	require.NoError(t, e.RegisterModule(shelfModule()))
	e.Use(DebugMiddleware())

	require.NoError(t, e.Dispatch(context.Background(), place("vela-1")))

	assert.Contains(t, buf.String(), "state changed")
	assert.Contains(t, buf.String(), "fields=\"[items seen]\"")
}

func TestStateDiff(t *testing.T) {
	before := shelf{Items: []string{"a"}, Seen: map[string]bool{"a": true}}
	after := shelf{Items: []string{"a", "b"}, Seen: map[string]bool{"a": true}}

	changed, err := StateDiff(before, after)
	require.NoError(t, err)
	assert.Equal(t, []string{"items"}, changed)

	changed, err = StateDiff(before, before)
	require.NoError(t, err)
	assert.Empty(t, changed)

	_, err = StateDiff(before, 42)
	assert.Error(t, err)
}

func TestActionLog_Bounded(t *testing.T) {
	e := newTestEngine(t, WithActionLogSize(2))

	for _, id := range []string{"vela-1", "vela-2", "vela-3"} {
		require.NoError(t, e.Dispatch(context.Background(), place(id)))
	}

	log := e.Log()
	require.Len(t, log, 2)
	assert.Equal(t, "act-vela-2", log[0].ID)
	assert.Equal(t, "act-vela-3", log[1].ID)
	assert.Less(t, log[0].Seq, log[1].Seq)
	assert.Equal(t, ir.ModuleAltar, log[1].Module)
}

func TestActionLog_Disabled(t *testing.T) {
	e := newTestEngine(t, WithActionLogSize(0))
	require.NoError(t, e.Dispatch(context.Background(), place("vela-1")))
	assert.Empty(t, e.Log())
}

func TestDispatch_CancelledContext(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Dispatch(ctx, place("vela-1"))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, shelfState(t, e).Items)
	assert.Equal(t, StatusCancelled, e.Log()[0].Status)
}

func TestDispatch_AfterClose(t *testing.T) {
	e := newTestEngine(t)
	e.Close()
	assert.ErrorIs(t, e.Dispatch(context.Background(), place("vela-1")), ErrClosed)
}

func TestDispatch_DefaultsSource(t *testing.T) {
	e := newTestEngine(t)
	a := place("vela-1")
	a.Source = ""

	require.NoError(t, e.Dispatch(context.Background(), a))
	assert.Equal(t, ir.SourceLocal, e.Log()[0].Source)
}

func TestDispatch_Metrics(t *testing.T) {
	m := &fakeMetrics{}
	e := newTestEngine(t, WithMetrics(m))

	require.NoError(t, e.Dispatch(context.Background(), place("vela-1")))
	_ = e.Dispatch(context.Background(), ir.Action{ID: "x", Type: "teleport", Source: ir.SourceLocal})

	assert.Equal(t, []string{StatusCommitted, StatusUnknownAction}, m.statuses)
}

func ptr[T any](v T) *T {
	return &v
}
