package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/ofrenda/internal/ir"
)

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("engine closed")

// Dispatch statuses recorded in the action log and reported to Metrics.
const (
	StatusCommitted     = "committed"
	StatusRecovered     = "recovered"
	StatusRolledBack    = "rolled_back"
	StatusUnknownAction = "unknown_action"
	StatusCancelled     = "cancelled"
)

// DefaultActionLogSize is the default number of dispatches kept in the action log.
const DefaultActionLogSize = 256

// Subscriber is notified after an action commits on a module it watches.
// state is a private copy of the committed module state.
type Subscriber func(ctx context.Context, module ir.ModuleName, state any, a ir.Action)

// Metrics receives dispatch measurements. Implemented by internal/metrics.
type Metrics interface {
	ObserveDispatch(module ir.ModuleName, action ir.ActionType, status string, d time.Duration)
	ObserveRetry(action ir.ActionType)
	ObserveSlowDispatch(action ir.ActionType, level string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveDispatch(ir.ModuleName, ir.ActionType, string, time.Duration) {}
func (nopMetrics) ObserveRetry(ir.ActionType)                                          {}
func (nopMetrics) ObserveSlowDispatch(ir.ActionType, string)                           {}

type subscription struct {
	id      int
	modules map[ir.ModuleName]bool
	fn      Subscriber
}

// dispatchingKey marks contexts that run inside an engine's writer.
type dispatchingKey struct{}

// Engine owns all module state and is the only path through which it
// changes.
//
// Thread-safety model:
//   - Dispatch, Subscribe, Use, State, RegisterModule: safe from any goroutine
//   - reducers, middleware and subscribers run on the writer, one action at
//     a time
type Engine struct {
	logger   *slog.Logger
	clock    *Clock
	ids      IDGenerator
	metrics  Metrics
	recovery map[ErrorCode]RecoveryStrategy
	log      *actionLog

	queue   *jobQueue
	writing atomic.Bool

	mu         sync.RWMutex
	modules    map[ir.ModuleName]Module
	states     map[ir.ModuleName]any
	order      []ir.ModuleName
	middleware []Middleware
	handler    Handler
	subs       []subscription
	nextSubID  int
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRecovery installs the recovery strategy for an error code, replacing
// the default one.
func WithRecovery(code ErrorCode, s RecoveryStrategy) EngineOption {
	return func(e *Engine) {
		e.recovery[code] = s
	}
}

// WithMetrics sets the dispatch metrics sink.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithActionLogSize bounds the action log. Zero disables it.
func WithActionLogSize(n int) EngineOption {
	return func(e *Engine) {
		e.log = newActionLog(n)
	}
}

// WithClock sets the clock that stamps the action log.
// Used for replay to resume from a specific sequence number.
func WithClock(c *Clock) EngineOption {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithIDGenerator sets the generator for actions dispatched without an id.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

// New creates an Engine with no modules. ValidationMiddleware is installed
// as the outermost middleware.
func New(opts ...EngineOption) *Engine {
	e := &Engine{
		logger:   slog.Default(),
		clock:    NewClock(),
		ids:      UUIDv7Generator{},
		metrics:  nopMetrics{},
		recovery: DefaultRecovery(),
		log:      newActionLog(DefaultActionLogSize),
		queue:    newJobQueue(),
		modules:  make(map[ir.ModuleName]Module),
		states:   make(map[ir.ModuleName]any),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.middleware = []Middleware{ValidationMiddleware()}
	e.handler = compose(e.middleware, e.apply)
	return e
}

// RegisterModule adds a module with its initial state.
// A duplicate name fails with a registration error and keeps the first.
func (e *Engine) RegisterModule(m Module) error {
	if err := m.valid(); err != nil {
		return &EngineError{Code: ErrCodeRegistration, Message: err.Error(), Module: m.Name}
	}

	initial, err := m.clone(m.initial)
	if err != nil {
		return &EngineError{Code: ErrCodeRegistration, Message: err.Error(), Module: m.Name, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.modules[m.Name]; exists {
		return &EngineError{
			Code:    ErrCodeRegistration,
			Message: fmt.Sprintf("module %q is already registered", m.Name),
			Module:  m.Name,
		}
	}
	e.modules[m.Name] = m
	e.states[m.Name] = initial
	e.order = append(e.order, m.Name)
	return nil
}

// UnregisterModule removes a module, its state and its subscriptions.
// Unregistering an absent module only logs a warning.
func (e *Engine) UnregisterModule(name ir.ModuleName) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.modules[name]; !ok {
		e.logger.Warn("unregister of unknown module", "module", name)
		return
	}
	delete(e.modules, name)
	delete(e.states, name)
	for i, n := range e.order {
		if n == name {
			e.order = append(e.order[:i:i], e.order[i+1:]...)
			break
		}
	}

	kept := e.subs[:0]
	for _, s := range e.subs {
		delete(s.modules, name)
		if len(s.modules) > 0 {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(e.subs); i++ {
		e.subs[i] = subscription{}
	}
	e.subs = kept
}

// Modules returns registered module names in registration order.
func (e *Engine) Modules() []ir.ModuleName {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ir.ModuleName, len(e.order))
	copy(out, e.order)
	return out
}

// State returns a deep copy of a module's current state.
func (e *Engine) State(name ir.ModuleName) (any, error) {
	e.mu.RLock()
	m, ok := e.modules[name]
	st := e.states[name]
	e.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("module %q is not registered", name)
	}
	return m.clone(st)
}

// Use appends a middleware. Middleware runs in registration order; the last
// one added sits closest to the reducer.
func (e *Engine) Use(m Middleware) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.middleware = append(e.middleware, m)
	e.handler = compose(e.middleware, e.apply)
}

// Subscribe registers cb for commits on the named modules and returns a
// function that removes the subscription.
func (e *Engine) Subscribe(modules []ir.ModuleName, cb Subscriber) (unsubscribe func()) {
	set := make(map[ir.ModuleName]bool, len(modules))
	for _, m := range modules {
		set[m] = true
	}

	e.mu.Lock()
	e.nextSubID++
	id := e.nextSubID
	e.subs = append(e.subs, subscription{id: id, modules: set, fn: cb})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, s := range e.subs {
				if s.id == id {
					e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Log returns the retained action records, oldest first.
func (e *Engine) Log() []ActionRecord {
	return e.log.records()
}

// Clock returns the engine's logical clock.
func (e *Engine) Clock() *Clock {
	return e.clock
}

// Close rejects further dispatches. Queued actions still run.
func (e *Engine) Close() {
	e.queue.Close()
}

// Dispatch applies an action to the module that owns its type.
//
// Actions are serialized: if another dispatch is running, this one is queued
// and the call waits for it. When called from inside a subscriber callback
// the action is queued behind the current one and Dispatch returns nil
// without waiting; its failure is only logged.
//
// An action without an id gets one from the engine's generator. An action
// without a source is treated as local.
func (e *Engine) Dispatch(ctx context.Context, a ir.Action) error {
	if a.ID == "" {
		a.ID = e.ids.Generate()
	}
	if a.Source == "" {
		a.Source = ir.SourceLocal
	}

	if e.inWriter(ctx) {
		if !e.queue.Enqueue(job{ctx: ctx, action: a}) {
			return ErrClosed
		}
		e.logger.Debug("dispatch deferred", "action", a.Type, "id", a.ID)
		return nil
	}

	j := job{ctx: ctx, action: a, done: make(chan error, 1)}
	if !e.queue.Enqueue(j) {
		return ErrClosed
	}
	e.drain()
	return <-j.done
}

func (e *Engine) inWriter(ctx context.Context) bool {
	owner, _ := ctx.Value(dispatchingKey{}).(*Engine)
	return owner == e
}

// drain processes queued jobs while this caller holds the writer role.
// The length check after releasing the role picks up jobs enqueued by
// callers that lost the race for it.
func (e *Engine) drain() {
	for e.queue.Len() > 0 && e.writing.CompareAndSwap(false, true) {
		for {
			j, ok := e.queue.TryDequeue()
			if !ok {
				break
			}
			err := e.process(j)
			if j.done != nil {
				j.done <- err
			} else if err != nil {
				e.logger.Error("deferred dispatch failed", "action", j.action.Type, "id", j.action.ID, "error", err)
			}
		}
		e.writing.Store(false)
	}
}

// process runs one action through the pipeline. Runs on the writer only.
func (e *Engine) process(j job) error {
	a := j.action
	start := time.Now()

	if err := j.ctx.Err(); err != nil {
		e.finish(a, "", StatusCancelled, start, err)
		return err
	}
	ctx := context.WithValue(j.ctx, dispatchingKey{}, e)

	name, err := a.Module()
	if err != nil {
		ee := newError(ErrCodeUnknownAction, a, "", err)
		e.finish(a, "", StatusUnknownAction, start, ee)
		return ee
	}

	e.mu.RLock()
	mod, ok := e.modules[name]
	live := e.states[name]
	handler := e.handler
	e.mu.RUnlock()

	if !ok {
		ee := newError(ErrCodeUnknownAction, a, name, fmt.Errorf("no module registered for %s", a.Type))
		e.finish(a, name, StatusUnknownAction, start, ee)
		return ee
	}

	snapshot, err := mod.clone(live)
	if err != nil {
		ee := newError(ErrCodeStateSync, a, name, err)
		e.finish(a, name, StatusRolledBack, start, ee)
		return ee
	}

	c := &Call{Action: a, Module: name, Before: snapshot, Logger: e.logger, mod: mod}
	status := StatusCommitted

	if err := handler(ctx, c); err != nil {
		ee := asEngineError(err, a, name)
		if c.Attempts > 1 {
			ee.Retries = c.Attempts - 1
		}

		recovered := false
		if strategy, ok := e.recovery[ee.Code]; ok && strategy != nil {
			if st, ok := strategy(ctx, ee, snapshot); ok {
				c.After, recovered = st, true
				status = StatusRecovered
				e.logger.Warn("dispatch recovered",
					"action", a.Type,
					"id", a.ID,
					"module", name,
					"code", ee.Code,
					"error", ee.Message,
				)
			}
		}

		if !recovered {
			e.commit(name, snapshot)
			e.finish(a, name, StatusRolledBack, start, ee)
			return ee
		}
	}

	e.commit(name, c.After)
	e.finish(a, name, status, start, nil)
	e.notify(ctx, mod, c.After, a)
	return nil
}

// apply is the terminal handler: reduce a private copy of Before, validate
// the result, and leave it in After.
func (e *Engine) apply(_ context.Context, c *Call) (err error) {
	c.Attempts++
	working, err := c.mod.clone(c.Before)
	if err != nil {
		return newError(ErrCodeStateSync, c.Action, c.Module, err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = newError(ErrCodeActionFailed, c.Action, c.Module, fmt.Errorf("reducer panic: %v", r))
		}
	}()

	next, err := c.mod.reduce(working, c.Action)
	if err != nil {
		return asEngineError(err, c.Action, c.Module)
	}
	if c.mod.validate != nil {
		if verr := c.mod.validate(next); verr != nil {
			return newError(ErrCodeValidation, c.Action, c.Module, verr)
		}
	}
	c.After = next
	return nil
}

func (e *Engine) commit(name ir.ModuleName, state any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.modules[name]; ok {
		e.states[name] = state
	}
}

func (e *Engine) finish(a ir.Action, module ir.ModuleName, status string, start time.Time, err error) {
	d := time.Since(start)
	e.metrics.ObserveDispatch(module, a.Type, status, d)

	rec := ActionRecord{
		Seq:      e.clock.Next(),
		ID:       a.ID,
		Type:     a.Type,
		Module:   module,
		Source:   a.Source,
		Status:   status,
		Duration: d,
	}
	if err != nil {
		rec.Err = err.Error()
		e.logger.Warn("dispatch failed",
			"action", a.Type,
			"id", a.ID,
			"module", module,
			"status", status,
			"error", err,
		)
	} else {
		e.logger.Debug("dispatch committed",
			"action", a.Type,
			"id", a.ID,
			"module", module,
			"status", status,
			"duration", d,
		)
	}
	e.log.add(rec)
}

// notify calls the subscribers of module in registration order. A panic in
// one subscriber is logged and does not reach the others.
func (e *Engine) notify(ctx context.Context, mod Module, state any, a ir.Action) {
	e.mu.RLock()
	var fns []Subscriber
	for _, s := range e.subs {
		if s.modules[mod.Name] {
			fns = append(fns, s.fn)
		}
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		view, err := mod.clone(state)
		if err != nil {
			e.logger.Error("subscriber snapshot failed", "module", mod.Name, "error", err)
			continue
		}
		e.callSubscriber(ctx, fn, mod.Name, view, a)
	}
}

func (e *Engine) callSubscriber(ctx context.Context, fn Subscriber, module ir.ModuleName, state any, a ir.Action) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("subscriber panicked",
				"module", module,
				"action", a.Type,
				"id", a.ID,
				"panic", r,
			)
		}
	}()
	fn(ctx, module, state, a)
}
