// Package engine implements the ofrenda action dispatch engine.
//
// The engine is the only path through which module state changes. Each
// dispatched Action is routed by its payload to exactly one module, reduced,
// validated, committed, and announced to subscribers.
//
// ARCHITECTURE:
//
// Single-Writer Dispatch:
// Dispatch enqueues the action on a FIFO queue. Whichever caller finds the
// engine idle becomes the writer and drains the queue; every other caller
// waits for its own job. Reducers therefore never observe a state that
// another action is halfway through changing.
//
// Per-action pipeline:
//  1. queued
//  2. middleware executing (registration order, last added innermost)
//  3. reducer applying on a deep copy of the module state
//  4. committed, or rolled back to the snapshot taken before step 2
//  5. subscribers notified, in registration order, each isolated
//
// A dispatch issued from inside a subscriber callback cannot wait for the
// writer (it is the writer), so it is queued behind the current action and
// returns nil immediately.
//
// Rollback restores only the target module's snapshot. Every action touches
// exactly one module, so there is nothing else to undo.
package engine
