// Package harness runs multi-peer editing scenarios against real sessions.
//
// A scenario starts a set of peers on one in-memory hub, drives their edits
// step by step, controls exactly when each peer sees the others' messages,
// and then checks the final altars.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: tie_relocation
//	description: "Two peers place on the same cell at the same instant"
//	peers: [peer1, peer2]
//	start: 1000                 # wall clock in Unix ms, default 1000
//	config: ofrenda.yaml        # optional, relative to the scenario file
//	steps:
//	  - peer: peer1
//	    place: { type: vela, row: 1, col: 2, as: a }
//	  - peer: peer2
//	    place: { type: vela, row: 1, col: 2, as: b }
//	  - settle: true
//	assertions:
//	  - type: converged
//	  - type: element_at
//	    element: a
//	    at: { row: 0, col: 1 }
//
// Steps either act for one peer (join, leave, place, remove, move, cursor),
// move messages (deliver to named peers, or settle until nothing is in
// flight), or advance the clock. A step may state the outcome it expects:
// ok (the default), rejected, or throttled.
//
// # Assertion Types
//
//   - converged: every peer (or the listed peers) holds the same altar
//   - element_at: an element sits on a cell
//   - cell_empty: nothing sits on a cell
//   - element_count: the number of elements on the altar
//   - outcome: the trace records an outcome for an element on a peer
//   - journal_count: the journal holds n operations with an outcome
//
// Peer and element fields accept the aliases given with "as".
//
// # Deterministic Testing
//
// Every scenario runs with a manual clock that only steps when told to and
// with counting action id generators, so identical scenarios produce
// byte-identical traces. Golden traces live in testdata/golden.
package harness
