// Package ir provides the shared data model for the ofrenda collaboration core.
//
// This package contains type definitions and small pure helpers only. All
// other internal packages import ir; ir imports nothing internal. This keeps
// the data model the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Operation and Action cross the network boundary as JSON; the JSON tags
//     here are the de facto wire schema.
//   - Action payloads form a closed sum type. Every payload names its own
//     module, so routing cannot miss an action type at runtime.
//   - Peer ids are compared only after NFC normalization.
//   - Module states are JSON-serializable values; maps stand in for sets.
package ir
