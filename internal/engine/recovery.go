package engine

import "context"

// RecoveryStrategy attempts to repair a failed dispatch. snapshot is the
// module state before the action. On success it returns the state to commit.
type RecoveryStrategy func(ctx context.Context, err *EngineError, snapshot any) (state any, recovered bool)

// DefaultRecovery returns the built-in strategies.
//
// A state sync failure keeps the pre-action state and counts as recovered:
// the next sync will carry the authoritative state. Validation and reducer
// failures do not recover and are rolled back.
func DefaultRecovery() map[ErrorCode]RecoveryStrategy {
	return map[ErrorCode]RecoveryStrategy{
		ErrCodeValidation:   NoRecovery,
		ErrCodeActionFailed: NoRecovery,
		ErrCodeStateSync:    KeepSnapshot,
	}
}

// NoRecovery never recovers.
func NoRecovery(context.Context, *EngineError, any) (any, bool) {
	return nil, false
}

// KeepSnapshot recovers by keeping the pre-action state.
func KeepSnapshot(_ context.Context, _ *EngineError, snapshot any) (any, bool) {
	return snapshot, true
}
