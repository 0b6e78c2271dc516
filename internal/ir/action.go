package ir

import (
	"encoding/json"
	"fmt"
)

// ModuleName names an independently owned slice of application state.
type ModuleName string

const (
	ModuleAltar         ModuleName = "altar"
	ModuleUser          ModuleName = "user"
	ModuleCollaboration ModuleName = "collaboration"
	ModuleSteering      ModuleName = "steering"
)

// AllModules lists the built-in modules in a stable order.
var AllModules = []ModuleName{ModuleAltar, ModuleUser, ModuleCollaboration, ModuleSteering}

// ActionType is the tag of an Action. Each type belongs to exactly one module.
type ActionType string

const (
	ActionPlaceElement        ActionType = "placeElement"
	ActionRemoveElement       ActionType = "removeElement"
	ActionClearAltar          ActionType = "clearAltar"
	ActionValidateComposition ActionType = "validateComposition"
	ActionRestoreAltar        ActionType = "restoreAltar"

	ActionUpdateSettings    ActionType = "updateSettings"
	ActionUnlockAchievement ActionType = "unlockAchievement"
	ActionSaveProgress      ActionType = "saveProgress"
	ActionResetSession      ActionType = "resetSession"

	ActionJoinRoom        ActionType = "joinRoom"
	ActionLeaveRoom       ActionType = "leaveRoom"
	ActionSyncState       ActionType = "syncState"
	ActionBroadcastCursor ActionType = "broadcastCursor"

	ActionSpawnMariposa       ActionType = "spawnMariposa"
	ActionUpdateBehavior      ActionType = "updateBehavior"
	ActionOptimizePerformance ActionType = "optimizePerformance"
)

// legacyActionTypes maps older wire names onto current action types.
var legacyActionTypes = map[string]ActionType{
	"element_place":  ActionPlaceElement,
	"element_remove": ActionRemoveElement,
}

// ParseActionType resolves a wire name, including legacy aliases.
func ParseActionType(s string) (ActionType, error) {
	if t, ok := legacyActionTypes[s]; ok {
		return t, nil
	}
	t := ActionType(s)
	if _, err := decodePayload(t, nil); err != nil {
		return "", err
	}
	return t, nil
}

// ModuleFor returns the module that owns action type t.
func ModuleFor(t ActionType) (ModuleName, error) {
	p, err := decodePayload(t, nil)
	if err != nil {
		return "", err
	}
	return p.Module(), nil
}

// Source records where an action originated.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Action is the envelope that drives the module reducers.
type Action struct {
	ID        string     `json:"id"`
	Type      ActionType `json:"type"`
	Payload   Payload    `json:"payload"`
	Timestamp int64      `json:"timestamp"`
	Source    Source     `json:"source"`
	PeerID    string     `json:"peerId,omitempty"`
}

// NewAction wraps a payload in an envelope. The type is taken from the payload.
func NewAction(id string, p Payload, source Source, peerID string, timestamp int64) Action {
	return Action{
		ID:        id,
		Type:      p.ActionType(),
		Payload:   p,
		Timestamp: timestamp,
		Source:    source,
		PeerID:    NormalizePeerID(peerID),
	}
}

// Module returns the module this action routes to.
func (a Action) Module() (ModuleName, error) {
	if a.Payload != nil {
		return a.Payload.Module(), nil
	}
	return ModuleFor(a.Type)
}

// UnmarshalJSON decodes the payload into the concrete struct chosen by type.
func (a *Action) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp int64           `json:"timestamp"`
		Source    Source          `json:"source"`
		PeerID    string          `json:"peerId"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	t, err := ParseActionType(aux.Type)
	if err != nil {
		return err
	}
	p, err := decodePayload(t, aux.Payload)
	if err != nil {
		return fmt.Errorf("action %s payload: %w", t, err)
	}

	*a = Action{
		ID:        aux.ID,
		Type:      t,
		Payload:   p,
		Timestamp: aux.Timestamp,
		Source:    aux.Source,
		PeerID:    NormalizePeerID(aux.PeerID),
	}
	return nil
}

// ValidationError represents a validation error with field path and message.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the envelope and payload structure.
// Returns all errors (not fail-fast).
func (a Action) Validate() []ValidationError {
	var errs []ValidationError

	if a.Type == "" {
		errs = append(errs, ValidationError{Field: "type", Message: "action type is required"})
	} else if _, err := ModuleFor(a.Type); err != nil {
		errs = append(errs, ValidationError{Field: "type", Message: err.Error()})
	}

	switch a.Source {
	case SourceLocal, SourceRemote:
	default:
		errs = append(errs, ValidationError{Field: "source", Message: fmt.Sprintf("source must be %q or %q, got %q", SourceLocal, SourceRemote, a.Source)})
	}

	if a.Payload == nil {
		errs = append(errs, ValidationError{Field: "payload", Message: "payload is required"})
		return errs
	}
	if a.Type != "" && a.Payload.ActionType() != a.Type {
		errs = append(errs, ValidationError{
			Field:   "payload",
			Message: fmt.Sprintf("payload is %s but action type is %s", a.Payload.ActionType(), a.Type),
		})
	}

	for _, e := range a.Payload.validate() {
		e.Field = "payload." + e.Field
		errs = append(errs, e)
	}
	return errs
}

// decodePayload is the single routing table from action type to payload
// struct. A nil raw message yields the zero payload.
func decodePayload(t ActionType, raw json.RawMessage) (Payload, error) {
	switch t {
	case ActionPlaceElement:
		return decode[PlaceElement](raw)
	case ActionRemoveElement:
		return decode[RemoveElement](raw)
	case ActionClearAltar:
		return decode[ClearAltar](raw)
	case ActionValidateComposition:
		return decode[ValidateComposition](raw)
	case ActionRestoreAltar:
		return decode[RestoreAltar](raw)
	case ActionUpdateSettings:
		return decode[UpdateSettings](raw)
	case ActionUnlockAchievement:
		return decode[UnlockAchievement](raw)
	case ActionSaveProgress:
		return decode[SaveProgress](raw)
	case ActionResetSession:
		return decode[ResetSession](raw)
	case ActionJoinRoom:
		return decode[JoinRoom](raw)
	case ActionLeaveRoom:
		return decode[LeaveRoom](raw)
	case ActionSyncState:
		return decode[SyncState](raw)
	case ActionBroadcastCursor:
		return decode[BroadcastCursor](raw)
	case ActionSpawnMariposa:
		return decode[SpawnMariposa](raw)
	case ActionUpdateBehavior:
		return decode[UpdateBehavior](raw)
	case ActionOptimizePerformance:
		return decode[OptimizePerformance](raw)
	default:
		return nil, fmt.Errorf("unknown action type %q", t)
	}
}

func decode[P Payload](raw json.RawMessage) (Payload, error) {
	var p P
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}
