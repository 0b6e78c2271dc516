package ir

import "fmt"

// Payload is the sealed set of action payloads. Each payload knows its action
// type and the module that owns it.
type Payload interface {
	ActionType() ActionType
	Module() ModuleName
	validate() []ValidationError
}

// altar

// PlaceElement puts a new element instance on the grid.
type PlaceElement struct {
	ElementID   string    `json:"elementId"`
	ElementType string    `json:"elementType"`
	Position    *Position `json:"position,omitempty"`
}

func (PlaceElement) ActionType() ActionType { return ActionPlaceElement }
func (PlaceElement) Module() ModuleName     { return ModuleAltar }

func (p PlaceElement) validate() []ValidationError {
	var errs []ValidationError
	if p.ElementID == "" {
		errs = append(errs, ValidationError{Field: "elementId", Message: "element id is required"})
	}
	if p.ElementType == "" {
		errs = append(errs, ValidationError{Field: "elementType", Message: "element type is required"})
	}
	if p.Position == nil {
		errs = append(errs, ValidationError{Field: "position", Message: "position is required"})
	}
	return errs
}

// RemoveElement takes an element instance off the grid.
type RemoveElement struct {
	ElementID string    `json:"elementId"`
	Position  *Position `json:"position,omitempty"`
}

func (RemoveElement) ActionType() ActionType { return ActionRemoveElement }
func (RemoveElement) Module() ModuleName     { return ModuleAltar }

func (p RemoveElement) validate() []ValidationError {
	var errs []ValidationError
	if p.ElementID == "" {
		errs = append(errs, ValidationError{Field: "elementId", Message: "element id is required"})
	}
	if p.Position == nil {
		errs = append(errs, ValidationError{Field: "position", Message: "position is required"})
	}
	return errs
}

// ClearAltar removes every element.
type ClearAltar struct{}

func (ClearAltar) ActionType() ActionType      { return ActionClearAltar }
func (ClearAltar) Module() ModuleName          { return ModuleAltar }
func (ClearAltar) validate() []ValidationError { return nil }

// ValidateComposition scores the current arrangement.
type ValidateComposition struct{}

func (ValidateComposition) ActionType() ActionType      { return ActionValidateComposition }
func (ValidateComposition) Module() ModuleName          { return ModuleAltar }
func (ValidateComposition) validate() []ValidationError { return nil }

// RestoreAltar replaces the altar with a saved arrangement.
type RestoreAltar struct {
	Dimensions *Dimensions `json:"dimensions,omitempty"`
	Elements   []Placement `json:"elements"`
}

func (RestoreAltar) ActionType() ActionType { return ActionRestoreAltar }
func (RestoreAltar) Module() ModuleName     { return ModuleAltar }

func (p RestoreAltar) validate() []ValidationError {
	var errs []ValidationError
	if p.Dimensions != nil && (p.Dimensions.Rows <= 0 || p.Dimensions.Cols <= 0) {
		errs = append(errs, ValidationError{Field: "dimensions", Message: "rows and cols must be positive"})
	}
	for i, e := range p.Elements {
		if e.ElementID == "" || e.ElementType == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("elements[%d]", i), Message: "element id and type are required"})
		}
	}
	return errs
}

// user

// UpdateSettings changes user preferences. Nil fields are left untouched.
type UpdateSettings struct {
	Sound    *bool   `json:"sound,omitempty"`
	Theme    *string `json:"theme,omitempty"`
	Language *string `json:"language,omitempty"`
}

func (UpdateSettings) ActionType() ActionType { return ActionUpdateSettings }
func (UpdateSettings) Module() ModuleName     { return ModuleUser }

func (p UpdateSettings) validate() []ValidationError {
	if p.Sound == nil && p.Theme == nil && p.Language == nil {
		return []ValidationError{{Field: "settings", Message: "at least one setting is required"}}
	}
	return nil
}

// UnlockAchievement records an achievement.
type UnlockAchievement struct {
	AchievementID string `json:"achievementId"`
}

func (UnlockAchievement) ActionType() ActionType { return ActionUnlockAchievement }
func (UnlockAchievement) Module() ModuleName     { return ModuleUser }

func (p UnlockAchievement) validate() []ValidationError {
	if p.AchievementID == "" {
		return []ValidationError{{Field: "achievementId", Message: "achievement id is required"}}
	}
	return nil
}

// SaveProgress stamps the user's progress.
type SaveProgress struct {
	Placements int `json:"placements"`
}

func (SaveProgress) ActionType() ActionType { return ActionSaveProgress }
func (SaveProgress) Module() ModuleName     { return ModuleUser }

func (p SaveProgress) validate() []ValidationError {
	if p.Placements < 0 {
		return []ValidationError{{Field: "placements", Message: "must be non-negative"}}
	}
	return nil
}

// ResetSession starts a fresh user session.
type ResetSession struct {
	SessionID string `json:"sessionId,omitempty"`
}

func (ResetSession) ActionType() ActionType      { return ActionResetSession }
func (ResetSession) Module() ModuleName          { return ModuleUser }
func (ResetSession) validate() []ValidationError { return nil }

// collaboration

// JoinRoom adds a peer to the current room.
type JoinRoom struct {
	RoomID      string `json:"roomId"`
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName,omitempty"`
}

func (JoinRoom) ActionType() ActionType { return ActionJoinRoom }
func (JoinRoom) Module() ModuleName     { return ModuleCollaboration }

func (p JoinRoom) validate() []ValidationError {
	var errs []ValidationError
	if p.RoomID == "" {
		errs = append(errs, ValidationError{Field: "roomId", Message: "room id is required"})
	}
	if p.PeerID == "" {
		errs = append(errs, ValidationError{Field: "peerId", Message: "peer id is required"})
	}
	return errs
}

// LeaveRoom removes a peer from the current room.
type LeaveRoom struct {
	PeerID string `json:"peerId"`
}

func (LeaveRoom) ActionType() ActionType { return ActionLeaveRoom }
func (LeaveRoom) Module() ModuleName     { return ModuleCollaboration }

func (p LeaveRoom) validate() []ValidationError {
	if p.PeerID == "" {
		return []ValidationError{{Field: "peerId", Message: "peer id is required"}}
	}
	return nil
}

// SyncState replaces the collaboration view with an authoritative one.
type SyncState struct {
	RoomID  string              `json:"roomId"`
	Peers   []PeerInfo          `json:"peers"`
	Cursors map[string]Position `json:"cursors,omitempty"`
}

func (SyncState) ActionType() ActionType { return ActionSyncState }
func (SyncState) Module() ModuleName     { return ModuleCollaboration }

func (p SyncState) validate() []ValidationError {
	var errs []ValidationError
	if p.RoomID == "" {
		errs = append(errs, ValidationError{Field: "roomId", Message: "room id is required"})
	}
	for i, peer := range p.Peers {
		if peer.PeerID == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("peers[%d].peerId", i), Message: "peer id is required"})
		}
	}
	return errs
}

// BroadcastCursor publishes a peer's cursor cell.
type BroadcastCursor struct {
	PeerID   string    `json:"peerId"`
	Position *Position `json:"position,omitempty"`
}

func (BroadcastCursor) ActionType() ActionType { return ActionBroadcastCursor }
func (BroadcastCursor) Module() ModuleName     { return ModuleCollaboration }

func (p BroadcastCursor) validate() []ValidationError {
	var errs []ValidationError
	if p.PeerID == "" {
		errs = append(errs, ValidationError{Field: "peerId", Message: "peer id is required"})
	}
	if p.Position == nil {
		errs = append(errs, ValidationError{Field: "position", Message: "position is required"})
	}
	return errs
}

// steering

// SpawnMariposa adds a butterfly agent.
type SpawnMariposa struct {
	ID string `json:"id"`
	X  int    `json:"x"`
	Y  int    `json:"y"`
}

func (SpawnMariposa) ActionType() ActionType { return ActionSpawnMariposa }
func (SpawnMariposa) Module() ModuleName     { return ModuleSteering }

func (p SpawnMariposa) validate() []ValidationError {
	if p.ID == "" {
		return []ValidationError{{Field: "id", Message: "mariposa id is required"}}
	}
	return nil
}

// UpdateBehavior switches the steering behavior of every agent.
type UpdateBehavior struct {
	Behavior string `json:"behavior"`
	Weight   int    `json:"weight"`
}

func (UpdateBehavior) ActionType() ActionType { return ActionUpdateBehavior }
func (UpdateBehavior) Module() ModuleName     { return ModuleSteering }

func (p UpdateBehavior) validate() []ValidationError {
	var errs []ValidationError
	if !ValidBehaviors[p.Behavior] {
		errs = append(errs, ValidationError{Field: "behavior", Message: fmt.Sprintf("unknown behavior %q", p.Behavior)})
	}
	if p.Weight < 0 || p.Weight > 100 {
		errs = append(errs, ValidationError{Field: "weight", Message: "weight must be within [0,100]"})
	}
	return errs
}

// OptimizePerformance caps the number of live agents.
type OptimizePerformance struct {
	MaxAgents int `json:"maxAgents"`
}

func (OptimizePerformance) ActionType() ActionType { return ActionOptimizePerformance }
func (OptimizePerformance) Module() ModuleName     { return ModuleSteering }

func (p OptimizePerformance) validate() []ValidationError {
	if p.MaxAgents <= 0 {
		return []ValidationError{{Field: "maxAgents", Message: "must be positive"}}
	}
	return nil
}
