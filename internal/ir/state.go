package ir

// Steering behaviors accepted by UpdateBehavior.
const (
	BehaviorWander = "wander"
	BehaviorSeek   = "seek"
	BehaviorFlee   = "flee"
)

// ValidBehaviors is the closed set of steering behaviors.
var ValidBehaviors = map[string]bool{
	BehaviorWander: true,
	BehaviorSeek:   true,
	BehaviorFlee:   true,
}

// DefaultDimensions is the altar grid used when none is configured.
var DefaultDimensions = Dimensions{Rows: 3, Cols: 5}

// Composition is the last scoring of the altar arrangement.
type Composition struct {
	Score    int      `json:"score"`
	Complete bool     `json:"complete"`
	Issues   []string `json:"issues"`
}

// AltarState is the state owned by the altar module.
type AltarState struct {
	Dimensions  Dimensions     `json:"dimensions"`
	Elements    []Placement    `json:"elements"`
	Counts      map[string]int `json:"counts"`
	Composition Composition    `json:"composition"`
	Version     int64          `json:"version"`
}

// NewAltarState returns an empty altar of the given size.
func NewAltarState(dims Dimensions) AltarState {
	return AltarState{
		Dimensions: dims,
		Elements:   []Placement{},
		Counts:     map[string]int{},
		Composition: Composition{
			Issues: []string{},
		},
	}
}

// Find returns the index of the element with the given id, or -1.
func (s AltarState) Find(elementID string) int {
	for i, e := range s.Elements {
		if e.ElementID == elementID {
			return i
		}
	}
	return -1
}

// At returns the element occupying pos.
func (s AltarState) At(pos Position) (Placement, bool) {
	for _, e := range s.Elements {
		if e.Position == pos {
			return e, true
		}
	}
	return Placement{}, false
}

// Settings are user preferences.
type Settings struct {
	Sound    bool   `json:"sound"`
	Theme    string `json:"theme"`
	Language string `json:"language"`
}

// Progress is the user's last saved progress.
type Progress struct {
	SavedAt    int64 `json:"savedAt"`
	Placements int   `json:"placements"`
}

// UserState is the state owned by the user module.
type UserState struct {
	Settings     Settings         `json:"settings"`
	Achievements map[string]int64 `json:"achievements"`
	Progress     Progress         `json:"progress"`
	SessionID    string           `json:"sessionId"`
}

// NewUserState returns the default user state.
func NewUserState() UserState {
	return UserState{
		Settings:     Settings{Sound: true, Theme: "default", Language: "es"},
		Achievements: map[string]int64{},
	}
}

// PeerInfo describes a participant as seen by the collaboration module.
type PeerInfo struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName,omitempty"`
	JoinedAt    int64  `json:"joinedAt"`
}

// CollaborationState is the state owned by the collaboration module.
type CollaborationState struct {
	RoomID    string              `json:"roomId"`
	Peers     map[string]PeerInfo `json:"peers"`
	Cursors   map[string]Position `json:"cursors"`
	LastSync  int64               `json:"lastSync"`
	Connected bool                `json:"connected"`
}

// NewCollaborationState returns a disconnected collaboration state.
func NewCollaborationState() CollaborationState {
	return CollaborationState{
		Peers:   map[string]PeerInfo{},
		Cursors: map[string]Position{},
	}
}

// Mariposa is a steering agent.
type Mariposa struct {
	ID string `json:"id"`
	X  int    `json:"x"`
	Y  int    `json:"y"`
}

// SteeringState is the state owned by the steering module.
type SteeringState struct {
	Mariposas []Mariposa `json:"mariposas"`
	Behavior  string     `json:"behavior"`
	Weight    int        `json:"weight"`
	MaxAgents int        `json:"maxAgents"`
}

// NewSteeringState returns a steering state with no agents.
func NewSteeringState(maxAgents int) SteeringState {
	return SteeringState{
		Mariposas: []Mariposa{},
		Behavior:  BehaviorWander,
		Weight:    50,
		MaxAgents: maxAgents,
	}
}
