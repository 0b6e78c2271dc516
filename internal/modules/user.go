package modules

import (
	"fmt"

	"github.com/roach88/ofrenda/internal/engine"
	"github.com/roach88/ofrenda/internal/ir"
)

// User builds the user module.
func User() engine.Module {
	return engine.NewModule(ir.ModuleUser, ir.NewUserState(), reduceUser, ValidateUser)
}

func reduceUser(s ir.UserState, a ir.Action) (ir.UserState, error) {
	switch p := a.Payload.(type) {
	case ir.UpdateSettings:
		if p.Sound != nil {
			s.Settings.Sound = *p.Sound
		}
		if p.Theme != nil {
			s.Settings.Theme = *p.Theme
		}
		if p.Language != nil {
			s.Settings.Language = *p.Language
		}
	case ir.UnlockAchievement:
		// First unlock wins; repeats keep the original timestamp.
		if _, ok := s.Achievements[p.AchievementID]; !ok {
			s.Achievements[p.AchievementID] = a.Timestamp
		}
	case ir.SaveProgress:
		s.Progress = ir.Progress{SavedAt: a.Timestamp, Placements: p.Placements}
	case ir.ResetSession:
		id := p.SessionID
		if id == "" {
			id = a.ID
		}
		s.SessionID = id
		s.Progress = ir.Progress{}
	default:
		return s, fmt.Errorf("user: unexpected action %s", a.Type)
	}
	return s, nil
}

// ValidateUser checks the structural invariants of a user state.
func ValidateUser(s ir.UserState) error {
	if s.Settings.Theme == "" {
		return fmt.Errorf("user theme must not be empty")
	}
	if s.Settings.Language == "" {
		return fmt.Errorf("user language must not be empty")
	}
	if s.Achievements == nil {
		return fmt.Errorf("user achievements must be a map")
	}
	if s.Progress.Placements < 0 {
		return fmt.Errorf("user progress placements must be non-negative")
	}
	return nil
}
