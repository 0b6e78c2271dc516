package modules

import (
	"fmt"

	"github.com/roach88/ofrenda/internal/engine"
	"github.com/roach88/ofrenda/internal/ir"
)

// DefaultMaxAgents bounds the steering agents when no limit is configured.
const DefaultMaxAgents = 50

// Steering builds the steering module holding at most maxAgents agents.
func Steering(maxAgents int) engine.Module {
	if maxAgents <= 0 {
		maxAgents = DefaultMaxAgents
	}
	return engine.NewModule(ir.ModuleSteering, ir.NewSteeringState(maxAgents), reduceSteering, ValidateSteering)
}

func reduceSteering(s ir.SteeringState, a ir.Action) (ir.SteeringState, error) {
	switch p := a.Payload.(type) {
	case ir.SpawnMariposa:
		for _, m := range s.Mariposas {
			if m.ID == p.ID {
				return s, engine.Invalidf("mariposa %s already exists", p.ID)
			}
		}
		if len(s.Mariposas) >= s.MaxAgents {
			return s, engine.Invalidf("steering is at its limit of %d agents", s.MaxAgents)
		}
		s.Mariposas = append(s.Mariposas, ir.Mariposa{ID: p.ID, X: p.X, Y: p.Y})

	case ir.UpdateBehavior:
		s.Behavior = p.Behavior
		s.Weight = p.Weight

	case ir.OptimizePerformance:
		s.MaxAgents = p.MaxAgents
		// Keep the newest agents.
		if over := len(s.Mariposas) - p.MaxAgents; over > 0 {
			s.Mariposas = append([]ir.Mariposa{}, s.Mariposas[over:]...)
		}

	default:
		return s, fmt.Errorf("steering: unexpected action %s", a.Type)
	}
	return s, nil
}

// ValidateSteering checks the structural invariants of a steering state.
func ValidateSteering(s ir.SteeringState) error {
	if s.MaxAgents <= 0 {
		return fmt.Errorf("steering max agents must be positive")
	}
	if len(s.Mariposas) > s.MaxAgents {
		return fmt.Errorf("steering holds %d agents, limit is %d", len(s.Mariposas), s.MaxAgents)
	}
	if !ir.ValidBehaviors[s.Behavior] {
		return fmt.Errorf("unknown steering behavior %q", s.Behavior)
	}
	if s.Weight < 0 || s.Weight > 100 {
		return fmt.Errorf("steering weight %d is outside 0..100", s.Weight)
	}
	return nil
}
