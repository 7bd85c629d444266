package team

import (
	"context"
	"errors"
	"fmt"

	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

// RoundRobin rotates through the team in registration order, wrapping around.
// The previous speaker fully determines the next selection, so the strategy
// is deterministic and replay-safe.
type RoundRobin struct{}

// NewRoundRobin constructs the rotation strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// SelectNext returns the member after last in registration order, or the
// first member when last is empty. A last speaker that is not a team member
// is a configuration error.
func (r *RoundRobin) SelectNext(_ context.Context, team []Member, _ []state.Message, last string) (Selection, error) {
	if len(team) == 0 {
		return Selection{}, errors.New("team: round robin: empty team")
	}
	if last == "" {
		return Selection{Next: team[0].Name}, nil
	}
	for i, m := range team {
		if m.Name == last {
			return Selection{Next: team[(i+1)%len(team)].Name}, nil
		}
	}
	return Selection{}, fmt.Errorf("team: round robin: previous speaker %q is not a team member", last)
}
