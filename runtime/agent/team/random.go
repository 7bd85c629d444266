package team

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

type (
	// Random selects a uniformly random member, optionally excluding the
	// previous speaker so no agent takes two consecutive turns.
	Random struct {
		excludePrevious bool

		mu  sync.Mutex
		rng *rand.Rand
	}

	// RandomOptions configures NewRandom.
	RandomOptions struct {
		// ExcludePrevious removes the immediately previous speaker from the
		// candidate set when the team has more than one member.
		ExcludePrevious bool
		// Seed fixes the random source for reproducible tests. Zero seeds
		// from the clock.
		Seed int64
	}
)

// NewRandom constructs the random strategy.
func NewRandom(opts RandomOptions) *Random {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Random{
		excludePrevious: opts.ExcludePrevious,
		rng:             rand.New(rand.NewSource(seed)),
	}
}

// SelectNext picks a random member. With ExcludePrevious, last never repeats
// unless it is the only member.
func (r *Random) SelectNext(_ context.Context, team []Member, _ []state.Message, last string) (Selection, error) {
	if len(team) == 0 {
		return Selection{}, errors.New("team: random: empty team")
	}
	candidates := team
	if r.excludePrevious && last != "" && len(team) > 1 {
		candidates = make([]Member, 0, len(team)-1)
		for _, m := range team {
			if m.Name != last {
				candidates = append(candidates, m)
			}
		}
	}
	r.mu.Lock()
	pick := candidates[r.rng.Intn(len(candidates))]
	r.mu.Unlock()
	return Selection{Next: pick.Name}, nil
}
