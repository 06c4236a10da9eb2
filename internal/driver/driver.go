// Package driver defines the external game-driver collaborator the broker
// hands both matched connections to once a game starts. The broker only
// depends on the Driver interface; concrete strategies are injected the
// same way the crossword game injects a bot.Strategy, so a real game
// implementation can be swapped in without touching the broker.
package driver

import (
	"context"
	"fmt"
	"io"
	"math/rand"
)

// Endpoint is one player's side of a game: a read/write connection handle
// plus the time budget, in milliseconds, that player has for the whole
// game. The driver treats the budget as opaque data; it does not enforce
// it itself unless the concrete implementation chooses to.
type Endpoint struct {
	Name       string
	Conn       io.ReadWriter
	TimeBudget int
}

// Driver arbitrates a single game between two matched endpoints and
// returns a signed score from white's perspective: +1 white wins, -1
// black wins, 0 draw.
type Driver interface {
	Play(ctx context.Context, white, black Endpoint) (int, error)
}

// RandomDriver is a reference Driver used by tests and by imcsd when no
// production driver is registered. It reads nothing from the players: it
// writes each an opening line, picks a random outcome at once, and writes
// the result to both, in the spirit of the crossword game's
// RandomStrategy standing in for a real bot.
type RandomDriver struct {
	Rand *rand.Rand
}

// NewRandomDriver builds a RandomDriver seeded from src.
func NewRandomDriver(src rand.Source) *RandomDriver {
	return &RandomDriver{Rand: rand.New(src)}
}

func (d *RandomDriver) Play(ctx context.Context, white, black Endpoint) (int, error) {
	for _, ep := range []Endpoint{white, black} {
		if _, err := fmt.Fprintf(ep.Conn, "you are playing as a game participant, budget=%dms\n", ep.TimeBudget); err != nil {
			return 0, fmt.Errorf("write to %s: %w", ep.Name, err)
		}
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	outcomes := []int{-1, 0, 1}
	score := outcomes[d.Rand.Intn(len(outcomes))]

	msg := fmt.Sprintf("game over, score=%d\n", score)
	if _, err := fmt.Fprint(white.Conn, msg); err != nil {
		return 0, fmt.Errorf("write to %s: %w", white.Name, err)
	}
	if _, err := fmt.Fprint(black.Conn, msg); err != nil {
		return 0, fmt.Errorf("write to %s: %w", black.Name, err)
	}
	return score, nil
}
