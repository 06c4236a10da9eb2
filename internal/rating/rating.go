// Package rating implements the pure Elo-style rating update the broker
// calls after every completed game. It performs no I/O, mirroring the
// external "rating function" collaborator described by the broker spec,
// grounded on the Elo computation in the teacher's
// game.Service.updatePlayerStats.
package rating

import "math"

// BaseRating is assigned to every newly registered player.
const BaseRating = 1200

// kFactor controls how far a single result can move a rating; 32 matches
// the teacher's stats update.
const kFactor = 32

// Update returns self's new rating after playing opponent to the given
// score, where score is +1 (self won), 0 (draw) or -1 (self lost). The
// spec does not require clamping scores outside {-1,0,+1}; Update
// forwards whatever is given into the same formula.
func Update(self, opponent, score int) int {
	expected := 1 / (1 + math.Pow(10, float64(opponent-self)/400))
	actual := (float64(score) + 1) / 2 // map {-1,0,+1} -> {0,0.5,1}
	delta := kFactor * (actual - expected)
	return self + int(math.Round(delta))
}
