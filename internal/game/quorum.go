package game

import "math"

// DefaultReadyThreshold is the share of human players needed to skip a stage.
const DefaultReadyThreshold = 0.6

// RequiredCount returns how many ready players skip the stage. Zero means
// no quorum is possible.
func RequiredCount(eligible int, threshold float64) int {
	if eligible <= 0 {
		return 0
	}
	t := math.Max(0, math.Min(threshold, 1))
	if t == 0 {
		return 0
	}
	if t >= 1 {
		return eligible
	}
	required := int(math.Ceil(float64(eligible) * t))
	if required < 1 {
		required = 1
	}
	if required > eligible {
		required = eligible
	}
	return required
}

// ReadyVoter is the slice of a player that counts toward quorum.
type ReadyVoter struct {
	IsBot      bool
	StageReady bool
	ReadyStage Stage
}

// ReadyTally summarises ready votes for one stage.
type ReadyTally struct {
	Stage    Stage `json:"stage"`
	Ready    int   `json:"ready"`
	Eligible int   `json:"eligible"`
	Required int   `json:"required"`
}

// Reached reports whether the quorum is met.
func (t ReadyTally) Reached() bool {
	return t.Required > 0 && t.Ready >= t.Required
}

// CountReady tallies the non-bot ready votes scoped to the given stage.
func CountReady(stage Stage, voters []ReadyVoter, threshold float64) ReadyTally {
	tally := ReadyTally{Stage: stage}
	for _, v := range voters {
		if v.IsBot {
			continue
		}
		tally.Eligible++
		if v.StageReady && v.ReadyStage == stage {
			tally.Ready++
		}
	}
	tally.Required = RequiredCount(tally.Eligible, threshold)
	return tally
}
