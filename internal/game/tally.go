package game

// WinningSide names the team that won the session.
type WinningSide string

const (
	SideNone     WinningSide = ""
	SideCitizens WinningSide = "citizens"
	SideCulprit  WinningSide = "culprit"
)

// Ballot is the slice of a player the tally needs.
type Ballot struct {
	PlayerID   string
	Name       string
	Role       Role
	VoteTarget string
}

// VoteOutcome is the result of closing the vote.
type VoteOutcome struct {
	WinningSide WinningSide    `json:"winning_side"`
	Tallies     map[string]int `json:"tallies"`
	ChosenID    string         `json:"chosen_id"`
	CulpritID   string         `json:"culprit_id"`
	CulpritName string         `json:"culprit"`
	VotesCast   int            `json:"votes_cast"`
}

// TallyVotes counts accusation votes in ballot order. The most voted target
// wins; on a tie the target that received its first vote earliest wins.
// Citizens win only when that target is the culprit, so an empty vote or a
// session without a culprit goes to the culprit side.
func TallyVotes(ballots []Ballot) VoteOutcome {
	names := make(map[string]string, len(ballots))
	var culprit *Ballot
	for i := range ballots {
		names[ballots[i].PlayerID] = ballots[i].Name
		if culprit == nil && ballots[i].Role == RoleCulprit {
			culprit = &ballots[i]
		}
	}

	counts := make(map[string]int)
	var order []string
	for _, b := range ballots {
		if b.VoteTarget == "" {
			continue
		}
		if _, seen := counts[b.VoteTarget]; !seen {
			order = append(order, b.VoteTarget)
		}
		counts[b.VoteTarget]++
	}

	outcome := VoteOutcome{
		WinningSide: SideCulprit,
		Tallies:     make(map[string]int, len(counts)),
	}
	top := 0
	for _, target := range order {
		count := counts[target]
		if count > top {
			top = count
			outcome.ChosenID = target
		}
		outcome.VotesCast += count
		label := names[target]
		if label == "" {
			label = target
		}
		outcome.Tallies[label] += count
	}

	if culprit != nil {
		outcome.CulpritID = culprit.PlayerID
		outcome.CulpritName = culprit.Name
		if outcome.ChosenID != "" && outcome.ChosenID == culprit.PlayerID {
			outcome.WinningSide = SideCitizens
		}
	}
	return outcome
}
