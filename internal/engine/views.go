package engine

import (
	"log"
	"time"

	"github.com/yungsuk53-pixel/crime/internal/game"
)

// PlayerView is what a player's own screen shows.
type PlayerView struct {
	PlayerID     string            `json:"player_id"`
	Name         string            `json:"name"`
	Role         game.Role         `json:"role"`
	RoleLabel    string            `json:"role_label"`
	Character    string            `json:"character"`
	RoleBriefing string            `json:"role_briefing"`
	Stage        game.Stage        `json:"stage"`
	StageLabel   string            `json:"stage_label"`
	DeadlineAt   *time.Time        `json:"deadline_at,omitempty"`
	Package      *game.CluePackage `json:"package,omitempty"`
	Rounds       []game.ClueRound  `json:"rounds"`
	Ready        bool              `json:"ready"`
	HasVoted     bool              `json:"has_voted"`
}

// PlayerView decodes the player's clue package and keeps the rounds
// unlocked at the current stage. An unreadable package yields an empty
// view.
func (e *Engine) PlayerView(sc *SessionContext, playerID string) (*PlayerView, error) {
	session := sc.Session()
	if session == nil {
		return nil, newError(CodeNotFound, "session %s not loaded", sc.code)
	}
	p, ok := sc.Player(playerID)
	if !ok {
		return nil, newError(CodeNotFound, "player %s is not in session %s", playerID, sc.code)
	}
	view := &PlayerView{
		PlayerID:     p.ID,
		Name:         p.Name,
		Role:         p.Role,
		RoleLabel:    p.Role.Label(),
		Character:    p.Character,
		RoleBriefing: p.RoleBriefing,
		Stage:        session.Stage,
		StageLabel:   session.Stage.Label(),
		DeadlineAt:   session.StageDeadlineAt,
		Rounds:       []game.ClueRound{},
		Ready:        p.StageReady && p.ReadyStage == session.Stage,
		HasVoted:     p.HasVoted,
	}
	pkg, err := game.ParseCluePackage(p.ClueSummary)
	if err != nil {
		log.Printf("[Engine] Player %s in %s has an unreadable clue package: %v", p.Name, sc.code, err)
		return view, nil
	}
	if pkg == nil {
		return view, nil
	}
	view.Package = pkg
	if rounds := pkg.UnlockedRounds(session.Stage); rounds != nil {
		view.Rounds = rounds
	}
	// Exposed notes show once a round is unlocked, or straight away for a
	// package without rounds.
	if pkg.Type != game.RoleCulprit && len(pkg.Rounds) > 0 && len(view.Rounds) == 0 {
		pkg.Exposed = nil
	}
	// Locked rounds stay server side.
	pkg.Rounds = view.Rounds
	return view, nil
}

// PublicPlayer is a roster entry safe to show to everyone. Roles are
// revealed once the session is finished.
type PublicPlayer struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	IsHost     bool       `json:"is_host"`
	IsBot      bool       `json:"is_bot"`
	Ready      bool       `json:"ready"`
	HasVoted   bool       `json:"has_voted"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
	Role       game.Role  `json:"role,omitempty"`
	Character  string     `json:"character,omitempty"`
	VoteTarget string     `json:"vote_target,omitempty"`
}

// PublicRoster returns the roster as every participant may see it.
func (e *Engine) PublicRoster(sc *SessionContext) []PublicPlayer {
	session := sc.Session()
	finished := session != nil && session.IsFinished()
	var stage game.Stage
	if session != nil {
		stage = session.Stage
	}
	roster := sc.Roster()
	out := make([]PublicPlayer, 0, len(roster))
	for _, p := range roster {
		pp := PublicPlayer{
			ID:       p.ID,
			Name:     p.Name,
			Status:   p.Status,
			IsHost:   p.IsHost,
			IsBot:    p.IsBot,
			Ready:    p.StageReady && p.ReadyStage == stage,
			HasVoted: p.HasVoted,
			LastSeen: p.LastSeen,
		}
		if finished {
			pp.Role = p.Role
			pp.Character = p.Character
			pp.VoteTarget = p.VoteTarget
		}
		out = append(out, pp)
	}
	return out
}
