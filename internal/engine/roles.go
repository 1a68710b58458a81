package engine

import (
	"context"
	"log"
	"math/rand"

	"github.com/yungsuk53-pixel/crime/internal/game"
	"github.com/yungsuk53-pixel/crime/internal/interfaces"
	"github.com/yungsuk53-pixel/crime/internal/models"
	"github.com/yungsuk53-pixel/crime/internal/scenario"
)

// StartGame moves a lobby session into the briefing and deals the roles.
func (e *Engine) StartGame(ctx context.Context, sc *SessionContext) (*models.Session, error) {
	var out *models.Session
	var dealt []game.Assignment
	err := e.guarded(ctx, sc, func() error {
		session, err := liveSession(sc)
		if err != nil {
			return err
		}
		if session.Stage != game.StageLobby {
			return newError(CodePrecondition, "the game can only start from the lobby")
		}
		scn, err := e.scenarioFor(session)
		if err != nil {
			return err
		}
		if err := scn.Roles.Validate(); err != nil {
			return &Error{Code: CodeIntegrity, Message: "scenario cannot be played", Cause: err}
		}
		players, _, err := e.loadRoster(ctx, sc)
		if err != nil {
			return err
		}
		if min := minPlayers(scn); len(players) < min {
			return newError(CodePrecondition, "at least %d players are needed to start, %d seated", min, len(players))
		}

		now := e.now()
		if _, err := e.transition(ctx, sc, game.StageBriefing, TransitionOptions{
			Status: game.StatusInProgress,
			Extra: interfaces.Fields{
				"started_at":     now,
				"ended_at":       nil,
				"roles_assigned": false,
				"winning_side":   game.SideNone,
				"vote_summary":   "",
			},
		}); err != nil {
			return err
		}
		out, dealt, err = e.assignRoles(ctx, sc, scn)
		return err
	})
	if err != nil {
		return nil, err
	}
	// Bots speak outside the guard.
	e.postBotIntros(ctx, sc, dealt)
	return out, nil
}

// AssignRoles deals the roles again for the current roster. It is safe to
// re-run after a partial failure.
func (e *Engine) AssignRoles(ctx context.Context, sc *SessionContext) (*models.Session, error) {
	var out *models.Session
	var dealt []game.Assignment
	err := e.guarded(ctx, sc, func() error {
		session, err := liveSession(sc)
		if err != nil {
			return err
		}
		if session.IsFinished() {
			return newError(CodePrecondition, "roles cannot change after the result")
		}
		scn, err := e.scenarioFor(session)
		if err != nil {
			return err
		}
		if _, _, err := e.loadRoster(ctx, sc); err != nil {
			return err
		}
		out, dealt, err = e.assignRoles(ctx, sc, scn)
		return err
	})
	if err != nil {
		return nil, err
	}
	// Bots speak outside the guard.
	e.postBotIntros(ctx, sc, dealt)
	return out, nil
}

func minPlayers(scn *scenario.Scenario) int {
	if scn.PlayerRange.Min > 2 {
		return scn.PlayerRange.Min
	}
	return 2
}

// assignRoles writes every player's role and clue package, and only then
// marks the session as assigned.
func (e *Engine) assignRoles(ctx context.Context, sc *SessionContext, scn *scenario.Scenario) (*models.Session, []game.Assignment, error) {
	session := sc.Session()
	roster := sc.Roster()

	seats := make([]game.Seat, 0, len(roster))
	for _, p := range roster {
		seats = append(seats, game.Seat{PlayerID: p.ID, Name: p.Name, IsBot: p.IsBot})
	}

	var assignments []game.Assignment
	var err error
	e.withRand(func(rng *rand.Rand) {
		assignments, err = game.AssignRoles(seats, scn.Roles, rng)
	})
	switch err {
	case nil:
	case game.ErrNotEnoughPlayers:
		return nil, nil, &Error{Code: CodePrecondition, Message: "cannot assign roles", Cause: err}
	default:
		return nil, nil, &Error{Code: CodeIntegrity, Message: "cannot assign roles", Cause: err}
	}

	now := e.now()
	for _, a := range assignments {
		summary, err := a.Package.Encode()
		if err != nil {
			return nil, nil, newError(CodeIntegrity, "encode clue package for %s: %v", a.Seat.Name, err)
		}
		updated, err := e.store.UpdatePlayer(ctx, a.Seat.PlayerID, interfaces.Fields{
			"role":          a.Role,
			"character":     a.Persona.Character(),
			"role_briefing": a.Persona.BriefingText(),
			"clue_summary":  summary,
			"status":        models.PlayerActive,
			"has_voted":     false,
			"vote_target":   "",
			"stage_ready":   false,
			"ready_stage":   session.Stage,
			"last_seen":     now,
		})
		if err != nil {
			return nil, nil, storeError("persist role for "+a.Seat.Name, err)
		}
		sc.updateRosterPlayer(updated)
	}

	updated, err := e.store.UpdateSession(ctx, session.ID, interfaces.Fields{
		"roles_assigned": true,
		"player_count":   len(assignments),
		"last_activity":  now,
	})
	if err != nil {
		return nil, nil, storeError("mark roles assigned", err)
	}
	sc.setSession(updated)
	log.Printf("[Engine] Session %s: assigned %d roles from %s", sc.code, len(assignments), scn.ID)

	e.publish(sc, interfaces.EventRosterChanged, nil)
	return updated, assignments, nil
}

// markRolesUnassigned flags a roster change after roles were dealt.
func (e *Engine) markRolesUnassigned(ctx context.Context, sc *SessionContext) error {
	session := sc.Session()
	if session == nil || !session.RolesAssigned {
		return nil
	}
	updated, err := e.store.UpdateSession(ctx, session.ID, interfaces.Fields{"roles_assigned": false})
	if err != nil {
		return storeError("mark roles unassigned", err)
	}
	sc.setSession(updated)
	return nil
}
