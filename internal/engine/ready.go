package engine

import (
	"context"
	"errors"
	"log"

	"github.com/yungsuk53-pixel/crime/internal/game"
	"github.com/yungsuk53-pixel/crime/internal/interfaces"
	"github.com/yungsuk53-pixel/crime/internal/models"
)

// OnRosterRefresh replaces the roster snapshot and applies the roster
// driven moves: the ready quorum during the investigation stages and the
// all-voted close during voting. It reports whether the session moved.
func (e *Engine) OnRosterRefresh(ctx context.Context, sc *SessionContext, players []models.Player) (bool, error) {
	sc.setRoster(players)

	session := sc.Session()
	if session == nil || session.IsFinished() || sc.InFlight() {
		return false, nil
	}

	switch {
	case session.Stage.IsReadyEligible():
		tally := game.CountReady(session.Stage, readyVoters(players), e.threshold)
		if !tally.Reached() {
			return false, nil
		}
		next, ok := session.Stage.Next()
		if !ok {
			return false, nil
		}
		log.Printf("[Engine] Session %s: %d/%d ready in %s, skipping ahead", sc.code, tally.Ready, tally.Eligible, session.Stage)
		var err error
		if next == game.StageVoting {
			_, err = e.guardedFrom(ctx, sc, session.Stage, func() (*models.Session, error) {
				return e.beginVoting(ctx, sc, TransitionOptions{Silent: true})
			})
		} else {
			_, err = e.guardedFrom(ctx, sc, session.Stage, func() (*models.Session, error) {
				return e.transition(ctx, sc, next, TransitionOptions{Silent: true})
			})
		}
		return settle(err)

	case session.Stage == game.StageVoting:
		if !allVoted(players) {
			return false, nil
		}
		log.Printf("[Engine] Session %s: every player voted, closing the vote", sc.code)
		_, err := e.guardedFrom(ctx, sc, game.StageVoting, func() (*models.Session, error) {
			return e.closeVoting(ctx, sc)
		})
		return settle(err)
	}
	return false, nil
}

// guardedFrom runs fn under the guard only if the session is still in from
// once the guard is held.
func (e *Engine) guardedFrom(ctx context.Context, sc *SessionContext, from game.Stage, fn func() (*models.Session, error)) (*models.Session, error) {
	var out *models.Session
	err := e.guarded(ctx, sc, func() error {
		if cur := sc.Session(); cur == nil || cur.Stage != from {
			return errStageMoved
		}
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

var errStageMoved = errors.New("stage already moved")

// settle turns the benign outcomes of a roster driven move into "no move".
func settle(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errStageMoved), CodeOf(err) == CodeInFlight:
		return false, nil
	default:
		return false, err
	}
}

func readyVoters(players []models.Player) []game.ReadyVoter {
	out := make([]game.ReadyVoter, 0, len(players))
	for _, p := range players {
		out = append(out, game.ReadyVoter{IsBot: p.IsBot, StageReady: p.StageReady, ReadyStage: p.ReadyStage})
	}
	return out
}

func allVoted(players []models.Player) bool {
	humans := 0
	for _, p := range players {
		if p.IsBot {
			continue
		}
		humans++
		if !p.HasVoted {
			return false
		}
	}
	return humans > 0
}

// ToggleReady flips a player's ready vote for the current stage and then
// refreshes the roster, which may skip the stage.
func (e *Engine) ToggleReady(ctx context.Context, sc *SessionContext, playerID string) (*models.Player, error) {
	session, err := liveSession(sc)
	if err != nil {
		return nil, err
	}
	if !session.Stage.IsReadyEligible() {
		return nil, newError(CodePrecondition, "ready votes are not taken during %s", session.Stage.Label())
	}
	player, ok := sc.Player(playerID)
	if !ok {
		return nil, newError(CodeNotFound, "player %s is not in session %s", playerID, sc.code)
	}
	if player.IsBot {
		return nil, newError(CodePrecondition, "bots do not vote to skip")
	}

	flag := sc.toggleFlag(playerID)
	if !flag.CompareAndSwap(false, true) {
		return nil, newError(CodePrecondition, "a ready toggle for %s is already in flight", player.Name)
	}
	defer flag.Store(false)

	ready := !(player.StageReady && player.ReadyStage == session.Stage)
	updated, err := e.store.UpdatePlayer(ctx, playerID, interfaces.Fields{
		"stage_ready": ready,
		"ready_stage": session.Stage,
		"last_seen":   e.now(),
	})
	if err != nil {
		return nil, storeError("toggle ready", err)
	}
	sc.updateRosterPlayer(updated)

	if _, err := e.RefreshRoster(ctx, sc); err != nil {
		log.Printf("[Engine] Roster refresh after ready toggle in %s failed: %v", sc.code, err)
	}
	return updated, nil
}

// ReadySummary reports the ready votes for display.
func (e *Engine) ReadySummary(sc *SessionContext) game.ReadyTally {
	session := sc.Session()
	if session == nil || !session.Stage.IsReadyEligible() {
		return game.ReadyTally{}
	}
	return game.CountReady(session.Stage, readyVoters(sc.Roster()), e.threshold)
}
