package engine

import (
	"context"
	"log"

	"github.com/yungsuk53-pixel/crime/internal/game"
	"github.com/yungsuk53-pixel/crime/internal/interfaces"
	"github.com/yungsuk53-pixel/crime/internal/models"
)

// SubmitVote records a player's accusation. Each player votes once per
// voting stage; the last human vote closes the vote.
func (e *Engine) SubmitVote(ctx context.Context, sc *SessionContext, playerID, targetID string) (*models.Player, error) {
	session, err := liveSession(sc)
	if err != nil {
		return nil, err
	}
	if session.Stage != game.StageVoting {
		return nil, newError(CodePrecondition, "voting is not open")
	}
	if _, _, err := e.loadRoster(ctx, sc); err != nil {
		return nil, err
	}
	voter, ok := sc.Player(playerID)
	if !ok {
		return nil, newError(CodeNotFound, "player %s is not in session %s", playerID, sc.code)
	}
	if voter.HasVoted {
		return nil, newError(CodeConflict, "%s already voted", voter.Name)
	}
	if _, ok := sc.Player(targetID); !ok {
		return nil, newError(CodeNotFound, "vote target %s is not in session %s", targetID, sc.code)
	}

	flag := sc.toggleFlag(playerID)
	if !flag.CompareAndSwap(false, true) {
		return nil, newError(CodePrecondition, "a vote from %s is already in flight", voter.Name)
	}
	defer flag.Store(false)

	updated, err := e.store.UpdatePlayer(ctx, playerID, interfaces.Fields{
		"has_voted":   true,
		"vote_target": targetID,
		"last_seen":   e.now(),
	})
	if err != nil {
		return nil, storeError("record vote", err)
	}
	sc.updateRosterPlayer(updated)
	log.Printf("[Engine] Session %s: %s voted", sc.code, voter.Name)

	e.maybeAutoCloseVoting(ctx, sc)
	return updated, nil
}

// maybeAutoCloseVoting closes the vote once every human has voted.
func (e *Engine) maybeAutoCloseVoting(ctx context.Context, sc *SessionContext) {
	if !allVoted(sc.Roster()) {
		return
	}
	_, err := e.guardedFrom(ctx, sc, game.StageVoting, func() (*models.Session, error) {
		return e.closeVoting(ctx, sc)
	})
	if _, err := settle(err); err != nil {
		log.Printf("[Engine] Auto close of voting in %s failed: %v", sc.code, err)
	}
}
