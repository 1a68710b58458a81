package engine

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/yungsuk53-pixel/crime/internal/game"
	"github.com/yungsuk53-pixel/crime/internal/interfaces"
	"github.com/yungsuk53-pixel/crime/internal/models"
)

// TransitionOptions adjust a single stage transition.
type TransitionOptions struct {
	// Status overrides the status derived from the target stage.
	Status game.Status
	// Extra fields are merged into the session update last.
	Extra interfaces.Fields
	// Deadline overrides now + stage duration.
	Deadline *time.Time
	// AutoStage overrides whether the deadline timer runs.
	AutoStage *bool
	// Silent marks timer and quorum driven moves for clients.
	Silent bool
}

// StageChange is the payload of a stage_changed event.
type StageChange struct {
	From       game.Stage  `json:"from"`
	To         game.Stage  `json:"to"`
	Label      string      `json:"label"`
	Status     game.Status `json:"status"`
	DeadlineAt *time.Time  `json:"deadline_at,omitempty"`
	Silent     bool        `json:"silent"`
}

// Transition moves the session to target under the transition guard.
func (e *Engine) Transition(ctx context.Context, sc *SessionContext, target game.Stage, opts TransitionOptions) (*models.Session, error) {
	var out *models.Session
	err := e.guarded(ctx, sc, func() error {
		var err error
		out, err = e.transition(ctx, sc, target, opts)
		return err
	})
	return out, err
}

// transition persists the move and only then updates local state. The
// caller holds the guard.
func (e *Engine) transition(ctx context.Context, sc *SessionContext, target game.Stage, opts TransitionOptions) (*models.Session, error) {
	session, err := liveSession(sc)
	if err != nil {
		return nil, err
	}
	if !target.Valid() {
		return nil, newError(CodePrecondition, "unknown stage %q", target)
	}

	now := e.now()
	duration := e.timeline.Duration(target)

	autoStage := duration > 0 && !target.IsTerminal()
	if opts.AutoStage != nil {
		autoStage = *opts.AutoStage
	}

	var deadline *time.Time
	switch {
	case opts.Deadline != nil:
		d := *opts.Deadline
		deadline = &d
	case duration > 0:
		d := now.Add(duration)
		deadline = &d
	}
	if !autoStage || target.IsTerminal() {
		deadline = nil
	}

	status := opts.Status
	if status == "" {
		status, _ = target.Status()
	}

	fields := interfaces.Fields{
		"stage":              target,
		"status":             status,
		"stage_started_at":   now,
		"stage_deadline_at":  deadline,
		"auto_stage_enabled": autoStage,
		"last_activity":      now,
	}
	for k, v := range opts.Extra {
		fields[k] = v
	}

	updated, err := e.store.UpdateSession(ctx, session.ID, fields)
	if err != nil {
		return nil, storeError("persist stage transition", err)
	}
	sc.setSession(updated)

	e.resetReadyFlags(ctx, sc, target)
	if target.IsDiscussion() {
		e.scheduleBotClues(sc, target)
	}
	e.armDeadline(sc)

	log.Printf("[Engine] Session %s: %s -> %s (%s)", sc.code, session.Stage, target, status)
	e.publish(sc, interfaces.EventStageChanged, StageChange{
		From:       session.Stage,
		To:         target,
		Label:      target.Label(),
		Status:     status,
		DeadlineAt: updated.StageDeadlineAt,
		Silent:     opts.Silent,
	})
	if updated.IsFinished() {
		e.retire(sc)
	}
	return updated, nil
}

// resetReadyFlags scopes every human's ready flag to the new stage. Write
// failures are logged; the stage change already happened.
func (e *Engine) resetReadyFlags(ctx context.Context, sc *SessionContext, stage game.Stage) {
	for _, p := range sc.Roster() {
		if p.IsBot || (!p.StageReady && p.ReadyStage == stage) {
			continue
		}
		updated, err := e.store.UpdatePlayer(ctx, p.ID, interfaces.Fields{
			"stage_ready": false,
			"ready_stage": stage,
		})
		if err != nil {
			log.Printf("[Engine] Failed to reset ready flag for %s in %s: %v", p.Name, sc.code, err)
			continue
		}
		sc.updateRosterPlayer(updated)
	}
}

// deadlineRetry spaces attempts while another transition holds the guard.
const deadlineRetry = 200 * time.Millisecond

// armDeadline restarts the deadline timer from the session snapshot.
func (e *Engine) armDeadline(sc *SessionContext) {
	session := sc.Session()
	if session == nil || session.StageDeadlineAt == nil || !session.AutoStageEnabled || session.IsFinished() {
		sc.CancelTask(TaskDeadline)
		return
	}
	stage := session.Stage
	deadline := *session.StageDeadlineAt
	wait := deadline.Sub(e.now())
	if wait < 0 {
		wait = 0
	}
	e.debugf("[Scheduler] Session %s: %s deadline in %s", sc.code, stage, wait)
	sc.StartTask(TaskDeadline, func(ctx context.Context) {
		t := time.NewTimer(wait)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			cur := sc.Session()
			if cur == nil || cur.Stage != stage || cur.StageDeadlineAt == nil || !cur.StageDeadlineAt.Equal(deadline) {
				return
			}
			// The advance re-arms this task kind, so it runs on the
			// session's base context.
			_, err := e.AutoAdvance(sc.base, sc)
			if CodeOf(err) == CodeInFlight {
				t.Reset(deadlineRetry)
				continue
			}
			if err != nil {
				log.Printf("[Scheduler] Auto advance of %s from %s failed: %v", sc.code, stage, err)
			}
			return
		}
	})
}

// AutoAdvance performs the timer driven move out of the current stage.
// Lobby, result and closed sessions stay put; voting closes the vote.
func (e *Engine) AutoAdvance(ctx context.Context, sc *SessionContext) (*models.Session, error) {
	var out *models.Session
	err := e.guarded(ctx, sc, func() error {
		var err error
		out, err = e.autoAdvance(ctx, sc)
		return err
	})
	return out, err
}

func (e *Engine) autoAdvance(ctx context.Context, sc *SessionContext) (*models.Session, error) {
	session := sc.Session()
	if session == nil {
		return nil, newError(CodeNotFound, "session %s not loaded", sc.code)
	}
	if session.IsClosed() || session.Stage == game.StageLobby || session.Stage == game.StageResult {
		return session, nil
	}
	if session.Stage == game.StageVoting {
		return e.closeVoting(ctx, sc)
	}
	next, ok := session.Stage.Next()
	if !ok {
		log.Printf("[Engine] Session %s is in stage %q which has no successor; it needs manual recovery", sc.code, session.Stage)
		return nil, ErrUnknownStage
	}
	if next == game.StageVoting {
		return e.beginVoting(ctx, sc, TransitionOptions{Silent: true})
	}
	return e.transition(ctx, sc, next, TransitionOptions{Silent: true})
}

// SetStage is the host's manual stage change.
func (e *Engine) SetStage(ctx context.Context, sc *SessionContext, stage game.Stage) (*models.Session, error) {
	if !stage.Valid() {
		return nil, newError(CodePrecondition, "unknown stage %q", stage)
	}
	var out *models.Session
	err := e.guarded(ctx, sc, func() error {
		var err error
		if cur := sc.Session(); stage == game.StageVoting && cur != nil && cur.Stage.CanBeginVoting() {
			out, err = e.beginVoting(ctx, sc, TransitionOptions{})
			return err
		}
		out, err = e.transition(ctx, sc, stage, TransitionOptions{})
		return err
	})
	return out, err
}

// BeginVoting clears every vote and opens the voting stage.
func (e *Engine) BeginVoting(ctx context.Context, sc *SessionContext) (*models.Session, error) {
	var out *models.Session
	err := e.guarded(ctx, sc, func() error {
		var err error
		out, err = e.beginVoting(ctx, sc, TransitionOptions{})
		return err
	})
	return out, err
}

func (e *Engine) beginVoting(ctx context.Context, sc *SessionContext, opts TransitionOptions) (*models.Session, error) {
	session, err := liveSession(sc)
	if err != nil {
		return nil, err
	}
	if !session.Stage.CanBeginVoting() {
		return nil, newError(CodePrecondition, "voting can only begin during the investigation stages, not %s", session.Stage)
	}
	players, _, err := e.loadRoster(ctx, sc)
	if err != nil {
		return nil, err
	}
	for _, p := range players {
		if !p.HasVoted && p.VoteTarget == "" {
			continue
		}
		updated, err := e.store.UpdatePlayer(ctx, p.ID, interfaces.Fields{
			"has_voted":   false,
			"vote_target": "",
		})
		if err != nil {
			return nil, storeError("clear votes", err)
		}
		sc.updateRosterPlayer(updated)
	}
	opts.Status = game.StatusVoting
	return e.transition(ctx, sc, game.StageVoting, opts)
}

// voteSummary is stored in the session's vote_summary column.
type voteSummary struct {
	Tallies   map[string]int `json:"tallies"`
	Culprit   string         `json:"culprit"`
	ChosenID  string         `json:"chosen_id"`
	VotesCast int            `json:"votes_cast"`
}

// CloseVoting tallies the votes and moves the session to its result.
func (e *Engine) CloseVoting(ctx context.Context, sc *SessionContext) (*models.Session, error) {
	var out *models.Session
	err := e.guarded(ctx, sc, func() error {
		var err error
		out, err = e.closeVoting(ctx, sc)
		return err
	})
	return out, err
}

func (e *Engine) closeVoting(ctx context.Context, sc *SessionContext) (*models.Session, error) {
	session, err := liveSession(sc)
	if err != nil {
		return nil, err
	}
	if session.Stage != game.StageVoting {
		return nil, newError(CodePrecondition, "voting is not open")
	}
	players, _, err := e.loadRoster(ctx, sc)
	if err != nil {
		return nil, err
	}

	outcome := game.TallyVotes(ballots(players))
	if outcome.CulpritID == "" {
		log.Printf("[Engine] Session %s closed voting without a culprit on the roster", sc.code)
	}
	summary, err := json.Marshal(voteSummary{
		Tallies:   outcome.Tallies,
		Culprit:   outcome.CulpritName,
		ChosenID:  outcome.ChosenID,
		VotesCast: outcome.VotesCast,
	})
	if err != nil {
		return nil, newError(CodeIntegrity, "encode vote summary: %v", err)
	}

	autoStage := false
	now := e.now()
	updated, err := e.transition(ctx, sc, game.StageResult, TransitionOptions{
		Status:    game.StatusResult,
		AutoStage: &autoStage,
		Extra: interfaces.Fields{
			"ended_at":     now,
			"winning_side": outcome.WinningSide,
			"vote_summary": string(summary),
		},
	})
	if err != nil {
		return nil, err
	}
	e.publish(sc, interfaces.EventVoteClosed, outcome)
	return updated, nil
}

func ballots(players []models.Player) []game.Ballot {
	out := make([]game.Ballot, 0, len(players))
	for _, p := range players {
		out = append(out, game.Ballot{
			PlayerID:   p.ID,
			Name:       p.Name,
			Role:       p.Role,
			VoteTarget: p.VoteTarget,
		})
	}
	return out
}

// DefaultEndSummary is stored when the host ends a session without a note.
const DefaultEndSummary = "host stopped the game"

// EndSessionNow closes the session from any stage. Closing an already
// closed session returns it unchanged.
func (e *Engine) EndSessionNow(ctx context.Context, sc *SessionContext, summary string) (*models.Session, error) {
	var out *models.Session
	closedNow := false
	err := e.guarded(ctx, sc, func() error {
		session := sc.Session()
		if session == nil {
			return newError(CodeNotFound, "session %s not loaded", sc.code)
		}
		if session.IsClosed() {
			out = session
			return nil
		}
		closedNow = true
		if summary == "" {
			summary = DefaultEndSummary
		}
		autoStage := false
		var err error
		out, err = e.transition(ctx, sc, game.StageResult, TransitionOptions{
			Status:    game.StatusClosed,
			AutoStage: &autoStage,
			Extra: interfaces.Fields{
				"ended_at":     e.now(),
				"winning_side": game.SideNone,
				"vote_summary": summary,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if closedNow {
		e.publish(sc, interfaces.EventSessionClosed, out)
	}
	return out, nil
}

// EnsureStageSchedule re-arms a missing deadline for a timed stage. It
// reports whether the session was updated. It runs under the transition
// guard and fails with CodeInFlight while a transition holds it.
func (e *Engine) EnsureStageSchedule(ctx context.Context, sc *SessionContext) (bool, error) {
	rearmed := false
	err := e.guarded(ctx, sc, func() error {
		session := sc.Session()
		if session == nil || session.IsFinished() || session.Stage == game.StageLobby {
			return nil
		}
		duration := e.timeline.Duration(session.Stage)
		if duration <= 0 {
			return nil
		}
		if session.StageDeadlineAt != nil && session.AutoStageEnabled {
			return nil
		}
		deadline := e.now().Add(duration)
		updated, err := e.store.UpdateSession(ctx, session.ID, interfaces.Fields{
			"stage_deadline_at":  &deadline,
			"auto_stage_enabled": true,
		})
		if err != nil {
			return storeError("re-arm stage deadline", err)
		}
		sc.setSession(updated)
		e.armDeadline(sc)
		log.Printf("[Engine] Session %s: re-armed %s deadline", sc.code, session.Stage)
		rearmed = true
		return nil
	})
	return rearmed, err
}
