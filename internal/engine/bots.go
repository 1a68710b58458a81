package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/yungsuk53-pixel/crime/internal/game"
	"github.com/yungsuk53-pixel/crime/internal/interfaces"
	"github.com/yungsuk53-pixel/crime/internal/models"
)

// Bot player defaults.
const (
	BotPin          = "BOT"
	BotCharacter    = "Bot participant"
	BotRoleBriefing = "Bots share a summary of their information automatically."
)

// discussionRound maps a discussion stage to the clue round its bots share.
var discussionRound = map[game.Stage]game.Stage{
	game.StageDiscussionA:     game.StageClueA,
	game.StageDiscussionB:     game.StageClueB,
	game.StageFinalDiscussion: game.StageClueC,
}

var introFallbacks = map[game.Role]string{
	game.RoleDetective: "starting the investigation",
	game.RoleCulprit:   "carrying out the plan",
	game.RoleSuspect:   "preparing an alibi",
}

// scheduleBotClues queues the bots' clue broadcast for a discussion stage.
// A later stage change replaces the pending broadcast.
func (e *Engine) scheduleBotClues(sc *SessionContext, stage game.Stage) {
	round, ok := discussionRound[stage]
	if !ok {
		return
	}
	sc.StartTimer(TaskBotBroadcast, e.botClueDelay, func(ctx context.Context) {
		cur := sc.Session()
		if cur == nil || cur.Stage != stage || cur.IsFinished() {
			return
		}
		e.broadcastBotClues(ctx, sc, stage, round)
	})
}

func (e *Engine) broadcastBotClues(ctx context.Context, sc *SessionContext, stage, round game.Stage) {
	posted := 0
	for _, p := range sc.Roster() {
		if !p.IsBot {
			continue
		}
		pkg, err := game.ParseCluePackage(p.ClueSummary)
		if err != nil {
			log.Printf("[Engine] Bot %s in %s has an unreadable clue package: %v", p.Name, sc.code, err)
			continue
		}
		r, ok := pkg.RoundFor(round)
		if !ok {
			continue
		}
		lines := append(append([]string{}, r.Truths...), r.Misdirections...)
		for _, text := range lines {
			if posted > 0 && !e.pause(ctx) {
				return
			}
			cur := sc.Session()
			if cur == nil || cur.Stage != stage {
				return
			}
			if err := e.postBotLine(ctx, sc, p, "clue", text); err != nil {
				log.Printf("[Engine] Bot %s could not post in %s: %v", p.Name, sc.code, err)
				return
			}
			posted++
		}
	}
	if posted > 0 {
		e.debugf("[Engine] Session %s: bots shared %d clues for %s", sc.code, posted, stage)
	}
}

// postBotIntros has every bot introduce its role once roles are dealt.
func (e *Engine) postBotIntros(ctx context.Context, sc *SessionContext, assignments []game.Assignment) {
	for _, a := range assignments {
		if !a.Seat.IsBot {
			continue
		}
		p, ok := sc.Player(a.Seat.PlayerID)
		if !ok {
			continue
		}
		text := fmt.Sprintf("I am the %s, %s", strings.ToLower(a.Role.Label()), introText(a))
		if err := e.postBotLine(ctx, sc, p, "intro", text); err != nil {
			log.Printf("[Engine] Bot %s could not introduce itself in %s: %v", p.Name, sc.code, err)
		}
	}
}

func introText(a game.Assignment) string {
	if b := strings.TrimSpace(a.Persona.BriefingText()); b != "" {
		return b
	}
	return introFallbacks[a.Role]
}

func (e *Engine) postBotLine(ctx context.Context, sc *SessionContext, p models.Player, kind, text string) error {
	stage := game.StageLobby
	if cur := sc.Session(); cur != nil {
		stage = cur.Stage
	}
	message, err := e.narrator.Narrate(ctx, interfaces.BotLine{
		BotName:   p.Name,
		Role:      string(p.Role),
		Character: p.Character,
		Stage:     string(stage),
		Kind:      kind,
		Text:      text,
	})
	if err != nil || strings.TrimSpace(message) == "" {
		message = text
	}
	_, err = e.createChat(ctx, sc, p.Name, chatRole(p), message)
	return err
}

// pause waits between half and one and a half message gaps. It reports
// false when ctx ends.
func (e *Engine) pause(ctx context.Context) bool {
	if e.botMessageGap <= 0 {
		return ctx.Err() == nil
	}
	wait := e.botMessageGap/2 + time.Duration(e.intn(int(e.botMessageGap)))
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
