package engine

import (
	"context"
	"log"

	"github.com/yungsuk53-pixel/crime/internal/interfaces"
	"github.com/yungsuk53-pixel/crime/internal/models"
)

// startPolling starts the session, roster, chat and host heartbeat loops.
// Zero intervals leave the loop off.
func (e *Engine) startPolling(sc *SessionContext) {
	sc.StartTicker(TaskSessionPoll, e.sessionPoll, func(ctx context.Context) {
		if _, err := e.RefreshSession(ctx, sc); err != nil {
			log.Printf("[Scheduler] Session poll for %s failed: %v", sc.code, err)
		}
	})
	sc.StartTicker(TaskRosterPoll, e.rosterPoll, func(ctx context.Context) {
		if _, err := e.RefreshRoster(ctx, sc); err != nil {
			log.Printf("[Scheduler] Roster poll for %s failed: %v", sc.code, err)
		}
	})
	sc.StartTicker(TaskChatPoll, e.chatPoll, func(ctx context.Context) {
		if err := e.pollChat(ctx, sc); err != nil {
			log.Printf("[Scheduler] Chat poll for %s failed: %v", sc.code, err)
		}
	})
	sc.StartTicker(TaskHeartbeat, e.heartbeatInterval, func(ctx context.Context) {
		host, ok := hostOf(sc.Roster())
		if !ok {
			return
		}
		if _, err := e.Heartbeat(ctx, sc, host.ID); err != nil {
			log.Printf("[Scheduler] Host heartbeat for %s failed: %v", sc.code, err)
		}
	})
}

// pollChat publishes messages written by other servers since the last one
// this context saw.
func (e *Engine) pollChat(ctx context.Context, sc *SessionContext) error {
	msgs, err := e.ListChat(ctx, sc.code, 0)
	if err != nil {
		return err
	}
	for i := range msgs {
		if sc.noteChat(msgs[i].SentAt) {
			e.publish(sc, interfaces.EventChatPosted, &msgs[i])
		}
	}
	return nil
}

func hostOf(players []models.Player) (models.Player, bool) {
	for _, p := range players {
		if p.IsHost {
			return p, true
		}
	}
	return models.Player{}, false
}
