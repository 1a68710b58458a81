package engine

import (
	"context"
	"log"

	"github.com/yungsuk53-pixel/crime/internal/interfaces"
	"github.com/yungsuk53-pixel/crime/internal/models"
)

func (e *Engine) remember(ctx context.Context, owner string, session *models.Session, name string, isHost bool) {
	if owner == "" || session == nil {
		return
	}
	err := e.recent.Remember(ctx, owner, interfaces.RecentSession{
		Code:       session.Code,
		Name:       name,
		IsHost:     isHost,
		ScenarioID: session.ScenarioID,
		SavedAt:    e.now(),
	})
	if err != nil {
		log.Printf("[Engine] Could not remember %s for %s: %v", session.Code, owner, err)
	}
}

// ResumableSessions lists the owner's recent sessions that can still be
// resumed, dropping entries whose session is gone, deleted or closed.
func (e *Engine) ResumableSessions(ctx context.Context, owner string) ([]interfaces.RecentSession, error) {
	entries, err := e.recent.List(ctx, owner)
	if err != nil {
		return nil, storeError("list recent sessions", err)
	}
	if len(entries) == 0 {
		return entries, nil
	}

	live := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if _, seen := live[entry.Code]; seen {
			continue
		}
		found, err := e.store.ListSessions(ctx, interfaces.ListOptions{Search: entry.Code, Limit: 1})
		if err != nil {
			return nil, storeError("check recent session", err)
		}
		live[entry.Code] = len(found) > 0 && !found[0].Deleted && !found[0].IsClosed()
	}

	keep := func(entry interfaces.RecentSession) bool { return live[entry.Code] }
	if err := e.recent.Prune(ctx, owner, keep); err != nil {
		return nil, storeError("prune recent sessions", err)
	}
	out := entries[:0]
	for _, entry := range entries {
		if keep(entry) {
			out = append(out, entry)
		}
	}
	return out, nil
}
