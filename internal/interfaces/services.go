package interfaces

import (
	"context"
	"time"
)

// RecentSession is a session a host or player can resume.
type RecentSession struct {
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	IsHost     bool      `json:"is_host"`
	ScenarioID string    `json:"scenario_id,omitempty"`
	SavedAt    time.Time `json:"saved_at"`
}

// RecentSessionsRepository remembers recently used sessions per owner,
// newest first, de-duplicated on (code, name).
type RecentSessionsRepository interface {
	Remember(ctx context.Context, owner string, entry RecentSession) error
	List(ctx context.Context, owner string) ([]RecentSession, error)
	// Prune drops every entry for which keep returns false.
	Prune(ctx context.Context, owner string, keep func(RecentSession) bool) error
}

// Locker serialises stage transitions across server instances.
type Locker interface {
	// TryLock returns a release func when the lock was acquired, or
	// ok=false when another holder owns it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// BotLine is a line a bot is about to post to chat.
type BotLine struct {
	BotName   string
	Role      string
	Character string
	Stage     string
	Kind      string // "intro" or "clue"
	Text      string
}

// Narrator turns a bot line into chat text.
type Narrator interface {
	Narrate(ctx context.Context, line BotLine) (string, error)
}

// Event is a session change pushed to connected clients.
type Event struct {
	Type        string      `json:"type"`
	SessionCode string      `json:"session_code"`
	Payload     interface{} `json:"payload,omitempty"`
	At          time.Time   `json:"at"`
}

const (
	EventStageChanged  = "stage_changed"
	EventRosterChanged = "roster_changed"
	EventChatPosted    = "chat_posted"
	EventVoteClosed    = "vote_closed"
	EventSessionClosed = "session_closed"
)

// EventPublisher fans session events out to subscribers.
type EventPublisher interface {
	Publish(event Event)
}
