package interfaces

import (
	"context"
	"errors"

	"github.com/yungsuk53-pixel/crime/internal/models"
)

// ErrNotFound is returned when a record does not exist or was removed.
var ErrNotFound = errors.New("record not found")

// Fields is a partial update keyed by wire column name. Keys the record
// does not carry are rejected; id and created_at are never overwritten.
type Fields map[string]interface{}

// ListOptions narrows a table listing.
type ListOptions struct {
	SessionCode    string // players and chat_messages
	Search         string // exact code for sessions, exact name for players
	Limit          int
	IncludeDeleted bool
}

// Store is the record store the engine persists through. Every record
// gets a server-stamped id, created_at and updated_at. Remove is a soft
// delete that sets deleted=true.
type Store interface {
	ListSessions(ctx context.Context, opts ListOptions) ([]models.Session, error)
	CreateSession(ctx context.Context, session *models.Session) error
	UpdateSession(ctx context.Context, id string, fields Fields) (*models.Session, error)
	RemoveSession(ctx context.Context, id string) error

	ListPlayers(ctx context.Context, opts ListOptions) ([]models.Player, error)
	CreatePlayer(ctx context.Context, player *models.Player) error
	UpdatePlayer(ctx context.Context, id string, fields Fields) (*models.Player, error)
	RemovePlayer(ctx context.Context, id string) error

	ListChatMessages(ctx context.Context, opts ListOptions) ([]models.ChatMessage, error)
	CreateChatMessage(ctx context.Context, msg *models.ChatMessage) error
	RemoveChatMessage(ctx context.Context, id string) error
}
