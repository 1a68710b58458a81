package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungsuk53-pixel/crime/internal/interfaces"
	"github.com/yungsuk53-pixel/crime/internal/models"
)

// MemoryStore is an in-process Store used when MySQL is not configured
// and in tests. Records keep their insertion order.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions []*models.Session
	players  []*models.Player
	messages []*models.ChatMessage
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// WithClock replaces the clock used for record timestamps.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) ListSessions(_ context.Context, opts interfaces.ListOptions) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Session, 0)
	for i := len(s.sessions) - 1; i >= 0; i-- {
		rec := s.sessions[i]
		if rec.Deleted && !opts.IncludeDeleted {
			continue
		}
		if opts.Search != "" && rec.Code != opts.Search {
			continue
		}
		out = append(out, *rec)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stamp(&session.ID, &session.CreatedAt, &session.UpdatedAt)
	rec := *session
	s.sessions = append(s.sessions, &rec)
	return nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, id string, fields interfaces.Fields) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, rec := range s.sessions {
		if rec.ID != id || rec.Deleted {
			continue
		}
		var merged models.Session
		if err := mergeFields(rec, fields, s.now(), &merged); err != nil {
			return nil, fmt.Errorf("update session %s: %w", id, err)
		}
		s.sessions[i] = &merged
		out := merged
		return &out, nil
	}
	return nil, fmt.Errorf("update session %s: %w", id, interfaces.ErrNotFound)
}

func (s *MemoryStore) RemoveSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.sessions {
		if rec.ID == id && !rec.Deleted {
			rec.Deleted = true
			rec.UpdatedAt = s.now()
			return nil
		}
	}
	return fmt.Errorf("remove session %s: %w", id, interfaces.ErrNotFound)
}

func (s *MemoryStore) ListPlayers(_ context.Context, opts interfaces.ListOptions) ([]models.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Player, 0)
	for _, rec := range s.players {
		if rec.Deleted && !opts.IncludeDeleted {
			continue
		}
		if opts.SessionCode != "" && rec.SessionCode != opts.SessionCode {
			continue
		}
		if opts.Search != "" && rec.Name != opts.Search {
			continue
		}
		out = append(out, *rec)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CreatePlayer(_ context.Context, player *models.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stamp(&player.ID, &player.CreatedAt, &player.UpdatedAt)
	rec := *player
	s.players = append(s.players, &rec)
	return nil
}

func (s *MemoryStore) UpdatePlayer(_ context.Context, id string, fields interfaces.Fields) (*models.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, rec := range s.players {
		if rec.ID != id || rec.Deleted {
			continue
		}
		var merged models.Player
		if err := mergeFields(rec, fields, s.now(), &merged); err != nil {
			return nil, fmt.Errorf("update player %s: %w", id, err)
		}
		s.players[i] = &merged
		out := merged
		return &out, nil
	}
	return nil, fmt.Errorf("update player %s: %w", id, interfaces.ErrNotFound)
}

func (s *MemoryStore) RemovePlayer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.players {
		if rec.ID == id && !rec.Deleted {
			rec.Deleted = true
			rec.UpdatedAt = s.now()
			return nil
		}
	}
	return fmt.Errorf("remove player %s: %w", id, interfaces.ErrNotFound)
}

// ListChatMessages returns the newest opts.Limit messages in send order.
func (s *MemoryStore) ListChatMessages(_ context.Context, opts interfaces.ListOptions) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ChatMessage, 0)
	for _, rec := range s.messages {
		if rec.Deleted && !opts.IncludeDeleted {
			continue
		}
		if opts.SessionCode != "" && rec.SessionCode != opts.SessionCode {
			continue
		}
		out = append(out, *rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

func (s *MemoryStore) CreateChatMessage(_ context.Context, msg *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stamp(&msg.ID, &msg.CreatedAt, &msg.UpdatedAt)
	if msg.SentAt.IsZero() {
		msg.SentAt = msg.CreatedAt
	}
	rec := *msg
	s.messages = append(s.messages, &rec)
	return nil
}

func (s *MemoryStore) RemoveChatMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.messages {
		if rec.ID == id && !rec.Deleted {
			rec.Deleted = true
			rec.UpdatedAt = s.now()
			return nil
		}
	}
	return fmt.Errorf("remove chat message %s: %w", id, interfaces.ErrNotFound)
}

func (s *MemoryStore) stamp(id *string, createdAt, updatedAt *time.Time) {
	now := s.now()
	*id = uuid.NewString()
	*createdAt = now
	*updatedAt = now
}

// mergeFields overlays fields on a copy of current and decodes the result
// into out. The record is round-tripped through its wire form so keys match
// the json tags used by the HTTP surface and the SQL columns.
func mergeFields(current interface{}, fields interfaces.Fields, now time.Time, out interface{}) error {
	raw, err := json.Marshal(current)
	if err != nil {
		return err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	for key, value := range fields {
		if _, ok := doc[key]; !ok {
			return fmt.Errorf("unknown field %q", key)
		}
		if protectedField(key) {
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode field %q: %w", key, err)
		}
		doc[key] = encoded
	}
	stamped, err := json.Marshal(now)
	if err != nil {
		return err
	}
	doc["updated_at"] = stamped

	merged, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, out)
}

func protectedField(key string) bool {
	return key == "id" || key == "created_at" || key == "updated_at"
}
