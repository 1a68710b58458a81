package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yungsuk53-pixel/crime/internal/config"
	"github.com/yungsuk53-pixel/crime/internal/interfaces"
	"github.com/yungsuk53-pixel/crime/internal/models"
)

// MySQLStore is the gorm backed Store.
type MySQLStore struct {
	db *gorm.DB
}

func NewMySQLStore(cfg config.MySQLConfig, verbose bool) (*MySQLStore, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.Username,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	logMode := logger.Warn
	if verbose {
		logMode = logger.Info
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logMode),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&models.Session{}, &models.Player{}, &models.ChatMessage{}); err != nil {
		return nil, err
	}

	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *MySQLStore) ListSessions(ctx context.Context, opts interfaces.ListOptions) ([]models.Session, error) {
	var out []models.Session
	q := s.db.WithContext(ctx).Model(&models.Session{})
	if !opts.IncludeDeleted {
		q = q.Where("deleted = ?", false)
	}
	if opts.Search != "" {
		q = q.Where("code = ?", opts.Search)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (s *MySQLStore) CreateSession(ctx context.Context, session *models.Session) error {
	session.ID = uuid.NewString()
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *MySQLStore) UpdateSession(ctx context.Context, id string, fields interfaces.Fields) (*models.Session, error) {
	var out models.Session
	if err := s.update(ctx, &out, id, fields); err != nil {
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}
	return &out, nil
}

func (s *MySQLStore) RemoveSession(ctx context.Context, id string) error {
	if err := s.softDelete(ctx, &models.Session{}, id); err != nil {
		return fmt.Errorf("remove session %s: %w", id, err)
	}
	return nil
}

func (s *MySQLStore) ListPlayers(ctx context.Context, opts interfaces.ListOptions) ([]models.Player, error) {
	var out []models.Player
	q := s.db.WithContext(ctx).Model(&models.Player{})
	if !opts.IncludeDeleted {
		q = q.Where("deleted = ?", false)
	}
	if opts.SessionCode != "" {
		q = q.Where("session_code = ?", opts.SessionCode)
	}
	if opts.Search != "" {
		q = q.Where("name = ?", opts.Search)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if err := q.Order("created_at ASC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	return out, nil
}

func (s *MySQLStore) CreatePlayer(ctx context.Context, player *models.Player) error {
	player.ID = uuid.NewString()
	if err := s.db.WithContext(ctx).Create(player).Error; err != nil {
		return fmt.Errorf("create player: %w", err)
	}
	return nil
}

func (s *MySQLStore) UpdatePlayer(ctx context.Context, id string, fields interfaces.Fields) (*models.Player, error) {
	var out models.Player
	if err := s.update(ctx, &out, id, fields); err != nil {
		return nil, fmt.Errorf("update player %s: %w", id, err)
	}
	return &out, nil
}

func (s *MySQLStore) RemovePlayer(ctx context.Context, id string) error {
	if err := s.softDelete(ctx, &models.Player{}, id); err != nil {
		return fmt.Errorf("remove player %s: %w", id, err)
	}
	return nil
}

// ListChatMessages returns the newest opts.Limit messages in send order.
func (s *MySQLStore) ListChatMessages(ctx context.Context, opts interfaces.ListOptions) ([]models.ChatMessage, error) {
	var out []models.ChatMessage
	q := s.db.WithContext(ctx).Model(&models.ChatMessage{})
	if !opts.IncludeDeleted {
		q = q.Where("deleted = ?", false)
	}
	if opts.SessionCode != "" {
		q = q.Where("session_code = ?", opts.SessionCode)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if err := q.Order("sent_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MySQLStore) CreateChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	msg.ID = uuid.NewString()
	if msg.SentAt.IsZero() {
		msg.SentAt = s.db.NowFunc()
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("create chat message: %w", err)
	}
	return nil
}

func (s *MySQLStore) RemoveChatMessage(ctx context.Context, id string) error {
	if err := s.softDelete(ctx, &models.ChatMessage{}, id); err != nil {
		return fmt.Errorf("remove chat message %s: %w", id, err)
	}
	return nil
}

// WithTx runs fn inside a transaction.
func (s *MySQLStore) WithTx(ctx context.Context, fn func(*gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// update applies fields to a live record and reloads it into out.
func (s *MySQLStore) update(ctx context.Context, out interface{}, id string, fields interfaces.Fields) error {
	values := make(map[string]interface{}, len(fields))
	for key, value := range fields {
		if protectedField(key) {
			continue
		}
		values[key] = value
	}
	return s.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND deleted = ?", id, false).First(out).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return interfaces.ErrNotFound
			}
			return err
		}
		if len(values) > 0 {
			if err := tx.Model(out).Updates(values).Error; err != nil {
				return err
			}
		}
		return tx.Where("id = ?", id).First(out).Error
	})
}

func (s *MySQLStore) softDelete(ctx context.Context, model interface{}, id string) error {
	res := s.db.WithContext(ctx).Model(model).
		Where("id = ? AND deleted = ?", id, false).
		Update("deleted", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}
