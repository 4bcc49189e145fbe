package gembot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
)

// TurnRole tags a conversation turn as originating from the user or
// from the model.
type TurnRole string

const (
	TurnRoleUser  TurnRole = "user"
	TurnRoleModel TurnRole = "model"
)

// Turn is one role-tagged message in a conversation's history. Turns
// are immutable once created, and ordered by timestamp ascending within
// a conversation.
type Turn struct {
	Role      TurnRole  `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// ConversationTurn is the DB model for a single persisted turn. A
// conversation is identified by its DM channel ID.
type ConversationTurn struct {
	ModelUintID
	ConversationID string   `gorm:"index" json:"conversation_id"`
	AuthorID       string   `json:"author_id"`
	Role           TurnRole `json:"role"`
	Content        string   `json:"content"`
	Timestamp      int64    `gorm:"index" json:"timestamp"`
}

func (c ConversationTurn) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("conversation_id", c.ConversationID),
		slog.String("author_id", c.AuthorID),
		slog.String("role", string(c.Role)),
		slog.Int64("timestamp", c.Timestamp),
		slog.String("content", truncate(c.Content, 100)),
	)
}

// HistoryStore abstracts durable conversation history.
//
// When no durable backend is configured, every operation is a no-op
// that reports success but yields no turns. Callers must treat an empty
// Fetch result as "unknown", not as "conversation confirmed empty",
// except immediately after an explicit Clear.
type HistoryStore interface {
	// Fetch returns up to limit of the most recent turns for the
	// conversation, in ascending timestamp order. Empty-content rows
	// are excluded.
	Fetch(ctx context.Context, conversationID string, limit int) ([]Turn, error)

	// Append persists a single turn. Empty-text turns are never persisted.
	Append(ctx context.Context, conversationID string, authorID string, turn Turn) error

	// Clear deletes all turns for the conversation.
	Clear(ctx context.Context, conversationID string) error

	// Enabled reports whether a durable backend is configured.
	Enabled() bool
}

// newDatabase opens a gorm connection for the configured backend and
// migrates the schema.
func newDatabase(cfg *Config, handler slog.Handler) (*gorm.DB, error) {
	gormLogger := newGORMLogger(handler, cfg.DatabaseSlowThreshold)

	var dialector gorm.Dialector
	switch cfg.DatabaseType {
	case dbTypeSQLite:
		dialector = sqlite.Open(cfg.Database)
	case dbTypePostgres:
		dialector = postgres.Open(cfg.Database)
	default:
		return nil, fmt.Errorf("unknown database type: %q", cfg.DatabaseType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if cfg.DatabaseType == dbTypeSQLite {
		sqlDB, e := db.DB()
		if e != nil {
			return nil, e
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if e = db.Exec(pragma).Error; e != nil {
				return nil, fmt.Errorf("error setting pragma %q: %w", pragma, e)
			}
		}
	}

	if err = db.AutoMigrate(&ConversationTurn{}); err != nil {
		return nil, fmt.Errorf("error migrating schema: %w", err)
	}

	return db, nil
}

// gormHistoryStore implements HistoryStore on a gorm connection.
// When using sqlite, writes are serialized with a mutex.
type gormHistoryStore struct {
	db              *gorm.DB
	mu              sync.Mutex
	logger          *slog.Logger
	serializeWrites bool
}

func newHistoryStore(
	db *gorm.DB,
	log *slog.Logger,
	serializeWrites bool,
) *gormHistoryStore {
	if log == nil {
		log = slog.Default()
	}
	return &gormHistoryStore{
		db:              db,
		logger:          log.With(loggerNameKey, "history_store"),
		serializeWrites: serializeWrites,
	}
}

func (g *gormHistoryStore) lock() {
	if g.serializeWrites {
		g.mu.Lock()
	}
}

func (g *gormHistoryStore) unlock() {
	if g.serializeWrites {
		g.mu.Unlock()
	}
}

func (g *gormHistoryStore) Enabled() bool {
	return true
}

func (g *gormHistoryStore) Fetch(
	ctx context.Context,
	conversationID string,
	limit int,
) ([]Turn, error) {
	var rows []ConversationTurn
	err := g.db.WithContext(ctx).
		Where("conversation_id = ? AND content <> ''", conversationID).
		Order("timestamp desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("error fetching turns: %w", err)
	}

	// rows are newest-first; replay them ascending
	turns := make([]Turn, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		turns = append(
			turns, Turn{
				Role:      rows[i].Role,
				Text:      rows[i].Content,
				Timestamp: time.UnixMilli(rows[i].Timestamp).UTC(),
			},
		)
	}
	return turns, nil
}

func (g *gormHistoryStore) Append(
	ctx context.Context,
	conversationID string,
	authorID string,
	turn Turn,
) error {
	if turn.Text == "" {
		g.logger.WarnContext(
			ctx,
			"refusing to persist empty turn",
			"conversation_id", conversationID,
		)
		return nil
	}
	row := ConversationTurn{
		ConversationID: conversationID,
		AuthorID:       authorID,
		Role:           turn.Role,
		Content:        turn.Text,
		Timestamp:      turn.Timestamp.UnixMilli(),
	}
	g.lock()
	defer g.unlock()
	if err := g.db.WithContext(ctx).Create(&row).Error; err != nil {
		g.logger.ErrorContext(ctx, "error appending turn", tint.Err(err))
		return fmt.Errorf("error appending turn: %w", err)
	}
	return nil
}

func (g *gormHistoryStore) Clear(
	ctx context.Context,
	conversationID string,
) error {
	g.lock()
	defer g.unlock()
	err := g.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Delete(&ConversationTurn{}).Error
	if err != nil {
		g.logger.ErrorContext(ctx, "error clearing turns", tint.Err(err))
		return fmt.Errorf("error clearing turns: %w", err)
	}
	return nil
}

// disabledHistoryStore is used when no database is configured. Every
// operation succeeds and yields nothing.
type disabledHistoryStore struct{}

func (disabledHistoryStore) Enabled() bool {
	return false
}

func (disabledHistoryStore) Fetch(
	context.Context,
	string,
	int,
) ([]Turn, error) {
	return nil, nil
}

func (disabledHistoryStore) Append(
	context.Context,
	string,
	string,
	Turn,
) error {
	return nil
}

func (disabledHistoryStore) Clear(context.Context, string) error {
	return nil
}
