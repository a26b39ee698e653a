package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/karthikraju391/roomchat/models"
	"github.com/karthikraju391/roomchat/rooms"
)

// historyRow is one line of a room table. The table name is supplied per
// query from the registry binding.
type historyRow struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Alias     string    `gorm:"size:40;not null"`
	Message   string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// SQLite is a single-file history store for running one instance without a
// database server.
type SQLite struct {
	db       *gorm.DB
	registry *rooms.Registry
	logger   *slog.Logger
}

func NewSQLite(path string, registry *rooms.Registry, log *slog.Logger) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return &SQLite{db: db, registry: registry, logger: log.With("component", "store")}, nil
}

func (s *SQLite) table(room string) (string, error) {
	t, ok := s.registry.Table(room)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRoom, room)
	}
	return t, nil
}

// EnsureSchema migrates every room table and its created_at index.
func (s *SQLite) EnsureSchema(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	for _, room := range s.registry.Names() {
		table, _ := s.registry.Table(room)
		if err := db.Table(table).AutoMigrate(&historyRow{}); err != nil {
			return fmt.Errorf("migrating %s: %w", table, err)
		}
		// Index names are global in SQLite, so each one carries its table.
		if err := db.Exec(fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "%s_created_at_idx" ON "%s" (created_at)`, table, table)).Error; err != nil {
			return fmt.Errorf("indexing %s: %w", table, err)
		}
	}
	s.logger.Info("History schema ready", "rooms", len(s.registry.Names()))
	return nil
}

func (s *SQLite) Insert(ctx context.Context, room, alias, text string) (models.Message, error) {
	table, err := s.table(room)
	if err != nil {
		return models.Message{}, err
	}
	row := historyRow{Alias: models.ClipAlias(alias), Message: text, CreatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Table(table).Create(&row).Error; err != nil {
		return models.Message{}, fmt.Errorf("inserting into %s: %w", table, err)
	}
	return models.Message{Alias: row.Alias, Text: row.Message, CreatedAt: row.CreatedAt}, nil
}

func (s *SQLite) Recent(ctx context.Context, room string, limit, offset int) ([]models.Message, error) {
	table, err := s.table(room)
	if err != nil {
		return nil, err
	}
	limit, offset = ClampPage(limit, offset)

	var rows []historyRow
	err = s.db.WithContext(ctx).Table(table).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}

	msgs := make([]models.Message, len(rows))
	for i, r := range rows {
		msgs[i] = models.Message{Alias: r.Alias, Text: r.Message, CreatedAt: r.CreatedAt}
	}
	reverse(msgs)
	return msgs, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLite) Close() {
	sqlDB, err := s.db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		s.logger.Warn("Error closing sqlite database", "error", err)
	}
}
