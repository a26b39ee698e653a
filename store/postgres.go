package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/karthikraju391/roomchat/models"
	"github.com/karthikraju391/roomchat/rooms"
)

// Postgres keeps each room in its own table. Table identifiers are taken
// from the registry binding and quoted, never built from request input.
type Postgres struct {
	pool     *pgxpool.Pool
	registry *rooms.Registry
	logger   *slog.Logger
}

// NewPostgres opens a bounded connection pool. maxConns caps concurrent
// queries across all sessions.
func NewPostgres(ctx context.Context, databaseURL string, maxConns int32, registry *rooms.Registry, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	return &Postgres{
		pool:     pool,
		registry: registry,
		logger:   logger.With("component", "store"),
	}, nil
}

func (p *Postgres) table(room string) (string, error) {
	t, ok := p.registry.Table(room)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRoom, room)
	}
	return pgx.Identifier{t}.Sanitize(), nil
}

// EnsureSchema creates the table and created_at index for every configured
// room. It is idempotent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, room := range p.registry.Names() {
			name, _ := p.registry.Table(room)
			table := pgx.Identifier{name}.Sanitize()
			index := pgx.Identifier{name + "_created_at_idx"}.Sanitize()

			ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				alias VARCHAR(40) NOT NULL,
				message TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, table)
			if _, err := tx.Exec(ctx, ddl); err != nil {
				return fmt.Errorf("creating %s: %w", table, err)
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (created_at)`, index, table)); err != nil {
				return fmt.Errorf("indexing %s: %w", table, err)
			}
			p.logger.Debug("Room table ready", "room", room, "table", name)
		}
		return nil
	})
}

func (p *Postgres) Insert(ctx context.Context, room, alias, text string) (models.Message, error) {
	table, err := p.table(room)
	if err != nil {
		return models.Message{}, err
	}
	msg := models.Message{Alias: models.ClipAlias(alias), Text: text}
	err = p.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (alias, message) VALUES ($1, $2) RETURNING created_at`, table),
		msg.Alias, msg.Text,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("inserting into %s: %w", table, err)
	}
	return msg, nil
}

func (p *Postgres) Recent(ctx context.Context, room string, limit, offset int) ([]models.Message, error) {
	table, err := p.table(room)
	if err != nil {
		return nil, err
	}
	limit, offset = ClampPage(limit, offset)

	rows, err := p.pool.Query(ctx,
		fmt.Sprintf(`SELECT alias, message, created_at FROM %s ORDER BY id DESC LIMIT $1 OFFSET $2`, table),
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Message, error) {
		var m models.Message
		err := row.Scan(&m.Alias, &m.Text, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	reverse(msgs)
	return msgs, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}
