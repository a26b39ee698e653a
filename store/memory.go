package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/karthikraju391/roomchat/models"
	"github.com/karthikraju391/roomchat/rooms"
)

// Memory is a process-local HistoryStore for single-instance development
// and tests. History is lost on restart.
type Memory struct {
	mu       sync.RWMutex
	registry *rooms.Registry
	logs     map[string][]models.Message
	now      func() time.Time
}

func NewMemory(registry *rooms.Registry) *Memory {
	return &Memory{
		registry: registry,
		logs:     make(map[string][]models.Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Insert(ctx context.Context, room, alias, text string) (models.Message, error) {
	if !m.registry.Has(room) {
		return models.Message{}, fmt.Errorf("%w: %q", ErrUnknownRoom, room)
	}
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	msg := models.Message{Alias: models.ClipAlias(alias), Text: text, CreatedAt: m.now()}

	m.mu.Lock()
	m.logs[room] = append(m.logs[room], msg)
	m.mu.Unlock()
	return msg, nil
}

func (m *Memory) Recent(ctx context.Context, room string, limit, offset int) ([]models.Message, error) {
	if !m.registry.Has(room) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoom, room)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit, offset = ClampPage(limit, offset)

	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.logs[room]
	end := len(log) - offset
	if end <= 0 {
		return []models.Message{}, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return append([]models.Message(nil), log[start:end]...), nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() {}
