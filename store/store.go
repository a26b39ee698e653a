// Package store persists chat history, one append-only log per room.
package store

import (
	"context"
	"errors"

	"github.com/karthikraju391/roomchat/models"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ErrUnknownRoom is returned for a room that has no storage binding.
var ErrUnknownRoom = errors.New("store: unknown room")

// HistoryStore is the per-room message log.
type HistoryStore interface {
	// Insert appends a message and returns it as stored, including the
	// store-assigned timestamp.
	Insert(ctx context.Context, room, alias, text string) (models.Message, error)
	// Recent returns up to limit messages, skipping the offset most recent
	// ones, in oldest-first order.
	Recent(ctx context.Context, room string, limit, offset int) ([]models.Message, error)
	Ping(ctx context.Context) error
	Close()
}

// ClampPage applies the history paging bounds: limit in [1, MaxPageSize],
// offset >= 0.
func ClampPage(limit, offset int) (int, int) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
