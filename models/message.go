package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxAliasLength   = 40
	MaxMessageLength = 1000

	SystemAlias = "★ System"
)

// Message is a chat line as stored and as delivered to clients.
type Message struct {
	Alias     string    `json:"alias"`
	Text      string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// CleanText trims text and cuts it to MaxMessageLength characters. An empty
// result means the message must be dropped.
func CleanText(text string) string {
	return truncate(strings.TrimSpace(text), MaxMessageLength)
}

// ClipAlias cuts an alias to the width of the persisted column.
func ClipAlias(alias string) string {
	return truncate(alias, MaxAliasLength)
}

// JoinAnnouncement is the system line broadcast when alias enters a room.
func JoinAnnouncement(alias string, at time.Time) Message {
	return Message{
		Alias:     SystemAlias,
		Text:      alias + " just joined the room! ★",
		CreatedAt: at,
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
