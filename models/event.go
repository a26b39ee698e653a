package models

import (
	"encoding/json"
	"fmt"
)

// Event names used on the websocket, in both directions.
const (
	EventJoin    = "join"
	EventMessage = "message"
	EventTyping  = "typing"

	EventAuthOK  = "auth_ok"
	EventJoined  = "joined"
	EventHistory = "history"
	EventError   = "error_msg"
)

// Event is one websocket frame: {"event": name, "data": payload}.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes payload once so the same bytes can be fanned out to
// every recipient and across instances.
func NewEvent(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s event: %w", name, err)
	}
	return Event{Name: name, Data: data}, nil
}

type AuthOK struct {
	Username string `json:"username"`
}

type Joined struct {
	Room  string `json:"room"`
	Alias string `json:"alias"`
}

type Typing struct {
	Alias string `json:"alias"`
}

// Envelope is what travels over the cross-instance bus.
type Envelope struct {
	Origin  string `json:"origin"`
	Room    string `json:"room"`
	Exclude string `json:"exclude,omitempty"`
	Event   Event  `json:"event"`
}
