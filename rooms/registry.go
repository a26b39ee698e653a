// Package rooms holds the fixed set of chat rooms and their storage bindings.
package rooms

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrEmptyRegistry  = errors.New("rooms: at least one room is required")
	ErrTableCollision = errors.New("rooms: two rooms map to the same table")
)

var unsafeTableChars = regexp.MustCompile(`[^a-z0-9_]`)

// Registry is the immutable set of valid room ids. Lookups are case
// sensitive. It is safe for concurrent use because it never changes after
// New returns.
type Registry struct {
	order  []string
	tables map[string]string
}

// New builds a registry and resolves every room to its table name once.
func New(names []string) (*Registry, error) {
	r := &Registry{tables: make(map[string]string, len(names))}
	owner := make(map[string]string, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, dup := r.tables[name]; dup {
			continue
		}
		table := TableName(name)
		if other, taken := owner[table]; taken {
			return nil, fmt.Errorf("%w: %q and %q both map to %s", ErrTableCollision, other, name, table)
		}
		owner[table] = name
		r.tables[name] = table
		r.order = append(r.order, name)
	}
	if len(r.order) == 0 {
		return nil, ErrEmptyRegistry
	}
	return r, nil
}

// Has reports whether room is a configured room.
func (r *Registry) Has(room string) bool {
	_, ok := r.tables[room]
	return ok
}

// Table returns the storage table bound to room.
func (r *Registry) Table(room string) (string, bool) {
	t, ok := r.tables[room]
	return t, ok
}

// Names returns the rooms in configuration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// TableName maps a room id to its table: lower-cased, every character
// outside [a-z0-9_] replaced by an underscore, prefixed with "room_".
func TableName(room string) string {
	return "room_" + unsafeTableChars.ReplaceAllString(strings.ToLower(room), "_")
}
