// Package rooms groups live connections into rooms keyed by notebook and
// note, and fans change notifications out to them.
//
// Rooms form a two-level map: scope -> sub-scope -> clients. A notebook-wide
// broadcast touches only the rooms under that notebook; a global broadcast
// walks everything.
package rooms

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type room map[*Client]struct{}

type Registry struct {
	queueSize int
	logger    *slog.Logger

	mu    sync.RWMutex
	rooms map[uuid.UUID]map[uuid.UUID]room
	count int
}

// NewRegistry creates an empty registry. Client queues hold at most
// queueSize messages; queueSize <= 0 means unbounded.
func NewRegistry(queueSize int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		queueSize: queueSize,
		logger:    logger,
		rooms:     make(map[uuid.UUID]map[uuid.UUID]room),
	}
}

// CreateClient registers a new client in the room for key and returns it.
// Invalid keys register nothing.
func (r *Registry) CreateClient(key Key) (*Client, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	c := newClient(key, r.queueSize)

	r.mu.Lock()
	subs, ok := r.rooms[key.Scope]
	if !ok {
		subs = make(map[uuid.UUID]room)
		r.rooms[key.Scope] = subs
	}
	members, ok := subs[key.SubScope]
	if !ok {
		members = make(room)
		subs[key.SubScope] = members
	}
	members[c] = struct{}{}
	r.count++
	count := r.count
	r.mu.Unlock()

	r.logger.Info("live client registered", "room", key, "client", c.id, "clients", count)
	return c, nil
}

// RemoveClient takes c out of the room for key and closes it. A client that
// is not registered there is ignored, since disconnects can race with each
// other; it is only closed if key is its own room.
func (r *Registry) RemoveClient(c *Client, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	removed := false
	if subs, ok := r.rooms[key.Scope]; ok {
		if members, ok := subs[key.SubScope]; ok {
			if _, ok := members[c]; ok {
				delete(members, c)
				removed = true
				r.count--
			}
			if len(members) == 0 {
				delete(subs, key.SubScope)
			}
		}
		if len(subs) == 0 {
			delete(r.rooms, key.Scope)
		}
	}
	count := r.count
	r.mu.Unlock()

	if c != nil && (removed || c.Key() == key) {
		c.close()
	}
	if removed {
		r.logger.Info("live client unregistered", "room", key, "client", c.id, "clients", count)
	} else {
		r.logger.Debug("live client already gone", "room", key)
	}
	return nil
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// members returns the clients a broadcast to key reaches. Missing rooms
// resolve to no clients.
func (r *Registry) members(key Key) ([]*Client, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Client
	collect := func(m room) {
		for c := range m {
			out = append(out, c)
		}
	}
	switch {
	case key.HasSubScope():
		collect(r.rooms[key.Scope][key.SubScope])
	case key.HasScope():
		for _, m := range r.rooms[key.Scope] {
			collect(m)
		}
	default:
		for _, subs := range r.rooms {
			for _, m := range subs {
				collect(m)
			}
		}
	}
	return out, nil
}

// RoomStat describes one occupied room.
type RoomStat struct {
	Key     Key
	Clients int
}

// Rooms lists the occupied rooms ordered by key.
func (r *Registry) Rooms() []RoomStat {
	r.mu.RLock()
	out := make([]RoomStat, 0, len(r.rooms))
	for scope, subs := range r.rooms {
		for sub, m := range subs {
			out = append(out, RoomStat{Key: Key{Scope: scope, SubScope: sub}, Clients: len(m)})
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Scope != out[j].Key.Scope {
			return out[i].Key.Scope.String() < out[j].Key.Scope.String()
		}
		return out[i].Key.SubScope.String() < out[j].Key.SubScope.String()
	})
	return out
}
