package room

import (
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/louisbranch/codecollab/internal/platform/metrics"
)

const shardCount = 32

// Registry maps room ids to rooms. It starts empty and owns every room it
// creates; rooms are created lazily and reclaimed once empty.
//
// Ids are spread over independently locked shards, so rooms with different
// ids never wait on each other here.
type Registry struct {
	shards  [shardCount]registryShard
	options Options
}

type registryShard struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry returns an empty registry whose rooms use options.
func NewRegistry(options Options) *Registry {
	registry := &Registry{options: options.withDefaults()}
	for i := range registry.shards {
		registry.shards[i].rooms = make(map[string]*Room)
	}
	return registry
}

func (g *Registry) shard(roomID string) *registryShard {
	return &g.shards[xxhash.Sum64String(roomID)%shardCount]
}

// GetOrCreate returns the room for roomID, creating it with default name and
// language if needed. Concurrent callers always observe the same instance.
func (g *Registry) GetOrCreate(roomID string) *Room {
	room, _ := g.Create(roomID, "", "")
	return room
}

// Create returns the room for roomID, creating it with name and language if
// absent. The boolean reports whether this call created it; an existing room
// keeps its name and language.
func (g *Registry) Create(roomID, name, language string) (*Room, bool) {
	shard := g.shard(roomID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if room, ok := shard.rooms[roomID]; ok {
		return room, false
	}
	room := newRoom(roomID, name, language, g.options)
	shard.rooms[roomID] = room
	metrics.RoomsActive.Inc()
	return room, true
}

// Get returns the room for roomID if it exists.
func (g *Registry) Get(roomID string) (*Room, bool) {
	shard := g.shard(roomID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	room, ok := shard.rooms[roomID]
	return room, ok
}

// Join adds user to roomID, creating the room if needed. A room reclaimed
// between lookup and join is replaced by a fresh one, so a join is never
// applied to a room that has left the registry.
func (g *Registry) Join(roomID string, user User, peer Peer) (*Room, JoinResult, error) {
	for {
		room := g.GetOrCreate(roomID)
		result, err := room.ApplyJoin(user, peer)
		if errors.Is(err, errRoomClosed) {
			continue
		}
		return room, result, err
	}
}

// AppendOutput appends result to the room registered for roomID at the time
// of the call. It reports false when there is no such room.
func (g *Registry) AppendOutput(roomID string, result ExecutionResult) (ExecutionResult, bool) {
	for {
		room, ok := g.Get(roomID)
		if !ok {
			return ExecutionResult{}, false
		}
		appended, err := room.AppendOutput(result)
		if errors.Is(err, errRoomClosed) {
			continue
		}
		return appended, err == nil
	}
}

// RemoveIfEmpty removes roomID when it has no members.
func (g *Registry) RemoveIfEmpty(roomID string) bool {
	shard := g.shard(roomID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	room, ok := shard.rooms[roomID]
	if !ok || !room.closeIfIdle(time.Time{}) {
		return false
	}
	delete(shard.rooms, roomID)
	metrics.RoomsActive.Dec()
	return true
}

// Reap removes rooms that have been empty for at least ttl and returns their
// ids.
func (g *Registry) Reap(now time.Time, ttl time.Duration) []string {
	cutoff := now.Add(-ttl)
	var reaped []string
	for i := range g.shards {
		shard := &g.shards[i]
		shard.mu.Lock()
		for roomID, room := range shard.rooms {
			if room.closeIfIdle(cutoff) {
				delete(shard.rooms, roomID)
				reaped = append(reaped, roomID)
			}
		}
		shard.mu.Unlock()
	}
	metrics.RoomsActive.Sub(float64(len(reaped)))
	metrics.RoomsReaped.Add(float64(len(reaped)))
	return reaped
}

// Len returns the number of rooms held.
func (g *Registry) Len() int {
	total := 0
	for i := range g.shards {
		shard := &g.shards[i]
		shard.mu.Lock()
		total += len(shard.rooms)
		shard.mu.Unlock()
	}
	return total
}
