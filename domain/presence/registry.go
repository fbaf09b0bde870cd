// Package presence tracks which users hold a live connection joined to each
// room.
//
// Every room has its own lock. A room is created by its first Add and torn
// down by the Remove that empties it, so rooms never contend with each other
// and idle rooms cost nothing.
package presence

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"realtime-sync/domain/events"
)

// Metadata is the descriptive data attached to a presence entry.
type Metadata struct {
	DisplayName string
}

// UserPresence aggregates all entries one user holds in a room.
type UserPresence struct {
	UserID      string
	DisplayName string
	Connections int
	JoinedAt    time.Time
}

// Snapshot is a consistent view of one room.
type Snapshot struct {
	RoomID        string
	DistinctUsers []string
	Users         []UserPresence
	Count         int
}

// Payload converts s to its wire form.
func (s Snapshot) Payload() events.PresenceSnapshotPayload {
	payload := events.PresenceSnapshotPayload{
		DistinctUsers: s.DistinctUsers,
		Count:         s.Count,
	}
	for _, u := range s.Users {
		payload.Members = append(payload.Members, events.PresenceMember{
			UserID:      u.UserID,
			DisplayName: u.DisplayName,
			Connections: u.Connections,
			JoinedAt:    u.JoinedAt,
		})
	}
	return payload
}

// AddResult describes the effect of Add.
type AddResult struct {
	// Added is false when the connection was already present.
	Added bool
	// FirstForUser is true when the user had no entry in the room before.
	FirstForUser bool
}

// RemoveResult describes the effect of Remove.
type RemoveResult struct {
	// Removed is false when the entry did not exist.
	Removed bool
	// LastForUser is true when the user holds no further entry in the room.
	LastForUser bool
	// RoomClosed is true when the room was torn down.
	RoomClosed bool
}

type entry struct {
	userID string
	meta   Metadata
	at     time.Time
}

type room struct {
	mu      sync.Mutex
	id      string
	entries map[string]entry // keyed by connection id
	users   map[string]*UserPresence
	closed  bool
}

// Registry is the server's only shared mutable presence state.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*room
	logger *zap.Logger
	now    func() time.Time
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		rooms:  make(map[string]*room),
		logger: logger.With(zap.String("component", "presence_registry")),
		now:    time.Now,
	}
}

// acquire returns the locked room for roomID, creating it when create is set.
// A room closed between lookup and lock is retried so that callers never
// write into a torn down room.
func (r *Registry) acquire(roomID string, create bool) *room {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[roomID]
		if !ok {
			if !create {
				r.mu.Unlock()
				return nil
			}
			rm = &room{
				id:      roomID,
				entries: make(map[string]entry),
				users:   make(map[string]*UserPresence),
			}
			r.rooms[roomID] = rm
			r.logger.Debug("Room opened", zap.String("roomID", roomID))
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if !rm.closed {
			return rm
		}
		rm.mu.Unlock()
	}
}

// Add inserts the (room, user, connection) entry. Adding an existing entry is
// a no-op reported through AddResult.Added.
func (r *Registry) Add(roomID, userID, connID string, meta Metadata) AddResult {
	rm := r.acquire(roomID, true)
	defer rm.mu.Unlock()

	if _, exists := rm.entries[connID]; exists {
		return AddResult{}
	}

	now := r.now()
	rm.entries[connID] = entry{userID: userID, meta: meta, at: now}

	up, seen := rm.users[userID]
	if !seen {
		up = &UserPresence{UserID: userID, DisplayName: meta.DisplayName, JoinedAt: now}
		rm.users[userID] = up
	}
	up.Connections++
	if up.DisplayName == "" {
		up.DisplayName = meta.DisplayName
	}

	return AddResult{Added: true, FirstForUser: !seen}
}

// Remove deletes the entry for connID. Removing the last entry of a room
// tears the room down.
func (r *Registry) Remove(roomID, userID, connID string) RemoveResult {
	rm := r.acquire(roomID, false)
	if rm == nil {
		return RemoveResult{}
	}
	defer rm.mu.Unlock()

	e, exists := rm.entries[connID]
	if !exists || e.userID != userID {
		return RemoveResult{}
	}
	delete(rm.entries, connID)

	res := RemoveResult{Removed: true}
	if up := rm.users[userID]; up != nil {
		up.Connections--
		if up.Connections <= 0 {
			delete(rm.users, userID)
			res.LastForUser = true
		}
	}

	if len(rm.entries) == 0 {
		rm.closed = true
		r.mu.Lock()
		if r.rooms[roomID] == rm {
			delete(r.rooms, roomID)
		}
		r.mu.Unlock()
		res.RoomClosed = true
		r.logger.Debug("Room closed", zap.String("roomID", roomID))
	}
	return res
}

// Snapshot returns the distinct users present in roomID. An unknown room
// yields an empty snapshot.
func (r *Registry) Snapshot(roomID string) Snapshot {
	snap := Snapshot{RoomID: roomID, DistinctUsers: []string{}, Users: []UserPresence{}}

	rm := r.acquire(roomID, false)
	if rm == nil {
		return snap
	}
	defer rm.mu.Unlock()

	for userID, up := range rm.users {
		snap.DistinctUsers = append(snap.DistinctUsers, userID)
		snap.Users = append(snap.Users, *up)
	}
	sort.Strings(snap.DistinctUsers)
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].UserID < snap.Users[j].UserID })
	snap.Count = len(snap.DistinctUsers)
	return snap
}

// Connections lists the connection ids joined to roomID at call time.
func (r *Registry) Connections(roomID string) []string {
	rm := r.acquire(roomID, false)
	if rm == nil {
		return nil
	}
	defer rm.mu.Unlock()

	ids := make([]string, 0, len(rm.entries))
	for connID := range rm.entries {
		ids = append(ids, connID)
	}
	sort.Strings(ids)
	return ids
}

// HasUser reports whether userID holds any entry in roomID.
func (r *Registry) HasUser(roomID, userID string) bool {
	rm := r.acquire(roomID, false)
	if rm == nil {
		return false
	}
	defer rm.mu.Unlock()
	_, ok := rm.users[userID]
	return ok
}

// RoomCount is the number of rooms with at least one entry.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
