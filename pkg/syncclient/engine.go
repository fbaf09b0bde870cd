package syncclient

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"realtime-sync/domain/entity"
	"realtime-sync/domain/events"
	apperrors "realtime-sync/pkg/errors"
	"realtime-sync/pkg/observability"
)

// State is the reconciliation state of an Engine.
type State int

const (
	Synced State = iota
	ApplyingRemote
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Synced:
		return "synced"
	case ApplyingRemote:
		return "applying-remote"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// SnapshotFetcher loads the authoritative state of a room.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, roomID string) (entity.Snapshot, error)
}

// Engine keeps one room's work items and comments in step with the server.
//
// Remote mutations are merged by entity id. Mutations made by the local user
// are ignored when they echo back, since the local copy already reflects
// them. Every (re)connect replaces the local state with a fresh snapshot;
// only the most recent fetch is ever applied.
type Engine struct {
	roomID      string
	localUserID string
	fetcher     SnapshotFetcher
	logger      *zap.Logger
	metrics     *observability.Collector

	mu         sync.Mutex
	state      State
	entities   map[string]entity.Entity
	confirmed  map[string]*entity.Entity // server state behind an optimistic edit; nil when absent
	members    map[string]events.PresenceMember
	generation uint64
	fetching   bool
	replay     []events.Envelope // remote events seen while a fetch is in flight
	onChange   func()
}

// NewEngine creates an engine for roomID acting as localUserID. Until the
// first successful fetch the engine is Reconnecting.
func NewEngine(roomID, localUserID string, fetcher SnapshotFetcher, logger *zap.Logger) *Engine {
	return &Engine{
		roomID:      roomID,
		localUserID: localUserID,
		fetcher:     fetcher,
		logger: logger.With(
			zap.String("component", "reconciliation_engine"),
			zap.String("roomID", roomID),
			zap.String("userID", localUserID),
		),
		state:     Reconnecting,
		entities:  make(map[string]entity.Entity),
		confirmed: make(map[string]*entity.Entity),
		members:   make(map[string]events.PresenceMember),
	}
}

// WithMetrics records reconciliation outcomes on m.
func (e *Engine) WithMetrics(m *observability.Collector) *Engine {
	e.metrics = m
	return e
}

// OnChange registers fn to run after every local state change. fn runs
// without the engine lock held.
func (e *Engine) OnChange(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = fn
}

func (e *Engine) RoomID() string { return e.roomID }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// HandleEnvelope applies one inbound event. It reports whether local state
// changed.
func (e *Engine) HandleEnvelope(env events.Envelope) bool {
	if env.RoomID != "" && env.RoomID != e.roomID {
		return false
	}

	e.mu.Lock()
	var changed bool
	switch {
	case env.Kind.IsPresence(), env.Kind == events.KindPresenceSnapshot:
		changed = e.applyPresence(env)
	case env.Kind.IsMutation():
		changed = e.applyRemote(env)
	}
	notify := e.onChange
	e.mu.Unlock()

	if changed && notify != nil {
		notify()
	}
	return changed
}

func (e *Engine) applyRemote(env events.Envelope) bool {
	if env.ActingUserID == e.localUserID {
		e.logger.Debug("Ignoring self echo",
			zap.String("kind", string(env.Kind)),
			zap.String("entityID", env.EntityID),
			zap.Int64("version", env.Version),
		)
		return false
	}

	prev := e.state
	if prev == Reconnecting {
		// Kept so the event survives the snapshot that is about to land.
		if e.fetching {
			e.replay = append(e.replay, env)
		}
	} else {
		e.state = ApplyingRemote
	}
	changed := e.merge(env)
	if prev != Reconnecting {
		e.state = Synced
	}
	return changed
}

// merge applies env by entity id. Updates older than the local copy are
// skipped; a delete removes the entity unless the local copy is newer.
func (e *Engine) merge(env events.Envelope) bool {
	local, exists := e.entities[env.EntityID]

	if env.Kind.IsDelete() {
		if !exists || (env.Version > 0 && local.Version > env.Version) {
			return false
		}
		delete(e.entities, env.EntityID)
		delete(e.confirmed, env.EntityID)
		return true
	}

	remote, err := env.DecodeEntity()
	if err != nil {
		e.logger.Warn("Dropping undecodable event", zap.String("kind", string(env.Kind)), zap.Error(err))
		return false
	}
	if exists && remote.Version <= local.Version {
		return false
	}
	e.entities[remote.ID] = remote
	// A newer server version supersedes any optimistic edit.
	delete(e.confirmed, remote.ID)
	return true
}

func (e *Engine) applyPresence(env events.Envelope) bool {
	switch env.Kind {
	case events.KindPresenceJoined:
		var p events.PresenceJoinedPayload
		if err := env.DecodePayload(&p); err != nil || p.UserID == "" {
			return false
		}
		m := e.members[p.UserID]
		m.UserID = p.UserID
		if p.DisplayName != "" {
			m.DisplayName = p.DisplayName
		}
		m.Connections++
		e.members[p.UserID] = m
		return true

	case events.KindPresenceLeft:
		var p events.PresenceLeftPayload
		if err := env.DecodePayload(&p); err != nil {
			return false
		}
		if _, ok := e.members[p.UserID]; !ok {
			return false
		}
		delete(e.members, p.UserID)
		return true

	case events.KindPresenceSnapshot:
		var p events.PresenceSnapshotPayload
		if err := env.DecodePayload(&p); err != nil {
			return false
		}
		members := make(map[string]events.PresenceMember, len(p.DistinctUsers))
		for _, id := range p.DistinctUsers {
			members[id] = events.PresenceMember{UserID: id}
		}
		for _, m := range p.Members {
			members[m.UserID] = m
		}
		e.members = members
		return true
	}
	return false
}

// OnConnect reconciles after the transport (re)connects: it fetches the room
// and replaces local state wholesale. A fetch overtaken by a newer one is
// discarded. On failure the engine keeps its last known state and stays
// Reconnecting until the next connect.
func (e *Engine) OnConnect(ctx context.Context) error {
	e.mu.Lock()
	e.generation++
	gen := e.generation
	e.state = Reconnecting
	// Anything received before this fetch starts is already in the snapshot.
	e.replay = nil
	e.fetching = true
	e.mu.Unlock()

	snap, err := e.fetcher.FetchSnapshot(ctx, e.roomID)

	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		e.logger.Debug("Discarding superseded snapshot", zap.Uint64("generation", gen))
		e.metrics.Reconciliation("superseded")
		return nil
	}
	e.fetching = false
	if err != nil {
		e.replay = nil
		e.mu.Unlock()
		e.logger.Warn("Reconciliation fetch failed", zap.Error(err))
		e.metrics.Reconciliation("failed")
		return apperrors.NewReconciliationError(e.roomID, err)
	}

	e.entities = make(map[string]entity.Entity, len(snap.Items)+len(snap.Comments))
	for _, it := range snap.Items {
		e.entities[it.ID] = it
	}
	for _, c := range snap.Comments {
		e.entities[c.ID] = c
	}
	e.confirmed = make(map[string]*entity.Entity)
	for _, env := range e.replay {
		e.merge(env)
	}
	replayed := len(e.replay)
	e.replay = nil
	e.state = Synced
	notify := e.onChange
	e.mu.Unlock()

	e.metrics.Reconciliation("applied")
	e.logger.Info("Room reconciled",
		zap.Int("items", len(snap.Items)),
		zap.Int("comments", len(snap.Comments)),
		zap.Int("replayed", replayed),
	)
	if notify != nil {
		notify()
	}
	return nil
}

// OnDisconnect marks the engine as waiting for the next connect. Local state
// is kept; a fetch still in flight is discarded when it lands.
func (e *Engine) OnDisconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generation++
	e.state = Reconnecting
	e.fetching = false
	e.replay = nil
	e.members = make(map[string]events.PresenceMember)
}

// ApplyLocal records an optimistic edit. The server state it replaces is
// kept until ConfirmLocal or RollbackLocal.
func (e *Engine) ApplyLocal(ent entity.Entity) {
	e.mu.Lock()
	e.saveConfirmed(ent.ID)
	e.entities[ent.ID] = ent.Clone()
	notify := e.onChange
	e.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// ApplyLocalDelete optimistically removes id.
func (e *Engine) ApplyLocalDelete(id string) {
	e.mu.Lock()
	e.saveConfirmed(id)
	delete(e.entities, id)
	notify := e.onChange
	e.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (e *Engine) saveConfirmed(id string) {
	if _, pending := e.confirmed[id]; pending {
		return
	}
	if cur, ok := e.entities[id]; ok {
		c := cur.Clone()
		e.confirmed[id] = &c
		return
	}
	e.confirmed[id] = nil
}

// ConfirmLocal installs the server's answer to an optimistic edit.
func (e *Engine) ConfirmLocal(ent entity.Entity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.confirmed, ent.ID)
	if cur, ok := e.entities[ent.ID]; ok && cur.Version > ent.Version {
		return
	}
	e.entities[ent.ID] = ent.Clone()
}

// ConfirmLocalDelete drops the pending state of a deleted entity.
func (e *Engine) ConfirmLocalDelete(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.confirmed, id)
	delete(e.entities, id)
}

// RollbackLocal restores the server state an optimistic edit replaced.
func (e *Engine) RollbackLocal(id string) {
	e.mu.Lock()
	prev, pending := e.confirmed[id]
	if !pending {
		e.mu.Unlock()
		return
	}
	delete(e.confirmed, id)
	if prev == nil {
		delete(e.entities, id)
	} else {
		e.entities[id] = *prev
	}
	notify := e.onChange
	e.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Commit applies local optimistically and runs commit. The server result
// replaces the optimistic copy; any error rolls it back. A StaleVersion error
// is returned as is so the caller can refresh.
func (e *Engine) Commit(ctx context.Context, local entity.Entity, commit func(context.Context) (entity.Entity, error)) (entity.Entity, error) {
	e.ApplyLocal(local)
	committed, err := commit(ctx)
	if err != nil {
		e.RollbackLocal(local.ID)
		if apperrors.IsStaleVersion(err) {
			server, _ := apperrors.ServerVersion(err)
			e.logger.Info("Local edit rejected as stale",
				zap.String("entityID", local.ID),
				zap.Int64("localVersion", local.Version),
				zap.Int64("serverVersion", server),
			)
		}
		return entity.Entity{}, err
	}
	e.ConfirmLocal(committed)
	return committed, nil
}

// Get returns the local copy of id.
func (e *Engine) Get(id string) (entity.Entity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entities[id]
	if !ok {
		return entity.Entity{}, false
	}
	return ent.Clone(), true
}

// Items returns the local work items ordered by id.
func (e *Engine) Items() []entity.Entity {
	return e.list(func(ent entity.Entity) bool { return ent.Kind == entity.KindWorkItem })
}

// Comments returns the local comments of itemID ordered by id.
func (e *Engine) Comments(itemID string) []entity.Entity {
	return e.list(func(ent entity.Entity) bool {
		return ent.Kind == entity.KindComment && ent.ParentID == itemID
	})
}

func (e *Engine) list(keep func(entity.Entity) bool) []entity.Entity {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]entity.Entity, 0, len(e.entities))
	for _, ent := range e.entities {
		if keep(ent) {
			out = append(out, ent.Clone())
		}
	}
	entity.SortByID(out)
	return out
}

// HasPending reports whether id carries an unconfirmed optimistic edit.
func (e *Engine) HasPending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.confirmed[id]
	return ok
}

// Members returns the users present in the room ordered by id.
func (e *Engine) Members() []events.PresenceMember {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]events.PresenceMember, 0, len(e.members))
	for _, m := range e.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (e *Engine) PresenceCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.members)
}
