// Package entity holds the shared mutable records that rooms synchronize:
// work items and the comments attached to them.
package entity

import (
	"sort"
	"time"
)

// Kind distinguishes work items from comments.
type Kind string

const (
	KindWorkItem Kind = "work_item"
	KindComment  Kind = "comment"
)

// InitialVersion is the version of a freshly created entity.
const InitialVersion int64 = 1

// Entity is a versioned record owned by storage. Version grows by exactly one
// per committed update.
type Entity struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	RoomID    string         `json:"roomId"`
	ParentID  string         `json:"parentId,omitempty"`
	Status    string         `json:"status,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Version   int64          `json:"version"`
	CreatedBy string         `json:"createdBy"`
	UpdatedBy string         `json:"updatedBy"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Changes is a whole-entity update request. A nil Status leaves the status
// untouched; Payload keys overwrite, and keys mapped to nil are removed.
type Changes struct {
	Status  *string
	Payload map[string]any
}

// IsEmpty reports whether applying c would change nothing but the version.
func (c Changes) IsEmpty() bool {
	return c.Status == nil && len(c.Payload) == 0
}

// Apply merges c into e and stamps the author. Version is left to the store.
func (e *Entity) Apply(c Changes, actor string, now time.Time) {
	if c.Status != nil {
		e.Status = *c.Status
	}
	if len(c.Payload) > 0 && e.Payload == nil {
		e.Payload = make(map[string]any, len(c.Payload))
	}
	for k, v := range c.Payload {
		if v == nil {
			delete(e.Payload, k)
			continue
		}
		e.Payload[k] = v
	}
	e.UpdatedBy = actor
	e.UpdatedAt = now
}

// Clone copies e so callers can mutate the payload map freely.
func (e Entity) Clone() Entity {
	if e.Payload != nil {
		p := make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			p[k] = v
		}
		e.Payload = p
	}
	return e
}

// Snapshot is the full state of a room as returned by the CRUD surface.
type Snapshot struct {
	RoomID    string    `json:"roomId"`
	Items     []Entity  `json:"items"`
	Comments  []Entity  `json:"comments"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// NewSnapshot splits entities by kind and orders each group by id.
func NewSnapshot(roomID string, all []Entity, now time.Time) Snapshot {
	snap := Snapshot{
		RoomID:    roomID,
		Items:     []Entity{},
		Comments:  []Entity{},
		FetchedAt: now,
	}
	for _, e := range all {
		switch e.Kind {
		case KindWorkItem:
			snap.Items = append(snap.Items, e)
		case KindComment:
			snap.Comments = append(snap.Comments, e)
		}
	}
	SortByID(snap.Items)
	SortByID(snap.Comments)
	return snap
}

func SortByID(es []Entity) {
	sort.Slice(es, func(i, j int) bool { return es[i].ID < es[j].ID })
}
