// Package models holds the data types shared by the queue, the conflict store,
// the entity mirror and the remote catalog client.
package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// EntityProduct is the only entity type the sync engine governs.
const EntityProduct = "product"

// Snapshot is a JSON object describing one entity at one point in time.
type Snapshot map[string]any

// ID returns the entity id carried in the snapshot, or "" if absent.
func (s Snapshot) ID() string {
	switch v := s["id"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// UpdatedAt parses the snapshot's updatedAt field. A missing or unparseable
// value yields the zero time, which compares older than anything else.
func (s Snapshot) UpdatedAt() time.Time {
	switch v := s["updatedAt"].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	case float64:
		return time.UnixMilli(int64(v)).UTC()
	case int64:
		return time.UnixMilli(v).UTC()
	}
	return time.Time{}
}

// Clone returns a shallow copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Overlay returns a copy of base with every field of top written over it.
func Overlay(base, top Snapshot) Snapshot {
	out := base.Clone()
	if out == nil {
		out = Snapshot{}
	}
	for k, v := range top {
		out[k] = v
	}
	return out
}

// Product is the typed catalog entity used by the services layer.
type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	Stock     int       `json:"stock,omitempty"`
	Category  string    `json:"category,omitempty"`
	Barcode   string    `json:"barcode,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Snapshot converts the product into its wire form.
func (p Product) Snapshot() (Snapshot, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s, nil
}

// ProductFromSnapshot decodes a snapshot into a Product.
func ProductFromSnapshot(s Snapshot) (Product, error) {
	var p Product
	raw, err := json.Marshal(s)
	if err != nil {
		return p, err
	}
	err = json.Unmarshal(raw, &p)
	return p, err
}

// MutationRecord is one queued create/update/delete destined for the remote catalog.
type MutationRecord struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	Action     Action    `json:"action"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Payload    Snapshot  `json:"payload,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Status     Status    `json:"status"`
	LastError  string    `json:"lastError,omitempty"`
	Attempts   int       `json:"attempts"`
	Result     Snapshot  `json:"result,omitempty"`
}

// Operation decodes the record into its typed variant.
func (r MutationRecord) Operation() (Operation, error) {
	switch r.Action {
	case ActionCreate:
		return CreateOp{Entity: r.Payload}, nil
	case ActionUpdate:
		return UpdateOp{ID: r.EntityID, Changes: r.Payload}, nil
	case ActionDelete:
		return DeleteOp{ID: r.EntityID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, r.Action)
	}
}

// StatusExtra carries the optional fields written alongside a status change.
type StatusExtra struct {
	LastError string
	Result    Snapshot
}

// ConflictRecord is a captured pair of divergent local and server snapshots.
type ConflictRecord struct {
	ID           string     `json:"id"`
	EntityType   string     `json:"entityType"`
	EntityID     string     `json:"entityId"`
	LocalData    Snapshot   `json:"localData"`
	ServerData   Snapshot   `json:"serverData"`
	Operation    Action     `json:"operation"`
	DetectedAt   time.Time  `json:"detectedAt"`
	Resolved     bool       `json:"resolved"`
	Strategy     Strategy   `json:"resolutionStrategy,omitempty"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
	ResolvedData Snapshot   `json:"resolvedData,omitempty"`
}

// MirrorEntry is the locally cached copy of a remote entity.
type MirrorEntry struct {
	EntityID  string    `json:"entityId"`
	Data      Snapshot  `json:"data"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewMirrorEntry wraps data for the mirror, stamping it with now when the
// snapshot carries no updatedAt of its own.
func NewMirrorEntry(entityID string, data Snapshot, now time.Time) MirrorEntry {
	updatedAt := data.UpdatedAt()
	if updatedAt.IsZero() {
		updatedAt = now
	}
	return MirrorEntry{EntityID: entityID, Data: data, UpdatedAt: updatedAt}
}

// PullResult is the delta returned by the remote change feed.
type PullResult struct {
	UpdatedEntities  []Snapshot `json:"updatedEntities"`
	DeletedEntityIDs []string   `json:"deletedEntityIds"`
	ServerTime       time.Time  `json:"serverTime,omitempty"`
}
