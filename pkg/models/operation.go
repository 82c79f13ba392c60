package models

import "fmt"

// Action names the kind of mutation a record carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ParseAction validates a raw action string.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Operation is the closed set of mutations the engine replays.
// Implementations: CreateOp, UpdateOp, DeleteOp.
type Operation interface {
	Action() Action
	EntityID() string
	Payload() Snapshot
	isOperation()
}

// CreateOp creates a new entity. The entity must already carry a client-side id.
type CreateOp struct {
	Entity Snapshot
}

func (CreateOp) Action() Action      { return ActionCreate }
func (o CreateOp) EntityID() string  { return o.Entity.ID() }
func (o CreateOp) Payload() Snapshot { return o.Entity }
func (CreateOp) isOperation()        {}

// UpdateOp replaces fields of an existing entity.
type UpdateOp struct {
	ID      string
	Changes Snapshot
}

func (UpdateOp) Action() Action      { return ActionUpdate }
func (o UpdateOp) EntityID() string  { return o.ID }
func (o UpdateOp) Payload() Snapshot { return o.Changes }
func (UpdateOp) isOperation()        {}

// DeleteOp removes an entity.
type DeleteOp struct {
	ID string
}

func (DeleteOp) Action() Action     { return ActionDelete }
func (o DeleteOp) EntityID() string { return o.ID }
func (DeleteOp) Payload() Snapshot  { return nil }
func (DeleteOp) isOperation()       {}

// MutationID derives the stable queue id of a logical edit. Re-queuing the
// same edit for the same entity yields the same id.
func MutationID(action Action, entityType, entityID string) string {
	return fmt.Sprintf("%s_%s_%s", action, entityType, entityID)
}

// NewOperation builds the variant for action from an entity id and payload.
func NewOperation(action Action, entityID string, payload Snapshot) (Operation, error) {
	switch action {
	case ActionCreate:
		entity := payload.Clone()
		if entity == nil {
			entity = Snapshot{}
		}
		if entityID != "" {
			entity["id"] = entityID
		}
		return CreateOp{Entity: entity}, nil
	case ActionUpdate:
		return UpdateOp{ID: entityID, Changes: payload}, nil
	case ActionDelete:
		return DeleteOp{ID: entityID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}
