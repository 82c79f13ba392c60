package models

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// Status is the replay state of a MutationRecord.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusError   Status = "error"
)

const (
	eventBegin   = "begin"
	eventSucceed = "succeed"
	eventFail    = "fail"
	eventRequeue = "requeue"
)

// statusEvents lists the only legal record transitions. An errored record may
// be picked up again on a later cycle; any record may be reset to pending by
// re-enqueuing the same logical edit.
var statusEvents = fsm.Events{
	{Name: eventBegin, Src: []string{string(StatusPending), string(StatusError)}, Dst: string(StatusSyncing)},
	{Name: eventSucceed, Src: []string{string(StatusSyncing)}, Dst: string(StatusSynced)},
	{Name: eventFail, Src: []string{string(StatusSyncing)}, Dst: string(StatusError)},
	{Name: eventRequeue, Src: []string{
		string(StatusPending), string(StatusSyncing), string(StatusSynced), string(StatusError),
	}, Dst: string(StatusPending)},
}

// ParseStatus validates a raw status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusSyncing, StatusSynced, StatusError:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// CheckTransition reports whether a record may move from one status to another.
func CheckTransition(from, to Status) error {
	var event string
	switch to {
	case StatusSyncing:
		event = eventBegin
	case StatusSynced:
		event = eventSucceed
	case StatusError:
		event = eventFail
	case StatusPending:
		event = eventRequeue
	default:
		return fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, to)
	}

	machine := fsm.NewFSM(string(from), statusEvents, nil)
	err := machine.Event(context.Background(), event)
	if err == nil {
		return nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
