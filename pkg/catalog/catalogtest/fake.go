// Package catalogtest provides an in-memory catalog.Remote for tests.
package catalogtest

import (
	"context"
	"sync"
	"time"

	"github.com/wurt83ow/possync/pkg/models"
)

// Call records one request received by the fake.
type Call struct {
	Action  models.Action
	ID      string
	Payload models.Snapshot
}

// Remote is a scripted, call-recording catalog.
type Remote struct {
	mu sync.Mutex

	calls []Call
	pulls []time.Time

	// Fail, when set, decides the error of each mutation call. A nil return means success.
	Fail func(call Call) error
	// Pull is returned by PullChanges; PullErr fails it.
	Pull    models.PullResult
	PullErr error
	// Block, when non-nil, is waited on by every mutation call before it returns.
	Block chan struct{}
	// Started receives one value per mutation call as it begins, if non-nil.
	Started chan Call
}

func New() *Remote {
	return &Remote{}
}

func (r *Remote) record(ctx context.Context, c Call) error {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	fail := r.Fail
	block := r.Block
	started := r.Started
	r.mu.Unlock()

	if started != nil {
		started <- c
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail(c)
	}
	return nil
}

func (r *Remote) CreateProduct(ctx context.Context, product models.Snapshot) (models.Snapshot, error) {
	if err := r.record(ctx, Call{Action: models.ActionCreate, ID: product.ID(), Payload: product}); err != nil {
		return nil, err
	}
	return product, nil
}

func (r *Remote) UpdateProduct(ctx context.Context, id string, changes models.Snapshot) (models.Snapshot, error) {
	if err := r.record(ctx, Call{Action: models.ActionUpdate, ID: id, Payload: changes}); err != nil {
		return nil, err
	}
	out := changes.Clone()
	if out == nil {
		out = models.Snapshot{}
	}
	out["id"] = id
	return out, nil
}

func (r *Remote) DeleteProduct(ctx context.Context, id string) error {
	return r.record(ctx, Call{Action: models.ActionDelete, ID: id})
}

func (r *Remote) PullChanges(_ context.Context, since time.Time) (models.PullResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls = append(r.pulls, since)
	if r.PullErr != nil {
		return models.PullResult{}, r.PullErr
	}
	return r.Pull, nil
}

// Calls returns a copy of every mutation call received so far.
func (r *Remote) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Pulls returns the since argument of every PullChanges call.
func (r *Remote) Pulls() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.pulls...)
}

// SetFail swaps the failure script.
func (r *Remote) SetFail(fn func(call Call) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Fail = fn
}
