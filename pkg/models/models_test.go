package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotUpdatedAt(t *testing.T) {
	want := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   Snapshot
		want time.Time
	}{
		{"rfc3339", Snapshot{"updatedAt": "2024-01-01T10:00:00Z"}, want},
		{"unix millis", Snapshot{"updatedAt": float64(want.UnixMilli())}, want},
		{"time value", Snapshot{"updatedAt": want}, want},
		{"garbage", Snapshot{"updatedAt": "yesterday"}, time.Time{}},
		{"missing", Snapshot{}, time.Time{}},
		{"nil snapshot", nil, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.in.UpdatedAt().Equal(tt.want))
		})
	}
}

func TestSnapshotID(t *testing.T) {
	assert.Equal(t, "42", Snapshot{"id": "42"}.ID())
	assert.Equal(t, "42", Snapshot{"id": 42.0}.ID())
	assert.Equal(t, "", Snapshot{}.ID())
}

func TestOverlay(t *testing.T) {
	base := Snapshot{"name": "a", "stock": 1.0}
	top := Snapshot{"name": "b", "price": 2.0}

	got := Overlay(base, top)
	assert.Equal(t, Snapshot{"name": "b", "stock": 1.0, "price": 2.0}, got)
	assert.Equal(t, "a", base["name"], "inputs are not modified")
	assert.Equal(t, Snapshot{"x": 1}, Overlay(nil, Snapshot{"x": 1}))
}

func TestProductSnapshot(t *testing.T) {
	p := Product{ID: "7", Name: "Cafe", Price: 2.5, UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	s, err := p.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "7", s.ID())
	assert.True(t, s.UpdatedAt().Equal(p.UpdatedAt))

	back, err := ProductFromSnapshot(s)
	require.NoError(t, err)
	assert.Equal(t, p, back)
}

func TestRecordOperation(t *testing.T) {
	op, err := MutationRecord{Action: ActionUpdate, EntityID: "3", Payload: Snapshot{"price": 1.0}}.Operation()
	require.NoError(t, err)
	assert.Equal(t, UpdateOp{ID: "3", Changes: Snapshot{"price": 1.0}}, op)

	op, err = MutationRecord{Action: ActionDelete, EntityID: "3", Payload: Snapshot{"ignored": true}}.Operation()
	require.NoError(t, err)
	assert.Nil(t, op.Payload())

	_, err = MutationRecord{Action: "upsert", EntityID: "3"}.Operation()
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestNewOperation(t *testing.T) {
	payload := Snapshot{"name": "x"}
	op, err := NewOperation(ActionCreate, "9", payload)
	require.NoError(t, err)
	assert.Equal(t, "9", op.EntityID())
	assert.NotContains(t, payload, "id", "payload is copied")

	_, err = NewOperation("merge", "9", nil)
	assert.ErrorIs(t, err, ErrUnknownAction)

	assert.Equal(t, "delete_product_9", MutationID(ActionDelete, EntityProduct, "9"))
}

func TestCheckTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusPending, StatusSyncing},
		{StatusError, StatusSyncing},
		{StatusSyncing, StatusSynced},
		{StatusSyncing, StatusError},
		{StatusSynced, StatusPending},
		{StatusSyncing, StatusPending},
		{StatusPending, StatusPending},
	}
	for _, tr := range allowed {
		assert.NoError(t, CheckTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	rejected := [][2]Status{
		{StatusPending, StatusSynced},
		{StatusPending, StatusError},
		{StatusSynced, StatusSyncing},
		{StatusSynced, StatusError},
		{StatusError, StatusSynced},
		{StatusPending, "archived"},
	}
	for _, tr := range rejected {
		assert.ErrorIs(t, CheckTransition(tr[0], tr[1]), ErrInvalidTransition, "%s -> %s", tr[0], tr[1])
	}
}

func TestParse(t *testing.T) {
	s, err := ParseStrategy("merge")
	require.NoError(t, err)
	assert.Equal(t, StrategyMerge, s)
	_, err = ParseStrategy("newest")
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = ParseAction("create")
	assert.NoError(t, err)
	_, err = ParseStatus("done")
	assert.Error(t, err)
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("connection refused")
	netErr := error(&NetworkError{Op: "pull", Err: cause})
	assert.ErrorIs(t, netErr, ErrNetworkUnavailable)
	assert.ErrorIs(t, netErr, cause)
	assert.True(t, IsRetryable(netErr))

	assert.False(t, IsRetryable(&ValidationError{Status: 422, Message: "bad price"}))
	assert.False(t, IsRetryable(&ConflictError{EntityID: "1"}))

	storage := error(&StorageError{Op: "enqueue", Err: cause})
	assert.ErrorIs(t, storage, cause)
}
