package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass-io/windlass/internal/ir"
)

func TestApply_CreateCommitsEveryEntry(t *testing.T) {
	fake := newFakeProvider()
	eng := testEngine(fake)
	ctx := context.Background()

	g, err := BuildGraph([]*ir.Resource{
		res("network-1", ir.KindNetwork, nil, map[string]any{"cidr": "10.0.0.0/16"}),
		res("compute-1", ir.KindCompute, []string{"network-1"}, map[string]any{"size": "small"}),
	})
	require.NoError(t, err)

	state := ir.NewState()
	cs, err := eng.Plan(g, state)
	require.NoError(t, err)

	var commits int
	var mu sync.Mutex
	commit := func(ctx context.Context, st *ir.State) error {
		mu.Lock()
		defer mu.Unlock()
		commits++
		return nil
	}

	result, err := eng.Apply(ctx, g, cs, state, commit)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, 2, commits)
	assert.Equal(t, uint64(2), state.Serial)

	// Dependencies execute before dependents.
	assert.Equal(t, []string{"network-1", "compute-1"}, fake.createSeq)

	net := state.Resource("network-1")
	require.NotNil(t, net)
	assert.Equal(t, "ext-network-1", net.ExternalID)
	assert.Equal(t, uint64(1), net.AppliedSerial)
	comp := state.Resource("compute-1")
	require.NotNil(t, comp)
	assert.Equal(t, uint64(2), comp.AppliedSerial)
}

func TestApply_PlanAfterApplyIsEmpty(t *testing.T) {
	fake := newFakeProvider()
	eng := testEngine(fake)
	ctx := context.Background()

	g, err := BuildGraph([]*ir.Resource{
		res("network-1", ir.KindNetwork, nil, map[string]any{"cidr": "10.0.0.0/16"}),
		res("compute-1", ir.KindCompute, []string{"network-1"}, map[string]any{"size": "small"}),
	})
	require.NoError(t, err)

	state := ir.NewState()
	cs, err := eng.Plan(g, state)
	require.NoError(t, err)

	_, err = eng.Apply(ctx, g, cs, state, nil)
	require.NoError(t, err)

	again, err := eng.Plan(g, state)
	require.NoError(t, err)
	assert.True(t, again.Empty())
	assert.Equal(t, 2, again.Summary.NoOp)
}

func TestApply_DeletesAfterCreatesInReverseOrder(t *testing.T) {
	fake := newFakeProvider()
	eng := testEngine(fake)
	ctx := context.Background()

	// Desired keeps only a new bucket; the recorded network/compute
	// pair goes away, dependents first.
	g, err := BuildGraph([]*ir.Resource{
		res("bucket-1", ir.KindStorageBucket, nil, map[string]any{"versioned": true}),
	})
	require.NoError(t, err)

	state := ir.NewState()
	state.Serial = 2
	state.Put(&ir.RecordedResource{ID: "network-1", Kind: ir.KindNetwork, Provider: "fake", ExternalID: "ext-network-1"})
	state.Put(&ir.RecordedResource{ID: "compute-1", Kind: ir.KindCompute, Provider: "fake", ExternalID: "ext-compute-1", Dependencies: []string{"network-1"}})

	cs, err := eng.Plan(g, state)
	require.NoError(t, err)

	var order []string
	var mu sync.Mutex
	result, err := eng.ApplyWithOptions(ctx, g, cs, state, nil, ApplyOptions{
		Callback: func(event ApplyEvent) {
			if event.Status == "completed" {
				mu.Lock()
				order = append(order, event.ID)
				mu.Unlock()
			}
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Applied)

	assert.Equal(t, []string{"bucket-1", "compute-1", "network-1"}, order)
	assert.Equal(t, []string{"compute-1", "network-1"}, fake.deleteSeq)
	assert.Nil(t, state.Resource("network-1"))
	assert.Nil(t, state.Resource("compute-1"))
}

func TestApply_PartialFailureIsolation(t *testing.T) {
	fake := newFakeProvider()
	fake.failCreate["network-1"] = errors.New("subnet range rejected")
	eng := testEngine(fake)
	ctx := context.Background()

	g, err := BuildGraph([]*ir.Resource{
		res("network-1", ir.KindNetwork, nil, map[string]any{"cidr": "bogus"}),
		res("compute-1", ir.KindCompute, []string{"network-1"}, map[string]any{"size": "small"}),
		res("bucket-1", ir.KindStorageBucket, nil, map[string]any{"versioned": true}),
	})
	require.NoError(t, err)

	state := ir.NewState()
	cs, err := eng.Plan(g, state)
	require.NoError(t, err)

	result, err := eng.Apply(ctx, g, cs, state, nil)
	require.Error(t, err)

	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Skipped)

	failed := result.Entry("network-1")
	require.NotNil(t, failed)
	assert.Equal(t, ir.EntryFailed, failed.Status)

	skipped := result.Entry("compute-1")
	require.NotNil(t, skipped)
	assert.Equal(t, ir.EntrySkipped, skipped.Status)
	assert.Equal(t, "network-1", skipped.SkippedFor)

	// The unrelated branch still applied and committed.
	applied := result.Entry("bucket-1")
	require.NotNil(t, applied)
	assert.Equal(t, ir.EntryApplied, applied.Status)
	assert.NotNil(t, state.Resource("bucket-1"))
	assert.Nil(t, state.Resource("network-1"))
}

func TestApply_TransitiveDependentsSkipped(t *testing.T) {
	fake := newFakeProvider()
	fake.failCreate["a"] = errors.New("boom")
	eng := testEngine(fake)
	ctx := context.Background()

	g, err := BuildGraph([]*ir.Resource{
		res("a", ir.KindNetwork, nil, nil),
		res("b", ir.KindCompute, []string{"a"}, nil),
		res("c", ir.KindDatabase, []string{"b"}, nil),
	})
	require.NoError(t, err)

	state := ir.NewState()
	cs, err := eng.Plan(g, state)
	require.NoError(t, err)

	result, err := eng.Apply(ctx, g, cs, state, nil)
	require.Error(t, err)

	assert.Equal(t, 0, result.Applied)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, ir.EntrySkipped, result.Entry("c").Status)
}

func TestApply_TransientErrorsRetry(t *testing.T) {
	fake := newFakeProvider()
	fake.transientLeft["network-1"] = 2
	eng := testEngine(fake)
	ctx := context.Background()

	g, err := BuildGraph([]*ir.Resource{
		res("network-1", ir.KindNetwork, nil, map[string]any{"cidr": "10.0.0.0/16"}),
	})
	require.NoError(t, err)

	state := ir.NewState()
	cs, err := eng.Plan(g, state)
	require.NoError(t, err)

	result, err := eng.Apply(ctx, g, cs, state, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 3, result.Entry("network-1").Attempts)
}

func TestApply_PermanentErrorDoesNotRetry(t *testing.T) {
	fake := newFakeProvider()
	fake.failCreate["network-1"] = errors.New("invalid cidr block")
	eng := testEngine(fake)
	ctx := context.Background()

	g, err := BuildGraph([]*ir.Resource{
		res("network-1", ir.KindNetwork, nil, map[string]any{"cidr": "bogus"}),
	})
	require.NoError(t, err)

	state := ir.NewState()
	cs, err := eng.Plan(g, state)
	require.NoError(t, err)

	result, err := eng.Apply(ctx, g, cs, state, nil)
	require.Error(t, err)
	assert.Equal(t, 1, result.Entry("network-1").Attempts)
}

func TestApply_LockLostAbortsRun(t *testing.T) {
	fake := newFakeProvider()
	eng := testEngine(fake)
	ctx := context.Background()

	g, err := BuildGraph([]*ir.Resource{
		res("a", ir.KindNetwork, nil, nil),
		res("b", ir.KindCompute, []string{"a"}, nil),
		res("c", ir.KindDatabase, []string{"b"}, nil),
	})
	require.NoError(t, err)

	state := ir.NewState()
	cs, err := eng.Plan(g, state)
	require.NoError(t, err)

	commit := func(ctx context.Context, st *ir.State) error {
		return errors.New("serial conflict: expected 1")
	}

	result, err := eng.Apply(ctx, g, cs, state, commit)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockLost)

	assert.Equal(t, 0, result.Applied)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 2, result.Skipped)
}

// A crash after N of M entries leaves state that a fresh plan+apply
// completes without re-touching the first N.
func TestApply_CrashResume(t *testing.T) {
	fake := newFakeProvider()
	fake.failCreate["compute-1"] = errors.New("quota exceeded")
	eng := testEngine(fake)
	ctx := context.Background()

	g, err := BuildGraph([]*ir.Resource{
		res("network-1", ir.KindNetwork, nil, map[string]any{"cidr": "10.0.0.0/16"}),
		res("compute-1", ir.KindCompute, []string{"network-1"}, map[string]any{"size": "small"}),
		res("database-1", ir.KindDatabase, []string{"compute-1"}, map[string]any{"engine": "postgres"}),
	})
	require.NoError(t, err)

	state := ir.NewState()
	cs, err := eng.Plan(g, state)
	require.NoError(t, err)

	result, err := eng.Apply(ctx, g, cs, state, nil)
	require.Error(t, err)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, uint64(1), state.Serial)

	// The failure clears; a fresh plan holds only the remainder.
	delete(fake.failCreate, "compute-1")

	resume, err := eng.Plan(g, state)
	require.NoError(t, err)
	assert.Equal(t, []string{"compute-1", "database-1"}, changeIDs(resume.Actionable()))
	assert.Equal(t, 1, resume.Summary.NoOp)

	_, err = eng.Apply(ctx, g, resume, state, nil)
	require.NoError(t, err)

	// network-1 was created exactly once across both runs.
	assert.Equal(t, 1, fake.createCalls["network-1"])
	assert.Equal(t, uint64(3), state.Serial)

	final, err := eng.Plan(g, state)
	require.NoError(t, err)
	assert.True(t, final.Empty())
}

func TestApply_EmitsProgressEvents(t *testing.T) {
	fake := newFakeProvider()
	eng := testEngine(fake)
	ctx := context.Background()

	g, err := BuildGraph([]*ir.Resource{
		res("network-1", ir.KindNetwork, nil, map[string]any{"cidr": "10.0.0.0/16"}),
	})
	require.NoError(t, err)

	state := ir.NewState()
	cs, err := eng.Plan(g, state)
	require.NoError(t, err)

	var events []ApplyEvent
	var mu sync.Mutex
	_, err = eng.ApplyWithOptions(ctx, g, cs, state, nil, ApplyOptions{
		Callback: func(event ApplyEvent) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, "started", events[0].Status)
	assert.Equal(t, "completed", events[1].Status)
	assert.Equal(t, "network-1", events[0].ID)
}

func TestApply_CancelledContext(t *testing.T) {
	fake := newFakeProvider()
	eng := testEngine(fake)

	g, err := BuildGraph([]*ir.Resource{
		res("network-1", ir.KindNetwork, nil, map[string]any{"cidr": "10.0.0.0/16"}),
	})
	require.NoError(t, err)

	state := ir.NewState()
	cs, err := eng.Plan(g, state)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := eng.Apply(ctx, g, cs, state, nil)
	require.Error(t, err)
	assert.Equal(t, 0, result.Applied)
}

func TestApply_UpdateKeepsExternalID(t *testing.T) {
	fake := newFakeProvider()
	eng := testEngine(fake)
	ctx := context.Background()

	g, err := BuildGraph([]*ir.Resource{
		res("network-1", ir.KindNetwork, nil, map[string]any{"cidr": "10.1.0.0/16"}),
	})
	require.NoError(t, err)

	state := ir.NewState()
	state.Serial = 1
	state.Put(&ir.RecordedResource{
		ID:            "network-1",
		Kind:          ir.KindNetwork,
		Provider:      "fake",
		ExternalID:    "ext-network-1",
		AppliedSerial: 1,
		Attributes:    map[string]any{"cidr": "10.0.0.0/16"},
	})

	cs, err := eng.Plan(g, state)
	require.NoError(t, err)
	require.Equal(t, 1, cs.Summary.Update)

	_, err = eng.Apply(ctx, g, cs, state, nil)
	require.NoError(t, err)

	rec := state.Resource("network-1")
	require.NotNil(t, rec)
	assert.Equal(t, "ext-network-1", rec.ExternalID)
	assert.Equal(t, uint64(2), rec.AppliedSerial)
	assert.Equal(t, "10.1.0.0/16", rec.Attributes["cidr"])
}
