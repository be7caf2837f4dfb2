package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass-io/windlass/internal/ir"
)

func TestPlan_CreatesInDependencyOrder(t *testing.T) {
	eng := testEngine(newFakeProvider())

	g, err := BuildGraph([]*ir.Resource{
		res("compute-1", ir.KindCompute, []string{"network-1"}, map[string]any{"size": "small"}),
		res("network-1", ir.KindNetwork, nil, map[string]any{"cidr": "10.0.0.0/16"}),
	})
	require.NoError(t, err)

	cs, err := eng.Plan(g, ir.NewState())
	require.NoError(t, err)

	actionable := cs.Actionable()
	require.Len(t, actionable, 2)
	assert.Equal(t, "network-1", actionable[0].ID)
	assert.Equal(t, ir.OpCreate, actionable[0].Op)
	assert.Equal(t, 0, actionable[0].Rank)
	assert.Equal(t, "compute-1", actionable[1].ID)
	assert.Equal(t, ir.OpCreate, actionable[1].Op)
	assert.Equal(t, 1, actionable[1].Rank)
	assert.Equal(t, 2, cs.Summary.Create)
}

func TestPlan_NoopWhenRecordedMatchesDesired(t *testing.T) {
	eng := testEngine(newFakeProvider())

	g, err := BuildGraph([]*ir.Resource{
		res("network-1", ir.KindNetwork, nil, map[string]any{"cidr": "10.0.0.0/16"}),
	})
	require.NoError(t, err)

	state := ir.NewState()
	state.Put(&ir.RecordedResource{
		ID:         "network-1",
		Kind:       ir.KindNetwork,
		Provider:   "fake",
		ExternalID: "ext-network-1",
		Attributes: map[string]any{"cidr": "10.0.0.0/16"},
	})

	cs, err := eng.Plan(g, state)
	require.NoError(t, err)
	assert.True(t, cs.Empty())
	assert.Equal(t, 1, cs.Summary.NoOp)
	require.Len(t, cs.Changes, 1)
	assert.Equal(t, -1, cs.Changes[0].Rank)
}

func TestPlan_UpdateCarriesReasons(t *testing.T) {
	eng := testEngine(newFakeProvider())

	g, err := BuildGraph([]*ir.Resource{
		res("network-1", ir.KindNetwork, nil, map[string]any{"cidr": "10.1.0.0/16", "mtu": 9000}),
	})
	require.NoError(t, err)

	state := ir.NewState()
	state.Put(&ir.RecordedResource{
		ID:         "network-1",
		Kind:       ir.KindNetwork,
		Provider:   "fake",
		Attributes: map[string]any{"cidr": "10.0.0.0/16", "mtu": 9000},
	})

	cs, err := eng.Plan(g, state)
	require.NoError(t, err)

	actionable := cs.Actionable()
	require.Len(t, actionable, 1)
	assert.Equal(t, ir.OpUpdate, actionable[0].Op)
	require.Len(t, actionable[0].Reasons, 1)
	assert.Equal(t, "cidr", actionable[0].Reasons[0].Path)
	assert.Equal(t, "update", actionable[0].Reasons[0].Action)
}

func TestPlan_DeletesInReverseDependencyOrder(t *testing.T) {
	eng := testEngine(newFakeProvider())

	empty, err := BuildGraph(nil)
	require.NoError(t, err)

	state := ir.NewState()
	state.Put(&ir.RecordedResource{ID: "network-1", Kind: ir.KindNetwork, Provider: "fake"})
	state.Put(&ir.RecordedResource{ID: "compute-1", Kind: ir.KindCompute, Provider: "fake", Dependencies: []string{"network-1"}})

	cs, err := eng.Plan(empty, state)
	require.NoError(t, err)

	actionable := cs.Actionable()
	require.Len(t, actionable, 2)
	assert.Equal(t, "compute-1", actionable[0].ID)
	assert.Equal(t, ir.OpDelete, actionable[0].Op)
	assert.Equal(t, 0, actionable[0].Rank)
	assert.Equal(t, "network-1", actionable[1].ID)
	assert.Equal(t, 1, actionable[1].Rank)
}

// A dropped dependent with prune enabled deletes at rank 0 while the
// surviving dependency plans as a no-op.
func TestPlan_DroppedDependentPruned(t *testing.T) {
	eng := testEngine(newFakeProvider())

	g, err := BuildGraph([]*ir.Resource{
		res("network-1", ir.KindNetwork, nil, map[string]any{"cidr": "10.0.0.0/16"}),
	})
	require.NoError(t, err)

	state := ir.NewState()
	state.Put(&ir.RecordedResource{
		ID:         "network-1",
		Kind:       ir.KindNetwork,
		Provider:   "fake",
		Attributes: map[string]any{"cidr": "10.0.0.0/16"},
	})
	state.Put(&ir.RecordedResource{
		ID:           "compute-1",
		Kind:         ir.KindCompute,
		Provider:     "fake",
		Dependencies: []string{"network-1"},
		Attributes:   map[string]any{"size": "small"},
	})

	cs, err := eng.Plan(g, state)
	require.NoError(t, err)

	actionable := cs.Actionable()
	require.Len(t, actionable, 1)
	assert.Equal(t, "compute-1", actionable[0].ID)
	assert.Equal(t, ir.OpDelete, actionable[0].Op)
	assert.Equal(t, 0, actionable[0].Rank)
	assert.Equal(t, 1, cs.Summary.NoOp)
	assert.Empty(t, cs.Orphans)
}

// With pruning disabled, the same drop is flagged, never deleted.
func TestPlan_DroppedDependentFlaggedWithoutPrune(t *testing.T) {
	eng := testEngine(newFakeProvider())

	g, err := BuildGraph([]*ir.Resource{
		res("network-1", ir.KindNetwork, nil, map[string]any{"cidr": "10.0.0.0/16"}),
	})
	require.NoError(t, err)

	state := ir.NewState()
	state.Put(&ir.RecordedResource{
		ID:         "network-1",
		Kind:       ir.KindNetwork,
		Provider:   "fake",
		Attributes: map[string]any{"cidr": "10.0.0.0/16"},
	})
	state.Put(&ir.RecordedResource{
		ID:           "compute-1",
		Kind:         ir.KindCompute,
		Provider:     "fake",
		Dependencies: []string{"network-1"},
	})

	cs, err := eng.PlanWithOptions(g, state, PlanOptions{NoDelete: true})
	require.NoError(t, err)

	assert.True(t, cs.Empty())
	assert.Equal(t, 0, cs.Summary.Delete)
	assert.Equal(t, []string{"compute-1"}, cs.Orphans)
}

func TestPlan_Deterministic(t *testing.T) {
	eng := testEngine(newFakeProvider())

	g, err := BuildGraph([]*ir.Resource{
		res("b", ir.KindCompute, []string{"a"}, map[string]any{"size": "small"}),
		res("a", ir.KindNetwork, nil, map[string]any{"cidr": "10.0.0.0/16"}),
		res("c", ir.KindDatabase, []string{"a"}, map[string]any{"engine": "postgres"}),
	})
	require.NoError(t, err)

	state := ir.NewState()
	state.Put(&ir.RecordedResource{ID: "zombie", Kind: ir.KindNetwork, Provider: "fake"})

	first, err := eng.Plan(g, state)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := eng.Plan(g, state)
		require.NoError(t, err)
		assert.Equal(t, changeIDs(first.Changes), changeIDs(again.Changes))
		assert.Equal(t, first.Summary, again.Summary)
	}
}

func TestPlan_TargetsPullInDependencies(t *testing.T) {
	eng := testEngine(newFakeProvider())

	g, err := BuildGraph([]*ir.Resource{
		res("network-1", ir.KindNetwork, nil, map[string]any{"cidr": "10.0.0.0/16"}),
		res("compute-1", ir.KindCompute, []string{"network-1"}, map[string]any{"size": "small"}),
		res("bucket-1", ir.KindStorageBucket, nil, map[string]any{"versioned": true}),
	})
	require.NoError(t, err)

	cs, err := eng.PlanTargets(g, ir.NewState(), []string{"compute-1"})
	require.NoError(t, err)

	actionable := cs.Actionable()
	require.Len(t, actionable, 2)
	assert.Equal(t, []string{"network-1", "compute-1"}, changeIDs(actionable))
	// The untargeted bucket stays a no-op.
	assert.Equal(t, 1, cs.Summary.NoOp)
}

func TestPlan_UnknownTarget(t *testing.T) {
	eng := testEngine(newFakeProvider())

	g, err := BuildGraph(nil)
	require.NoError(t, err)

	_, err = eng.PlanTargets(g, ir.NewState(), []string{"ghost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target")
}

func TestPlanDestroy_EverythingInReverse(t *testing.T) {
	eng := testEngine(newFakeProvider())

	state := ir.NewState()
	state.Put(&ir.RecordedResource{ID: "a", Kind: ir.KindNetwork, Provider: "fake"})
	state.Put(&ir.RecordedResource{ID: "b", Kind: ir.KindCompute, Provider: "fake", Dependencies: []string{"a"}})
	state.Put(&ir.RecordedResource{ID: "c", Kind: ir.KindDatabase, Provider: "fake", Dependencies: []string{"b"}})

	cs, err := eng.PlanDestroy(state)
	require.NoError(t, err)

	actionable := cs.Actionable()
	assert.Equal(t, []string{"c", "b", "a"}, changeIDs(actionable))
	assert.Equal(t, 3, cs.Summary.Delete)
}

func TestPlan_BaseSerialRecorded(t *testing.T) {
	eng := testEngine(newFakeProvider())

	g, err := BuildGraph(nil)
	require.NoError(t, err)

	state := ir.NewState()
	state.Serial = 7

	cs, err := eng.Plan(g, state)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cs.BaseSerial)
}
