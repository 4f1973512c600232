package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planOf(deps ...[]int) *ExecutionPlan {
	agents := make([]AgentSpec, len(deps))
	for i, d := range deps {
		agents[i] = AgentSpec{Index: i, Role: "analyzer", Task: "t", DependsOn: d}
	}
	return &ExecutionPlan{Agents: agents}
}

func TestLayers_IndependentAgentsShareLayerZero(t *testing.T) {
	layers, ok := Layers(planOf(nil, nil, []int{0, 1}))
	require.True(t, ok)
	assert.Equal(t, [][]int{{0, 1}, {2}}, layers)
}

func TestLayers_Diamond(t *testing.T) {
	// 0 -> {1,2} -> 3
	layers, ok := Layers(planOf(nil, []int{0}, []int{0}, []int{1, 2}))
	require.True(t, ok)
	assert.Equal(t, [][]int{{0}, {1, 2}, {3}}, layers)
}

func TestLayers_PartitionAndOrderingInvariant(t *testing.T) {
	p := planOf(nil, nil, []int{0}, []int{1}, []int{2, 3}, nil)
	layers, ok := Layers(p)
	require.True(t, ok)

	// Partition: every index appears exactly once.
	seen := make(map[int]int)
	layerOf := make(map[int]int)
	for k, layer := range layers {
		for _, i := range layer {
			seen[i]++
			layerOf[i] = k
		}
	}
	assert.Len(t, seen, len(p.Agents))
	for _, count := range seen {
		assert.Equal(t, 1, count)
	}

	// Every dependency lives in a strictly earlier layer.
	for _, agent := range p.Agents {
		for _, dep := range agent.DependsOn {
			assert.Less(t, layerOf[dep], layerOf[agent.Index])
		}
	}
}

func TestLayers_PureFunctionOfDependencies(t *testing.T) {
	p := planOf(nil, []int{0}, []int{0}, []int{1, 2})
	first, ok1 := Layers(p)
	second, ok2 := Layers(p)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, first, second)
}

func TestLayers_CycleReported(t *testing.T) {
	// 0 <-> 1 (only constructible pre-validation).
	p := planOf([]int{1}, []int{0})
	layers, ok := Layers(p)
	assert.False(t, ok)
	assert.Empty(t, layers)
}

func TestComputeLayers_DegradesToSequentialOnCycle(t *testing.T) {
	p := planOf([]int{1}, []int{0}, nil)
	assert.Equal(t, [][]int{{0}, {1}, {2}}, ComputeLayers(p))
}

func TestSequentialLayers(t *testing.T) {
	assert.Equal(t, [][]int{{0}, {1}, {2}}, SequentialLayers(3))
	assert.Empty(t, SequentialLayers(0))
}
