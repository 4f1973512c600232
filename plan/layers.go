package plan

import "sort"

// Layers runs Kahn's algorithm over the plan's dependency graph and
// returns the execution layers: disjoint index sets where every
// dependency of layer k lives in some layer < k. Indices within a layer
// are sorted ascending so layering is a pure function of the dependency
// sets.
//
// The second return is false when nodes remain after the algorithm
// terminates, i.e. the graph has a cycle.
func Layers(p *ExecutionPlan) ([][]int, bool) {
	n := len(p.Agents)
	if n == 0 {
		return nil, true
	}

	inDegree := make([]int, n)
	dependents := make([][]int, n)
	for _, agent := range p.Agents {
		for _, dep := range agent.DependsOn {
			if dep < 0 || dep >= n {
				continue
			}
			inDegree[agent.Index]++
			dependents[dep] = append(dependents[dep], agent.Index)
		}
	}

	var layers [][]int
	placed := 0
	ready := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	for len(ready) > 0 {
		sort.Ints(ready)
		layer := make([]int, len(ready))
		copy(layer, ready)
		layers = append(layers, layer)
		placed += len(layer)

		var next []int
		for _, i := range layer {
			for _, dep := range dependents[i] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		ready = next
	}

	return layers, placed == n
}

// SequentialLayers is the degraded layering used when a cycle survives
// validation: one agent per layer, in index order.
func SequentialLayers(n int) [][]int {
	layers := make([][]int, n)
	for i := 0; i < n; i++ {
		layers[i] = []int{i}
	}
	return layers
}

// ComputeLayers returns the plan's execution layers, degrading to the
// sequential layering when a cycle is detected rather than failing the
// run.
func ComputeLayers(p *ExecutionPlan) [][]int {
	layers, ok := Layers(p)
	if !ok {
		return SequentialLayers(len(p.Agents))
	}
	return layers
}
