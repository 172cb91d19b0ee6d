package scheduler

import (
	"fmt"
	"sync"
	"time"
)

// DependencyGraph holds task units and the producer -> consumer edges between
// them. Units live in an arena indexed by insertion order; edges are adjacency
// lists of arena indexes.
type DependencyGraph struct {
	name string

	mu         sync.RWMutex
	sealed     bool
	units      []TaskUnit
	index      map[string]int
	downstream [][]int
	upstream   [][]int
}

// NewGraph creates an empty graph
func NewGraph(name string) *DependencyGraph {
	return &DependencyGraph{
		name:  name,
		index: make(map[string]int),
	}
}

// Name returns the graph name
func (g *DependencyGraph) Name() string {
	return g.name
}

// AddTask adds a task unit to the graph
func (g *DependencyGraph) AddTask(unit TaskUnit) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed {
		return ErrGraphSealed
	}
	if err := unit.validate(); err != nil {
		return err
	}
	if _, exists := g.index[unit.Name]; exists {
		return &DuplicateTaskError{Name: unit.Name}
	}

	g.index[unit.Name] = len(g.units)
	g.units = append(g.units, unit)
	g.downstream = append(g.downstream, nil)
	g.upstream = append(g.upstream, nil)
	return nil
}

// AddDependency adds an edge so that `to` runs only after `from` succeeded.
// The graph is left untouched when the edge is rejected.
func (g *DependencyGraph) AddDependency(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed {
		return ErrGraphSealed
	}

	fromIdx, ok := g.index[from]
	if !ok {
		return &UnknownTaskError{Name: from}
	}
	toIdx, ok := g.index[to]
	if !ok {
		return &UnknownTaskError{Name: to}
	}

	for _, d := range g.downstream[fromIdx] {
		if d == toIdx {
			return nil
		}
	}

	// from -> to closes a cycle iff from is already reachable from to
	if path := g.pathBetween(toIdx, fromIdx); path != nil {
		return &CycleError{Path: append(g.names(path), to)}
	}

	g.downstream[fromIdx] = append(g.downstream[fromIdx], toIdx)
	g.upstream[toIdx] = append(g.upstream[toIdx], fromIdx)
	return nil
}

// Seal freezes the graph. A sealed graph is immutable and can be shared by any
// number of concurrent runs.
func (g *DependencyGraph) Seal() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.units) == 0 {
		return &ConfigurationError{Reason: fmt.Sprintf("graph %s has no tasks", g.name)}
	}
	if _, err := g.order(); err != nil {
		return &ConfigurationError{Reason: fmt.Sprintf("graph %s", g.name), Err: err}
	}
	g.sealed = true
	return nil
}

// Sealed reports whether the graph has been sealed
func (g *DependencyGraph) Sealed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sealed
}

// TopologicalOrder returns the task names so that every producer precedes its
// consumers. Independent tasks keep their insertion order.
func (g *DependencyGraph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order, err := g.order()
	if err != nil {
		return nil, err
	}
	return g.names(order), nil
}

// order runs Kahn's algorithm, always taking the ready task with the lowest
// arena index.
func (g *DependencyGraph) order() ([]int, error) {
	n := len(g.units)
	indegree := make([]int, n)
	for i := range g.units {
		indegree[i] = len(g.upstream[i])
	}

	ready := make([]bool, n)
	for i := range g.units {
		ready[i] = indegree[i] == 0
	}

	order := make([]int, 0, n)
	for len(order) < n {
		next := -1
		for i := 0; i < n; i++ {
			if ready[i] {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, &CycleError{Path: g.remaining(indegree)}
		}

		ready[next] = false
		indegree[next] = -1
		order = append(order, next)
		for _, d := range g.downstream[next] {
			indegree[d]--
			if indegree[d] == 0 {
				ready[d] = true
			}
		}
	}
	return order, nil
}

// pathBetween returns the arena path from src to dst using a depth-first
// search over downstream edges, or nil when dst is unreachable.
func (g *DependencyGraph) pathBetween(src, dst int) []int {
	visited := make([]bool, len(g.units))

	var visit func(int) []int
	visit = func(current int) []int {
		if current == dst {
			return []int{current}
		}
		if visited[current] {
			return nil
		}
		visited[current] = true

		for _, d := range g.downstream[current] {
			if path := visit(d); path != nil {
				return append([]int{current}, path...)
			}
		}
		return nil
	}

	return visit(src)
}

func (g *DependencyGraph) remaining(indegree []int) []string {
	var names []string
	for i, d := range indegree {
		if d > 0 {
			names = append(names, g.units[i].Name)
		}
	}
	return names
}

func (g *DependencyGraph) names(idx []int) []string {
	out := make([]string, len(idx))
	for i, v := range idx {
		out[i] = g.units[v].Name
	}
	return out
}

// Len returns the number of tasks
func (g *DependencyGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.units)
}

// Task returns the named task unit
func (g *DependencyGraph) Task(name string) (TaskUnit, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	i, ok := g.index[name]
	if !ok {
		return TaskUnit{}, false
	}
	return g.units[i], true
}

// Upstream returns the direct producers of the named task, in insertion order
// of the edges.
func (g *DependencyGraph) Upstream(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.names(g.upstream[i])
}

// Downstream returns the direct consumers of the named task.
func (g *DependencyGraph) Downstream(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.names(g.downstream[i])
}

// Ancestors returns every task the named task transitively depends on.
func (g *DependencyGraph) Ancestors(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	i, ok := g.index[name]
	if !ok {
		return nil
	}

	seen := make([]bool, len(g.units))
	stack := append([]int(nil), g.upstream[i]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, g.upstream[cur]...)
	}

	var out []string
	for idx, ok := range seen {
		if ok {
			out = append(out, g.units[idx].Name)
		}
	}
	return out
}

// WorstCaseDuration returns the longest path through the graph when every
// task takes its retry policy's worst case.
func (g *DependencyGraph) WorstCaseDuration() (time.Duration, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order, err := g.order()
	if err != nil {
		return 0, err
	}

	finish := make([]time.Duration, len(g.units))
	var longest time.Duration
	for _, i := range order {
		var start time.Duration
		for _, u := range g.upstream[i] {
			start = max(start, finish[u])
		}
		finish[i] = start + g.units[i].Policy.WorstCase()
		longest = max(longest, finish[i])
	}
	return longest, nil
}
