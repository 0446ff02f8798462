package cases

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError reports that a set of case references can never be ordered
// because they form one or more cycles.
type CycleError struct {
	// CaseIDs lists every case participating in a cycle, sorted.
	CaseIDs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cases: reference cycle involving [%s]", strings.Join(e.CaseIDs, ", "))
}

// CaseGraph orders cases so every referenced case sorts before the cases
// that reference it. Edges point from a referenced case to its dependents.
type CaseGraph struct {
	nodes map[string]struct{}
	// dependents[p] are cases that hold an index onto p.
	dependents map[string][]string
	indegree   map[string]int
}

func NewCaseGraph() *CaseGraph {
	return &CaseGraph{
		nodes:      map[string]struct{}{},
		dependents: map[string][]string{},
		indegree:   map[string]int{},
	}
}

// AddCase registers a node. Safe to call more than once per id.
func (g *CaseGraph) AddCase(caseID string) {
	if _, ok := g.nodes[caseID]; ok {
		return
	}
	g.nodes[caseID] = struct{}{}
	g.indegree[caseID] = 0
}

// AddReference records that caseID holds an index onto referencedID, so
// referencedID must sort first. Both nodes are registered implicitly.
// References to cases outside the graph are ignored at sort time.
func (g *CaseGraph) AddReference(caseID, referencedID string) {
	g.AddCase(caseID)
	g.AddCase(referencedID)
	g.dependents[referencedID] = append(g.dependents[referencedID], caseID)
	g.indegree[caseID]++
}

// TopologicalSort returns the case ids with every referenced case before
// its dependents. Ties break lexicographically so the order is stable
// across runs. Cycles fail with *CycleError naming every participant.
func (g *CaseGraph) TopologicalSort() ([]string, error) {
	indegree := make(map[string]int, len(g.indegree))
	for id, n := range g.indegree {
		indegree[id] = n
	}

	var ready []string
	for id := range g.nodes {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var released []string
		for _, dep := range g.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				released = append(released, dep)
			}
		}
		if len(released) > 0 {
			ready = append(ready, released...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.nodes) {
		return nil, &CycleError{CaseIDs: g.cycleParticipants(indegree)}
	}
	return order, nil
}

// cycleParticipants narrows the unsorted remainder down to nodes that sit
// on a cycle, dropping nodes that are merely downstream of one.
func (g *CaseGraph) cycleParticipants(indegree map[string]int) []string {
	remaining := map[string]struct{}{}
	for id := range g.nodes {
		if indegree[id] > 0 {
			remaining[id] = struct{}{}
		}
	}

	// Iteratively strip nodes with no remaining dependents; what survives
	// has both an unresolved predecessor and an unresolved successor.
	for changed := true; changed; {
		changed = false
		for id := range remaining {
			live := 0
			for _, dep := range g.dependents[id] {
				if _, ok := remaining[dep]; ok {
					live++
				}
			}
			if live == 0 {
				delete(remaining, id)
				changed = true
			}
		}
	}

	ids := make([]string, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TopologicalCaseOrder sorts cases by their index references. References
// pointing outside the given set do not constrain the order.
func TopologicalCaseOrder(cs []*Case) ([]string, error) {
	inSet := make(map[string]struct{}, len(cs))
	for _, c := range cs {
		inSet[c.CaseID] = struct{}{}
	}
	g := NewCaseGraph()
	for _, c := range cs {
		g.AddCase(c.CaseID)
		for _, idx := range c.Indices {
			if _, ok := inSet[idx.ReferencedID]; ok {
				g.AddReference(c.CaseID, idx.ReferencedID)
			}
		}
	}
	return g.TopologicalSort()
}
