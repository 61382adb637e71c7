package locks

import (
	"fmt"
	"strings"
)

// DeadlockError reports a refused lock wait that would have closed a cycle in
// the wait-for graph. Cycle holds the transaction ids along the cycle,
// starting with the transaction whose wait was refused.
type DeadlockError struct {
	Cycle []string
}

// Error implements the error interface.
func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock detected: cycle %s", strings.Join(e.Cycle, " -> "))
}

// findCycleLocked checks whether txID waiting on the holders of e would close
// a cycle. It derives the wait-for graph from the current table state: every
// queued waiter waits on every current holder of its key. The graph is never
// stored, so edges disappear the instant a wait resolves. Callers must hold
// t.mu.
func (t *Table) findCycleLocked(txID string, e *entry) []string {
	graph := t.waitGraphLocked()

	for _, holder := range e.holdersExcept(txID) {
		if path := findPath(graph, holder, txID); path != nil {
			cycle := make([]string, 0, len(path)+1)
			cycle = append(cycle, txID)
			cycle = append(cycle, path...)
			return cycle
		}
	}
	return nil
}

// waitGraphLocked builds waiting -> holding edges for every blocked
// transaction. Callers must hold t.mu.
func (t *Table) waitGraphLocked() map[string][]string {
	graph := make(map[string][]string)
	for _, e := range t.entries {
		for _, w := range e.queue {
			graph[w.txID] = append(graph[w.txID], e.holdersExcept(w.txID)...)
		}
	}
	return graph
}

// findPath returns the node path from src to dst along wait-for edges, or nil
// when dst is unreachable. src is included; dst is not repeated at the end.
func findPath(graph map[string][]string, src, dst string) []string {
	if src == dst {
		return []string{src}
	}
	visited := map[string]bool{src: true}
	var dfs func(node string) []string
	dfs = func(node string) []string {
		for _, next := range graph[node] {
			if next == dst {
				return []string{node}
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			if rest := dfs(next); rest != nil {
				return append([]string{node}, rest...)
			}
		}
		return nil
	}
	return dfs(src)
}
