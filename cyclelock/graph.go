package cyclelock

import (
	"fmt"
	"strings"
	"sync"

	"github.com/joeycumines/concurcore/internal/gid"
	"github.com/joeycumines/concurcore/internal/xlog"
)

// edgeKey identifies a directed edge pred -> succ in the global ordering
// graph, used both to store the set of known edges and to cache the
// witness (cause) of a cycle first detected across that pair, per
// spec.md §4.6 item 5 ("cached detection").
type edgeKey struct{ pred, succ *node }

var (
	graphMu      sync.Mutex
	edges        = map[*node]map[*node][]*node{} // pred -> succ -> witness acquisition stack at recording time
	cycleWitness = map[edgeKey]*PotentialDeadlockError{}
	holderStacks = map[int64][]*node{}
)

// observeAcquire runs the full cycle-detection/rank-ordering algorithm for
// a non-reentrant acquisition of n by the calling goroutine, honoring
// policy. It returns a non-nil error only under Throw; under Warn the
// same condition is logged instead. The holder stack is updated to
// reflect the about-to-be-attempted acquisition unless an error is
// returned, or policy is Disabled, in which case this is a pure no-op.
func observeAcquire(n *node, policy Policy) error {
	if policy == Disabled {
		return nil
	}

	g := gid.Current()

	graphMu.Lock()
	defer graphMu.Unlock()

	stack := holderStacks[g]
	for _, held := range stack {
		if held == n {
			// reentrant: ignored by the observer entirely (spec.md §4.6,
			// "Reentrancy"); also covers read-lock-after-write-lock
			// downgrade, since a read/write pair shares one node.
			return nil
		}
	}

	if len(stack) == 0 {
		holderStacks[g] = append(stack, n)
		return nil
	}

	if n.hasRank {
		if err := checkRank(n, stack); err != nil {
			if policy == Throw {
				return err
			}
			xlog.Default().Warn("cyclelock: "+err.Error(), xlog.F("node", n.String()))
		}
	}

	if err := checkCycle(n, stack); err != nil {
		if policy == Throw {
			return err
		}
		xlog.Default().Warn("cyclelock: "+err.Error(), xlog.F("node", n.String()))
	}

	recordEdges(n, stack)
	holderStacks[g] = append(stack, n)
	return nil
}

// release pops n from the calling goroutine's holder stack. Must be
// called exactly once per non-reentrant, non-Disabled acquisition, with
// graphMu NOT held by the caller.
func release(n *node, policy Policy) {
	if policy == Disabled {
		return
	}
	g := gid.Current()
	graphMu.Lock()
	defer graphMu.Unlock()
	stack := holderStacks[g]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == n {
			holderStacks[g] = append(stack[:i], stack[i+1:]...)
			return
		}
	}
}

// checkRank enforces explicit-rank ordering: ranks must strictly increase
// across an acquisition chain within the same factory; acquiring a second
// distinct node of the same rank while one is already held is illegal,
// and acquiring a lower rank after a higher one signals a potential
// deadlock (spec.md §4.6, "Explicit ordering"). graphMu must be held.
func checkRank(n *node, stack []*node) error {
	for _, held := range stack {
		if !held.hasRank || held.factory != n.factory {
			continue
		}
		switch {
		case held.rank == n.rank:
			return &IllegalLockStateError{Message: fmt.Sprintf(
				"attempted to acquire %s while already holding %s of the same rank", n, held)}
		case n.rank < held.rank:
			return &PotentialDeadlockError{Message: fmt.Sprintf(
				"attempted to acquire lower-ranked %s while holding higher-ranked %s", n, held)}
		}
	}
	return nil
}

// checkCycle detects whether acquiring n, given the calling goroutine's
// current holder stack, would close a cycle in the global edge graph
// (spec.md §4.6, steps 3-4). graphMu must be held.
func checkCycle(n *node, stack []*node) error {
	for i := len(stack) - 1; i >= 0; i-- {
		pred := stack[i]
		if path := findPath(n, pred); path != nil {
			key := edgeKey{pred: pred, succ: n}
			if cached, ok := cycleWitness[key]; ok {
				return cached
			}
			msg := formatCycle(path, pred, n)
			err := &PotentialDeadlockError{Message: msg}
			cycleWitness[key] = err
			return err
		}
	}
	return nil
}

// findPath returns a path of nodes from -> ... -> to following recorded
// edges, or nil if none exists. graphMu must be held.
func findPath(from, to *node) []*node {
	if from == to {
		return []*node{from}
	}
	visited := map[*node]bool{from: true}
	type frame struct {
		n    *node
		path []*node
	}
	queue := []frame{{n: from, path: []*node{from}}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for succ := range edges[cur.n] {
			if succ == to {
				return append(append([]*node(nil), cur.path...), succ)
			}
			if !visited[succ] {
				visited[succ] = true
				next := append(append([]*node(nil), cur.path...), succ)
				queue = append(queue, frame{n: succ, path: next})
			}
		}
	}
	return nil
}

func formatCycle(existingPath []*node, pred, n *node) string {
	var b strings.Builder
	for i, node := range existingPath {
		if i > 0 {
			b.WriteString(" -> ")
		}
		b.WriteString(node.String())
	}
	fmt.Fprintf(&b, " -> %s (new edge %s -> %s closes the cycle)", n, pred, n)
	return b.String()
}

// recordEdges adds pred -> n for every pred currently on the goroutine's
// holder stack, each with its own witness snapshot (spec.md §4.6, step
// 3). graphMu must be held.
func recordEdges(n *node, stack []*node) {
	for _, pred := range stack {
		succs, ok := edges[pred]
		if !ok {
			succs = map[*node][]*node{}
			edges[pred] = succs
		}
		if _, exists := succs[n]; !exists {
			succs[n] = append([]*node(nil), stack...)
		}
	}
}
