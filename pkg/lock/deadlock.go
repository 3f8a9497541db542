package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ontoforge/oms/pkg/contracts"
)

// waitGraph is the in-memory wait-for graph. Nodes are principals (lock
// owners) interned into an integer arena; an edge waiter -> holder is
// annotated with the lock ids that block the waiter. The graph is the only
// mutable shared state in the manager besides the store, and every critical
// section is short and free of I/O.
type waitGraph struct {
	mu    sync.Mutex
	ids   map[string]int
	names []string
	// edges[waiter][holder] = set of blocking lock ids
	edges map[int]map[int]map[string]struct{}
}

func newWaitGraph() *waitGraph {
	return &waitGraph{
		ids:   make(map[string]int),
		edges: make(map[int]map[int]map[string]struct{}),
	}
}

func (g *waitGraph) intern(name string) int {
	if id, ok := g.ids[name]; ok {
		return id
	}
	id := len(g.names)
	g.ids[name] = id
	g.names = append(g.names, name)
	return id
}

type blockedBy struct {
	owner  string
	lockID string
}

// setWaits replaces the outgoing edges of waiter with the given blockers.
func (g *waitGraph) setWaits(waiter string, blockers []blockedBy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.intern(waiter)
	delete(g.edges, w)
	if len(blockers) == 0 {
		return
	}
	out := make(map[int]map[string]struct{})
	for _, b := range blockers {
		h := g.intern(b.owner)
		if h == w {
			continue // self-waits are re-entrant acquisitions, not deadlocks
		}
		if out[h] == nil {
			out[h] = make(map[string]struct{})
		}
		out[h][b.lockID] = struct{}{}
	}
	if len(out) > 0 {
		g.edges[w] = out
	}
}

// clearWaiter removes every outgoing edge of waiter.
func (g *waitGraph) clearWaiter(waiter string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.ids[waiter]; ok {
		delete(g.edges, w)
	}
}

// dropHolder removes a released lock from every edge annotation.
func (g *waitGraph) dropHolder(lockID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for w, out := range g.edges {
		for h, locks := range out {
			delete(locks, lockID)
			if len(locks) == 0 {
				delete(out, h)
			}
		}
		if len(out) == 0 {
			delete(g.edges, w)
		}
	}
}

// Snapshot returns the wait-for edges as owner names, for diagnostics.
func (g *waitGraph) Snapshot() map[string][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string][]string, len(g.edges))
	for w, adj := range g.edges {
		for h := range adj {
			out[g.names[w]] = append(out[g.names[w]], g.names[h])
		}
		sort.Strings(out[g.names[w]])
	}
	return out
}

// cycle is one deadlock: the principals involved and the lock ids on its edges.
type cycle struct {
	members []string
	lockIDs []string
}

// cycles enumerates the elementary cycles of the wait-for graph using
// Johnson's algorithm. Wait graphs are tiny (bounded by in-flight blocked
// acquisitions), so the enumeration cost is negligible.
func (g *waitGraph) cycles() []cycle {
	g.mu.Lock()
	n := len(g.names)
	adj := make([][]int, n)
	lockAnno := make(map[[2]int][]string)
	for w, out := range g.edges {
		for h, locks := range out {
			adj[w] = append(adj[w], h)
			for id := range locks {
				lockAnno[[2]int{w, h}] = append(lockAnno[[2]int{w, h}], id)
			}
		}
		sort.Ints(adj[w])
	}
	names := append([]string(nil), g.names...)
	g.mu.Unlock()

	j := &johnson{adj: adj, n: n}
	raw := j.run()

	out := make([]cycle, 0, len(raw))
	for _, nodes := range raw {
		c := cycle{}
		for i, v := range nodes {
			c.members = append(c.members, names[v])
			next := nodes[(i+1)%len(nodes)]
			ids := lockAnno[[2]int{v, next}]
			sort.Strings(ids)
			c.lockIDs = append(c.lockIDs, ids...)
		}
		out = append(out, c)
	}
	return out
}

// johnson implements the elementary-cycle enumeration of Johnson (1975) over
// an integer adjacency list.
type johnson struct {
	adj     [][]int
	n       int
	blocked []bool
	bmap    []map[int]struct{}
	stack   []int
	start   int
	result  [][]int
}

func (j *johnson) run() [][]int {
	j.blocked = make([]bool, j.n)
	j.bmap = make([]map[int]struct{}, j.n)
	for i := range j.bmap {
		j.bmap[i] = make(map[int]struct{})
	}
	for s := 0; s < j.n; s++ {
		j.start = s
		for i := range j.blocked {
			j.blocked[i] = false
			j.bmap[i] = make(map[int]struct{})
		}
		j.circuit(s)
	}
	return j.result
}

func (j *johnson) circuit(v int) bool {
	found := false
	j.stack = append(j.stack, v)
	j.blocked[v] = true
	for _, w := range j.adj[v] {
		if w < j.start {
			continue // each cycle is reported from its smallest node only
		}
		if w == j.start {
			j.result = append(j.result, append([]int(nil), j.stack...))
			found = true
		} else if !j.blocked[w] {
			if j.circuit(w) {
				found = true
			}
		}
	}
	if found {
		j.unblock(v)
	} else {
		for _, w := range j.adj[v] {
			if w < j.start {
				continue
			}
			j.bmap[w][v] = struct{}{}
		}
	}
	j.stack = j.stack[:len(j.stack)-1]
	return found
}

func (j *johnson) unblock(v int) {
	j.blocked[v] = false
	for w := range j.bmap[v] {
		delete(j.bmap[v], w)
		if j.blocked[w] {
			j.unblock(w)
		}
	}
}

// AcquireWait blocks for up to timeout waiting for the lock, registering the
// wait in the wait-for graph so the deadlock detector can see it. On timeout
// the wait edge is removed and the last LockConflictError is returned.
func (m *Manager) AcquireWait(ctx context.Context, req Request, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	defer m.waits.clearWaiter(req.LockedBy)

	retry := 50 * time.Millisecond
	for {
		id, err := m.Acquire(ctx, req)
		if err == nil {
			return id, nil
		}
		var lc *contracts.LockConflictError
		if !errors.As(err, &lc) {
			return "", err
		}
		m.registerWait(ctx, req.LockedBy, lc.Holders)

		select {
		case <-ctx.Done():
			return "", contracts.ErrDeadlineExceeded
		case <-deadline.C:
			return "", lc
		case <-time.After(retry):
		}
		if retry < time.Second {
			retry *= 2
		}
	}
}

func (m *Manager) registerWait(ctx context.Context, waiter string, holderLockIDs []string) {
	blockers := make([]blockedBy, 0, len(holderLockIDs))
	for _, id := range holderLockIDs {
		l, err := m.store.Get(ctx, id)
		if err != nil {
			continue
		}
		blockers = append(blockers, blockedBy{owner: l.LockedBy, lockID: l.ID})
	}
	m.waits.setWaits(waiter, blockers)
}

// WaitGraph returns the current wait-for edges keyed by waiting principal.
func (m *Manager) WaitGraph() map[string][]string {
	return m.waits.Snapshot()
}

// detectDeadlocks runs cycle detection and breaks every cycle by releasing
// its youngest-acquired lock.
func (m *Manager) detectDeadlocks(ctx context.Context) {
	for _, c := range m.waits.cycles() {
		victim := m.youngestLock(ctx, c.lockIDs)
		if victim == nil {
			continue
		}
		m.logger.Warn("deadlock detected, releasing victim",
			"victim_lock", victim.ID, "owner", victim.LockedBy, "cycle", c.members)
		if err := m.release(ctx, victim.ID, sweeperIdentity, "deadlock_victim", true); err != nil {
			m.logger.Error("deadlock victim release failed", "lock_id", victim.ID, "error", err)
			continue
		}
		if m.events != nil {
			m.events.DeadlockVictim(ctx, victim, c.members)
		}
	}
}

func (m *Manager) youngestLock(ctx context.Context, lockIDs []string) *contracts.BranchLock {
	var victim *contracts.BranchLock
	for _, id := range lockIDs {
		l, err := m.store.Get(ctx, id)
		if err != nil || !l.Active {
			continue
		}
		if victim == nil || l.LockedAt.After(victim.LockedAt) {
			victim = l
		}
	}
	return victim
}
