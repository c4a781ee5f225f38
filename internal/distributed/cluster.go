package distributed

import (
	"sort"

	"rhizo/internal/errs"
)

// SimulatedCluster is a deterministic, single-threaded in-memory gossip
// harness: messages are modeled as plain enqueue/dequeue, with no real
// network or goroutines involved, so property tests over delivery order are
// reproducible.
type SimulatedCluster struct {
	nodes     map[NodeID]*Replica
	order     []NodeID
	inbox     map[NodeID][]VersionedUpdate
	partition map[NodeID]map[NodeID]bool // partition[a][b] = true means a cannot hear from b
}

// NewSimulatedCluster builds a cluster with one Replica per id in ids.
func NewSimulatedCluster(ids ...NodeID) *SimulatedCluster {
	c := &SimulatedCluster{
		nodes:     make(map[NodeID]*Replica, len(ids)),
		inbox:     make(map[NodeID][]VersionedUpdate),
		partition: make(map[NodeID]map[NodeID]bool),
	}
	for _, id := range ids {
		c.nodes[id] = NewReplica(id)
		c.order = append(c.order, id)
	}
	sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })
	return c
}

// Node returns the Replica for id, or nil if id is not a cluster member.
func (c *SimulatedCluster) Node(id NodeID) *Replica {
	return c.nodes[id]
}

// Broadcast local-commits tx on origin, then enqueues the resulting
// VersionedUpdate for every other node. A node partitioned from origin
// keeps the update queued until Heal (see Step).
func (c *SimulatedCluster) Broadcast(origin NodeID, tx AlgebraicTransaction) (VersionedUpdate, error) {
	n, ok := c.nodes[origin]
	if !ok {
		return VersionedUpdate{}, errs.New(errs.KindValidation, "distributed.Broadcast", "unknown node "+string(origin))
	}
	update, err := n.LocalCommit(tx)
	if err != nil {
		return VersionedUpdate{}, err
	}
	for _, id := range c.order {
		if id == origin {
			continue
		}
		c.inbox[id] = append(c.inbox[id], update)
	}
	return update, nil
}

// Step drains and applies at most one queued message per node, in node-id
// order. A node whose next message comes from a node it is partitioned from
// is skipped, leaving that message queued. It returns the number of messages
// applied.
func (c *SimulatedCluster) Step() int {
	applied := 0
	for _, id := range c.order {
		queue := c.inbox[id]
		if len(queue) == 0 {
			continue
		}
		msg := queue[0]
		if c.isPartitioned(id, msg.Origin) {
			continue
		}
		c.inbox[id] = queue[1:]
		if err := c.nodes[id].ApplyRemote(msg); err == nil {
			applied++
		}
	}
	return applied
}

// Partition prevents every node in group from hearing from any node outside
// group (and vice versa). No message is dropped: messages across the split,
// whether enqueued before or during the partition, are left queued until
// Heal.
func (c *SimulatedCluster) Partition(group []NodeID) {
	inGroup := make(map[NodeID]bool, len(group))
	for _, id := range group {
		inGroup[id] = true
	}
	for _, a := range c.order {
		for _, b := range c.order {
			if a == b {
				continue
			}
			if inGroup[a] != inGroup[b] {
				if c.partition[a] == nil {
					c.partition[a] = make(map[NodeID]bool)
				}
				c.partition[a][b] = true
			}
		}
	}
}

// Heal removes every partition barrier, so subsequent Steps deliver the
// messages held back during the partition along with any new Broadcasts.
func (c *SimulatedCluster) Heal() {
	c.partition = make(map[NodeID]map[NodeID]bool)
}

func (c *SimulatedCluster) isPartitioned(receiver, sender NodeID) bool {
	blocked := c.partition[receiver]
	return blocked != nil && blocked[sender]
}

// RunUntilConverged steps the cluster until every node's Snapshot is equal
// for every key any node has observed, or maxRounds is exhausted without
// convergence.
func (c *SimulatedCluster) RunUntilConverged(maxRounds int) (converged bool, rounds int) {
	for r := 0; r <= maxRounds; r++ {
		if c.empty() && c.isConverged() {
			return true, r
		}
		if c.Step() == 0 {
			break
		}
	}
	return c.empty() && c.isConverged(), maxRounds
}

func (c *SimulatedCluster) empty() bool {
	for _, q := range c.inbox {
		if len(q) > 0 {
			return false
		}
	}
	return true
}

func (c *SimulatedCluster) isConverged() bool {
	if len(c.order) < 2 {
		return true
	}
	ref := c.nodes[c.order[0]].Snapshot()
	for _, id := range c.order[1:] {
		snap := c.nodes[id].Snapshot()
		if !sameState(ref, snap) {
			return false
		}
	}
	return true
}

func sameState(a, b map[StateKey]AlgebraicValue) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		other, ok := b[k]
		if !ok || !valuesEqual(v, other) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b AlgebraicValue) bool {
	if a.Kind() != b.Kind() {
		return false
	}
	switch a.Kind() {
	case KindNull:
		return true
	case KindInteger:
		return a.Integer() == b.Integer()
	case KindFloat:
		return a.Float() == b.Float()
	case KindBoolean:
		return a.Boolean() == b.Boolean()
	case KindStringSet:
		as, bs := a.StringSet(), b.StringSet()
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if as[i] != bs[i] {
				return false
			}
		}
		return true
	case KindIntSet:
		as, bs := a.IntSet(), b.IntSet()
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if as[i] != bs[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}
