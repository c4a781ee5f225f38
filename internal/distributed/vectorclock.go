// Package distributed implements Rhizo's coordination-free replication
// layer: vector clocks, algebraic operation classification and merging, the
// local-commit protocol, a deterministic in-memory gossip simulation for
// property testing, and the MergeAnalyzer that lets the branch layer fold a
// non-fast-forward merge when every touched column is conflict-free.
//
// Grounded on the teacher's pkg/types.Value tagged-union idiom (private
// discriminant field, public NewX constructors, accessor methods), carried
// over into AlgebraicValue here; the vector clock, merge table, and gossip
// harness have no direct teacher analogue and are built from the spec in
// that same style.
package distributed

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// NodeID identifies a replica in the cluster.
type NodeID string

// VectorClock maps NodeID to a logical counter; a missing key reads as 0.
// All operations are total and side-effect-free except where documented.
type VectorClock struct {
	counts map[NodeID]uint64
}

// New returns an empty VectorClock.
func New() VectorClock {
	return VectorClock{counts: make(map[NodeID]uint64)}
}

// WithNode returns a copy of v with node set to t.
func (v VectorClock) WithNode(node NodeID, t uint64) VectorClock {
	out := v.clone()
	out.counts[node] = t
	return out
}

// Tick increments v[node] by 1 in place and returns v for chaining.
func (v VectorClock) Tick(node NodeID) VectorClock {
	v.counts[node] = v.counts[node] + 1
	return v
}

// Get returns v[node], or 0 if node is absent.
func (v VectorClock) Get(node NodeID) uint64 {
	return v.counts[node]
}

// Set mutates v[node] = t in place.
func (v VectorClock) Set(node NodeID, t uint64) {
	v.counts[node] = t
}

// Snapshot returns an independent copy of v, safe to retain after v mutates.
func (v VectorClock) Snapshot() VectorClock {
	return v.clone()
}

func (v VectorClock) clone() VectorClock {
	out := VectorClock{counts: make(map[NodeID]uint64, len(v.counts))}
	for k, val := range v.counts {
		out.counts[k] = val
	}
	return out
}

// Merge mutates v in place to be the component-wise max of v and other.
func (v VectorClock) Merge(other VectorClock) {
	for node, t := range other.counts {
		if t > v.counts[node] {
			v.counts[node] = t
		}
	}
}

// Max returns the component-wise max of a and b, as a new value.
func Max(a, b VectorClock) VectorClock {
	out := a.clone()
	out.Merge(b)
	return out
}

// lessEq reports whether v[n] <= other[n] for every node in either clock.
func (v VectorClock) lessEq(other VectorClock) bool {
	for node, t := range v.counts {
		if t > other.counts[node] {
			return false
		}
	}
	return true
}

// equal reports whether v and other agree on every node in either clock.
func (v VectorClock) equal(other VectorClock) bool {
	for node, t := range v.counts {
		if other.counts[node] != t {
			return false
		}
	}
	for node, t := range other.counts {
		if v.counts[node] != t {
			return false
		}
	}
	return true
}

// HappenedBefore reports whether v < other: v <= other and v != other.
func (v VectorClock) HappenedBefore(other VectorClock) bool {
	return v.lessEq(other) && !v.equal(other)
}

// HappenedAfter reports whether other < v.
func (v VectorClock) HappenedAfter(other VectorClock) bool {
	return other.HappenedBefore(v)
}

// ConcurrentWith reports whether neither v <= other nor other <= v.
func (v VectorClock) ConcurrentWith(other VectorClock) bool {
	return !v.lessEq(other) && !other.lessEq(v)
}

// Ordering is the result of Compare.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "Equal"
	case Before:
		return "Before"
	case After:
		return "After"
	case Concurrent:
		return "Concurrent"
	default:
		return "Unknown"
	}
}

// Compare classifies the relationship between v and other.
func (v VectorClock) Compare(other VectorClock) Ordering {
	switch {
	case v.equal(other):
		return Equal
	case v.HappenedBefore(other):
		return Before
	case v.HappenedAfter(other):
		return After
	default:
		return Concurrent
	}
}

// String renders a stable, sorted-by-node textual form, e.g. "{a:1,b:2}".
func (v VectorClock) String() string {
	nodes := make([]string, 0, len(v.counts))
	for n := range v.counts {
		nodes = append(nodes, string(n))
	}
	sort.Strings(nodes)
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		parts = append(parts, fmt.Sprintf("%s:%d", n, v.counts[NodeID(n)]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Nodes returns every node present in the clock, sorted, including any
// whose counter was explicitly set to 0.
func (v VectorClock) Nodes() []NodeID {
	out := make([]NodeID, 0, len(v.counts))
	for n := range v.counts {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarshalJSON renders the clock as {"node_id": counter, ...}.
func (v VectorClock) MarshalJSON() ([]byte, error) {
	m := make(map[string]uint64, len(v.counts))
	for k, val := range v.counts {
		m[string(k)] = val
	}
	return json.Marshal(m)
}

// UnmarshalJSON restores a clock from {"node_id": counter, ...}.
func (v *VectorClock) UnmarshalJSON(data []byte) error {
	var m map[string]uint64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	v.counts = make(map[NodeID]uint64, len(m))
	for k, val := range m {
		v.counts[NodeID(k)] = val
	}
	return nil
}
