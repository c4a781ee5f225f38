package distributed

import (
	"sync"

	"rhizo/internal/errs"
)

// StateKey addresses one mergeable slot: a column within a row within a
// table. Row-level conflict detection is explicitly out of scope for the
// core transaction manager (table granularity only); the distributed layer
// tracks finer-grained keys because algebraic merge only makes sense per
// column, independent of the table-level commit protocol in internal/txn.
type StateKey struct {
	Table  string
	Key    string
	Column string
}

// AlgebraicOperation is one write within an AlgebraicTransaction.
type AlgebraicOperation struct {
	OpType        OpType
	Target        StateKey
	Value         AlgebraicValue
	Origin        NodeID
	IssuedAtClock VectorClock
}

// AlgebraicTransaction is a batch of operations issued together.
type AlgebraicTransaction struct {
	Ops []AlgebraicOperation
}

// VersionedUpdate is the wire form of a committed AlgebraicTransaction,
// gossiped between replicas.
type VersionedUpdate struct {
	Transaction AlgebraicTransaction
	PostClock   VectorClock
	Origin      NodeID
}

// Replica holds one node's local algebraic state and clock, and applies the
// local-commit protocol from spec.md §4.F.3.
type Replica struct {
	mu     sync.Mutex
	self   NodeID
	clock  VectorClock
	state  map[StateKey]AlgebraicValue
	merger AlgebraicMerger

	applied map[string]bool // delivery-layer dedup: (origin, post_clock) already applied
}

// NewReplica creates a Replica starting from an empty clock and state.
func NewReplica(self NodeID) *Replica {
	return &Replica{
		self:    self,
		clock:   New(),
		state:   make(map[StateKey]AlgebraicValue),
		applied: make(map[string]bool),
	}
}

// Clock returns a snapshot of the replica's current vector clock.
func (r *Replica) Clock() VectorClock {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clock.Snapshot()
}

// Get returns the current value at key, or Null if unset.
func (r *Replica) Get(key StateKey) AlgebraicValue {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.state[key]
	if !ok {
		return NewNull()
	}
	return v
}

// LocalCommit runs steps 1-5 of the local-commit protocol: every op in tx
// must be conflict-free or the whole transaction is refused with
// CannotCommitLocally before any state changes; otherwise the clock ticks
// once, every op is applied to local state, and the resulting
// VersionedUpdate is returned for gossip.
func (r *Replica) LocalCommit(tx AlgebraicTransaction) (VersionedUpdate, error) {
	for _, op := range tx.Ops {
		if !op.OpType.IsConflictFree() {
			return VersionedUpdate{}, errs.New(errs.KindCannotCommitLocally, "distributed.LocalCommit",
				"operation on "+op.Target.Table+"."+op.Target.Column+" uses non-conflict-free op type "+op.OpType.String())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.clock = r.clock.Tick(r.self)
	postClock := r.clock.Snapshot()

	for _, op := range tx.Ops {
		if err := r.applyLocked(op); err != nil {
			return VersionedUpdate{}, err
		}
	}

	update := VersionedUpdate{Transaction: tx, PostClock: postClock, Origin: r.self}
	r.markAppliedLocked(update)
	return update, nil
}

// ApplyRemote merges a VersionedUpdate received from another replica. It is
// a no-op if (origin, post_clock) was already applied, since Abelian ops are
// convergent but not idempotent in the state (re-applying an Add would
// double-count).
func (r *Replica) ApplyRemote(update VersionedUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dedupKey := dedupKey(update)
	if r.applied[dedupKey] {
		return nil
	}

	for _, op := range update.Transaction.Ops {
		if err := r.applyLocked(op); err != nil {
			return err
		}
	}
	r.clock.Merge(update.PostClock)
	r.applied[dedupKey] = true
	return nil
}

func (r *Replica) applyLocked(op AlgebraicOperation) error {
	current, ok := r.state[op.Target]
	if !ok {
		current = NewNull()
	}
	merged, err := r.merger.Merge(op.OpType, current, op.Value)
	if err != nil {
		return err
	}
	r.state[op.Target] = merged
	return nil
}

func (r *Replica) markAppliedLocked(update VersionedUpdate) {
	r.applied[dedupKey(update)] = true
}

func dedupKey(update VersionedUpdate) string {
	return string(update.Origin) + "|" + update.PostClock.String()
}

// Snapshot returns a shallow copy of every (key -> value) pair currently
// held, for equality comparison in convergence tests.
func (r *Replica) Snapshot() map[StateKey]AlgebraicValue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[StateKey]AlgebraicValue, len(r.state))
	for k, v := range r.state {
		out[k] = v
	}
	return out
}
