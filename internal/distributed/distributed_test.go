package distributed

import (
	"testing"

	"rhizo/internal/errs"

	"pgregory.net/rapid"
)

func TestVectorClockOrdering(t *testing.T) {
	a := New().WithNode("n1", 1).WithNode("n2", 2)
	b := a.WithNode("n1", 2)

	if !a.HappenedBefore(b) {
		t.Errorf("expected a < b")
	}
	if !b.HappenedAfter(a) {
		t.Errorf("expected b > a")
	}
	if a.ConcurrentWith(b) {
		t.Errorf("a and b are ordered, not concurrent")
	}

	c := New().WithNode("n1", 2).WithNode("n2", 1)
	if !a.ConcurrentWith(c) {
		t.Errorf("expected a and c to be concurrent")
	}
	if a.Compare(c) != Concurrent {
		t.Errorf("Compare(a,c) = %v, want Concurrent", a.Compare(c))
	}
	if a.Compare(a) != Equal {
		t.Errorf("Compare(a,a) = %v, want Equal", a.Compare(a))
	}
}

func TestVectorClockMergeIsComponentwiseMax(t *testing.T) {
	a := New().WithNode("n1", 3).WithNode("n2", 1)
	b := New().WithNode("n1", 1).WithNode("n2", 5)
	a.Merge(b)
	if a.Get("n1") != 3 || a.Get("n2") != 5 {
		t.Errorf("merged clock = %v, want n1:3 n2:5", a)
	}
}

func TestMergeNullIsIdentity(t *testing.T) {
	m := AlgebraicMerger{}
	five := NewInteger(5)

	got, err := m.Merge(OpAdd, NewNull(), five)
	if err != nil || got.Integer() != 5 {
		t.Errorf("Merge(Add, Null, 5) = %v, %v, want 5", got, err)
	}
	got, err = m.Merge(OpMax, five, NewNull())
	if err != nil || got.Integer() != 5 {
		t.Errorf("Merge(Max, 5, Null) = %v, %v, want 5", got, err)
	}
	got, err = m.Merge(OpUnion, NewNull(), NewNull())
	if err != nil || !got.IsNull() {
		t.Errorf("Merge(Union, Null, Null) = %v, %v, want Null", got, err)
	}
}

func TestMergeTypeMismatch(t *testing.T) {
	m := AlgebraicMerger{}
	if _, err := m.Merge(OpAdd, NewInteger(1), NewFloat(1.5)); !errs.Is(err, errs.KindTypeMismatch) {
		t.Errorf("expected TypeMismatch, got %v", err)
	}
}

func TestMergeBooleanUnionIsDisjunction(t *testing.T) {
	m := AlgebraicMerger{}
	got, err := m.Merge(OpUnion, NewBoolean(false), NewBoolean(true))
	if err != nil || !got.Boolean() {
		t.Errorf("Merge(Union, false, true) = %v, %v, want true", got, err)
	}
	got, err = m.Merge(OpIntersect, NewBoolean(false), NewBoolean(true))
	if err != nil || got.Boolean() {
		t.Errorf("Merge(Intersect, false, true) = %v, %v, want false", got, err)
	}
}

func TestMergeOverwriteAlwaysConflicts(t *testing.T) {
	m := AlgebraicMerger{}
	if _, err := m.Merge(OpOverwrite, NewInteger(1), NewInteger(2)); !errs.Is(err, errs.KindConflict) {
		t.Errorf("expected Conflict for Overwrite, got %v", err)
	}
}

func TestMergeAddOverflow(t *testing.T) {
	m := AlgebraicMerger{}
	maxInt := NewInteger(1<<63 - 1)
	if _, err := m.Merge(OpAdd, maxInt, NewInteger(1)); !errs.Is(err, errs.KindOverflow) {
		t.Errorf("expected Overflow, got %v", err)
	}
}

func TestOpTypeConflictFreedom(t *testing.T) {
	for _, op := range []OpType{OpMax, OpMin, OpUnion, OpIntersect, OpAdd, OpMultiply} {
		if !op.IsConflictFree() {
			t.Errorf("%v should be conflict-free", op)
		}
	}
	for _, op := range []OpType{OpOverwrite, OpConditional, OpUnknown} {
		if op.IsConflictFree() {
			t.Errorf("%v should not be conflict-free", op)
		}
	}
}

func TestLocalCommitRejectsNonConflictFreeOp(t *testing.T) {
	r := NewReplica("n1")
	tx := AlgebraicTransaction{Ops: []AlgebraicOperation{
		{OpType: OpOverwrite, Target: StateKey{Table: "t", Key: "k1", Column: "c"}, Value: NewInteger(1), Origin: "n1"},
	}}
	if _, err := r.LocalCommit(tx); !errs.Is(err, errs.KindCannotCommitLocally) {
		t.Errorf("expected CannotCommitLocally, got %v", err)
	}
	if r.Clock().Get("n1") != 0 {
		t.Errorf("clock must not tick on a refused commit")
	}
}

func TestApplyRemoteIsDedupedBySameUpdate(t *testing.T) {
	r := NewReplica("n2")
	key := StateKey{Table: "t", Key: "k1", Column: "total"}
	update := VersionedUpdate{
		Transaction: AlgebraicTransaction{Ops: []AlgebraicOperation{
			{OpType: OpAdd, Target: key, Value: NewInteger(10), Origin: "n1"},
		}},
		PostClock: New().WithNode("n1", 1),
		Origin:    "n1",
	}

	if err := r.ApplyRemote(update); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	if err := r.ApplyRemote(update); err != nil {
		t.Fatalf("second ApplyRemote: %v", err)
	}
	if got := r.Get(key).Integer(); got != 10 {
		t.Errorf("expected dedup to prevent double-counting, got %d", got)
	}
}

func TestSimulatedClusterConvergesWithinThreeRounds(t *testing.T) {
	c := NewSimulatedCluster("n1", "n2", "n3")
	key := StateKey{Table: "counters", Key: "k1", Column: "total"}

	if _, err := c.Broadcast("n1", AlgebraicTransaction{Ops: []AlgebraicOperation{
		{OpType: OpAdd, Target: key, Value: NewInteger(5), Origin: "n1"},
	}}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	converged, rounds := c.RunUntilConverged(3)
	if !converged {
		t.Fatalf("expected convergence within 3 rounds, got rounds=%d", rounds)
	}
	for _, id := range []NodeID{"n1", "n2", "n3"} {
		if got := c.Node(id).Get(key).Integer(); got != 5 {
			t.Errorf("node %s = %d, want 5", id, got)
		}
	}
}

func TestSimulatedClusterHealsAfterPartition(t *testing.T) {
	c := NewSimulatedCluster("n1", "n2")
	key := StateKey{Table: "counters", Key: "k1", Column: "total"}

	c.Partition([]NodeID{"n1"})
	if _, err := c.Broadcast("n1", AlgebraicTransaction{Ops: []AlgebraicOperation{
		{OpType: OpAdd, Target: key, Value: NewInteger(3), Origin: "n1"},
	}}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	c.Step()
	if got := c.Node("n2").Get(key).Integer(); got != 0 {
		t.Errorf("n2 should not have received the update while partitioned, got %d", got)
	}

	c.Heal()
	if _, err := c.Broadcast("n1", AlgebraicTransaction{Ops: []AlgebraicOperation{
		{OpType: OpAdd, Target: key, Value: NewInteger(0), Origin: "n1"},
	}}); err != nil {
		t.Fatalf("Broadcast after heal: %v", err)
	}
	converged, _ := c.RunUntilConverged(5)
	if !converged {
		t.Fatalf("expected convergence after healing")
	}
}

func TestMergeAnalyzerClassifiesTables(t *testing.T) {
	registry := AlgebraicSchemaRegistry{
		"counters": {"total": OpAdd},
		"tags":     {"name": OpOverwrite},
	}
	source := TableColumns{"counters": {"total"}, "tags": {"name"}, "only_source": {"x"}}
	target := TableColumns{"counters": {"total"}, "tags": {"name"}, "only_target": {"y"}}

	analysis := Analyze(registry, source, target)
	if !contains(analysis.AutoMergeable, "counters") {
		t.Errorf("expected counters to be auto-mergeable, got %+v", analysis)
	}
	if !contains(analysis.Conflicting, "tags") {
		t.Errorf("expected tags to conflict (Overwrite column), got %+v", analysis)
	}
	if !contains(analysis.SourceOnly, "only_source") {
		t.Errorf("expected only_source to be source-only, got %+v", analysis)
	}
	if !contains(analysis.TargetOnly, "only_target") {
		t.Errorf("expected only_target to be target-only, got %+v", analysis)
	}
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// Property tests: commutativity, associativity, and idempotency of
// conflict-free ops, per spec.md §4.F.2's requirement that every
// conflict-free OpType satisfy these as property tests.

func TestPropertyMaxIsCommutativeAssociativeIdempotent(t *testing.T) {
	m := AlgebraicMerger{}
	rapid.Check(t, func(t *rapid.T) {
		x := rapid.Int64().Draw(t, "x")
		y := rapid.Int64().Draw(t, "y")
		z := rapid.Int64().Draw(t, "z")
		a, b, c := NewInteger(x), NewInteger(y), NewInteger(z)

		ab, err := m.Merge(OpMax, a, b)
		if err != nil {
			t.Fatalf("merge a,b: %v", err)
		}
		ba, err := m.Merge(OpMax, b, a)
		if err != nil {
			t.Fatalf("merge b,a: %v", err)
		}
		if ab.Integer() != ba.Integer() {
			t.Fatalf("Max not commutative: %d vs %d", ab.Integer(), ba.Integer())
		}

		abc1, err := m.Merge(OpMax, ab, c)
		if err != nil {
			t.Fatalf("merge (a,b),c: %v", err)
		}
		bc, err := m.Merge(OpMax, b, c)
		if err != nil {
			t.Fatalf("merge b,c: %v", err)
		}
		abc2, err := m.Merge(OpMax, a, bc)
		if err != nil {
			t.Fatalf("merge a,(b,c): %v", err)
		}
		if abc1.Integer() != abc2.Integer() {
			t.Fatalf("Max not associative: %d vs %d", abc1.Integer(), abc2.Integer())
		}

		aa, err := m.Merge(OpMax, a, a)
		if err != nil {
			t.Fatalf("merge a,a: %v", err)
		}
		if aa.Integer() != a.Integer() {
			t.Fatalf("Max not idempotent: %d vs %d", aa.Integer(), a.Integer())
		}
	})
}

func TestPropertyAddIsCommutativeAssociative(t *testing.T) {
	m := AlgebraicMerger{}
	small := func(t *rapid.T, label string) int64 {
		return rapid.Int64Range(-1_000_000, 1_000_000).Draw(t, label)
	}
	rapid.Check(t, func(t *rapid.T) {
		x, y, z := small(t, "x"), small(t, "y"), small(t, "z")
		a, b, c := NewInteger(x), NewInteger(y), NewInteger(z)

		ab, err := m.Merge(OpAdd, a, b)
		if err != nil {
			t.Fatalf("merge a,b: %v", err)
		}
		ba, err := m.Merge(OpAdd, b, a)
		if err != nil {
			t.Fatalf("merge b,a: %v", err)
		}
		if ab.Integer() != ba.Integer() {
			t.Fatalf("Add not commutative")
		}

		abc1, err := m.Merge(OpAdd, ab, c)
		if err != nil {
			t.Fatalf("merge (a,b),c: %v", err)
		}
		bc, err := m.Merge(OpAdd, b, c)
		if err != nil {
			t.Fatalf("merge b,c: %v", err)
		}
		abc2, err := m.Merge(OpAdd, a, bc)
		if err != nil {
			t.Fatalf("merge a,(b,c): %v", err)
		}
		if abc1.Integer() != abc2.Integer() {
			t.Fatalf("Add not associative")
		}
	})
}

func TestPropertyUnionIsIdempotent(t *testing.T) {
	m := AlgebraicMerger{}
	rapid.Check(t, func(t *rapid.T) {
		items := rapid.SliceOfN(rapid.StringMatching("[a-z]{1,6}"), 0, 8).Draw(t, "items")
		s := NewStringSet(items...)
		merged, err := m.Merge(OpUnion, s, s)
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
		got := merged.StringSet()
		want := s.StringSet()
		if len(got) != len(want) {
			t.Fatalf("Union not idempotent: %v vs %v", got, want)
		}
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("Union not idempotent: %v vs %v", got, want)
			}
		}
	})
}

func TestPropertyClusterConvergesUnderVariedBroadcasts(t *testing.T) {
	key := StateKey{Table: "counters", Key: "k1", Column: "total"}
	rapid.Check(t, func(t *rapid.T) {
		deltas := rapid.SliceOfN(rapid.Int64Range(-100, 100), 1, 6).Draw(t, "deltas")

		c := NewSimulatedCluster("n1", "n2", "n3")
		for i, d := range deltas {
			origin := NodeID([]string{"n1", "n2", "n3"}[i%3])
			if _, err := c.Broadcast(origin, AlgebraicTransaction{Ops: []AlgebraicOperation{
				{OpType: OpAdd, Target: key, Value: NewInteger(d), Origin: origin},
			}}); err != nil {
				t.Fatalf("Broadcast: %v", err)
			}
		}

		converged, _ := c.RunUntilConverged(len(deltas) * 3)
		if !converged {
			t.Fatalf("cluster failed to converge for deltas=%v", deltas)
		}

		var want int64
		for _, d := range deltas {
			want += d
		}
		for _, id := range []NodeID{"n1", "n2", "n3"} {
			if got := c.Node(id).Get(key).Integer(); got != want {
				t.Fatalf("node %s = %d, want %d (deltas=%v)", id, got, want, deltas)
			}
		}
	})
}
