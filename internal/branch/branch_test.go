package branch

import (
	"testing"

	"rhizo/internal/catalog"
	"rhizo/internal/errs"
)

func newTestManager(t *testing.T) (*Manager, *catalog.Catalog) {
	t.Helper()
	root := t.TempDir()
	cat, err := catalog.Open(root)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	m, err := Open(root, cat)
	if err != nil {
		t.Fatalf("branch.Open: %v", err)
	}
	return m, cat
}

func TestImplicitMainBranch(t *testing.T) {
	m, _ := newTestManager(t)
	def, err := m.GetDefault()
	if err != nil {
		t.Fatalf("GetDefault: %v", err)
	}
	if def != "main" {
		t.Errorf("default branch = %q, want main", def)
	}
	if _, err := m.Get("main"); err != nil {
		t.Errorf("expected implicit main branch, got %v", err)
	}
}

func TestCreateBranchCopiesHeadByValue(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.UpdateHead("main", "users", 3); err != nil {
		t.Fatalf("UpdateHead: %v", err)
	}

	feature, err := m.Create("feature", nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if feature.Head["users"] != 3 {
		t.Errorf("expected feature branch to inherit main's head")
	}

	// Mutating feature's head must not affect main's.
	if err := m.UpdateHead("feature", "users", 4); err != nil {
		t.Fatalf("UpdateHead: %v", err)
	}
	main, err := m.Get("main")
	if err != nil {
		t.Fatalf("Get main: %v", err)
	}
	if main.Head["users"] != 3 {
		t.Errorf("expected main's head to stay at 3, got %d", main.Head["users"])
	}
}

func TestInvalidBranchNameRejected(t *testing.T) {
	m, _ := newTestManager(t)
	for _, name := range []string{"", "../escape", "a/../b", "bad\x00name"} {
		if _, err := m.Create(name, nil, nil); !errs.Is(err, errs.KindValidation) {
			t.Errorf("Create(%q): expected Validation, got %v", name, err)
		}
	}
}

func TestFastForwardMergeAndDiff(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Create("feature", nil, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.UpdateHead("feature", "users", 2); err != nil {
		t.Fatalf("UpdateHead users: %v", err)
	}
	if err := m.UpdateHead("feature", "orders", 1); err != nil {
		t.Fatalf("UpdateHead orders: %v", err)
	}

	ok, err := m.CanFastForward("feature", "main")
	if err != nil {
		t.Fatalf("CanFastForward: %v", err)
	}
	if !ok {
		t.Fatalf("expected fast-forward to be possible")
	}

	merged, err := m.Merge("feature", "main")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if merged.Head["users"] != 2 || merged.Head["orders"] != 1 {
		t.Errorf("merged head = %+v, want users:2 orders:1", merged.Head)
	}

	diff, err := m.Diff("main", "feature")
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(diff.Unchanged) != 2 {
		t.Errorf("expected main and feature to be unchanged after merge, got diff=%+v", diff)
	}
}

func TestNonFastForwardMergeFailsWithConflict(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.UpdateHead("main", "users", 5); err != nil {
		t.Fatalf("UpdateHead: %v", err)
	}
	if _, err := m.Create("feature", nil, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// feature never advances users, but main moves ahead independently.
	if err := m.UpdateHead("main", "users", 6); err != nil {
		t.Fatalf("UpdateHead: %v", err)
	}
	// Fast-forwarding main's ahead-of-feature state *into* feature succeeds,
	// since feature is only behind main on the table main moved.
	if _, err := m.Merge("main", "feature"); err != nil {
		t.Fatalf("expected main->feature fast-forward to succeed (feature behind), got %v", err)
	}

	// Now make feature diverge instead: bump feature's users past main's.
	if err := m.UpdateHead("feature", "users", 7); err != nil {
		t.Fatalf("UpdateHead: %v", err)
	}
	if err := m.UpdateHead("main", "users", 8); err != nil {
		t.Fatalf("UpdateHead: %v", err)
	}
	if _, err := m.Merge("feature", "main"); !errs.Is(err, errs.KindConflict) {
		t.Errorf("expected Conflict merging diverged branches, got %v", err)
	}
}

func TestDeleteRefusesDefaultBranch(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Delete("main"); !errs.Is(err, errs.KindValidation) {
		t.Errorf("expected Validation deleting default branch, got %v", err)
	}
}
