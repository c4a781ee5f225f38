package merkle

import (
	"math"
	"os"
	"testing"

	"rhizo/internal/chunkstore"
	"rhizo/internal/config"
	"rhizo/internal/errs"
)

func newTestStore(t *testing.T) *chunkstore.Store {
	t.Helper()
	s, err := chunkstore.Open(t.TempDir(), config.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestBuildTreeEmptyBlob(t *testing.T) {
	store := newTestStore(t)
	tree, err := BuildTree(nil, DefaultConfig(), store)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	if len(tree.Chunks) != 1 {
		t.Fatalf("expected single zero-size leaf, got %d chunks", len(tree.Chunks))
	}
	if tree.Chunks[0].Size != 0 {
		t.Errorf("expected zero-size leaf")
	}
}

func TestBuildTreeRebuildIsDeterministic(t *testing.T) {
	store := newTestStore(t)
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i % 251)
	}

	t1, err := BuildTree(data, DefaultConfig(), store)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	t2, err := BuildTree(data, DefaultConfig(), store)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	if t1.RootHash != t2.RootHash {
		t.Errorf("rebuilding from the same bytes produced different roots")
	}
}

func TestVerifyTreeSucceedsThenFailsOnCorruption(t *testing.T) {
	store := newTestStore(t)
	data := []byte("the quick brown fox jumps over the lazy dog, repeated many times for padding")
	tree, err := BuildTree(data, Config{ChunkSize: 8, BranchingFactor: 2}, store)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	if err := VerifyTree(tree, store); err != nil {
		t.Fatalf("VerifyTree on intact tree: %v", err)
	}

	// Corrupt one leaf's underlying chunk file out-of-band.
	shardPath := store.PathForTest(tree.Chunks[0].Hash)
	if err := os.WriteFile(shardPath, []byte("corrupted!"), 0o644); err != nil {
		t.Fatalf("corrupt chunk: %v", err)
	}

	if err := VerifyTree(tree, store); err == nil {
		t.Errorf("expected VerifyTree to fail after corrupting a chunk byte")
	}
}

func TestDiffTreesSmallChangeHighReuse(t *testing.T) {
	store := newTestStore(t)
	const size = 1_000_000
	const chunkSize = 1024

	// A linear congruential sequence keeps every chunk's content distinct;
	// a byte pattern whose period divides chunkSize would make all chunks
	// identical and collapse the hash-set diff.
	data := make([]byte, size)
	x := uint32(1)
	for i := range data {
		x = x*1664525 + 1013904223
		data[i] = byte(x >> 24)
	}
	oldTree, err := BuildTree(data, Config{ChunkSize: chunkSize, BranchingFactor: 2}, store)
	if err != nil {
		t.Fatalf("BuildTree old: %v", err)
	}

	modified := append([]byte(nil), data...)
	for i := 500_000; i < 550_000; i++ {
		modified[i] = ^modified[i]
	}
	newTree, err := BuildTree(modified, Config{ChunkSize: chunkSize, BranchingFactor: 2}, store)
	if err != nil {
		t.Fatalf("BuildTree new: %v", err)
	}

	diff := DiffTrees(oldTree, newTree)
	totalChunks := len(oldTree.Chunks)
	wantUnchanged := totalChunks - 50_000/chunkSize - 1
	if len(diff.Unchanged) < wantUnchanged-2 {
		t.Errorf("unchanged = %d, want at least ~%d", len(diff.Unchanged), wantUnchanged)
	}
	if diff.ReuseRatio < 0.9 {
		t.Errorf("reuse ratio = %f, want >= 0.9", diff.ReuseRatio)
	}
	if diff.ReuseRatio > 1.0 {
		t.Errorf("reuse ratio must be <= 1.0")
	}
}

func TestDiffTreesIdenticalYieldsFullReuse(t *testing.T) {
	store := newTestStore(t)
	data := []byte("identical content")
	tree, err := BuildTree(data, DefaultConfig(), store)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	diff := DiffTrees(tree, tree)
	if len(diff.Added) != 0 || len(diff.Removed) != 0 {
		t.Errorf("expected no additions/removals diffing a tree against itself")
	}
	if math.Abs(diff.ReuseRatio-1.0) > 1e-9 {
		t.Errorf("reuse ratio = %f, want 1.0", diff.ReuseRatio)
	}
}

func TestBuildTreeRejectsOversizedBlob(t *testing.T) {
	store, err := chunkstore.Open(t.TempDir(), config.New(config.WithMaxDecodeSizeBytes(4)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := BuildTree([]byte("this is far more than 4 bytes"), DefaultConfig(), store); !errs.Is(err, errs.KindSizeLimitExceeded) {
		t.Errorf("expected SizeLimitExceeded, got %v", err)
	}
}

func TestBuildTreeRejectsInvalidConfig(t *testing.T) {
	store := newTestStore(t)
	if _, err := BuildTree([]byte("x"), Config{ChunkSize: 0, BranchingFactor: 2}, store); err == nil {
		t.Errorf("expected error for chunk_size < 1")
	}
	if _, err := BuildTree([]byte("x"), Config{ChunkSize: 4, BranchingFactor: 1}, store); err == nil {
		t.Errorf("expected error for branching_factor < 2")
	}
}
