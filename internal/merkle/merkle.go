// Package merkle chunks a byte blob into fixed-size pieces, persists each
// piece to a ChunkStore, and folds the resulting leaf hashes upward into a
// balanced tree whose root uniquely identifies the whole blob. Diffing two
// such trees is the basis for Rhizo's "small change, mostly-shared storage"
// guarantee.
//
// Adapted from the rolling-hash chunker and tree builder/differ in
// 0xlemi-microprolly (pkg/chunker, pkg/tree), simplified to spec.md's
// fixed-size chunking rather than content-defined chunking.
package merkle

import (
	"fmt"
	"time"

	"rhizo/internal/chunkstore"
	"rhizo/internal/errs"
	"rhizo/internal/hash"
)

// Config controls chunking and tree shape.
type Config struct {
	ChunkSize       int
	BranchingFactor int
}

// DefaultConfig returns the spec.md default: 4096-byte chunks, binary tree.
func DefaultConfig() Config {
	return Config{ChunkSize: 4096, BranchingFactor: 2}
}

// DataChunk is a Merkle leaf: a contiguous byte range of the original blob.
type DataChunk struct {
	Hash  hash.ChunkHash
	Start int64
	End   int64
	Size  int64
	Index int
}

// Node is an internal Merkle node: the hash of its children's concatenated
// hashes.
type Node struct {
	Hash     hash.ChunkHash
	Children []hash.ChunkHash
	Level    int
	Index    int
}

// Tree is a built Merkle tree over a byte blob.
type Tree struct {
	RootHash        hash.ChunkHash
	TotalSize       int64
	ChunkSize       int
	BranchingFactor int
	Height          int
	Chunks          []DataChunk
	Nodes           [][]Node // Nodes[i] holds level i+1; leaves (level 0) live in Chunks
	BuiltAt         time.Time
}

// ChunkHashes returns the leaf hashes in index order, the unit DiffTrees
// compares.
func (t *Tree) ChunkHashes() []hash.ChunkHash {
	out := make([]hash.ChunkHash, len(t.Chunks))
	for i, c := range t.Chunks {
		out[i] = c.Hash
	}
	return out
}

func internalHash(children []hash.ChunkHash) hash.ChunkHash {
	buf := make([]byte, 0, len(children)*hash.Length)
	for _, c := range children {
		buf = append(buf, []byte(c)...)
	}
	return hash.Of(buf)
}

// BuildTree partitions data into consecutive chunks of cfg.ChunkSize bytes
// (the last chunk may be shorter), persists each chunk to store, and folds
// leaf hashes upward by cfg.BranchingFactor until a single root remains.
// Empty input yields a tree with one zero-size leaf whose hash is H(empty).
func BuildTree(data []byte, cfg Config, store *chunkstore.Store) (*Tree, error) {
	if cfg.ChunkSize < 1 {
		return nil, errs.New(errs.KindValidation, "merkle.BuildTree", "chunk_size must be >= 1")
	}
	if cfg.BranchingFactor < 2 {
		return nil, errs.New(errs.KindValidation, "merkle.BuildTree", "branching_factor must be >= 2")
	}
	if limit := store.MaxDecodeSizeBytes(); limit > 0 && uint64(len(data)) > limit {
		return nil, errs.New(errs.KindSizeLimitExceeded, "merkle.BuildTree",
			fmt.Sprintf("blob is %d bytes, exceeds max_decode_size_bytes %d", len(data), limit))
	}

	total := int64(len(data))
	var chunks []DataChunk

	if total == 0 {
		h, err := store.Put(nil)
		if err != nil {
			return nil, err
		}
		chunks = []DataChunk{{Hash: h, Start: 0, End: 0, Size: 0, Index: 0}}
	} else {
		items := make([][]byte, 0, (len(data)+cfg.ChunkSize-1)/cfg.ChunkSize)
		for start := int64(0); start < total; start += int64(cfg.ChunkSize) {
			end := start + int64(cfg.ChunkSize)
			if end > total {
				end = total
			}
			items = append(items, data[start:end])
		}
		hashes, err := store.PutBatch(items)
		if err != nil {
			return nil, err
		}
		chunks = make([]DataChunk, len(items))
		offset := int64(0)
		for i, item := range items {
			size := int64(len(item))
			chunks[i] = DataChunk{
				Hash:  hashes[i],
				Start: offset,
				End:   offset + size,
				Size:  size,
				Index: i,
			}
			offset += size
		}
	}

	nodes, root, height := foldUp(chunks, cfg.BranchingFactor)

	return &Tree{
		RootHash:        root,
		TotalSize:       total,
		ChunkSize:       cfg.ChunkSize,
		BranchingFactor: cfg.BranchingFactor,
		Height:          height,
		Chunks:          chunks,
		Nodes:           nodes,
		BuiltAt:         time.Now(),
	}, nil
}

// foldUp builds internal levels bottom-up from leaf hashes until one root
// hash remains, returning the internal-node levels, the root hash, and the
// tree height (root level).
func foldUp(chunks []DataChunk, branching int) ([][]Node, hash.ChunkHash, int) {
	level := make([]hash.ChunkHash, len(chunks))
	for i, c := range chunks {
		level[i] = c.Hash
	}

	if len(level) == 1 {
		return nil, level[0], 0
	}

	var levels [][]Node
	levelNum := 1
	for len(level) > 1 {
		var nextLevel []hash.ChunkHash
		var nodes []Node
		for i := 0; i < len(level); i += branching {
			end := i + branching
			if end > len(level) {
				end = len(level)
			}
			children := append([]hash.ChunkHash(nil), level[i:end]...)
			h := internalHash(children)
			nodes = append(nodes, Node{Hash: h, Children: children, Level: levelNum, Index: len(nodes)})
			nextLevel = append(nextLevel, h)
		}
		levels = append(levels, nodes)
		level = nextLevel
		levelNum++
	}

	return levels, level[0], levelNum - 1
}

// Diff is the result of comparing two Merkle trees by their chunk hash
// sets.
type Diff struct {
	Unchanged  []hash.ChunkHash
	Removed    []hash.ChunkHash
	Added      []hash.ChunkHash
	ReuseRatio float64
}

// DiffTrees compares old and new by set operations on their chunk hashes.
// ReuseRatio = |unchanged| / max(|old.Chunks|, 1).
func DiffTrees(old, new *Tree) Diff {
	oldSet := make(map[hash.ChunkHash]bool, len(old.Chunks))
	for _, h := range old.ChunkHashes() {
		oldSet[h] = true
	}
	newSet := make(map[hash.ChunkHash]bool, len(new.Chunks))
	for _, h := range new.ChunkHashes() {
		newSet[h] = true
	}

	var unchanged, removed, added []hash.ChunkHash
	for h := range oldSet {
		if newSet[h] {
			unchanged = append(unchanged, h)
		} else {
			removed = append(removed, h)
		}
	}
	for h := range newSet {
		if !oldSet[h] {
			added = append(added, h)
		}
	}

	denom := len(old.Chunks)
	if denom == 0 {
		denom = 1
	}
	return Diff{
		Unchanged:  unchanged,
		Removed:    removed,
		Added:      added,
		ReuseRatio: float64(len(unchanged)) / float64(denom),
	}
}

// VerifyTree re-fetches and re-hashes every leaf from store, recomputes
// internal nodes bottom-up, and requires the recomputed root to equal
// t.RootHash. It fails with Integrity (via errs.KindIntegrity) on the first
// mismatch found.
func VerifyTree(t *Tree, store *chunkstore.Store) error {
	for _, c := range t.Chunks {
		data, err := store.Get(c.Hash)
		if err != nil {
			return err
		}
		if got := hash.Of(data); got != c.Hash {
			return errs.New(errs.KindIntegrity, "merkle.VerifyTree",
				"leaf "+string(c.Hash)+" failed re-hash")
		}
	}

	branching := t.BranchingFactor
	if branching < 2 {
		branching = 2
	}
	_, root, _ := foldUp(t.Chunks, branching)
	if root != t.RootHash {
		return errs.New(errs.KindIntegrity, "merkle.VerifyTree", "recomputed root does not match tree root")
	}
	return nil
}
