// Package chunkstore implements Rhizo's content-addressed byte store: a
// write-once, read-many map from ChunkHash to bytes with atomic writes and
// parallel batch I/O.
//
// Layout on disk (rooted at a configured directory):
//
//	chunks/<h[0:2]>/<h[2:4]>/<full-64-hex>
//
// Writes go to a sibling temp file, are fsynced, then renamed into place, so
// a reader never observes a partial chunk.
package chunkstore

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"rhizo/internal/config"
	"rhizo/internal/errs"
	"rhizo/internal/hash"
)

// Store is a content-addressed chunk store rooted at a directory.
type Store struct {
	root string
	cfg  config.Config

	mu          sync.Mutex
	chunkCount  int64
	totalBytes  int64
	statsLoaded bool
}

// Open creates (if needed) the chunk store directory tree under root and
// returns a Store configured per cfg.
func Open(root string, cfg config.Config) (*Store, error) {
	chunksDir := filepath.Join(root, "chunks")
	if err := os.MkdirAll(chunksDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIo, "chunkstore.Open", "create chunks dir", err)
	}
	return &Store{root: root, cfg: cfg}, nil
}

// MaxDecodeSizeBytes exposes the store's configured decode-size bound so
// callers assembling a blob before chunking (e.g. merkle.BuildTree) can
// check it against their own input ahead of any write.
func (s *Store) MaxDecodeSizeBytes() uint64 {
	return s.cfg.MaxDecodeSizeBytes
}

// CheckWriteBounds validates a prospective write against the store's
// configured size limits, per spec.md's "writers check size/column bounds
// ... before calling put_batch". rows is the number of items about to be
// written, tableSizeBytes is the table's total size after the write would
// land, and columns is the table's column count (0 if the caller has no
// column schema, e.g. chunking a raw blob). PutBatch calls this itself;
// exported so a column-aware writer above this layer can check before it
// even assembles the batch.
func (s *Store) CheckWriteBounds(rows uint64, tableSizeBytes uint64, columns uint32) error {
	if s.cfg.MaxBatchRows > 0 && rows > s.cfg.MaxBatchRows {
		return errs.New(errs.KindSizeLimitExceeded, "chunkstore.CheckWriteBounds",
			fmt.Sprintf("batch has %d rows, exceeds max_batch_rows %d", rows, s.cfg.MaxBatchRows))
	}
	if s.cfg.MaxTableSizeBytes > 0 && tableSizeBytes > s.cfg.MaxTableSizeBytes {
		return errs.New(errs.KindSizeLimitExceeded, "chunkstore.CheckWriteBounds",
			fmt.Sprintf("table would grow to %d bytes, exceeds max_table_size_bytes %d", tableSizeBytes, s.cfg.MaxTableSizeBytes))
	}
	if s.cfg.MaxColumns > 0 && columns > s.cfg.MaxColumns {
		return errs.New(errs.KindSizeLimitExceeded, "chunkstore.CheckWriteBounds",
			fmt.Sprintf("table has %d columns, exceeds max_columns %d", columns, s.cfg.MaxColumns))
	}
	return nil
}

func (s *Store) path(h hash.ChunkHash) string {
	d1, d2, name := hash.ShardPath(h)
	return filepath.Join(s.root, "chunks", d1, d2, name)
}

// PathForTest exposes the on-disk path for a hash so tests in sibling
// packages (merkle) can simulate out-of-band corruption without reaching
// into unexported fields.
func (s *Store) PathForTest(h hash.ChunkHash) string {
	return s.path(h)
}

// Put stores data, returning its content hash. If a chunk with the same
// hash already exists, the write is skipped (Rhizo-level deduplication) and
// the existing hash is returned.
func (s *Store) Put(data []byte) (hash.ChunkHash, error) {
	h := hash.Of(data)
	path := s.path(h)

	if _, err := os.Stat(path); err == nil {
		return h, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.Wrap(errs.KindIo, "chunkstore.Put", "create shard dir", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", errs.Wrap(errs.KindIo, "chunkstore.Put", "create temp file", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return "", errs.Wrap(errs.KindIo, "chunkstore.Put", "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return "", errs.Wrap(errs.KindIo, "chunkstore.Put", "fsync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", errs.Wrap(errs.KindIo, "chunkstore.Put", "close temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return "", errs.Wrap(errs.KindIo, "chunkstore.Put", "rename into place", err)
	}

	s.mu.Lock()
	s.chunkCount++
	s.totalBytes += int64(len(data))
	s.mu.Unlock()

	return h, nil
}

// PutBatch stores every item in items in parallel, fanning out across
// logical cores, and returns hashes in the same order as items. Identical
// bytes within the batch are only written once.
func (s *Store) PutBatch(items [][]byte) ([]hash.ChunkHash, error) {
	var batchBytes int64
	for _, data := range items {
		batchBytes += int64(len(data))
	}
	s.mu.Lock()
	projected := s.totalBytes + batchBytes
	s.mu.Unlock()
	if err := s.CheckWriteBounds(uint64(len(items)), uint64(projected), 0); err != nil {
		return nil, err
	}

	hashes := make([]hash.ChunkHash, len(items))

	// Dedup within the batch: only the first occurrence of each distinct
	// hash is actually written.
	seen := make(map[hash.ChunkHash]bool)
	var seenMu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(workers())

	for i, data := range items {
		i, data := i, data
		h := hash.Of(data)
		hashes[i] = h

		seenMu.Lock()
		first := !seen[h]
		seen[h] = true
		seenMu.Unlock()
		if !first {
			continue
		}

		g.Go(func() error {
			_, err := s.Put(data)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return hashes, nil
}

// readRaw loads the bytes stored under h without re-hashing them.
func (s *Store) readRaw(h hash.ChunkHash) ([]byte, error) {
	if err := hash.Validate(h); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.KindNotFound, "chunkstore.Get", string(h), err)
		}
		return nil, errs.Wrap(errs.KindIo, "chunkstore.Get", string(h), err)
	}
	return data, nil
}

// Get returns the bytes stored under h. Whether this re-verifies the hash
// is governed by the store's VerifyIntegrity config (on by default); call
// GetVerified directly to force verification regardless of that config.
func (s *Store) Get(h hash.ChunkHash) ([]byte, error) {
	if s.cfg.VerifyIntegrity {
		return s.verifyRead(h)
	}
	return s.readRaw(h)
}

// GetVerified reads the chunk and re-hashes it, failing with Integrity if
// the recomputed hash disagrees with h, regardless of the store's
// VerifyIntegrity config.
func (s *Store) GetVerified(h hash.ChunkHash) ([]byte, error) {
	return s.verifyRead(h)
}

func (s *Store) verifyRead(h hash.ChunkHash) ([]byte, error) {
	data, err := s.readRaw(h)
	if err != nil {
		return nil, err
	}
	if got := hash.Of(data); got != h {
		return nil, errs.New(errs.KindIntegrity, "chunkstore.GetVerified",
			fmt.Sprintf("hash mismatch: expected %s got %s", h, got))
	}
	return data, nil
}

// GetBatch reads every hash in order, in parallel; the first failure fails
// the whole batch.
func (s *Store) GetBatch(hashes []hash.ChunkHash) ([][]byte, error) {
	return s.getBatch(hashes, s.Get)
}

// GetBatchVerified is the verified variant of GetBatch.
func (s *Store) GetBatchVerified(hashes []hash.ChunkHash) ([][]byte, error) {
	return s.getBatch(hashes, s.GetVerified)
}

func (s *Store) getBatch(hashes []hash.ChunkHash, read func(hash.ChunkHash) ([]byte, error)) ([][]byte, error) {
	out := make([][]byte, len(hashes))
	g := new(errgroup.Group)
	g.SetLimit(workers())
	for i, h := range hashes {
		i, h := i, h
		g.Go(func() error {
			data, err := read(h)
			if err != nil {
				return err
			}
			out[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Exists reports whether a chunk with hash h is stored.
func (s *Store) Exists(h hash.ChunkHash) bool {
	_, err := os.Stat(s.path(h))
	return err == nil
}

// Delete removes a chunk. It is an administrative operation not used by any
// normal commit path.
func (s *Store) Delete(h hash.ChunkHash) error {
	if err := os.Remove(s.path(h)); err != nil {
		if os.IsNotExist(err) {
			return errs.Wrap(errs.KindNotFound, "chunkstore.Delete", string(h), err)
		}
		return errs.Wrap(errs.KindIo, "chunkstore.Delete", string(h), err)
	}
	return nil
}

// Stats reports the number of distinct chunks and total bytes this process
// has written. It does not scan the filesystem, so it reflects only writes
// made through this Store instance.
type Stats struct {
	ChunkCount int64
	TotalBytes int64
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{ChunkCount: s.chunkCount, TotalBytes: s.totalBytes}
}

func workers() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}
