package chunkstore

import (
	"bytes"
	"os"
	"testing"

	"rhizo/internal/config"
	"rhizo/internal/errs"
	"rhizo/internal/hash"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, config.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	h, err := s.Put([]byte("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if h != hash.Of([]byte("hello")) {
		t.Errorf("Put returned wrong hash")
	}

	data, err := s.GetVerified(h)
	if err != nil {
		t.Fatalf("GetVerified: %v", err)
	}
	if !bytes.Equal(data, []byte("hello")) {
		t.Errorf("got %q, want %q", data, "hello")
	}
}

func TestPutDeduplicates(t *testing.T) {
	s := newTestStore(t)

	h1, err := s.Put([]byte("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	h2, err := s.Put([]byte("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if h1 != h2 {
		t.Errorf("expected identical hashes, got %s and %s", h1, h2)
	}
	if s.Stats().ChunkCount != 1 {
		t.Errorf("expected 1 distinct chunk written, got %d", s.Stats().ChunkCount)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	missing := hash.Of([]byte("never written"))

	if _, err := s.Get(missing); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestGetInvalidHash(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("not-a-hash"); !errs.Is(err, errs.KindValidation) {
		t.Errorf("expected Validation, got %v", err)
	}
}

func TestGetVerifiedDetectsCorruption(t *testing.T) {
	s := newTestStore(t)
	h, err := s.Put([]byte("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Mutate the chunk file out-of-band.
	if err := os.WriteFile(s.path(h), []byte("corrupted"), 0o644); err != nil {
		t.Fatalf("corrupt chunk: %v", err)
	}

	if _, err := s.GetVerified(h); !errs.Is(err, errs.KindIntegrity) {
		t.Errorf("expected Integrity error, got %v", err)
	}
	// Get defaults to verified (VerifyIntegrity is true by default), so it
	// sees the same corruption GetVerified does.
	if _, err := s.Get(h); !errs.Is(err, errs.KindIntegrity) {
		t.Errorf("expected Get to detect corruption under default config, got %v", err)
	}
}

func TestGetHonorsVerifyIntegrityConfig(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, config.New(config.WithVerifyIntegrity(false)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h, err := s.Put([]byte("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Mutate the chunk file out-of-band.
	if err := os.WriteFile(s.path(h), []byte("corrupted"), 0o644); err != nil {
		t.Fatalf("corrupt chunk: %v", err)
	}

	// Get no longer verifies with VerifyIntegrity disabled, so it returns
	// the corrupted bytes rather than failing.
	if _, err := s.Get(h); err != nil {
		t.Errorf("expected Get to succeed despite corruption when VerifyIntegrity is false, got %v", err)
	}
	// GetVerified always verifies regardless of the config.
	if _, err := s.GetVerified(h); !errs.Is(err, errs.KindIntegrity) {
		t.Errorf("expected GetVerified to detect corruption regardless of config, got %v", err)
	}
}

func TestPutBatchPreservesOrderAndDedups(t *testing.T) {
	s := newTestStore(t)

	items := [][]byte{[]byte("a"), []byte("b"), []byte("a"), []byte("c")}
	hashes, err := s.PutBatch(items)
	if err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	if len(hashes) != len(items) {
		t.Fatalf("expected %d hashes, got %d", len(items), len(hashes))
	}
	for i, item := range items {
		if hashes[i] != hash.Of(item) {
			t.Errorf("hash[%d] mismatch", i)
		}
	}
	if hashes[0] != hashes[2] {
		t.Errorf("expected identical hashes for identical inputs")
	}
	if s.Stats().ChunkCount != 3 {
		t.Errorf("expected 3 distinct chunks, got %d", s.Stats().ChunkCount)
	}

	data, err := s.GetBatchVerified(hashes)
	if err != nil {
		t.Fatalf("GetBatchVerified: %v", err)
	}
	for i, item := range items {
		if !bytes.Equal(data[i], item) {
			t.Errorf("data[%d] = %q, want %q", i, data[i], item)
		}
	}
}

func TestPutBatchRejectsTooManyRows(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, config.New(config.WithMaxBatchRows(2)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	items := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	if _, err := s.PutBatch(items); !errs.Is(err, errs.KindSizeLimitExceeded) {
		t.Errorf("expected SizeLimitExceeded, got %v", err)
	}
}

func TestPutBatchRejectsOversizedTable(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, config.New(config.WithMaxTableSizeBytes(4)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	items := [][]byte{[]byte("hello"), []byte("world")}
	if _, err := s.PutBatch(items); !errs.Is(err, errs.KindSizeLimitExceeded) {
		t.Errorf("expected SizeLimitExceeded, got %v", err)
	}
}

func TestGetBatchFailsOnAnyMissing(t *testing.T) {
	s := newTestStore(t)
	h, err := s.Put([]byte("present"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	missing := hash.Of([]byte("absent"))

	if _, err := s.GetBatch([]hash.ChunkHash{h, missing}); err == nil {
		t.Errorf("expected error for missing chunk in batch")
	}
}

func TestExistsAndDelete(t *testing.T) {
	s := newTestStore(t)
	h, err := s.Put([]byte("x"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !s.Exists(h) {
		t.Error("expected chunk to exist")
	}
	if err := s.Delete(h); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists(h) {
		t.Error("expected chunk to be gone after delete")
	}
}

func TestGetMmapMatchesGet(t *testing.T) {
	s := newTestStore(t)
	h, err := s.Put([]byte("mmap me"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	mf, err := s.GetMmap(h)
	if err != nil {
		t.Fatalf("GetMmap: %v", err)
	}
	defer mf.Close()
	if !bytes.Equal(mf.Bytes(), []byte("mmap me")) {
		t.Errorf("mmap bytes = %q, want %q", mf.Bytes(), "mmap me")
	}
}
