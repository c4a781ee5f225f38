package catalog

import (
	"testing"

	"rhizo/internal/errs"
	"rhizo/internal/hash"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

func TestCommitSequentialVersions(t *testing.T) {
	c := newTestCatalog(t)
	h1 := hash.Of([]byte("v1 data"))

	if _, err := c.Commit(TableVersion{TableName: "users", Version: 1, ChunkHashes: []hash.ChunkHash{h1}}); err != nil {
		t.Fatalf("Commit v1: %v", err)
	}

	got, err := c.GetVersion("users", nil)
	if err != nil {
		t.Fatalf("GetVersion latest: %v", err)
	}
	if got.Version != 1 || len(got.ChunkHashes) != 1 || got.ChunkHashes[0] != h1 {
		t.Errorf("GetVersion returned %+v", got)
	}
}

func TestCommitRejectsDuplicateVersion(t *testing.T) {
	c := newTestCatalog(t)
	h1 := hash.Of([]byte("v1"))
	if _, err := c.Commit(TableVersion{TableName: "users", Version: 1, ChunkHashes: []hash.ChunkHash{h1}}); err != nil {
		t.Fatalf("Commit v1: %v", err)
	}

	if _, err := c.Commit(TableVersion{TableName: "users", Version: 1, ChunkHashes: []hash.ChunkHash{h1}}); !errs.Is(err, errs.KindConsistency) {
		t.Errorf("expected Consistency re-committing version 1, got %v", err)
	}

	h2 := hash.Of([]byte("v2"))
	if _, err := c.Commit(TableVersion{TableName: "users", Version: 2, ChunkHashes: []hash.ChunkHash{h2}}); err != nil {
		t.Fatalf("Commit v2: %v", err)
	}

	versions, err := c.ListVersions("users")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 2 || versions[0] != 1 || versions[1] != 2 {
		t.Errorf("ListVersions = %v, want dense [1 2]", versions)
	}
}

func TestCommitRejectsSkippedVersion(t *testing.T) {
	c := newTestCatalog(t)
	if _, err := c.Commit(TableVersion{TableName: "orders", Version: 2}); !errs.Is(err, errs.KindConsistency) {
		t.Errorf("expected Consistency committing version 2 as the first version, got %v", err)
	}
}

func TestGetVersionNotFound(t *testing.T) {
	c := newTestCatalog(t)
	if _, err := c.GetVersion("ghost", nil); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("expected NotFound for unknown table, got %v", err)
	}

	h1 := hash.Of([]byte("v1"))
	if _, err := c.Commit(TableVersion{TableName: "users", Version: 1, ChunkHashes: []hash.ChunkHash{h1}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	two := uint64(2)
	if _, err := c.GetVersion("users", &two); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("expected NotFound for version beyond latest, got %v", err)
	}
}

func TestListTables(t *testing.T) {
	c := newTestCatalog(t)
	if _, err := c.Commit(TableVersion{TableName: "users", Version: 1}); err != nil {
		t.Fatalf("Commit users: %v", err)
	}
	if _, err := c.Commit(TableVersion{TableName: "orders", Version: 1}); err != nil {
		t.Fatalf("Commit orders: %v", err)
	}

	tables, err := c.ListTables()
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(tables) != 2 || tables[0] != "orders" || tables[1] != "users" {
		t.Errorf("ListTables = %v, want [orders users]", tables)
	}
}
