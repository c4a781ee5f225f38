// Package catalog implements Rhizo's FileCatalog: the authoritative,
// append-only sequence of TableVersions for every table, persisted as JSON
// under tables/<name>/v<N>.json with tables/<name>/latest tracking the
// current version number.
//
// Layout on disk:
//
//	tables/<table>/v<N>.json   TableVersion JSON, one per version
//	tables/<table>/latest      the current version number, as decimal text
//
// Both the version file and the latest pointer are written via
// write-to-sibling-temp-then-rename, so a reader never observes a partial
// write.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"rhizo/internal/errs"
	"rhizo/internal/hash"
)

// TableVersion is an immutable (table, version, chunk hashes) record.
type TableVersion struct {
	TableName     string            `json:"table_name"`
	Version       uint64            `json:"version"`
	ChunkHashes   []hash.ChunkHash  `json:"chunk_hashes"`
	SchemaHash    *string           `json:"schema_hash"`
	CreatedAt     int64             `json:"created_at"`
	ParentVersion *uint64           `json:"parent_version"`
	Metadata      map[string]string `json:"metadata"`
}

// Catalog manages per-table version sequences rooted at a directory.
type Catalog struct {
	root string

	mu      sync.Mutex
	latest  map[string]uint64 // in-memory cache of each table's latest version
	loaded  map[string]bool
}

// Open creates (if needed) the catalog root directory.
func Open(root string) (*Catalog, error) {
	tablesDir := filepath.Join(root, "tables")
	if err := os.MkdirAll(tablesDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIo, "catalog.Open", "create tables dir", err)
	}
	return &Catalog{
		root:   root,
		latest: make(map[string]uint64),
		loaded: make(map[string]bool),
	}, nil
}

func (c *Catalog) tableDir(table string) string {
	return filepath.Join(c.root, "tables", table)
}

func (c *Catalog) versionPath(table string, n uint64) string {
	return filepath.Join(c.tableDir(table), fmt.Sprintf("v%d.json", n))
}

func (c *Catalog) latestPath(table string) string {
	return filepath.Join(c.tableDir(table), "latest")
}

// currentLatest returns the latest committed version for table, or 0 if the
// table has no committed versions yet. Callers must hold c.mu.
func (c *Catalog) currentLatest(table string) (uint64, error) {
	if c.loaded[table] {
		return c.latest[table], nil
	}

	data, err := os.ReadFile(c.latestPath(table))
	if err != nil {
		if os.IsNotExist(err) {
			c.loaded[table] = true
			c.latest[table] = 0
			return 0, nil
		}
		return 0, errs.Wrap(errs.KindIo, "catalog.currentLatest", table, err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errs.Wrap(errs.KindIo, "catalog.currentLatest", table, err)
	}
	c.loaded[table] = true
	c.latest[table] = n
	return n, nil
}

// writeFileAtomic writes data to path via a sibling temp file, fsync, then
// rename, mirroring chunkstore.Store.Put's atomic-write idiom.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Commit appends version to table's sequence. version.Version must equal
// currentLatest(table)+1 (or 1 for a new table); otherwise it fails with a
// Consistency error naming the expected and given versions.
func (c *Catalog) Commit(version TableVersion) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.currentLatest(version.TableName)
	if err != nil {
		return 0, err
	}
	expected := current + 1
	if version.Version != expected {
		return 0, errs.New(errs.KindConsistency, "catalog.Commit",
			fmt.Sprintf("non-sequential version for table %q: expected %d, got %d",
				version.TableName, expected, version.Version))
	}

	data, err := json.Marshal(version)
	if err != nil {
		return 0, errs.Wrap(errs.KindIo, "catalog.Commit", "marshal version", err)
	}
	if err := writeFileAtomic(c.versionPath(version.TableName, version.Version), data); err != nil {
		return 0, errs.Wrap(errs.KindIo, "catalog.Commit", "write version file", err)
	}
	if err := writeFileAtomic(c.latestPath(version.TableName), []byte(strconv.FormatUint(version.Version, 10))); err != nil {
		return 0, errs.Wrap(errs.KindIo, "catalog.Commit", "advance latest pointer", err)
	}

	c.latest[version.TableName] = version.Version
	c.loaded[version.TableName] = true
	return version.Version, nil
}

// GetVersion returns the TableVersion for table at version n. If n is nil,
// the latest version is returned.
func (c *Catalog) GetVersion(table string, n *uint64) (TableVersion, error) {
	c.mu.Lock()
	target := uint64(0)
	if n == nil {
		latest, err := c.currentLatest(table)
		if err != nil {
			c.mu.Unlock()
			return TableVersion{}, err
		}
		if latest == 0 {
			c.mu.Unlock()
			return TableVersion{}, errs.New(errs.KindNotFound, "catalog.GetVersion", "table "+table+" not found")
		}
		target = latest
	} else {
		target = *n
	}
	c.mu.Unlock()

	data, err := os.ReadFile(c.versionPath(table, target))
	if err != nil {
		if os.IsNotExist(err) {
			return TableVersion{}, errs.New(errs.KindNotFound, "catalog.GetVersion",
				fmt.Sprintf("table %q version %d not found", table, target))
		}
		return TableVersion{}, errs.Wrap(errs.KindIo, "catalog.GetVersion", table, err)
	}

	var v TableVersion
	if err := json.Unmarshal(data, &v); err != nil {
		return TableVersion{}, errs.Wrap(errs.KindIo, "catalog.GetVersion", "unmarshal version", err)
	}
	return v, nil
}

// CurrentLatest is the public accessor for the commit protocol's layer-2
// snapshot validation: it returns 0, nil for a table with no versions yet.
func (c *Catalog) CurrentLatest(table string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLatest(table)
}

// ListVersions returns every committed version number for table, in
// ascending order.
func (c *Catalog) ListVersions(table string) ([]uint64, error) {
	entries, err := os.ReadDir(c.tableDir(table))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.KindNotFound, "catalog.ListVersions", "table "+table+" not found")
		}
		return nil, errs.Wrap(errs.KindIo, "catalog.ListVersions", table, err)
	}

	var versions []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".json"), 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, n)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// ListTables returns the name of every table with at least one committed
// version.
func (c *Catalog) ListTables() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.root, "tables"))
	if err != nil {
		return nil, errs.Wrap(errs.KindIo, "catalog.ListTables", "", err)
	}
	var tables []string
	for _, e := range entries {
		if e.IsDir() {
			tables = append(tables, e.Name())
		}
	}
	sort.Strings(tables)
	return tables, nil
}
