// Package branch implements Rhizo's BranchManager: named references mapping
// table name to version number, persisted as JSON under
// branches/<name>.json, with branches/default naming the default branch.
// Creation and merge are metadata-only operations (~200-byte maps), unlike
// the catalog/chunk layers they point into.
//
// Adapted from 0xlemi-microprolly's pkg/branch (head.go, manager.go), which
// tracks a single commit hash per branch; Rhizo generalizes the head to a
// map[string]uint64 (table -> version) since a branch here spans many
// versioned tables rather than one Prolly-tree root.
package branch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"rhizo/internal/catalog"
	"rhizo/internal/errs"
)

// nameRE restricts branch names to a path-safe charset: no leading slash,
// no "..", no control characters.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

// ValidateName rejects traversal sequences and unsafe characters.
func ValidateName(name string) error {
	if name == "" || !nameRE.MatchString(name) {
		return errs.New(errs.KindValidation, "branch.ValidateName", "invalid branch name: "+name)
	}
	for _, seg := range splitSlash(name) {
		if seg == ".." || seg == "." {
			return errs.New(errs.KindValidation, "branch.ValidateName", "branch name must not traverse directories")
		}
	}
	return nil
}

func splitSlash(name string) []string {
	var parts []string
	cur := ""
	for _, r := range name {
		if r == '/' {
			parts = append(parts, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	parts = append(parts, cur)
	return parts
}

// Branch is a named map from table to version.
type Branch struct {
	Name          string            `json:"name"`
	Head          map[string]uint64 `json:"head"`
	CreatedAt     int64             `json:"created_at"`
	ParentBranch  *string           `json:"parent_branch"`
	Description   *string           `json:"description"`
}

const defaultBranchName = "main"

// Manager manages Branch references rooted at a directory. It holds a
// Catalog reference, but merge's ancestor-of checks compare version numbers
// directly and do not consult it.
type Manager struct {
	root    string
	catalog *catalog.Catalog
}

// Open creates (if needed) the branches directory and ensures an implicit
// "main" branch exists.
func Open(root string, cat *catalog.Catalog) (*Manager, error) {
	branchesDir := filepath.Join(root, "branches")
	if err := os.MkdirAll(branchesDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIo, "branch.Open", "create branches dir", err)
	}
	m := &Manager{root: root, catalog: cat}

	if !m.exists(defaultBranchName) {
		if err := m.writeBranch(Branch{
			Name:      defaultBranchName,
			Head:      map[string]uint64{},
			CreatedAt: time.Now().Unix(),
		}); err != nil {
			return nil, err
		}
	}
	if _, err := m.GetDefault(); err != nil {
		if err := m.SetDefault(defaultBranchName); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.root, "branches", name+".json")
}

func (m *Manager) defaultPath() string {
	return filepath.Join(m.root, "branches", "default")
}

func (m *Manager) exists(name string) bool {
	_, err := os.Stat(m.path(name))
	return err == nil
}

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
	return os.Rename(tmpPath, path)
}

func (m *Manager) writeBranch(b Branch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return errs.Wrap(errs.KindIo, "branch.writeBranch", "marshal", err)
	}
	if err := writeFileAtomic(m.path(b.Name), data); err != nil {
		return errs.Wrap(errs.KindIo, "branch.writeBranch", b.Name, err)
	}
	return nil
}

// Create snapshots from's head (default: main) by value into a new branch.
// No chunks or table versions are duplicated.
func (m *Manager) Create(name string, from *string, description *string) (Branch, error) {
	if err := ValidateName(name); err != nil {
		return Branch{}, err
	}
	if m.exists(name) {
		return Branch{}, errs.New(errs.KindConsistency, "branch.Create", "branch already exists: "+name)
	}

	parentName := defaultBranchName
	if from != nil {
		parentName = *from
	}
	parent, err := m.Get(parentName)
	if err != nil {
		return Branch{}, errs.Wrap(errs.KindNotFound, "branch.Create", "parent branch "+parentName, err)
	}

	head := make(map[string]uint64, len(parent.Head))
	for k, v := range parent.Head {
		head[k] = v
	}

	b := Branch{
		Name:         name,
		Head:         head,
		CreatedAt:    time.Now().Unix(),
		ParentBranch: &parentName,
		Description:  description,
	}
	if err := m.writeBranch(b); err != nil {
		return Branch{}, err
	}
	return b, nil
}

// Get returns the named branch.
func (m *Manager) Get(name string) (Branch, error) {
	data, err := os.ReadFile(m.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Branch{}, errs.New(errs.KindNotFound, "branch.Get", "branch not found: "+name)
		}
		return Branch{}, errs.Wrap(errs.KindIo, "branch.Get", name, err)
	}
	var b Branch
	if err := json.Unmarshal(data, &b); err != nil {
		return Branch{}, errs.Wrap(errs.KindIo, "branch.Get", "unmarshal", err)
	}
	return b, nil
}

// List returns every branch name, sorted.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.root, "branches"))
	if err != nil {
		return nil, errs.Wrap(errs.KindIo, "branch.List", "", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == "default" || len(name) < len(".json") {
			continue
		}
		if name[len(name)-len(".json"):] == ".json" {
			names = append(names, name[:len(name)-len(".json")])
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a branch. It refuses to delete the default branch.
func (m *Manager) Delete(name string) error {
	def, err := m.GetDefault()
	if err != nil {
		return err
	}
	if name == def {
		return errs.New(errs.KindValidation, "branch.Delete", "cannot delete the default branch")
	}
	if err := os.Remove(m.path(name)); err != nil {
		if os.IsNotExist(err) {
			return errs.New(errs.KindNotFound, "branch.Delete", "branch not found: "+name)
		}
		return errs.Wrap(errs.KindIo, "branch.Delete", name, err)
	}
	return nil
}

// UpdateHead sets head[table] = version for branch and persists atomically.
func (m *Manager) UpdateHead(branchName, table string, version uint64) error {
	b, err := m.Get(branchName)
	if err != nil {
		return err
	}
	if b.Head == nil {
		b.Head = map[string]uint64{}
	}
	b.Head[table] = version
	return m.writeBranch(b)
}

// GetDefault returns the name of the default branch.
func (m *Manager) GetDefault() (string, error) {
	data, err := os.ReadFile(m.defaultPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.New(errs.KindNotFound, "branch.GetDefault", "no default branch set")
		}
		return "", errs.Wrap(errs.KindIo, "branch.GetDefault", "", err)
	}
	return string(data), nil
}

// SetDefault changes the default branch pointer.
func (m *Manager) SetDefault(name string) error {
	if !m.exists(name) {
		return errs.New(errs.KindNotFound, "branch.SetDefault", "branch not found: "+name)
	}
	return writeFileAtomic(m.defaultPath(), []byte(name))
}

// TableChange describes one table's version delta between two branches.
type TableChange struct {
	Table      string
	SourceVer  uint64
	TargetVer  uint64
}

// Diff compares source and target branch heads.
type Diff struct {
	Unchanged     []string
	Modified      []TableChange
	AddedInSource []TableChange
	AddedInTarget []TableChange
	HasConflicts  bool
}

// Diff computes the BranchDiff between source and target.
func (m *Manager) Diff(sourceName, targetName string) (Diff, error) {
	source, err := m.Get(sourceName)
	if err != nil {
		return Diff{}, err
	}
	target, err := m.Get(targetName)
	if err != nil {
		return Diff{}, err
	}

	var d Diff
	seen := make(map[string]bool)
	for table, sv := range source.Head {
		seen[table] = true
		tv, ok := target.Head[table]
		switch {
		case !ok:
			d.AddedInSource = append(d.AddedInSource, TableChange{Table: table, SourceVer: sv})
		case sv == tv:
			d.Unchanged = append(d.Unchanged, table)
		default:
			d.Modified = append(d.Modified, TableChange{Table: table, SourceVer: sv, TargetVer: tv})
			d.HasConflicts = true
		}
	}
	for table, tv := range target.Head {
		if !seen[table] {
			d.AddedInTarget = append(d.AddedInTarget, TableChange{Table: table, TargetVer: tv})
		}
	}
	return d, nil
}

// CanFastForward reports whether target's head is a (non-strict) ancestor
// subset of source's: for every (table, v) in target.Head, v must be an
// ancestor of source.Head[table] in that table's version sequence, or the
// table may be absent from source.
func (m *Manager) CanFastForward(sourceName, targetName string) (bool, error) {
	source, err := m.Get(sourceName)
	if err != nil {
		return false, err
	}
	target, err := m.Get(targetName)
	if err != nil {
		return false, err
	}

	for table, tv := range target.Head {
		sv, ok := source.Head[table]
		if !ok {
			continue
		}
		if tv > sv {
			return false, nil
		}
	}
	return true, nil
}

// Merge fast-forwards into's head for every table present in source,
// advancing into.Head[table] = source.Head[table] wherever source is ahead.
// It fails with Conflict, naming the offending tables, if fast-forward is
// not possible (see CanFastForward).
func (m *Manager) Merge(sourceName, intoName string) (Branch, error) {
	ok, err := m.CanFastForward(sourceName, intoName)
	if err != nil {
		return Branch{}, err
	}
	if !ok {
		offending, derr := m.conflictingTables(sourceName, intoName)
		if derr != nil {
			return Branch{}, derr
		}
		return Branch{}, errs.New(errs.KindConflict, "branch.Merge",
			"non-fast-forward merge, conflicting tables: "+joinStrings(offending))
	}

	source, err := m.Get(sourceName)
	if err != nil {
		return Branch{}, err
	}
	into, err := m.Get(intoName)
	if err != nil {
		return Branch{}, err
	}
	if into.Head == nil {
		into.Head = map[string]uint64{}
	}
	for table, sv := range source.Head {
		if cur, ok := into.Head[table]; !ok || sv > cur {
			into.Head[table] = sv
		}
	}
	if err := m.writeBranch(into); err != nil {
		return Branch{}, err
	}
	return into, nil
}

func (m *Manager) conflictingTables(sourceName, intoName string) ([]string, error) {
	source, err := m.Get(sourceName)
	if err != nil {
		return nil, err
	}
	into, err := m.Get(intoName)
	if err != nil {
		return nil, err
	}
	var offending []string
	for table, tv := range into.Head {
		if sv, ok := source.Head[table]; ok && tv > sv {
			offending = append(offending, table)
		}
	}
	sort.Strings(offending)
	return offending, nil
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
