package distributed

import "sort"

// AlgebraicSchemaRegistry records, per table and column, which OpType a
// write to that column must use. A column absent from the registry is
// treated as Generic (not conflict-free) by tableMergeable.
type AlgebraicSchemaRegistry map[string]map[string]OpType

func (r AlgebraicSchemaRegistry) opTypeFor(table, column string) (OpType, bool) {
	cols, ok := r[table]
	if !ok {
		return 0, false
	}
	op, ok := cols[column]
	return op, ok
}

// TableColumns maps a table name to the set of columns a branch wrote,
// derived by the caller from whatever diff it already has (e.g. a
// changelog scan); the core transaction manager itself only tracks
// table-granularity writes, so this is supplied, not computed here.
type TableColumns map[string][]string

// MergeAnalysis is the result of Analyze: which tables can be folded by
// AlgebraicMerger without human intervention, and which cannot.
type MergeAnalysis struct {
	AutoMergeable []string
	Conflicting   []string
	SourceOnly    []string
	TargetOnly    []string
	Unchanged     []string
}

// Analyze classifies every table touched by source and/or target against
// registry. A table is AutoMergeable only if every column either side wrote
// has a registered conflict-free OpType; a table with any unregistered or
// Generic column on both sides is Conflicting.
func Analyze(registry AlgebraicSchemaRegistry, source, target TableColumns) MergeAnalysis {
	var a MergeAnalysis

	tables := make(map[string]bool)
	for t := range source {
		tables[t] = true
	}
	for t := range target {
		tables[t] = true
	}

	names := make([]string, 0, len(tables))
	for t := range tables {
		names = append(names, t)
	}
	sort.Strings(names)

	for _, table := range names {
		srcCols, inSource := source[table]
		tgtCols, inTarget := target[table]

		switch {
		case inSource && !inTarget:
			a.SourceOnly = append(a.SourceOnly, table)
		case inTarget && !inSource:
			a.TargetOnly = append(a.TargetOnly, table)
		case len(srcCols) == 0 && len(tgtCols) == 0:
			a.Unchanged = append(a.Unchanged, table)
		default:
			if registry.tableMergeable(table, srcCols, tgtCols) {
				a.AutoMergeable = append(a.AutoMergeable, table)
			} else {
				a.Conflicting = append(a.Conflicting, table)
			}
		}
	}

	return a
}

func (r AlgebraicSchemaRegistry) tableMergeable(table string, srcCols, tgtCols []string) bool {
	seen := make(map[string]bool, len(srcCols)+len(tgtCols))
	for _, cols := range [][]string{srcCols, tgtCols} {
		for _, col := range cols {
			if seen[col] {
				continue
			}
			seen[col] = true
			op, ok := r.opTypeFor(table, col)
			if !ok || !op.IsConflictFree() {
				return false
			}
		}
	}
	return true
}

// MergeTableVersions folds srcValues and tgtValues column-by-column using
// AlgebraicMerger per the registry, producing the merged value for every
// column named in either map. A column present on only one side takes that
// side's value unchanged. A column present on both sides with no registered
// OpType is merged as Overwrite, which fails with Conflict.
func MergeTableVersions(registry AlgebraicSchemaRegistry, table string, srcValues, tgtValues map[string]AlgebraicValue) (map[string]AlgebraicValue, error) {
	merger := AlgebraicMerger{}
	out := make(map[string]AlgebraicValue)

	columns := make(map[string]bool, len(srcValues)+len(tgtValues))
	for c := range srcValues {
		columns[c] = true
	}
	for c := range tgtValues {
		columns[c] = true
	}

	for col := range columns {
		sv, hasSrc := srcValues[col]
		tv, hasTgt := tgtValues[col]
		switch {
		case hasSrc && !hasTgt:
			out[col] = sv
		case hasTgt && !hasSrc:
			out[col] = tv
		default:
			op, ok := registry.opTypeFor(table, col)
			if !ok {
				op = OpOverwrite
			}
			merged, err := merger.Merge(op, sv, tv)
			if err != nil {
				return nil, err
			}
			out[col] = merged
		}
	}
	return out, nil
}
