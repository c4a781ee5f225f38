package distributed

import "sort"

// Kind discriminates AlgebraicValue's tagged union.
type Kind int

const (
	KindNull Kind = iota
	KindInteger
	KindFloat
	KindBoolean
	KindStringSet
	KindIntSet
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "Null"
	case KindInteger:
		return "Integer"
	case KindFloat:
		return "Float"
	case KindBoolean:
		return "Boolean"
	case KindStringSet:
		return "StringSet"
	case KindIntSet:
		return "IntSet"
	default:
		return "Unknown"
	}
}

// AlgebraicValue is a closed tagged union, mirroring the teacher's
// pkg/types.Value shape: a private discriminant plus one field per variant,
// constructed only through the NewX functions below so a value is always
// internally consistent.
type AlgebraicValue struct {
	kind      Kind
	intVal    int64
	floatVal  float64
	boolVal   bool
	stringSet map[string]struct{}
	intSet    map[int64]struct{}
}

func NewNull() AlgebraicValue { return AlgebraicValue{kind: KindNull} }

func NewInteger(i int64) AlgebraicValue { return AlgebraicValue{kind: KindInteger, intVal: i} }

func NewFloat(f float64) AlgebraicValue { return AlgebraicValue{kind: KindFloat, floatVal: f} }

func NewBoolean(b bool) AlgebraicValue { return AlgebraicValue{kind: KindBoolean, boolVal: b} }

func NewStringSet(items ...string) AlgebraicValue {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return AlgebraicValue{kind: KindStringSet, stringSet: s}
}

func NewIntSet(items ...int64) AlgebraicValue {
	s := make(map[int64]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return AlgebraicValue{kind: KindIntSet, intSet: s}
}

func (v AlgebraicValue) Kind() Kind   { return v.kind }
func (v AlgebraicValue) IsNull() bool { return v.kind == KindNull }
func (v AlgebraicValue) Integer() int64 { return v.intVal }
func (v AlgebraicValue) Float() float64 { return v.floatVal }
func (v AlgebraicValue) Boolean() bool  { return v.boolVal }

// StringSet returns the set's members as a sorted slice.
func (v AlgebraicValue) StringSet() []string {
	out := make([]string, 0, len(v.stringSet))
	for s := range v.stringSet {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// IntSet returns the set's members as a sorted slice.
func (v AlgebraicValue) IntSet() []int64 {
	out := make([]int64, 0, len(v.intSet))
	for i := range v.intSet {
		out = append(out, i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OpType classifies an AlgebraicOperation's merge behavior. Semilattice and
// AbelianGroup op-types are conflict-free (safe to apply in any order on any
// node and converge); Generic ops are not.
type OpType int

const (
	OpMax OpType = iota
	OpMin
	OpUnion
	OpIntersect
	OpAdd
	OpMultiply
	OpOverwrite
	OpConditional
	OpUnknown
)

func (t OpType) String() string {
	switch t {
	case OpMax:
		return "Max"
	case OpMin:
		return "Min"
	case OpUnion:
		return "Union"
	case OpIntersect:
		return "Intersect"
	case OpAdd:
		return "Add"
	case OpMultiply:
		return "Multiply"
	case OpOverwrite:
		return "Overwrite"
	case OpConditional:
		return "Conditional"
	case OpUnknown:
		return "Unknown"
	default:
		return "Unrecognized"
	}
}

// IsSemilattice reports whether t is one of the set/extremum join ops.
func (t OpType) IsSemilattice() bool {
	switch t {
	case OpMax, OpMin, OpUnion, OpIntersect:
		return true
	default:
		return false
	}
}

// IsAbelian reports whether t is a group operation with a commutative,
// associative combine (but not necessarily idempotent: applying the same
// update twice changes the result).
func (t OpType) IsAbelian() bool {
	switch t {
	case OpAdd, OpMultiply:
		return true
	default:
		return false
	}
}

// IsConflictFree reports whether t can be applied concurrently on any node,
// in any order, and still converge: semilattice OR Abelian.
func (t OpType) IsConflictFree() bool {
	return t.IsSemilattice() || t.IsAbelian()
}
