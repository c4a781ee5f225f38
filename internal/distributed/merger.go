package distributed

import (
	"math"

	"rhizo/internal/errs"
)

// AlgebraicMerger implements the merge table in spec.md §4.F.2. Merge is
// pure: it never mutates a or b, and always returns a new AlgebraicValue.
type AlgebraicMerger struct{}

// Merge combines a and b under op. Null is the identity element for every
// conflict-free op: merging Null with x yields x, and Null merged with Null
// is Null. A type mismatch between two non-null operands of a conflict-free
// op fails with TypeMismatch. Overwrite and Conditional/Unknown always fail
// with Conflict, Null operands included, since they carry no commutative
// combine rule.
func (AlgebraicMerger) Merge(op OpType, a, b AlgebraicValue) (AlgebraicValue, error) {
	switch op {
	case OpOverwrite, OpConditional, OpUnknown:
		return AlgebraicValue{}, errs.New(errs.KindConflict, "distributed.Merge",
			"op type "+op.String()+" has no commutative merge rule")
	}

	if a.IsNull() && b.IsNull() {
		return NewNull(), nil
	}
	if a.IsNull() {
		return b, nil
	}
	if b.IsNull() {
		return a, nil
	}

	if a.Kind() != b.Kind() {
		return AlgebraicValue{}, errs.New(errs.KindTypeMismatch, "distributed.Merge",
			"cannot merge "+a.Kind().String()+" with "+b.Kind().String())
	}

	switch op {
	case OpMax:
		return mergeNumericExtremum(a, b, true)
	case OpMin:
		return mergeNumericExtremum(a, b, false)
	case OpUnion:
		return mergeSet(a, b, true)
	case OpIntersect:
		return mergeSet(a, b, false)
	case OpAdd:
		return mergeArith(a, b, opAdd)
	case OpMultiply:
		return mergeArith(a, b, opMultiply)
	default:
		return AlgebraicValue{}, errs.New(errs.KindConflict, "distributed.Merge", "unrecognized op type")
	}
}

func mergeNumericExtremum(a, b AlgebraicValue, wantMax bool) (AlgebraicValue, error) {
	switch a.Kind() {
	case KindInteger:
		if wantMax {
			if a.Integer() >= b.Integer() {
				return a, nil
			}
			return b, nil
		}
		if a.Integer() <= b.Integer() {
			return a, nil
		}
		return b, nil
	case KindFloat:
		if wantMax {
			if a.Float() >= b.Float() {
				return a, nil
			}
			return b, nil
		}
		if a.Float() <= b.Float() {
			return a, nil
		}
		return b, nil
	default:
		return AlgebraicValue{}, errs.New(errs.KindTypeMismatch, "distributed.mergeNumericExtremum",
			"Max/Min require Integer or Float, got "+a.Kind().String())
	}
}

func mergeSet(a, b AlgebraicValue, union bool) (AlgebraicValue, error) {
	switch a.Kind() {
	case KindBoolean:
		// Boolean is only conflict-free under an explicitly-typed
		// Union/Intersect op (disjunction/conjunction); any other op type
		// treats Boolean as Generic and is refused before reaching here.
		if union {
			return NewBoolean(a.Boolean() || b.Boolean()), nil
		}
		return NewBoolean(a.Boolean() && b.Boolean()), nil
	case KindStringSet:
		as, bs := a.stringSet, b.stringSet
		out := make(map[string]struct{})
		if union {
			for k := range as {
				out[k] = struct{}{}
			}
			for k := range bs {
				out[k] = struct{}{}
			}
		} else {
			for k := range as {
				if _, ok := bs[k]; ok {
					out[k] = struct{}{}
				}
			}
		}
		return AlgebraicValue{kind: KindStringSet, stringSet: out}, nil
	case KindIntSet:
		as, bs := a.intSet, b.intSet
		out := make(map[int64]struct{})
		if union {
			for k := range as {
				out[k] = struct{}{}
			}
			for k := range bs {
				out[k] = struct{}{}
			}
		} else {
			for k := range as {
				if _, ok := bs[k]; ok {
					out[k] = struct{}{}
				}
			}
		}
		return AlgebraicValue{kind: KindIntSet, intSet: out}, nil
	default:
		return AlgebraicValue{}, errs.New(errs.KindTypeMismatch, "distributed.mergeSet",
			"Union/Intersect require StringSet or IntSet, got "+a.Kind().String())
	}
}

type arithOp int

const (
	opAdd arithOp = iota
	opMultiply
)

func mergeArith(a, b AlgebraicValue, op arithOp) (AlgebraicValue, error) {
	switch a.Kind() {
	case KindInteger:
		x, y := a.Integer(), b.Integer()
		switch op {
		case opAdd:
			sum := x + y
			if (y > 0 && sum < x) || (y < 0 && sum > x) {
				return AlgebraicValue{}, errs.New(errs.KindOverflow, "distributed.mergeArith", "integer addition overflow")
			}
			return NewInteger(sum), nil
		case opMultiply:
			if x == 0 || y == 0 {
				return NewInteger(0), nil
			}
			product := x * y
			if product/y != x {
				return AlgebraicValue{}, errs.New(errs.KindOverflow, "distributed.mergeArith", "integer multiplication overflow")
			}
			return NewInteger(product), nil
		}
	case KindFloat:
		x, y := a.Float(), b.Float()
		var r float64
		switch op {
		case opAdd:
			r = x + y
		case opMultiply:
			r = x * y
		}
		if math.IsInf(r, 0) && !math.IsInf(x, 0) && !math.IsInf(y, 0) {
			return AlgebraicValue{}, errs.New(errs.KindOverflow, "distributed.mergeArith", "float operation overflowed to infinity")
		}
		return NewFloat(r), nil
	}
	return AlgebraicValue{}, errs.New(errs.KindTypeMismatch, "distributed.mergeArith",
		"Add/Multiply require Integer or Float, got "+a.Kind().String())
}
