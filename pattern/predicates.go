package pattern

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/graphfusion/opgraph"
)

// Predicate decides whether a concrete op may be bound to a pattern node, after its kind already matched.
//
// Predicates must be pure: they may be called any number of times, concurrently, during matching.
type Predicate func(op *opgraph.Op) bool

// InputCount requires the op to have exactly n inputs.
func InputCount(n int) Predicate {
	return func(op *opgraph.Op) bool { return len(op.Inputs) == n }
}

// OutputCount requires the op to have exactly n outputs.
func OutputCount(n int) Predicate {
	return func(op *opgraph.Op) bool { return len(op.Outputs) == n }
}

// InputDType requires the input at index to have the given dtype.
func InputDType(index int, dtype dtypes.DType) Predicate {
	return func(op *opgraph.Op) bool {
		return index < len(op.Inputs) && op.Inputs[index].DType() == dtype
	}
}

// OutputDType requires the output at index to have the given dtype.
func OutputDType(index int, dtype dtypes.DType) Predicate {
	return func(op *opgraph.Op) bool {
		return index < len(op.Outputs) && op.Outputs[index].DType() == dtype
	}
}

// AttrBool requires the boolean attribute to be set to value.
func AttrBool(name string, value bool) Predicate {
	return func(op *opgraph.Op) bool {
		v, ok := op.AttrBool(name)
		return ok && v == value
	}
}

// AttrInt requires the integer attribute to be set to value.
func AttrInt(name string, value int64) Predicate {
	return func(op *opgraph.Op) bool {
		v, ok := op.AttrInt(name)
		return ok && v == value
	}
}

// AttrString requires the string attribute to be set to value.
func AttrString(name, value string) Predicate {
	return func(op *opgraph.Op) bool {
		v, ok := op.AttrString(name)
		return ok && v == value
	}
}

// ConstantInput requires the input at index to be a constant tensor.
func ConstantInput(index int) Predicate {
	return func(op *opgraph.Op) bool {
		return index < len(op.Inputs) && op.Inputs[index].IsConstant()
	}
}

// ConstantWeight requires the first input (the weight of a dequantization) to be constant.
func ConstantWeight(op *opgraph.Op) bool {
	return len(op.Inputs) > 0 && op.Inputs[0].IsConstant()
}

// ZeroPoints requires all values of the "zps" attribute to be value. A missing attribute means zero points
// of 0.
func ZeroPoints(value int64) Predicate {
	return func(op *opgraph.Op) bool {
		zps, ok := op.AttrInts("zps")
		if !ok {
			return value == 0
		}
		for _, zp := range zps {
			if zp != value {
				return false
			}
		}
		return true
	}
}

// Not negates a predicate.
func Not(p Predicate) Predicate {
	return func(op *opgraph.Op) bool { return !p(op) }
}
