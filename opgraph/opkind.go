package opgraph

import (
	"github.com/pkg/errors"
)

// OpKind enumerates the operator vocabulary of the graph.
//
// The names (see String) are the ones used in serialized graph dumps, e.g. "MatMul" or "StaticReshape".
type OpKind int

const (
	OpKindInvalid OpKind = iota

	// OpKindWildcard matches any op when used in a pattern. In a concrete graph it stands for an op
	// the backend does not know about.
	OpKindWildcard

	OpKindAbs
	OpKindAdd
	OpKindBatchNormInference
	OpKindBiasAdd
	OpKindClamp
	OpKindConcat
	OpKindConvolution
	OpKindDequantize
	OpKindDivide
	OpKindDynamicDequantize
	OpKindDynamicQuantize
	OpKindElu
	OpKindEnd
	OpKindExp
	OpKindGELU
	OpKindHardSigmoid
	OpKindHardSwish
	OpKindLayerNorm
	OpKindLeakyReLU
	OpKindLog
	OpKindMatMul
	OpKindMaximum
	OpKindMinimum
	OpKindMish
	OpKindMultiply
	OpKindPow
	OpKindQuantize
	OpKindReLU
	OpKindReorder
	OpKindRound
	OpKindSelect
	OpKindSigmoid
	OpKindSoftMax
	OpKindSoftPlus
	OpKindSqrt
	OpKindSquare
	OpKindStaticReshape
	OpKindStaticTranspose
	OpKindSubtract
	OpKindTanh
	OpKindTypeCast

	numOpKinds
)

var opKindNames = [numOpKinds]string{
	OpKindInvalid:            "Invalid",
	OpKindWildcard:           "Wildcard",
	OpKindAbs:                "Abs",
	OpKindAdd:                "Add",
	OpKindBatchNormInference: "BatchNormInference",
	OpKindBiasAdd:            "BiasAdd",
	OpKindClamp:              "Clamp",
	OpKindConcat:             "Concat",
	OpKindConvolution:        "Convolution",
	OpKindDequantize:         "Dequantize",
	OpKindDivide:             "Divide",
	OpKindDynamicDequantize:  "DynamicDequantize",
	OpKindDynamicQuantize:    "DynamicQuantize",
	OpKindElu:                "Elu",
	OpKindEnd:                "End",
	OpKindExp:                "Exp",
	OpKindGELU:               "GELU",
	OpKindHardSigmoid:        "HardSigmoid",
	OpKindHardSwish:          "HardSwish",
	OpKindLayerNorm:          "LayerNorm",
	OpKindLeakyReLU:          "LeakyReLU",
	OpKindLog:                "Log",
	OpKindMatMul:             "MatMul",
	OpKindMaximum:            "Maximum",
	OpKindMinimum:            "Minimum",
	OpKindMish:               "Mish",
	OpKindMultiply:           "Multiply",
	OpKindPow:                "Pow",
	OpKindQuantize:           "Quantize",
	OpKindReLU:               "ReLU",
	OpKindReorder:            "Reorder",
	OpKindRound:              "Round",
	OpKindSelect:             "Select",
	OpKindSigmoid:            "Sigmoid",
	OpKindSoftMax:            "SoftMax",
	OpKindSoftPlus:           "SoftPlus",
	OpKindSqrt:               "Sqrt",
	OpKindSquare:             "Square",
	OpKindStaticReshape:      "StaticReshape",
	OpKindStaticTranspose:    "StaticTranspose",
	OpKindSubtract:           "Subtract",
	OpKindTanh:               "Tanh",
	OpKindTypeCast:           "TypeCast",
}

var opKindByName = func() map[string]OpKind {
	m := make(map[string]OpKind, numOpKinds)
	for kind, name := range opKindNames {
		m[name] = OpKind(kind)
	}
	return m
}()

// String implements fmt.Stringer.
func (k OpKind) String() string {
	if k < 0 || k >= numOpKinds {
		return "OpKind(?)"
	}
	return opKindNames[k]
}

// IsValid returns whether k is one of the enumerated kinds, other than OpKindInvalid.
func (k OpKind) IsValid() bool {
	return k > OpKindInvalid && k < numOpKinds
}

// OpKindString parses the name of an op kind, as returned by OpKind.String.
func OpKindString(name string) (OpKind, error) {
	kind, found := opKindByName[name]
	if !found || kind == OpKindInvalid {
		return OpKindInvalid, errors.Errorf("unknown op kind %q", name)
	}
	return kind, nil
}

// OpKindValues returns all valid op kinds, in enum order.
func OpKindValues() []OpKind {
	values := make([]OpKind, 0, numOpKinds-1)
	for k := OpKindInvalid + 1; k < numOpKinds; k++ {
		values = append(values, k)
	}
	return values
}
