package patterns

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/graphfusion/opgraph"
	"github.com/gomlx/graphfusion/pattern"
)

// unaryBinaryOps are the ops that can be fused as post-ops of a MatMul or a BatchNorm.
var unaryBinaryOps = []opgraph.OpKind{
	opgraph.OpKindAbs, opgraph.OpKindClamp, opgraph.OpKindElu, opgraph.OpKindExp, opgraph.OpKindGELU,
	opgraph.OpKindHardSwish, opgraph.OpKindLog, opgraph.OpKindSigmoid, opgraph.OpKindSoftPlus,
	opgraph.OpKindReLU, opgraph.OpKindRound, opgraph.OpKindSqrt, opgraph.OpKindSquare, opgraph.OpKindTanh,
	opgraph.OpKindAdd, opgraph.OpKindMultiply, opgraph.OpKindMaximum, opgraph.OpKindMinimum,
	opgraph.OpKindDivide, opgraph.OpKindSubtract,
}

// commutativePostOps are the binary post-ops whose inputs can be swapped.
var commutativePostOps = []opgraph.OpKind{
	opgraph.OpKindAdd, opgraph.OpKindMultiply, opgraph.OpKindMaximum, opgraph.OpKindMinimum,
}

// bf16PostOps are the post-ops fused after an int8->bf16 MatMul.
var bf16PostOps = []opgraph.OpKind{
	opgraph.OpKindReLU, opgraph.OpKindGELU, opgraph.OpKindDivide, opgraph.OpKindMultiply, opgraph.OpKindAdd,
}

// singleOpBody returns a body graph with one op, exposing its input and output port 0.
func singleOpBody(kind opgraph.OpKind, predicates ...pattern.Predicate) *pattern.Graph {
	body := pattern.NewGraph(kind.String())
	op := body.AppendOp(kind)
	for _, p := range predicates {
		op.AppendDecisionFunc(p)
	}
	body.CreateInputPort(0, op, 0)
	body.CreateOutputPort(0, op, 0)
	return body
}

// optionalOp appends an optional op of the given kind, taking at its port 0 the output of input (if not nil).
func optionalOp(g *pattern.Graph, input *pattern.Node, kind opgraph.OpKind, predicates ...pattern.Predicate) *pattern.Node {
	if input == nil {
		return g.AppendOptional(singleOpBody(kind, predicates...))
	}
	return g.AppendOptional(singleOpBody(kind, predicates...), pattern.In(0, input, 0))
}

// optionalBiasAdd appends an optional BiasAdd after input. With bf16 the bias may first be cast to bf16.
func optionalBiasAdd(g *pattern.Graph, input *pattern.Node, bf16 bool) *pattern.Node {
	body := pattern.NewGraph("bias_add")
	var bias *pattern.Node
	if bf16 {
		typeCast := body.AppendOptional(singleOpBody(opgraph.OpKindTypeCast, pattern.OutputDType(0, dtypes.BFloat16)))
		bias = body.AppendOp(opgraph.OpKindBiasAdd, pattern.In(1, typeCast, 0))
	} else {
		bias = body.AppendOp(opgraph.OpKindBiasAdd)
	}
	body.CreateInputPort(0, bias, 0)
	body.CreateOutputPort(0, bias, 0)
	return g.AppendOptional(body, pattern.In(0, input, 0))
}

// postOpsChain appends a chain of minRep to pattern.MaxRepetition unary or binary post-ops after input.
// Their second input, if any, may come from within the match. The chain may enter commutative post-ops
// through either input.
func postOpsChain(g *pattern.Graph, input *pattern.Node, minRep int) *pattern.Node {
	body := pattern.NewGraph("post_op")
	op := body.AppendAlternation(unaryBinaryOps).AllowInternalInputs().
		SetCommutativePair(0, 1, commutativePostOps...)
	body.CreateInputPort(0, op, 0)
	body.CreateInputPort(1, op, 1)
	body.CreateOutputPort(0, op, 0)
	return g.AppendRepetition(body, minRep, pattern.MaxRepetition, pattern.In(0, input, 0))
}

// optionalPostOp appends one optional post-op of the given kinds after input.
func optionalPostOp(g *pattern.Graph, input *pattern.Node, kinds []opgraph.OpKind) *pattern.Node {
	body := pattern.NewGraph("post_op")
	op := body.AppendAlternation(kinds).SetCommutativePair(0, 1, commutativePostOps...)
	body.CreateInputPort(0, op, 0)
	body.CreateInputPort(1, op, 1)
	body.CreateOutputPort(0, op, 0)
	return g.AppendOptional(body, pattern.In(0, input, 0))
}

// quantizedWeight appends the dequantization of the weight, optionally preceded by the quantization of a
// constant weight. With s8Weight the dequantized weight must be s8.
func quantizedWeight(g *pattern.Graph, s8Weight bool) *pattern.Node {
	quantWeight := optionalOp(g, nil, opgraph.OpKindQuantize, pattern.ConstantWeight)
	dequantWeight := g.AppendOp(opgraph.OpKindDequantize, pattern.In(0, quantWeight, 0))
	if s8Weight {
		dequantWeight.AppendDecisionFunc(pattern.InputDType(0, dtypes.Int8))
	}
	return dequantWeight
}

// castToBf16 appends a TypeCast to bf16 after input.
func castToBf16(g *pattern.Graph, input *pattern.Node) *pattern.Node {
	return g.AppendOp(opgraph.OpKindTypeCast, pattern.In(0, input, 0)).
		AppendDecisionFunc(pattern.OutputDType(0, dtypes.BFloat16))
}

// castFromBf16 appends a TypeCast of a bf16 tensor after input.
func castFromBf16(g *pattern.Graph, input *pattern.Node) *pattern.Node {
	return g.AppendOp(opgraph.OpKindTypeCast, pattern.In(0, input, 0)).
		AppendDecisionFunc(pattern.InputDType(0, dtypes.BFloat16))
}

// castQuantizeBody returns a body with a TypeCast from bf16 followed by a Quantize.
func castQuantizeBody() *pattern.Graph {
	body := pattern.NewGraph("typecast_quantize")
	typeCast := body.AppendOp(opgraph.OpKindTypeCast).AppendDecisionFunc(pattern.InputDType(0, dtypes.BFloat16))
	quant := body.AppendOp(opgraph.OpKindQuantize, pattern.In(0, typeCast, 0))
	body.CreateInputPort(0, typeCast, 0)
	body.CreateOutputPort(0, quant, 0)
	return body
}

// quantizedMatMul appends the dequantization of data and weight, cast to bf16 if bf16 is set, and the MatMul
// taking them. It returns the MatMul node. The first node appended, the data dequantization, is the anchor.
func quantizedMatMul(g *pattern.Graph, bf16, s8Weight bool) *pattern.Node {
	data := g.AppendOp(opgraph.OpKindDequantize)
	weight := quantizedWeight(g, s8Weight)
	if bf16 {
		data = castToBf16(g, data)
		weight = castToBf16(g, weight)
	}
	return g.AppendOp(opgraph.OpKindMatMul, pattern.In(0, data, 0), pattern.In(1, weight, 0))
}

// postQuantizedAdd appends an Add of input with a dequantized tensor. With zeroZps the dequantization must
// have zero points all equal to 0.
func postQuantizedAdd(g *pattern.Graph, input *pattern.Node, zeroZps bool) *pattern.Node {
	dequant := g.AppendOp(opgraph.OpKindDequantize)
	if zeroZps {
		dequant.AppendDecisionFunc(pattern.ZeroPoints(0))
	}
	return g.AppendOp(opgraph.OpKindAdd, pattern.In(0, input, 0), pattern.In(1, dequant, 0)).
		SetCommutativePair(0, 1)
}

// engineFor returns the engine of the CPU or GPU variant of a pattern.
func engineFor(gpu bool) opgraph.EngineKind {
	if gpu {
		return opgraph.GPU
	}
	return opgraph.CPU
}

// engineSuffix returns the name suffix of the CPU or GPU variant of a pattern.
func engineSuffix(gpu bool) string {
	if gpu {
		return "_gpu"
	}
	return "_cpu"
}
