package patterns

import (
	"github.com/gomlx/graphfusion/fusion"
	"github.com/gomlx/graphfusion/opgraph"
	"github.com/gomlx/graphfusion/pattern"
)

// mhaBuilder builds the multi-head attention subgraph:
//
//	MatMul(Q, K) -> Divide|Multiply -> Add(mask) -> SoftMax -> MatMul(·, V) -> StaticTranspose -> Reorder|StaticReshape
//
// With quantized, Q, K, V and the softmax output are dequantized before their MatMul, and the output is
// re-quantized. With bf16 (only used with quantized) the dequantized values are cast to bf16 and cast back
// before each re-quantization.
func mhaBuilder(quantized, bf16 bool) func(g *pattern.Graph) {
	return func(g *pattern.Graph) {
		dequantize := func(in ...pattern.InEdge) *pattern.Node {
			dequant := g.AppendOp(opgraph.OpKindDequantize, in...)
			if bf16 {
				return castToBf16(g, dequant)
			}
			return dequant
		}
		quantize := func(input *pattern.Node) *pattern.Node {
			if bf16 {
				input = castFromBf16(g, input)
			}
			return g.AppendOp(opgraph.OpKindQuantize, pattern.In(0, input, 0))
		}

		var matmulQK *pattern.Node
		if quantized {
			query := dequantize()
			key := dequantize()
			matmulQK = g.AppendOp(opgraph.OpKindMatMul, pattern.In(0, query, 0), pattern.In(1, key, 0))
		} else {
			matmulQK = g.AppendOp(opgraph.OpKindMatMul)
		}
		scale := g.AppendAlternation([]opgraph.OpKind{opgraph.OpKindDivide, opgraph.OpKindMultiply},
			pattern.In(0, matmulQK, 0))
		mask := g.AppendOp(opgraph.OpKindAdd, pattern.In(0, scale, 0)).SetCommutativePair(0, 1)
		softmax := g.AppendOp(opgraph.OpKindSoftMax, pattern.In(0, mask, 0))

		var matmulV *pattern.Node
		if quantized {
			probs := dequantize(pattern.In(0, quantize(softmax), 0))
			value := dequantize()
			matmulV = g.AppendOp(opgraph.OpKindMatMul, pattern.In(0, probs, 0), pattern.In(1, value, 0))
		} else {
			matmulV = g.AppendOp(opgraph.OpKindMatMul, pattern.In(0, softmax, 0))
		}
		transpose := g.AppendOp(opgraph.OpKindStaticTranspose, pattern.In(0, matmulV, 0))
		output := g.AppendAlternation([]opgraph.OpKind{opgraph.OpKindReorder, opgraph.OpKindStaticReshape},
			pattern.In(0, transpose, 0))
		if quantized {
			quantize(output)
		}
	}
}

// FloatMHA fuses a floating point multi-head attention subgraph.
func FloatMHA(k Kernels) fusion.PatternDef {
	return fusion.PatternDef{
		Name:         "float_mha",
		Priority:     21.0,
		Kind:         fusion.PartitionKindMHA,
		CreateKernel: k.LargerPartition,
		Builders:     []func(*pattern.Graph){mhaBuilder(false, false)},
	}
}

// Int8MHA fuses a multi-head attention subgraph with int8 inputs and output.
func Int8MHA(k Kernels) fusion.PatternDef {
	return fusion.PatternDef{
		Name:         "int8_mha",
		Priority:     22.0,
		Kind:         fusion.PartitionKindQuantizedMHA,
		CreateKernel: k.LargerPartition,
		Builders:     []func(*pattern.Graph){mhaBuilder(true, false)},
	}
}

// Int8Bf16MHA fuses a multi-head attention subgraph with int8 inputs and output, computed in bf16.
func Int8Bf16MHA(k Kernels) fusion.PatternDef {
	return fusion.PatternDef{
		Name:         "int8_bf16_mha",
		Priority:     22.0,
		Kind:         fusion.PartitionKindQuantizedMHA,
		CreateKernel: k.LargerPartition,
		Builders:     []func(*pattern.Graph){mhaBuilder(true, true)},
	}
}
