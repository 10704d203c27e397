package patterns

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/graphfusion/fusion"
	"github.com/gomlx/graphfusion/opgraph"
	"github.com/gomlx/graphfusion/pattern"
)

// Quantized MatMul patterns come in CPU and GPU variants (gpu set): the GPU kernels only support s8 weights
// and, for the dequantized tensor of a post-op Add, zero points of 0.

// Int8MatMulDivAdd fuses the dequantization of data and weight, a MatMul, a Divide and an Add.
func Int8MatMulDivAdd(gpu bool) Factory {
	return func(k Kernels) fusion.PatternDef {
		return fusion.PatternDef{
			Name:         "int8_matmul_div_add" + engineSuffix(gpu),
			Priority:     10.5,
			Engine:       engineFor(gpu),
			Kind:         fusion.PartitionKindQuantizedMatMulPostOps,
			CreateKernel: k.QuantizedMatMul,
			Builders: []func(*pattern.Graph){
				func(g *pattern.Graph) {
					dequantData := g.AppendOp(opgraph.OpKindDequantize)
					dequantWeight := g.AppendOp(opgraph.OpKindDequantize)
					if gpu {
						dequantWeight.AppendDecisionFunc(pattern.InputDType(0, dtypes.Int8))
					}
					matmul := g.AppendOp(opgraph.OpKindMatMul, pattern.In(0, dequantData, 0), pattern.In(1, dequantWeight, 0)).
						AppendDecisionFunc(pattern.InputCount(2))
					div := g.AppendOp(opgraph.OpKindDivide, pattern.In(0, matmul, 0))
					g.AppendOp(opgraph.OpKindAdd, pattern.In(0, div, 0)).SetCommutativePair(0, 1)
				},
			},
		}
	}
}

// Int8MatMulPostOps fuses a quantized MatMul with optional bias, a chain of post-ops and an optional
// re-quantization.
func Int8MatMulPostOps(gpu bool) Factory {
	return func(k Kernels) fusion.PatternDef {
		return fusion.PatternDef{
			Name:         "int8_matmul_post_ops" + engineSuffix(gpu),
			Priority:     9.9,
			Engine:       engineFor(gpu),
			Kind:         fusion.PartitionKindQuantizedMatMulPostOps,
			CreateKernel: k.QuantizedMatMul,
			Builders: []func(*pattern.Graph){
				func(g *pattern.Graph) {
					matmul := quantizedMatMul(g, false, gpu)
					bias := optionalBiasAdd(g, matmul, false)
					chain := postOpsChain(g, bias, 0)
					optionalOp(g, chain, opgraph.OpKindQuantize)
				},
			},
		}
	}
}

// Int8MatMulAddPostOps fuses a quantized MatMul with optional bias, an Add of a dequantized tensor and the
// re-quantization.
func Int8MatMulAddPostOps(gpu bool) Factory {
	return func(k Kernels) fusion.PatternDef {
		return fusion.PatternDef{
			Name:         "int8_matmul_add_post_ops" + engineSuffix(gpu),
			Priority:     10.0,
			Engine:       engineFor(gpu),
			Kind:         fusion.PartitionKindQuantizedMatMulPostOps,
			CreateKernel: k.QuantizedMatMul,
			Builders: []func(*pattern.Graph){
				func(g *pattern.Graph) {
					matmul := quantizedMatMul(g, false, gpu)
					bias := optionalBiasAdd(g, matmul, false)
					add := postQuantizedAdd(g, bias, gpu)
					g.AppendOp(opgraph.OpKindQuantize, pattern.In(0, add, 0))
				},
			},
		}
	}
}

// Int8Bf16MatMulScaleAdd fuses the dequantization of data and weight cast to bf16, a MatMul, a Divide or
// Multiply and an Add.
func Int8Bf16MatMulScaleAdd(gpu bool) Factory {
	return func(k Kernels) fusion.PatternDef {
		return fusion.PatternDef{
			Name:         "int8_bf16_matmul_scale_add" + engineSuffix(gpu),
			Priority:     10.5,
			Engine:       engineFor(gpu),
			Kind:         fusion.PartitionKindQuantizedMatMulPostOps,
			CreateKernel: k.QuantizedMatMul,
			Builders: []func(*pattern.Graph){
				func(g *pattern.Graph) {
					dequantData := g.AppendOp(opgraph.OpKindDequantize)
					dequantWeight := g.AppendOp(opgraph.OpKindDequantize)
					if gpu {
						dequantWeight.AppendDecisionFunc(pattern.InputDType(0, dtypes.Int8))
					}
					data := castToBf16(g, dequantData)
					weight := castToBf16(g, dequantWeight)
					matmul := g.AppendOp(opgraph.OpKindMatMul, pattern.In(0, data, 0), pattern.In(1, weight, 0)).
						AppendDecisionFunc(pattern.InputCount(2))
					scale := g.AppendAlternation([]opgraph.OpKind{opgraph.OpKindDivide, opgraph.OpKindMultiply},
						pattern.In(0, matmul, 0))
					g.AppendOp(opgraph.OpKindAdd, pattern.In(0, scale, 0)).SetCommutativePair(0, 1)
				},
			},
		}
	}
}

// Int8Bf16MatMulPostOps fuses a quantized MatMul computed in bf16, with optional bias, an optional post-op
// and an optional cast and re-quantization.
func Int8Bf16MatMulPostOps(gpu bool) Factory {
	return func(k Kernels) fusion.PatternDef {
		return fusion.PatternDef{
			Name:         "int8_bf16_matmul_post_ops" + engineSuffix(gpu),
			Priority:     10.4,
			Engine:       engineFor(gpu),
			Kind:         fusion.PartitionKindQuantizedMatMulPostOps,
			CreateKernel: k.QuantizedMatMul,
			Builders: []func(*pattern.Graph){
				func(g *pattern.Graph) {
					matmul := quantizedMatMul(g, true, gpu)
					bias := optionalBiasAdd(g, matmul, true)
					postOp := optionalPostOp(g, bias, bf16PostOps)
					g.AppendOptional(castQuantizeBody(), pattern.In(0, postOp, 0))
				},
			},
		}
	}
}

// Int8Bf16MatMulAddPostOps fuses a quantized MatMul computed in bf16, with optional bias, an Add of a
// dequantized tensor cast to bf16, an optional post-op, and the cast and re-quantization.
func Int8Bf16MatMulAddPostOps(gpu bool) Factory {
	return func(k Kernels) fusion.PatternDef {
		return fusion.PatternDef{
			Name:         "int8_bf16_matmul_add_post_ops" + engineSuffix(gpu),
			Priority:     10.5,
			Engine:       engineFor(gpu),
			Kind:         fusion.PartitionKindQuantizedMatMulPostOps,
			CreateKernel: k.QuantizedMatMul,
			Builders: []func(*pattern.Graph){
				func(g *pattern.Graph) {
					matmul := quantizedMatMul(g, true, gpu)
					bias := optionalBiasAdd(g, matmul, true)
					dequantOther := g.AppendOp(opgraph.OpKindDequantize)
					if gpu {
						dequantOther.AppendDecisionFunc(pattern.ZeroPoints(0))
					}
					other := castToBf16(g, dequantOther)
					add := g.AppendOp(opgraph.OpKindAdd, pattern.In(0, bias, 0), pattern.In(1, other, 0)).
						SetCommutativePair(0, 1)
					postOp := optionalPostOp(g, add, bf16PostOps)
					typeCast := castFromBf16(g, postOp)
					g.AppendOp(opgraph.OpKindQuantize, pattern.In(0, typeCast, 0))
				},
			},
		}
	}
}

// Int8MatMulTransposeOptionalReshape fuses a quantized MatMul (with optional bias) followed by a
// StaticTranspose with optional StaticReshape before and after it, and the re-quantization.
// With bf16 the MatMul is computed in bf16 and cast back before the re-quantization.
func Int8MatMulTransposeOptionalReshape(bf16 bool) Factory {
	name, priority := "int8_matmul_transpose_optional_reshape", float32(10.0)
	if bf16 {
		name, priority = "int8_bf16_matmul_transpose_optional_reshape", 10.5
	}
	return func(k Kernels) fusion.PatternDef {
		return fusion.PatternDef{
			Name:         name,
			Priority:     priority,
			Kind:         fusion.PartitionKindQuantizedMatMulTransposeReshape,
			CreateKernel: k.QuantizedMatMul,
			Builders: []func(*pattern.Graph){
				func(g *pattern.Graph) {
					matmul := quantizedMatMul(g, bf16, false)
					bias := optionalBiasAdd(g, matmul, bf16)
					reshape := optionalOp(g, bias, opgraph.OpKindStaticReshape)
					transpose := g.AppendOp(opgraph.OpKindStaticTranspose, pattern.In(0, reshape, 0))
					last := optionalOp(g, transpose, opgraph.OpKindStaticReshape)
					if bf16 {
						last = castFromBf16(g, last)
					}
					g.AppendOp(opgraph.OpKindQuantize, pattern.In(0, last, 0))
				},
			},
		}
	}
}

// Int8MatMulTransposeReorder fuses a quantized MatMul (with optional bias) followed by a StaticTranspose,
// a Reorder and an optional re-quantization.
// With bf16 the MatMul is computed in bf16 and cast back before the re-quantization.
func Int8MatMulTransposeReorder(bf16 bool) Factory {
	name, priority := "int8_matmul_transpose_reorder", float32(10.0)
	if bf16 {
		name, priority = "int8_bf16_matmul_transpose_reorder", 10.5
	}
	return func(k Kernels) fusion.PatternDef {
		return fusion.PatternDef{
			Name:         name,
			Priority:     priority,
			Kind:         fusion.PartitionKindQuantizedMatMulTransposeReshape,
			CreateKernel: k.QuantizedMatMul,
			Builders: []func(*pattern.Graph){
				func(g *pattern.Graph) {
					matmul := quantizedMatMul(g, bf16, false)
					bias := optionalBiasAdd(g, matmul, bf16)
					transpose := g.AppendOp(opgraph.OpKindStaticTranspose, pattern.In(0, bias, 0))
					reorder := g.AppendOp(opgraph.OpKindReorder, pattern.In(0, transpose, 0))
					if bf16 {
						g.AppendOptional(castQuantizeBody(), pattern.In(0, reorder, 0))
					} else {
						optionalOp(g, reorder, opgraph.OpKindQuantize)
					}
				},
			},
		}
	}
}
