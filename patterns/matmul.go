package patterns

import (
	"github.com/gomlx/graphfusion/fusion"
	"github.com/gomlx/graphfusion/opgraph"
	"github.com/gomlx/graphfusion/pattern"
)

// MatMulPostOpsChain fuses a MatMul of two inputs with an optional BatchNormInference and a chain of
// unary/binary post-ops.
func MatMulPostOpsChain(k Kernels) fusion.PatternDef {
	return fusion.PatternDef{
		Name:         "matmul_post_ops_chain",
		Priority:     8.8,
		Kind:         fusion.PartitionKindMatMulPostOps,
		CreateKernel: k.FloatMatMul,
		Builders: []func(*pattern.Graph){
			func(g *pattern.Graph) {
				matmul := g.AppendOp(opgraph.OpKindMatMul).AppendDecisionFunc(pattern.InputCount(2))
				bn := optionalOp(g, matmul, opgraph.OpKindBatchNormInference)
				postOpsChain(g, bn, 0)
			},
		},
	}
}

// MatMulBiasPostOpsChain is like MatMulPostOpsChain, for a MatMul with bias: either a BiasAdd after the
// MatMul or a third MatMul input.
func MatMulBiasPostOpsChain(k Kernels) fusion.PatternDef {
	return fusion.PatternDef{
		Name:         "matmul_bias_post_ops_chain",
		Priority:     8.9,
		Kind:         fusion.PartitionKindMatMulPostOps,
		CreateKernel: k.FloatMatMul,
		Builders: []func(*pattern.Graph){
			func(g *pattern.Graph) {
				matmul := g.AppendOp(opgraph.OpKindMatMul).AppendDecisionFunc(pattern.InputCount(2))
				bias := g.AppendOp(opgraph.OpKindBiasAdd, pattern.In(0, matmul, 0))
				bn := optionalOp(g, bias, opgraph.OpKindBatchNormInference)
				postOpsChain(g, bn, 0)
			},
			func(g *pattern.Graph) {
				matmul := g.AppendOp(opgraph.OpKindMatMul).AppendDecisionFunc(pattern.InputCount(3))
				bn := optionalOp(g, matmul, opgraph.OpKindBatchNormInference)
				postOpsChain(g, bn, 0)
			},
		},
	}
}

// MatMulTransposeOptionalReshape fuses a MatMul (with optional bias) followed by a StaticTranspose, with
// optional StaticReshape before and after it.
func MatMulTransposeOptionalReshape(k Kernels) fusion.PatternDef {
	return fusion.PatternDef{
		Name:         "matmul_transpose_optional_reshape",
		Priority:     9.0,
		Kind:         fusion.PartitionKindMatMulTransposeReshape,
		CreateKernel: k.FloatMatMul,
		Builders: []func(*pattern.Graph){
			func(g *pattern.Graph) {
				matmul := g.AppendOp(opgraph.OpKindMatMul)
				bias := optionalBiasAdd(g, matmul, false)
				reshape := optionalOp(g, bias, opgraph.OpKindStaticReshape)
				transpose := g.AppendOp(opgraph.OpKindStaticTranspose, pattern.In(0, reshape, 0))
				optionalOp(g, transpose, opgraph.OpKindStaticReshape)
			},
		},
	}
}

// MatMulTransposeReorder fuses a MatMul (with optional bias) followed by a StaticTranspose and a Reorder.
func MatMulTransposeReorder(k Kernels) fusion.PatternDef {
	return fusion.PatternDef{
		Name:         "matmul_transpose_reorder",
		Priority:     9.1,
		Kind:         fusion.PartitionKindMatMulTransposeReshape,
		CreateKernel: k.FloatMatMul,
		Builders: []func(*pattern.Graph){
			func(g *pattern.Graph) {
				matmul := g.AppendOp(opgraph.OpKindMatMul)
				bias := optionalBiasAdd(g, matmul, false)
				transpose := g.AppendOp(opgraph.OpKindStaticTranspose, pattern.In(0, bias, 0))
				g.AppendOp(opgraph.OpKindReorder, pattern.In(0, transpose, 0))
			},
		},
	}
}
