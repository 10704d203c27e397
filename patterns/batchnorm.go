package patterns

import (
	"github.com/gomlx/graphfusion/fusion"
	"github.com/gomlx/graphfusion/opgraph"
	"github.com/gomlx/graphfusion/pattern"
)

// BatchNormPostOps fuses a BatchNormInference with a chain of at least one unary/binary post-op.
func BatchNormPostOps(k Kernels) fusion.PatternDef {
	return fusion.PatternDef{
		Name:         "batchnorm_post_ops",
		Priority:     8.8,
		Kind:         fusion.PartitionKindBatchNormPostOps,
		CreateKernel: k.BatchNorm,
		Builders: []func(*pattern.Graph){
			func(g *pattern.Graph) {
				bn := g.AppendOp(opgraph.OpKindBatchNormInference)
				postOpsChain(g, bn, 1)
			},
		},
	}
}
