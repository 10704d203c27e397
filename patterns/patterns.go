// Package patterns is the catalog of fusion patterns: MatMul with post-ops, quantized (int8 and int8->bf16)
// MatMul variants, multi-head attention and BatchNorm with post-ops.
//
// The catalog is an explicit, ordered list of factories (Factories), turned into a registry with NewRegistry:
//
//	registry, err := patterns.NewRegistry(patterns.Kernels{FloatMatMul: ..., QuantizedMatMul: ..., ...})
//	selection, err := fusion.NewPartitioner(registry, opgraph.CPU).Compile(ctx, g)
package patterns

import (
	"github.com/gomlx/graphfusion/fusion"
	"github.com/pkg/errors"
)

// Kernels are the kernel creators used by the patterns of the catalog.
type Kernels struct {
	// FloatMatMul fuses a floating point MatMul with its post-ops.
	FloatMatMul fusion.KernelCreator

	// QuantizedMatMul fuses a MatMul with the dequantization of its inputs, post-ops and re-quantization.
	QuantizedMatMul fusion.KernelCreator

	// LargerPartition handles subgraphs with more than one main op, like multi-head attention.
	LargerPartition fusion.KernelCreator

	// BatchNorm fuses a BatchNormInference with its post-ops.
	BatchNorm fusion.KernelCreator
}

// Factory returns the definition of one pattern, using the given kernels.
type Factory func(k Kernels) fusion.PatternDef

// Factories is the catalog, in registration order.
var Factories = []Factory{
	MatMulPostOpsChain,
	MatMulBiasPostOpsChain,
	MatMulTransposeOptionalReshape,
	Int8MatMulDivAdd(false),
	Int8MatMulDivAdd(true),
	Int8MatMulPostOps(false),
	Int8MatMulPostOps(true),
	Int8MatMulAddPostOps(false),
	Int8MatMulAddPostOps(true),
	Int8Bf16MatMulScaleAdd(false),
	Int8Bf16MatMulScaleAdd(true),
	Int8Bf16MatMulPostOps(false),
	Int8Bf16MatMulPostOps(true),
	Int8Bf16MatMulAddPostOps(false),
	Int8Bf16MatMulAddPostOps(true),
	Int8MatMulTransposeOptionalReshape(false),
	Int8MatMulTransposeOptionalReshape(true),
	MatMulTransposeReorder,
	Int8MatMulTransposeReorder(false),
	Int8MatMulTransposeReorder(true),
	Int8MHA,
	FloatMHA,
	Int8Bf16MHA,
	BatchNormPostOps,
}

// NewRegistry registers every pattern of Factories, in order, into a new registry.
func NewRegistry(k Kernels) (*fusion.Registry, error) {
	r := fusion.NewRegistry()
	for ii, factory := range Factories {
		def := factory(k)
		if err := r.Register(def); err != nil {
			return nil, errors.WithMessagef(err, "failed to register catalog pattern #%d", ii)
		}
	}
	return r, nil
}
