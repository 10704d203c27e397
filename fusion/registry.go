// Package fusion selects, among the registered fusion patterns, a set of non-overlapping matches in an
// opgraph.Graph, partitions the graph accordingly and dispatches each fused partition to the kernel of its pattern.
//
// The flow is:
//
//	registry := fusion.NewRegistry()
//	registry.MustRegister(fusion.PatternDef{Name: "matmul_relu", Priority: 8.8, ...})
//	selection, err := fusion.NewPartitioner(registry, opgraph.CPU).Compile(ctx, g)
//	for _, p := range selection.Failed() { ... }
//
// Ops not covered by any fused partition end up in singleton partitions, to be executed unfused.
package fusion

import (
	"fmt"
	"math"

	"github.com/gomlx/graphfusion/opgraph"
	"github.com/gomlx/graphfusion/pattern"
	"github.com/pkg/errors"
)

// PartitionKind classifies fused partitions, for downstream consumers and logging.
type PartitionKind int

const (
	PartitionKindUndef PartitionKind = iota
	PartitionKindMatMulPostOps
	PartitionKindQuantizedMatMulPostOps
	PartitionKindMatMulTransposeReshape
	PartitionKindQuantizedMatMulTransposeReshape
	PartitionKindMHA
	PartitionKindQuantizedMHA
	PartitionKindBatchNormPostOps
)

var partitionKindNames = []string{
	PartitionKindUndef:                           "undef",
	PartitionKindMatMulPostOps:                   "matmul_post_ops",
	PartitionKindQuantizedMatMulPostOps:          "quantized_matmul_post_ops",
	PartitionKindMatMulTransposeReshape:          "matmul_transpose_reshape",
	PartitionKindQuantizedMatMulTransposeReshape: "quantized_matmul_transpose_reshape",
	PartitionKindMHA:                             "mha",
	PartitionKindQuantizedMHA:                    "quantized_mha",
	PartitionKindBatchNormPostOps:                "batchnorm_post_ops",
}

// String implements fmt.Stringer.
func (k PartitionKind) String() string {
	if k < 0 || int(k) >= len(partitionKindNames) {
		return fmt.Sprintf("PartitionKind(%d)", int(k))
	}
	return partitionKindNames[k]
}

// PatternDef defines a fusion pattern to register.
type PatternDef struct {
	// Name must be unique within a Registry.
	Name string

	// Priority orders competing matches: higher wins.
	Priority float32

	// Engine the pattern applies to. opgraph.AnyEngine applies to all.
	Engine opgraph.EngineKind

	Kind PartitionKind

	// Builders each populate one alternative pattern graph. The pattern matches if any alternative matches.
	Builders []func(g *pattern.Graph)

	// CreateKernel is called once per partition fused with this pattern.
	CreateKernel KernelCreator
}

// Pattern is a registered fusion pattern, with its validated alternative graphs.
type Pattern struct {
	Name     string
	Priority float32
	Engine   opgraph.EngineKind
	Kind     PartitionKind

	// Graphs are the alternatives, in the order of PatternDef.Builders.
	Graphs []*pattern.Graph

	createKernel KernelCreator
}

// AppliesTo returns whether the pattern can be used on the given engine.
func (p *Pattern) AppliesTo(engine opgraph.EngineKind) bool {
	return p.Engine == opgraph.AnyEngine || engine == opgraph.AnyEngine || p.Engine == engine
}

// String implements fmt.Stringer.
func (p *Pattern) String() string {
	return fmt.Sprintf("%s(priority=%g, engine=%s, kind=%s)", p.Name, p.Priority, p.Engine, p.Kind)
}

// Registry holds the registered fusion patterns, in registration order.
// It is not safe for concurrent registration, but once populated it can be shared by any number of
// Partitioner objects.
type Registry struct {
	patterns []*Pattern
	byName   map[string]*Pattern
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Pattern)}
}

// Register builds and validates the pattern graphs of def and adds the pattern to the registry.
//
// Builders that panic (e.g. wiring a nil producer) or that build invalid graphs make Register fail,
// and the registry is left unchanged.
func (r *Registry) Register(def PatternDef) error {
	if def.Name == "" {
		return errors.New("fusion pattern with empty name")
	}
	if _, found := r.byName[def.Name]; found {
		return errors.Errorf("fusion pattern %q registered twice", def.Name)
	}
	if len(def.Builders) == 0 {
		return errors.Errorf("fusion pattern %q has no pattern graph builders", def.Name)
	}
	if def.CreateKernel == nil {
		return errors.Errorf("fusion pattern %q has no kernel creator", def.Name)
	}
	if math.IsNaN(float64(def.Priority)) {
		return errors.Errorf("fusion pattern %q has NaN priority", def.Name)
	}
	p := &Pattern{
		Name:         def.Name,
		Priority:     def.Priority,
		Engine:       def.Engine,
		Kind:         def.Kind,
		createKernel: def.CreateKernel,
	}
	for ii, builder := range def.Builders {
		name := def.Name
		if len(def.Builders) > 1 {
			name = fmt.Sprintf("%s[%d]", def.Name, ii)
		}
		g := pattern.NewGraph(name)
		err := catch(func() { builder(g) })
		if err != nil {
			return errors.WithMessagef(err, "fusion pattern %q: builder #%d failed", def.Name, ii)
		}
		if err = g.Validate(); err != nil {
			return errors.WithMessagef(err, "fusion pattern %q: builder #%d created an invalid graph", def.Name, ii)
		}
		p.Graphs = append(p.Graphs, g)
	}
	r.patterns = append(r.patterns, p)
	r.byName[p.Name] = p
	return nil
}

// MustRegister is like Register, but panics on errors. It returns the registry, so calls can be chained.
func (r *Registry) MustRegister(def PatternDef) *Registry {
	if err := r.Register(def); err != nil {
		panic(err)
	}
	return r
}

// Patterns returns the registered patterns in registration order. The returned slice must not be modified.
func (r *Registry) Patterns() []*Pattern {
	return r.patterns
}

// Pattern returns the pattern registered with the given name, or nil.
func (r *Registry) Pattern(name string) *Pattern {
	return r.byName[name]
}

// Len returns the number of registered patterns.
func (r *Registry) Len() int {
	return len(r.patterns)
}
