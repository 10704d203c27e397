package fusion

import (
	"context"
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/graphfusion/opgraph"
	"github.com/gomlx/graphfusion/pattern"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// concrete builds concrete graphs for tests, with float32 tensors of shape [2, 2].
type concrete struct {
	g      *opgraph.Graph
	nextID opgraph.TensorID
}

func newConcrete(engine opgraph.EngineKind) *concrete {
	return &concrete{g: opgraph.New(engine)}
}

func (c *concrete) tensor() *opgraph.LogicalTensor {
	t := opgraph.NewTensor(c.nextID, dtypes.Float32, 2, 2)
	c.nextID++
	return t
}

func (c *concrete) op(kind opgraph.OpKind, inputs ...*opgraph.LogicalTensor) *opgraph.Op {
	return c.g.AddOp(kind, inputs, []*opgraph.LogicalTensor{c.tensor()})
}

func (c *concrete) finalize(t *testing.T) *opgraph.Graph {
	require.NoError(t, c.g.Finalize())
	return c.g
}

func out(op *opgraph.Op) *opgraph.LogicalTensor {
	return op.Outputs[0]
}

type fakeKernel struct {
	partition  *Partition
	compileErr error
	executed   int
}

func (k *fakeKernel) Compile(p *Partition) error {
	k.partition = p
	return k.compileErr
}

func (k *fakeKernel) Execute(_ context.Context, _, _ []Buffer) error {
	k.executed++
	return nil
}

// kernelFactory counts the kernels it creates.
type kernelFactory struct {
	created    int
	compileErr error
}

func (f *kernelFactory) create() Kernel {
	f.created++
	return &fakeKernel{compileErr: f.compileErr}
}

type tensorBuffer struct {
	t *opgraph.LogicalTensor
}

func (b tensorBuffer) Tensor() *opgraph.LogicalTensor { return b.t }

func buffers(tensors ...*opgraph.LogicalTensor) []Buffer {
	bufs := make([]Buffer, len(tensors))
	for ii, t := range tensors {
		bufs[ii] = tensorBuffer{t}
	}
	return bufs
}

func matmulUnary(kind opgraph.OpKind) func(g *pattern.Graph) {
	return func(g *pattern.Graph) {
		mm := g.AppendOp(opgraph.OpKindMatMul)
		g.AppendOp(kind, pattern.In(0, mm, 0))
	}
}

func matmulReLUAdd(g *pattern.Graph) {
	mm := g.AppendOp(opgraph.OpKindMatMul)
	relu := g.AppendOp(opgraph.OpKindReLU, pattern.In(0, mm, 0))
	g.AppendOp(opgraph.OpKindAdd, pattern.In(0, relu, 0)).SetCommutativePair(0, 1)
}

// newTestRegistry registers "matmul_relu" (9.0) and "matmul_relu_add" (10.0).
func newTestRegistry(f *kernelFactory) *Registry {
	return NewRegistry().
		MustRegister(PatternDef{
			Name: "matmul_relu", Priority: 9.0, Kind: PartitionKindMatMulPostOps,
			Builders:     []func(*pattern.Graph){matmulUnary(opgraph.OpKindReLU)},
			CreateKernel: f.create,
		}).
		MustRegister(PatternDef{
			Name: "matmul_relu_add", Priority: 10.0, Kind: PartitionKindMatMulPostOps,
			Builders:     []func(*pattern.Graph){matmulReLUAdd},
			CreateKernel: f.create,
		})
}

// checkSelection verifies every op is in exactly one partition, and the boundaries of fused partitions.
func checkSelection(t *testing.T, s *Selection) {
	g := s.Graph
	count := make(map[*opgraph.Op]int)
	for ii, p := range s.Partitions {
		require.Equal(t, ii, p.ID)
		if ii > 0 {
			require.Less(t, s.Partitions[ii-1].Ops[0].Position(), p.Ops[0].Position())
		}
		inPartition := make(map[*opgraph.Op]bool)
		for _, op := range p.Ops {
			count[op]++
			inPartition[op] = true
		}
		if !p.IsFused() {
			continue
		}
		for _, input := range p.Inputs {
			producer, found := g.Producer(input.ID)
			assert.False(t, found && inPartition[producer.Op], "partition %s: input #%d produced inside", p, input.ID)
		}
		for _, op := range p.Ops {
			for _, output := range op.Outputs {
				usedOutside := g.IsOutput(output.ID)
				for _, c := range g.Consumers(output.ID) {
					usedOutside = usedOutside || !inPartition[c.Op]
				}
				if usedOutside {
					assert.Contains(t, p.Outputs, output, "partition %s: output #%d missing", p, output.ID)
				}
			}
		}
	}
	for _, op := range g.Ops() {
		assert.Equal(t, 1, count[op], "op %s", op)
	}
}

func TestRegister(t *testing.T) {
	f := &kernelFactory{}
	r := NewRegistry()
	def := PatternDef{
		Name:         "matmul_relu",
		Priority:     9.0,
		Builders:     []func(*pattern.Graph){matmulUnary(opgraph.OpKindReLU), matmulUnary(opgraph.OpKindTanh)},
		CreateKernel: f.create,
	}
	require.NoError(t, r.Register(def))
	require.ErrorContains(t, r.Register(def), "twice")
	require.Panics(t, func() { r.MustRegister(def) })

	require.ErrorContains(t, r.Register(PatternDef{Name: "no_builders", CreateKernel: f.create}), "no pattern graph builders")
	require.ErrorContains(t, r.Register(PatternDef{
		Name: "no_kernel", Builders: []func(*pattern.Graph){matmulReLUAdd}}), "kernel creator")

	panicky := func(g *pattern.Graph) { g.AppendOp(opgraph.OpKindReLU, pattern.In(0, nil, 0)) }
	require.ErrorContains(t, r.Register(PatternDef{
		Name: "panics", Builders: []func(*pattern.Graph){panicky}, CreateKernel: f.create}), "builder #0 failed")
	stringPanic := func(g *pattern.Graph) { panic("not ready") }
	require.ErrorContains(t, r.Register(PatternDef{
		Name: "string_panic", Builders: []func(*pattern.Graph){stringPanic}, CreateKernel: f.create}), "not ready")

	invalid := func(g *pattern.Graph) {
		body := pattern.NewGraph("relu")
		relu := body.AppendOp(opgraph.OpKindReLU)
		body.CreateInputPort(0, relu, 0)
		body.CreateOutputPort(0, relu, 0)
		mm := g.AppendOp(opgraph.OpKindMatMul)
		g.AppendRepetition(body, 0, pattern.MaxRepetition+1, pattern.In(0, mm, 0))
	}
	require.ErrorContains(t, r.Register(PatternDef{
		Name: "invalid", Builders: []func(*pattern.Graph){invalid}, CreateKernel: f.create}), "invalid graph")

	assert.Equal(t, 1, r.Len())
	registered := r.Pattern("matmul_relu")
	require.NotNil(t, registered)
	require.Len(t, registered.Graphs, 2)
	assert.Equal(t, "matmul_relu[1]", registered.Graphs[1].Name())
	assert.Nil(t, r.Pattern("panics"))
	assert.Equal(t, 0, f.created, "kernels are only created at dispatch")
}

func TestPriorityResolution(t *testing.T) {
	f := &kernelFactory{}
	c := newConcrete(opgraph.CPU)
	x, w, y := c.tensor(), c.tensor(), c.tensor()
	mm := c.op(opgraph.OpKindMatMul, x, w)
	relu := c.op(opgraph.OpKindReLU, out(mm))
	add := c.op(opgraph.OpKindAdd, out(relu), y)
	g := c.finalize(t)

	s := must.M1(NewPartitioner(newTestRegistry(f), opgraph.CPU).Partition(context.Background(), g))
	checkSelection(t, s)
	require.Len(t, s.Partitions, 1)
	p := s.Partitions[0]
	assert.Equal(t, "matmul_relu_add", p.Pattern.Name)
	assert.Equal(t, []opgraph.OpID{mm.ID, relu.ID, add.ID}, p.OpIDs())
	assert.Equal(t, []opgraph.TensorID{x.ID, w.ID, y.ID}, p.InputIDs())
	assert.Equal(t, []opgraph.TensorID{out(add).ID}, p.OutputIDs())

	require.Len(t, s.Candidates, 2)
	assert.Equal(t, "matmul_relu_add", s.Candidates[0].Pattern.Name)
	assert.Equal(t, Accepted, s.Candidates[0].Status)
	assert.Equal(t, "matmul_relu", s.Candidates[1].Pattern.Name)
	assert.Equal(t, RejectedOverlap, s.Candidates[1].Status)
	assert.Equal(t, s.Candidates[0], s.Candidates[1].RejectedBy)
	assert.Contains(t, s.String(), "rejected-by-overlap")
}

func TestTieBreak(t *testing.T) {
	f := &kernelFactory{}
	r := NewRegistry().
		MustRegister(PatternDef{Name: "short", Priority: 9, CreateKernel: f.create,
			Builders: []func(*pattern.Graph){matmulUnary(opgraph.OpKindReLU)}}).
		MustRegister(PatternDef{Name: "long", Priority: 9, CreateKernel: f.create,
			Builders: []func(*pattern.Graph){matmulReLUAdd}}).
		MustRegister(PatternDef{Name: "beta", Priority: 8, CreateKernel: f.create,
			Builders: []func(*pattern.Graph){matmulUnary(opgraph.OpKindTanh)}}).
		MustRegister(PatternDef{Name: "alpha", Priority: 8, CreateKernel: f.create,
			Builders: []func(*pattern.Graph){matmulUnary(opgraph.OpKindTanh)}})

	c := newConcrete(opgraph.CPU)
	mm0 := c.op(opgraph.OpKindMatMul, c.tensor(), c.tensor())
	relu := c.op(opgraph.OpKindReLU, out(mm0))
	c.op(opgraph.OpKindAdd, out(relu), c.tensor())
	mm1 := c.op(opgraph.OpKindMatMul, c.tensor(), c.tensor())
	c.op(opgraph.OpKindTanh, out(mm1))
	g := c.finalize(t)

	s := must.M1(NewPartitioner(r, opgraph.CPU).Partition(context.Background(), g))
	checkSelection(t, s)
	fused := s.Fused()
	require.Len(t, fused, 2)
	assert.Equal(t, "long", s.PartitionOf(mm0).Pattern.Name, "equal priority: more ops wins")
	assert.Equal(t, "alpha", s.PartitionOf(mm1).Pattern.Name, "equal priority and size: name order")
}

// chainsGraph has MatMul->ReLU->Add, MatMul->Tanh, MatMul->ReLU and a lone ReLU.
func chainsGraph(t *testing.T) *opgraph.Graph {
	c := newConcrete(opgraph.CPU)
	for range 3 {
		mm := c.op(opgraph.OpKindMatMul, c.tensor(), c.tensor())
		relu := c.op(opgraph.OpKindReLU, out(mm))
		c.op(opgraph.OpKindAdd, c.tensor(), out(relu))
	}
	mm := c.op(opgraph.OpKindMatMul, c.tensor(), c.tensor())
	c.op(opgraph.OpKindTanh, out(mm))
	mm = c.op(opgraph.OpKindMatMul, c.tensor(), c.tensor())
	c.op(opgraph.OpKindReLU, out(mm))
	c.op(opgraph.OpKindReLU, c.tensor())
	return c.finalize(t)
}

// summary of the partitions: pattern names and op ids.
func summary(s *Selection) []string {
	var lines []string
	for _, p := range s.Partitions {
		name := ""
		if p.IsFused() {
			name = p.Pattern.Name
		}
		lines = append(lines, fmt.Sprintf("%s:%v", name, p.OpIDs()))
	}
	return lines
}

func TestDeterminism(t *testing.T) {
	g := chainsGraph(t)
	r := newTestRegistry(&kernelFactory{})
	s1 := must.M1(NewPartitioner(r, opgraph.CPU).WithParallelism(1).Partition(context.Background(), g))
	s2 := must.M1(NewPartitioner(r, opgraph.CPU).WithParallelism(8).Partition(context.Background(), g))
	checkSelection(t, s1)
	checkSelection(t, s2)
	assert.Equal(t, summary(s1), summary(s2))

	// 3x matmul_relu_add, 1x matmul_relu, and unfused MatMul, Tanh and ReLU.
	assert.Len(t, s1.Fused(), 4)
	assert.Len(t, s1.Partitions, 7)
}

func TestEngineFiltering(t *testing.T) {
	f := &kernelFactory{}
	r := newTestRegistry(f).MustRegister(PatternDef{
		Name: "gpu_matmul_relu", Priority: 20, Engine: opgraph.GPU, CreateKernel: f.create,
		Builders: []func(*pattern.Graph){matmulUnary(opgraph.OpKindReLU)},
	})
	newGraph := func(engine opgraph.EngineKind) (*opgraph.Graph, *opgraph.Op) {
		c := newConcrete(engine)
		mm := c.op(opgraph.OpKindMatMul, c.tensor(), c.tensor())
		c.op(opgraph.OpKindReLU, out(mm))
		return c.finalize(t), mm
	}

	g, mm := newGraph(opgraph.CPU)
	s := must.M1(NewPartitioner(r, opgraph.CPU).Partition(context.Background(), g))
	assert.Equal(t, "matmul_relu", s.PartitionOf(mm).Pattern.Name)
	s = must.M1(NewPartitioner(r, opgraph.AnyEngine).Partition(context.Background(), g))
	assert.Equal(t, "matmul_relu", s.PartitionOf(mm).Pattern.Name, "engine taken from the graph")

	g, mm = newGraph(opgraph.GPU)
	s = must.M1(NewPartitioner(r, opgraph.GPU).Partition(context.Background(), g))
	assert.Equal(t, "gpu_matmul_relu", s.PartitionOf(mm).Pattern.Name)
	assert.Len(t, NewPartitioner(r, opgraph.CPU).Patterns(opgraph.CPU), 2)
}

func TestDisable(t *testing.T) {
	g := chainsGraph(t)
	r := newTestRegistry(&kernelFactory{})

	s := must.M1(NewPartitioner(r, opgraph.CPU).DisablePattern("matmul_relu_add").Partition(context.Background(), g))
	checkSelection(t, s)
	for _, p := range s.Fused() {
		assert.Equal(t, "matmul_relu", p.Pattern.Name)
	}
	assert.Len(t, s.Fused(), 4)

	s = must.M1(NewPartitioner(r, opgraph.CPU).DisableFusion().Partition(context.Background(), g))
	checkSelection(t, s)
	assert.Empty(t, s.Fused())
	assert.Empty(t, s.Candidates)
	assert.Len(t, s.Partitions, g.NumOps())
}

func TestDispatch(t *testing.T) {
	okFactory := &kernelFactory{}
	failFactory := &kernelFactory{compileErr: errors.New("unsupported shape")}
	r := NewRegistry().
		MustRegister(PatternDef{Name: "matmul_relu", Priority: 9, CreateKernel: okFactory.create,
			Builders: []func(*pattern.Graph){matmulUnary(opgraph.OpKindReLU)}}).
		MustRegister(PatternDef{Name: "matmul_tanh", Priority: 9, CreateKernel: failFactory.create,
			Builders: []func(*pattern.Graph){matmulUnary(opgraph.OpKindTanh)}})

	c := newConcrete(opgraph.CPU)
	for _, kind := range []opgraph.OpKind{opgraph.OpKindReLU, opgraph.OpKindTanh, opgraph.OpKindReLU} {
		mm := c.op(opgraph.OpKindMatMul, c.tensor(), c.tensor())
		c.op(kind, out(mm))
	}
	g := c.finalize(t)

	s := must.M1(NewPartitioner(r, opgraph.CPU).Compile(context.Background(), g))
	require.Len(t, s.Partitions, 3)
	assert.Equal(t, 2, okFactory.created, "one kernel per partition")
	assert.Equal(t, 1, failFactory.created)
	for _, p := range s.Partitions {
		if p.Pattern.Name == "matmul_relu" {
			require.NoError(t, p.Err)
			assert.Same(t, p, p.Kernel.(*fakeKernel).partition)
		}
	}

	failed := s.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "matmul_tanh", failed[0].Pattern.Name)
	assert.ErrorContains(t, failed[0].Err, "matmul_tanh")
	assert.ErrorContains(t, failed[0].Err, "unsupported shape")
	assert.Nil(t, failed[0].Kernel)

	s.Dispatch()
	assert.Equal(t, 2, okFactory.created, "dispatching again doesn't recreate kernels")
	assert.Equal(t, 1, failFactory.created, "failures are not retried")

	failedCandidate := failed[0].Candidate
	s.FallbackFailed()
	checkSelection(t, s)
	assert.Empty(t, s.Failed())
	assert.Len(t, s.Partitions, 4)
	assert.Len(t, s.Fused(), 2)
	assert.Equal(t, KernelFailed, failedCandidate.Status)
	for _, p := range s.Fused() {
		assert.Equal(t, Accepted, p.Candidate.Status)
	}
	assert.Contains(t, s.String(), "kernel-failed")
}

func TestDispatchBadCreators(t *testing.T) {
	f := &kernelFactory{}
	r := NewRegistry().
		MustRegister(PatternDef{Name: "nil_kernel", Priority: 9, CreateKernel: func() Kernel { return nil },
			Builders: []func(*pattern.Graph){matmulUnary(opgraph.OpKindReLU)}}).
		MustRegister(PatternDef{Name: "panicky_kernel", Priority: 9,
			CreateKernel: func() Kernel { panic(errors.New("no device")) },
			Builders:     []func(*pattern.Graph){matmulUnary(opgraph.OpKindTanh)}}).
		MustRegister(PatternDef{Name: "string_panic_kernel", Priority: 9,
			CreateKernel: func() Kernel { panic("no accelerator") },
			Builders:     []func(*pattern.Graph){matmulUnary(opgraph.OpKindSigmoid)}}).
		MustRegister(PatternDef{Name: "matmul_exp", Priority: 9, CreateKernel: f.create,
			Builders: []func(*pattern.Graph){matmulUnary(opgraph.OpKindExp)}})
	c := newConcrete(opgraph.CPU)
	for _, kind := range []opgraph.OpKind{opgraph.OpKindReLU, opgraph.OpKindTanh, opgraph.OpKindSigmoid, opgraph.OpKindExp} {
		mm := c.op(opgraph.OpKindMatMul, c.tensor(), c.tensor())
		c.op(kind, out(mm))
	}
	g := c.finalize(t)

	var s *Selection
	require.NotPanics(t, func() { s = must.M1(NewPartitioner(r, opgraph.CPU).Compile(context.Background(), g)) })
	require.Len(t, s.Partitions, 4)
	require.Len(t, s.Failed(), 3)
	assert.ErrorContains(t, s.Partitions[0].Err, "returned nil")
	assert.ErrorContains(t, s.Partitions[1].Err, "no device")
	assert.ErrorContains(t, s.Partitions[2].Err, "no accelerator")
	assert.ErrorContains(t, s.Partitions[2].Err, "string_panic_kernel")

	// Partitions after the failing ones still get their kernels.
	require.NoError(t, s.Partitions[3].Err)
	assert.NotNil(t, s.Partitions[3].Kernel)
	assert.Equal(t, 1, f.created)
}

func TestExecute(t *testing.T) {
	f := &kernelFactory{}
	r := NewRegistry().MustRegister(PatternDef{Name: "matmul_relu", Priority: 9, CreateKernel: f.create,
		Builders: []func(*pattern.Graph){matmulUnary(opgraph.OpKindReLU)}})
	c := newConcrete(opgraph.CPU)
	x, w := c.tensor(), c.tensor()
	mm := c.op(opgraph.OpKindMatMul, x, w)
	relu := c.op(opgraph.OpKindReLU, out(mm))
	tanh := c.op(opgraph.OpKindTanh, out(relu))
	g := c.finalize(t)

	s := must.M1(NewPartitioner(r, opgraph.CPU).Compile(context.Background(), g))
	require.Len(t, s.Partitions, 2)
	fused := s.Partitions[0]
	ctx := context.Background()
	require.NoError(t, fused.Execute(ctx, buffers(x, w), buffers(out(relu))))
	assert.Equal(t, 1, fused.Kernel.(*fakeKernel).executed)

	require.ErrorContains(t, fused.Execute(ctx, buffers(x), buffers(out(relu))), "expected 2 input buffers")
	require.ErrorContains(t, fused.Execute(ctx, buffers(w, x), buffers(out(relu))), "expected tensor")
	require.ErrorContains(t, fused.Execute(ctx, buffers(x, w), []Buffer{nil}), "nil")

	unfused := s.PartitionOf(tanh)
	require.False(t, unfused.IsFused())
	require.ErrorContains(t, unfused.Execute(ctx, buffers(out(relu)), buffers(out(tanh))), "no kernel")
}

func TestPartitionErrors(t *testing.T) {
	r := newTestRegistry(&kernelFactory{})
	c := newConcrete(opgraph.CPU)
	c.op(opgraph.OpKindMatMul, c.tensor(), c.tensor())
	_, err := NewPartitioner(r, opgraph.CPU).Partition(context.Background(), c.g)
	require.ErrorContains(t, err, "finalized")

	g := c.finalize(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewPartitioner(r, opgraph.CPU).Partition(ctx, g)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDequantizeMatMulDivAdd(t *testing.T) {
	f := &kernelFactory{}
	r := NewRegistry().MustRegister(PatternDef{
		Name: "int8_matmul_div_add", Priority: 10.5, Engine: opgraph.CPU, Kind: PartitionKindQuantizedMatMulPostOps,
		CreateKernel: f.create,
		Builders: []func(*pattern.Graph){func(g *pattern.Graph) {
			dqData := g.AppendOp(opgraph.OpKindDequantize)
			dqWeight := g.AppendOp(opgraph.OpKindDequantize)
			mm := g.AppendOp(opgraph.OpKindMatMul, pattern.In(0, dqData, 0), pattern.In(1, dqWeight, 0))
			mm.AppendDecisionFunc(pattern.InputCount(2))
			div := g.AppendOp(opgraph.OpKindDivide, pattern.In(0, mm, 0))
			g.AppendOp(opgraph.OpKindAdd, pattern.In(0, div, 0))
		}},
	})

	c := newConcrete(opgraph.CPU)
	data, weight, divisor, addend := c.tensor(), c.tensor(), c.tensor(), c.tensor()
	dq0 := c.op(opgraph.OpKindDequantize, data)
	dq1 := c.op(opgraph.OpKindDequantize, weight)
	mm := c.op(opgraph.OpKindMatMul, out(dq0), out(dq1))
	div := c.op(opgraph.OpKindDivide, out(mm), divisor)
	add := c.op(opgraph.OpKindAdd, out(div), addend)
	g := c.finalize(t)

	s := must.M1(NewPartitioner(r, opgraph.CPU).Compile(context.Background(), g))
	checkSelection(t, s)
	require.Len(t, s.Partitions, 1)
	p := s.Partitions[0]
	assert.Equal(t, []opgraph.OpID{dq0.ID, dq1.ID, mm.ID, div.ID, add.ID}, p.OpIDs())
	assert.Equal(t, []opgraph.TensorID{data.ID, weight.ID, divisor.ID, addend.ID}, p.InputIDs())
	assert.Equal(t, []opgraph.TensorID{out(add).ID}, p.OutputIDs())
	assert.Equal(t, PartitionKindQuantizedMatMulPostOps, p.Pattern.Kind)
	assert.Equal(t, 1, f.created)
	assert.Empty(t, s.Failed())
}
