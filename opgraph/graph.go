// Package opgraph holds the concrete operation graph the fusion patterns are matched against.
//
//   - Graph: a DAG of Op, connected through LogicalTensor ids: the producer of a tensor is the op listing it
//     as an output, the consumers are the ops listing it as an input.
//   - Parse and ReadFile: read a Graph from its JSON dump.
//
// A Graph is built with AddOp (or Append) and then sealed with Finalize, after which it is read-only and
// safe for concurrent use.
package opgraph

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// EngineKind is the kind of device a graph is compiled for.
type EngineKind int

const (
	// AnyEngine is used by patterns applicable to every engine. Graphs are never built for AnyEngine.
	AnyEngine EngineKind = iota
	CPU
	GPU
)

// String implements fmt.Stringer.
func (e EngineKind) String() string {
	switch e {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	default:
		return "any"
	}
}

// Endpoint is one end of an edge: an op and the index of one of its inputs or outputs.
type Endpoint struct {
	Op   *Op
	Port int
}

// Graph is a concrete operation graph.
type Graph struct {
	Engine EngineKind

	ops       []*Op
	byID      map[OpID]*Op
	nextOpID  OpID
	finalized bool

	producers     map[TensorID]Endpoint
	consumers     map[TensorID][]Endpoint
	tensors       map[TensorID]*LogicalTensor
	markedOutputs sets.Set[TensorID]
}

// New creates an empty graph to be executed on the given engine.
func New(engine EngineKind) *Graph {
	return &Graph{
		Engine:        engine,
		byID:          make(map[OpID]*Op),
		markedOutputs: sets.Make[TensorID](),
	}
}

// AddOp creates a new op with the next free id and appends it to the graph.
//
// It panics if the graph has already been finalized.
func (g *Graph) AddOp(kind OpKind, inputs, outputs []*LogicalTensor) *Op {
	op := &Op{ID: g.nextOpID, Kind: kind, Inputs: inputs, Outputs: outputs}
	if err := g.Append(op); err != nil {
		panic(err)
	}
	return op
}

// Append adds an op created by the caller. The op id must be unique within the graph.
func (g *Graph) Append(op *Op) error {
	if g.finalized {
		exceptions.Panicf("opgraph.Graph.Append(%s): graph already finalized", op)
	}
	if !op.Kind.IsValid() {
		return errors.Errorf("op %d has invalid kind %d", op.ID, op.Kind)
	}
	if _, found := g.byID[op.ID]; found {
		return errors.Errorf("duplicate op id %d", op.ID)
	}
	for _, t := range slices.Concat(op.Inputs, op.Outputs) {
		if t == nil {
			return errors.Errorf("op %s has a nil logical tensor", op)
		}
	}
	g.byID[op.ID] = op
	g.ops = append(g.ops, op)
	if op.ID >= g.nextOpID {
		g.nextOpID = op.ID + 1
	}
	return nil
}

// MarkOutputs marks the given tensors as outputs of the graph, meaning they are consumed outside of it.
//
// Tensors with no consumers are always considered outputs.
func (g *Graph) MarkOutputs(ids ...TensorID) {
	g.markedOutputs.Insert(ids...)
}

// Finalize indexes producers and consumers, checks every tensor has at most one producer and that the graph
// is acyclic, and sorts the ops in topological order.
//
// After Finalize the graph can no longer be changed.
func (g *Graph) Finalize() error {
	if g.finalized {
		return nil
	}
	g.producers = make(map[TensorID]Endpoint)
	g.consumers = make(map[TensorID][]Endpoint)
	g.tensors = make(map[TensorID]*LogicalTensor)
	for _, op := range g.ops {
		for port, t := range op.Outputs {
			if prev, found := g.producers[t.ID]; found {
				return errors.Errorf("logical tensor #%d produced by both %s and %s", t.ID, prev.Op, op)
			}
			g.producers[t.ID] = Endpoint{Op: op, Port: port}
			g.tensors[t.ID] = t
		}
	}
	for _, op := range g.ops {
		for port, t := range op.Inputs {
			g.consumers[t.ID] = append(g.consumers[t.ID], Endpoint{Op: op, Port: port})
			if _, found := g.tensors[t.ID]; !found {
				g.tensors[t.ID] = t
			}
		}
	}
	sorted, err := g.sortedOps()
	if err != nil {
		return err
	}
	g.ops = sorted
	for position, op := range g.ops {
		op.position = position
	}
	for _, list := range g.consumers {
		slices.SortStableFunc(list, func(a, b Endpoint) int {
			if a.Op.position != b.Op.position {
				return a.Op.position - b.Op.position
			}
			return a.Port - b.Port
		})
	}
	g.finalized = true
	return nil
}

// sortedOps returns a DAG sorting of the ops, so every op comes after the producers of its inputs.
// Ties are broken by insertion order, so the result is deterministic.
func (g *Graph) sortedOps() ([]*Op, error) {
	sorted := make([]*Op, 0, len(g.ops))

	// pending counts, per op, the inputs whose producers have not been sorted yet.
	pending := make(map[*Op]int, len(g.ops))
	var ready []*Op
	for _, op := range g.ops {
		count := 0
		for _, t := range op.Inputs {
			if _, found := g.producers[t.ID]; found {
				count++
			}
		}
		pending[op] = count
		if count == 0 {
			ready = append(ready, op)
		}
	}

	// Mark ops as done, releasing their consumers as their last producer is done.
	for len(ready) > 0 {
		op := ready[0]
		ready = ready[1:]
		sorted = append(sorted, op)
		for _, t := range op.Outputs {
			for _, consumer := range g.consumers[t.ID] {
				pending[consumer.Op]--
				if pending[consumer.Op] == 0 {
					ready = append(ready, consumer.Op)
				}
			}
		}
	}
	if len(sorted) != len(g.ops) {
		return nil, errors.Errorf("sorting operations graph failed: only %d out of %d ops are reachable from the inputs, the graph has a cycle",
			len(sorted), len(g.ops))
	}
	return sorted, nil
}

// mustBeFinalized panics if the graph was not finalized yet.
func (g *Graph) mustBeFinalized() {
	if !g.finalized {
		exceptions.Panicf("opgraph.Graph used before Finalize()")
	}
}

// IsFinalized returns whether Finalize was successfully called.
func (g *Graph) IsFinalized() bool {
	return g.finalized
}

// Ops returns the ops of the graph. After Finalize they are in topological order.
// The returned slice must not be modified.
func (g *Graph) Ops() []*Op {
	return g.ops
}

// NumOps returns the number of ops in the graph.
func (g *Graph) NumOps() int {
	return len(g.ops)
}

// Op returns the op with the given id, or nil if there is none.
func (g *Graph) Op(id OpID) *Op {
	return g.byID[id]
}

// Tensor returns the logical tensor with the given id, or nil if no op references it.
func (g *Graph) Tensor(id TensorID) *LogicalTensor {
	g.mustBeFinalized()
	return g.tensors[id]
}

// Producer returns the op and output index producing the tensor. It returns false for graph inputs.
func (g *Graph) Producer(id TensorID) (Endpoint, bool) {
	g.mustBeFinalized()
	e, found := g.producers[id]
	return e, found
}

// Consumers returns the ops and input indices consuming the tensor, in topological order.
// The returned slice must not be modified.
func (g *Graph) Consumers(id TensorID) []Endpoint {
	g.mustBeFinalized()
	return g.consumers[id]
}

// IsOutput returns whether the tensor leaves the graph: either it was marked with MarkOutputs, or no op consumes it.
func (g *Graph) IsOutput(id TensorID) bool {
	g.mustBeFinalized()
	return g.markedOutputs.Has(id) || len(g.consumers[id]) == 0
}
