package pattern

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/graphfusion/opgraph"
)

// Match is a successful binding of a pattern graph to a set of ops of a concrete graph.
type Match struct {
	Pattern *Graph
	Anchor  *opgraph.Op

	// Ops matched, in topological order.
	Ops []*opgraph.Op

	// Inputs are the tensors consumed by Ops but not produced by them, in order of first use.
	Inputs []*opgraph.LogicalTensor

	// Outputs are the tensors produced by Ops and either consumed by ops outside the match, or graph outputs.
	// In topological order of their producers.
	Outputs []*opgraph.LogicalTensor

	bound map[*Node][]*opgraph.Op
}

// Bound returns the ops bound to the pattern node. The node may belong to a nested body: repetitions bind
// their body nodes once per instance. It returns nil for absent optionals and for composite nodes themselves.
func (m *Match) Bound(n *Node) []*opgraph.Op {
	return m.bound[n]
}

// Contains returns whether op is part of the match.
func (m *Match) Contains(op *opgraph.Op) bool {
	return slices.Contains(m.Ops, op)
}

// MatchAt tries to bind the pattern p to the concrete graph g, with the pattern anchor bound to anchor.
// The graph must be finalized and the pattern validated.
//
// Among several possible bindings the first found is returned: optionals are tried present before absent,
// repetitions are tried longest first, and commutative inputs are tried in order before swapped.
//
// MatchAt is safe for concurrent use, the graph and pattern are only read.
func MatchAt(p *Graph, g *opgraph.Graph, anchor *opgraph.Op) (*Match, bool) {
	if !p.validated {
		exceptions.Panicf("pattern.MatchAt(): pattern graph %q used before Validate()", p.name)
	}
	start := p.nodes[0]
	if !start.accepts(anchor) {
		return nil, false
	}
	m := &matcher{g: g, pattern: p, anchor: anchor}
	plan := p.plans[start.id]
	f := newFrame(p)
	for _, swapped := range []bool{false, true} {
		if swapped && !start.commutesFor(anchor.Kind) {
			break
		}
		found := m.tryOp(f, start, anchor, swapped, acc{}, func(f *frame, a acc) bool {
			return m.walk(f, plan, 0, a, m.accept)
		})
		if found {
			return m.result, true
		}
	}
	return nil, false
}

type matcher struct {
	g       *opgraph.Graph
	pattern *Graph
	anchor  *opgraph.Op
	result  *Match
}

// boundOp is an op bound to a node, at any nesting level.
type boundOp struct {
	op   *opgraph.Op
	node *Node
}

// wire is a concrete op input that is accounted for by the pattern.
type wire struct {
	op    *opgraph.Op
	input int
}

// acc accumulates the ops bound so far, across all nesting levels, and the wires connecting them.
// It's never modified in place, so backtracking only needs to drop it.
type acc struct {
	ops   []boundOp
	wires []wire
}

func (a acc) has(op *opgraph.Op) bool {
	for _, b := range a.ops {
		if b.op == op {
			return true
		}
	}
	return false
}

func (a acc) withOp(b boundOp) acc {
	ops := make([]boundOp, len(a.ops), len(a.ops)+1)
	copy(ops, a.ops)
	return acc{ops: append(ops, b), wires: a.wires}
}

func (a acc) withWire(w wire) acc {
	wires := make([]wire, len(a.wires), len(a.wires)+1)
	copy(wires, a.wires)
	return acc{ops: a.ops, wires: append(wires, w)}
}

// binding of one node within a frame.
type binding struct {
	bound bool

	// op and swapped for op and alternation nodes.
	op      *opgraph.Op
	swapped bool

	// instances of the body of composite nodes, in dataflow order. If empty, the node is a passthrough of
	// tensor through at port 0.
	instances  []*frame
	through    opgraph.TensorID
	hasThrough bool
}

// frame holds the bindings of the nodes of one graph instance. It is copied on write.
type frame struct {
	g     *Graph
	nodes []binding
}

func newFrame(g *Graph) *frame {
	return &frame{g: g, nodes: make([]binding, len(g.nodes))}
}

func (f *frame) with(n *Node, b binding) *frame {
	nodes := slices.Clone(f.nodes)
	nodes[n.id] = b
	return &frame{g: f.g, nodes: nodes}
}

// skipped returns whether n is a composite node bound with zero instances.
func (f *frame) skipped(n *Node) bool {
	b := &f.nodes[n.id]
	return b.bound && b.op == nil && len(b.instances) == 0
}

// outTensor returns the tensor leaving output port of n, if known.
func (f *frame) outTensor(n *Node, port int) (opgraph.TensorID, bool) {
	b := &f.nodes[n.id]
	if !b.bound {
		return 0, false
	}
	if b.op != nil {
		if port >= len(b.op.Outputs) {
			return 0, false
		}
		return b.op.Outputs[port].ID, true
	}
	if len(b.instances) == 0 {
		return b.through, b.hasThrough && port == 0
	}
	ref, found := n.body.outPorts[port]
	if !found {
		return 0, false
	}
	return b.instances[len(b.instances)-1].outTensor(ref.node, ref.port)
}

// inTensor returns the tensor entering input port of n, if known.
func (f *frame) inTensor(n *Node, port int) (opgraph.TensorID, bool) {
	b := &f.nodes[n.id]
	if !b.bound {
		return 0, false
	}
	if b.op != nil {
		idx := n.concretePort(port, b.swapped)
		if idx >= len(b.op.Inputs) {
			return 0, false
		}
		return b.op.Inputs[idx].ID, true
	}
	if len(b.instances) == 0 {
		return b.through, b.hasThrough && port == 0
	}
	ref, found := n.body.inPorts[port]
	if !found {
		return 0, false
	}
	return b.instances[0].inTensor(ref.node, ref.port)
}

// inConsumer returns the concrete op input behind input port of n.
func (f *frame) inConsumer(n *Node, port int) (wire, bool) {
	b := &f.nodes[n.id]
	if !b.bound {
		return wire{}, false
	}
	if b.op != nil {
		idx := n.concretePort(port, b.swapped)
		if idx >= len(b.op.Inputs) {
			return wire{}, false
		}
		return wire{op: b.op, input: idx}, true
	}
	if len(b.instances) == 0 {
		return wire{}, false
	}
	ref, found := n.body.inPorts[port]
	if !found {
		return wire{}, false
	}
	return b.instances[0].inConsumer(ref.node, ref.port)
}

// cont continues the search with the bindings so far. It returns true once a full match is accepted.
type cont func(f *frame, a acc) bool

// walk binds the remaining steps of plan, starting at step i.
func (m *matcher) walk(f *frame, plan []step, i int, a acc, k cont) bool {
	if i == len(plan) {
		return k(f, a)
	}
	st := plan[i]
	var t opgraph.TensorID
	var ok bool
	if st.asConsumer {
		t, ok = f.outTensor(st.via, st.viaPort)
	} else {
		t, ok = f.inTensor(st.via, st.viaPort)
	}
	if !ok {
		return false
	}
	return m.bind(f, st.node, st.asConsumer, st.port, t, a, func(f *frame, a acc) bool {
		return m.walk(f, plan, i+1, a, k)
	})
}

// bind n to the concrete graph, such that it consumes t at input port (asConsumer) or produces t at output port.
func (m *matcher) bind(f *frame, n *Node, asConsumer bool, port int, t opgraph.TensorID, a acc, k cont) bool {
	if n.isComposite() {
		return m.bindComposite(f, n, asConsumer, port, t, a, k)
	}
	if asConsumer {
		for _, c := range m.g.Consumers(t) {
			swapped := false
			if c.Port != port {
				if !n.commutesFor(c.Op.Kind) || n.concretePort(port, true) != c.Port {
					continue
				}
				swapped = true
			}
			if m.tryOp(f, n, c.Op, swapped, a.withWire(wire{op: c.Op, input: c.Port}), k) {
				return true
			}
		}
		return false
	}
	producer, found := m.g.Producer(t)
	if !found || producer.Port != port {
		return false
	}
	if m.tryOp(f, n, producer.Op, false, a, k) {
		return true
	}
	return n.commutesFor(producer.Op.Kind) && m.tryOp(f, n, producer.Op, true, a, k)
}

// tryOp binds op to the op or alternation node n, checks the edges to already bound neighbors and continues.
func (m *matcher) tryOp(f *frame, n *Node, op *opgraph.Op, swapped bool, a acc, k cont) bool {
	if a.has(op) || !n.accepts(op) {
		return false
	}
	f = f.with(n, binding{bound: true, op: op, swapped: swapped})
	a = a.withOp(boundOp{op: op, node: n})
	a, ok := checkEdges(f, n, a)
	if !ok {
		return false
	}
	return k(f, a)
}

// checkEdges verifies the edges between n and its bound neighbors carry the same tensor on both sides.
func checkEdges(f *frame, n *Node, a acc) (acc, bool) {
	var ok bool
	for _, e := range n.inEdges {
		if !f.nodes[e.Producer.id].bound {
			continue
		}
		if a, ok = connect(f, e.Producer, e.ProducerPort, n, e.Port, a); !ok {
			return a, false
		}
	}
	for _, e := range n.outEdges {
		if !f.nodes[e.consumer.id].bound {
			continue
		}
		if a, ok = connect(f, n, e.port, e.consumer, e.consumerPort, a); !ok {
			return a, false
		}
	}
	return a, true
}

// connect checks the edge from output pPort of producer to input cPort of consumer, and records its wire.
func connect(f *frame, producer *Node, pPort int, consumer *Node, cPort int, a acc) (acc, bool) {
	tOut, okOut := f.outTensor(producer, pPort)
	tIn, okIn := f.inTensor(consumer, cPort)
	if !okOut || !okIn {
		// Only skipped optionals and repetitions leave ports without a tensor.
		return a, f.skipped(producer) || f.skipped(consumer)
	}
	if tOut != tIn {
		return a, false
	}
	if w, found := f.inConsumer(consumer, cPort); found {
		a = a.withWire(w)
	}
	return a, true
}

// bindComposite binds the optional or repetition node n, seeded by tensor t at the given port.
//
// Instances are chained greedily: a longer chain is tried first, and only if nothing downstream accepts it
// a shorter one is tried.
func (m *matcher) bindComposite(f *frame, n *Node, asConsumer bool, port int, t opgraph.TensorID, a acc, k cont) bool {
	finish := func(instances []*frame, a acc) bool {
		b := binding{bound: true, instances: instances}
		if len(instances) == 0 {
			if port != 0 {
				return false
			}
			b.through, b.hasThrough = t, true
		}
		f := f.with(n, b)
		a, ok := checkEdges(f, n, a)
		if !ok {
			return false
		}
		return k(f, a)
	}
	inRef, outRef := n.body.inPorts[0], n.body.outPorts[0]

	var extend func(instances []*frame, seedPort int, seed opgraph.TensorID, a acc) bool
	extend = func(instances []*frame, seedPort int, seed opgraph.TensorID, a acc) bool {
		if len(instances) < n.maxRep {
			found := m.matchBody(n.body, asConsumer, seedPort, seed, a, func(inst *frame, a acc) bool {
				var grown []*frame
				var next opgraph.TensorID
				var ok bool
				if asConsumer {
					grown = append(slices.Clone(instances), inst)
					next, ok = inst.outTensor(outRef.node, outRef.port)
				} else {
					if len(instances) > 0 {
						if w, found := instances[0].inConsumer(inRef.node, inRef.port); found {
							a = a.withWire(w)
						}
					}
					grown = append([]*frame{inst}, instances...)
					next, ok = inst.inTensor(inRef.node, inRef.port)
				}
				if !ok {
					return len(grown) >= n.minRep && finish(grown, a)
				}
				return extend(grown, 0, next, a)
			})
			if found {
				return true
			}
		}
		return len(instances) >= n.minRep && finish(instances, a)
	}
	return extend(nil, port, t, a)
}

// matchBody matches one instance of body, seeded by t at its input port (asConsumer) or output port.
func (m *matcher) matchBody(body *Graph, asConsumer bool, port int, t opgraph.TensorID, a acc, k cont) bool {
	ports := body.outPorts
	if asConsumer {
		ports = body.inPorts
	}
	ref, found := ports[port]
	if !found {
		return false
	}
	plan := body.plans[ref.node.id]
	return m.bind(newFrame(body), ref.node, asConsumer, ref.port, t, a, func(f *frame, a acc) bool {
		return m.walk(f, plan, 0, a, k)
	})
}

// accept runs the checks on the complete set of matched ops and, if they pass, builds the result.
func (m *matcher) accept(_ *frame, a acc) bool {
	inMatch := sets.Make[*opgraph.Op](len(a.ops))
	for _, b := range a.ops {
		inMatch.Insert(b.op)
	}
	wired := sets.Make[wire](len(a.wires))
	for _, w := range a.wires {
		wired.Insert(w)
	}
	for _, b := range a.ops {
		if !b.node.allowInternalInputs {
			for idx, t := range b.op.Inputs {
				producer, found := m.g.Producer(t.ID)
				if found && inMatch.Has(producer.Op) && !wired.Has(wire{op: b.op, input: idx}) {
					return false
				}
			}
		}
		if !b.node.allowExternalOutputs {
			for _, t := range b.op.Outputs {
				if m.hasExternalUses(t.ID, inMatch) {
					return false
				}
			}
		}
	}
	if !m.isConvex(inMatch) {
		return false
	}
	m.result = m.newMatch(inMatch, a)
	return true
}

// hasExternalUses returns whether t is consumed inside the match and also used outside of it.
func (m *matcher) hasExternalUses(t opgraph.TensorID, inMatch sets.Set[*opgraph.Op]) bool {
	consumers := m.g.Consumers(t)
	internal, external := false, false
	for _, c := range consumers {
		if inMatch.Has(c.Op) {
			internal = true
		} else {
			external = true
		}
	}
	if !internal {
		return false
	}
	return external || m.g.IsOutput(t)
}

// isConvex returns false if a path leaves the matched ops and comes back into them.
// Only ops before the last matched op (in topological order) can be on such a path.
func (m *matcher) isConvex(inMatch sets.Set[*opgraph.Op]) bool {
	maxPos := -1
	for op := range inMatch {
		maxPos = max(maxPos, op.Position())
	}
	visited := sets.Make[*opgraph.Op]()
	var stack []*opgraph.Op
	push := func(from *opgraph.Op) bool {
		for _, t := range from.Outputs {
			for _, c := range m.g.Consumers(t.ID) {
				if inMatch.Has(c.Op) {
					if !inMatch.Has(from) {
						return false
					}
					continue
				}
				if c.Op.Position() < maxPos && !visited.Has(c.Op) {
					visited.Insert(c.Op)
					stack = append(stack, c.Op)
				}
			}
		}
		return true
	}
	for op := range inMatch {
		push(op)
	}
	for len(stack) > 0 {
		op := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !push(op) {
			return false
		}
	}
	return true
}

// newMatch builds the result of an accepted match.
func (m *matcher) newMatch(inMatch sets.Set[*opgraph.Op], a acc) *Match {
	match := &Match{
		Pattern: m.pattern,
		Anchor:  m.anchor,
		bound:   make(map[*Node][]*opgraph.Op),
	}
	for _, b := range a.ops {
		match.Ops = append(match.Ops, b.op)
		match.bound[b.node] = append(match.bound[b.node], b.op)
	}
	slices.SortFunc(match.Ops, func(a, b *opgraph.Op) int { return a.Position() - b.Position() })
	for _, ops := range match.bound {
		slices.SortFunc(ops, func(a, b *opgraph.Op) int { return a.Position() - b.Position() })
	}

	seenInputs := sets.Make[opgraph.TensorID]()
	for _, op := range match.Ops {
		for _, t := range op.Inputs {
			if seenInputs.Has(t.ID) {
				continue
			}
			if producer, found := m.g.Producer(t.ID); found && inMatch.Has(producer.Op) {
				continue
			}
			seenInputs.Insert(t.ID)
			match.Inputs = append(match.Inputs, t)
		}
	}
	for _, op := range match.Ops {
		for _, t := range op.Outputs {
			if m.g.IsOutput(t.ID) || slices.ContainsFunc(m.g.Consumers(t.ID), func(c opgraph.Endpoint) bool {
				return !inMatch.Has(c.Op)
			}) {
				match.Outputs = append(match.Outputs, t)
			}
		}
	}
	return match
}
