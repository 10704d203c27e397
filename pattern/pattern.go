// Package pattern describes fusion patterns as small graphs of expected ops, and matches them against a concrete
// opgraph.Graph.
//
// A pattern Graph is built by appending nodes, each wired to the nodes producing its inputs:
//
//	g := pattern.NewGraph("matmul_div_add")
//	mm := g.AppendOp(opgraph.OpKindMatMul)
//	mm.AppendDecisionFunc(pattern.InputCount(2))
//	div := g.AppendOp(opgraph.OpKindDivide, pattern.In(0, mm, 0))
//	g.AppendOp(opgraph.OpKindAdd, pattern.In(0, div, 0))
//
// Besides single ops, a node can be an alternation among op kinds, or an optional or bounded repetition of a
// nested pattern graph (the "body"), which exposes input and output ports with CreateInputPort and CreateOutputPort.
//
// The first node appended is the anchor: matching starts by binding it to a candidate concrete op, see MatchAt.
//
// Wiring mistakes (nil producers, producers from another graph, negative or repeated ports) are programming
// errors and panic. Structural problems are reported by Validate, which must be called before matching.
package pattern

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphfusion/opgraph"
)

// MaxRepetition is the ceiling for the upper bound of a repetition node.
const MaxRepetition = 4

// NodeKind enumerates the variants of pattern nodes.
type NodeKind int

const (
	// NodeOp matches one op of a given kind (or any kind, for opgraph.OpKindWildcard).
	NodeOp NodeKind = iota

	// NodeAlternation matches one op whose kind is in a set of kinds.
	NodeAlternation

	// NodeOptional matches its body zero or one time.
	NodeOptional

	// NodeRepetition matches a chain of [min, max] instances of its body.
	NodeRepetition
)

// String implements fmt.Stringer.
func (k NodeKind) String() string {
	switch k {
	case NodeOp:
		return "Op"
	case NodeAlternation:
		return "Alternation"
	case NodeOptional:
		return "Optional"
	case NodeRepetition:
		return "Repetition"
	default:
		return fmt.Sprintf("NodeKind(%d)", int(k))
	}
}

// InEdge connects output ProducerPort of Producer to input Port of the node being appended.
type InEdge struct {
	Port         int
	Producer     *Node
	ProducerPort int
}

// In returns an InEdge: the node being appended takes at its input port the output producerPort of producer.
func In(port int, producer *Node, producerPort int) InEdge {
	return InEdge{Port: port, Producer: producer, ProducerPort: producerPort}
}

// outEdge is the reverse of an InEdge, indexed on the producer by Graph.Validate.
type outEdge struct {
	port         int
	consumer     *Node
	consumerPort int
}

// portRef points to an input or output port of a node.
type portRef struct {
	node *Node
	port int
}

// Node is one node of a pattern Graph. See NodeKind for the variants.
type Node struct {
	graph *Graph
	id    int
	kind  NodeKind

	// opKinds accepted by NodeOp (exactly one) and NodeAlternation nodes.
	opKinds    []opgraph.OpKind
	predicates []Predicate

	allowInternalInputs  bool
	allowExternalOutputs bool
	commutative          bool
	commutativePair      [2]int
	commutativeKinds     []opgraph.OpKind

	// body and bounds of NodeOptional and NodeRepetition nodes.
	body           *Graph
	minRep, maxRep int

	inEdges  []InEdge
	outEdges []outEdge
}

// ID returns the index of the node in its graph. The anchor has ID 0.
func (n *Node) ID() int { return n.id }

// Kind returns the variant of the node.
func (n *Node) Kind() NodeKind { return n.kind }

// Graph returns the pattern graph owning the node.
func (n *Node) Graph() *Graph { return n.graph }

// Body returns the nested graph of optional and repetition nodes, nil for the others.
func (n *Node) Body() *Graph { return n.body }

// String implements fmt.Stringer.
func (n *Node) String() string {
	switch n.kind {
	case NodeOp:
		return fmt.Sprintf("%s#%d", n.opKinds[0], n.id)
	case NodeAlternation:
		names := make([]string, len(n.opKinds))
		for ii, kind := range n.opKinds {
			names[ii] = kind.String()
		}
		return fmt.Sprintf("{%s}#%d", strings.Join(names, "|"), n.id)
	case NodeOptional:
		return fmt.Sprintf("Optional[%s]#%d", n.body.name, n.id)
	default:
		return fmt.Sprintf("Repetition[%s]{%d,%d}#%d", n.body.name, n.minRep, n.maxRep, n.id)
	}
}

func (n *Node) isComposite() bool {
	return n.kind == NodeOptional || n.kind == NodeRepetition
}

// mustBeMutableOp panics if the node cannot take op options.
func (n *Node) mustBeMutableOp(method string) {
	if n.graph.validated {
		exceptions.Panicf("pattern.Node.%s(): graph %q is already validated", method, n.graph.name)
	}
	if n.isComposite() {
		exceptions.Panicf("pattern.Node.%s(): not supported by %s nodes", method, n.kind)
	}
}

// AppendDecisionFunc adds a predicate the matched op must satisfy. Predicates of a node are AND-ed.
// It returns the node itself, so calls can be chained.
func (n *Node) AppendDecisionFunc(p Predicate) *Node {
	n.mustBeMutableOp("AppendDecisionFunc")
	if p == nil {
		exceptions.Panicf("pattern.Node.AppendDecisionFunc(): nil predicate for %s", n)
	}
	n.predicates = append(n.predicates, p)
	return n
}

// AllowInternalInputs lets the matched op take inputs produced by other matched ops without a pattern edge
// declaring it. By default such undeclared internal dataflow rejects the match.
//
// Inputs coming from outside the match are always allowed: they become boundary inputs.
func (n *Node) AllowInternalInputs() *Node {
	n.mustBeMutableOp("AllowInternalInputs")
	n.allowInternalInputs = true
	return n
}

// AllowExternalOutputs lets outputs of the matched op be consumed both inside and outside the match.
// By default a tensor consumed inside the match must not be used anywhere else, nor be a graph output.
func (n *Node) AllowExternalOutputs() *Node {
	n.mustBeMutableOp("AllowExternalOutputs")
	n.allowExternalOutputs = true
	return n
}

// SetCommutativePair declares that input ports a and b of the op are interchangeable, so a pattern edge into
// port a may be matched by a concrete edge into port b (and vice versa).
//
// If kinds are given, only ops of those kinds are matched swapped. This is used by alternations mixing
// commutative ops (e.g. Add) with non-commutative ones (e.g. Subtract).
func (n *Node) SetCommutativePair(a, b int, kinds ...opgraph.OpKind) *Node {
	n.mustBeMutableOp("SetCommutativePair")
	if a < 0 || b < 0 || a == b {
		exceptions.Panicf("pattern.Node.SetCommutativePair(%d, %d): invalid ports for %s", a, b, n)
	}
	n.commutative = true
	n.commutativePair = [2]int{a, b}
	n.commutativeKinds = slices.Clone(kinds)
	return n
}

// commutesFor returns whether an op of the given kind bound to n may be matched with its commutative pair swapped.
func (n *Node) commutesFor(kind opgraph.OpKind) bool {
	return n.commutative && (len(n.commutativeKinds) == 0 || slices.Contains(n.commutativeKinds, kind))
}

// concretePort maps a pattern input port to the input index of the concrete op, given whether the commutative
// pair was matched swapped.
func (n *Node) concretePort(port int, swapped bool) int {
	if swapped {
		switch port {
		case n.commutativePair[0]:
			return n.commutativePair[1]
		case n.commutativePair[1]:
			return n.commutativePair[0]
		}
	}
	return port
}

// acceptsKind returns whether an op of the given kind can be bound to the node.
func (n *Node) acceptsKind(kind opgraph.OpKind) bool {
	for _, k := range n.opKinds {
		if k == kind || k == opgraph.OpKindWildcard {
			return true
		}
	}
	return false
}

// accepts returns whether op can be bound to the node: kind and all predicates.
func (n *Node) accepts(op *opgraph.Op) bool {
	if !n.acceptsKind(op.Kind) {
		return false
	}
	for _, p := range n.predicates {
		if !p(op) {
			return false
		}
	}
	return true
}

// Graph is a pattern description graph. Create it with NewGraph.
type Graph struct {
	name     string
	nodes    []*Node
	inPorts  map[int]portRef
	outPorts map[int]portRef

	validated bool

	// plans holds, per start node id, the order in which the other nodes are bound.
	plans map[int][]step
}

// NewGraph creates an empty pattern graph. The name is only used for debugging and error messages.
func NewGraph(name string) *Graph {
	return &Graph{
		name:     name,
		inPorts:  make(map[int]portRef),
		outPorts: make(map[int]portRef),
	}
}

// Name of the pattern graph.
func (g *Graph) Name() string { return g.name }

// Nodes returns the nodes in the order they were appended. The returned slice must not be modified.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Anchor returns the first appended node, or nil if the graph is empty.
func (g *Graph) Anchor() *Node {
	if len(g.nodes) == 0 {
		return nil
	}
	return g.nodes[0]
}

// IsValidated returns whether Validate succeeded on the graph.
func (g *Graph) IsValidated() bool { return g.validated }

// append creates the node and checks its in-edges.
func (g *Graph) append(method string, kind NodeKind, inEdges []InEdge) *Node {
	if g.validated {
		exceptions.Panicf("pattern.Graph.%s(): graph %q is already validated", method, g.name)
	}
	usedPorts := make(map[int]bool, len(inEdges))
	for _, e := range inEdges {
		if e.Producer == nil {
			exceptions.Panicf("pattern.Graph.%s(): nil producer for input port %d in graph %q", method, e.Port, g.name)
		}
		if e.Producer.graph != g {
			exceptions.Panicf("pattern.Graph.%s(): producer %s belongs to graph %q, not %q",
				method, e.Producer, e.Producer.graph.name, g.name)
		}
		if e.Port < 0 || e.ProducerPort < 0 {
			exceptions.Panicf("pattern.Graph.%s(): negative port in edge from %s in graph %q", method, e.Producer, g.name)
		}
		if usedPorts[e.Port] {
			exceptions.Panicf("pattern.Graph.%s(): input port %d wired twice in graph %q", method, e.Port, g.name)
		}
		usedPorts[e.Port] = true
	}
	n := &Node{graph: g, id: len(g.nodes), kind: kind, inEdges: append([]InEdge(nil), inEdges...)}
	g.nodes = append(g.nodes, n)
	return n
}

// AppendOp appends a node matching one op of the given kind. Use opgraph.OpKindWildcard to match any op.
func (g *Graph) AppendOp(kind opgraph.OpKind, inEdges ...InEdge) *Node {
	if !kind.IsValid() {
		exceptions.Panicf("pattern.Graph.AppendOp(): invalid op kind %d in graph %q", int(kind), g.name)
	}
	n := g.append("AppendOp", NodeOp, inEdges)
	n.opKinds = []opgraph.OpKind{kind}
	return n
}

// AppendAlternation appends a node matching one op whose kind is any of kinds.
func (g *Graph) AppendAlternation(kinds []opgraph.OpKind, inEdges ...InEdge) *Node {
	for _, kind := range kinds {
		if !kind.IsValid() {
			exceptions.Panicf("pattern.Graph.AppendAlternation(): invalid op kind %d in graph %q", int(kind), g.name)
		}
	}
	n := g.append("AppendAlternation", NodeAlternation, inEdges)
	n.opKinds = append([]opgraph.OpKind(nil), kinds...)
	return n
}

// AppendOptional appends a node matching body zero or one time.
//
// When absent, the node is a passthrough: the tensor wired into its input port 0 is the one leaving its
// output port 0.
func (g *Graph) AppendOptional(body *Graph, inEdges ...InEdge) *Node {
	n := g.appendComposite("AppendOptional", NodeOptional, body, inEdges)
	n.minRep, n.maxRep = 0, 1
	return n
}

// AppendRepetition appends a node matching a chain of minRep to maxRep (inclusive) instances of body: the output
// port 0 of each instance feeds the input port 0 of the next one.
//
// As many instances as possible are matched, within the bounds. With zero instances the node is a
// passthrough, like an absent optional.
func (g *Graph) AppendRepetition(body *Graph, minRep, maxRep int, inEdges ...InEdge) *Node {
	n := g.appendComposite("AppendRepetition", NodeRepetition, body, inEdges)
	n.minRep, n.maxRep = minRep, maxRep
	return n
}

func (g *Graph) appendComposite(method string, kind NodeKind, body *Graph, inEdges []InEdge) *Node {
	if body == nil {
		exceptions.Panicf("pattern.Graph.%s(): nil body in graph %q", method, g.name)
	}
	n := g.append(method, kind, inEdges)
	n.body = body
	return n
}

// CreateInputPort exposes input nodePort of node as the input port of the graph, for graphs used as the body of
// optional or repetition nodes.
func (g *Graph) CreateInputPort(port int, node *Node, nodePort int) {
	g.createPort("CreateInputPort", g.inPorts, port, node, nodePort)
}

// CreateOutputPort exposes output nodePort of node as the output port of the graph, for graphs used as the body
// of optional or repetition nodes.
func (g *Graph) CreateOutputPort(port int, node *Node, nodePort int) {
	g.createPort("CreateOutputPort", g.outPorts, port, node, nodePort)
}

func (g *Graph) createPort(method string, ports map[int]portRef, port int, node *Node, nodePort int) {
	if g.validated {
		exceptions.Panicf("pattern.Graph.%s(): graph %q is already validated", method, g.name)
	}
	if node == nil || node.graph != g {
		exceptions.Panicf("pattern.Graph.%s(%d): node doesn't belong to graph %q", method, port, g.name)
	}
	if port < 0 || nodePort < 0 {
		exceptions.Panicf("pattern.Graph.%s(%d, %s, %d): negative port in graph %q", method, port, node, nodePort, g.name)
	}
	if _, found := ports[port]; found {
		exceptions.Panicf("pattern.Graph.%s(): port %d created twice in graph %q", method, port, g.name)
	}
	ports[port] = portRef{node: node, port: nodePort}
}
