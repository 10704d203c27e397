package pattern

import (
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// step binds node from an already bound neighbor, via.
//
// If asConsumer, node consumes at input port the output viaPort of via.
// Otherwise, node produces at output port the tensor consumed by via at input viaPort.
type step struct {
	node       *Node
	via        *Node
	asConsumer bool
	port       int
	viaPort    int
}

// Validate checks the structure of the pattern graph, including nested bodies, and prepares it for matching.
// After it succeeds the graph (and its bodies) can no longer be modified.
//
// It checks that:
//
//   - The graph is not empty, and its anchor (first node) is an op or an alternation.
//   - Alternations list at least one op kind.
//   - Repetition bounds satisfy 0 <= min <= max <= MaxRepetition, with max >= 1.
//   - Bodies expose input port 0 and output port 0, and edges into (out of) composite nodes use ports their
//     bodies expose.
//   - Bodies are not recursive.
//   - All nodes are connected.
//
// It's safe to call Validate more than once.
func (g *Graph) Validate() error {
	if len(g.nodes) == 0 {
		return errors.Errorf("pattern graph %q is empty", g.name)
	}
	if g.nodes[0].isComposite() {
		return errors.Errorf("pattern graph %q: anchor %s must be an op or an alternation", g.name, g.nodes[0])
	}
	return g.validate(sets.Make[*Graph]())
}

func (g *Graph) validate(visiting sets.Set[*Graph]) error {
	if g.validated {
		return nil
	}
	if visiting.Has(g) {
		return errors.Errorf("pattern graph %q is used recursively as its own body", g.name)
	}
	visiting.Insert(g)
	defer delete(visiting, g)

	if len(g.nodes) == 0 {
		return errors.Errorf("pattern graph %q is empty", g.name)
	}
	for _, n := range g.nodes {
		switch n.kind {
		case NodeAlternation:
			if len(n.opKinds) == 0 {
				return errors.Errorf("pattern graph %q: alternation #%d has no op kinds", g.name, n.id)
			}
		case NodeOptional, NodeRepetition:
			if n.minRep < 0 || n.maxRep < n.minRep || n.maxRep < 1 || n.maxRep > MaxRepetition {
				return errors.Errorf("pattern graph %q: invalid repetition bounds [%d, %d] for %s (max allowed is %d)",
					g.name, n.minRep, n.maxRep, n, MaxRepetition)
			}
			if err := n.body.validate(visiting); err != nil {
				return errors.WithMessagef(err, "pattern graph %q: body of %s", g.name, n)
			}
			if _, found := n.body.inPorts[0]; !found {
				return errors.Errorf("pattern graph %q: body of %s has no input port 0", g.name, n)
			}
			if _, found := n.body.outPorts[0]; !found {
				return errors.Errorf("pattern graph %q: body of %s has no output port 0", g.name, n)
			}
		}
		for _, e := range n.inEdges {
			if n.isComposite() {
				if _, found := n.body.inPorts[e.Port]; !found {
					return errors.Errorf("pattern graph %q: %s wired at input port %d, not exposed by its body",
						g.name, n, e.Port)
				}
			}
			if e.Producer.isComposite() {
				if _, found := e.Producer.body.outPorts[e.ProducerPort]; !found {
					return errors.Errorf("pattern graph %q: %s wired from output port %d of %s, not exposed by its body",
						g.name, n, e.ProducerPort, e.Producer)
				}
			}
		}
	}

	// Index the reverse edges.
	for _, n := range g.nodes {
		n.outEdges = nil
	}
	for _, n := range g.nodes {
		for _, e := range n.inEdges {
			e.Producer.outEdges = append(e.Producer.outEdges,
				outEdge{port: e.ProducerPort, consumer: n, consumerPort: e.Port})
		}
	}

	// Plans from the anchor and from every port: all must reach every node.
	plans := make(map[int][]step)
	starts := []*Node{g.nodes[0]}
	for _, ref := range g.inPorts {
		starts = append(starts, ref.node)
	}
	for _, ref := range g.outPorts {
		starts = append(starts, ref.node)
	}
	for _, start := range starts {
		if _, found := plans[start.id]; found {
			continue
		}
		plan := g.planFrom(start)
		if len(plan) != len(g.nodes)-1 {
			return errors.Errorf("pattern graph %q is not connected: only %d of %d nodes reachable from %s",
				g.name, len(plan)+1, len(g.nodes), start)
		}
		plans[start.id] = plan
	}
	g.plans = plans
	g.validated = true
	return nil
}

// planFrom returns the breadth-first order in which nodes are bound when matching starts at start, following
// edges in both directions.
func (g *Graph) planFrom(start *Node) []step {
	visited := make([]bool, len(g.nodes))
	visited[start.id] = true
	queue := []*Node{start}
	var plan []step
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, e := range n.outEdges {
			if !visited[e.consumer.id] {
				visited[e.consumer.id] = true
				queue = append(queue, e.consumer)
				plan = append(plan, step{node: e.consumer, via: n, asConsumer: true, port: e.consumerPort, viaPort: e.port})
			}
		}
		for _, e := range n.inEdges {
			if !visited[e.Producer.id] {
				visited[e.Producer.id] = true
				queue = append(queue, e.Producer)
				plan = append(plan, step{node: e.Producer, via: n, asConsumer: false, port: e.ProducerPort, viaPort: e.Port})
			}
		}
	}
	return plan
}
