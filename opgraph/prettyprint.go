package opgraph

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
)

// String implements fmt.Stringer, and pretty prints the graph: a summary followed by one line per op.
func (g *Graph) String() string {
	var buf bytes.Buffer
	// w writes formatted text to the buffer.
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("Graph (%s):\n", g.Engine)
	w("\t# ops:\t%d\n", len(g.ops))
	kindsSet := sets.Make[string]()
	for _, op := range g.ops {
		kindsSet.Insert(op.Kind.String())
	}
	w("\tOp kinds:\t%v\n", slices.Sorted(maps.Keys(kindsSet)))
	if !g.finalized {
		w("\t(not finalized)\n")
	}
	for _, op := range g.ops {
		w("\t%s\n", op)
	}
	if g.finalized {
		var outputs []TensorID
		for id := range g.tensors {
			if g.IsOutput(id) {
				outputs = append(outputs, id)
			}
		}
		slices.Sort(outputs)
		w("\tOutputs:\t%v\n", outputs)
	}
	return buf.String()
}
