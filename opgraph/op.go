package opgraph

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// OpID uniquely identifies an op within a Graph.
type OpID int64

// Op is one node of the concrete operation graph.
type Op struct {
	ID   OpID
	Name string
	Kind OpKind

	// Attrs maps attribute names to values. Values are one of: int64, float32, string, bool, []int64, []float32.
	Attrs map[string]any

	Inputs  []*LogicalTensor
	Outputs []*LogicalTensor

	// position in the topological order of the graph, set by Graph.Finalize.
	position int
}

// SetAttr sets an attribute and returns the op, so calls can be chained.
// Plain int values are stored as int64 and float64 as float32.
func (op *Op) SetAttr(name string, value any) *Op {
	if op.Attrs == nil {
		op.Attrs = make(map[string]any)
	}
	switch v := value.(type) {
	case int:
		value = int64(v)
	case float64:
		value = float32(v)
	case []int:
		ints := make([]int64, len(v))
		for ii, x := range v {
			ints[ii] = int64(x)
		}
		value = ints
	}
	op.Attrs[name] = value
	return op
}

// AttrInt returns the integer attribute name, and whether it was set with that type.
func (op *Op) AttrInt(name string) (int64, bool) {
	v, ok := op.Attrs[name].(int64)
	return v, ok
}

// AttrFloat returns the float attribute name, and whether it was set with that type.
func (op *Op) AttrFloat(name string) (float32, bool) {
	v, ok := op.Attrs[name].(float32)
	return v, ok
}

// AttrString returns the string attribute name, and whether it was set with that type.
func (op *Op) AttrString(name string) (string, bool) {
	v, ok := op.Attrs[name].(string)
	return v, ok
}

// AttrBool returns the boolean attribute name, and whether it was set with that type.
func (op *Op) AttrBool(name string) (bool, bool) {
	v, ok := op.Attrs[name].(bool)
	return v, ok
}

// AttrInts returns the integer list attribute name, and whether it was set with that type.
func (op *Op) AttrInts(name string) ([]int64, bool) {
	v, ok := op.Attrs[name].([]int64)
	return v, ok
}

// AttrFloats returns the float list attribute name, and whether it was set with that type.
func (op *Op) AttrFloats(name string) ([]float32, bool) {
	v, ok := op.Attrs[name].([]float32)
	return v, ok
}

// Position returns the index of the op in the topological order of its (finalized) graph.
func (op *Op) Position() int {
	return op.position
}

// String implements fmt.Stringer.
func (op *Op) String() string {
	var sb strings.Builder
	if op.Name != "" {
		fmt.Fprintf(&sb, "%s[%d:%s](", op.Kind, op.ID, op.Name)
	} else {
		fmt.Fprintf(&sb, "%s[%d](", op.Kind, op.ID)
	}
	for ii, t := range op.Inputs {
		if ii > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "#%d", t.ID)
	}
	sb.WriteString(") -> (")
	for ii, t := range op.Outputs {
		if ii > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "#%d", t.ID)
	}
	sb.WriteString(")")
	if len(op.Attrs) > 0 {
		sb.WriteString(" {")
		for ii, name := range slices.Sorted(maps.Keys(op.Attrs)) {
			if ii > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", name, op.Attrs[name])
		}
		sb.WriteString("}")
	}
	return sb.String()
}
