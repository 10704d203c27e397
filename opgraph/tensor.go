package opgraph

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// TensorID uniquely identifies a logical tensor within a Graph.
type TensorID int64

// PropertyType tells whether the contents of a logical tensor may change between executions.
type PropertyType int

const (
	PropertyUndef PropertyType = iota
	PropertyVariable
	PropertyConstant
)

// String implements fmt.Stringer.
func (p PropertyType) String() string {
	switch p {
	case PropertyVariable:
		return "variable"
	case PropertyConstant:
		return "constant"
	default:
		return "undef"
	}
}

// LogicalTensor describes a tensor flowing between ops: its id, element type and, if known, its shape.
//
// Edges of the Graph are implicit: an op output and an op input sharing the same ID are connected.
type LogicalTensor struct {
	ID TensorID

	// Shape holds the element data type and, unless UnknownShape is set, the dimensions.
	Shape shapes.Shape

	// UnknownShape is set when only the data type is known.
	UnknownShape bool

	Property PropertyType
}

// NewTensor returns a logical tensor with a known shape.
func NewTensor(id TensorID, dtype dtypes.DType, dimensions ...int) *LogicalTensor {
	return &LogicalTensor{ID: id, Shape: shapes.Make(dtype, dimensions...)}
}

// NewUnshapedTensor returns a logical tensor whose shape is not known.
func NewUnshapedTensor(id TensorID, dtype dtypes.DType) *LogicalTensor {
	return &LogicalTensor{ID: id, Shape: shapes.Make(dtype), UnknownShape: true}
}

// AsConstant marks the tensor as holding a compile-time constant (e.g. weights), and returns it.
func (t *LogicalTensor) AsConstant() *LogicalTensor {
	t.Property = PropertyConstant
	return t
}

// DType returns the element data type of the tensor.
func (t *LogicalTensor) DType() dtypes.DType {
	return t.Shape.DType
}

// IsConstant returns whether the tensor is known to be a compile-time constant.
func (t *LogicalTensor) IsConstant() bool {
	return t.Property == PropertyConstant
}

// String implements fmt.Stringer.
func (t *LogicalTensor) String() string {
	if t == nil {
		return "<nil>"
	}
	shape := t.Shape.String()
	if t.UnknownShape {
		shape = fmt.Sprintf("(%s)[?]", t.Shape.DType)
	}
	if t.Property == PropertyConstant {
		return fmt.Sprintf("#%d:%s:const", t.ID, shape)
	}
	return fmt.Sprintf("#%d:%s", t.ID, shape)
}
