package opgraph

import (
	"encoding/json"
	"os"
	"slices"

	"github.com/pkg/errors"
)

// jsonGraph mirrors the JSON graph dump format:
//
//	{"engine_kind": "cpu", "graph": [{"id": 0, "name": "mm", "kind": "MatMul",
//	  "attrs": {"transpose_b": {"type": "bool", "value": 1}},
//	  "inputs": [{"id": 1, "dtype": "f32", "shape": [4, 8], "property_type": "undef"}], "outputs": [...]}]}
type jsonGraph struct {
	EngineKind string   `json:"engine_kind"`
	Ops        []jsonOp `json:"graph"`
	Outputs    []int64  `json:"output_ports"`
}

type jsonOp struct {
	ID      int64               `json:"id"`
	Name    string              `json:"name"`
	Kind    string              `json:"kind"`
	Attrs   map[string]jsonAttr `json:"attrs"`
	Inputs  []jsonTensor        `json:"inputs"`
	Outputs []jsonTensor        `json:"outputs"`
}

type jsonAttr struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type jsonTensor struct {
	ID           int64   `json:"id"`
	DType        string  `json:"dtype"`
	Shape        []int64 `json:"shape"`
	PropertyType string  `json:"property_type"`
}

// Parse reads a graph from its JSON dump and finalizes it.
func Parse(contents []byte) (*Graph, error) {
	var dump jsonGraph
	if err := json.Unmarshal(contents, &dump); err != nil {
		return nil, errors.Wrap(err, "failed to parse graph JSON")
	}
	var engine EngineKind
	switch dump.EngineKind {
	case "cpu", "":
		engine = CPU
	case "gpu":
		engine = GPU
	default:
		return nil, errors.Errorf("unknown engine_kind %q", dump.EngineKind)
	}
	g := New(engine)
	for ii, jOp := range dump.Ops {
		op, err := jOp.toOp()
		if err != nil {
			return nil, errors.WithMessagef(err, "while parsing op #%d (%q)", ii, jOp.Name)
		}
		if err = g.Append(op); err != nil {
			return nil, errors.WithMessagef(err, "while adding op #%d (%q)", ii, jOp.Name)
		}
	}
	for _, id := range dump.Outputs {
		g.MarkOutputs(TensorID(id))
	}
	if err := g.Finalize(); err != nil {
		return nil, err
	}
	return g, nil
}

// ReadFile reads a graph JSON dump file, see Parse.
func ReadFile(filePath string) (*Graph, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read graph file in %s", filePath)
	}
	g, err := Parse(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "graph file %s", filePath)
	}
	return g, nil
}

func (jOp *jsonOp) toOp() (*Op, error) {
	kind, err := OpKindString(jOp.Kind)
	if err != nil {
		return nil, err
	}
	op := &Op{ID: OpID(jOp.ID), Name: jOp.Name, Kind: kind}
	for name, attr := range jOp.Attrs {
		value, err := attr.decode()
		if err != nil {
			return nil, errors.WithMessagef(err, "attribute %q", name)
		}
		op.SetAttr(name, value)
	}
	for _, jt := range jOp.Inputs {
		t, err := jt.toTensor()
		if err != nil {
			return nil, errors.WithMessagef(err, "input tensor #%d", jt.ID)
		}
		op.Inputs = append(op.Inputs, t)
	}
	for _, jt := range jOp.Outputs {
		t, err := jt.toTensor()
		if err != nil {
			return nil, errors.WithMessagef(err, "output tensor #%d", jt.ID)
		}
		op.Outputs = append(op.Outputs, t)
	}
	return op, nil
}

// decode converts the attribute to one of the Go types listed in Op.Attrs.
// Booleans are dumped as integers (0 or 1).
func (attr *jsonAttr) decode() (any, error) {
	var err error
	switch attr.Type {
	case "bool":
		var v int64
		if err = json.Unmarshal(attr.Value, &v); err == nil {
			return v != 0, nil
		}
	case "s64":
		var v int64
		if err = json.Unmarshal(attr.Value, &v); err == nil {
			return v, nil
		}
	case "s64[]":
		var v []int64
		if err = json.Unmarshal(attr.Value, &v); err == nil {
			return v, nil
		}
	case "f32":
		var v float32
		if err = json.Unmarshal(attr.Value, &v); err == nil {
			return v, nil
		}
	case "f32[]":
		var v []float32
		if err = json.Unmarshal(attr.Value, &v); err == nil {
			return v, nil
		}
	case "string":
		var v string
		if err = json.Unmarshal(attr.Value, &v); err == nil {
			return v, nil
		}
	default:
		return nil, errors.Errorf("unknown attribute type %q", attr.Type)
	}
	return nil, errors.Wrapf(err, "invalid value for attribute of type %q", attr.Type)
}

func (jt *jsonTensor) toTensor() (*LogicalTensor, error) {
	dtype, err := dtypeFromName(jt.DType)
	if err != nil {
		return nil, err
	}
	var t *LogicalTensor
	if jt.Shape == nil || slices.Contains(jt.Shape, -1) {
		t = NewUnshapedTensor(TensorID(jt.ID), dtype)
	} else {
		dims := make([]int, len(jt.Shape))
		for axis, dim := range jt.Shape {
			if dim < 0 {
				return nil, errors.Errorf("tensor #%d: invalid dimension %d for axis %d", jt.ID, dim, axis)
			}
			dims[axis] = int(dim)
		}
		t = NewTensor(TensorID(jt.ID), dtype, dims...)
	}
	switch jt.PropertyType {
	case "constant":
		t.Property = PropertyConstant
	case "variable":
		t.Property = PropertyVariable
	case "undef", "":
		t.Property = PropertyUndef
	default:
		return nil, errors.Errorf("unknown property_type %q", jt.PropertyType)
	}
	return t, nil
}
