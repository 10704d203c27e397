package opgraph

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const int8MatMulJSON = `{
  "engine_kind": "cpu",
  "graph": [
    {"id": 0, "name": "dequant_data", "kind": "Dequantize",
     "attrs": {"qtype": {"type": "string", "value": "per_tensor"}, "scales": {"type": "f32[]", "value": [0.5]},
               "zps": {"type": "s64[]", "value": [0]}},
     "inputs": [{"id": 0, "dtype": "u8", "shape": [4, 8], "property_type": "variable"}],
     "outputs": [{"id": 1, "dtype": "f32", "shape": [4, 8], "property_type": "undef"}]},
    {"id": 1, "name": "dequant_weight", "kind": "Dequantize",
     "inputs": [{"id": 2, "dtype": "s8", "shape": [8, 16], "property_type": "constant"}],
     "outputs": [{"id": 3, "dtype": "f32", "shape": [8, 16]}]},
    {"id": 2, "name": "matmul", "kind": "MatMul",
     "attrs": {"transpose_b": {"type": "bool", "value": 0}},
     "inputs": [{"id": 1, "dtype": "f32", "shape": [4, 8]}, {"id": 3, "dtype": "f32", "shape": [8, 16]}],
     "outputs": [{"id": 4, "dtype": "f32", "shape": [-1, 16]}]}
  ],
  "output_ports": [4]
}`

func TestParse(t *testing.T) {
	g, err := Parse([]byte(int8MatMulJSON))
	require.NoError(t, err)
	require.True(t, g.IsFinalized())
	assert.Equal(t, CPU, g.Engine)
	require.Equal(t, 3, g.NumOps())

	dq := g.Op(0)
	require.NotNil(t, dq)
	assert.Equal(t, OpKindDequantize, dq.Kind)
	qtype, ok := dq.AttrString("qtype")
	assert.True(t, ok)
	assert.Equal(t, "per_tensor", qtype)
	scales, ok := dq.AttrFloats("scales")
	assert.True(t, ok)
	assert.Equal(t, []float32{0.5}, scales)
	assert.Equal(t, dtypes.Uint8, dq.Inputs[0].DType())

	weight := g.Op(1).Inputs[0]
	assert.True(t, weight.IsConstant())
	assert.Equal(t, dtypes.Int8, weight.DType())
	assert.Equal(t, []int{8, 16}, weight.Shape.Dimensions)

	mm := g.Op(2)
	transposeB, ok := mm.AttrBool("transpose_b")
	assert.True(t, ok)
	assert.False(t, transposeB)
	assert.True(t, mm.Outputs[0].UnknownShape, "-1 dimension means the shape is not known")
	assert.True(t, g.IsOutput(4))

	producer, found := g.Producer(3)
	require.True(t, found)
	assert.Equal(t, OpID(1), producer.Op.ID)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte(`{"graph": [`))
	require.Error(t, err)

	_, err = Parse([]byte(`{"engine_kind": "tpu", "graph": []}`))
	require.ErrorContains(t, err, "engine_kind")

	_, err = Parse([]byte(`{"graph": [{"id": 0, "kind": "Frobnicate"}]}`))
	require.ErrorContains(t, err, "Frobnicate")

	_, err = Parse([]byte(`{"graph": [{"id": 0, "kind": "ReLU",
		"inputs": [{"id": 0, "dtype": "f8"}], "outputs": [{"id": 1, "dtype": "f32"}]}]}`))
	require.ErrorContains(t, err, "f8")

	_, err = Parse([]byte(`{"graph": [{"id": 0, "kind": "ReLU", "attrs": {"alpha": {"type": "f32", "value": "x"}}}]}`))
	require.ErrorContains(t, err, "alpha")

	require.NotPanics(t, func() {
		_, err = Parse([]byte(`{"graph": [{"id": 0, "kind": "ReLU",
			"inputs": [{"id": 0, "dtype": "f32", "shape": [-2, 4]}], "outputs": [{"id": 1, "dtype": "f32"}]}]}`))
	})
	require.ErrorContains(t, err, "invalid dimension -2")
}

func TestReadFile(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "graph.json")
	must.M(os.WriteFile(filePath, []byte(int8MatMulJSON), 0o644))
	g := must.M1(ReadFile(filePath))
	assert.Equal(t, 3, g.NumOps())

	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
