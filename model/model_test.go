package model

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/go-openvino/blob"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildAddRelu(t *testing.T) (*Builder, *Model) {
	t.Helper()
	b := NewBuilder("add_relu")
	x := b.Parameter("x", shapes.Make(Float32, 4))
	c := b.ConstantFloat32([]float32{10, 10, 10, 10}, 4)
	y := b.Relu(b.Add(x, c))
	r := b.Result(y)
	require.NoError(t, b.Err())
	m, err := NewModel("add_relu", []*Node{r}, []*Node{x.Node()})
	require.NoError(t, err)
	return b, m
}

func TestNewModel(t *testing.T) {
	_, m := buildAddRelu(t)
	var types []string
	for _, n := range m.Nodes() {
		types = append(types, n.Type())
	}
	assert.Equal(t, []string{OpParameter, OpConstant, OpAdd, OpRelu, OpResult}, types)
	assert.Len(t, m.Parameters(), 1)
	assert.Len(t, m.Results(), 1)
}

func TestNewModelUnlistedParameter(t *testing.T) {
	b := NewBuilder("main")
	x := b.Parameter("x", shapes.Make(Float32, 4))
	y := b.Parameter("y", shapes.Make(Float32, 4))
	r := b.Result(b.Add(x, y))
	require.NoError(t, b.Err())

	_, err := NewModel("main", []*Node{r}, []*Node{x.Node()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"y"`)

	_, err = NewModel("main", []*Node{r}, []*Node{x.Node(), x.Node()})
	require.Error(t, err)

	_, err = NewModel("main", []*Node{x.Node()}, []*Node{x.Node(), y.Node()})
	require.Error(t, err)
}

func TestSaveIR(t *testing.T) {
	_, m := buildAddRelu(t)
	dir := t.TempDir()
	xmlPath := filepath.Join(dir, "model.xml")
	binPath := filepath.Join(dir, "model.bin")
	require.NoError(t, SaveIR(m, xmlPath, binPath))

	raw, err := os.ReadFile(xmlPath)
	require.NoError(t, err)
	var net XMLNet
	require.NoError(t, xml.Unmarshal(raw, &net))
	assert.Equal(t, "add_relu", net.Name)
	assert.Equal(t, IRVersion, net.Version)
	require.Len(t, net.Layers, 5)
	assert.Equal(t, OpConstant, net.Layers[1].Type)
	// Parameter->Add, Const->Add, Add->Relu, Relu->Result.
	assert.Len(t, net.Edges, 4)
	assert.Equal(t, XMLEdge{FromLayer: 2, FromPort: 2, ToLayer: 3, ToPort: 0}, net.Edges[2])

	elementType, ok := net.Layers[0].Data.Get("element_type")
	require.True(t, ok)
	assert.Equal(t, "f32", elementType)
	assert.Equal(t, []int{4}, net.Layers[0].Outputs[0].Dims)

	size, ok := net.Layers[1].Data.Get("size")
	require.True(t, ok)
	assert.Equal(t, "16", size)

	f, err := os.Open(binPath)
	require.NoError(t, err)
	defer f.Close()
	payload, err := blob.Read(f, blob.Entry{Offset: 0, Size: 16})
	require.NoError(t, err)
	assert.Equal(t, m.Nodes()[1].Data(), payload)
}

func TestSaveIRWithoutWeights(t *testing.T) {
	_, m := buildAddRelu(t)
	dir := t.TempDir()
	xmlPath := filepath.Join(dir, "model.xml")
	require.NoError(t, SaveIR(m, xmlPath, ""))
	_, err := os.Stat(xmlPath)
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
