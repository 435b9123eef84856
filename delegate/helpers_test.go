package delegate

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/go-openvino/host"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/require"
)

func f32Bytes(values ...float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func i32Bytes(values ...int32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
	}
	return buf
}

func readF32(buf []byte) []float32 {
	values := make([]float32, len(buf)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return values
}

// variable adds a runtime Float32 tensor.
func variable(g *host.Graph, dims ...int) int {
	return g.AddTensor(&host.Tensor{Type: dtypes.Float32, Dims: dims, Allocation: host.AllocArenaRW})
}

// constant adds a read-only Float32 tensor.
func constant(g *host.Graph, values []float32, dims ...int) int {
	return g.AddTensor(&host.Tensor{Type: dtypes.Float32, Dims: dims, Allocation: host.AllocMmapRO, Data: f32Bytes(values...)})
}

// intConstant adds a read-only Int32 tensor, as used for axes and shapes.
func intConstant(g *host.Graph, values []int32, dims ...int) int {
	return g.AddTensor(&host.Tensor{Type: dtypes.Int32, Dims: dims, Allocation: host.AllocMmapRO, Data: i32Bytes(values...)})
}

func quantized(g *host.Graph, dtype dtypes.DType, scale float32, zeroPoint int64, dims ...int) int {
	return g.AddTensor(&host.Tensor{
		Type:       dtype,
		Dims:       dims,
		Allocation: host.AllocArenaRW,
		Quantization: host.Quantization{
			Type:   host.AffineQuantization,
			Affine: &host.Affine{Scale: []float32{scale}, ZeroPoint: []int64{zeroPoint}},
		},
	})
}

func addNode(t *testing.T, g *host.Graph, op host.BuiltinOperator, inputs, outputs []int, data any) int {
	t.Helper()
	n, err := g.AddNode(op, inputs, outputs, data)
	require.NoError(t, err)
	return n
}

// addGraph builds y = a + b with the given activation, all of shape [4].
func addGraph(t *testing.T, act host.FusedActivation) (g *host.Graph, a, b, y int) {
	t.Helper()
	g = host.NewGraph()
	a, b, y = variable(g, 4), variable(g, 4), variable(g, 4)
	addNode(t, g, host.BuiltinAdd, []int{a, b}, []int{y}, &host.AddParams{Activation: act})
	require.NoError(t, g.SetInputs(a, b))
	require.NoError(t, g.SetOutputs(y))
	return g, a, b, y
}

// subgraphs returns the delegate kernels of the graph's execution plan.
func subgraphs(t *testing.T, g *host.Graph) []*Subgraph {
	t.Helper()
	plan, err := g.ExecutionPlan()
	require.NoError(t, err)
	var result []*Subgraph
	for _, n := range plan {
		node, reg, err := g.NodeAndRegistration(n)
		require.NoError(t, err)
		if reg.BuiltinCode == host.BuiltinDelegate {
			s, err := subgraphOf(node)
			require.NoError(t, err)
			result = append(result, s)
		}
	}
	return result
}

func nodeTypes(s *Subgraph) []string {
	var types []string
	for _, n := range s.Model().Nodes() {
		types = append(types, n.Type())
	}
	return types
}
