package delegate

import (
	"encoding/xml"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/go-openvino/host"
	"github.com/gomlx/go-openvino/model"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectNodesAllowList(t *testing.T) {
	g := host.NewGraph()
	x, w := variable(g, 1, 4), constant(g, make([]float32, 16), 4, 4)
	a, b, c, y := variable(g, 1, 4), variable(g, 1, 4), variable(g, 1, 4), variable(g, 1, 4)
	addNode(t, g, host.BuiltinFullyConnected, []int{x, w}, []int{a}, nil)
	addNode(t, g, host.BuiltinAdd, []int{a, x}, []int{b}, &host.AddParams{})
	addNode(t, g, host.BuiltinConv2D, []int{b, w}, []int{c}, nil)
	addNode(t, g, host.BuiltinTanh, []int{c}, []int{y}, nil)
	addNode(t, g, host.BuiltinMul, []int{c, y}, []int{variable(g, 1, 4)}, &host.MulParams{Activation: host.ActSignBit})

	d := New(DefaultOptions())
	first, err := d.SelectNodes(g)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, first)
	for _, n := range first {
		_, reg, err := g.NodeAndRegistration(n)
		require.NoError(t, err)
		_, ok := rules[reg.BuiltinCode]
		assert.True(t, ok, "selected node %d has no translation rule", n)
	}

	second, err := d.SelectNodes(g)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	claimAll := New(Options{Device: "CPU", ClaimAllNodes: true})
	all, err := claimAll.SelectNodes(g)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, all)
}

func TestAddTranslation(t *testing.T) {
	for _, tc := range []struct {
		act  host.FusedActivation
		want []string
	}{
		{host.ActNone, []string{model.OpParameter, model.OpParameter, model.OpAdd, model.OpResult}},
		{host.ActRelu, []string{model.OpParameter, model.OpParameter, model.OpAdd, model.OpRelu, model.OpResult}},
		{host.ActRelu6, []string{model.OpParameter, model.OpParameter, model.OpAdd, model.OpClamp, model.OpResult}},
		{host.ActReluN1To1, []string{model.OpParameter, model.OpParameter, model.OpAdd, model.OpClamp, model.OpResult}},
		{host.ActTanh, []string{model.OpParameter, model.OpParameter, model.OpAdd, model.OpTanh, model.OpResult}},
		{host.ActSigmoid, []string{model.OpParameter, model.OpParameter, model.OpAdd, model.OpSigmoid, model.OpResult}},
	} {
		t.Run(tc.act.String(), func(t *testing.T) {
			g, a, b, y := addGraph(t, tc.act)
			require.NoError(t, g.ModifyGraphWithDelegate(New(DefaultOptions())))
			subs := subgraphs(t, g)
			require.Len(t, subs, 1)
			s := subs[0]
			assert.Equal(t, tc.want, nodeTypes(s))
			assert.Equal(t, []int{a, b}, s.Inputs())
			assert.Equal(t, []int{y}, s.Outputs())

			if tc.act == host.ActRelu6 {
				clamp := s.Model().Nodes()[3]
				minVal, _ := clamp.Attr("min")
				maxVal, _ := clamp.Attr("max")
				assert.Equal(t, 0.0, minVal)
				assert.Equal(t, 6.0, maxVal)
			}
		})
	}
}

func TestAddEndToEnd(t *testing.T) {
	for _, tc := range []struct {
		name string
		act  host.FusedActivation
		b    []float32
		want []float32
	}{
		{"none", host.ActNone, []float32{10, 10, 10, 10}, []float32{11, 12, 13, 14}},
		{"relu6", host.ActRelu6, []float32{-20, -20, -20, -20}, []float32{0, 0, 0, 0}},
		{"relu6 saturates", host.ActRelu6, []float32{1, 3, 5, 7}, []float32{2, 5, 6, 6}},
		{"relu_n1_to_1", host.ActReluN1To1, []float32{-3, -2, -2, -5}, []float32{-1, 0, 1, -1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g, a, b, y := addGraph(t, tc.act)
			require.NoError(t, g.ModifyGraphWithDelegate(New(DefaultOptions())))
			defer g.Close()
			copy(g.Tensor(a).Data, f32Bytes(1, 2, 3, 4))
			copy(g.Tensor(b).Data, f32Bytes(tc.b...))
			require.NoError(t, g.Invoke())
			assert.Equal(t, tc.want, readF32(g.Tensor(y).Data))
		})
	}
}

func TestBroadcastAdd(t *testing.T) {
	g := host.NewGraph()
	a, c, y := variable(g, 1, 4), constant(g, []float32{10, 20, 30, 40}, 4), variable(g, 1, 4)
	addNode(t, g, host.BuiltinAdd, []int{a, c}, []int{y}, &host.AddParams{})
	require.NoError(t, g.SetOutputs(y))
	require.NoError(t, g.ModifyGraphWithDelegate(New(DefaultOptions())))

	subs := subgraphs(t, g)
	require.Len(t, subs, 1)
	// The constant is not an input: it is materialized in the IR.
	assert.Equal(t, []int{a}, subs[0].Inputs())
	assert.Equal(t, []string{model.OpParameter, model.OpConstant, model.OpAdd, model.OpResult}, nodeTypes(subs[0]))
	add := subs[0].Model().Nodes()[2]
	assert.Equal(t, []int{1, 4}, add.Output(0).Shape().Dimensions)

	copy(g.Tensor(a).Data, f32Bytes(1, 2, 3, 4))
	require.NoError(t, g.Invoke())
	assert.Equal(t, []float32{11, 22, 33, 44}, readF32(g.Tensor(y).Data))
}

func TestTerminalTensorIsOutput(t *testing.T) {
	// Neither SetInputs nor SetOutputs: y is only known as a tensor nothing reads.
	g := host.NewGraph()
	a, b, y := variable(g, 4), variable(g, 4), variable(g, 4)
	addNode(t, g, host.BuiltinAdd, []int{a, b}, []int{y}, &host.AddParams{})
	require.NoError(t, g.ModifyGraphWithDelegate(New(DefaultOptions())))
	defer g.Close()

	subs := subgraphs(t, g)
	require.Len(t, subs, 1)
	assert.Equal(t, []int{a, b}, subs[0].Inputs())
	assert.Equal(t, []int{y}, subs[0].Outputs())

	copy(g.Tensor(a).Data, f32Bytes(1, 2, 3, 4))
	copy(g.Tensor(b).Data, f32Bytes(0.5, 0.5, -3, -8))
	require.NoError(t, g.Invoke())
	assert.Equal(t, []float32{1.5, 2.5, 0, -4}, readF32(g.Tensor(y).Data))
}

func TestReshapeWithoutShapeTensor(t *testing.T) {
	g := host.NewGraph()
	x, y := variable(g, 2, 3), variable(g, 6)
	addNode(t, g, host.BuiltinReshape, []int{x, host.OptionalTensor}, []int{y}, &host.ReshapeParams{NewShape: []int{6}})
	require.NoError(t, g.SetOutputs(y))
	require.NoError(t, g.ModifyGraphWithDelegate(New(DefaultOptions())))
	defer g.Close()

	subs := subgraphs(t, g)
	require.Len(t, subs, 1)
	assert.Equal(t, []int{x}, subs[0].Inputs())
	copy(g.Tensor(x).Data, f32Bytes(1, 2, 3, 4, 5, 6))
	require.NoError(t, g.Invoke())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, readF32(g.Tensor(y).Data))
}

func TestMarshalSizeMismatch(t *testing.T) {
	t.Run("input", func(t *testing.T) {
		g := host.NewGraph()
		// Declared as 16 bytes, while the shape gives the engine an 8 byte buffer.
		a := g.AddTensor(&host.Tensor{Type: dtypes.Float32, Dims: []int{2}, Allocation: host.AllocArenaRW, Bytes: 16})
		b, y := variable(g, 2), variable(g, 2)
		addNode(t, g, host.BuiltinAdd, []int{a, b}, []int{y}, &host.AddParams{})
		require.NoError(t, g.SetOutputs(y))
		require.NoError(t, g.ModifyGraphWithDelegate(New(DefaultOptions())))

		copy(g.Tensor(a).Data, f32Bytes(1, 2, 3, 4))
		err := g.Invoke()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMarshalSize)
		assert.Len(t, g.Tensor(a).Data, 16)
		assert.Equal(t, make([]byte, 8), g.Tensor(y).Data)
	})

	t.Run("output", func(t *testing.T) {
		g := host.NewGraph()
		a, b := variable(g, 2), variable(g, 2)
		y := g.AddTensor(&host.Tensor{Type: dtypes.Float32, Dims: []int{2}, Allocation: host.AllocArenaRW, Bytes: 4, Data: []byte{1, 2, 3, 4}})
		addNode(t, g, host.BuiltinAdd, []int{a, b}, []int{y}, &host.AddParams{})
		require.NoError(t, g.SetOutputs(y))
		require.NoError(t, g.ModifyGraphWithDelegate(New(DefaultOptions())))

		err := g.Invoke()
		assert.ErrorIs(t, err, ErrMarshalSize)
		assert.Equal(t, []byte{1, 2, 3, 4}, g.Tensor(y).Data)
	})
}

func TestOrderingViolation(t *testing.T) {
	g := host.NewGraph()
	x, a, y := variable(g, 4), variable(g, 4), variable(g, 4)
	// Node 0 reads a, which node 1 only produces afterwards.
	n0 := addNode(t, g, host.BuiltinAdd, []int{x, a}, []int{y}, &host.AddParams{})
	n1 := addNode(t, g, host.BuiltinRelu, []int{x}, []int{a}, nil)

	p := &partition{nodes: []int{n0, n1}, inputs: []int{x}, outputs: []int{y}}
	_, err := translate(g, DefaultOptions(), p, "ordering")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderingViolation)

	// An output that no node produces is also an ordering violation.
	p = &partition{nodes: []int{n1}, inputs: []int{x}, outputs: []int{y}}
	_, err = translate(g, DefaultOptions(), p, "ordering")
	assert.ErrorIs(t, err, ErrOrderingViolation)
}

func TestCompilationErrors(t *testing.T) {
	// A partition reading only constants has no parameters.
	g := host.NewGraph()
	c1, c2, y := constant(g, []float32{1, 2}, 2), constant(g, []float32{3, 4}, 2), variable(g, 2)
	addNode(t, g, host.BuiltinAdd, []int{c1, c2}, []int{y}, &host.AddParams{})
	require.NoError(t, g.SetOutputs(y))
	err := g.ModifyGraphWithDelegate(New(DefaultOptions()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCompilation)
	plan, _ := g.ExecutionPlan()
	assert.Equal(t, []int{0}, plan)

	g, _, _, _ = addGraph(t, host.ActNone)
	err = g.ModifyGraphWithDelegate(New(Options{Device: "TPU"}))
	assert.ErrorIs(t, err, ErrCompilation)
}

func TestClaimAllNodesSurfacesRejections(t *testing.T) {
	g := host.NewGraph()
	x, w, y := variable(g, 1, 4), constant(g, make([]float32, 16), 4, 4), variable(g, 1, 4)
	addNode(t, g, host.BuiltinFullyConnected, []int{x, w}, []int{y}, nil)
	require.NoError(t, g.SetOutputs(y))

	require.NoError(t, g.ModifyGraphWithDelegate(New(DefaultOptions())))
	assert.Empty(t, subgraphs(t, g))

	err := g.ModifyGraphWithDelegate(New(Options{Device: "CPU", ClaimAllNodes: true}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedOperator)
}

func TestQuantizedAdd(t *testing.T) {
	g := host.NewGraph()
	// a: real = (q - 1) * 0.5, y: q = real + (-5).
	a := quantized(g, dtypes.Int8, 0.5, 1, 4)
	c := constant(g, []float32{10, 10, 10, 10}, 4)
	y := quantized(g, dtypes.Int8, 1, -5, 4)
	addNode(t, g, host.BuiltinAdd, []int{a, c}, []int{y}, &host.AddParams{})
	require.NoError(t, g.SetOutputs(y))

	selected, err := New(DefaultOptions()).SelectNodes(g)
	require.NoError(t, err)
	assert.Empty(t, selected)

	require.NoError(t, g.ModifyGraphWithDelegate(New(Options{Device: "CPU", Flags: FlagQS8})))
	subs := subgraphs(t, g)
	require.Len(t, subs, 1)
	types := nodeTypes(subs[0])
	assert.Equal(t, model.OpConvert, types[len(types)-2])

	copy(g.Tensor(a).Data, []byte{3, 5, 7, 9})
	require.NoError(t, g.Invoke())
	assert.Equal(t, []byte{6, 7, 8, 9}, g.Tensor(y).Data)
}

func TestQuantizeRoundsTiesAwayFromZero(t *testing.T) {
	g := host.NewGraph()
	a := quantized(g, dtypes.Int8, 1, 0, 4)
	c := constant(g, []float32{0, 0, 0, 0}, 4)
	y := quantized(g, dtypes.Int8, 2, 0, 4)
	addNode(t, g, host.BuiltinAdd, []int{a, c}, []int{y}, &host.AddParams{})
	require.NoError(t, g.SetOutputs(y))
	require.NoError(t, g.ModifyGraphWithDelegate(New(Options{Device: "CPU", Flags: FlagQS8})))
	defer g.Close()

	// 1/2, 3/2, -1/2 and -3/2 are all ties.
	copy(g.Tensor(a).Data, []byte{1, 3, 0xff, 0xfd})
	require.NoError(t, g.Invoke())
	assert.Equal(t, []byte{1, 2, 0xff, 0xfe}, g.Tensor(y).Data)
}

func TestQuantizedUint8Relu(t *testing.T) {
	g := host.NewGraph()
	x := quantized(g, dtypes.Uint8, 0.25, 128, 4)
	y := quantized(g, dtypes.Uint8, 0.25, 128, 4)
	addNode(t, g, host.BuiltinRelu, []int{x}, []int{y}, nil)
	require.NoError(t, g.SetOutputs(y))
	require.NoError(t, g.ModifyGraphWithDelegate(New(Options{Device: "CPU", Flags: FlagQU8})))

	copy(g.Tensor(x).Data, []byte{0, 127, 128, 200})
	require.NoError(t, g.Invoke())
	assert.Equal(t, []byte{128, 128, 128, 200}, g.Tensor(y).Data)
}

func TestForceFP16(t *testing.T) {
	for _, tc := range []struct {
		flags Flags
		want  float32
	}{
		{0, 1.0001},
		{FlagForceFP16, 1},
	} {
		g, a, _, y := addGraph(t, host.ActNone)
		require.NoError(t, g.ModifyGraphWithDelegate(New(Options{Device: "CPU", Flags: tc.flags})))
		copy(g.Tensor(a).Data, f32Bytes(1.0001, 1, 2, 3))
		require.NoError(t, g.Invoke())
		got := readF32(g.Tensor(y).Data)
		assert.Equal(t, tc.want, got[0])
		assert.Equal(t, []float32{1, 2, 3}, got[1:])
	}
}

func TestArtifacts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ir")
	g, _, _, _ := addGraph(t, host.ActRelu6)
	require.NoError(t, g.ModifyGraphWithDelegate(New(Options{Device: "CPU", ArtifactDir: dir})))
	subs := subgraphs(t, g)
	require.Len(t, subs, 1)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	base := "subgraph_" + subs[0].ID()
	assert.ElementsMatch(t, []string{base + ".xml", base + ".bin"}, names)

	raw, err := os.ReadFile(filepath.Join(dir, base+".xml"))
	require.NoError(t, err)
	var net model.XMLNet
	require.NoError(t, xml.Unmarshal(raw, &net))
	assert.True(t, strings.HasPrefix(net.Name, "openvino_subgraph_"))
	var types []string
	for _, l := range net.Layers {
		types = append(types, l.Type)
	}
	assert.Equal(t, []string{model.OpParameter, model.OpParameter, model.OpAdd, model.OpClamp, model.OpResult}, types)
}

func TestMultiOpPartition(t *testing.T) {
	g := host.NewGraph()
	x := variable(g, 2, 4)
	paddings := intConstant(g, []int32{0, 0, 1, 1}, 2, 2)
	shape := intConstant(g, []int32{3, 4}, 2)
	axes := intConstant(g, []int32{1}, 1)
	splitDim := intConstant(g, []int32{0}, 1)
	p, r, m, s, c := variable(g, 2, 6), variable(g, 3, 4), variable(g, 3), variable(g, 3), variable(g, 6)
	o1, o2 := variable(g, 3), variable(g, 3)

	addNode(t, g, host.BuiltinPad, []int{x, paddings}, []int{p}, nil)
	addNode(t, g, host.BuiltinReshape, []int{p, shape}, []int{r}, &host.ReshapeParams{})
	addNode(t, g, host.BuiltinMean, []int{r, axes}, []int{m}, &host.ReducerParams{})
	addNode(t, g, host.BuiltinSoftmax, []int{m}, []int{s}, &host.SoftmaxParams{Beta: 1})
	addNode(t, g, host.BuiltinConcatenation, []int{s, s}, []int{c}, &host.ConcatenationParams{Axis: 0})
	addNode(t, g, host.BuiltinSplit, []int{splitDim, c}, []int{o1, o2}, &host.SplitParams{NumSplits: 2})
	require.NoError(t, g.SetInputs(x))
	require.NoError(t, g.SetOutputs(o1, o2))

	require.NoError(t, g.ModifyGraphWithDelegate(New(DefaultOptions())))
	plan, err := g.ExecutionPlan()
	require.NoError(t, err)
	require.Len(t, plan, 1)
	subs := subgraphs(t, g)
	require.Len(t, subs, 1)
	// Attribute tensors never become parameters or constants.
	assert.Equal(t, []int{x}, subs[0].Inputs())
	assert.NotContains(t, nodeTypes(subs[0]), model.OpConstant)
	assert.Equal(t, []int{o1, o2}, subs[0].Outputs())

	copy(g.Tensor(x).Data, f32Bytes(1, 2, 3, 4, 5, 6, 7, 8))
	require.NoError(t, g.Invoke())

	// Padded rows [0 1 2 3 4 0] [0 5 6 7 8 0] reshaped to 3x4 average to:
	means := []float64{1.5, 2.25, 5.25}
	var sum float64
	for _, v := range means {
		sum += math.Exp(v)
	}
	for _, out := range []int{o1, o2} {
		got := readF32(g.Tensor(out).Data)
		require.Len(t, got, 3)
		for i, v := range means {
			assert.InDelta(t, math.Exp(v)/sum, got[i], 1e-6)
		}
	}
}

func TestSoftmaxBeta(t *testing.T) {
	g := host.NewGraph()
	x, y := variable(g, 2), variable(g, 2)
	addNode(t, g, host.BuiltinSoftmax, []int{x}, []int{y}, &host.SoftmaxParams{Beta: 2})
	require.NoError(t, g.SetOutputs(y))
	require.NoError(t, g.ModifyGraphWithDelegate(New(DefaultOptions())))
	copy(g.Tensor(x).Data, f32Bytes(0, 1))
	require.NoError(t, g.Invoke())
	got := readF32(g.Tensor(y).Data)
	want := 1 / (1 + math.Exp(2))
	assert.InDelta(t, want, got[0], 1e-6)
	assert.InDelta(t, 1-want, got[1], 1e-6)
}

func TestMixedExecution(t *testing.T) {
	g := host.NewGraph()
	x := variable(g, 4)
	one := constant(g, []float32{1, 1, 1, 1}, 4)
	signs := constant(g, []float32{-1, 1, -1, 1}, 4)
	a, b, y := variable(g, 4), variable(g, 4), variable(g, 4)
	addNode(t, g, host.BuiltinAdd, []int{x, one}, []int{a}, &host.AddParams{Activation: host.ActRelu})
	// Sign bit activation stays on the host.
	addNode(t, g, host.BuiltinMul, []int{a, signs}, []int{b}, &host.MulParams{Activation: host.ActSignBit})
	addNode(t, g, host.BuiltinSub, []int{b, one}, []int{y}, &host.SubParams{})
	require.NoError(t, g.SetInputs(x))
	require.NoError(t, g.SetOutputs(y))

	require.NoError(t, g.ModifyGraphWithDelegate(New(DefaultOptions())))
	assert.Len(t, subgraphs(t, g), 2)

	copy(g.Tensor(x).Data, f32Bytes(1, 2, 3, 4))
	require.NoError(t, g.Invoke())
	assert.Equal(t, []float32{0, -1, 0, -1}, readF32(g.Tensor(y).Data))
	require.NoError(t, g.Close())
}

func TestSubgraphLifecycle(t *testing.T) {
	g, _, _, _ := addGraph(t, host.ActNone)
	require.NoError(t, g.ModifyGraphWithDelegate(New(DefaultOptions())))
	s := subgraphs(t, g)[0]
	require.NoError(t, s.Invoke(g))

	fresh := &Subgraph{id: "fresh", partition: s.partition}
	require.Error(t, fresh.Invoke(g))

	require.NoError(t, s.Close())
	require.Error(t, s.Invoke(g))
	require.Error(t, s.Prepare())
	require.NoError(t, s.Close())
	require.NoError(t, g.Close())
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("OPENVINO_DELEGATE_DEVICE", "GPU")
	t.Setenv("OPENVINO_DELEGATE_QS8", "true")
	t.Setenv("OPENVINO_DELEGATE_QU8", "not-a-bool")
	t.Setenv("OPENVINO_DELEGATE_FORCE_FP16", "1")
	t.Setenv("OPENVINO_DELEGATE_ARTIFACT_DIR", "/tmp/ir")
	opts := OptionsFromEnv()
	assert.Equal(t, "GPU", opts.Device)
	assert.True(t, opts.Flags.Has(FlagQS8))
	assert.False(t, opts.Flags.Has(FlagQU8))
	assert.True(t, opts.Flags.Has(FlagForceFP16))
	assert.Equal(t, "/tmp/ir", opts.ArtifactDir)
	assert.False(t, opts.ClaimAllNodes)

	assert.Equal(t, Options{Device: "CPU"}, DefaultOptions())
}

func TestRegistration(t *testing.T) {
	reg := New(DefaultOptions()).Registration()
	assert.Equal(t, "TfLiteOpenVINODelegate", reg.CustomName)
	assert.Equal(t, 2, reg.Version)
	require.Error(t, reg.Invoke(nil, &host.Node{}))
	require.Error(t, reg.Prepare(nil, &host.Node{UserData: "not a subgraph"}))
	reg.Free(nil)
}
