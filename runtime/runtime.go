// Package runtime provides high-level APIs for compiling and executing
// IR models from Go.
//
// Example usage:
//
//	// Build an IR graph
//	b := model.NewBuilder("main")
//	x := b.Parameter("x", shapes.Make(model.Float32, 2, 3))
//	r := b.Result(b.Relu(x))
//	m, err := model.NewModel("main", []*model.Node{r}, []*model.Node{x.Node()})
//
//	// Compile for a device
//	core := runtime.New()
//	compiled, err := core.Compile(m, "CPU")
//	if err != nil { ... }
//	defer compiled.Close()
//
//	// Execute
//	req := compiled.CreateInferRequest()
//	in, _ := req.InputTensor(0)
//	copy(in.Data(), inputBytes)
//	err = req.Infer()
package runtime

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gomlx/go-openvino/internal/xgraph"
	"github.com/gomlx/go-openvino/model"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultDevice is the device used when none is requested.
const DefaultDevice = "CPU"

// Core manages model compilation for the registered devices.
type Core struct {
	devices   map[string]deviceInfo
	precision dtypes.DType
}

// deviceInfo describes a device plugin.
type deviceInfo struct {
	// precision is the default inference precision of the device.
	precision dtypes.DType
}

// Option configures the Core.
type Option func(*Core)

// WithInferencePrecision forces the precision floating point operations are
// computed in, overriding the device default. Only Float32 and Float16 are
// meaningful.
func WithInferencePrecision(dtype dtypes.DType) Option {
	return func(c *Core) {
		c.precision = dtype
	}
}

// WithDevice registers an extra device name with the given default
// precision. Every device runs on the SimpleGo backend.
func WithDevice(name string, precision dtypes.DType) Option {
	return func(c *Core) {
		c.devices[strings.ToUpper(name)] = deviceInfo{precision: precision}
	}
}

// New creates a new Core with the given options.
//
// The reference devices are "CPU" (Float32), "GPU" (Float16) and "NPU"
// (Float16). "AUTO" selects CPU.
func New(opts ...Option) *Core {
	c := &Core{
		devices: map[string]deviceInfo{
			"CPU": {precision: dtypes.Float32},
			"GPU": {precision: dtypes.Float16},
			"NPU": {precision: dtypes.Float16},
		},
		precision: dtypes.InvalidDType,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AvailableDevices returns the registered device names, sorted.
func (c *Core) AvailableDevices() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compile compiles m for device into an executable.
//
// Compilation fails if the model has no parameters or no results, if the
// device is unknown, or if a node uses an operator or element type the
// device does not implement.
func (c *Core) Compile(m *model.Model, device string) (*CompiledModel, error) {
	start := time.Now()
	if device == "" || strings.EqualFold(device, "AUTO") {
		device = DefaultDevice
	}
	device = strings.ToUpper(device)
	info, ok := c.devices[device]
	if !ok {
		return nil, errors.Errorf("compile model %q: device %q is not registered (available: %s)",
			m.Name(), device, strings.Join(c.AvailableDevices(), ", "))
	}
	if len(m.Parameters()) == 0 {
		return nil, errors.Errorf("compile model %q: model has no parameters", m.Name())
	}
	if len(m.Results()) == 0 {
		return nil, errors.Errorf("compile model %q: model has no results", m.Name())
	}
	precision := info.precision
	if c.precision != dtypes.InvalidDType {
		precision = c.precision
	}
	if precision != dtypes.Float32 && precision != dtypes.Float16 {
		return nil, errors.Errorf("compile model %q: unsupported inference precision %s", m.Name(), precision)
	}

	backend, err := xgraph.Backend()
	if err != nil {
		return nil, errors.WithMessagef(err, "compile model %q for %s", m.Name(), device)
	}
	prog, err := newProgram(backend, m, precision)
	if err != nil {
		return nil, errors.WithMessagef(err, "compile model %q for %s", m.Name(), device)
	}
	cm := &CompiledModel{
		id:        uuid.NewString(),
		name:      m.Name(),
		device:    device,
		precision: precision,
		program:   prog,
	}
	if klog.V(1).Enabled() {
		klog.Infof("Compiled model %q (%d nodes) for %s in %s, precision %s",
			m.Name(), len(m.Nodes()), device, time.Since(start), precision)
	}
	return cm, nil
}

// CompiledModel is an executable compiled for one device.
// It is immutable and may create any number of InferRequests.
type CompiledModel struct {
	id        string
	name      string
	device    string
	precision dtypes.DType
	program   *program
	closed    atomic.Bool
}

// ID returns a unique identifier of the compiled model.
func (cm *CompiledModel) ID() string {
	return cm.id
}

// Device returns the device the model was compiled for.
func (cm *CompiledModel) Device() string {
	return cm.device
}

// InferencePrecision returns the precision floating point nodes compute in.
func (cm *CompiledModel) InferencePrecision() dtypes.DType {
	return cm.precision
}

// NumInputs returns the number of input slots.
func (cm *CompiledModel) NumInputs() int {
	return len(cm.program.inputs)
}

// NumOutputs returns the number of output slots.
func (cm *CompiledModel) NumOutputs() int {
	return len(cm.program.outputs)
}

// InputNames returns the parameter names in slot order.
func (cm *CompiledModel) InputNames() []string {
	names := make([]string, len(cm.program.inputs))
	for i, in := range cm.program.inputs {
		names[i] = in.name
	}
	return names
}

// CreateInferRequest allocates a request with its own native input and
// output buffers.
func (cm *CompiledModel) CreateInferRequest() *InferRequest {
	r := &InferRequest{
		model:   cm,
		inputs:  make([]*Tensor, len(cm.program.inputs)),
		outputs: make([]*Tensor, len(cm.program.outputs)),
	}
	for i, in := range cm.program.inputs {
		r.inputs[i] = NewTensor(in.shape)
	}
	for i, out := range cm.program.outputs {
		r.outputs[i] = NewTensor(out.shape)
	}
	return r
}

// Close releases the compiled model. Requests created from it fail afterwards.
func (cm *CompiledModel) Close() error {
	if cm.closed.CompareAndSwap(false, true) {
		cm.program.exec.Finalize()
	}
	return nil
}
