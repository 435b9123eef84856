package delegate

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/go-openvino/blob"
	"github.com/gomlx/go-openvino/host"
	"github.com/gomlx/go-openvino/model"
	"github.com/gomlx/go-openvino/runtime"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type subgraphState int

const (
	stateCreated subgraphState = iota
	statePrepared
	stateDestroyed
)

// Subgraph is one delegate kernel: a partition compiled into an engine
// executable, with the request used to run it.
//
// A Subgraph is not safe for concurrent use; graph replicas must each own
// their own.
type Subgraph struct {
	id        string
	partition *partition
	model     *model.Model
	compiled  *runtime.CompiledModel
	request   *runtime.InferRequest
	state     subgraphState
}

// newSubgraph translates and compiles the partition described by params.
// Every failure is final.
func (d *Delegate) newSubgraph(ctx host.Context, params *host.DelegateParams) (*Subgraph, error) {
	start := time.Now()
	p, err := newPartition(ctx, params)
	if err != nil {
		return nil, err
	}
	s := &Subgraph{
		id:        uuid.NewString(),
		partition: p,
	}
	name := fmt.Sprintf("openvino_subgraph_%s", s.id)
	s.model, err = translate(ctx, d.opts, p, name)
	if err != nil {
		return nil, errors.WithMessagef(err, "OpenVINO delegate: failed to translate nodes %v", p.nodes)
	}
	if d.opts.ArtifactDir != "" {
		d.saveArtifacts(s)
	}

	s.compiled, err = d.core.Compile(s.model, d.opts.Device)
	if err != nil {
		return nil, errors.Wrapf(ErrCompilation, "nodes %v on %s: %v", p.nodes, d.opts.Device, err)
	}
	s.request = s.compiled.CreateInferRequest()
	if s.compiled.NumInputs() != len(p.inputs) || s.compiled.NumOutputs() != len(p.outputs) {
		_ = s.compiled.Close()
		return nil, errors.Wrapf(ErrCompilation, "compiled model has %d inputs and %d outputs, partition has %d and %d",
			s.compiled.NumInputs(), s.compiled.NumOutputs(), len(p.inputs), len(p.outputs))
	}
	klog.V(1).Infof("OpenVINO delegate: subgraph %s with %d nodes (%d inputs, %d outputs) compiled for %s in %s",
		s.id, len(p.nodes), len(p.inputs), len(p.outputs), s.compiled.Device(), time.Since(start))
	return s, nil
}

// saveArtifacts writes the subgraph's IR to the artifact directory. Failures
// are logged: artifacts are diagnostics only.
func (d *Delegate) saveArtifacts(s *Subgraph) {
	if err := os.MkdirAll(d.opts.ArtifactDir, 0o755); err != nil {
		klog.Warningf("OpenVINO delegate: cannot create artifact directory: %v", err)
		return
	}
	base := filepath.Join(d.opts.ArtifactDir, "subgraph_"+s.id)
	xmlPath, binPath := base+".xml", base+blob.DefaultExtension
	if err := model.SaveIR(s.model, xmlPath, binPath); err != nil {
		klog.Warningf("OpenVINO delegate: cannot save subgraph %s: %v", s.id, err)
		return
	}
	klog.V(1).Infof("OpenVINO delegate: saved subgraph %s to %s", s.id, xmlPath)
}

// ID returns the subgraph's unique identifier, also used in artifact names.
func (s *Subgraph) ID() string {
	return s.id
}

// Inputs returns the host tensors bound to the input slots, in slot order.
func (s *Subgraph) Inputs() []int {
	return s.partition.inputs
}

// Outputs returns the host tensors bound to the output slots, in slot order.
func (s *Subgraph) Outputs() []int {
	return s.partition.outputs
}

// Model returns the IR the subgraph was compiled from.
func (s *Subgraph) Model() *model.Model {
	return s.model
}

// Prepare marks the subgraph ready. Shapes were fixed at compilation, so
// there is nothing else to do.
func (s *Subgraph) Prepare() error {
	if s.state == stateDestroyed {
		return errors.Errorf("subgraph %s: prepare after destroy", s.id)
	}
	s.state = statePrepared
	return nil
}

// Invoke copies the input tensors in, runs the compiled model and copies
// the results back. It returns only once results are available.
//
// All output sizes are checked before any host buffer is written.
func (s *Subgraph) Invoke(ctx host.Context) error {
	switch s.state {
	case stateCreated:
		return errors.Errorf("subgraph %s: invoke before prepare", s.id)
	case stateDestroyed:
		return errors.Errorf("subgraph %s: invoke after destroy", s.id)
	}

	for i, t := range s.partition.inputs {
		native, err := s.request.InputTensor(i)
		if err != nil {
			return err
		}
		src, err := hostBuffer(ctx, t, native.ByteSize())
		if err != nil {
			return errors.WithMessagef(err, "subgraph %s input %d", s.id, i)
		}
		copy(native.Data(), src)
	}

	if err := s.request.Infer(); err != nil {
		return errors.WithMessagef(err, "subgraph %s", s.id)
	}

	dsts := make([][]byte, len(s.partition.outputs))
	for i, t := range s.partition.outputs {
		native, err := s.request.OutputTensor(i)
		if err != nil {
			return err
		}
		dsts[i], err = hostBuffer(ctx, t, native.ByteSize())
		if err != nil {
			return errors.WithMessagef(err, "subgraph %s output %d", s.id, i)
		}
	}
	for i, dst := range dsts {
		native, _ := s.request.OutputTensor(i)
		copy(dst, native.Data())
	}
	return nil
}

// hostBuffer returns the buffer of tensor t after checking it holds exactly
// size bytes.
func hostBuffer(ctx host.Context, t, size int) ([]byte, error) {
	tensor := ctx.Tensor(t)
	if tensor == nil || tensor.Data == nil {
		return nil, errors.Wrapf(ErrMarshalSize, "tensor %d has no buffer", t)
	}
	if tensor.Bytes != size {
		return nil, errors.Wrapf(ErrMarshalSize, "tensor %d declares %d bytes, engine buffer has %d", t, tensor.Bytes, size)
	}
	if len(tensor.Data) < tensor.Bytes {
		return nil, errors.Wrapf(ErrMarshalSize, "tensor %d declares %d bytes, buffer has %d", t, tensor.Bytes, len(tensor.Data))
	}
	return tensor.Data[:size], nil
}

// Close releases the compiled model. The subgraph cannot be used afterwards.
func (s *Subgraph) Close() error {
	if s.state == stateDestroyed {
		return nil
	}
	s.state = stateDestroyed
	return s.compiled.Close()
}
