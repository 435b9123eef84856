package runtime

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InferRequest executes a CompiledModel on its own input and output tensors.
// A request runs at most one inference at a time.
type InferRequest struct {
	mu      sync.Mutex
	model   *CompiledModel
	inputs  []*Tensor
	outputs []*Tensor
	done    chan error
}

// InputTensor returns the tensor bound to input slot i.
func (r *InferRequest) InputTensor(i int) (*Tensor, error) {
	if i < 0 || i >= len(r.inputs) {
		return nil, errors.Errorf("input index %d out of range: model has %d inputs", i, len(r.inputs))
	}
	return r.inputs[i], nil
}

// OutputTensor returns the tensor bound to output slot i.
func (r *InferRequest) OutputTensor(i int) (*Tensor, error) {
	if i < 0 || i >= len(r.outputs) {
		return nil, errors.Errorf("output index %d out of range: model has %d outputs", i, len(r.outputs))
	}
	return r.outputs[i], nil
}

// StartAsync starts an inference in the background. Call Wait to collect it.
func (r *InferRequest) StartAsync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model.closed.Load() {
		return errors.Errorf("infer request of model %q: compiled model is closed", r.model.name)
	}
	if r.done != nil {
		return errors.Errorf("infer request of model %q: an inference is already running", r.model.name)
	}
	done := make(chan error, 1)
	r.done = done
	go func() {
		done <- r.run()
	}()
	return nil
}

// Wait blocks until the inference started by StartAsync finishes and
// returns its error.
func (r *InferRequest) Wait() error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return errors.Errorf("infer request of model %q: no inference was started", r.model.name)
	}
	err := <-done
	r.mu.Lock()
	r.done = nil
	r.mu.Unlock()
	return err
}

// Infer runs one inference synchronously.
func (r *InferRequest) Infer() error {
	if err := r.StartAsync(); err != nil {
		return err
	}
	return r.Wait()
}

// run executes the compiled graph on the request's tensors.
func (r *InferRequest) run() error {
	if err := r.model.program.run(r.inputs, r.outputs); err != nil {
		return errors.WithMessagef(err, "model %q", r.model.name)
	}
	klog.V(2).Infof("Inference of %q on %s done", r.model.name, r.model.device)
	return nil
}
