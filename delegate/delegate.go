// Package delegate offloads nodes of a host graph executor to the IR
// inference engine.
//
// A Delegate selects the nodes it can run (see SelectNodes), the host
// replaces each run of selected nodes by one delegate kernel, and each
// kernel translates its nodes into an IR model, compiles it and executes it
// on every invocation:
//
//	g := host.NewGraph()
//	... add tensors and nodes ...
//	d := delegate.New(delegate.DefaultOptions())
//	if err := g.ModifyGraphWithDelegate(d); err != nil { ... }
//	err := g.Invoke()
package delegate

import (
	"github.com/gomlx/go-openvino/host"
	"github.com/gomlx/go-openvino/runtime"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// KernelName is the custom name of the delegate kernels.
	KernelName = "TfLiteOpenVINODelegate"
	// KernelVersion is the version of the delegate kernels.
	KernelVersion = 2
)

// Delegate implements host.Delegate.
type Delegate struct {
	opts Options
	core *runtime.Core
}

var _ host.Delegate = (*Delegate)(nil)

// New creates a delegate with the given options.
func New(opts Options) *Delegate {
	var coreOpts []runtime.Option
	if opts.Flags.Has(FlagForceFP16) {
		coreOpts = append(coreOpts, runtime.WithInferencePrecision(dtypes.Float16))
	}
	d := &Delegate{
		opts: opts,
		core: runtime.New(coreOpts...),
	}
	klog.Infof("Created OpenVINO delegate: device %s, qs8=%t qu8=%t force_fp16=%t",
		opts.Device, opts.Flags.Has(FlagQS8), opts.Flags.Has(FlagQU8), opts.Flags.Has(FlagForceFP16))
	return d
}

// Options returns the delegate's options.
func (d *Delegate) Options() Options {
	return d.opts
}

// Prepare selects the offloadable nodes of ctx and has the host replace
// them by delegate kernels.
func (d *Delegate) Prepare(ctx host.Context) error {
	nodes, err := d.SelectNodes(ctx)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		klog.V(1).Info("OpenVINO delegate: no node can be offloaded")
		return nil
	}
	return ctx.ReplaceNodeSubsetsWithDelegateKernels(d.Registration(), nodes)
}

// Registration returns the lifecycle hooks of the delegate kernels.
func (d *Delegate) Registration() host.KernelRegistration {
	return host.KernelRegistration{
		CustomName: KernelName,
		Version:    KernelVersion,
		Init: func(ctx host.Context, params *host.DelegateParams) (any, error) {
			s, err := d.newSubgraph(ctx, params)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Free: func(data any) {
			if s, ok := data.(*Subgraph); ok {
				_ = s.Close()
			}
		},
		Prepare: func(_ host.Context, node *host.Node) error {
			s, err := subgraphOf(node)
			if err != nil {
				return err
			}
			return s.Prepare()
		},
		Invoke: func(ctx host.Context, node *host.Node) error {
			s, err := subgraphOf(node)
			if err != nil {
				return err
			}
			return s.Invoke(ctx)
		},
	}
}

func subgraphOf(node *host.Node) (*Subgraph, error) {
	s, ok := node.UserData.(*Subgraph)
	if !ok || s == nil {
		return nil, errors.Errorf("OpenVINO delegate: node has no subgraph (user data %T)", node.UserData)
	}
	return s, nil
}
