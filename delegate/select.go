package delegate

import (
	"slices"

	"github.com/gomlx/go-openvino/host"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SelectNodes returns the sorted indices of the execution plan nodes the
// delegate can offload.
//
// Rejected nodes and nodes whose registration cannot be read are skipped;
// only a failure to read the execution plan is an error. With
// Options.ClaimAllNodes every node is returned without probing.
func (d *Delegate) SelectNodes(ctx host.Context) ([]int, error) {
	plan, err := ctx.ExecutionPlan()
	if err != nil {
		return nil, errors.WithMessage(err, "OpenVINO delegate: failed to get the execution plan")
	}
	if d.opts.ClaimAllNodes {
		nodes := slices.Clone(plan)
		slices.Sort(nodes)
		klog.Warningf("OpenVINO delegate: claiming all %d nodes without probing them", len(nodes))
		return nodes, nil
	}

	var nodes []int
	for _, n := range plan {
		node, reg, err := ctx.NodeAndRegistration(n)
		if err != nil {
			klog.Warningf("OpenVINO delegate: skipping node %d: %v", n, err)
			continue
		}
		if _, err := acceptNode(d.opts, ctx, reg, node, n, false); err != nil {
			klog.V(2).Infof("OpenVINO delegate: %v", err)
			continue
		}
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	klog.V(1).Infof("OpenVINO delegate: %d of %d nodes selected", len(nodes), len(plan))
	return nodes, nil
}
