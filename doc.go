// Package goopenvino offloads nodes of a graph executor to an IR inference
// engine.
//
// A host executor (TFLite style: tensors, nodes, an execution plan) offers
// its graph to a delegate. The delegate claims the nodes it can translate,
// groups them into subgraphs, builds one IR model per subgraph, compiles it
// for a device, and runs it in place of the claimed nodes. Unclaimed nodes
// keep running on the host.
//
// # Architecture
//
// The package is organized into several sub-packages:
//
//   - host: The executor contract (Context, KernelRegistration) and Graph,
//     an in-memory executor with fallback kernels built on gomlx.
//   - delegate: Node selection, translation of host nodes to the IR and the
//     subgraph kernel lifecycle.
//   - model: IR graph builder and XML/binary serialization.
//   - blob: Binary weights file writer used by the serialization.
//   - runtime: Device selection, compilation and inference requests. Models
//     are lowered to gomlx graphs and run on the SimpleGo backend.
//
// # Usage
//
//	g := host.NewGraph()
//	// ... add tensors and nodes ...
//
//	d := delegate.New(delegate.OptionsFromEnv())
//	if err := g.ModifyGraphWithDelegate(d); err != nil {
//	    log.Fatal(err)
//	}
//	defer g.Close()
//
//	// ... fill inputs ...
//	if err := g.Invoke(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Devices
//
// The runtime exposes the following devices:
//
//   - CPU: Float32 inference (default, also used for AUTO)
//   - GPU: Float16 inference
//   - NPU: Float16 inference
//
// delegate.FlagForceFP16 lowers the inference precision to Float16 on
// every device.
package goopenvino
