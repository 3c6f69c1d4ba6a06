// Package adios2 is a step-oriented data movement engine for scientific
// simulation output.
//
// # Model
//
// A simulation declares variables inside an IO scope, opens an engine on
// it, and moves data in steps. Everything Put between BeginStep and
// EndStep travels as one atomically-published frame; a reader observes a
// step entirely or not at all. There is no partial step on the wire and no
// partial step on disk.
//
//	a, _ := adios2.New()
//	io, _ := a.DeclareIO("checkpoint")
//	v, _ := io.DefineVariable("T", types.TypeFloat64, types.ShapeGlobalArray, types.Dims{64, 64})
//	io.SetEngine("bpfile")
//
//	w, _ := io.Open("run-042", types.ModeWrite)
//	for step := 0; step < n; step++ {
//		w.BeginStep(ctx, 0)
//		w.Put(v, data)
//		w.EndStep(ctx)
//	}
//	w.Close(ctx)
//
// # Layers
//
// Three registries separate the concerns:
//
//   - Engines decide where steps go and what step semantics cost:
//     dataman streams over live transports, bpfile appends to a frame log
//     on disk, bpkv stores steps in an embedded key-value database.
//   - Transports carry frames between processes: in-process channels,
//     NATS subjects, WebSocket connections, shared files. A scope may
//     attach several; a step published on all of them is still one step.
//   - Operators transform variable data per block: quantization trades
//     precision for size, compression trades CPU for bytes. Chains apply
//     in attachment order on Put and reverse on Get.
//
// Readers select subsets with per-variable selections; a Get fills only
// the overlap between the reader's window and the blocks the writer
// published. Variables staged in device memory round-trip through host
// staging buffers transparently.
//
// Scopes can also be declared from a YAML file via NewFromConfig, keeping
// run layout out of simulation code.
package adios2
