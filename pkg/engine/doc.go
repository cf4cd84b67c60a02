// Package engine implements the remote operation graph and the apply engine.
//
// # Overview
//
// A provisioning pass is modelled as a directed acyclic graph of nodes. Each
// node is either a file copy or a remote command:
//
//   - CopyFile: transfer content to an absolute remote path, overwriting it
//   - RunCommand: execute a create script the first time, and the update
//     script whenever the node's triggers change afterwards
//
// Nodes carry an ordered trigger sequence, typically content fingerprints.
// Triggers, content and scripts are deferred values (see package future) and
// are resolved only when the node is about to be evaluated.
//
// # Building a Graph
//
// Nodes are added in dependency-respecting order. A node may only depend on
// nodes that were added before it:
//
//	g := engine.NewGraph()
//	_ = g.AddNode(engine.RunCommand("prepare", future.Resolved("mkdir -p /opt/app"), nil))
//	_ = g.AddNode(engine.CopyFile("config", content, "/opt/app/config.yml").
//	    WithTriggers(fingerprint.Of(content)).
//	    After("prepare"))
//	sg, err := g.Build()
//
// # Applying
//
// Apply walks the graph using ReadyNodes, dispatching up to MaxParallel nodes
// at a time:
//
//	eng := engine.NewEngine(dialer, engine.WithRecorder(recorder))
//	result := eng.Apply(ctx, sg, conn, previous)
//
// A node whose resolved triggers equal its previous record is applied without
// contacting the host. A dispatched node commits its triggers through the
// TriggerRecorder only after the remote operation succeeds.
//
// # Error Classes
//
//   - Local (template, render IO, IO): the pass stops starting new nodes
//   - Remote (transport, remote command): only the node's dependents are blocked
//   - Construction (duplicate, dangling, cycle, validation): assembly bugs
//
// Nothing is retried automatically. The next pass re-evaluates every trigger.
package engine
