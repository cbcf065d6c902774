// Package nodecore is the runtime framework for battery-powered network
// nodes: application state, declarative task scheduling, a reference-
// counted packet fabric with pluggable transports, an RPC layer with
// windowed bulk data streaming, and compact time-series telemetry
// encoding.
//
// The packages compose bottom-up:
//
//   - errors, metric, pkg/retry, pkg/worker, pkg/blocklog: ambient
//     infrastructure shared by every subsystem.
//   - appstate: a bounded registry of application state bits with timed
//     auto-clear and observer callbacks.
//   - schedule: validated declarative schedule entries driving tasks on
//     threads or the deferred work queue.
//   - fabric: bounded buffer pools and addressed, authenticated packet
//     delivery over interface drivers (transport/loopback, udpif,
//     natsif, wsif).
//   - rpc: client/server request-response plus DATA streaming with ACK
//     windows on top of the fabric.
//   - tdf: time-series record encoding fanned out to the fabric and the
//     retained block log.
//   - kvstore: persisted node state (boot counters, configuration) in
//     memory or a NATS JetStream bucket.
//   - engine, cmd/nodecore: configuration-driven assembly and
//     lifecycle of the whole runtime.
package nodecore
