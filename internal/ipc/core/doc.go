// Package core implements the IPC broker engine: the per-endpoint object
// graph (nodes, references, threads, buffers, death subscriptions), the
// reference-counting protocol between the broker and service owners, the
// transaction routing and dispatch state machine, and the deferred teardown
// path.
//
// All mutable state is guarded by one broker-wide mutex. The only points
// that block while holding no lock are the read path waiting for work and
// the deferred-work drain; everything else runs to completion under the
// lock. Endpoint-facing entry points live on Core (Open, Mmap, WriteRead,
// Poll, Flush, Release and the small ioctl surface); package endpoint wraps
// them in a device-like facade.
package core
