package endpoint

import (
	"context"
	"errors"
	"sync"

	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/core"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/shared/id"
)

var (
	// ErrWritableMapping rejects mmap requests that include write access;
	// the shared region is read-only on the user side.
	ErrWritableMapping = errors.New("endpoint: writable mapping rejected")
	// ErrNotMapped reports buffer access before Mmap.
	ErrNotMapped = errors.New("endpoint: not mapped")
	// ErrClosed reports use after Close.
	ErrClosed = errors.New("endpoint: closed")
)

// Device hosts the broker core and hands out endpoints.
type Device struct {
	core *core.Core
	log  *logging.Logger
}

// NewDevice creates a device around a fresh core.
func NewDevice(cfg core.Config, log *logging.Logger, metrics *monitoring.Metrics) *Device {
	return &Device{
		core: core.New(cfg, log, metrics),
		log:  log.Named("endpoint"),
	}
}

// Core exposes the underlying broker core for introspection.
func (d *Device) Core() *core.Core { return d.core }

// Close stops the device after draining deferred teardown.
func (d *Device) Close() { d.core.Close() }

// Open creates an endpoint for the given host process identity with its own
// file-capability table.
func (d *Device) Open(pid int32, uid uint32) *Endpoint {
	return d.OpenWithFiles(pid, uid, NewTable(DefaultTableLimit))
}

// OpenWithFiles creates an endpoint with a caller-supplied capability table;
// pass nil to disable FD passing.
func (d *Device) OpenWithFiles(pid int32, uid uint32, files core.FileTable) *Endpoint {
	return &Endpoint{
		dev:   d,
		proc:  d.core.Open(pid, uid, files),
		files: files,
	}
}

// Endpoint is one opened device handle.
type Endpoint struct {
	dev   *Device
	proc  *core.Process
	files core.FileTable

	view       []byte
	userOffset uint64

	nonBlock bool

	closeOnce sync.Once
	closed    bool
}

// WriteRead is the bidirectional control-call argument block. The broker
// consumes Write first; a write failure aborts before any read. Consumed
// counts are filled in even on error.
type WriteRead struct {
	Write         []byte
	WriteConsumed int
	Read          []byte
	ReadConsumed  int
}

// ID returns the endpoint id.
func (e *Endpoint) ID() id.EndpointID { return e.proc.ID() }

// Files returns the endpoint's capability table (nil when disabled).
func (e *Endpoint) Files() core.FileTable { return e.files }

// SetNonBlocking makes empty reads return core.ErrWouldBlock instead of
// blocking.
func (e *Endpoint) SetNonBlocking(v bool) { e.nonBlock = v }

// Mmap reserves the shared region backing single-copy transfer and returns
// the endpoint's read-only view of it. Writable mappings are rejected.
func (e *Endpoint) Mmap(size uint64, writable bool) ([]byte, error) {
	if writable {
		return nil, ErrWritableMapping
	}
	view, userOffset, err := e.dev.core.Mmap(e.proc, size)
	if err != nil {
		return nil, err
	}
	e.view = view
	e.userOffset = userOffset
	return view, nil
}

// BufferBytes resolves a user address from a received transaction into the
// mapped view.
func (e *Endpoint) BufferBytes(addr, size uint64) ([]byte, error) {
	if e.view == nil {
		return nil, ErrNotMapped
	}
	if addr < e.userOffset || addr+size > e.userOffset+uint64(len(e.view)) {
		return nil, ErrNotMapped
	}
	off := addr - e.userOffset
	return e.view[off : off+size], nil
}

// WriteRead runs one control call for the calling thread.
func (e *Endpoint) WriteRead(ctx context.Context, tid int32, wr *WriteRead) error {
	if e.closed {
		return ErrClosed
	}
	wc, rc, err := e.dev.core.WriteRead(ctx, e.proc, tid, wr.Write, wr.Read, e.nonBlock)
	wr.WriteConsumed = wc
	wr.ReadConsumed = rc
	return err
}

// Poll reports whether a read by tid would find work.
func (e *Endpoint) Poll(tid int32) bool {
	return e.dev.core.Poll(e.proc, tid)
}

// SetMaxThreads sets the looper pool ceiling.
func (e *Endpoint) SetMaxThreads(n int) {
	e.dev.core.SetMaxThreads(e.proc, n)
}

// SetContextManager claims the context-manager slot for this endpoint.
func (e *Endpoint) SetContextManager() error {
	return e.dev.core.SetContextManager(e.proc)
}

// ThreadExit tears down the calling thread.
func (e *Endpoint) ThreadExit(tid int32) error {
	return e.dev.core.ThreadExit(e.proc, tid)
}

// Version returns the protocol version.
func (e *Endpoint) Version() int { return e.dev.core.Version() }

// Flush forces every blocked thread of this endpoint back to user space.
func (e *Endpoint) Flush() { e.dev.core.Flush(e.proc) }

// Close schedules the endpoint's deferred teardown and waits for it.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closed = true
		e.dev.core.Release(e.proc)
		<-e.proc.Released()
	})
	return nil
}
