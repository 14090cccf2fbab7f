package core

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/pool"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/protocol"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/shared/id"
)

var (
	// ErrWouldBlock reports an empty read on a non-blocking endpoint.
	ErrWouldBlock = errors.New("core: try again")
	// ErrAlreadyMapped reports a second mmap on one endpoint.
	ErrAlreadyMapped = errors.New("core: already mapped")
	// ErrContextManagerBusy reports that the context-manager slot is taken.
	ErrContextManagerBusy = errors.New("core: context manager already set")
	// ErrContextManagerUID reports a caller uid that does not match the
	// sticky context-manager uid.
	ErrContextManagerUID = errors.New("core: context manager uid mismatch")
	// ErrUnknownThread reports an operation on a thread id never seen.
	ErrUnknownThread = errors.New("core: unknown thread")
)

// userAddrBase is where endpoint mappings appear in the synthetic user
// address space. Each process gets a disjoint window keyed by its debug id.
const userAddrBase = 0x7100_0000_0000

// Config tunes the broker core.
type Config struct {
	// MaxMapSize caps the shared mapping per endpoint.
	MaxMapSize uint64
	// NiceLimit models the RLIMIT_NICE ceiling used to clamp priorities.
	NiceLimit int
	// TransactionLogSize is the capacity of each transaction ring log.
	TransactionLogSize int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxMapSize:         4 << 20,
		NiceLimit:          40,
		TransactionLogSize: 32,
	}
}

// Core is the broker engine. One mutex guards the whole object graph: all
// process tables, pools, queues and counters. The read path drops the lock
// only while blocked waiting for work.
type Core struct {
	mu      sync.Mutex
	cfg     Config
	log     *logging.Logger
	metrics *monitoring.Metrics
	seq     id.Sequence

	// Process-wide mutable state, enumerated explicitly: the set of open
	// processes, the orphaned nodes, and the single context-manager slot
	// with its sticky uid.
	procs        map[*Process]struct{}
	orphans      map[*Node]struct{}
	ctxMgr       *Node
	ctxMgrUID    uint32
	ctxMgrUIDSet bool

	txnLog       *TxnLog
	txnLogFailed *TxnLog

	deferredMu   sync.Mutex
	deferred     []*Process
	deferredKick chan struct{}
	done         chan struct{}
	workerDone   chan struct{}
	closeOnce    sync.Once
}

// New creates a broker core and starts its deferred-work drain.
func New(cfg Config, log *logging.Logger, metrics *monitoring.Metrics) *Core {
	if cfg.MaxMapSize == 0 {
		cfg = DefaultConfig()
	}
	c := &Core{
		cfg:          cfg,
		log:          log.Named("core"),
		metrics:      metrics,
		procs:        make(map[*Process]struct{}),
		orphans:      make(map[*Node]struct{}),
		txnLog:       NewTxnLog(cfg.TransactionLogSize),
		txnLogFailed: NewTxnLog(cfg.TransactionLogSize),
		deferredKick: make(chan struct{}, 1),
		done:         make(chan struct{}),
		workerDone:   make(chan struct{}),
	}
	go c.deferredWorker()
	return c
}

// Close stops the deferred worker after draining pending teardown.
func (c *Core) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	<-c.workerDone
}

// Metrics returns the metrics collector.
func (c *Core) Metrics() *monitoring.Metrics { return c.metrics }

// userError logs a protocol violation attributable to the caller. The
// offending command is dropped or answered on the return channel; the broker
// itself carries on.
func (c *Core) userError(p *Process, th *Thread, msg string, fields ...zap.Field) {
	fs := make([]zap.Field, 0, len(fields)+2)
	fs = append(fs, zap.String("endpoint", string(p.id)))
	if th != nil {
		fs = append(fs, zap.Int32("tid", th.tid))
	}
	c.log.Warn(msg, append(fs, fields...)...)
}

// Open allocates a process for a freshly opened endpoint and inserts it into
// the global process set. files may be nil when the caller does not pass
// file capabilities.
func (c *Core) Open(pid int32, uid uint32, files FileTable) *Process {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := &Process{
		core:        c,
		id:          id.NewEndpointID(),
		debugID:     c.seq.Next(),
		pid:         pid,
		uid:         uid,
		threads:     make(map[int32]*Thread),
		nodes:       newNodeTree(),
		refsByDesc:  newRefTree(),
		refsByNode:  make(map[*Node]*Ref),
		files:       files,
		niceLimit:   c.cfg.NiceLimit,
		defaultNice: 0,
		released:    make(chan struct{}),
	}
	c.procs[p] = struct{}{}
	c.metrics.RecordObjectCreated(monitoring.KindProcess)
	c.metrics.SetProcessesActive(len(c.procs))
	c.log.Info("endpoint opened",
		zap.String("endpoint", string(p.id)),
		zap.Int32("pid", pid), zap.Uint32("uid", uid))
	return p
}

// Mmap reserves the endpoint's shared region and initializes its buffer
// pool. The returned view is the caller's read-only mapping of the arena;
// the offset translates the user addresses carried in returns back into view
// indexes. Writable mappings are rejected by the endpoint layer.
func (c *Core) Mmap(p *Process, size uint64) (view []byte, userOffset uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.cfg.MaxMapSize {
		size = c.cfg.MaxMapSize
	}
	size = (size + pool.PageSize - 1) &^ uint64(pool.PageSize-1)
	if p.pool != nil {
		return nil, 0, ErrAlreadyMapped
	}
	userOffset = uint64(userAddrBase) + p.debugID<<32
	pl, err := pool.New(size, userOffset)
	if err != nil {
		return nil, 0, err
	}
	p.pool = pl
	c.log.Info("endpoint mapped",
		zap.String("endpoint", string(p.id)),
		zap.Uint64("size", size), zap.Uint64("user_offset", userOffset))
	return pl.View(), userOffset, nil
}

// Version returns the protocol version.
func (c *Core) Version() int { return protocol.Version }

// SetDefaultPriority records the niceness of the process behind the
// endpoint. New threads start at this priority and idle loopers return to
// it, mirroring the host scheduler's view of the opening task.
func (c *Core) SetDefaultPriority(p *Process, nice int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.defaultNice = nice
	for _, th := range p.threads {
		if th.stack == nil && th.todo.empty() {
			th.nice = nice
		}
	}
}

// SetMaxThreads updates the looper pool ceiling for the process.
func (c *Core) SetMaxThreads(p *Process, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.maxThreads = n
}

// SetContextManager claims the single context-manager slot for p. The first
// successful caller's uid sticks; later claims from other uids fail even
// after the slot is vacated.
func (c *Core) SetContextManager(p *Process) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctxMgr != nil {
		c.log.Error("context manager already set",
			zap.String("endpoint", string(p.id)))
		return ErrContextManagerBusy
	}
	if c.ctxMgrUIDSet {
		if c.ctxMgrUID != p.uid {
			c.log.Error("context manager uid mismatch",
				zap.Uint32("uid", p.uid), zap.Uint32("owner_uid", c.ctxMgrUID))
			return ErrContextManagerUID
		}
	} else {
		c.ctxMgrUID = p.uid
		c.ctxMgrUIDSet = true
	}
	node := c.newNode(p, 0, 0)
	if node == nil {
		return errors.New("core: context manager node exists")
	}
	c.ctxMgr = node
	node.localWeak++
	node.localStrong++
	node.hasStrong = true
	node.hasWeak = true
	return nil
}

// ThreadExit tears down the calling thread. Transactions it was serving are
// failed back to their senders; transactions it sent are detached and will
// never complete.
func (c *Core) ThreadExit(p *Process, tid int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	th, ok := p.threads[tid]
	if !ok {
		return ErrUnknownThread
	}
	c.freeThread(p, th)
	return nil
}

// Poll reports whether a read by this thread would find work: the thread has
// work of its own, or the process has work and the thread is idle.
func (c *Core) Poll(p *Process, tid int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	th := p.getThread(tid)
	waitForProcWork := th.stack == nil && th.todo.empty() &&
		th.returnError == protocol.RetOK
	if waitForProcWork {
		return c.hasProcWork(p, th)
	}
	return c.hasThreadWork(th)
}

// Flush schedules NEED_RETURN on every thread of the process so blocked
// reads pop back to the caller.
func (c *Core) Flush(p *Process) {
	c.deferWork(p, deferFlush)
}

// Release schedules the endpoint's deferred teardown: the file table is
// dropped, then the object graph is swept. Wait on p.Released() for
// completion.
func (c *Core) Release(p *Process) {
	c.deferWork(p, deferPutFiles|deferRelease)
}

// WriteRead processes the thread's write stream, then fills the read buffer.
// A failing write aborts before any read. The returned counts report bytes
// consumed and produced even on error.
func (c *Core) WriteRead(ctx context.Context, p *Process, tid int32, write, read []byte, nonBlock bool) (writeConsumed, readConsumed int, err error) {
	c.mu.Lock()
	th := p.getThread(tid)
	defer func() {
		if th != nil {
			th.looper &^= LooperNeedReturn
		}
		c.mu.Unlock()
	}()

	if len(write) > 0 {
		writeConsumed, err = c.executeWrite(p, th, write)
		if err != nil {
			return writeConsumed, 0, err
		}
	}
	if len(read) > 0 {
		enc := protocol.NewEncoder(read)
		err = c.executeRead(ctx, p, th, enc, nonBlock)
		readConsumed = enc.Len()
		if !p.todo.empty() {
			p.wakeOne()
		}
		if err != nil {
			return writeConsumed, readConsumed, err
		}
	}
	return writeConsumed, readConsumed, nil
}

// deferWork queues teardown steps for p and kicks the drain worker.
func (c *Core) deferWork(p *Process, flags deferFlags) {
	c.deferredMu.Lock()
	p.deferredWork |= flags
	if !p.inDeferred {
		p.inDeferred = true
		c.deferred = append(c.deferred, p)
	}
	c.deferredMu.Unlock()

	select {
	case c.deferredKick <- struct{}{}:
	default:
	}
}

// deferredWorker drains teardown outside any caller's stack. The file table
// is closed without holding the broker lock.
func (c *Core) deferredWorker() {
	defer close(c.workerDone)
	for {
		select {
		case <-c.deferredKick:
			c.drainDeferred()
		case <-c.done:
			c.drainDeferred()
			return
		}
	}
}

func (c *Core) drainDeferred() {
	for {
		c.deferredMu.Lock()
		var p *Process
		var flags deferFlags
		if len(c.deferred) > 0 {
			p = c.deferred[0]
			c.deferred = c.deferred[1:]
			flags = p.deferredWork
			p.deferredWork = 0
			p.inDeferred = false
		}
		c.deferredMu.Unlock()
		if p == nil {
			return
		}

		var files FileTable
		c.mu.Lock()
		if flags&deferPutFiles != 0 {
			files = p.files
			p.files = nil
		}
		if flags&deferFlush != 0 {
			c.flushLocked(p)
		}
		if flags&deferRelease != 0 {
			c.releaseLocked(p)
		}
		c.mu.Unlock()

		if files != nil {
			files.CloseAll()
		}
	}
}

// flushLocked wakes every thread with NEED_RETURN set.
func (c *Core) flushLocked(p *Process) {
	woke := 0
	for _, th := range p.threads {
		th.looper |= LooperNeedReturn
		if th.looper&LooperWaiting != 0 {
			th.signal()
			woke++
		}
	}
	p.wakeAll()
	c.log.Debug("flush", zap.String("endpoint", string(p.id)), zap.Int("woke", woke))
}

// hasProcWork mirrors the read-wakeup predicate for process-queue waiters.
func (c *Core) hasProcWork(p *Process, th *Thread) bool {
	return !p.todo.empty() || th.looper&LooperNeedReturn != 0
}

// hasThreadWork mirrors the read-wakeup predicate for thread-queue waiters.
func (c *Core) hasThreadWork(th *Thread) bool {
	return !th.todo.empty() || th.returnError != protocol.RetOK ||
		th.looper&LooperNeedReturn != 0
}
