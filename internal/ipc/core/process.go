package core

import (
	"container/list"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/pool"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/protocol"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/shared/id"
)

// LooperState is the per-thread looper bitset.
type LooperState uint32

const (
	// LooperRegistered marks a thread announced via CmdRegisterLooper,
	// valid only when the broker requested the spawn.
	LooperRegistered LooperState = 1 << iota
	// LooperEntered marks an application-initiated looper.
	LooperEntered
	// LooperExited marks a looper that announced CmdExitLooper.
	LooperExited
	// LooperInvalid marks a thread that performed an illegal transition.
	LooperInvalid
	// LooperWaiting marks a thread currently blocked in read.
	LooperWaiting
	// LooperNeedReturn forces the next read to pop back to the caller; set
	// on freshly created threads and by flush.
	LooperNeedReturn
)

func (s LooperState) registeredOrEntered() bool {
	return s&(LooperRegistered|LooperEntered) != 0
}

// deferFlags select the deferred teardown steps pending for a process.
type deferFlags int

const (
	deferPutFiles deferFlags = 1 << iota
	deferFlush
	deferRelease
)

// FileTable is the host-supplied capability table used for FD passing. The
// broker treats it as opaque: it duplicates capabilities into the target
// with close-on-exec semantics and closes target-side entries when a
// translated transaction is unwound.
type FileTable interface {
	// Get acquires the capability behind fd.
	Get(fd uint32) (File, error)
	// Install places a capability into the table under a fresh descriptor,
	// applying close-on-exec, and checking the owner's resource limits.
	Install(f File) (uint32, error)
	// Close releases the capability behind fd.
	Close(fd uint32) error
	// CloseAll releases every capability; used at teardown.
	CloseAll()
}

// File is one transferable capability.
type File interface {
	Close() error
}

// Process represents one opened endpoint.
type Process struct {
	core    *Core
	id      id.EndpointID
	debugID uint64
	pid     int32
	uid     uint32

	threads    map[int32]*Thread
	nodes      *btree.BTreeG[*Node] // by service pointer
	refsByDesc *btree.BTreeG[*Ref]  // by descriptor
	refsByNode map[*Node]*Ref

	todo           workList
	waiters        list.List // of chan struct{}, FIFO
	deliveredDeath workList

	pool  *pool.Pool
	files FileTable

	defaultNice int
	niceLimit   int

	maxThreads              int
	requestedThreads        int
	requestedThreadsStarted int
	readyThreads            int

	deferredWork deferFlags
	inDeferred   bool
	dead         bool
	released     chan struct{}

	stats protoStats
}

// Released is closed once the process's deferred release has completed.
func (p *Process) Released() <-chan struct{} { return p.released }

func newNodeTree() *btree.BTreeG[*Node] {
	return btree.NewG(8, func(a, b *Node) bool { return a.ptr < b.ptr })
}

func newRefTree() *btree.BTreeG[*Ref] {
	return btree.NewG(8, func(a, b *Ref) bool { return a.desc < b.desc })
}

// ID returns the endpoint id.
func (p *Process) ID() id.EndpointID { return p.id }

// DebugID returns the process debug id.
func (p *Process) DebugID() uint64 { return p.debugID }

// Pid returns the host process id recorded at open.
func (p *Process) Pid() int32 { return p.pid }

// UID returns the caller uid recorded at open.
func (p *Process) UID() uint32 { return p.uid }

// getThread returns the thread record for tid, creating it on first use with
// LooperNeedReturn set.
func (p *Process) getThread(tid int32) *Thread {
	if th, ok := p.threads[tid]; ok {
		return th
	}
	th := &Thread{
		proc:   p,
		tid:    tid,
		looper: LooperNeedReturn,
		nice:   p.defaultNice,
		wake:   make(chan struct{}, 1),
	}
	p.threads[tid] = th
	p.core.metrics.RecordObjectCreated(monitoring.KindThread)
	return th
}

// wakeOne wakes the longest-waiting thread blocked on the process queue.
func (p *Process) wakeOne() {
	if front := p.waiters.Front(); front != nil {
		select {
		case front.Value.(chan struct{}) <- struct{}{}:
		default:
		}
	}
}

// wakeAll wakes every thread blocked on the process queue.
func (p *Process) wakeAll() {
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		select {
		case e.Value.(chan struct{}) <- struct{}{}:
		default:
		}
	}
}

// setNice applies a niceness to a thread, clamped by the process nice limit.
// Failure to reach the requested value is a diagnostic, not an error.
func (p *Process) setNice(th *Thread, nice int) {
	minNice := 20 - p.niceLimit
	if nice >= minNice {
		th.nice = nice
		return
	}
	p.core.log.Debug("nice value not allowed, clamping",
		zap.String("endpoint", string(p.id)),
		zap.Int("nice", nice), zap.Int("min_nice", minNice))
	th.nice = minNice
	if minNice < 20 {
		return
	}
	p.core.userError(p, th, "nice limit not set")
}

// Thread is one worker thread of a process, keyed by host thread id.
type Thread struct {
	proc   *Process
	tid    int32
	looper LooperState

	todo  workList
	stack *Transaction // transaction stack, linked via fromParent/toParent

	wake chan struct{}

	returnError  protocol.Return
	returnError2 protocol.Return

	nice int

	stats protoStats
}

// signal wakes the thread if it is blocked on its own queue.
func (th *Thread) signal() {
	select {
	case th.wake <- struct{}{}:
	default:
	}
}

// Nice returns the thread's modelled niceness.
func (th *Thread) Nice() int { return th.nice }

// Looper returns the thread's looper state.
func (th *Thread) Looper() LooperState { return th.looper }

// protoStats counts protocol traffic per process and per thread.
type protoStats struct {
	commands map[protocol.Command]uint64
	returns  map[protocol.Return]uint64
}

func (s *protoStats) recordCommand(cmd protocol.Command) {
	if s.commands == nil {
		s.commands = make(map[protocol.Command]uint64)
	}
	s.commands[cmd]++
}

func (s *protoStats) recordReturn(ret protocol.Return) {
	if s.returns == nil {
		s.returns = make(map[protocol.Return]uint64)
	}
	s.returns[ret]++
}
