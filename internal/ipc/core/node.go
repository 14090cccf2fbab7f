package core

// Node is the broker-side record for one exported service. It is owned by
// its home process while that process lives; when the home process dies with
// outstanding references the node is re-parented onto the core's orphan set
// and proc becomes nil.
type Node struct {
	debugID uint64
	proc    *Process
	ptr     uint64 // service pointer in the owner's address space
	cookie  uint64

	// internalStrong counts holding references with strong > 0.
	// localStrong/localWeak track in-flight transactions and the owner's
	// acknowledged holds.
	internalStrong int
	localStrong    int
	localWeak      int

	// hasStrong/hasWeak: the owner currently believes it holds a count.
	// pendingStrong/pendingWeak: an acquire request is in flight to the
	// owner and not yet acknowledged. A node with a pending flag set is
	// never freed; the local count taken at emission pins it.
	hasStrong     bool
	hasWeak       bool
	pendingStrong bool
	pendingWeak   bool

	acceptFDs   bool
	minPriority int

	// refs is the iteration-only back-reference set; it never extends the
	// lifetime of a Ref.
	refs map[*Ref]struct{}

	work *work

	asyncTodo   workList
	hasAsyncTxn bool
}

func newNodeRecord(debugID uint64, proc *Process, ptr, cookie uint64) *Node {
	n := &Node{
		debugID: debugID,
		proc:    proc,
		ptr:     ptr,
		cookie:  cookie,
		refs:    make(map[*Ref]struct{}),
	}
	n.work = &work{typ: workNode, node: n}
	return n
}

// Ref is one process's imported handle to a node in another process. It is
// owned exclusively by its holding process and destroyed when both counts
// reach zero.
type Ref struct {
	debugID uint64
	proc    *Process
	node    *Node
	desc    uint32
	strong  int
	weak    int
	death   *DeathSubscription
}

// DeathSubscription is attached to one Ref. Its work item type tracks the
// lifecycle position: workDeadBinder while a death is queued or delivered,
// workDeadBinderAndClear when a clear raced a queued death, and
// workClearDeathNotification when only the clear acknowledgement remains.
type DeathSubscription struct {
	cookie uint64
	work   *work
}

func newDeathSubscription(cookie uint64) *DeathSubscription {
	d := &DeathSubscription{cookie: cookie}
	d.work = &work{death: d}
	return d
}
