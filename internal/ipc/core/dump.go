package core

// Introspection for the admin surface. Everything here takes the broker lock
// briefly and copies out plain data.

// Stats summarizes the broker-wide state.
type Stats struct {
	Processes         int    `json:"processes"`
	OrphanNodes       int    `json:"orphan_nodes"`
	HasContextManager bool   `json:"has_context_manager"`
	LastDebugID       uint64 `json:"last_debug_id"`
}

// ProcessInfo summarizes one endpoint.
type ProcessInfo struct {
	ID               string `json:"id"`
	DebugID          uint64 `json:"debug_id"`
	Pid              int32  `json:"pid"`
	UID              uint32 `json:"uid"`
	Threads          int    `json:"threads"`
	Nodes            int    `json:"nodes"`
	Refs             int    `json:"refs"`
	BuffersAllocated int    `json:"buffers_allocated"`
	FreeAsyncSpace   uint64 `json:"free_async_space"`
	MappedPages      int    `json:"mapped_pages"`
	MaxThreads       int    `json:"max_threads"`
	RequestedThreads int    `json:"requested_threads"`
	StartedThreads   int    `json:"started_threads"`
	ReadyThreads     int    `json:"ready_threads"`
	PendingWork      int    `json:"pending_work"`
	Dead             bool   `json:"dead"`
}

// Stats returns broker-wide counters.
func (c *Core) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Processes:         len(c.procs),
		OrphanNodes:       len(c.orphans),
		HasContextManager: c.ctxMgr != nil,
		LastDebugID:       c.seq.Last(),
	}
}

// Processes returns a summary of every open endpoint.
func (c *Core) Processes() []ProcessInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ProcessInfo, 0, len(c.procs))
	for p := range c.procs {
		info := ProcessInfo{
			ID:               string(p.id),
			DebugID:          p.debugID,
			Pid:              p.pid,
			UID:              p.uid,
			Threads:          len(p.threads),
			Nodes:            p.nodes.Len(),
			Refs:             p.refsByDesc.Len(),
			MaxThreads:       p.maxThreads,
			RequestedThreads: p.requestedThreads,
			StartedThreads:   p.requestedThreadsStarted,
			ReadyThreads:     p.readyThreads,
			PendingWork:      p.todo.len(),
			Dead:             p.dead,
		}
		if p.pool != nil {
			info.BuffersAllocated = len(p.pool.AllocatedBuffers())
			info.FreeAsyncSpace = p.pool.FreeAsyncSpace()
			info.MappedPages = p.pool.MappedPages()
		}
		out = append(out, info)
	}
	return out
}

// NodeInfo summarizes one exported service.
type NodeInfo struct {
	DebugID        uint64 `json:"debug_id"`
	Ptr            uint64 `json:"ptr"`
	Cookie         uint64 `json:"cookie"`
	InternalStrong int    `json:"internal_strong"`
	LocalStrong    int    `json:"local_strong"`
	LocalWeak      int    `json:"local_weak"`
	HasStrong      bool   `json:"has_strong"`
	HasWeak        bool   `json:"has_weak"`
	PendingStrong  bool   `json:"pending_strong"`
	PendingWeak    bool   `json:"pending_weak"`
	MinPriority    int    `json:"min_priority"`
	AcceptFDs      bool   `json:"accept_fds"`
	Refs           int    `json:"refs"`
	AsyncInFlight  bool   `json:"async_in_flight"`
	AsyncQueued    int    `json:"async_queued"`
}

// RefInfo summarizes one imported handle.
type RefInfo struct {
	DebugID     uint64 `json:"debug_id"`
	Desc        uint32 `json:"desc"`
	NodeDebugID uint64 `json:"node_debug_id"`
	Strong      int    `json:"strong"`
	Weak        int    `json:"weak"`
	HasDeath    bool   `json:"has_death"`
}

// ThreadInfo summarizes one worker thread.
type ThreadInfo struct {
	Tid         int32  `json:"tid"`
	Looper      uint32 `json:"looper"`
	Nice        int    `json:"nice"`
	StackDepth  int    `json:"stack_depth"`
	PendingWork int    `json:"pending_work"`
}

func nodeInfo(n *Node) NodeInfo {
	return NodeInfo{
		DebugID:        n.debugID,
		Ptr:            n.ptr,
		Cookie:         n.cookie,
		InternalStrong: n.internalStrong,
		LocalStrong:    n.localStrong,
		LocalWeak:      n.localWeak,
		HasStrong:      n.hasStrong,
		HasWeak:        n.hasWeak,
		PendingStrong:  n.pendingStrong,
		PendingWeak:    n.pendingWeak,
		MinPriority:    n.minPriority,
		AcceptFDs:      n.acceptFDs,
		Refs:           len(n.refs),
		AsyncInFlight:  n.hasAsyncTxn,
		AsyncQueued:    n.asyncTodo.len(),
	}
}

// Nodes returns the services exported by p, ordered by service pointer.
func (c *Core) Nodes(p *Process) []NodeInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]NodeInfo, 0, p.nodes.Len())
	p.nodes.Ascend(func(n *Node) bool {
		out = append(out, nodeInfo(n))
		return true
	})
	return out
}

// OrphanNodes returns the nodes that outlived their home process.
func (c *Core) OrphanNodes() []NodeInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]NodeInfo, 0, len(c.orphans))
	for n := range c.orphans {
		out = append(out, nodeInfo(n))
	}
	return out
}

// Refs returns the handles held by p, ordered by descriptor.
func (c *Core) Refs(p *Process) []RefInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RefInfo, 0, p.refsByDesc.Len())
	p.refsByDesc.Ascend(func(r *Ref) bool {
		out = append(out, RefInfo{
			DebugID:     r.debugID,
			Desc:        r.desc,
			NodeDebugID: r.node.debugID,
			Strong:      r.strong,
			Weak:        r.weak,
			HasDeath:    r.death != nil,
		})
		return true
	})
	return out
}

// ThreadInfo returns the state of one worker thread.
func (c *Core) ThreadInfo(p *Process, tid int32) (ThreadInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	th, ok := p.threads[tid]
	if !ok {
		return ThreadInfo{}, false
	}
	depth := 0
	for t := th.stack; t != nil; {
		depth++
		if t.toThread == th {
			t = t.toParent
		} else {
			t = t.fromParent
		}
	}
	return ThreadInfo{
		Tid:         th.tid,
		Looper:      uint32(th.looper),
		Nice:        th.nice,
		StackDepth:  depth,
		PendingWork: th.todo.len(),
	}, true
}

// TransactionLog returns the recent-transaction ring, oldest first.
func (c *Core) TransactionLog() []TxnLogEntry {
	return c.txnLog.Entries()
}

// FailedTransactionLog returns the failed-transaction ring, oldest first.
func (c *Core) FailedTransactionLog() []TxnLogEntry {
	return c.txnLogFailed.Entries()
}
