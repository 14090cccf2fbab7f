package core

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/protocol"
)

// freeThread removes a thread, failing the transaction it was serving back
// to its sender and detaching every transaction on its stack. Returns the
// number of transactions that were still active.
func (c *Core) freeThread(p *Process, th *Thread) int {
	delete(p.threads, th.tid)

	t := th.stack
	var sendReply *Transaction
	if t != nil && t.toThread == th {
		sendReply = t
	}
	active := 0
	for t != nil {
		active++
		c.log.Debug("thread exit with active transaction",
			zap.String("endpoint", string(p.id)), zap.Int32("tid", th.tid),
			zap.Uint64("transaction", t.debugID))
		if t.toThread == th {
			t.toProc = nil
			t.toThread = nil
			if t.buffer != nil {
				t.buffer.Transaction = nil
				t.buffer = nil
			}
			t = t.toParent
		} else if t.from == th {
			t.from = nil
			t = t.fromParent
		} else {
			c.log.Error("transaction stack corruption",
				zap.Int32("tid", th.tid), zap.Uint64("transaction", t.debugID))
			break
		}
	}
	if sendReply != nil {
		c.sendFailedReply(sendReply, protocol.RetDeadReply)
	}
	c.releaseWorkList(&th.todo)
	c.metrics.RecordObjectDeleted(monitoring.KindThread)
	return active
}

// releaseWorkList drops a dying queue. Undelivered synchronous transactions
// are failed upstream; everything else is discarded.
func (c *Core) releaseWorkList(wl *workList) {
	for {
		w := wl.pop()
		if w == nil {
			return
		}
		switch w.typ {
		case workTransaction:
			t := w.txn
			if t.buffer != nil && t.buffer.TargetNode != nil &&
				!t.flags.OneWay() {
				c.sendFailedReply(t, protocol.RetDeadReply)
			} else {
				c.freeTransaction(t)
			}
		case workTransactionComplete:
			c.metrics.RecordObjectDeleted(monitoring.KindTransactionComplete)
		default:
			// Death items are reclaimed when their reference dies.
		}
	}
}

// releaseLocked sweeps a dead process: threads, then nodes (orphaning any
// with surviving external references and firing their death subscriptions),
// then outgoing references, then queued work and delivered deaths, then
// buffers and the mapping itself.
func (c *Core) releaseLocked(p *Process) {
	if p.dead {
		return
	}
	p.dead = true

	delete(c.procs, p)
	c.metrics.SetProcessesActive(len(c.procs))
	if c.ctxMgr != nil && c.ctxMgr.proc == p {
		c.log.Debug("context manager gone", zap.String("endpoint", string(p.id)))
		c.ctxMgr = nil
	}

	threads := 0
	activeTransactions := 0
	for _, th := range threadSnapshot(p) {
		threads++
		activeTransactions += c.freeThread(p, th)
	}

	nodes := 0
	incomingRefs := 0
	for _, node := range nodeSnapshot(p) {
		nodes++
		p.nodes.Delete(node)
		node.work.unlink()
		if len(node.refs) == 0 {
			c.metrics.RecordObjectDeleted(monitoring.KindNode)
			continue
		}

		node.proc = nil
		node.localStrong = 0
		node.localWeak = 0
		c.orphans[node] = struct{}{}

		deaths := 0
		for ref := range node.refs {
			incomingRefs++
			if ref.death == nil {
				continue
			}
			deaths++
			if ref.death.work.queued() {
				c.log.Error("death subscription already queued at owner death",
					zap.Uint64("ref", ref.debugID))
				continue
			}
			ref.death.work.typ = workDeadBinder
			ref.proc.todo.push(ref.death.work)
			ref.proc.wakeOne()
		}
		c.log.Debug("node orphaned",
			zap.Uint64("node", node.debugID),
			zap.Int("refs", len(node.refs)), zap.Int("deaths", deaths))
	}

	outgoingRefs := 0
	for _, ref := range refSnapshot(p) {
		outgoingRefs++
		c.deleteRef(ref)
	}

	c.releaseWorkList(&p.todo)
	// Deliveries still awaiting acknowledgement after the ref sweep belong
	// to subscriptions that were already cleared.
	for w := p.deliveredDeath.pop(); w != nil; w = p.deliveredDeath.pop() {
		c.metrics.RecordObjectDeleted(monitoring.KindDeath)
	}

	buffers := 0
	if p.pool != nil {
		for _, buf := range p.pool.AllocatedBuffers() {
			if t, ok := buf.Transaction.(*Transaction); ok && t != nil {
				c.log.Error("release with transaction not freed",
					zap.String("endpoint", string(p.id)),
					zap.Uint64("transaction", t.debugID))
				t.buffer = nil
				buf.Transaction = nil
			}
			p.pool.Free(buf)
			c.metrics.RecordBufferFree()
			buffers++
		}
		if err := p.pool.Destroy(); err != nil {
			c.log.Error("arena release failed",
				zap.String("endpoint", string(p.id)), zap.Error(err))
		}
	}

	c.metrics.RecordObjectDeleted(monitoring.KindProcess)
	close(p.released)
	c.log.Info("endpoint released",
		zap.String("endpoint", string(p.id)),
		zap.Int("threads", threads),
		zap.Int("nodes", nodes),
		zap.Int("incoming_refs", incomingRefs),
		zap.Int("outgoing_refs", outgoingRefs),
		zap.Int("active_transactions", activeTransactions),
		zap.Int("buffers", buffers))
}

func threadSnapshot(p *Process) []*Thread {
	out := make([]*Thread, 0, len(p.threads))
	for _, th := range p.threads {
		out = append(out, th)
	}
	return out
}

func nodeSnapshot(p *Process) []*Node {
	out := make([]*Node, 0, p.nodes.Len())
	p.nodes.Ascend(func(n *Node) bool {
		out = append(out, n)
		return true
	})
	return out
}

func refSnapshot(p *Process) []*Ref {
	out := make([]*Ref, 0, p.refsByDesc.Len())
	p.refsByDesc.Ascend(func(r *Ref) bool {
		out = append(out, r)
		return true
	})
	return out
}
