package core

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/protocol"
)

// ErrUnknownCommand aborts a write stream at an unrecognized code.
var ErrUnknownCommand = errors.New("core: unknown command")

// executeWrite interprets the thread's command stream. It stops early when a
// command stashes a return error so the next read drains it first. The
// returned count reports consumed bytes even on error.
func (c *Core) executeWrite(p *Process, th *Thread, stream []byte) (int, error) {
	d := protocol.NewDecoder(stream)
	for d.More() && th.returnError == protocol.RetOK {
		cmd, err := d.Command()
		if err != nil {
			return d.Consumed(), err
		}
		c.metrics.RecordCommand(cmd.String())
		p.stats.recordCommand(cmd)
		th.stats.recordCommand(cmd)

		switch cmd {
		case protocol.CmdIncRefs, protocol.CmdAcquire,
			protocol.CmdRelease, protocol.CmdDecRefs:
			target, err := d.U32()
			if err != nil {
				return d.Consumed(), err
			}
			var ref *Ref
			if target == 0 && c.ctxMgr != nil &&
				(cmd == protocol.CmdIncRefs || cmd == protocol.CmdAcquire) {
				// Descriptor 0 auto-vivifies the context-manager ref.
				ref = c.getRefForNode(p, c.ctxMgr)
				if ref.desc != target {
					c.userError(p, th, "acquired context manager under wrong descriptor",
						zap.Uint32("desc", ref.desc))
				}
			} else {
				ref = p.getRef(target)
			}
			if ref == nil {
				c.userError(p, th, "refcount change on invalid ref",
					zap.Uint32("desc", target))
				break
			}
			switch cmd {
			case protocol.CmdIncRefs:
				_ = c.incRef(ref, false, nil)
			case protocol.CmdAcquire:
				_ = c.incRef(ref, true, nil)
			case protocol.CmdRelease:
				c.decRef(p, ref, true)
			case protocol.CmdDecRefs:
				c.decRef(p, ref, false)
			}

		case protocol.CmdIncRefsDone, protocol.CmdAcquireDone:
			ptr, err := d.U64()
			if err != nil {
				return d.Consumed(), err
			}
			cookie, err := d.U64()
			if err != nil {
				return d.Consumed(), err
			}
			node := p.getNode(ptr)
			if node == nil {
				c.userError(p, th, "refcount acknowledgement with no matching node",
					zap.String("command", cmd.String()), zap.Uint64("ptr", ptr))
				break
			}
			if cookie != node.cookie {
				c.userError(p, th, "refcount acknowledgement cookie mismatch",
					zap.String("command", cmd.String()),
					zap.Uint64("node", node.debugID),
					zap.Uint64("cookie", cookie))
				break
			}
			strong := cmd == protocol.CmdAcquireDone
			if strong {
				if !node.pendingStrong {
					c.userError(p, th, "acquire acknowledgement without pending request",
						zap.Uint64("node", node.debugID))
					break
				}
				node.pendingStrong = false
			} else {
				if !node.pendingWeak {
					c.userError(p, th, "increfs acknowledgement without pending request",
						zap.Uint64("node", node.debugID))
					break
				}
				node.pendingWeak = false
			}
			// Drop the local count taken when the request was emitted.
			c.decNode(node, strong, false)

		case protocol.CmdFreeBuffer:
			addr, err := d.U64()
			if err != nil {
				return d.Consumed(), err
			}
			if p.pool == nil {
				c.userError(p, th, "free buffer before mmap")
				break
			}
			buf := p.pool.Lookup(addr)
			if buf == nil {
				c.userError(p, th, "free buffer with no match",
					zap.Uint64("addr", addr))
				break
			}
			if !buf.AllowUserFree() {
				c.userError(p, th, "free buffer matched unreturned buffer",
					zap.Uint64("addr", addr))
				break
			}
			if t, ok := buf.Transaction.(*Transaction); ok && t != nil {
				t.buffer = nil
				buf.Transaction = nil
			}
			if buf.IsAsync() && buf.TargetNode != nil {
				// Releasing a oneway buffer unblocks the next oneway
				// parked on the node.
				node := buf.TargetNode.(*Node)
				if node.asyncTodo.empty() {
					node.hasAsyncTxn = false
				} else {
					th.todo.push(node.asyncTodo.first())
				}
			}
			c.transactionBufferRelease(p, buf, -1)
			p.pool.Free(buf)
			c.metrics.RecordBufferFree()

		case protocol.CmdTransaction, protocol.CmdReply:
			req, err := d.TransactionRequest()
			if err != nil {
				return d.Consumed(), err
			}
			c.transact(p, th, req, cmd == protocol.CmdReply)

		case protocol.CmdRegisterLooper:
			if th.looper&LooperEntered != 0 {
				th.looper |= LooperInvalid
				c.userError(p, th, "register looper after enter looper")
			} else if p.requestedThreads == 0 {
				th.looper |= LooperInvalid
				c.userError(p, th, "register looper without request")
			} else {
				p.requestedThreads--
				p.requestedThreadsStarted++
			}
			th.looper |= LooperRegistered

		case protocol.CmdEnterLooper:
			if th.looper&LooperRegistered != 0 {
				th.looper |= LooperInvalid
				c.userError(p, th, "enter looper after register looper")
			}
			th.looper |= LooperEntered

		case protocol.CmdExitLooper:
			th.looper |= LooperExited

		case protocol.CmdRequestDeathNotification,
			protocol.CmdClearDeathNotification:
			target, err := d.U32()
			if err != nil {
				return d.Consumed(), err
			}
			cookie, err := d.U64()
			if err != nil {
				return d.Consumed(), err
			}
			ref := p.getRef(target)
			if ref == nil {
				c.userError(p, th, "death notification on invalid ref",
					zap.String("command", cmd.String()), zap.Uint32("desc", target))
				break
			}
			if cmd == protocol.CmdRequestDeathNotification {
				c.requestDeathNotification(p, th, ref, cookie)
			} else {
				c.clearDeathNotification(p, th, ref, cookie)
			}

		case protocol.CmdDeadBinderDone:
			cookie, err := d.U64()
			if err != nil {
				return d.Consumed(), err
			}
			c.deadBinderDone(p, th, cookie)

		default:
			c.log.Error("unknown command",
				zap.String("endpoint", string(p.id)), zap.Int32("tid", th.tid),
				zap.Uint32("command", uint32(cmd)))
			return d.Consumed(), fmt.Errorf("%w: %d", ErrUnknownCommand, uint32(cmd))
		}
	}
	return d.Consumed(), nil
}

// requestDeathNotification attaches a subscription to ref. If the node is
// already orphaned the death fires immediately.
func (c *Core) requestDeathNotification(p *Process, th *Thread, ref *Ref, cookie uint64) {
	if ref.death != nil {
		c.userError(p, th, "death notification already set",
			zap.Uint64("ref", ref.debugID))
		return
	}
	death := newDeathSubscription(cookie)
	c.metrics.RecordObjectCreated(monitoring.KindDeath)
	ref.death = death
	if ref.node.proc == nil {
		death.work.typ = workDeadBinder
		if th.looper.registeredOrEntered() {
			th.todo.push(death.work)
		} else {
			p.todo.push(death.work)
			p.wakeOne()
		}
	}
}

// clearDeathNotification detaches the subscription. A not-yet-delivered
// subscription acknowledges the clear directly; one already queued as a
// death upgrades so the reader sees the death first, then the clear.
func (c *Core) clearDeathNotification(p *Process, th *Thread, ref *Ref, cookie uint64) {
	if ref.death == nil {
		c.userError(p, th, "death notification not active",
			zap.Uint64("ref", ref.debugID))
		return
	}
	death := ref.death
	if death.cookie != cookie {
		c.userError(p, th, "death notification cookie mismatch",
			zap.Uint64("ref", ref.debugID), zap.Uint64("cookie", cookie))
		return
	}
	ref.death = nil
	if !death.work.queued() {
		death.work.typ = workClearDeathNotification
		if th.looper.registeredOrEntered() {
			th.todo.push(death.work)
		} else {
			p.todo.push(death.work)
			p.wakeOne()
		}
	} else {
		death.work.typ = workDeadBinderAndClear
	}
}

// deadBinderDone acknowledges a delivered death. A pending clear queued
// behind it is released for delivery.
func (c *Core) deadBinderDone(p *Process, th *Thread, cookie uint64) {
	var death *DeathSubscription
	for e := p.deliveredDeath.l.Front(); e != nil; e = e.Next() {
		w := e.Value.(*work)
		if w.death.cookie == cookie {
			death = w.death
			break
		}
	}
	if death == nil {
		c.userError(p, th, "dead binder acknowledgement not found",
			zap.Uint64("cookie", cookie))
		return
	}
	death.work.unlink()
	if death.work.typ == workDeadBinderAndClear {
		death.work.typ = workClearDeathNotification
		if th.looper.registeredOrEntered() {
			th.todo.push(death.work)
		} else {
			p.todo.push(death.work)
			p.wakeOne()
		}
	}
}
