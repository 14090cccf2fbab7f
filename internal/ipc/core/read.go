package core

import (
	"container/list"
	"context"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/protocol"
)

func (c *Core) recordReturn(p *Process, th *Thread, r protocol.Return) {
	c.metrics.RecordReturn(r.String())
	p.stats.recordReturn(r)
	th.stats.recordReturn(r)
}

// waitForWork blocks the thread until its wakeup predicate holds. Called
// with the broker lock held; the lock is dropped while sleeping. procWork
// selects the process queue (exclusive wakeup) over the thread queue.
func (c *Core) waitForWork(ctx context.Context, p *Process, th *Thread, procWork, nonBlock bool) error {
	if procWork {
		if !th.looper.registeredOrEntered() {
			c.userError(p, th, "thread waiting for process work outside looper",
				zap.Uint32("state", uint32(th.looper)))
		}
		p.setNice(th, p.defaultNice)
	}

	if nonBlock {
		if procWork {
			if !c.hasProcWork(p, th) {
				return ErrWouldBlock
			}
		} else if !c.hasThreadWork(th) {
			return ErrWouldBlock
		}
		return nil
	}

	for {
		if procWork {
			if c.hasProcWork(p, th) {
				return nil
			}
		} else if c.hasThreadWork(th) {
			return nil
		}

		var ch chan struct{}
		var elem *list.Element
		if procWork {
			ch = make(chan struct{}, 1)
			elem = p.waiters.PushBack(ch)
		} else {
			ch = th.wake
		}

		c.mu.Unlock()
		var ctxErr error
		select {
		case <-ch:
		case <-ctx.Done():
			ctxErr = ctx.Err()
		}
		c.mu.Lock()

		if procWork {
			p.waiters.Remove(elem)
			if ctxErr != nil {
				// Hand off a wakeup this waiter may have absorbed.
				select {
				case <-ch:
					p.wakeOne()
				default:
				}
			}
		}
		if ctxErr != nil {
			return ctxErr
		}
	}
}

// executeRead fills the read stream. It blocks (unless nonBlock) until the
// thread has work, drains stashed return errors first, dispatches work items
// until a transaction or death is delivered, and finally issues a spawn hint
// when the looper pool has run dry. Called with the broker lock held.
func (c *Core) executeRead(ctx context.Context, p *Process, th *Thread, enc *protocol.Encoder, nonBlock bool) error {
	if enc.Len() == 0 {
		if !enc.PutReturn(protocol.RetNoop) {
			return nil
		}
	}

outer:
	for {
		waitForProcWork := th.stack == nil && th.todo.empty()

		if th.returnError != protocol.RetOK {
			if th.returnError2 != protocol.RetOK && enc.Remaining() >= 4 {
				enc.PutReturn(th.returnError2)
				c.recordReturn(p, th, th.returnError2)
				th.returnError2 = protocol.RetOK
			}
			if enc.Remaining() >= 4 {
				enc.PutReturn(th.returnError)
				c.recordReturn(p, th, th.returnError)
				th.returnError = protocol.RetOK
			}
			break outer
		}

		th.looper |= LooperWaiting
		if waitForProcWork {
			p.readyThreads++
		}
		err := c.waitForWork(ctx, p, th, waitForProcWork, nonBlock)
		if waitForProcWork {
			p.readyThreads--
		}
		th.looper &^= LooperWaiting
		if err != nil {
			return err
		}

		for {
			var w *work
			switch {
			case !th.todo.empty():
				w = th.todo.first()
			case waitForProcWork && !p.todo.empty():
				w = p.todo.first()
			default:
				// Nothing was produced; sleep again unless the caller
				// must pop back to user space.
				if enc.Len() == 4 && th.looper&LooperNeedReturn == 0 {
					continue outer
				}
				break outer
			}

			if enc.Remaining() < protocol.TransactionInfoSize+4 {
				break outer
			}

			switch w.typ {
			case workTransactionComplete:
				enc.PutReturn(protocol.RetTransactionComplete)
				c.recordReturn(p, th, protocol.RetTransactionComplete)
				w.unlink()
				c.metrics.RecordObjectDeleted(monitoring.KindTransactionComplete)

			case workNode:
				node := w.node
				strong := node.internalStrong > 0 || node.localStrong > 0
				weak := len(node.refs) > 0 || node.localWeak > 0 || strong

				ret := protocol.RetOK
				switch {
				case weak && !node.hasWeak:
					ret = protocol.RetIncRefs
					node.hasWeak = true
					node.pendingWeak = true
					node.localWeak++
				case strong && !node.hasStrong:
					ret = protocol.RetAcquire
					node.hasStrong = true
					node.pendingStrong = true
					node.localStrong++
				case !strong && node.hasStrong:
					ret = protocol.RetRelease
					node.hasStrong = false
				case !weak && node.hasWeak:
					ret = protocol.RetDecRefs
					node.hasWeak = false
				}
				if ret != protocol.RetOK {
					// The work item stays queued so the next pass can
					// emit the companion request (weak then strong).
					enc.PutNodeReturn(ret, node.ptr, node.cookie)
					c.recordReturn(p, th, ret)
				} else {
					w.unlink()
					if !weak && !strong {
						p.nodes.Delete(node)
						c.metrics.RecordObjectDeleted(monitoring.KindNode)
						c.log.Debug("node deleted",
							zap.Uint64("node", node.debugID))
					}
				}

			case workDeadBinder, workDeadBinderAndClear,
				workClearDeathNotification:
				death := w.death
				ret := protocol.RetDeadBinder
				if w.typ == workClearDeathNotification {
					ret = protocol.RetClearDeathNotificationDone
				}
				enc.PutCookieReturn(ret, death.cookie)
				c.recordReturn(p, th, ret)
				if w.typ == workClearDeathNotification {
					w.unlink()
					c.metrics.RecordObjectDeleted(monitoring.KindDeath)
				} else {
					p.deliveredDeath.push(w)
				}
				if ret == protocol.RetDeadBinder {
					// Death notifications can cause transactions; pop
					// back so the subscriber reacts promptly.
					break outer
				}

			case workTransaction:
				t := w.txn
				buf := t.buffer
				var info protocol.TransactionInfo
				ret := protocol.RetReply
				if buf.TargetNode != nil {
					node := buf.TargetNode.(*Node)
					info.Target = node.ptr
					info.Cookie = node.cookie
					// Priority inheritance: adopt the caller's priority
					// for synchronous work, floored by the node's
					// minimum service priority.
					t.savedPriority = th.nice
					if t.priority < node.minPriority && !t.flags.OneWay() {
						p.setNice(th, t.priority)
					} else if !t.flags.OneWay() || t.savedPriority > node.minPriority {
						p.setNice(th, node.minPriority)
					}
					ret = protocol.RetTransaction
				}
				info.Code = t.code
				info.Flags = t.flags
				info.SenderUID = t.senderUID
				if t.from != nil {
					info.SenderPID = t.from.proc.pid
				}
				info.DataSize = buf.DataSize()
				info.OffsetsSize = buf.OffsetsSize()
				info.DataPtr = buf.UserAddress()
				info.OffsetsPtr = info.DataPtr + protocol.Align(buf.DataSize())

				enc.PutTransaction(ret, info)
				c.recordReturn(p, th, ret)
				c.log.Debug("transaction delivered",
					zap.Uint64("transaction", t.debugID),
					zap.String("endpoint", string(p.id)),
					zap.Int32("tid", th.tid),
					zap.String("return", ret.String()))

				w.unlink()
				buf.SetAllowUserFree(true)
				if ret == protocol.RetTransaction && !t.flags.OneWay() {
					t.toParent = th.stack
					t.toThread = th
					th.stack = t
				} else {
					buf.Transaction = nil
					c.freeTransaction(t)
				}
				break outer
			}
		}
	}

	if p.requestedThreads+p.readyThreads == 0 &&
		p.requestedThreadsStarted < p.maxThreads &&
		th.looper.registeredOrEntered() && enc.Len() >= 4 {
		p.requestedThreads++
		enc.OverwriteFirst(protocol.RetSpawnLooper)
		c.recordReturn(p, th, protocol.RetSpawnLooper)
		c.metrics.RecordSpawnHint()
		c.log.Debug("spawn hint issued",
			zap.String("endpoint", string(p.id)), zap.Int32("tid", th.tid))
	}
	return nil
}
