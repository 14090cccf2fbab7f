package core

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/pool"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/protocol"
)

// Transaction is one request or reply in flight. A synchronous transaction
// lives on its target thread's stack until the reply arrives; a oneway
// transaction is freed at delivery.
type Transaction struct {
	debugID uint64

	// from is the sending thread, set only for synchronous requests; the
	// reply routes back through it.
	from      *Thread
	senderUID uint32

	toProc   *Process
	toThread *Thread

	code  uint32
	flags protocol.TxnFlags

	// priority carries the caller's niceness; savedPriority preserves the
	// reader's own niceness across dispatch.
	priority      int
	savedPriority int

	needReply bool
	buffer    *pool.Buffer

	// fromParent links the sender's transaction stack; toParent links the
	// receiver's.
	fromParent *Transaction
	toParent   *Transaction

	work *work
}

func (c *Core) newTransaction() *Transaction {
	t := &Transaction{debugID: c.seq.Next()}
	t.work = &work{typ: workTransaction, txn: t}
	c.metrics.RecordObjectCreated(monitoring.KindTransaction)
	return t
}

func (c *Core) freeTransaction(t *Transaction) {
	t.work.unlink()
	c.metrics.RecordObjectDeleted(monitoring.KindTransaction)
}

// popTransaction removes t from targetThread's stack (when given) and frees
// it, detaching its buffer.
func (c *Core) popTransaction(targetThread *Thread, t *Transaction) {
	if targetThread != nil {
		targetThread.stack = t.fromParent
		t.from = nil
	}
	t.needReply = false
	if t.buffer != nil {
		t.buffer.Transaction = nil
	}
	c.freeTransaction(t)
}

// sendFailedReply walks a failed transaction's sender chain, delivering the
// error to the nearest live originator and detaching every transaction it
// passes.
func (c *Core) sendFailedReply(t *Transaction, errorCode protocol.Return) {
	for {
		target := t.from
		if target != nil {
			if target.returnError != protocol.RetOK &&
				target.returnError2 == protocol.RetOK {
				target.returnError2 = target.returnError
				target.returnError = protocol.RetOK
			}
			if target.returnError == protocol.RetOK {
				c.log.Debug("failed reply delivered",
					zap.Uint64("transaction", t.debugID),
					zap.Int32("tid", target.tid))
				c.popTransaction(target, t)
				target.returnError = errorCode
				target.signal()
			} else {
				c.log.Error("reply failed, target thread already has error",
					zap.Int32("tid", target.tid),
					zap.Uint32("error", uint32(target.returnError)))
			}
			return
		}
		next := t.fromParent
		c.log.Debug("failed reply, originator dead",
			zap.Uint64("transaction", t.debugID))
		c.popTransaction(nil, t)
		if next == nil {
			return
		}
		t = next
	}
}

// readOffsets parses a buffer's offsets array.
func readOffsets(buf *pool.Buffer) []uint64 {
	raw := buf.OffsetsBytes()
	offsets := make([]uint64, len(raw)/protocol.WordSize)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(raw[i*protocol.WordSize:])
	}
	return offsets
}

// transactionBufferRelease drops every object reference a delivered (or
// partially translated) buffer carries. failedAt limits the walk to the
// offsets that were successfully rewritten; pass -1 to release all of them.
// Target-side file descriptors are closed only when unwinding a failure;
// after delivery they belong to the receiver.
func (c *Core) transactionBufferRelease(p *Process, buf *pool.Buffer, failedAt int) {
	if buf.TargetNode != nil {
		c.decNode(buf.TargetNode.(*Node), true, false)
	}

	offsets := readOffsets(buf)
	end := len(offsets)
	if failedAt >= 0 {
		end = failedAt
	}
	data := buf.DataBytes()
	dataSize := buf.DataSize()
	for i := 0; i < end; i++ {
		off := offsets[i]
		if dataSize < protocol.FlatObjectSize ||
			off > dataSize-protocol.FlatObjectSize ||
			off%protocol.WordSize != 0 {
			c.log.Error("buffer release: bad offset",
				zap.Uint64("buffer", buf.DebugID), zap.Uint64("offset", off))
			continue
		}
		obj := protocol.FlatObjectAt(data, off)
		switch obj.Type {
		case protocol.ObjectBinder, protocol.ObjectWeakBinder:
			node := p.getNode(obj.Value)
			if node == nil {
				c.log.Error("buffer release: bad node",
					zap.Uint64("buffer", buf.DebugID), zap.Uint64("ptr", obj.Value))
				continue
			}
			c.decNode(node, obj.Type == protocol.ObjectBinder, false)
		case protocol.ObjectHandle, protocol.ObjectWeakHandle:
			ref := p.getRef(uint32(obj.Value))
			if ref == nil {
				c.log.Error("buffer release: bad handle",
					zap.Uint64("buffer", buf.DebugID), zap.Uint64("handle", obj.Value))
				continue
			}
			c.decRef(p, ref, obj.Type == protocol.ObjectHandle)
		case protocol.ObjectFD:
			if failedAt >= 0 && p.files != nil {
				_ = p.files.Close(uint32(obj.Value))
			}
		default:
			c.log.Error("buffer release: bad object type",
				zap.Uint64("buffer", buf.DebugID), zap.Uint32("type", uint32(obj.Type)))
		}
	}
}

// failTransaction records the failure and routes the error: a failed reply
// propagates upstream through the in-reply-to chain, a failed request is
// stashed as the caller's return error.
func (c *Core) failTransaction(p *Process, th *Thread, inReplyTo *Transaction, returnError protocol.Return, e TxnLogEntry) {
	c.log.Debug("transaction failed",
		zap.String("endpoint", string(p.id)), zap.Int32("tid", th.tid),
		zap.String("error", returnError.String()))
	c.txnLogFailed.Add(e)
	c.metrics.RecordTransactionFailure(returnError.String())

	if th.returnError != protocol.RetOK {
		c.log.Error("transaction failure with pending return error",
			zap.Uint32("pending", uint32(th.returnError)))
	}
	if inReplyTo != nil {
		th.returnError = protocol.RetTransactionComplete
		c.sendFailedReply(inReplyTo, returnError)
	} else {
		th.returnError = returnError
	}
}

// transact routes one CmdTransaction or CmdReply: it selects the target
// process and thread, builds the payload buffer in the target's pool with a
// single copy, rewrites embedded objects into the target's namespace, and
// enqueues the work.
func (c *Core) transact(p *Process, th *Thread, req protocol.TransactionRequest, reply bool) {
	e := TxnLogEntry{
		CallType:     txnCallType(reply, req.Flags),
		FromPid:      p.pid,
		FromTid:      th.tid,
		TargetHandle: req.Target,
		DataSize:     uint64(len(req.Data)),
		OffsetsSize:  req.OffsetsSize,
	}

	var (
		inReplyTo    *Transaction
		targetProc   *Process
		targetThread *Thread
		targetNode   *Node
	)

	if reply {
		inReplyTo = th.stack
		if inReplyTo == nil {
			c.userError(p, th, "reply with no transaction stack")
			c.failTransaction(p, th, nil, protocol.RetFailedReply, e)
			return
		}
		p.setNice(th, inReplyTo.savedPriority)
		if inReplyTo.toThread != th {
			c.userError(p, th, "reply with bad transaction stack",
				zap.Uint64("transaction", inReplyTo.debugID))
			c.failTransaction(p, th, nil, protocol.RetFailedReply, e)
			return
		}
		th.stack = inReplyTo.toParent
		targetThread = inReplyTo.from
		if targetThread == nil {
			c.failTransaction(p, th, inReplyTo, protocol.RetDeadReply, e)
			return
		}
		if targetThread.stack != inReplyTo {
			c.userError(p, th, "reply with bad target transaction stack",
				zap.Uint64("expected", inReplyTo.debugID))
			c.failTransaction(p, th, nil, protocol.RetFailedReply, e)
			return
		}
		targetProc = targetThread.proc
	} else {
		if req.Target != 0 {
			ref := p.getRef(uint32(req.Target))
			if ref == nil {
				c.userError(p, th, "transaction to invalid handle",
					zap.Uint64("handle", req.Target))
				c.failTransaction(p, th, nil, protocol.RetFailedReply, e)
				return
			}
			targetNode = ref.node
		} else {
			targetNode = c.ctxMgr
			if targetNode == nil {
				c.failTransaction(p, th, nil, protocol.RetDeadReply, e)
				return
			}
		}
		e.ToNode = targetNode.debugID
		targetProc = targetNode.proc
		if targetProc == nil {
			c.failTransaction(p, th, nil, protocol.RetDeadReply, e)
			return
		}
		// Dependent-thread optimization: if an ancestor of this call chain
		// originated from a thread in the target process, deliver there so
		// nested RPCs re-enter the waiting worker.
		if !req.Flags.OneWay() && th.stack != nil {
			tmp := th.stack
			if tmp.toThread != th {
				c.userError(p, th, "new transaction with bad transaction stack",
					zap.Uint64("transaction", tmp.debugID))
				c.failTransaction(p, th, nil, protocol.RetFailedReply, e)
				return
			}
			for tmp != nil {
				if tmp.from != nil && tmp.from.proc == targetProc {
					targetThread = tmp.from
				}
				tmp = tmp.fromParent
			}
		}
	}

	var targetList *workList
	wakeThread := targetThread
	if targetThread != nil {
		e.ToTid = targetThread.tid
		targetList = &targetThread.todo
	} else {
		targetList = &targetProc.todo
	}
	e.ToProc = targetProc.pid

	t := c.newTransaction()
	e.DebugID = t.debugID

	if !reply && !req.Flags.OneWay() {
		t.from = th
	}
	t.senderUID = p.uid
	t.toProc = targetProc
	t.toThread = targetThread
	t.code = req.Code
	t.flags = req.Flags
	t.priority = th.nice

	if targetProc.pool == nil {
		c.log.Error("transaction target has no mapping",
			zap.String("endpoint", string(targetProc.id)))
		c.freeTransaction(t)
		c.failTransaction(p, th, inReplyTo, protocol.RetFailedReply, e)
		return
	}
	buf, err := targetProc.pool.Alloc(
		uint64(len(req.Data)),
		req.OffsetsSize,
		!reply && req.Flags.OneWay())
	if err != nil {
		c.log.Warn("transaction buffer allocation failed",
			zap.String("endpoint", string(targetProc.id)), zap.Error(err))
		c.freeTransaction(t)
		c.failTransaction(p, th, inReplyTo, protocol.RetFailedReply, e)
		return
	}
	c.metrics.RecordBufferAlloc()
	buf.DebugID = t.debugID
	buf.Transaction = t
	t.buffer = buf
	if targetNode != nil {
		// A typed nil must never reach the any-typed attachment.
		buf.TargetNode = targetNode
		_ = c.incNode(targetNode, true, false, nil)
	}

	// Single copy: payload and offsets land directly in the target's
	// mapped arena.
	copy(buf.DataBytes(), req.Data)
	offsetsRaw := buf.OffsetsBytes()
	for i, off := range req.Offsets {
		binary.LittleEndian.PutUint64(offsetsRaw[i*protocol.WordSize:], off)
	}
	if req.OffsetsSize%protocol.WordSize != 0 {
		c.userError(p, th, "transaction with invalid offsets size",
			zap.Uint64("offsets_size", req.OffsetsSize))
		c.transactionBufferRelease(targetProc, buf, 0)
		buf.Transaction = nil
		targetProc.pool.Free(buf)
		c.metrics.RecordBufferFree()
		c.freeTransaction(t)
		c.failTransaction(p, th, inReplyTo, protocol.RetFailedReply, e)
		return
	}

	failedAt := -1
	returnError := protocol.RetOK
	data := buf.DataBytes()
	dataSize := buf.DataSize()
	for i, off := range req.Offsets {
		if dataSize < protocol.FlatObjectSize ||
			off > dataSize-protocol.FlatObjectSize ||
			off%protocol.WordSize != 0 {
			c.userError(p, th, "transaction with invalid offset",
				zap.Uint64("offset", off))
			failedAt, returnError = i, protocol.RetFailedReply
			break
		}
		obj := protocol.FlatObjectAt(data, off)
		switch obj.Type {
		case protocol.ObjectBinder, protocol.ObjectWeakBinder:
			node := p.getNode(obj.Value)
			if node == nil {
				node = c.newNode(p, obj.Value, obj.Cookie)
				node.minPriority = int(obj.Flags & protocol.ObjectFlagPriorityMask)
				node.acceptFDs = obj.Flags&protocol.ObjectFlagAcceptsFDs != 0
			}
			if obj.Cookie != node.cookie {
				c.userError(p, th, "node cookie mismatch",
					zap.Uint64("ptr", obj.Value),
					zap.Uint64("node", node.debugID))
				failedAt, returnError = i, protocol.RetFailedReply
				break
			}
			ref := c.getRefForNode(targetProc, node)
			strong := obj.Type == protocol.ObjectBinder
			if strong {
				obj.Type = protocol.ObjectHandle
			} else {
				obj.Type = protocol.ObjectWeakHandle
			}
			obj.Value = uint64(ref.desc)
			protocol.PutFlatObjectAt(data, off, obj)
			// Queue the acquire on the caller's own todo so it learns to
			// hold a ref by the time this write returns.
			_ = c.incRef(ref, strong, &th.todo)

		case protocol.ObjectHandle, protocol.ObjectWeakHandle:
			ref := p.getRef(uint32(obj.Value))
			if ref == nil {
				c.userError(p, th, "transaction with invalid handle",
					zap.Uint64("handle", obj.Value))
				failedAt, returnError = i, protocol.RetFailedReply
				break
			}
			strong := obj.Type == protocol.ObjectHandle
			if ref.node.proc == targetProc {
				// The handle crosses back into the node's home process;
				// collapse it to the local service pointer.
				if strong {
					obj.Type = protocol.ObjectBinder
				} else {
					obj.Type = protocol.ObjectWeakBinder
				}
				obj.Value = ref.node.ptr
				obj.Cookie = ref.node.cookie
				protocol.PutFlatObjectAt(data, off, obj)
				_ = c.incNode(ref.node, strong, false, nil)
			} else {
				newRef := c.getRefForNode(targetProc, ref.node)
				obj.Value = uint64(newRef.desc)
				protocol.PutFlatObjectAt(data, off, obj)
				_ = c.incRef(newRef, strong, nil)
			}

		case protocol.ObjectFD:
			if reply {
				if !inReplyTo.flags.AcceptsFDs() {
					c.userError(p, th, "reply with fd but target does not allow fds",
						zap.Uint64("fd", obj.Value))
					failedAt, returnError = i, protocol.RetFailedReply
					break
				}
			} else if !targetNode.acceptFDs {
				c.userError(p, th, "transaction with fd but target does not allow fds",
					zap.Uint64("fd", obj.Value))
				failedAt, returnError = i, protocol.RetFailedReply
				break
			}
			if p.files == nil || targetProc.files == nil {
				c.userError(p, th, "fd passing without file table")
				failedAt, returnError = i, protocol.RetFailedReply
				break
			}
			file, ferr := p.files.Get(uint32(obj.Value))
			if ferr != nil {
				c.userError(p, th, "transaction with invalid fd",
					zap.Uint64("fd", obj.Value), zap.Error(ferr))
				failedAt, returnError = i, protocol.RetFailedReply
				break
			}
			targetFD, ferr := targetProc.files.Install(file)
			if ferr != nil {
				_ = file.Close()
				failedAt, returnError = i, protocol.RetFailedReply
				break
			}
			obj.Value = uint64(targetFD)
			protocol.PutFlatObjectAt(data, off, obj)

		default:
			c.userError(p, th, "transaction with invalid object type",
				zap.Uint32("type", uint32(obj.Type)))
			failedAt, returnError = i, protocol.RetFailedReply
		}
		if failedAt >= 0 {
			break
		}
	}
	if failedAt >= 0 {
		c.transactionBufferRelease(targetProc, buf, failedAt)
		buf.Transaction = nil
		targetProc.pool.Free(buf)
		c.metrics.RecordBufferFree()
		c.freeTransaction(t)
		c.failTransaction(p, th, inReplyTo, returnError, e)
		return
	}

	if reply {
		c.popTransaction(targetThread, inReplyTo)
	} else if !req.Flags.OneWay() {
		t.needReply = true
		t.fromParent = th.stack
		th.stack = t
	} else {
		// At most one oneway per node is in flight; later ones park on the
		// node's async queue until the live buffer is freed.
		if targetNode.hasAsyncTxn {
			targetList = &targetNode.asyncTodo
			wakeThread = nil
			targetProc = nil // suppress the process wakeup below
		} else {
			targetNode.hasAsyncTxn = true
		}
	}
	targetList.push(t.work)
	tcomplete := &work{typ: workTransactionComplete}
	c.metrics.RecordObjectCreated(monitoring.KindTransactionComplete)
	th.todo.push(tcomplete)
	if wakeThread != nil {
		wakeThread.signal()
	} else if targetProc != nil {
		targetProc.wakeOne()
	}

	c.txnLog.Add(e)
	c.metrics.RecordTransaction(e.CallType, len(req.Data))
	c.log.Debug("transaction queued",
		zap.Uint64("transaction", t.debugID),
		zap.String("kind", e.CallType),
		zap.String("endpoint", string(p.id)),
		zap.Int32("to_pid", e.ToProc))
}

func txnCallType(reply bool, flags protocol.TxnFlags) string {
	switch {
	case reply:
		return "reply"
	case flags.OneWay():
		return "oneway"
	default:
		return "call"
	}
}
