package core

import (
	"errors"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/monitoring"
)

var errInvalidInc = errors.New("core: invalid node increment")

// getNode looks up a node by service pointer in its home process.
func (p *Process) getNode(ptr uint64) *Node {
	if n, ok := p.nodes.Get(&Node{ptr: ptr}); ok {
		return n
	}
	return nil
}

// newNode creates a node for a service pointer not yet exported by p.
// Returns nil if the pointer is already bound.
func (c *Core) newNode(p *Process, ptr, cookie uint64) *Node {
	if p.getNode(ptr) != nil {
		return nil
	}
	n := newNodeRecord(c.seq.Next(), p, ptr, cookie)
	p.nodes.ReplaceOrInsert(n)
	c.metrics.RecordObjectCreated(monitoring.KindNode)
	c.log.Debug("node created",
		zap.String("endpoint", string(p.id)),
		zap.Uint64("node", n.debugID), zap.Uint64("ptr", ptr))
	return n
}

// incNode adds a strong or weak count to a node. internal counts come from
// references held by other processes; local counts pin the node for in-flight
// transactions and owner acknowledgements. When the owner does not yet hold
// the corresponding count, the node's work item is queued on targetList so
// the owner's next read emits the acquire request.
func (c *Core) incNode(n *Node, strong, internal bool, targetList *workList) error {
	if strong {
		if internal {
			if targetList == nil && n.internalStrong == 0 &&
				!(n == c.ctxMgr && n.hasStrong) {
				c.log.Error("invalid strong increment", zap.Uint64("node", n.debugID))
				return errInvalidInc
			}
			n.internalStrong++
		} else {
			n.localStrong++
		}
		if !n.hasStrong && targetList != nil {
			targetList.push(n.work)
		}
	} else {
		if !internal {
			n.localWeak++
		}
		if !n.hasWeak && !n.work.queued() {
			if targetList == nil {
				c.log.Error("invalid weak increment", zap.Uint64("node", n.debugID))
				return errInvalidInc
			}
			targetList.push(n.work)
		}
	}
	return nil
}

// decNode drops a strong or weak count. When the last counts disappear the
// owner is scheduled to release its hold; once nothing pins the node it is
// destroyed (or unlinked from the orphan set if the owner is already gone).
func (c *Core) decNode(n *Node, strong, internal bool) {
	if strong {
		if internal {
			n.internalStrong--
		} else {
			n.localStrong--
		}
		if n.localStrong > 0 || n.internalStrong > 0 {
			return
		}
	} else {
		if !internal {
			n.localWeak--
		}
		if n.localWeak > 0 || len(n.refs) > 0 {
			return
		}
	}

	if n.proc != nil && (n.hasStrong || n.hasWeak) {
		if !n.work.queued() {
			n.proc.todo.push(n.work)
			n.proc.wakeOne()
		}
		return
	}

	if len(n.refs) == 0 && n.localStrong == 0 && n.localWeak == 0 {
		n.work.unlink()
		if n.proc != nil {
			n.proc.nodes.Delete(n)
			c.log.Debug("refless node deleted", zap.Uint64("node", n.debugID))
		} else {
			delete(c.orphans, n)
			c.log.Debug("orphan node deleted", zap.Uint64("node", n.debugID))
		}
		c.metrics.RecordObjectDeleted(monitoring.KindNode)
	}
}

// getRef looks up a reference by descriptor.
func (p *Process) getRef(desc uint32) *Ref {
	if r, ok := p.refsByDesc.Get(&Ref{desc: desc}); ok {
		return r
	}
	return nil
}

// getRefForNode returns p's reference to node, creating one if needed. New
// descriptors are the smallest unused non-negative integer, except that the
// context-manager node always binds descriptor 0.
func (c *Core) getRefForNode(p *Process, node *Node) *Ref {
	if ref, ok := p.refsByNode[node]; ok {
		return ref
	}
	ref := &Ref{
		debugID: c.seq.Next(),
		proc:    p,
		node:    node,
	}
	if node != c.ctxMgr {
		ref.desc = 1
	}
	p.refsByDesc.Ascend(func(r *Ref) bool {
		if r.desc > ref.desc {
			return false
		}
		ref.desc = r.desc + 1
		return true
	})
	p.refsByDesc.ReplaceOrInsert(ref)
	p.refsByNode[node] = ref
	node.refs[ref] = struct{}{}
	c.metrics.RecordObjectCreated(monitoring.KindRef)
	c.log.Debug("ref created",
		zap.String("endpoint", string(p.id)),
		zap.Uint64("ref", ref.debugID), zap.Uint32("desc", ref.desc),
		zap.Uint64("node", node.debugID))
	return ref
}

// deleteRef destroys a reference, dropping its node counts and any attached
// death subscription.
func (c *Core) deleteRef(ref *Ref) {
	c.log.Debug("ref deleted",
		zap.String("endpoint", string(ref.proc.id)),
		zap.Uint64("ref", ref.debugID), zap.Uint32("desc", ref.desc),
		zap.Uint64("node", ref.node.debugID))
	ref.proc.refsByDesc.Delete(ref)
	delete(ref.proc.refsByNode, ref.node)
	if ref.strong > 0 {
		c.decNode(ref.node, true, true)
	}
	delete(ref.node.refs, ref)
	c.decNode(ref.node, false, true)
	if ref.death != nil {
		c.log.Debug("deleted ref had death subscription",
			zap.Uint64("ref", ref.debugID))
		ref.death.work.unlink()
		c.metrics.RecordObjectDeleted(monitoring.KindDeath)
		ref.death = nil
	}
	c.metrics.RecordObjectDeleted(monitoring.KindRef)
}

// incRef bumps a reference count; the 0→1 transition forwards to the node.
func (c *Core) incRef(ref *Ref, strong bool, targetList *workList) error {
	if strong {
		if ref.strong == 0 {
			if err := c.incNode(ref.node, true, true, targetList); err != nil {
				return err
			}
		}
		ref.strong++
	} else {
		if ref.weak == 0 {
			if err := c.incNode(ref.node, false, true, targetList); err != nil {
				return err
			}
		}
		ref.weak++
	}
	return nil
}

// decRef drops a reference count; the 1→0 transition forwards to the node
// and the reference is destroyed when both counts are zero. No-op underflows
// are diagnostics, not errors.
func (c *Core) decRef(p *Process, ref *Ref, strong bool) {
	if strong {
		if ref.strong == 0 {
			c.userError(p, nil, "invalid strong decrement",
				zap.Uint64("ref", ref.debugID), zap.Uint32("desc", ref.desc))
			return
		}
		ref.strong--
		if ref.strong == 0 {
			c.decNode(ref.node, true, true)
		}
	} else {
		if ref.weak == 0 {
			c.userError(p, nil, "invalid weak decrement",
				zap.Uint64("ref", ref.debugID), zap.Uint32("desc", ref.desc))
			return
		}
		ref.weak--
	}
	if ref.strong == 0 && ref.weak == 0 {
		c.deleteRef(ref)
	}
}
