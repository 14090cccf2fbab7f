package core

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/protocol"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	c := New(DefaultConfig(), logging.NewNop(), monitoring.NewMetrics())
	t.Cleanup(c.Close)
	return c
}

func openMapped(t *testing.T, c *Core, pid int32, uid uint32) *Process {
	t.Helper()
	p := c.Open(pid, uid, nil)
	if _, _, err := c.Mmap(p, 128*1024); err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	return p
}

// run performs one non-blocking WriteRead and parses the returns. An empty
// read is reported as no returns.
func run(t *testing.T, c *Core, p *Process, tid int32, write []byte) []protocol.DecodedReturn {
	t.Helper()
	read := make([]byte, 2048)
	_, rc, err := c.WriteRead(context.Background(), p, tid, write, read, true)
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("WriteRead: %v", err)
	}
	rets, perr := protocol.ParseReturns(read[:rc])
	if perr != nil {
		t.Fatalf("ParseReturns: %v", perr)
	}
	return rets
}

func codes(rets []protocol.DecodedReturn) []protocol.Return {
	out := make([]protocol.Return, len(rets))
	for i, r := range rets {
		out[i] = r.Code
	}
	return out
}

func wantCodes(t *testing.T, rets []protocol.DecodedReturn, want ...protocol.Return) {
	t.Helper()
	got := codes(rets)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("returns = %v, want %v", got, want)
	}
}

func TestContextManagerSlot(t *testing.T) {
	c := newTestCore(t)
	p0 := openMapped(t, c, 100, 1000)
	p1 := openMapped(t, c, 101, 1000)
	p2 := openMapped(t, c, 102, 2000)

	if err := c.SetContextManager(p0); err != nil {
		t.Fatalf("SetContextManager: %v", err)
	}
	if err := c.SetContextManager(p1); !errors.Is(err, ErrContextManagerBusy) {
		t.Errorf("second claim: err = %v, want ErrContextManagerBusy", err)
	}

	// Vacate the slot; the uid stays sticky.
	c.Release(p0)
	<-p0.Released()
	if err := c.SetContextManager(p2); !errors.Is(err, ErrContextManagerUID) {
		t.Errorf("claim from other uid: err = %v, want ErrContextManagerUID", err)
	}
	if err := c.SetContextManager(p1); err != nil {
		t.Errorf("claim from original uid: %v", err)
	}
}

func TestContextManagerNodeState(t *testing.T) {
	c := newTestCore(t)
	p0 := openMapped(t, c, 100, 1000)
	if err := c.SetContextManager(p0); err != nil {
		t.Fatal(err)
	}

	nodes := c.Nodes(p0)
	if len(nodes) != 1 {
		t.Fatalf("nodes = %d, want 1", len(nodes))
	}
	n := nodes[0]
	if n.Ptr != 0 || n.LocalStrong != 1 || n.LocalWeak != 1 ||
		!n.HasStrong || !n.HasWeak {
		t.Errorf("context manager node = %+v", n)
	}
}

func TestIncDecRoundTrip(t *testing.T) {
	c := newTestCore(t)
	p0 := openMapped(t, c, 100, 1000)
	if err := c.SetContextManager(p0); err != nil {
		t.Fatal(err)
	}
	p1 := openMapped(t, c, 101, 1001)

	nodesBefore := c.Nodes(p0)

	var w protocol.CommandWriter
	for i := 0; i < 3; i++ {
		w.IncRefs(0)
	}
	run(t, c, p1, 1, w.Bytes())

	refs := c.Refs(p1)
	if len(refs) != 1 || refs[0].Desc != 0 || refs[0].Weak != 3 {
		t.Fatalf("refs after increfs = %+v", refs)
	}

	w.Reset()
	for i := 0; i < 3; i++ {
		w.DecRefs(0)
	}
	run(t, c, p1, 1, w.Bytes())

	if got := c.Refs(p1); len(got) != 0 {
		t.Errorf("refs after decrefs = %+v, want none", got)
	}
	if nodesAfter := c.Nodes(p0); !reflect.DeepEqual(nodesBefore, nodesAfter) {
		t.Errorf("node state changed: before %+v, after %+v", nodesBefore, nodesAfter)
	}
}

func TestRefcountChangeOnInvalidRef(t *testing.T) {
	c := newTestCore(t)
	p := openMapped(t, c, 100, 1000)

	// No context manager and no ref 7: both are diagnostics, not errors.
	var w protocol.CommandWriter
	w.IncRefs(0)
	w.Acquire(7)
	w.Release(7)
	rets := run(t, c, p, 1, w.Bytes())
	wantCodes(t, rets, protocol.RetNoop)
}

func TestDescriptorAllocation(t *testing.T) {
	c := newTestCore(t)
	p0 := openMapped(t, c, 100, 1000)
	if err := c.SetContextManager(p0); err != nil {
		t.Fatal(err)
	}
	holder := openMapped(t, c, 101, 1001)

	c.mu.Lock()
	nodeA := c.newNode(p0, 0xA, 0)
	nodeB := c.newNode(p0, 0xB, 0)
	nodeC := c.newNode(p0, 0xC, 0)
	refCM := c.getRefForNode(holder, c.ctxMgr)
	refA := c.getRefForNode(holder, nodeA)
	refB := c.getRefForNode(holder, nodeB)
	c.mu.Unlock()

	if refCM.desc != 0 {
		t.Errorf("context manager desc = %d, want 0", refCM.desc)
	}
	if refA.desc != 1 || refB.desc != 2 {
		t.Errorf("descs = %d, %d, want 1, 2", refA.desc, refB.desc)
	}

	// Drop the middle descriptor; the next allocation reuses it.
	c.mu.Lock()
	c.deleteRef(refA)
	refC := c.getRefForNode(holder, nodeC)
	c.mu.Unlock()
	if refC.desc != 1 {
		t.Errorf("reused desc = %d, want 1", refC.desc)
	}
}

func TestLooperTransitions(t *testing.T) {
	c := newTestCore(t)
	p := openMapped(t, c, 100, 1000)

	t.Run("register without request is invalid", func(t *testing.T) {
		var w protocol.CommandWriter
		w.RegisterLooper()
		run(t, c, p, 1, w.Bytes())
		th := p.threads[1]
		if th.looper&LooperInvalid == 0 || th.looper&LooperRegistered == 0 {
			t.Errorf("looper = %x", th.looper)
		}
	})

	t.Run("enter then register is invalid", func(t *testing.T) {
		var w protocol.CommandWriter
		w.EnterLooper()
		w.RegisterLooper()
		run(t, c, p, 2, w.Bytes())
		th := p.threads[2]
		if th.looper&LooperInvalid == 0 {
			t.Errorf("looper = %x", th.looper)
		}
	})

	t.Run("plain enter and exit", func(t *testing.T) {
		var w protocol.CommandWriter
		w.EnterLooper()
		run(t, c, p, 3, w.Bytes())
		th := p.threads[3]
		if th.looper&LooperEntered == 0 || th.looper&LooperInvalid != 0 {
			t.Errorf("looper = %x", th.looper)
		}
		w.Reset()
		w.ExitLooper()
		run(t, c, p, 3, w.Bytes())
		if th.looper&LooperExited == 0 {
			t.Errorf("looper = %x", th.looper)
		}
	})
}

func TestSpawnHint(t *testing.T) {
	c := newTestCore(t)
	p0 := openMapped(t, c, 100, 1000)
	if err := c.SetContextManager(p0); err != nil {
		t.Fatal(err)
	}
	c.SetMaxThreads(p0, 2)

	// The context manager sends itself a transaction so its looper read
	// has something to return.
	var w protocol.CommandWriter
	w.EnterLooper()
	w.Transaction(protocol.TransactionRequest{Target: 0, Code: 1})
	rets := run(t, c, p0, 1, w.Bytes())

	// The leading noop is overwritten with the spawn hint.
	if rets[0].Code != protocol.RetSpawnLooper {
		t.Fatalf("first return = %v, want SpawnLooper", rets[0].Code)
	}

	c.mu.Lock()
	requested := p0.requestedThreads
	c.mu.Unlock()
	if requested != 1 {
		t.Errorf("requestedThreads = %d, want 1", requested)
	}

	// A registered looper consumes the request. Write-only so the new
	// thread does not pick up pending work and trigger another hint.
	w.Reset()
	w.RegisterLooper()
	if _, _, err := c.WriteRead(context.Background(), p0, 2, w.Bytes(), nil, false); err != nil {
		t.Fatalf("WriteRead: %v", err)
	}
	c.mu.Lock()
	requested = p0.requestedThreads
	started := p0.requestedThreadsStarted
	c.mu.Unlock()
	if requested != 0 || started != 1 {
		t.Errorf("requested = %d, started = %d, want 0, 1", requested, started)
	}
}

func TestNodeAcquireHandshake(t *testing.T) {
	c := newTestCore(t)
	cm := openMapped(t, c, 100, 1000)
	if err := c.SetContextManager(cm); err != nil {
		t.Fatal(err)
	}
	p0 := openMapped(t, c, 101, 1001)

	// Exporting a service queues the acquire handshake on the sender's own
	// thread so it holds the counts by the time the write returns.
	data := make([]byte, protocol.FlatObjectSize)
	protocol.PutFlatObjectAt(data, 0, protocol.FlatObject{
		Type:   protocol.ObjectBinder,
		Value:  0xAAA,
		Cookie: 0xBBB,
	})
	var w protocol.CommandWriter
	w.Transaction(protocol.TransactionRequest{
		Target:  0,
		Code:    1,
		Flags:   protocol.FlagOneWay,
		Data:    data,
		Offsets: []uint64{0},
	})
	rets := run(t, c, p0, 1, w.Bytes())
	wantCodes(t, rets,
		protocol.RetNoop, protocol.RetIncRefs, protocol.RetAcquire,
		protocol.RetTransactionComplete)
	if rets[1].Ptr != 0xAAA || rets[1].Cookie != 0xBBB {
		t.Errorf("increfs payload = %#x/%#x", rets[1].Ptr, rets[1].Cookie)
	}

	nodes := c.Nodes(p0)
	if len(nodes) != 1 {
		t.Fatalf("nodes = %d, want 1", len(nodes))
	}
	n := nodes[0]
	if !n.PendingWeak || !n.PendingStrong || !n.HasWeak || !n.HasStrong {
		t.Errorf("node after emit = %+v", n)
	}

	// Acknowledge; pending flags clear and the emission-time local counts
	// drop.
	w.Reset()
	w.IncRefsDone(0xAAA, 0xBBB)
	w.AcquireDone(0xAAA, 0xBBB)
	run(t, c, p0, 1, w.Bytes())

	n = c.Nodes(p0)[0]
	if n.PendingWeak || n.PendingStrong {
		t.Errorf("pending flags survive acknowledgement: %+v", n)
	}
	if n.LocalStrong != 0 || n.LocalWeak != 0 {
		t.Errorf("local counts = %d/%d, want 0/0", n.LocalStrong, n.LocalWeak)
	}
	// The manager's reference keeps one internal strong count.
	if n.InternalStrong != 1 {
		t.Errorf("internal strong = %d, want 1", n.InternalStrong)
	}
}

func TestAcknowledgeWithoutPending(t *testing.T) {
	c := newTestCore(t)
	cm := openMapped(t, c, 100, 1000)
	if err := c.SetContextManager(cm); err != nil {
		t.Fatal(err)
	}

	// The context-manager node was created pre-acknowledged; a stray
	// AcquireDone is a diagnostic no-op.
	var w protocol.CommandWriter
	w.AcquireDone(0, 0)
	run(t, c, cm, 1, w.Bytes())
	n := c.Nodes(cm)[0]
	if n.LocalStrong != 1 {
		t.Errorf("stray acknowledgement changed local strong: %+v", n)
	}
}

func TestThreadExitFailsReceivedTransaction(t *testing.T) {
	c := newTestCore(t)
	cm := openMapped(t, c, 100, 1000)
	if err := c.SetContextManager(cm); err != nil {
		t.Fatal(err)
	}
	p1 := openMapped(t, c, 101, 1001)

	var w protocol.CommandWriter
	w.Transaction(protocol.TransactionRequest{Target: 0, Code: 1})
	rets := run(t, c, p1, 1, w.Bytes())
	wantCodes(t, rets, protocol.RetNoop, protocol.RetTransactionComplete)

	// The manager picks the transaction up, then its thread dies.
	rets = run(t, c, cm, 1, nil)
	wantCodes(t, rets, protocol.RetNoop, protocol.RetTransaction)
	if err := c.ThreadExit(cm, 1); err != nil {
		t.Fatalf("ThreadExit: %v", err)
	}

	rets = run(t, c, p1, 1, nil)
	wantCodes(t, rets, protocol.RetNoop, protocol.RetDeadReply)
}

func TestThreadExitUnknownThread(t *testing.T) {
	c := newTestCore(t)
	p := openMapped(t, c, 100, 1000)
	if err := c.ThreadExit(p, 42); !errors.Is(err, ErrUnknownThread) {
		t.Errorf("err = %v, want ErrUnknownThread", err)
	}
}

func TestUnknownCommandAbortsWrite(t *testing.T) {
	c := newTestCore(t)
	p := openMapped(t, c, 100, 1000)

	write := []byte{0xFF, 0xFF, 0x00, 0x00}
	_, _, err := c.WriteRead(context.Background(), p, 1, write, nil, false)
	if !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("err = %v, want ErrUnknownCommand", err)
	}
}

func TestTransactionToUnknownHandle(t *testing.T) {
	c := newTestCore(t)
	cm := openMapped(t, c, 100, 1000)
	if err := c.SetContextManager(cm); err != nil {
		t.Fatal(err)
	}
	p := openMapped(t, c, 101, 1001)

	var w protocol.CommandWriter
	w.Transaction(protocol.TransactionRequest{Target: 9, Code: 1})
	rets := run(t, c, p, 1, w.Bytes())
	wantCodes(t, rets, protocol.RetNoop, protocol.RetFailedReply)

	if failed := c.FailedTransactionLog(); len(failed) != 1 {
		t.Errorf("failed transaction log has %d entries, want 1", len(failed))
	}
}

func TestReplyWithoutTransactionStack(t *testing.T) {
	c := newTestCore(t)
	cm := openMapped(t, c, 100, 1000)
	if err := c.SetContextManager(cm); err != nil {
		t.Fatal(err)
	}

	var w protocol.CommandWriter
	w.Reply(protocol.TransactionRequest{Code: 1})
	rets := run(t, c, cm, 1, w.Bytes())
	wantCodes(t, rets, protocol.RetNoop, protocol.RetFailedReply)
}

func TestTransactionWithoutContextManager(t *testing.T) {
	c := newTestCore(t)
	p := openMapped(t, c, 100, 1000)

	var w protocol.CommandWriter
	w.Transaction(protocol.TransactionRequest{Target: 0, Code: 1})
	rets := run(t, c, p, 1, w.Bytes())
	wantCodes(t, rets, protocol.RetNoop, protocol.RetDeadReply)
}

func TestPriorityInheritance(t *testing.T) {
	c := newTestCore(t)
	cm := openMapped(t, c, 100, 1000)
	if err := c.SetContextManager(cm); err != nil {
		t.Fatal(err)
	}
	p0 := openMapped(t, c, 101, 1001) // exports the service
	p1 := openMapped(t, c, 102, 1002) // calls it at nice 19
	c.SetDefaultPriority(p1, 19)

	// p0 exports a service with min priority 10 to the context manager.
	data := make([]byte, protocol.FlatObjectSize)
	protocol.PutFlatObjectAt(data, 0, protocol.FlatObject{
		Type:  protocol.ObjectBinder,
		Flags: 10,
		Value: 0xAAA,
	})
	var w protocol.CommandWriter
	w.Transaction(protocol.TransactionRequest{
		Target: 0, Code: 1, Flags: protocol.FlagOneWay,
		Data: data, Offsets: []uint64{0},
	})
	run(t, c, p0, 1, w.Bytes())

	// Hand p1 a ref to that service directly; the handle-passing path is
	// covered elsewhere.
	c.mu.Lock()
	node := p0.getNode(0xAAA)
	ref := c.getRefForNode(p1, node)
	_ = c.incRef(ref, true, nil)
	c.mu.Unlock()
	if node.minPriority != 10 {
		t.Fatalf("min priority = %d, want 10", node.minPriority)
	}

	var w2 protocol.CommandWriter
	w2.Transaction(protocol.TransactionRequest{Target: uint64(ref.desc), Code: 2})
	rets := run(t, c, p1, 1, w2.Bytes())
	wantCodes(t, rets, protocol.RetNoop, protocol.RetTransactionComplete)

	// p0's worker adopts the node floor on dispatch: the caller runs at 19
	// which is weaker than the floor of 10.
	rets = run(t, c, p0, 2, nil)
	wantCodes(t, rets, protocol.RetNoop, protocol.RetTransaction)
	info, ok := c.ThreadInfo(p0, 2)
	if !ok || info.Nice != 10 {
		t.Fatalf("worker nice = %+v, want 10", info)
	}

	// Replying restores the worker's saved priority.
	var w3 protocol.CommandWriter
	w3.Reply(protocol.TransactionRequest{Code: 2, Data: []byte{0x42}})
	run(t, c, p0, 2, w3.Bytes())
	info, _ = c.ThreadInfo(p0, 2)
	if info.Nice != 0 {
		t.Errorf("worker nice after reply = %d, want 0", info.Nice)
	}

	// The caller sees the reply payload.
	rets = run(t, c, p1, 1, nil)
	wantCodes(t, rets, protocol.RetNoop, protocol.RetReply)
	if rets[1].Txn.DataSize != 1 {
		t.Errorf("reply data size = %d, want 1", rets[1].Txn.DataSize)
	}
}

func TestCallerPriorityInheritedWhenStronger(t *testing.T) {
	c := newTestCore(t)
	cm := openMapped(t, c, 100, 1000)
	if err := c.SetContextManager(cm); err != nil {
		t.Fatal(err)
	}
	p1 := openMapped(t, c, 101, 1001)
	c.SetDefaultPriority(p1, -5)

	// The context-manager node has min priority 0; a caller at -5 is
	// stronger, so the worker adopts -5.
	var w protocol.CommandWriter
	w.Transaction(protocol.TransactionRequest{Target: 0, Code: 1})
	run(t, c, p1, 1, w.Bytes())

	rets := run(t, c, cm, 1, nil)
	wantCodes(t, rets, protocol.RetNoop, protocol.RetTransaction)
	info, _ := c.ThreadInfo(cm, 1)
	if info.Nice != -5 {
		t.Errorf("worker nice = %d, want -5", info.Nice)
	}
}

func TestStatsAndProcesses(t *testing.T) {
	c := newTestCore(t)
	p0 := openMapped(t, c, 100, 1000)
	if err := c.SetContextManager(p0); err != nil {
		t.Fatal(err)
	}
	openMapped(t, c, 101, 1001)

	stats := c.Stats()
	if stats.Processes != 2 || !stats.HasContextManager {
		t.Errorf("stats = %+v", stats)
	}
	procs := c.Processes()
	if len(procs) != 2 {
		t.Fatalf("processes = %d, want 2", len(procs))
	}
	for _, pi := range procs {
		if pi.FreeAsyncSpace != 64*1024 {
			t.Errorf("process %s async space = %d", pi.ID, pi.FreeAsyncSpace)
		}
	}
}
