package endpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/core"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/protocol"
)

// codeLookup is the context-manager request code the test fixture answers
// with a service handle.
const codeLookup = 0x100

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	dev := NewDevice(core.DefaultConfig(), logging.NewNop(), monitoring.NewMetrics())
	t.Cleanup(dev.Close)
	return dev
}

func openMapped(t *testing.T, dev *Device, pid int32, uid uint32) *Endpoint {
	t.Helper()
	ep := dev.Open(pid, uid)
	_, err := ep.Mmap(128*1024, false)
	require.NoError(t, err)
	ep.SetNonBlocking(true)
	return ep
}

// exchange runs one WriteRead and parses the produced returns. An empty
// non-blocking read parses as just the leading noop.
func exchange(t *testing.T, ep *Endpoint, tid int32, write []byte) []protocol.DecodedReturn {
	t.Helper()
	wr := &WriteRead{Write: write, Read: make([]byte, 4096)}
	if err := ep.WriteRead(context.Background(), tid, wr); err != nil {
		require.ErrorIs(t, err, core.ErrWouldBlock)
	}
	rets, err := protocol.ParseReturns(wr.Read[:wr.ReadConsumed])
	require.NoError(t, err)
	return rets
}

func retCodes(rets []protocol.DecodedReturn) []protocol.Return {
	out := make([]protocol.Return, len(rets))
	for i, r := range rets {
		out[i] = r.Code
	}
	return out
}

// flatAt reads the translated inline object at off out of a received
// transaction's buffer.
func flatAt(t *testing.T, ep *Endpoint, txn *protocol.TransactionInfo, off uint64) protocol.FlatObject {
	t.Helper()
	data, err := ep.BufferBytes(txn.DataPtr, txn.DataSize)
	require.NoError(t, err)
	return protocol.FlatObjectAt(data, off)
}

// registerService exports a service from owner to the context manager via a
// oneway transaction, acknowledges the acquire handshake, and returns the
// manager's descriptor for it. The manager keeps a strong ref.
func registerService(t *testing.T, cm, owner *Endpoint, ownerTid int32, ptr, cookie uint64, objFlags uint32) uint32 {
	t.Helper()

	data := make([]byte, protocol.FlatObjectSize)
	protocol.PutFlatObjectAt(data, 0, protocol.FlatObject{
		Type:   protocol.ObjectBinder,
		Flags:  objFlags,
		Value:  ptr,
		Cookie: cookie,
	})
	var w protocol.CommandWriter
	w.Transaction(protocol.TransactionRequest{
		Target:  0,
		Code:    1,
		Flags:   protocol.FlagOneWay,
		Data:    data,
		Offsets: []uint64{0},
	})
	rets := exchange(t, owner, ownerTid, w.Bytes())
	require.Equal(t,
		[]protocol.Return{protocol.RetNoop, protocol.RetIncRefs,
			protocol.RetAcquire, protocol.RetTransactionComplete},
		retCodes(rets))

	w.Reset()
	w.IncRefsDone(ptr, cookie)
	w.AcquireDone(ptr, cookie)
	exchange(t, owner, ownerTid, w.Bytes())

	// The manager drains the registration, pins the handle, and frees the
	// buffer.
	rets = exchange(t, cm, 1, nil)
	require.Equal(t,
		[]protocol.Return{protocol.RetNoop, protocol.RetTransaction},
		retCodes(rets))
	obj := flatAt(t, cm, rets[1].Txn, 0)
	require.Equal(t, protocol.ObjectHandle, obj.Type)

	desc := uint32(obj.Value)
	w.Reset()
	w.Acquire(desc)
	w.FreeBuffer(rets[1].Txn.DataPtr)
	exchange(t, cm, 1, w.Bytes())
	return desc
}

// fetchService resolves a handle to the service behind the manager's cmDesc:
// the client calls the manager, the manager replies with the handle, and the
// client pins it before releasing the reply buffer.
func fetchService(t *testing.T, cm, client *Endpoint, clientTid int32, cmDesc uint32) uint32 {
	t.Helper()

	var w protocol.CommandWriter
	w.Transaction(protocol.TransactionRequest{Target: 0, Code: codeLookup})
	rets := exchange(t, client, clientTid, w.Bytes())
	require.Equal(t,
		[]protocol.Return{protocol.RetNoop, protocol.RetTransactionComplete},
		retCodes(rets))

	rets = exchange(t, cm, 1, nil)
	require.Equal(t,
		[]protocol.Return{protocol.RetNoop, protocol.RetTransaction},
		retCodes(rets))
	require.Equal(t, uint32(codeLookup), rets[1].Txn.Code)

	reply := make([]byte, protocol.FlatObjectSize)
	protocol.PutFlatObjectAt(reply, 0, protocol.FlatObject{
		Type:  protocol.ObjectHandle,
		Value: uint64(cmDesc),
	})
	w.Reset()
	w.FreeBuffer(rets[1].Txn.DataPtr)
	w.Reply(protocol.TransactionRequest{
		Code:    codeLookup,
		Data:    reply,
		Offsets: []uint64{0},
	})
	exchange(t, cm, 1, w.Bytes())

	rets = exchange(t, client, clientTid, nil)
	require.Equal(t,
		[]protocol.Return{protocol.RetNoop, protocol.RetReply},
		retCodes(rets))
	obj := flatAt(t, client, rets[1].Txn, 0)
	require.Equal(t, protocol.ObjectHandle, obj.Type)

	desc := uint32(obj.Value)
	w.Reset()
	w.Acquire(desc)
	w.FreeBuffer(rets[1].Txn.DataPtr)
	exchange(t, client, clientTid, w.Bytes())
	return desc
}
