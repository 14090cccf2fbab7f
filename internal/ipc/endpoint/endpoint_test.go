package endpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/core"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/protocol"
)

func TestVersion(t *testing.T) {
	dev := newTestDevice(t)
	ep := dev.Open(100, 1000)
	assert.Equal(t, 7, ep.Version())
}

func TestMmapRejectsWritable(t *testing.T) {
	dev := newTestDevice(t)
	ep := dev.Open(100, 1000)
	_, err := ep.Mmap(128*1024, true)
	assert.ErrorIs(t, err, ErrWritableMapping)
}

func TestMmapOnlyOnce(t *testing.T) {
	dev := newTestDevice(t)
	ep := dev.Open(100, 1000)
	_, err := ep.Mmap(128*1024, false)
	require.NoError(t, err)
	_, err = ep.Mmap(128*1024, false)
	assert.ErrorIs(t, err, core.ErrAlreadyMapped)
}

func TestMmapCapsAtConfiguredCeiling(t *testing.T) {
	dev := newTestDevice(t)
	ep := dev.Open(100, 1000)
	view, err := ep.Mmap(64<<20, false)
	require.NoError(t, err)
	assert.Equal(t, 4<<20, len(view))
}

func TestBufferBytesBounds(t *testing.T) {
	dev := newTestDevice(t)
	ep := dev.Open(100, 1000)

	_, err := ep.BufferBytes(0, 8)
	assert.ErrorIs(t, err, ErrNotMapped)

	_, err = ep.Mmap(128*1024, false)
	require.NoError(t, err)

	_, err = ep.BufferBytes(ep.userOffset+128*1024-4, 8)
	assert.ErrorIs(t, err, ErrNotMapped)

	got, err := ep.BufferBytes(ep.userOffset, 16)
	require.NoError(t, err)
	assert.Len(t, got, 16)
}

func TestPollReflectsPendingWork(t *testing.T) {
	dev := newTestDevice(t)
	cm := openMapped(t, dev, 100, 1000)
	require.NoError(t, cm.SetContextManager())
	p1 := openMapped(t, dev, 101, 1001)

	// A fresh thread reports readable once: it must pop to user space to
	// finish its setup.
	assert.True(t, cm.Poll(1))
	exchange(t, cm, 1, nil)
	assert.False(t, cm.Poll(1))

	var w protocol.CommandWriter
	w.Transaction(protocol.TransactionRequest{Target: 0, Code: 1})
	exchange(t, p1, 1, w.Bytes())
	assert.True(t, cm.Poll(1))

	exchange(t, cm, 1, nil)
	assert.False(t, cm.Poll(1))
}

func TestBlockingReadWokenByTransaction(t *testing.T) {
	dev := newTestDevice(t)
	cm := openMapped(t, dev, 100, 1000)
	require.NoError(t, cm.SetContextManager())
	cm.SetNonBlocking(false)
	p1 := openMapped(t, dev, 101, 1001)

	// Clear the fresh thread's forced return so the next read blocks.
	exchange(t, cm, 1, nil)

	type result struct {
		rets []protocol.DecodedReturn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		wr := &WriteRead{Read: make([]byte, 1024)}
		err := cm.WriteRead(context.Background(), 1, wr)
		rets, perr := protocol.ParseReturns(wr.Read[:wr.ReadConsumed])
		if err == nil {
			err = perr
		}
		done <- result{rets, err}
	}()

	var w protocol.CommandWriter
	w.Transaction(protocol.TransactionRequest{Target: 0, Code: 9})
	exchange(t, p1, 1, w.Bytes())

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t,
			[]protocol.Return{protocol.RetNoop, protocol.RetTransaction},
			retCodes(res.rets))
	case <-time.After(5 * time.Second):
		t.Fatal("blocked reader was not woken")
	}
}

func TestBlockingReadHonorsContext(t *testing.T) {
	dev := newTestDevice(t)
	ep := openMapped(t, dev, 100, 1000)
	exchange(t, ep, 1, nil) // clear NEED_RETURN
	ep.SetNonBlocking(false)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	wr := &WriteRead{Read: make([]byte, 256)}
	err := ep.WriteRead(ctx, 1, wr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFlushWakesBlockedReader(t *testing.T) {
	dev := newTestDevice(t)
	ep := openMapped(t, dev, 100, 1000)
	exchange(t, ep, 1, nil) // clear NEED_RETURN
	ep.SetNonBlocking(false)

	done := make(chan error, 1)
	go func() {
		wr := &WriteRead{Read: make([]byte, 256)}
		done <- ep.WriteRead(context.Background(), 1, wr)
	}()

	// Give the reader a moment to block, then flush.
	time.Sleep(10 * time.Millisecond)
	ep.Flush()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not wake the reader")
	}
}

func TestNonBlockingEmptyRead(t *testing.T) {
	dev := newTestDevice(t)
	ep := openMapped(t, dev, 100, 1000)
	exchange(t, ep, 1, nil) // clear NEED_RETURN

	wr := &WriteRead{Read: make([]byte, 256)}
	err := ep.WriteRead(context.Background(), 1, wr)
	assert.ErrorIs(t, err, core.ErrWouldBlock)
}

func TestUseAfterClose(t *testing.T) {
	dev := newTestDevice(t)
	ep := openMapped(t, dev, 100, 1000)
	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close())

	wr := &WriteRead{Read: make([]byte, 256)}
	err := ep.WriteRead(context.Background(), 1, wr)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseFailsOutstandingCalls(t *testing.T) {
	dev := newTestDevice(t)
	cm := openMapped(t, dev, 100, 1000)
	require.NoError(t, cm.SetContextManager())
	p1 := openMapped(t, dev, 101, 1001)

	var w protocol.CommandWriter
	w.Transaction(protocol.TransactionRequest{Target: 0, Code: 1})
	rets := exchange(t, p1, 1, w.Bytes())
	require.Equal(t,
		[]protocol.Return{protocol.RetNoop, protocol.RetTransactionComplete},
		retCodes(rets))

	// The manager dies with the call still queued.
	require.NoError(t, cm.Close())

	rets = exchange(t, p1, 1, nil)
	require.Equal(t,
		[]protocol.Return{protocol.RetNoop, protocol.RetDeadReply},
		retCodes(rets))
}
