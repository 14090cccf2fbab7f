package protocol

import (
	"bytes"
	"testing"
)

func TestTransactionRoundTrip(t *testing.T) {
	var w CommandWriter
	w.Transaction(TransactionRequest{
		Target:  5,
		Cookie:  0xC0,
		Code:    7,
		Flags:   FlagAcceptFDs,
		Data:    []byte{1, 2, 3, 4, 5},
		Offsets: nil,
	})

	d := NewDecoder(w.Bytes())
	cmd, err := d.Command()
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if cmd != CmdTransaction {
		t.Fatalf("cmd = %v, want Transaction", cmd)
	}
	req, err := d.TransactionRequest()
	if err != nil {
		t.Fatalf("TransactionRequest: %v", err)
	}
	if req.Target != 5 || req.Cookie != 0xC0 || req.Code != 7 {
		t.Errorf("header mismatch: %+v", req)
	}
	if !req.Flags.AcceptsFDs() {
		t.Error("AcceptFDs flag lost")
	}
	if !bytes.Equal(req.Data, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("data = %v", req.Data)
	}
	if d.More() {
		t.Errorf("decoder has %d trailing bytes", len(w.Bytes())-d.Consumed())
	}
}

func TestTransactionWithOffsets(t *testing.T) {
	data := make([]byte, 2*FlatObjectSize)
	PutFlatObjectAt(data, 0, FlatObject{Type: ObjectBinder, Value: 0xAAA, Cookie: 0xBBB})
	PutFlatObjectAt(data, FlatObjectSize, FlatObject{Type: ObjectFD, Value: 3})

	var w CommandWriter
	w.Transaction(TransactionRequest{
		Data:    data,
		Offsets: []uint64{0, FlatObjectSize},
	})

	d := NewDecoder(w.Bytes())
	if _, err := d.Command(); err != nil {
		t.Fatal(err)
	}
	req, err := d.TransactionRequest()
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Offsets) != 2 || req.Offsets[1] != FlatObjectSize {
		t.Fatalf("offsets = %v", req.Offsets)
	}
	obj := FlatObjectAt(req.Data, req.Offsets[0])
	if obj.Type != ObjectBinder || obj.Value != 0xAAA || obj.Cookie != 0xBBB {
		t.Errorf("object 0 = %+v", obj)
	}
	obj = FlatObjectAt(req.Data, req.Offsets[1])
	if obj.Type != ObjectFD || obj.Value != 3 {
		t.Errorf("object 1 = %+v", obj)
	}
}

func TestDataPadding(t *testing.T) {
	// 5 data bytes pad to 8 so the offsets array stays word-aligned.
	var w CommandWriter
	w.Transaction(TransactionRequest{
		Data:    []byte{1, 2, 3, 4, 5},
		Offsets: []uint64{0},
	})
	want := 4 + 40 + 8 + 8
	if len(w.Bytes()) != want {
		t.Errorf("stream length = %d, want %d", len(w.Bytes()), want)
	}
}

func TestTruncatedStream(t *testing.T) {
	var w CommandWriter
	w.Transaction(TransactionRequest{Data: []byte{1, 2, 3}})
	stream := w.Bytes()

	for cut := 1; cut < len(stream); cut++ {
		d := NewDecoder(stream[:cut])
		if cut >= 4 {
			if _, err := d.Command(); err != nil {
				continue
			}
		} else {
			if _, err := d.Command(); err == nil {
				t.Errorf("cut=%d: Command should fail", cut)
			}
			continue
		}
		if _, err := d.TransactionRequest(); err == nil {
			t.Errorf("cut=%d: TransactionRequest should fail", cut)
		}
	}
}

func TestMisalignedOffsetsSurvivesDecode(t *testing.T) {
	// A misaligned offsets size is preserved for the broker to reject with
	// a failed reply; the stream itself still decodes.
	var w CommandWriter
	w.u32(uint32(CmdTransaction))
	w.u64(0) // target
	w.u64(0) // cookie
	w.u32(0) // code
	w.u32(0) // flags
	w.u64(0) // data size
	w.u64(4) // offsets size: misaligned
	w.u64(0) // padded offsets payload

	d := NewDecoder(w.Bytes())
	if _, err := d.Command(); err != nil {
		t.Fatal(err)
	}
	req, err := d.TransactionRequest()
	if err != nil {
		t.Fatalf("TransactionRequest: %v", err)
	}
	if req.OffsetsSize != 4 {
		t.Errorf("OffsetsSize = %d, want 4", req.OffsetsSize)
	}
	if d.More() {
		t.Error("stream should be fully consumed")
	}
}

func TestEncoderCapacity(t *testing.T) {
	buf := make([]byte, 8)
	e := NewEncoder(buf)
	if !e.PutReturn(RetNoop) {
		t.Fatal("first return should fit")
	}
	if e.PutTransaction(RetTransaction, TransactionInfo{}) {
		t.Error("transaction should not fit in 4 remaining bytes")
	}
	if !e.PutReturn(RetTransactionComplete) {
		t.Fatal("second bare return should fit")
	}
	if e.PutReturn(RetNoop) {
		t.Error("third return should not fit")
	}
	if e.Len() != 8 {
		t.Errorf("Len = %d, want 8", e.Len())
	}
}

func TestOverwriteFirst(t *testing.T) {
	buf := make([]byte, 16)
	e := NewEncoder(buf)
	e.PutReturn(RetNoop)
	e.PutReturn(RetTransactionComplete)
	e.OverwriteFirst(RetSpawnLooper)

	rets, err := ParseReturns(buf[:e.Len()])
	if err != nil {
		t.Fatal(err)
	}
	if rets[0].Code != RetSpawnLooper || rets[1].Code != RetTransactionComplete {
		t.Errorf("returns = %v, %v", rets[0].Code, rets[1].Code)
	}
}

func TestParseReturns(t *testing.T) {
	buf := make([]byte, 256)
	e := NewEncoder(buf)
	e.PutReturn(RetNoop)
	e.PutNodeReturn(RetIncRefs, 0xAAA, 0xBBB)
	e.PutCookieReturn(RetDeadBinder, 0xC1)
	e.PutTransaction(RetReply, TransactionInfo{Code: 9, DataSize: 1, DataPtr: 0x1000})

	rets, err := ParseReturns(buf[:e.Len()])
	if err != nil {
		t.Fatal(err)
	}
	if len(rets) != 4 {
		t.Fatalf("len = %d, want 4", len(rets))
	}
	if rets[1].Code != RetIncRefs || rets[1].Ptr != 0xAAA || rets[1].Cookie != 0xBBB {
		t.Errorf("ret 1 = %+v", rets[1])
	}
	if rets[2].Code != RetDeadBinder || rets[2].Cookie != 0xC1 {
		t.Errorf("ret 2 = %+v", rets[2])
	}
	if rets[3].Txn == nil || rets[3].Txn.Code != 9 || rets[3].Txn.DataPtr != 0x1000 {
		t.Errorf("ret 3 = %+v", rets[3])
	}
}

func TestCommandNames(t *testing.T) {
	if CmdTransaction.String() != "Transaction" {
		t.Errorf("CmdTransaction.String() = %q", CmdTransaction.String())
	}
	if Command(99).String() != "Command(99)" {
		t.Errorf("unknown command = %q", Command(99).String())
	}
	if RetSpawnLooper.String() != "SpawnLooper" {
		t.Errorf("RetSpawnLooper.String() = %q", RetSpawnLooper.String())
	}
}
