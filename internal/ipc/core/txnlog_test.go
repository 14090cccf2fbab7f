package core

import "testing"

func TestTxnLogRing(t *testing.T) {
	l := NewTxnLog(4)

	for i := uint64(1); i <= 3; i++ {
		l.Add(TxnLogEntry{DebugID: i})
	}
	entries := l.Entries()
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].DebugID != 1 || entries[2].DebugID != 3 {
		t.Errorf("order wrong: %v", entries)
	}
	if entries[0].When.IsZero() {
		t.Error("Add should stamp the entry")
	}

	for i := uint64(4); i <= 6; i++ {
		l.Add(TxnLogEntry{DebugID: i})
	}
	entries = l.Entries()
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4 after wrap", len(entries))
	}
	// Oldest first: 3, 4, 5, 6.
	for i, want := range []uint64{3, 4, 5, 6} {
		if entries[i].DebugID != want {
			t.Errorf("entries[%d] = %d, want %d", i, entries[i].DebugID, want)
		}
	}
}

func TestTxnLogZeroCapacity(t *testing.T) {
	l := NewTxnLog(0)
	l.Add(TxnLogEntry{DebugID: 1})
	if len(l.Entries()) != 1 {
		t.Error("zero capacity should fall back to a usable default")
	}
}
