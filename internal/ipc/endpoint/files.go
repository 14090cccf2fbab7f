package endpoint

import (
	"errors"
	"sync"

	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/core"
)

// DefaultTableLimit models the per-process open-file resource limit.
const DefaultTableLimit = 1024

var (
	// ErrBadFD reports a descriptor with no entry.
	ErrBadFD = errors.New("endpoint: bad file descriptor")
	// ErrTableFull reports the table's resource limit.
	ErrTableFull = errors.New("endpoint: file table full")
)

// Table is an in-memory capability table satisfying core.FileTable.
// Installed entries behave as close-on-exec duplicates: the broker installs
// the same underlying capability under a fresh descriptor and the receiver
// owns the new entry.
type Table struct {
	mu    sync.Mutex
	files map[uint32]core.File
	limit int
}

// NewTable creates a table bounded to limit entries.
func NewTable(limit int) *Table {
	return &Table{
		files: make(map[uint32]core.File),
		limit: limit,
	}
}

// Add places a capability under the smallest unused descriptor. Test and
// client setup use it to seed the table.
func (t *Table) Add(f core.File) (uint32, error) {
	return t.Install(f)
}

// Get acquires the capability behind fd.
func (t *Table) Get(fd uint32) (core.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	if !ok {
		return nil, ErrBadFD
	}
	return f, nil
}

// Install places a capability under the smallest unused descriptor, checking
// the table's resource limit.
func (t *Table) Install(f core.File) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.files) >= t.limit {
		return 0, ErrTableFull
	}
	var fd uint32
	for {
		if _, used := t.files[fd]; !used {
			break
		}
		fd++
	}
	t.files[fd] = f
	return fd, nil
}

// Close removes and closes the capability behind fd.
func (t *Table) Close(fd uint32) error {
	t.mu.Lock()
	f, ok := t.files[fd]
	if ok {
		delete(t.files, fd)
	}
	t.mu.Unlock()
	if !ok {
		return ErrBadFD
	}
	return f.Close()
}

// CloseAll closes every entry and empties the table.
func (t *Table) CloseAll() {
	t.mu.Lock()
	files := t.files
	t.files = make(map[uint32]core.File)
	t.mu.Unlock()
	for _, f := range files {
		_ = f.Close()
	}
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}
