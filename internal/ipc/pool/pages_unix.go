//go:build unix

package pool

import "golang.org/x/sys/unix"

// reserveArena maps an anonymous region for the pool arena.
func reserveArena(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
}

// releaseArena unmaps the arena.
func releaseArena(arena []byte) error {
	return unix.Munmap(arena)
}

// decommit returns the pages under span to the kernel. Best effort; the
// mapping stays valid and reads as zero after the next touch.
func decommit(span []byte) {
	if len(span) == 0 {
		return
	}
	_ = unix.Madvise(span, unix.MADV_DONTNEED)
}
