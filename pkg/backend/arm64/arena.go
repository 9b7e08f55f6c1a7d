//go:build linux

package arm64

import (
	"fmt"

	"golang.org/x/sys/unix"

	"dynarec/pkg/errors"
	"dynarec/pkg/util"
)

// Arena is a contiguous region of host memory the prelude and all
// blocks are emitted into. The region is either Execute (steady state)
// or Write (during emission and patching), never both; the address
// space is the sole writer and toggles the whole region at once.
//
// The write cursor is monotonic within a cache generation; ClearCache
// rewinds it to the end of the prelude.
type Arena struct {
	buffer []byte
	cursor int
}

// NewArena maps size bytes of anonymous memory. The mapping starts
// writable so the prelude can be emitted; callers must Protect before
// executing anything.
func NewArena(size int) (*Arena, error) {
	size = util.AlignUp(size, unix.Getpagesize())
	buffer, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindArena, "failed to mmap code arena")
	}
	return &Arena{buffer: buffer}, nil
}

// Ptr returns the base address of the arena.
func (a *Arena) Ptr() CodePtr {
	return CodePtr(util.SliceAddr(a.buffer))
}

// Size returns the arena capacity in bytes.
func (a *Arena) Size() int {
	return len(a.buffer)
}

// Cursor returns the current write position.
func (a *Arena) Cursor() CodePtr {
	return a.Ptr() + CodePtr(a.cursor)
}

// SetCursor rewinds or advances the write position. p must lie within
// the arena.
func (a *Arena) SetCursor(p CodePtr) {
	offset := int(p - a.Ptr())
	if offset < 0 || offset > len(a.buffer) {
		panic(fmt.Sprintf("arm64: cursor %#x outside arena", uintptr(p)))
	}
	a.cursor = offset
}

// Slice returns the writable bytes at [p, p+n). Only valid while the
// arena is unprotected.
func (a *Arena) Slice(p CodePtr, n int) []byte {
	offset := int(p - a.Ptr())
	if offset < 0 || offset+n > len(a.buffer) {
		panic(fmt.Sprintf("arm64: range [%#x,+%d) outside arena", uintptr(p), n))
	}
	return a.buffer[offset : offset+n]
}

// Unprotect makes the whole region writable and non-executable.
func (a *Arena) Unprotect() {
	if err := unix.Mprotect(a.buffer, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		panic(fmt.Sprintf("arm64: mprotect(rw) failed: %v", err))
	}
}

// Protect makes the whole region executable and non-writable.
func (a *Arena) Protect() {
	if err := unix.Mprotect(a.buffer, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		panic(fmt.Sprintf("arm64: mprotect(rx) failed: %v", err))
	}
}

// Invalidate flushes the host instruction and data caches over
// [p, p+n) so newly written or patched instructions become visible to
// the fetch unit.
func (a *Arena) Invalidate(p CodePtr, n int) {
	if n == 0 {
		return
	}
	flushInstructionCache(uintptr(p), n)
}

// Close unmaps the arena. All CodePtrs are dead afterwards.
func (a *Arena) Close() error {
	if a.buffer == nil {
		return nil
	}
	err := unix.Munmap(a.buffer)
	a.buffer = nil
	a.cursor = 0
	return err
}
