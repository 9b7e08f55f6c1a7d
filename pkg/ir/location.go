package ir

import "fmt"

// LocationDescriptor identifies a guest execution state: the guest PC
// plus whatever mode bits the frontend folds in. It is an opaque 64-bit
// token to the backend; equality is bitwise. It is the key of the code
// cache.
type LocationDescriptor uint64

// PC extracts the guest program counter portion. The frontend packs the
// PC into the low 32 bits; mode bits live above.
func (l LocationDescriptor) PC() uint32 {
	return uint32(l)
}

// ModeBits returns the upper half of the descriptor.
func (l LocationDescriptor) ModeBits() uint32 {
	return uint32(l >> 32)
}

func (l LocationDescriptor) String() string {
	return fmt.Sprintf("{%016x}", uint64(l))
}

// NewLocationDescriptor packs a guest PC and mode bits.
func NewLocationDescriptor(pc uint32, modeBits uint32) LocationDescriptor {
	return LocationDescriptor(uint64(modeBits)<<32 | uint64(pc))
}
