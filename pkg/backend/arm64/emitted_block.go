package arm64

import "dynarec/pkg/ir"

// CodePtr is an address inside the executable arena. Addresses are
// stable for the lifetime of a cache generation; zero means "not
// resident".
type CodePtr uintptr

// maxCacheSize bounds the arena so every block-to-block and
// block-to-prelude branch stays within the B/BL range.
const maxCacheSize = 128 * 1024 * 1024

// LinkTarget names a prelude helper a relocation slot branches or calls
// into.
type LinkTarget int

const (
	LinkReturnToDispatcher LinkTarget = iota
	LinkReturnFromRunCode
	LinkReadMemory8
	LinkReadMemory16
	LinkReadMemory32
	LinkReadMemory64
	LinkReadMemory128
	LinkWrappedReadMemory8
	LinkWrappedReadMemory16
	LinkWrappedReadMemory32
	LinkWrappedReadMemory64
	LinkWrappedReadMemory128
	LinkExclusiveReadMemory8
	LinkExclusiveReadMemory16
	LinkExclusiveReadMemory32
	LinkExclusiveReadMemory64
	LinkExclusiveReadMemory128
	LinkWriteMemory8
	LinkWriteMemory16
	LinkWriteMemory32
	LinkWriteMemory64
	LinkWriteMemory128
	LinkWrappedWriteMemory8
	LinkWrappedWriteMemory16
	LinkWrappedWriteMemory32
	LinkWrappedWriteMemory64
	LinkWrappedWriteMemory128
	LinkExclusiveWriteMemory8
	LinkExclusiveWriteMemory16
	LinkExclusiveWriteMemory32
	LinkExclusiveWriteMemory64
	LinkExclusiveWriteMemory128
	LinkCallSVC
	LinkExceptionRaised
	LinkInstructionSynchronizationBarrierRaised
	LinkInstructionCacheOperationRaised
	LinkDataCacheOperationRaised
	LinkGetCNTPCT
	LinkAddTicks
	LinkGetTicksRemaining

	numLinkTargets
)

// usesCall reports whether the slot for this target is a BL rather than
// a B. Dispatcher returns are tail branches; everything else is a call
// the block resumes after.
func (t LinkTarget) usesCall() bool {
	return t != LinkReturnToDispatcher && t != LinkReturnFromRunCode
}

// HostHandlers supplies the host function address backing each prelude
// helper, indexed by LinkTarget. A zero entry produces a stub that
// simply returns; the hosting runtime fills in the helpers it needs.
type HostHandlers [numLinkTargets]uintptr

// Relocation is a slot inside a block that must be patched to reach a
// prelude helper.
type Relocation struct {
	Offset int
	Target LinkTarget
}

// BlockRelocationType selects the patch policy for an inter-block slot.
type BlockRelocationType int

const (
	// RelocBranch patches a direct branch; a no-op when the target is
	// not resident, falling through to the slot that returns to the
	// dispatcher.
	RelocBranch BlockRelocationType = iota
	// RelocMoveToScratch1 materialises the target entry point (or the
	// dispatcher when absent) into Xscratch1.
	RelocMoveToScratch1
)

// BlockRelocation is a slot inside a block that must be patched against
// another guest block's entry point.
type BlockRelocation struct {
	Offset int
	Type   BlockRelocationType
}

// FakeCall tells the exception handler how to resume after a fastmem
// fault: divert the faulting thread to CallPC, with X30 set to ReturnPC
// when non-zero.
type FakeCall struct {
	CallPC   CodePtr
	ReturnPC CodePtr
}

// DoNotFastmemMarker identifies a fastmem site by value: the block's
// descriptor plus the site's instruction index within the block. The
// index survives recompilation (byte offsets shift once sites fall
// back to the slow path); identity is by (descriptor, site), never by
// pointer.
type DoNotFastmemMarker struct {
	Location ir.LocationDescriptor
	Site     int
}

// FastmemPatchInfo describes one fault-recoverable access site.
type FastmemPatchInfo struct {
	FC        FakeCall
	Recompile bool
	Marker    DoNotFastmemMarker
}

// EmittedBlockInfo is the emitter's description of one finished block.
// The address space owns it for the rest of the cache generation.
type EmittedBlockInfo struct {
	EntryPoint CodePtr
	Size       int

	Relocations      []Relocation
	BlockRelocations map[ir.LocationDescriptor][]BlockRelocation
	FastmemPatchInfo map[int]FastmemPatchInfo
}
