//go:build linux

package arm64

import (
	"dynarec/pkg/util"
)

// preludeStubSize is the fixed byte width of one helper stub:
// a MovImm64 plus the indirect branch.
const preludeStubSize = MovImm64Size + 4

// PreludeInfo records where each helper stub landed and where block
// emission may begin. Fixed at arena startup, valid for the lifetime
// of the arena.
type PreludeInfo struct {
	helpers      [numLinkTargets]CodePtr
	EndOfPrelude CodePtr
}

// Helper returns the entry point of the stub for the given target.
func (p *PreludeInfo) Helper(target LinkTarget) CodePtr {
	return p.helpers[target]
}

// EmitPrelude writes one stub per LinkTarget at the start of the arena
// and returns their addresses. The arena must be writable; the caller
// protects and flushes afterwards.
//
// Each stub materialises the host handler into Xscratch0 and branches
// through it. Helpers reached by BL return to the block through the
// block's own X30; dispatcher returns never come back. A helper with
// no registered host function degrades to a plain return.
func EmitPrelude(arena *Arena, handlers HostHandlers) *PreludeInfo {
	info := &PreludeInfo{}

	base := arena.Ptr()
	buf := arena.Slice(base, preludeStubSize*int(numLinkTargets))
	asm := NewAssembler(buf, uintptr(base))

	for t := LinkTarget(0); t < numLinkTargets; t++ {
		info.helpers[t] = base + CodePtr(asm.Offset())
		if handlers[t] == 0 {
			asm.RET()
			for asm.Offset() < int(t+1)*preludeStubSize {
				asm.NOP()
			}
			continue
		}
		asm.MovImm64(Xscratch0, uint64(handlers[t]))
		asm.BR(Xscratch0)
	}

	end := int(base) + util.AlignUp(asm.Offset(), 16)
	info.EndOfPrelude = CodePtr(end)
	arena.SetCursor(info.EndOfPrelude)

	return info
}
