//go:build linux

package arm64

import (
	"fmt"

	"dynarec/pkg/ir"
)

// Link resolves every relocation the emitter left in a freshly emitted
// block: helper slots become branches or calls into the prelude, and
// inter-block slots are patched against whatever is resident right now
// (recording the reverse edge so later relinks can find this block).
//
// The arena must be unprotected. Ordering within a block is irrelevant;
// each slot is independent. Instruction-cache flushes are batched by
// the caller.
func (s *AddressSpace) Link(info *EmittedBlockInfo) {
	for _, reloc := range info.Relocations {
		if reloc.Target < 0 || reloc.Target >= numLinkTargets {
			panic(fmt.Sprintf("arm64: invalid relocation target %d", reloc.Target))
		}
		helper := s.prelude.Helper(reloc.Target)
		slot := info.EntryPoint + CodePtr(reloc.Offset)
		asm := NewAssembler(s.arena.Slice(slot, 4), uintptr(slot))
		if reloc.Target.usesCall() {
			asm.BL(uintptr(helper))
		} else {
			asm.B(uintptr(helper))
		}
	}

	for target, list := range info.BlockRelocations {
		refs, ok := s.blockReferences[target]
		if !ok {
			refs = make(map[CodePtr]struct{})
			s.blockReferences[target] = refs
		}
		refs[info.EntryPoint] = struct{}{}
		s.linkBlockLinks(info.EntryPoint, s.Get(target), list)
	}
}

// linkBlockLinks patches the inter-block slots of one block against a
// target entry point. A zero target means "not resident": branch slots
// become no-ops falling through to the dispatcher return, and
// materialisation slots route through the dispatcher instead.
func (s *AddressSpace) linkBlockLinks(entryPoint, targetPtr CodePtr, list []BlockRelocation) {
	dispatcher := s.prelude.Helper(LinkReturnToDispatcher)

	for _, reloc := range list {
		slot := entryPoint + CodePtr(reloc.Offset)

		switch reloc.Type {
		case RelocBranch:
			asm := NewAssembler(s.arena.Slice(slot, 4), uintptr(slot))
			if targetPtr != 0 {
				asm.B(uintptr(targetPtr))
			} else {
				asm.NOP()
			}
		case RelocMoveToScratch1:
			asm := NewAssembler(s.arena.Slice(slot, MovImm64Size), uintptr(slot))
			if targetPtr != 0 {
				asm.MovImm64(Xscratch1, uint64(targetPtr))
			} else {
				asm.MovImm64(Xscratch1, uint64(dispatcher))
			}
		default:
			panic(fmt.Sprintf("arm64: invalid block relocation type %d", reloc.Type))
		}
	}
}

// RelinkForDescriptor re-patches every block that references the given
// descriptor to the new target (zero reroutes through the dispatcher)
// and flushes the instruction cache over each patched block.
func (s *AddressSpace) RelinkForDescriptor(target ir.LocationDescriptor, targetPtr CodePtr) {
	for codePtr := range s.blockReferences[target] {
		info, ok := s.blockInfos[codePtr]
		if !ok {
			continue
		}
		if list, ok := info.BlockRelocations[target]; ok {
			s.linkBlockLinks(info.EntryPoint, targetPtr, list)
		}
		s.arena.Invalidate(info.EntryPoint, info.Size)
	}
}
