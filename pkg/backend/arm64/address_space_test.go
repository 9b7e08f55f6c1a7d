//go:build linux

package arm64

import (
	"encoding/binary"
	"testing"

	"dynarec/pkg/ir"
)

// testProgram is a mutable guest: a terminal and optional body per
// location. Locations default to a bare dispatcher return.
type testProgram struct {
	terminals map[ir.LocationDescriptor]ir.Terminal
	bodies    map[ir.LocationDescriptor]func(*ir.Block)
}

func (p *testProgram) generate(location ir.LocationDescriptor) *ir.Block {
	block := ir.NewBlock(location)
	if body, ok := p.bodies[location]; ok {
		body(block)
	}
	if terminal, ok := p.terminals[location]; ok {
		block.SetTerminal(terminal)
	} else {
		block.SetTerminal(ir.ReturnToDispatch{})
	}
	return block
}

func newTestAddressSpace(t *testing.T, program *testProgram, optimizations OptimizationFlag, cacheSize int) *AddressSpace {
	t.Helper()
	if program.terminals == nil {
		program.terminals = make(map[ir.LocationDescriptor]ir.Terminal)
	}
	if cacheSize == 0 {
		cacheSize = 4 * 1024 * 1024
	}

	conf := &EmitConfig{
		GenerateIR:                program.generate,
		Optimizations:             optimizations,
		RecompileOnFastmemFailure: true,
	}

	s, err := NewAddressSpace(conf, cacheSize, nil)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func slotWord(s *AddressSpace, p CodePtr) uint32 {
	return binary.LittleEndian.Uint32(s.arena.Slice(p, 4))
}

func slotMovImm64(t *testing.T, s *AddressSpace, p CodePtr) (Reg, uint64) {
	t.Helper()
	var words [4]uint32
	for i := range words {
		words[i] = slotWord(s, p+CodePtr(i*4))
	}
	rd, imm, ok := DecodeMovImm64(words)
	if !ok {
		t.Fatalf("no MovImm64 at %#x", uintptr(p))
	}
	return rd, imm
}

func branchTargetAt(t *testing.T, s *AddressSpace, p CodePtr) uintptr {
	t.Helper()
	target, _, ok := DecodeBranchTarget(slotWord(s, p), uintptr(p))
	if !ok {
		t.Fatalf("word at %#x is not a branch: %08x", uintptr(p), slotWord(s, p))
	}
	return target
}

func TestGetOrEmitIdempotent(t *testing.T) {
	program := &testProgram{}
	s := newTestAddressSpace(t, program, 0, 0)

	l := ir.LocationDescriptor(0x100)
	first := s.GetOrEmit(l)
	if first == 0 {
		t.Fatal("GetOrEmit returned null")
	}
	if second := s.GetOrEmit(l); second != first {
		t.Errorf("second GetOrEmit = %#x, want %#x", uintptr(second), uintptr(first))
	}
	if s.Get(l) != first {
		t.Errorf("Get = %#x, want %#x", uintptr(s.Get(l)), uintptr(first))
	}
}

func TestTableInvariants(t *testing.T) {
	program := &testProgram{terminals: map[ir.LocationDescriptor]ir.Terminal{
		0x100: ir.LinkBlock{Next: 0x200},
		0x200: ir.LinkBlock{Next: 0x100},
	}}
	s := newTestAddressSpace(t, program, OptMultiBlockCompilation, 0)

	s.GetOrEmit(0x100)
	s.GetOrEmit(0x300)

	// Forward, reverse and info tables agree.
	for location, entry := range s.blockEntries {
		gotLocation, ok := s.ReverseGetLocation(entry)
		if !ok || gotLocation != location {
			t.Errorf("reverse of %#x = %v, want %v", uintptr(entry), gotLocation, location)
		}
		info, ok := s.blockInfos[entry]
		if !ok || info.EntryPoint != entry {
			t.Errorf("info missing or inconsistent for %#x", uintptr(entry))
		}
	}

	// No two live blocks overlap.
	type interval struct{ lo, hi CodePtr }
	var intervals []interval
	for entry, info := range s.blockInfos {
		intervals = append(intervals, interval{entry, entry + CodePtr(info.Size)})
	}
	for i := range intervals {
		for j := range intervals {
			if i == j {
				continue
			}
			if intervals[i].lo < intervals[j].hi && intervals[j].lo < intervals[i].hi {
				t.Fatalf("blocks overlap: %+v and %+v", intervals[i], intervals[j])
			}
		}
	}

	// Every inter-block slot is registered in the reference table.
	for entry, info := range s.blockInfos {
		for target := range info.BlockRelocations {
			if _, ok := s.blockReferences[target][entry]; !ok {
				t.Errorf("block %#x not recorded as a reference of %v", uintptr(entry), target)
			}
		}
	}
}

func TestGreedyMultiBlockCompilation(t *testing.T) {
	l0 := ir.LocationDescriptor(0x100)
	l1 := ir.LocationDescriptor(0x200)
	l2 := ir.LocationDescriptor(0x300)
	program := &testProgram{terminals: map[ir.LocationDescriptor]ir.Terminal{
		l0: ir.If{Then: ir.LinkBlock{Next: l1}, Else: ir.LinkBlock{Next: l2}},
	}}
	s := newTestAddressSpace(t, program, OptMultiBlockCompilation, 0)

	entry0 := s.GetOrEmit(l0)

	entry1 := s.Get(l1)
	entry2 := s.Get(l2)
	if entry1 == 0 || entry2 == 0 {
		t.Fatal("successors were not compiled greedily")
	}

	info := s.blockInfos[entry0]
	for _, tc := range []struct {
		target ir.LocationDescriptor
		want   CodePtr
	}{{l1, entry1}, {l2, entry2}} {
		slots := info.BlockRelocations[tc.target]
		if len(slots) != 1 {
			t.Fatalf("expected one slot for %v, got %d", tc.target, len(slots))
		}
		slot := entry0 + CodePtr(slots[0].Offset)
		if got := branchTargetAt(t, s, slot); got != uintptr(tc.want) {
			t.Errorf("slot for %v branches to %#x, want %#x", tc.target, got, uintptr(tc.want))
		}
	}
}

func TestSelfModificationRelink(t *testing.T) {
	la := ir.LocationDescriptor(0xA00)
	lb := ir.LocationDescriptor(0xB00)
	program := &testProgram{terminals: map[ir.LocationDescriptor]ir.Terminal{
		lb: ir.LinkBlock{Next: la},
	}}
	s := newTestAddressSpace(t, program, OptMultiBlockCompilation, 0)

	entryB := s.GetOrEmit(lb)
	entryA := s.Get(la)
	if entryA == 0 {
		t.Fatal("target block not compiled")
	}

	infoB := s.blockInfos[entryB]
	slot := entryB + CodePtr(infoB.BlockRelocations[la][0].Offset)
	if got := branchTargetAt(t, s, slot); got != uintptr(entryA) {
		t.Fatalf("slot branches to %#x, want %#x", got, uintptr(entryA))
	}

	// Guest self-modification: the branch must fall back to the
	// dispatcher, but the dead block stays diagnosable.
	s.InvalidateBasicBlocks(map[ir.LocationDescriptor]struct{}{la: {}})

	if s.Get(la) != 0 {
		t.Fatal("invalidated block still resident")
	}
	if !IsNOP(slotWord(s, slot)) {
		t.Errorf("slot not a no-op after invalidation: %08x", slotWord(s, slot))
	}
	if location, ok := s.ReverseGetLocation(entryA); !ok || location != la {
		t.Error("reverse mapping for the dead block was dropped")
	}

	// Re-emission patches the slot to the new entry.
	entryA2 := s.GetOrEmit(la)
	if entryA2 == entryA {
		t.Fatal("re-emitted block reused the old entry point")
	}
	if got := branchTargetAt(t, s, slot); got != uintptr(entryA2) {
		t.Errorf("slot branches to %#x, want new entry %#x", got, uintptr(entryA2))
	}
}

func TestLinkBlockFastMaterialisation(t *testing.T) {
	lf := ir.LocationDescriptor(0xF00)
	lm := ir.LocationDescriptor(0xE00)
	program := &testProgram{terminals: map[ir.LocationDescriptor]ir.Terminal{
		lf: ir.LinkBlockFast{Next: lm},
	}}
	s := newTestAddressSpace(t, program, 0, 0)

	entryF := s.GetOrEmit(lf)
	infoF := s.blockInfos[entryF]
	slot := entryF + CodePtr(infoF.BlockRelocations[lm][0].Offset)

	// Target absent: the slot materialises the dispatcher.
	rd, imm := slotMovImm64(t, s, slot)
	if rd != Xscratch1 {
		t.Errorf("materialisation register = X%d, want Xscratch1", rd)
	}
	if imm != uint64(s.prelude.Helper(LinkReturnToDispatcher)) {
		t.Errorf("materialised %#x, want dispatcher %#x", imm, uint64(s.prelude.Helper(LinkReturnToDispatcher)))
	}

	// Once the target exists, the slot materialises its entry.
	entryM := s.GetOrEmit(lm)
	_, imm = slotMovImm64(t, s, slot)
	if imm != uint64(entryM) {
		t.Errorf("materialised %#x, want target entry %#x", imm, uint64(entryM))
	}
}

func TestRelocationsTargetPrelude(t *testing.T) {
	program := &testProgram{}
	s := newTestAddressSpace(t, program, 0, 0)

	l := ir.LocationDescriptor(0x100)
	entry := s.GetOrEmit(l)
	info := s.blockInfos[entry]

	for _, reloc := range info.Relocations {
		slot := entry + CodePtr(reloc.Offset)
		if got := branchTargetAt(t, s, slot); got != uintptr(s.prelude.Helper(reloc.Target)) {
			t.Errorf("relocation %d targets %#x, want helper %#x",
				reloc.Target, got, uintptr(s.prelude.Helper(reloc.Target)))
		}
	}
}

func TestReverseLookups(t *testing.T) {
	program := &testProgram{}
	s := newTestAddressSpace(t, program, 0, 0)

	entry1 := s.GetOrEmit(0x100)
	entry2 := s.GetOrEmit(0x200)
	if entry2 < entry1 {
		t.Fatal("expected monotonic allocation")
	}

	if got := s.ReverseGetEntryPoint(entry1); got != entry1 {
		t.Errorf("floor(entry1) = %#x, want exact hit", uintptr(got))
	}
	if got := s.ReverseGetEntryPoint(entry2 - 1); got != entry1 {
		t.Errorf("floor(entry2-1) = %#x, want %#x", uintptr(got), uintptr(entry1))
	}
	if got := s.ReverseGetEntryPoint(entry1 - 1); got != 0 {
		t.Errorf("floor below the first entry = %#x, want null", uintptr(got))
	}
	if location, ok := s.ReverseGetLocation(entry2 + 2); !ok || location != 0x200 {
		t.Errorf("location of pc inside block 2 = %v, want 0x200", location)
	}
}

func TestClearCacheResets(t *testing.T) {
	program := &testProgram{}
	s := newTestAddressSpace(t, program, 0, 0)

	s.GetOrEmit(0x100)
	s.GetOrEmit(0x200)
	marker := DoNotFastmemMarker{Location: 0x100, Site: 0}
	s.fastmem.MarkDoNotFastmem(marker)

	s.ClearCache()

	if s.Get(0x100) != 0 || s.Get(0x200) != 0 {
		t.Error("blocks survived ClearCache")
	}
	if s.arena.Cursor() != s.prelude.EndOfPrelude {
		t.Errorf("cursor = %#x, want end of prelude %#x",
			uintptr(s.arena.Cursor()), uintptr(s.prelude.EndOfPrelude))
	}
	if _, ok := s.ReverseGetLocation(s.prelude.EndOfPrelude + 64); ok {
		t.Error("reverse entries survived ClearCache")
	}
	if s.fastmem.ShouldFastmem(marker) {
		t.Error("fastmem markers must survive ClearCache")
	}

	// The generation restarts cleanly.
	if s.GetOrEmit(0x100) == 0 {
		t.Error("emission after ClearCache failed")
	}
}

func TestCacheOverflowTriggersClear(t *testing.T) {
	// Pad blocks so the arena fills in a reasonable number of
	// compilations.
	pad := func(block *ir.Block) {
		for i := 0; i < 64; i++ {
			block.Append(ir.OpReadMemory32, ir.Imm(uint64(i*4)))
		}
	}
	program := &testProgram{bodies: map[ir.LocationDescriptor]func(*ir.Block){}}
	s := newTestAddressSpace(t, program, 0, nearlyFullThreshold+256*1024)

	marker := DoNotFastmemMarker{Location: 0x1, Site: 0}
	s.fastmem.MarkDoNotFastmem(marker)

	next := ir.LocationDescriptor(0x1000)
	for !s.IsNearlyFull() {
		program.bodies[next] = pad
		s.GetOrEmit(next)
		next++
	}

	// The next miss must reset the generation and still succeed.
	entry := s.GetOrEmit(next)
	if entry == 0 {
		t.Fatal("GetOrEmit failed after overflow")
	}
	if got := len(s.blockEntries); got != 1 {
		t.Errorf("blocks resident after clear = %d, want 1", got)
	}
	if s.fastmem.ShouldFastmem(marker) {
		t.Error("fastmem marker lost across the overflow clear")
	}
}

func TestFastmemFaultLocalisation(t *testing.T) {
	lr := ir.LocationDescriptor(0xD00)
	program := &testProgram{bodies: map[ir.LocationDescriptor]func(*ir.Block){
		lr: func(block *ir.Block) {
			block.Append(ir.OpReadMemory32, ir.Imm(0x40))
		},
	}}
	s := newTestAddressSpace(t, program, OptFastmem, 0)

	entry := s.GetOrEmit(lr)
	info := s.blockInfos[entry]
	if len(info.FastmemPatchInfo) != 1 {
		t.Fatalf("expected one patch site, got %d", len(info.FastmemPatchInfo))
	}

	for site, patch := range info.FastmemPatchInfo {
		fc, ok := s.FastmemCallback(uintptr(entry) + uintptr(site))
		if !ok {
			t.Fatal("callback refused a recorded patch site")
		}
		if fc != patch.FC {
			t.Errorf("fake call = %+v, want %+v", fc, patch.FC)
		}

		// recompile=true marked the site and invalidated the block.
		if s.fastmem.ShouldFastmem(patch.Marker) {
			t.Error("faulting site was not marked")
		}
		if s.Get(lr) != 0 {
			t.Error("faulting block was not invalidated")
		}
	}

	// The recompiled block uses the slow path at that site.
	entry2 := s.GetOrEmit(lr)
	info2 := s.blockInfos[entry2]
	if len(info2.FastmemPatchInfo) != 0 {
		t.Error("recompiled block still has an inline fastmem site")
	}
	slow := false
	for _, reloc := range info2.Relocations {
		if reloc.Target == LinkReadMemory32 {
			slow = true
		}
	}
	if !slow {
		t.Error("recompiled block has no out-of-line read")
	}
}

func TestFaultOutsidePatchSiteRefused(t *testing.T) {
	program := &testProgram{}
	s := newTestAddressSpace(t, program, 0, 0)

	entry := s.GetOrEmit(0x100)

	if _, ok := s.FastmemCallback(uintptr(entry) + 2); ok {
		t.Error("callback accepted a pc that is not a patch site")
	}
	if _, ok := s.FastmemCallback(uintptr(s.arena.Ptr())); ok {
		t.Error("callback accepted a pc inside the prelude")
	}
}

func TestInvalidateCacheRange(t *testing.T) {
	program := &testProgram{}
	s := newTestAddressSpace(t, program, 0, 0)

	s.GetOrEmit(ir.NewLocationDescriptor(0x100, 0))
	s.GetOrEmit(ir.NewLocationDescriptor(0x200, 0))
	s.GetOrEmit(ir.NewLocationDescriptor(0x300, 0))

	s.InvalidateCacheRange(0x180, 0x100)

	if s.Get(ir.NewLocationDescriptor(0x200, 0)) != 0 {
		t.Error("block inside the range survived")
	}
	if s.Get(ir.NewLocationDescriptor(0x100, 0)) == 0 || s.Get(ir.NewLocationDescriptor(0x300, 0)) == 0 {
		t.Error("blocks outside the range were invalidated")
	}
}
