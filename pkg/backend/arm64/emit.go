package arm64

import (
	"encoding/binary"
	"fmt"

	"dynarec/pkg/ir"
)

// GuestException enumerates the guest-observable exceptions the
// emitted code can raise through the ExceptionRaised helper.
type GuestException uint32

const (
	ExceptionUndefinedInstruction GuestException = iota
	ExceptionInvalidCoprocessorInstruction
	ExceptionBreakpoint
)

// OptimizationFlag is a bitmask of emission-time optimizations.
type OptimizationFlag uint32

const (
	// OptMultiBlockCompilation makes Compile greedily emit the
	// control-flow successors of the requested block.
	OptMultiBlockCompilation OptimizationFlag = 1 << iota
	// OptFastmem emits guest memory accesses as inline host
	// loads/stores recovered via page faults.
	OptFastmem
)

// EmitConfig carries everything the emitter and address space need from
// the hosting runtime.
type EmitConfig struct {
	// GenerateIR produces the IR block for a guest location. The
	// backend consumes the returned block.
	GenerateIR func(ir.LocationDescriptor) *ir.Block

	// Coprocessors is the guest coprocessor table; nil entries are
	// absent coprocessors.
	Coprocessors [16]Coprocessor

	// HostHandlers backs the prelude helper stubs.
	HostHandlers HostHandlers

	Optimizations OptimizationFlag

	// FastmemBase is the host base address of the guest's flat memory
	// arena; inline fastmem accesses index off it.
	FastmemBase uintptr

	// RecompileOnFastmemFailure requests that a faulting fastmem site
	// be marked and its block recompiled with the slow path.
	RecompileOnFastmemFailure bool
}

// HasOptimization reports whether flag is enabled.
func (c *EmitConfig) HasOptimization(flag OptimizationFlag) bool {
	return c.Optimizations&flag != 0
}

// EmitContext is the per-block emission state shared by the
// instruction emitters.
type EmitContext struct {
	asm      *Assembler
	regAlloc *RegAlloc
	conf     *EmitConfig
	fastmem  *FastmemManager
	block    *ir.Block
	info     *EmittedBlockInfo

	// instIndex is the position of the instruction being lowered;
	// fastmem markers key off it.
	instIndex int

	// pendingFastmem are inline sites awaiting their out-of-line
	// recovery thunks, emitted after the terminal.
	pendingFastmem []pendingFastmemSite
}

type pendingFastmemSite struct {
	offset int
	target LinkTarget
	read   bool
	vaddr  Reg
	value  Reg
}

// EmitRelocation reserves a one-instruction slot to be patched into a
// branch or call to the named prelude helper.
func EmitRelocation(ctx *EmitContext, target LinkTarget) {
	ctx.info.Relocations = append(ctx.info.Relocations, Relocation{
		Offset: ctx.asm.Offset(),
		Target: target,
	})
	ctx.asm.NOP()
}

// EmitBlockRelocation reserves a slot to be patched against another
// guest block's entry point. Branch slots are one instruction;
// MoveToScratch1 slots span a full MovImm64 sequence.
func EmitBlockRelocation(ctx *EmitContext, target ir.LocationDescriptor, typ BlockRelocationType) {
	if ctx.info.BlockRelocations == nil {
		ctx.info.BlockRelocations = make(map[ir.LocationDescriptor][]BlockRelocation)
	}
	ctx.info.BlockRelocations[target] = append(ctx.info.BlockRelocations[target], BlockRelocation{
		Offset: ctx.asm.Offset(),
		Type:   typ,
	})
	switch typ {
	case RelocBranch:
		ctx.asm.NOP()
	case RelocMoveToScratch1:
		for i := 0; i < MovImm64Size/4; i++ {
			ctx.asm.NOP()
		}
	default:
		panic(fmt.Sprintf("arm64: invalid block relocation type %d", typ))
	}
}

// EmitArm64 lowers an IR block into buf, which is mapped at entry, and
// returns the block's tables. The caller advances the arena cursor by
// the returned Size and resolves the relocation tables through the
// link engine.
func EmitArm64(buf []byte, entry CodePtr, block *ir.Block, conf *EmitConfig, fastmem *FastmemManager) *EmittedBlockInfo {
	asm := NewAssembler(buf, uintptr(entry))
	ctx := &EmitContext{
		asm:      asm,
		regAlloc: NewRegAlloc(asm, block),
		conf:     conf,
		fastmem:  fastmem,
		block:    block,
		info: &EmittedBlockInfo{
			EntryPoint: entry,
		},
	}

	for i, inst := range block.Instructions {
		ctx.instIndex = i
		emitInst(ctx, inst)
	}
	emitTerminal(ctx, block.Terminal())
	emitFastmemThunks(ctx)

	ctx.info.Size = asm.Offset()
	return ctx.info
}

func emitInst(ctx *EmitContext, inst *ir.Inst) {
	switch inst.Op {
	case ir.OpReadMemory8:
		emitMemoryAccess(ctx, inst, LinkReadMemory8, true)
	case ir.OpReadMemory16:
		emitMemoryAccess(ctx, inst, LinkReadMemory16, true)
	case ir.OpReadMemory32:
		emitMemoryAccess(ctx, inst, LinkReadMemory32, true)
	case ir.OpReadMemory64:
		emitMemoryAccess(ctx, inst, LinkReadMemory64, true)
	case ir.OpWriteMemory8:
		emitMemoryAccess(ctx, inst, LinkWriteMemory8, false)
	case ir.OpWriteMemory16:
		emitMemoryAccess(ctx, inst, LinkWriteMemory16, false)
	case ir.OpWriteMemory32:
		emitMemoryAccess(ctx, inst, LinkWriteMemory32, false)
	case ir.OpWriteMemory64:
		emitMemoryAccess(ctx, inst, LinkWriteMemory64, false)
	case ir.OpCoprocInternalOperation:
		emitCoprocInternalOperation(ctx, inst)
	case ir.OpCoprocSendOneWord:
		emitCoprocSendOneWord(ctx, inst)
	case ir.OpCoprocSendTwoWords:
		emitCoprocSendTwoWords(ctx, inst)
	case ir.OpCoprocGetOneWord:
		emitCoprocGetOneWord(ctx, inst)
	case ir.OpCoprocGetTwoWords:
		emitCoprocGetTwoWords(ctx, inst)
	case ir.OpCoprocLoadWords:
		emitCoprocLoadWords(ctx, inst)
	case ir.OpCoprocStoreWords:
		emitCoprocStoreWords(ctx, inst)
	default:
		panic(fmt.Sprintf("arm64: unlowerable opcode %d", inst.Op))
	}
}

// emitMemoryAccess lowers a guest load or store. When fastmem is
// enabled and the site has not previously faulted, the access is a
// single inline load/store off the fastmem base, registered as a
// fault-recoverable patch site. Otherwise it is an out-of-line call to
// the matching accessor helper.
func emitMemoryAccess(ctx *EmitContext, inst *ir.Inst, target LinkTarget, read bool) {
	args := ctx.regAlloc.GetArgumentInfo(inst)

	marker := DoNotFastmemMarker{Location: ctx.block.Location, Site: ctx.instIndex}
	useFastmem := ctx.conf.HasOptimization(OptFastmem) && ctx.fastmem.ShouldFastmem(marker)

	if !useFastmem {
		ctx.regAlloc.PrepareForCall(args[0], argOrNil(args, 1))
		EmitRelocation(ctx, target)
		if read {
			ctx.regAlloc.DefineAsRegister(inst, X0)
		}
		return
	}

	vaddr := ctx.regAlloc.ReadX(args[0])
	if read {
		value := ctx.regAlloc.WriteX(inst)
		ctx.regAlloc.Realize(vaddr, value)
		site := ctx.asm.Offset()
		emitInlineAccess(ctx.asm, target, value.Reg(), vaddr.Reg())
		recordFastmemSite(ctx, site, marker, target, read, vaddr.Reg(), value.Reg())
		ctx.regAlloc.ReleaseOperands(vaddr, value)
		return
	}

	value := ctx.regAlloc.ReadX(argOrNilPanic(args, 1))
	ctx.regAlloc.Realize(vaddr, value)
	site := ctx.asm.Offset()
	emitInlineAccess(ctx.asm, target, value.Reg(), vaddr.Reg())
	recordFastmemSite(ctx, site, marker, target, read, vaddr.Reg(), value.Reg())
	ctx.regAlloc.ReleaseOperands(vaddr, value)
}

func argOrNil(args []*Argument, i int) *Argument {
	if i >= len(args) {
		return nil
	}
	return args[i]
}

func argOrNilPanic(args []*Argument, i int) *Argument {
	if i >= len(args) {
		panic("arm64: store without a value operand")
	}
	return args[i]
}

// emitInlineAccess emits the single fastmem instruction for the given
// accessor. The instruction must stay one word: the recovery thunk
// branches back to site+4.
func emitInlineAccess(asm *Assembler, target LinkTarget, value, vaddr Reg) {
	switch target {
	case LinkReadMemory8:
		asm.LDRBRegW(value, Xfastmem, vaddr)
	case LinkReadMemory16:
		asm.LDRHRegW(value, Xfastmem, vaddr)
	case LinkReadMemory32:
		asm.LDRRegW(value, Xfastmem, vaddr)
	case LinkReadMemory64:
		asm.LDRRegX(value, Xfastmem, vaddr)
	case LinkWriteMemory8:
		asm.STRBRegW(value, Xfastmem, vaddr)
	case LinkWriteMemory16:
		asm.STRHRegW(value, Xfastmem, vaddr)
	case LinkWriteMemory32:
		asm.STRRegW(value, Xfastmem, vaddr)
	case LinkWriteMemory64:
		asm.STRRegX(value, Xfastmem, vaddr)
	default:
		panic(fmt.Sprintf("arm64: %d is not an inline-capable accessor", target))
	}
}

func recordFastmemSite(ctx *EmitContext, site int, marker DoNotFastmemMarker, target LinkTarget, read bool, vaddr, value Reg) {
	if ctx.info.FastmemPatchInfo == nil {
		ctx.info.FastmemPatchInfo = make(map[int]FastmemPatchInfo)
	}
	// FC.CallPC is filled in by emitFastmemThunks once the thunk
	// exists.
	ctx.info.FastmemPatchInfo[site] = FastmemPatchInfo{
		Recompile: ctx.conf.RecompileOnFastmemFailure,
		Marker:    marker,
	}
	ctx.pendingFastmem = append(ctx.pendingFastmem, pendingFastmemSite{
		offset: site,
		target: target,
		read:   read,
		vaddr:  vaddr,
		value:  value,
	})
}

// emitFastmemThunks emits one out-of-line recovery sequence per inline
// site, after the terminal. A faulting site is diverted to its thunk,
// which performs the access through the accessor helper and branches
// back to the instruction after the site.
func emitFastmemThunks(ctx *EmitContext) {
	for _, site := range ctx.pendingFastmem {
		thunk := ctx.asm.Offset()

		ctx.asm.MOVRegReg(X1, site.vaddr)
		if !site.read {
			ctx.asm.MOVRegReg(X2, site.value)
		}
		EmitRelocation(ctx, site.target)
		if site.read {
			ctx.asm.MOVRegReg(site.value, X0)
		}
		ctx.asm.B(uintptr(ctx.info.EntryPoint) + uintptr(site.offset) + 4)

		entry := ctx.info.FastmemPatchInfo[site.offset]
		entry.FC = FakeCall{CallPC: ctx.info.EntryPoint + CodePtr(thunk)}
		ctx.info.FastmemPatchInfo[site.offset] = entry
	}
	ctx.pendingFastmem = nil
}

// appendNextBlocks queues the control-flow successors of a terminal.
// Closed match: a new terminal variant must be added here.
func appendNextBlocks(next *[]ir.LocationDescriptor, terminal ir.Terminal) {
	switch t := terminal.(type) {
	case ir.Invalid:
		panic("arm64: invalid terminal")
	case ir.ReturnToDispatch, ir.PopRSBHint, ir.FastDispatchHint:
		// Nothing.
	case ir.LinkBlock:
		*next = append(*next, t.Next)
	case ir.LinkBlockFast:
		*next = append(*next, t.Next)
	case ir.If:
		appendNextBlocks(next, t.Then)
		appendNextBlocks(next, t.Else)
	case ir.CheckBit:
		appendNextBlocks(next, t.Then)
		appendNextBlocks(next, t.Else)
	case ir.CheckHalt:
		appendNextBlocks(next, t.Else)
	default:
		panic(fmt.Sprintf("arm64: unknown terminal %T", terminal))
	}
}

// emitTerminal lowers the block terminal. The shape of each variant
// fixes which slots the link engine later patches.
func emitTerminal(ctx *EmitContext, terminal ir.Terminal) {
	switch t := terminal.(type) {
	case ir.Invalid:
		panic("arm64: invalid terminal reached the emitter")
	case ir.ReturnToDispatch, ir.PopRSBHint, ir.FastDispatchHint:
		EmitRelocation(ctx, LinkReturnToDispatcher)
	case ir.LinkBlock:
		EmitBlockRelocation(ctx, t.Next, RelocBranch)
		EmitRelocation(ctx, LinkReturnToDispatcher)
	case ir.LinkBlockFast:
		EmitBlockRelocation(ctx, t.Next, RelocMoveToScratch1)
		ctx.asm.BR(Xscratch1)
	case ir.If:
		emitConditional(ctx, t.Then, t.Else, func(rel int32) uint32 {
			return 0x34000000 | encImm19(rel) | uint32(Xscratch0) // CBZ Wscratch0
		})
	case ir.CheckBit:
		emitConditional(ctx, t.Then, t.Else, func(rel int32) uint32 {
			return 0x36000000 | encImm14(rel) | uint32(Xscratch0) // TBZ Wscratch0, #0
		})
	case ir.CheckHalt:
		ctx.asm.LDRW(Xscratch0, Xhalt, 0)
		ctx.asm.CBZ(Xscratch0, 8)
		EmitRelocation(ctx, LinkReturnFromRunCode)
		emitTerminal(ctx, t.Else)
	default:
		panic(fmt.Sprintf("arm64: unknown terminal %T", terminal))
	}
}

// emitConditional emits `cond-branch over then; then; else`. encode
// produces the skip instruction once the then-length is known.
func emitConditional(ctx *EmitContext, then, els ir.Terminal, encode func(rel int32) uint32) {
	skip := ctx.asm.Offset()
	ctx.asm.NOP()
	emitTerminal(ctx, then)
	rel := int32(ctx.asm.Offset() - skip)
	binary.LittleEndian.PutUint32(ctx.asm.buf[skip:], encode(rel))
	emitTerminal(ctx, els)
}

func encImm14(rel int32) uint32 {
	if rel&3 != 0 || rel < -(1<<15) || rel >= 1<<15 {
		panic(fmt.Sprintf("arm64: test-bit branch offset out of range: %d", rel))
	}
	return (uint32(rel>>2) & 0x3FFF) << 5
}
