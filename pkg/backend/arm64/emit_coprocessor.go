package arm64

import (
	"unsafe"

	"dynarec/pkg/ir"
)

// Coprocessor dispatch. Each guest coprocessor opcode resolves a
// configured coprocessor object, asks it to compile the operation into
// an action, and lowers that action: raise the undefined-instruction
// exception, call a host callback through the ABI, or access the
// supplied word cell(s) directly.
//
// Argument convention for the coprocessor opcodes: Args[0] is the
// current location descriptor, Args[1] the packed coproc_info, and
// Args[2]/Args[3] carry the value operand(s) where the operation has
// any.

func cellAddr(cell *uint32) uint64 {
	return uint64(uintptr(unsafe.Pointer(cell)))
}

// emitCoprocessorException raises InvalidCoprocessorInstruction at the
// instruction's guest PC. Value-producing opcodes still define a
// result so downstream uses see a register; its contents are
// unspecified.
func emitCoprocessorException(ctx *EmitContext, inst *ir.Inst) {
	args := ctx.regAlloc.GetArgumentInfo(inst)
	ctx.regAlloc.PrepareForCall()

	location := ir.LocationDescriptor(args[0].GetImmediateU64())

	ctx.asm.MovImm64(X1, uint64(location.PC()))
	ctx.asm.MovImm64(X2, uint64(ExceptionInvalidCoprocessorInstruction))
	EmitRelocation(ctx, LinkExceptionRaised)

	if inst.Op.ReturnsValue() {
		ctx.regAlloc.DefineAsRegister(inst, X0) // Fake value.
	}
}

// callCoprocCallback lowers an ActionCallback: value args go to the
// argument registers, X0 carries the user argument's bit-pattern, and
// the target is reached through an indirect call. inst non-nil defines
// the call's result.
func callCoprocCallback(ctx *EmitContext, cb CoprocCallback, inst *ir.Inst, callArgs ...*Argument) {
	ctx.regAlloc.PrepareForCall(callArgs...)

	if cb.UserArg != nil {
		ctx.asm.MovImm64(X0, *cb.UserArg)
	}

	ctx.asm.MovImm64(Xscratch0, uint64(cb.Function))
	ctx.asm.BLR(Xscratch0)

	if inst != nil {
		ctx.regAlloc.DefineAsRegister(inst, X0)
	}
}

func coprocessorFor(ctx *EmitContext, inst *ir.Inst) Coprocessor {
	info := inst.CoprocInfo()
	return ctx.conf.Coprocessors[info[0]&0xF]
}

func emitCoprocInternalOperation(ctx *EmitContext, inst *ir.Inst) {
	info := inst.CoprocInfo()
	two := info[1] != 0
	opc1 := uint(info[2])
	crd := CoprocReg(info[3])
	crn := CoprocReg(info[4])
	crm := CoprocReg(info[5])
	opc2 := uint(info[6])

	coproc := coprocessorFor(ctx, inst)
	if coproc == nil {
		emitCoprocessorException(ctx, inst)
		return
	}

	action := coproc.CompileInternalOperation(two, opc1, crd, crn, crm, opc2)
	cb, ok := action.(ActionCallback)
	if !ok {
		emitCoprocessorException(ctx, inst)
		return
	}

	callCoprocCallback(ctx, cb.Callback, nil)
}

func emitCoprocSendOneWord(ctx *EmitContext, inst *ir.Inst) {
	info := inst.CoprocInfo()
	two := info[1] != 0
	opc1 := uint(info[2])
	crn := CoprocReg(info[3])
	crm := CoprocReg(info[4])
	opc2 := uint(info[5])

	coproc := coprocessorFor(ctx, inst)
	if coproc == nil {
		emitCoprocessorException(ctx, inst)
		return
	}

	args := ctx.regAlloc.GetArgumentInfo(inst)

	switch action := coproc.CompileSendOneWord(two, opc1, crn, crm, opc2).(type) {
	case ActionCallback:
		callCoprocCallback(ctx, action.Callback, nil, args[2])
	case ActionWordCell:
		value := ctx.regAlloc.ReadW(args[2])
		ctx.regAlloc.Realize(value)

		ctx.asm.MovImm64(Xscratch0, cellAddr(action.Cell))
		ctx.asm.STRW(value.Reg(), Xscratch0, 0)
		ctx.regAlloc.ReleaseOperands(value)
	default:
		emitCoprocessorException(ctx, inst)
	}
}

func emitCoprocSendTwoWords(ctx *EmitContext, inst *ir.Inst) {
	info := inst.CoprocInfo()
	two := info[1] != 0
	opc := uint(info[2])
	crm := CoprocReg(info[3])

	coproc := coprocessorFor(ctx, inst)
	if coproc == nil {
		emitCoprocessorException(ctx, inst)
		return
	}

	args := ctx.regAlloc.GetArgumentInfo(inst)

	switch action := coproc.CompileSendTwoWords(two, opc, crm).(type) {
	case ActionCallback:
		callCoprocCallback(ctx, action.Callback, nil, args[2], args[3])
	case ActionWordPair:
		value1 := ctx.regAlloc.ReadW(args[2])
		value2 := ctx.regAlloc.ReadW(args[3])
		ctx.regAlloc.Realize(value1, value2)

		ctx.asm.MovImm64(Xscratch0, cellAddr(action.First))
		ctx.asm.MovImm64(Xscratch1, cellAddr(action.Second))
		ctx.asm.STRW(value1.Reg(), Xscratch0, 0)
		ctx.asm.STRW(value2.Reg(), Xscratch1, 0)
		ctx.regAlloc.ReleaseOperands(value1, value2)
	default:
		emitCoprocessorException(ctx, inst)
	}
}

func emitCoprocGetOneWord(ctx *EmitContext, inst *ir.Inst) {
	info := inst.CoprocInfo()
	two := info[1] != 0
	opc1 := uint(info[2])
	crn := CoprocReg(info[3])
	crm := CoprocReg(info[4])
	opc2 := uint(info[5])

	coproc := coprocessorFor(ctx, inst)
	if coproc == nil {
		emitCoprocessorException(ctx, inst)
		return
	}

	switch action := coproc.CompileGetOneWord(two, opc1, crn, crm, opc2).(type) {
	case ActionCallback:
		callCoprocCallback(ctx, action.Callback, inst)
	case ActionWordCell:
		value := ctx.regAlloc.WriteW(inst)
		ctx.regAlloc.Realize(value)

		ctx.asm.MovImm64(Xscratch0, cellAddr(action.Cell))
		ctx.asm.LDRW(value.Reg(), Xscratch0, 0)
		ctx.regAlloc.ReleaseOperands(value)
	default:
		emitCoprocessorException(ctx, inst)
	}
}

func emitCoprocGetTwoWords(ctx *EmitContext, inst *ir.Inst) {
	info := inst.CoprocInfo()
	two := info[1] != 0
	opc := uint(info[2])
	crm := CoprocReg(info[3])

	coproc := coprocessorFor(ctx, inst)
	if coproc == nil {
		emitCoprocessorException(ctx, inst)
		return
	}

	switch action := coproc.CompileGetTwoWords(two, opc, crm).(type) {
	case ActionCallback:
		callCoprocCallback(ctx, action.Callback, inst)
	case ActionWordPair:
		value := ctx.regAlloc.WriteX(inst)
		ctx.regAlloc.Realize(value)

		// Low half from the first cell, high half from the second.
		ctx.asm.MovImm64(Xscratch0, cellAddr(action.First))
		ctx.asm.MovImm64(Xscratch1, cellAddr(action.Second))
		ctx.asm.LDRW(value.Reg(), Xscratch0, 0)
		ctx.asm.LDRW(Xscratch1, Xscratch1, 0)
		ctx.asm.BFI(value.Reg(), Xscratch1, 32, 32)
		ctx.regAlloc.ReleaseOperands(value)
	default:
		emitCoprocessorException(ctx, inst)
	}
}

func emitCoprocLoadWords(ctx *EmitContext, inst *ir.Inst) {
	emitCoprocTransfer(ctx, inst, func(coproc Coprocessor, two, long bool, crd CoprocReg, option *uint8) CoprocAction {
		return coproc.CompileLoadWords(two, long, crd, option)
	})
}

func emitCoprocStoreWords(ctx *EmitContext, inst *ir.Inst) {
	emitCoprocTransfer(ctx, inst, func(coproc Coprocessor, two, long bool, crd CoprocReg, option *uint8) CoprocAction {
		return coproc.CompileStoreWords(two, long, crd, option)
	})
}

func emitCoprocTransfer(ctx *EmitContext, inst *ir.Inst, compile func(Coprocessor, bool, bool, CoprocReg, *uint8) CoprocAction) {
	info := inst.CoprocInfo()
	two := info[1] != 0
	long := info[2] != 0
	crd := CoprocReg(info[3])

	var option *uint8
	if info[4] != 0 {
		opt := info[5]
		option = &opt
	}

	coproc := coprocessorFor(ctx, inst)
	if coproc == nil {
		emitCoprocessorException(ctx, inst)
		return
	}

	action := compile(coproc, two, long, crd, option)
	cb, ok := action.(ActionCallback)
	if !ok {
		emitCoprocessorException(ctx, inst)
		return
	}

	args := ctx.regAlloc.GetArgumentInfo(inst)
	callCoprocCallback(ctx, cb.Callback, nil, args[2])
}
