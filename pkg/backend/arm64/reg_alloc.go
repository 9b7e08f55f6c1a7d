package arm64

import (
	"fmt"

	"dynarec/pkg/ir"
)

// Argument is one operand of an instruction being lowered, as seen by
// the register allocator.
type Argument struct {
	value ir.Value
}

// IsImmediate reports whether the operand is a constant.
func (a *Argument) IsImmediate() bool {
	return a.value.IsImmediate()
}

// GetImmediateU64 returns the constant. Panics on a non-immediate
// operand; asking is a lowering bug.
func (a *Argument) GetImmediateU64() uint64 {
	if !a.IsImmediate() {
		panic("arm64: GetImmediateU64 on a non-immediate argument")
	}
	return a.value.Imm
}

// Operand is a deferred register binding produced by ReadW/ReadX and
// WriteW/WriteX. The register is chosen when Realize runs; using it
// earlier is a lowering bug.
type Operand struct {
	arg      *Argument
	def      *ir.Inst
	wide     bool
	temp     bool
	reg      Reg
	realized bool
}

// Reg returns the assigned register.
func (o *Operand) Reg() Reg {
	if !o.realized {
		panic("arm64: operand used before Realize")
	}
	return o.reg
}

// RegAlloc assigns host registers to IR values during lowering. Values
// live in the callee-saved pool X19-X25 so they survive host calls;
// X16/X17 stay reserved for link slots and call target materialisation.
//
// Use counts are taken from the block up front; a value's register is
// returned to the pool at its last use, and a dead definition's
// register as soon as its instruction has been emitted. Emitters hand
// finished operands back through ReleaseOperands.
//
// This is the contract the dispatch emitters program against:
// GetArgumentInfo, PrepareForCall, ReadW/ReadX, WriteW/WriteX,
// DefineAsRegister, Realize.
type RegAlloc struct {
	asm       *Assembler
	locations map[*ir.Inst]Reg
	uses      map[*ir.Inst]int
	inUse     map[Reg]bool
}

var allocPool = []Reg{X19, X20, X21, X22, X23, X24, X25}

// NewRegAlloc creates an allocator emitting through asm, with use
// counts scanned from the block being lowered.
func NewRegAlloc(asm *Assembler, block *ir.Block) *RegAlloc {
	uses := make(map[*ir.Inst]int)
	if block != nil {
		for _, inst := range block.Instructions {
			for _, arg := range inst.Args {
				if arg.Inst != nil {
					uses[arg.Inst]++
				}
			}
		}
	}
	return &RegAlloc{
		asm:       asm,
		locations: make(map[*ir.Inst]Reg),
		uses:      uses,
		inUse:     make(map[Reg]bool),
	}
}

// GetArgumentInfo returns the operands of inst.
func (ra *RegAlloc) GetArgumentInfo(inst *ir.Inst) []*Argument {
	args := make([]*Argument, len(inst.Args))
	for i := range inst.Args {
		args[i] = &Argument{value: inst.Args[i]}
	}
	return args
}

// PrepareForCall readies the machine for a host call and moves the
// given value arguments into the argument registers, starting at X1.
// X0 is left to the caller: it carries the callback's user argument.
// Each moved argument is consumed.
func (ra *RegAlloc) PrepareForCall(args ...*Argument) {
	for i, arg := range args {
		if arg == nil {
			continue
		}
		dst := argRegister(1 + i)
		if arg.IsImmediate() {
			ra.asm.MovImm64(dst, arg.GetImmediateU64())
			continue
		}
		src, ok := ra.locations[arg.value.Inst]
		if !ok {
			panic("arm64: call argument has no defined location")
		}
		ra.asm.MOVRegReg(dst, src)
		ra.consumeUse(arg.value.Inst)
	}
}

// ReadW binds arg to a register as a 32-bit value.
func (ra *RegAlloc) ReadW(arg *Argument) *Operand {
	return &Operand{arg: arg, wide: false}
}

// ReadX binds arg to a register as a 64-bit value.
func (ra *RegAlloc) ReadX(arg *Argument) *Operand {
	return &Operand{arg: arg, wide: true}
}

// WriteW allocates a register that will hold inst's 32-bit result.
func (ra *RegAlloc) WriteW(inst *ir.Inst) *Operand {
	return &Operand{def: inst, wide: false}
}

// WriteX allocates a register that will hold inst's 64-bit result.
func (ra *RegAlloc) WriteX(inst *ir.Inst) *Operand {
	return &Operand{def: inst, wide: true}
}

// DefineAsRegister records that inst's result lives in reg, without
// emitting anything. Used after calls whose return register is fixed
// by the ABI.
func (ra *RegAlloc) DefineAsRegister(inst *ir.Inst, reg Reg) {
	ra.locations[inst] = reg
}

// Location returns the register holding inst's result.
func (ra *RegAlloc) Location(inst *ir.Inst) (Reg, bool) {
	reg, ok := ra.locations[inst]
	return reg, ok
}

// Realize assigns registers to the given operands and emits whatever
// materialisation reads require. Reads of immediates load the constant
// into a pool temporary; reads of defined values reuse their home
// register. Writes allocate from the pool and record the definition.
func (ra *RegAlloc) Realize(ops ...*Operand) {
	for _, op := range ops {
		switch {
		case op.def != nil:
			op.reg = ra.alloc()
			ra.locations[op.def] = op.reg
		case op.arg.IsImmediate():
			op.reg = ra.alloc()
			op.temp = true
			ra.asm.MovImm64(op.reg, op.arg.GetImmediateU64())
		default:
			reg, ok := ra.locations[op.arg.value.Inst]
			if !ok {
				panic("arm64: realized read of an undefined value")
			}
			op.reg = reg
		}
		op.realized = true
	}
}

// ReleaseOperands returns finished operands' registers to the pool:
// immediate temporaries immediately, reads of defined values at their
// last use, and definitions nothing else will ever read as soon as
// their instruction is done.
func (ra *RegAlloc) ReleaseOperands(ops ...*Operand) {
	for _, op := range ops {
		switch {
		case op.def != nil:
			if ra.uses[op.def] == 0 {
				ra.release(op.reg)
				delete(ra.locations, op.def)
			}
		case op.temp:
			ra.release(op.reg)
		default:
			ra.consumeUse(op.arg.value.Inst)
		}
	}
}

// consumeUse burns one use of a defined value, freeing its home
// register once no uses remain.
func (ra *RegAlloc) consumeUse(inst *ir.Inst) {
	ra.uses[inst]--
	if ra.uses[inst] <= 0 {
		if reg, ok := ra.locations[inst]; ok {
			ra.release(reg)
			delete(ra.locations, inst)
		}
	}
}

func (ra *RegAlloc) release(reg Reg) {
	delete(ra.inUse, reg)
}

func (ra *RegAlloc) alloc() Reg {
	for _, reg := range allocPool {
		if !ra.inUse[reg] {
			ra.inUse[reg] = true
			return reg
		}
	}
	panic(fmt.Sprintf("arm64: register pool exhausted (%d live)", len(ra.inUse)))
}
