package ir

// Opcode enumerates the IR operations the arm64 backend lowers. The
// surface here is the subset the address space and the coprocessor
// dispatch emitter consume; the full frontend instruction set is
// decoded elsewhere.
type Opcode int

const (
	OpVoid Opcode = iota

	OpReadMemory8
	OpReadMemory16
	OpReadMemory32
	OpReadMemory64
	OpWriteMemory8
	OpWriteMemory16
	OpWriteMemory32
	OpWriteMemory64

	OpCoprocInternalOperation
	OpCoprocSendOneWord
	OpCoprocSendTwoWords
	OpCoprocGetOneWord
	OpCoprocGetTwoWords
	OpCoprocLoadWords
	OpCoprocStoreWords
)

// ReturnsValue reports whether the operation defines a result.
func (op Opcode) ReturnsValue() bool {
	switch op {
	case OpReadMemory8, OpReadMemory16, OpReadMemory32, OpReadMemory64,
		OpCoprocGetOneWord, OpCoprocGetTwoWords:
		return true
	}
	return false
}

// Value is an operand: either an immediate or the result of an earlier
// instruction in the same block.
type Value struct {
	Inst *Inst
	Imm  uint64
}

// Imm builds an immediate operand.
func Imm(v uint64) Value {
	return Value{Imm: v}
}

// Ref builds an operand referring to the result of inst.
func Ref(inst *Inst) Value {
	return Value{Inst: inst}
}

// IsImmediate reports whether the operand is a constant.
func (v Value) IsImmediate() bool {
	return v.Inst == nil
}

// Inst is a single IR micro-instruction.
type Inst struct {
	Op   Opcode
	Args []Value
}

// Arg returns the i-th operand, or a zero immediate when absent.
func (i *Inst) Arg(n int) Value {
	if n >= len(i.Args) {
		return Value{}
	}
	return i.Args[n]
}

// CoprocInfo unpacks the packed coprocessor operand. By convention the
// coprocessor instructions carry the packed tuple as Args[1]; each of
// the seven fields occupies one byte.
func (i *Inst) CoprocInfo() [7]byte {
	var info [7]byte
	packed := i.Arg(1).Imm
	for n := range info {
		info[n] = byte(packed >> (8 * n))
	}
	return info
}

// PackCoprocInfo packs up to seven small integers into the immediate
// form CoprocInfo unpacks.
func PackCoprocInfo(fields ...byte) uint64 {
	var packed uint64
	for n, f := range fields {
		packed |= uint64(f) << (8 * n)
	}
	return packed
}

// Block is a maximally-extended straight-line sequence of guest
// instructions, already lowered to IR, ending at a control-flow
// boundary.
type Block struct {
	Location     LocationDescriptor
	Instructions []*Inst
	terminal     Terminal
}

// NewBlock builds a block for the given starting location.
func NewBlock(location LocationDescriptor) *Block {
	return &Block{Location: location, terminal: Invalid{}}
}

// Append adds an instruction and returns it so callers can reference
// its result.
func (b *Block) Append(op Opcode, args ...Value) *Inst {
	inst := &Inst{Op: op, Args: args}
	b.Instructions = append(b.Instructions, inst)
	return inst
}

// Terminal returns the block's terminal.
func (b *Block) Terminal() Terminal {
	return b.terminal
}

// SetTerminal sets the block's terminal.
func (b *Block) SetTerminal(t Terminal) {
	b.terminal = t
}
