package arm64

// CoprocReg names one of the sixteen coprocessor registers C0-C15.
type CoprocReg byte

// CoprocCallback is a host function a compiled coprocessor operation
// calls at runtime. Function receives (UserArg, arg1, arg2) in the
// first three argument registers.
type CoprocCallback struct {
	Function uintptr
	UserArg  *uint64
}

// CoprocAction is what a coprocessor's compile method returns: one of
// nothing (take the exception path), a host callback, one 32-bit cell,
// or a pair of 32-bit cells. It is a closed sum; the dispatch emitter
// matches every shape.
type CoprocAction interface {
	isCoprocAction()
}

// ActionNone routes the instruction to the undefined-instruction
// exception.
type ActionNone struct{}

// ActionCallback calls a host function through the ABI.
type ActionCallback struct {
	Callback CoprocCallback
}

// ActionWordCell accesses a single 32-bit cell directly.
type ActionWordCell struct {
	Cell *uint32
}

// ActionWordPair accesses two 32-bit cells directly.
type ActionWordPair struct {
	First  *uint32
	Second *uint32
}

func (ActionNone) isCoprocAction()     {}
func (ActionCallback) isCoprocAction() {}
func (ActionWordCell) isCoprocAction() {}
func (ActionWordPair) isCoprocAction() {}

// Coprocessor compiles guest coprocessor operations into actions. A
// nil entry in the configuration table means the coprocessor is absent
// and every operation against it is undefined.
type Coprocessor interface {
	CompileInternalOperation(two bool, opc1 uint, crd, crn, crm CoprocReg, opc2 uint) CoprocAction
	CompileSendOneWord(two bool, opc1 uint, crn, crm CoprocReg, opc2 uint) CoprocAction
	CompileSendTwoWords(two bool, opc uint, crm CoprocReg) CoprocAction
	CompileGetOneWord(two bool, opc1 uint, crn, crm CoprocReg, opc2 uint) CoprocAction
	CompileGetTwoWords(two bool, opc uint, crm CoprocReg) CoprocAction
	CompileLoadWords(two bool, long bool, crd CoprocReg, option *uint8) CoprocAction
	CompileStoreWords(two bool, long bool, crd CoprocReg, option *uint8) CoprocAction
}
