package ir

// Terminal describes how control leaves a block. It is a closed sum:
// the backend switches over every variant and panics on anything else,
// so a new variant must be threaded through every consumer.
type Terminal interface {
	isTerminal()
}

// Invalid is the zero terminal. Reaching the backend with it is a
// frontend bug.
type Invalid struct{}

// ReturnToDispatch hands control back to the dispatcher for a dynamic
// lookup of the next block.
type ReturnToDispatch struct{}

// LinkBlock branches directly to Next once Next is resident.
type LinkBlock struct {
	Next LocationDescriptor
}

// LinkBlockFast is LinkBlock without the single-step bookkeeping; the
// emitted slot materialises the target address instead of branching.
type LinkBlockFast struct {
	Next LocationDescriptor
}

// PopRSBHint pops a predicted return target from the return stack
// buffer.
type PopRSBHint struct{}

// FastDispatchHint routes through the fast dispatch table.
type FastDispatchHint struct{}

// If selects between two sub-terminals on a guest condition.
type If struct {
	Then Terminal
	Else Terminal
}

// CheckBit selects between two sub-terminals on the check bit set by
// the block body.
type CheckBit struct {
	Then Terminal
	Else Terminal
}

// CheckHalt exits to the run-code epilogue when a halt was requested,
// otherwise continues with Else.
type CheckHalt struct {
	Else Terminal
}

func (Invalid) isTerminal()          {}
func (ReturnToDispatch) isTerminal() {}
func (LinkBlock) isTerminal()        {}
func (LinkBlockFast) isTerminal()    {}
func (PopRSBHint) isTerminal()       {}
func (FastDispatchHint) isTerminal() {}
func (If) isTerminal()               {}
func (CheckBit) isTerminal()         {}
func (CheckHalt) isTerminal()        {}
