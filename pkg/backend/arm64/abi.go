package arm64

// AAPCS64 register assignments used by emitted code.
//
// Register allocation:
//   X0-X7   argument / result registers for host calls
//   X0      user_arg slot for coprocessor callbacks
//   X16     Xscratch0 (IP0) - call target materialisation
//   X17     Xscratch1 (IP1) - block-link materialisation
//   X19-X25 register-allocator pool for IR values (callee-saved,
//           persist across host calls)
//   X26     Xhalt, X27 Xfastmem, X28 Xstate (callee-saved)
//   X30     link register
//
// X16/X17 are the intra-procedure-call scratch registers; the prelude
// stubs and patched slots overwrite them, so emitted block bodies use
// them only as short-lived scratch and must not keep live values there
// across a relocation slot.

const (
	Xscratch0 = X16
	Xscratch1 = X17

	// Xstate holds the guest state pointer for the whole run.
	Xstate = X28

	// Xfastmem holds the base of the guest fastmem arena.
	Xfastmem = X27

	// Xhalt holds the halt-request flag cell address.
	Xhalt = X26
)

// argRegister returns the n-th integer argument register.
func argRegister(n int) Reg {
	return X0 + Reg(n)
}
