package arm64

import (
	"encoding/binary"
	"fmt"
)

// Reg is an aarch64 general-purpose register number. The width of an
// access (W vs X) is chosen by the emitting method, not the register.
type Reg byte

const (
	X0  Reg = 0
	X1  Reg = 1
	X2  Reg = 2
	X3  Reg = 3
	X4  Reg = 4
	X5  Reg = 5
	X6  Reg = 6
	X7  Reg = 7
	X8  Reg = 8
	X9  Reg = 9
	X10 Reg = 10
	X11 Reg = 11
	X12 Reg = 12
	X13 Reg = 13
	X14 Reg = 14
	X15 Reg = 15
	X16 Reg = 16
	X17 Reg = 17
	X18 Reg = 18
	X19 Reg = 19
	X20 Reg = 20
	X21 Reg = 21
	X22 Reg = 22
	X23 Reg = 23
	X24 Reg = 24
	X25 Reg = 25
	X26 Reg = 26
	X27 Reg = 27
	X28 Reg = 28
	X29 Reg = 29
	X30 Reg = 30
	XZR Reg = 31
)

// Assembler emits aarch64 machine code into a buffer. base is the host
// address of buf[0]; absolute branch targets (B, BL) are encoded
// relative to it. CBZ/CBNZ take an already relative offset. Every instruction is one 32-bit little-endian word.
type Assembler struct {
	buf    []byte
	base   uintptr
	offset int
}

// NewAssembler creates an assembler targeting the given buffer mapped
// at base.
func NewAssembler(buf []byte, base uintptr) *Assembler {
	return &Assembler{buf: buf, base: base}
}

// Offset returns the current write position in bytes.
func (a *Assembler) Offset() int {
	return a.offset
}

// PC returns the host address of the next instruction.
func (a *Assembler) PC() uintptr {
	return a.base + uintptr(a.offset)
}

// Bytes returns the assembled code.
func (a *Assembler) Bytes() []byte {
	return a.buf[:a.offset]
}

func (a *Assembler) word(w uint32) {
	binary.LittleEndian.PutUint32(a.buf[a.offset:], w)
	a.offset += 4
}

func branchOffset26(from, to uintptr) uint32 {
	rel := int64(to) - int64(from)
	if rel&3 != 0 || rel < -(1<<27) || rel >= 1<<27 {
		panic(fmt.Sprintf("arm64: branch target out of range: %#x -> %#x", from, to))
	}
	return uint32(rel>>2) & 0x03FFFFFF
}

// B: unconditional branch to an absolute host address (+-128 MiB).
func (a *Assembler) B(target uintptr) {
	a.word(0x14000000 | branchOffset26(a.PC(), target))
}

// BL: branch with link to an absolute host address.
func (a *Assembler) BL(target uintptr) {
	a.word(0x94000000 | branchOffset26(a.PC(), target))
}

// BR: indirect branch through a register.
func (a *Assembler) BR(rn Reg) {
	a.word(0xD61F0000 | uint32(rn)<<5)
}

// BLR: indirect call through a register.
func (a *Assembler) BLR(rn Reg) {
	a.word(0xD63F0000 | uint32(rn)<<5)
}

// RET: return through X30.
func (a *Assembler) RET() {
	a.word(0xD65F03C0)
}

// NOP.
func (a *Assembler) NOP() {
	a.word(0xD503201F)
}

// CBZ: compare Wt against zero, branch forward by rel bytes if zero.
// rel is relative to this instruction.
func (a *Assembler) CBZ(rt Reg, rel int32) {
	a.word(0x34000000 | encImm19(rel) | uint32(rt))
}

// CBNZ: compare Wt against zero, branch if non-zero.
func (a *Assembler) CBNZ(rt Reg, rel int32) {
	a.word(0x35000000 | encImm19(rel) | uint32(rt))
}

func encImm19(rel int32) uint32 {
	if rel&3 != 0 || rel < -(1<<20) || rel >= 1<<20 {
		panic(fmt.Sprintf("arm64: conditional branch offset out of range: %d", rel))
	}
	return (uint32(rel>>2) & 0x7FFFF) << 5
}

// MOVZ Xd, #imm16, LSL #(hw*16).
func (a *Assembler) MOVZ(rd Reg, imm16 uint16, hw uint) {
	a.word(0xD2800000 | uint32(hw)<<21 | uint32(imm16)<<5 | uint32(rd))
}

// MOVK Xd, #imm16, LSL #(hw*16).
func (a *Assembler) MOVK(rd Reg, imm16 uint16, hw uint) {
	a.word(0xF2800000 | uint32(hw)<<21 | uint32(imm16)<<5 | uint32(rd))
}

// MovImm64 materialises a 64-bit constant into rd. Always emits the
// full MOVZ/MOVK*3 sequence so the width is fixed; patched slots rely
// on that.
func (a *Assembler) MovImm64(rd Reg, imm uint64) {
	a.MOVZ(rd, uint16(imm), 0)
	a.MOVK(rd, uint16(imm>>16), 1)
	a.MOVK(rd, uint16(imm>>32), 2)
	a.MOVK(rd, uint16(imm>>48), 3)
}

// MovImm64Size is the byte width of a MovImm64 sequence.
const MovImm64Size = 16

// LDRW: LDR Wt, [Xn, #imm] (imm a multiple of 4, unsigned).
func (a *Assembler) LDRW(rt, rn Reg, imm uint32) {
	a.word(0xB9400000 | encScaledImm12(imm, 4) | uint32(rn)<<5 | uint32(rt))
}

// LDRX: LDR Xt, [Xn, #imm] (imm a multiple of 8, unsigned).
func (a *Assembler) LDRX(rt, rn Reg, imm uint32) {
	a.word(0xF9400000 | encScaledImm12(imm, 8) | uint32(rn)<<5 | uint32(rt))
}

// STRW: STR Wt, [Xn, #imm].
func (a *Assembler) STRW(rt, rn Reg, imm uint32) {
	a.word(0xB9000000 | encScaledImm12(imm, 4) | uint32(rn)<<5 | uint32(rt))
}

// STRX: STR Xt, [Xn, #imm].
func (a *Assembler) STRX(rt, rn Reg, imm uint32) {
	a.word(0xF9000000 | encScaledImm12(imm, 8) | uint32(rn)<<5 | uint32(rt))
}

// LDRBRegW: LDRB Wt, [Xn, Xm] - byte load with register offset.
func (a *Assembler) LDRBRegW(rt, rn, rm Reg) {
	a.word(0x38606800 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rt))
}

// LDRHRegW: LDRH Wt, [Xn, Xm] - halfword load with register offset.
func (a *Assembler) LDRHRegW(rt, rn, rm Reg) {
	a.word(0x78606800 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rt))
}

// STRHRegW: STRH Wt, [Xn, Xm].
func (a *Assembler) STRHRegW(rt, rn, rm Reg) {
	a.word(0x78206800 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rt))
}

// LDRRegW: LDR Wt, [Xn, Xm].
func (a *Assembler) LDRRegW(rt, rn, rm Reg) {
	a.word(0xB8606800 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rt))
}

// LDRRegX: LDR Xt, [Xn, Xm].
func (a *Assembler) LDRRegX(rt, rn, rm Reg) {
	a.word(0xF8606800 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rt))
}

// STRBRegW: STRB Wt, [Xn, Xm].
func (a *Assembler) STRBRegW(rt, rn, rm Reg) {
	a.word(0x38206800 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rt))
}

// STRRegW: STR Wt, [Xn, Xm].
func (a *Assembler) STRRegW(rt, rn, rm Reg) {
	a.word(0xB8206800 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rt))
}

// STRRegX: STR Xt, [Xn, Xm].
func (a *Assembler) STRRegX(rt, rn, rm Reg) {
	a.word(0xF8206800 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rt))
}

// MOVRegReg: MOV Xd, Xn (ORR Xd, XZR, Xn).
func (a *Assembler) MOVRegReg(rd, rn Reg) {
	a.word(0xAA0003E0 | uint32(rn)<<16 | uint32(rd))
}

// BFI Xd, Xn, #lsb, #width - bitfield insertion via BFM.
func (a *Assembler) BFI(rd, rn Reg, lsb, width uint) {
	immr := uint32(64-lsb) & 63
	imms := uint32(width - 1)
	a.word(0xB3400000 | immr<<16 | imms<<10 | uint32(rn)<<5 | uint32(rd))
}

func encScaledImm12(imm uint32, scale uint32) uint32 {
	if imm%scale != 0 || imm/scale >= 1<<12 {
		panic(fmt.Sprintf("arm64: unencodable load/store offset %d (scale %d)", imm, scale))
	}
	return (imm / scale) << 10
}

// DecodeBranchTarget decodes a B or BL word located at pc. ok is false
// when the word is neither.
func DecodeBranchTarget(word uint32, pc uintptr) (target uintptr, link bool, ok bool) {
	op := word & 0xFC000000
	if op != 0x14000000 && op != 0x94000000 {
		return 0, false, false
	}
	rel := int64(int32(word<<6)) >> 4 // sign-extend imm26, scale by 4
	return uintptr(int64(pc) + rel), op == 0x94000000, true
}

// DecodeMovImm64 decodes a MovImm64 sequence starting at the given
// words. ok is false when the four words are not MOVZ/MOVK with the
// expected shifts targeting one register.
func DecodeMovImm64(words [4]uint32) (rd Reg, imm uint64, ok bool) {
	rd = Reg(words[0] & 31)
	for i, w := range words {
		want := uint32(0xF2800000)
		if i == 0 {
			want = 0xD2800000
		}
		if w&0xFF800000 != want || Reg(w&31) != rd || (w>>21)&3 != uint32(i) {
			return 0, 0, false
		}
		imm |= uint64((w>>5)&0xFFFF) << (16 * i)
	}
	return rd, imm, true
}

// IsNOP reports whether the word is the canonical NOP.
func IsNOP(word uint32) bool {
	return word == 0xD503201F
}
