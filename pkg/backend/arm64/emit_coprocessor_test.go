package arm64

import (
	"testing"
	"unsafe"

	"dynarec/pkg/ir"
)

// fakeCoprocessor returns a fixed action for every compile method.
type fakeCoprocessor struct {
	action CoprocAction
}

func (f *fakeCoprocessor) CompileInternalOperation(bool, uint, CoprocReg, CoprocReg, CoprocReg, uint) CoprocAction {
	return f.action
}
func (f *fakeCoprocessor) CompileSendOneWord(bool, uint, CoprocReg, CoprocReg, uint) CoprocAction {
	return f.action
}
func (f *fakeCoprocessor) CompileSendTwoWords(bool, uint, CoprocReg) CoprocAction {
	return f.action
}
func (f *fakeCoprocessor) CompileGetOneWord(bool, uint, CoprocReg, CoprocReg, uint) CoprocAction {
	return f.action
}
func (f *fakeCoprocessor) CompileGetTwoWords(bool, uint, CoprocReg) CoprocAction {
	return f.action
}
func (f *fakeCoprocessor) CompileLoadWords(bool, bool, CoprocReg, *uint8) CoprocAction {
	return f.action
}
func (f *fakeCoprocessor) CompileStoreWords(bool, bool, CoprocReg, *uint8) CoprocAction {
	return f.action
}

const coprocTestPC = uint32(0x8000)

func coprocBlock(op ir.Opcode, coprocNum byte, values ...ir.Value) *ir.Block {
	location := ir.NewLocationDescriptor(coprocTestPC, 0)
	block := ir.NewBlock(location)
	args := []ir.Value{
		ir.Imm(uint64(location)),
		ir.Imm(ir.PackCoprocInfo(coprocNum, 0, 1, 2, 3, 4, 5)),
	}
	args = append(args, values...)
	block.Append(op, args...)
	block.SetTerminal(ir.ReturnToDispatch{})
	return block
}

func decodeMovAt(t *testing.T, buf []byte, offset int) (Reg, uint64) {
	t.Helper()
	var words [4]uint32
	for i := range words {
		words[i] = word(t, buf, offset/4+i)
	}
	rd, imm, ok := DecodeMovImm64(words)
	if !ok {
		t.Fatalf("no MovImm64 at offset %d", offset)
	}
	return rd, imm
}

// findReloc returns the offset of the first relocation with the given
// target, or -1.
func findReloc(info *EmittedBlockInfo, target LinkTarget) int {
	for _, reloc := range info.Relocations {
		if reloc.Target == target {
			return reloc.Offset
		}
	}
	return -1
}

func TestCoprocessorMissingRaisesException(t *testing.T) {
	conf := &EmitConfig{} // coprocessor 7 absent

	block := coprocBlock(ir.OpCoprocGetOneWord, 7)
	info, buf := emitForTest(t, block, conf, nil)

	offset := findReloc(info, LinkExceptionRaised)
	if offset < 0 {
		t.Fatal("no ExceptionRaised relocation")
	}

	// X1 = guest PC, X2 = InvalidCoprocessorInstruction, immediately
	// before the helper call.
	rd, imm := decodeMovAt(t, buf, offset-2*MovImm64Size)
	if rd != X1 || imm != uint64(coprocTestPC) {
		t.Errorf("X%d = %#x, want X1 = %#x", rd, imm, coprocTestPC)
	}
	rd, imm = decodeMovAt(t, buf, offset-MovImm64Size)
	if rd != X2 || imm != uint64(ExceptionInvalidCoprocessorInstruction) {
		t.Errorf("X%d = %#x, want X2 = %d", rd, imm, ExceptionInvalidCoprocessorInstruction)
	}
}

func TestCoprocessorActionNoneRaisesException(t *testing.T) {
	conf := &EmitConfig{}
	conf.Coprocessors[7] = &fakeCoprocessor{action: ActionNone{}}

	block := coprocBlock(ir.OpCoprocInternalOperation, 7)
	info, _ := emitForTest(t, block, conf, nil)

	if findReloc(info, LinkExceptionRaised) < 0 {
		t.Fatal("no ExceptionRaised relocation")
	}
}

func TestCoprocessorCallbackCall(t *testing.T) {
	userArg := uint64(0x1234)
	conf := &EmitConfig{}
	conf.Coprocessors[7] = &fakeCoprocessor{action: ActionCallback{
		Callback: CoprocCallback{Function: 0xCAFE0000, UserArg: &userArg},
	}}

	block := coprocBlock(ir.OpCoprocSendOneWord, 7, ir.Imm(99))
	_, buf := emitForTest(t, block, conf, nil)

	// Value arg lands in X1, user arg value in X0, target in
	// Xscratch0, then BLR.
	rd, imm := decodeMovAt(t, buf, 0)
	if rd != X1 || imm != 99 {
		t.Errorf("arg: X%d = %#x, want X1 = 99", rd, imm)
	}
	rd, imm = decodeMovAt(t, buf, MovImm64Size)
	if rd != X0 || imm != userArg {
		t.Errorf("user arg: X%d = %#x, want X0 = %#x", rd, imm, userArg)
	}
	rd, imm = decodeMovAt(t, buf, 2*MovImm64Size)
	if rd != Xscratch0 || imm != 0xCAFE0000 {
		t.Errorf("target: X%d = %#x, want Xscratch0 = 0xCAFE0000", rd, imm)
	}
	if got, want := word(t, buf, 3*MovImm64Size/4), uint32(0xD63F0200); got != want {
		t.Errorf("call word = %08x, want BLR Xscratch0 (%08x)", got, want)
	}
}

func TestCoprocessorSendOneWordToCell(t *testing.T) {
	var cell uint32
	conf := &EmitConfig{}
	conf.Coprocessors[7] = &fakeCoprocessor{action: ActionWordCell{Cell: &cell}}

	block := coprocBlock(ir.OpCoprocSendOneWord, 7, ir.Imm(0xABCD))
	_, buf := emitForTest(t, block, conf, nil)

	// Value into a pooled register, cell address into Xscratch0, STR.
	rd, imm := decodeMovAt(t, buf, 0)
	if rd != X19 || imm != 0xABCD {
		t.Errorf("value: X%d = %#x, want X19 = 0xABCD", rd, imm)
	}
	rd, imm = decodeMovAt(t, buf, MovImm64Size)
	if rd != Xscratch0 || imm != uint64(uintptr(unsafe.Pointer(&cell))) {
		t.Errorf("cell: X%d = %#x, want Xscratch0 = &cell", rd, imm)
	}
	wantStr := uint32(0xB9000000 | uint32(Xscratch0)<<5 | uint32(X19))
	if got := word(t, buf, 2*MovImm64Size/4); got != wantStr {
		t.Errorf("store word = %08x, want STR W19 (%08x)", got, wantStr)
	}
}

func TestCoprocessorGetTwoWordsFromCells(t *testing.T) {
	var cellA, cellB uint32
	conf := &EmitConfig{}
	conf.Coprocessors[7] = &fakeCoprocessor{action: ActionWordPair{First: &cellA, Second: &cellB}}

	block := coprocBlock(ir.OpCoprocGetTwoWords, 7)
	_, buf := emitForTest(t, block, conf, nil)

	rd, imm := decodeMovAt(t, buf, 0)
	if rd != Xscratch0 || imm != uint64(uintptr(unsafe.Pointer(&cellA))) {
		t.Errorf("first cell: X%d = %#x", rd, imm)
	}
	rd, imm = decodeMovAt(t, buf, MovImm64Size)
	if rd != Xscratch1 || imm != uint64(uintptr(unsafe.Pointer(&cellB))) {
		t.Errorf("second cell: X%d = %#x", rd, imm)
	}

	// Two 32-bit loads combined with a bitfield insertion: low half
	// from the first cell, high half from the second.
	base := 2 * MovImm64Size / 4
	wantLoad1 := uint32(0xB9400000 | uint32(Xscratch0)<<5 | uint32(X19))
	wantLoad2 := uint32(0xB9400000 | uint32(Xscratch1)<<5 | uint32(Xscratch1))
	wantBFI := uint32(0xB3400000 | 32<<16 | 31<<10 | uint32(Xscratch1)<<5 | uint32(X19))
	if got := word(t, buf, base); got != wantLoad1 {
		t.Errorf("load1 = %08x, want %08x", got, wantLoad1)
	}
	if got := word(t, buf, base+1); got != wantLoad2 {
		t.Errorf("load2 = %08x, want %08x", got, wantLoad2)
	}
	if got := word(t, buf, base+2); got != wantBFI {
		t.Errorf("bfi = %08x, want %08x", got, wantBFI)
	}
}

func TestCoprocessorSendTwoWordsToCells(t *testing.T) {
	var cellA, cellB uint32
	conf := &EmitConfig{}
	conf.Coprocessors[7] = &fakeCoprocessor{action: ActionWordPair{First: &cellA, Second: &cellB}}

	block := coprocBlock(ir.OpCoprocSendTwoWords, 7, ir.Imm(1), ir.Imm(2))
	_, buf := emitForTest(t, block, conf, nil)

	// Two value materialisations, two cell addresses, two stores.
	base := 4 * MovImm64Size / 4
	wantStr1 := uint32(0xB9000000 | uint32(Xscratch0)<<5 | uint32(X19))
	wantStr2 := uint32(0xB9000000 | uint32(Xscratch1)<<5 | uint32(X20))
	if got := word(t, buf, base); got != wantStr1 {
		t.Errorf("store1 = %08x, want %08x", got, wantStr1)
	}
	if got := word(t, buf, base+1); got != wantStr2 {
		t.Errorf("store2 = %08x, want %08x", got, wantStr2)
	}
}

func TestCoprocessorManyGetsReleaseRegisters(t *testing.T) {
	var cell uint32
	conf := &EmitConfig{}
	conf.Coprocessors[7] = &fakeCoprocessor{action: ActionWordCell{Cell: &cell}}

	// Ten unread results in one block must not exhaust the pool.
	location := ir.NewLocationDescriptor(coprocTestPC, 0)
	block := ir.NewBlock(location)
	for i := 0; i < 10; i++ {
		block.Append(ir.OpCoprocGetOneWord,
			ir.Imm(uint64(location)),
			ir.Imm(ir.PackCoprocInfo(7, 0, 1, 2, 3, 4, 5)),
		)
	}
	block.SetTerminal(ir.ReturnToDispatch{})

	info, _ := emitForTest(t, block, conf, nil)
	if info.Size == 0 {
		t.Fatal("nothing emitted")
	}
}

func TestCoprocessorLoadWordsCallbackOnly(t *testing.T) {
	conf := &EmitConfig{}
	conf.Coprocessors[7] = &fakeCoprocessor{action: ActionWordCell{Cell: new(uint32)}}

	// Load/store transfers only support callbacks; a cell action is a
	// coprocessor contract violation and takes the exception path.
	block := coprocBlock(ir.OpCoprocLoadWords, 7, ir.Imm(0x1000))
	info, _ := emitForTest(t, block, conf, nil)

	if findReloc(info, LinkExceptionRaised) < 0 {
		t.Fatal("no ExceptionRaised relocation")
	}
}
