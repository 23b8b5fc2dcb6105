// Package opcodes defines the instruction encoding for the register VM
// (§4.3, §6.1, §6.4). Addressing modes are factored out of the opcode
// space (an explicit option in the spec's design notes) rather than
// exploded into one opcode per (operation × addressing-mode) combination:
// `push` takes a single operand whose Kind may be Reg, RegDisp, RegIdx or
// StackDisp instead of needing four separate opcodes (push_r/push_d/
// push_x/push_s), and every arithmetic op has exactly one opcode per width
// family (generic/-l/-f) regardless of how its operands are addressed.
// Every operand carries an explicit Kind tag in the encoded stream — the
// "one extra decode step" the spec allows as the price of a compact table.
// The resulting byte-code format is internal to this module; nothing
// outside requires bit-compatibility with JILRuntime's exploded table.
package opcodes

import "fmt"

// Opcode is the first word of every instruction.
type Opcode uint16

const (
	OpNop Opcode = iota

	// Movement (§4.3)
	OpMove  // transfer a reference
	OpCopy  // deep copy via Handle.Copy
	OpWref  // weak reference
	OpMoveH // materialise a Data Segment literal (move semantics)
	OpCopyH // materialise a Data Segment literal (copy semantics)

	// Arithmetic: generic / int-asserting / float-asserting families
	OpAdd
	OpAddL
	OpAddF
	OpSub
	OpSubL
	OpSubF
	OpMul
	OpMulL
	OpMulF
	OpDiv
	OpDivL
	OpDivF
	OpMod
	OpModL
	OpModF
	OpNeg
	OpNegL
	OpNegF
	OpInc
	OpIncL
	OpIncF
	OpDec
	OpDecL
	OpDecF

	// Bitwise (int only)
	OpAnd
	OpOr
	OpXor
	OpBwNot
	OpAsl
	OpAsr
	OpLsl
	OpLsr

	// Comparison
	OpCsEq
	OpCsEqL
	OpCsEqF
	OpCsNe
	OpCsNeL
	OpCsNeF
	OpCsGt
	OpCsGtL
	OpCsGtF
	OpCsGe
	OpCsGeL
	OpCsGeF
	OpCsLt
	OpCsLtL
	OpCsLtF
	OpCsLe
	OpCsLeL
	OpCsLeF
	OpStrEq
	OpStrNe
	OpCmpRef
	OpSnul
	OpSnnul

	// Control flow
	OpBra   // unconditional branch
	OpTstEq // branch to label if source is zero
	OpTstNe // branch to label if source is non-zero

	// Calls
	OpCalls  // calls(fn) - call a global function by Function Segment id
	OpCallm  // callm(type, slot) - virtual dispatch through a v-table
	OpCalln  // calln(type, slot) - native-type counterpart
	OpCalli  // calli(iface, slot) - push an array of delegates to slot of every class implementing iface; none is invoked
	OpCalldg // calldg - invoke delegate handle in r1
	OpJsr    // low-level direct-address call, produced by the linker
	OpJmp    // direct tail-jump, used for pure method inheritance
	OpRet

	// Allocation
	OpAlloc  // alloc(type) - script class
	OpAllocN // allocn(type) - native class
	OpAllocA // alloca(type, dim) - multi-dim array, dim = number of dimensions
	OpAllocI // alloci(iface) - interface factory

	// Stack
	OpPush  // push one EA-addressed value
	OpPushM // push n null handles
	OpPushR // push a register range
	OpPop   // pop and discard
	OpPopM  // pop n and discard
	OpPopR  // pop a register range

	// Coroutines
	OpNewCtx // spawn a new context
	OpResume // transfer control into another context
	OpYield  // return control to the yielder

	// Misc
	OpSize  // string length or array element count
	OpType  // handle's type id as int
	OpRtChk // runtime-type assertion
	OpThrow // raise a user exception
	OpDcvt  // dynamic conversion (currently only to string)
	OpBrk   // unconditional break exception
	OpCvf   // int -> float
	OpCvl   // float -> int

	opcodeCount
)

// OperandKind is the addressing mode of one operand (§4.3, §6.4).
type OperandKind byte

const (
	KindNone OperandKind = iota
	KindImmInt
	KindImmHandle
	KindImmType
	KindLabel
	KindReg
	KindRegDisp
	KindRegIdx
	KindStackDisp
	KindRegRange
)

// Size is the operand's encoded width in 32-bit instruction words, not
// counting its kind tag.
func (k OperandKind) Size() int {
	switch k {
	case KindNone:
		return 0
	case KindRegDisp, KindRegIdx, KindRegRange:
		return 2
	default:
		return 1
	}
}

// Operand is one decoded operand: Kind selects interpretation of A (and B
// for two-word kinds: RegDisp packs (reg=A, displacement=B); RegIdx packs
// (baseReg=A, indexReg=B); RegRange packs (firstReg=A, count=B)).
type Operand struct {
	Kind OperandKind
	A    uint32
	B    uint32
}

// Instruction is one decoded bytecode instruction.
type Instruction struct {
	Op       Opcode
	Operands [4]Operand
}

// Info describes an opcode's operand count and a disassembly mnemonic.
// Every operand beyond NumOperands-1 is absent; the Kind actually present
// on a given Instruction is read from the instruction itself (see
// Encode/Decode), never from this table — addressing modes are a property
// of the operand, not the opcode.
type Info struct {
	Op          Opcode
	NumOperands int
	Mnemonic    string
}

var infoTable = make(map[Opcode]Info)

func define(op Opcode, mnemonic string, numOperands int) {
	infoTable[op] = Info{Op: op, NumOperands: numOperands, Mnemonic: mnemonic}
}

func init() {
	define(OpNop, "nop", 0)

	define(OpMove, "move", 2)
	define(OpCopy, "copy", 2)
	define(OpWref, "wref", 2)
	define(OpMoveH, "moveh", 2)
	define(OpCopyH, "copyh", 2)

	for _, o := range []struct {
		op   Opcode
		name string
	}{
		{OpAdd, "add"}, {OpAddL, "addl"}, {OpAddF, "addf"},
		{OpSub, "sub"}, {OpSubL, "subl"}, {OpSubF, "subf"},
		{OpMul, "mul"}, {OpMulL, "mull"}, {OpMulF, "mulf"},
		{OpDiv, "div"}, {OpDivL, "divl"}, {OpDivF, "divf"},
		{OpMod, "mod"}, {OpModL, "modl"}, {OpModF, "modf"},
		{OpAnd, "and"}, {OpOr, "or"}, {OpXor, "xor"},
	} {
		define(o.op, o.name, 3)
	}
	for _, o := range []struct {
		op   Opcode
		name string
	}{
		{OpNeg, "neg"}, {OpNegL, "negl"}, {OpNegF, "negf"},
		{OpInc, "inc"}, {OpIncL, "incl"}, {OpIncF, "incf"},
		{OpDec, "dec"}, {OpDecL, "decl"}, {OpDecF, "decf"},
		{OpBwNot, "not"}, {OpAsl, "asl"}, {OpAsr, "asr"}, {OpLsl, "lsl"}, {OpLsr, "lsr"},
	} {
		define(o.op, o.name, 2)
	}

	for _, o := range []struct {
		op   Opcode
		name string
	}{
		{OpCsEq, "cseq"}, {OpCsEqL, "cseql"}, {OpCsEqF, "cseqf"},
		{OpCsNe, "csne"}, {OpCsNeL, "csnel"}, {OpCsNeF, "csnef"},
		{OpCsGt, "csgt"}, {OpCsGtL, "csgtl"}, {OpCsGtF, "csgtf"},
		{OpCsGe, "csge"}, {OpCsGeL, "csgel"}, {OpCsGeF, "csgef"},
		{OpCsLt, "cslt"}, {OpCsLtL, "csltl"}, {OpCsLtF, "csltf"},
		{OpCsLe, "csle"}, {OpCsLeL, "cslel"}, {OpCsLeF, "cslef"},
		{OpStrEq, "streq"}, {OpStrNe, "strne"}, {OpCmpRef, "cmpref"},
	} {
		define(o.op, o.name, 3)
	}
	define(OpSnul, "snul", 2)
	define(OpSnnul, "snnul", 2)

	define(OpBra, "bra", 1)
	define(OpTstEq, "tsteq", 2)
	define(OpTstNe, "tstne", 2)

	define(OpCalls, "calls", 1)
	define(OpCallm, "callm", 2)
	define(OpCalln, "calln", 2)
	define(OpCalli, "calli", 2)
	define(OpCalldg, "calldg", 0)
	define(OpJsr, "jsr", 1)
	define(OpJmp, "jmp", 1)
	define(OpRet, "ret", 0)

	define(OpAlloc, "alloc", 1)
	define(OpAllocN, "allocn", 1)
	define(OpAllocA, "alloca", 2)
	define(OpAllocI, "alloci", 1)

	define(OpPush, "push", 1)
	define(OpPushM, "pushm", 1)
	define(OpPushR, "pushr", 1)
	define(OpPop, "pop", 0)
	define(OpPopM, "popm", 1)
	define(OpPopR, "popr", 1)

	define(OpNewCtx, "newctx", 4)
	define(OpResume, "resume", 1)
	define(OpYield, "yield", 0)

	define(OpSize, "size", 2)
	define(OpType, "type", 2)
	define(OpRtChk, "rtchk", 2)
	define(OpThrow, "throw", 1)
	define(OpDcvt, "dcvt", 3)
	define(OpBrk, "brk", 0)
	define(OpCvf, "cvf", 2)
	define(OpCvl, "cvl", 2)
}

// InstructionInfo looks up an opcode's shape.
func InstructionInfo(op Opcode) (Info, error) {
	info, ok := infoTable[op]
	if !ok {
		return Info{}, fmt.Errorf("opcode %d has no info entry", op)
	}
	return info, nil
}

// InstructionSize returns 1 (the opcode word) plus, for each of the
// opcode's operands, one kind-tag word plus the operand's encoded size
// (§6.1, §8 self-consistency property): instrSize == 1 + Σ
// (1 + operandSize(kind[i])) for every declared operand.
func InstructionSize(inst *Instruction) (int, error) {
	info, err := InstructionInfo(inst.Op)
	if err != nil {
		return 0, err
	}
	size := 1
	for i := 0; i < info.NumOperands; i++ {
		size += 1 + inst.Operands[i].Kind.Size()
	}
	return size, nil
}

func (op Opcode) String() string {
	if info, ok := infoTable[op]; ok {
		return info.Mnemonic
	}
	return fmt.Sprintf("opcode(%d)", op)
}
