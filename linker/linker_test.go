package linker

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wudi/corevm/opcodes"
	"github.com/wudi/corevm/segment"
)

func TestLinkFunctionResolvesLabelsToAbsoluteAddresses(t *testing.T) {
	img := segment.NewImage()
	l := New(img)

	// while (r0) { r0 = r0 - 1 } ; ret  -- instruction 2's branch targets
	// instruction 0, a backward jump that linkFunction must turn into an
	// absolute Code Segment address.
	u := &Unit{
		FunctionID: 0,
		ArgCount:   1,
		OwnerType:  -1,
		Name:       "countdown",
		Instructions: []*opcodes.Instruction{
			{Op: opcodes.OpTstEq, Operands: [4]opcodes.Operand{reg(0), {Kind: opcodes.KindLabel, A: 3}}},
			{Op: opcodes.OpSubL, Operands: [4]opcodes.Operand{reg(0), reg(0), imm(1)}},
			{Op: opcodes.OpBra, Operands: [4]opcodes.Operand{{Kind: opcodes.KindLabel, A: 0}}},
			{Op: opcodes.OpRet},
		},
	}

	addr, err := l.linkFunction(u)
	require.NoError(t, err)
	require.Zero(t, addr)
	require.NotEmpty(t, img.Code)
	require.Equal(t, int32(1), img.Functions[0].ArgCount)

	decoded, _, err := opcodes.Decode(img.Code, 0)
	require.NoError(t, err)
	require.Equal(t, opcodes.OpTstEq, decoded.Op)
	// instruction 0's label (target instruction 3, the ret) must now be an
	// absolute address past every preceding instruction's encoded size.
	require.Greater(t, decoded.Operands[1].A, uint32(0))
}

func TestLinkFunctionRejectsOutOfRangeLabel(t *testing.T) {
	img := segment.NewImage()
	l := New(img)
	u := &Unit{
		Name: "bad",
		Instructions: []*opcodes.Instruction{
			{Op: opcodes.OpBra, Operands: [4]opcodes.Operand{{Kind: opcodes.KindLabel, A: 99}}},
		},
	}
	_, err := l.linkFunction(u)
	require.Error(t, err)
}

func TestPostLinkRewritesCallsToJsr(t *testing.T) {
	img := segment.NewImage()
	l := New(img)
	u := &Unit{
		Name: "caller",
		Instructions: []*opcodes.Instruction{
			{Op: opcodes.OpCalls, Operands: [4]opcodes.Operand{imm(7)}},
			{Op: opcodes.OpRet},
		},
	}
	require.NoError(t, l.postLink([]*Unit{u}))
	require.Equal(t, opcodes.OpJsr, u.Instructions[0].Op)
}

func TestRelocateRetargetsOverriddenCallsAndLeavesOthersAlone(t *testing.T) {
	body := []*opcodes.Instruction{
		{Op: opcodes.OpCalls, Operands: [4]opcodes.Operand{imm(3)}},
		{Op: opcodes.OpJsr, Operands: [4]opcodes.Operand{imm(3)}},
		{Op: opcodes.OpJsr, Operands: [4]opcodes.Operand{imm(4)}},
	}
	plan := RelocationPlan{
		SrcType: 1, DstType: 2,
		FuncMap: map[int32]int32{3: 9},
		SlotMap: map[int32]int32{},
	}
	warnings := Relocate(body, plan)
	require.Empty(t, warnings)
	require.EqualValues(t, 9, body[0].Operands[0].A)
	require.EqualValues(t, 9, body[1].Operands[0].A)
	require.EqualValues(t, 4, body[2].Operands[0].A, "a call the derived class never overrode keeps calling the shared base implementation")
}

func TestRelocateRetargetsOtTypeOperandsAndCallmSlots(t *testing.T) {
	body := []*opcodes.Instruction{
		{Op: opcodes.OpCallm, Operands: [4]opcodes.Operand{
			{Kind: opcodes.KindImmType, A: 1}, {Kind: opcodes.KindImmInt, A: 5},
		}},
		{Op: opcodes.OpType, Operands: [4]opcodes.Operand{reg(0), {Kind: opcodes.KindImmType, A: 1}}},
	}
	plan := RelocationPlan{
		SrcType: 1, DstType: 2,
		FuncMap: map[int32]int32{},
		SlotMap: map[int32]int32{5: 42},
	}
	Relocate(body, plan)
	require.EqualValues(t, 2, body[0].Operands[0].A, "callm's type operand must retarget to the derived class")
	require.EqualValues(t, 42, body[0].Operands[1].A, "callm's slot must redirect to the derived override")
	require.EqualValues(t, 2, body[1].Operands[1].A, "every ot_type operand naming the base type retargets, not just callm's")
}

func TestRelocateShiftsMemberDisplacementsByVarOffset(t *testing.T) {
	body := []*opcodes.Instruction{
		{Op: opcodes.OpMove, Operands: [4]opcodes.Operand{
			reg(2), {Kind: opcodes.KindRegDisp, A: 0, B: 3},
		}},
	}
	plan := RelocationPlan{SrcType: 1, DstType: 2, VarOffset: 4, FuncMap: map[int32]int32{}, SlotMap: map[int32]int32{}}
	Relocate(body, plan)
	require.EqualValues(t, 7, body[0].Operands[1].B)
}

func TestRelocateWarnsWhenThisEscapesThroughAnUnrelatedRegister(t *testing.T) {
	body := []*opcodes.Instruction{
		{Op: opcodes.OpMove, Operands: [4]opcodes.Operand{reg(5), reg(0)}}, // move r5, r0 (writes r5 <- r0)
		{Op: opcodes.OpMove, Operands: [4]opcodes.Operand{reg(1), reg(0)}}, // move r1, r0 is the allowed calldg case
	}
	plan := RelocationPlan{SrcType: 1, DstType: 2, FuncMap: map[int32]int32{}, SlotMap: map[int32]int32{}}
	warnings := Relocate(body, plan)
	require.Len(t, warnings, 1)
}

func TestLinkMainLinksMultipleUnitsSequentially(t *testing.T) {
	img := segment.NewImage()
	l := New(img)
	units := []*Unit{
		{FunctionID: 0, Name: "a", Instructions: []*opcodes.Instruction{{Op: opcodes.OpRet}}},
		{FunctionID: 1, Name: "b", Instructions: []*opcodes.Instruction{
			{Op: opcodes.OpCalls, Operands: [4]opcodes.Operand{imm(0)}},
			{Op: opcodes.OpRet},
		}},
	}
	require.NoError(t, l.LinkMain(units))
	require.Equal(t, opcodes.OpJsr, units[1].Instructions[0].Op)
	require.Greater(t, img.Functions[1].CodeAddr, img.Functions[0].CodeAddr)
}

func TestLinkMainAutoCompletesAnEmptyFunctionAndWarns(t *testing.T) {
	img := segment.NewImage()
	l := New(img)
	units := []*Unit{
		{FunctionID: 0, Name: "stub", RelocSource: -1, BaseMethod: -1, BaseDelegate: -1},
	}
	require.NoError(t, l.LinkMain(units))
	require.Equal(t, []*opcodes.Instruction{{Op: opcodes.OpRet}}, units[0].Instructions)
	require.Len(t, l.Warnings, 1)
	require.Contains(t, l.Warnings[0], "auto-completed")
}

func TestLinkMainSynthesizesACoroutineStub(t *testing.T) {
	img := segment.NewImage()
	l := New(img)
	units := []*Unit{
		{FunctionID: 0, Name: "gen", Cofunc: true, RelocSource: -1, BaseMethod: -1, BaseDelegate: -1},
	}
	require.NoError(t, l.LinkMain(units))
	require.Equal(t, opcodes.OpYield, units[0].Instructions[0].Op)
	require.Equal(t, opcodes.OpBra, units[0].Instructions[1].Op)
	require.Empty(t, l.Warnings)
}

func TestLinkMainSynthesizesABaseMethodJump(t *testing.T) {
	img := segment.NewImage()
	l := New(img)
	units := []*Unit{
		{FunctionID: 0, Name: "Base.speak", OwnerType: 1, Instructions: []*opcodes.Instruction{{Op: opcodes.OpRet}}},
		{FunctionID: 1, Name: "Derived.speak", OwnerType: 2, RelocSource: -1, BaseMethod: 0, BaseDelegate: -1},
	}
	require.NoError(t, l.LinkMain(units))
	require.Equal(t, opcodes.OpJmp, units[1].Instructions[0].Op)
	require.EqualValues(t, 0, units[1].Instructions[0].Operands[0].A)
}

func TestLinkMainSynthesizesABaseDelegateForward(t *testing.T) {
	img := segment.NewImage()
	l := New(img)
	units := []*Unit{
		{FunctionID: 0, Name: "Derived.onEvent", RelocSource: -1, BaseMethod: -1, BaseDelegate: 4},
	}
	require.NoError(t, l.LinkMain(units))
	require.Equal(t, opcodes.OpMove, units[0].Instructions[0].Op)
	require.Equal(t, opcodes.OpCalldg, units[0].Instructions[1].Op)
	require.Equal(t, opcodes.OpRet, units[0].Instructions[2].Op)
}

func TestLinkMainRelocatesAnInheritedMethodAndRetargetsItsOverriddenSibling(t *testing.T) {
	img := segment.NewImage()
	l := New(img)
	units := []*Unit{
		// Base.helper, called internally by Base.run.
		{FunctionID: 0, Name: "Base.helper", OwnerType: 1, MemberIndex: 1,
			Instructions: []*opcodes.Instruction{{Op: opcodes.OpRet}}},
		// Base.run: calls Base.helper by function id.
		{FunctionID: 1, Name: "Base.run", OwnerType: 1, MemberIndex: 0,
			Instructions: []*opcodes.Instruction{
				{Op: opcodes.OpCalls, Operands: [4]opcodes.Operand{imm(0)}},
				{Op: opcodes.OpRet},
			}},
		// Derived overrides only helper (slot 1); run (slot 0) is inherited
		// unchanged and relocated from Base.run.
		{FunctionID: 2, Name: "Derived.helper", OwnerType: 2, MemberIndex: 1,
			Instructions: []*opcodes.Instruction{{Op: opcodes.OpRet}}},
		{FunctionID: 3, Name: "Derived.run", OwnerType: 2, MemberIndex: 0,
			RelocSource: 1, BaseMethod: -1, BaseDelegate: -1},
	}
	require.NoError(t, l.LinkMain(units))
	relocated := units[3].Instructions
	require.Equal(t, opcodes.OpJsr, relocated[0].Op, "postLink still rewrites the relocated copy's calls into jsr")
	require.EqualValues(t, 2, relocated[0].Operands[0].A, "Derived.run's relocated call to helper must redirect to Derived.helper, not Base.helper")
}

func TestInsertRegisterSavingWrapsABodyThatModifiesR3AndAbove(t *testing.T) {
	u := &Unit{
		ArgCount: 2,
		Instructions: []*opcodes.Instruction{
			{Op: opcodes.OpAddL, Operands: [4]opcodes.Operand{reg(3), reg(0), reg(1)}},
			{Op: opcodes.OpRet},
		},
	}
	insertRegisterSaving(u)
	require.Equal(t, opcodes.OpPushR, u.Instructions[0].Op)
	require.EqualValues(t, 3, u.Instructions[0].Operands[0].A)
	require.EqualValues(t, 1, u.Instructions[0].Operands[0].B)
	require.Equal(t, opcodes.OpPopR, u.Instructions[2].Op, "popr must be inserted immediately before the ret")
	require.Equal(t, opcodes.OpRet, u.Instructions[3].Op)
}

func TestInsertRegisterSavingLeavesABodyThatNeverTouchesR3OrAboveUntouched(t *testing.T) {
	u := &Unit{
		ArgCount: 2,
		Instructions: []*opcodes.Instruction{
			{Op: opcodes.OpAddL, Operands: [4]opcodes.Operand{reg(0), reg(0), reg(1)}},
			{Op: opcodes.OpRet},
		},
	}
	insertRegisterSaving(u)
	require.Len(t, u.Instructions, 2)
	require.Equal(t, opcodes.OpAddL, u.Instructions[0].Op)
}

func TestInsertRegisterSavingShiftsStackDisplacementsBeyondTheRegisterWindow(t *testing.T) {
	u := &Unit{
		ArgCount: 1,
		Instructions: []*opcodes.Instruction{
			{Op: opcodes.OpAddL, Operands: [4]opcodes.Operand{reg(3), reg(0), reg(0)}},
			{Op: opcodes.OpPush, Operands: [4]opcodes.Operand{{Kind: opcodes.KindStackDisp, A: 1}}},
			{Op: opcodes.OpRet},
		},
	}
	insertRegisterSaving(u)
	// one register (r3) is saved, so a stack slot that used to sit right
	// past the one-register window (offset 1) now sits one slot further.
	require.EqualValues(t, 2, u.Instructions[2].Operands[0].A)
}

func reg(n uint32) opcodes.Operand { return opcodes.Operand{Kind: opcodes.KindReg, A: n} }
func imm(n uint32) opcodes.Operand { return opcodes.Operand{Kind: opcodes.KindImmInt, A: n} }
