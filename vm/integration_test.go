package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wudi/corevm/handle"
	"github.com/wudi/corevm/opcodes"
	"github.com/wudi/corevm/segment"
	"github.com/wudi/corevm/values"
)

func reg(n uint32) opcodes.Operand { return opcodes.Operand{Kind: opcodes.KindReg, A: n} }

func appendInstructions(img *segment.Image, instrs []*opcodes.Instruction) int32 {
	base := int32(len(img.Code))
	for _, inst := range instrs {
		words, err := opcodes.Encode(inst)
		if err != nil {
			panic(err)
		}
		img.AppendCode(words...)
	}
	return base
}

// buildAddFunction lays out `addl r0, r0, r1; ret` directly into img,
// skipping the linker (there are no labels to resolve), and registers it
// as function id 0 taking 2 arguments.
func buildAddFunction(img *segment.Image) {
	addr := appendInstructions(img, []*opcodes.Instruction{
		{Op: opcodes.OpAddL, Operands: [4]opcodes.Operand{reg(0), reg(0), reg(1)}},
		{Op: opcodes.OpRet},
	})
	img.AppendFunction(segment.FunctionInfo{OwnerType: -1, CodeAddr: addr, ArgCount: 2, Name: "add"})
}

func TestVMCallRunsAddAndReturnsResult(t *testing.T) {
	img := segment.NewImage()
	buildAddFunction(img)

	m := New(img)
	args := []*handle.Handle{values.NewInt(m.Pool, 3), values.NewInt(m.Pool, 4)}
	result, err := m.Call(0, nil, args)
	require.NoError(t, err)
	require.EqualValues(t, 7, values.AsInt(result))
}

func TestVMCallPropagatesDivisionByZero(t *testing.T) {
	img := segment.NewImage()
	addr := appendInstructions(img, []*opcodes.Instruction{
		{Op: opcodes.OpDivL, Operands: [4]opcodes.Operand{reg(0), reg(0), reg(1)}},
		{Op: opcodes.OpRet},
	})
	img.AppendFunction(segment.FunctionInfo{OwnerType: -1, CodeAddr: addr, ArgCount: 2, Name: "divide"})

	m := New(img)
	args := []*handle.Handle{values.NewInt(m.Pool, 1), values.NewInt(m.Pool, 0)}
	_, err := m.Call(0, nil, args)
	require.Error(t, err)

	exc := m.Root().GetErrException()
	require.NotNil(t, exc)
	require.Equal(t, FaultDivisionByZero, exc.Code, "a host must be able to tell this was a division-by-zero fault")
	require.Equal(t, int(addr), m.Root().GetErrPC(), "getErrPC must point at the faulting divl instruction")
}
