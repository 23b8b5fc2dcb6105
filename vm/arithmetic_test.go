package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wudi/corevm/handle"
	"github.com/wudi/corevm/opcodes"
	"github.com/wudi/corevm/segment"
	"github.com/wudi/corevm/values"
)

// newArithFrame builds a VM and a 3-register frame on its root context,
// with reg0/reg1 pre-loaded from a/b and reg2 left null as the
// instructions' destination, so each test can drive execArithmetic
// directly without going through the linker or call convention.
func newArithFrame(t *testing.T, mk func(pool *handle.Pool) (a, b *handle.Handle)) (*VM, *ExecutionContext, *CallFrame) {
	m := New(segment.NewImage())
	ctx := m.Root()
	frame := ctx.OpenFrame(0, -1, 3, nil)
	a, b := mk(m.Pool)
	require.NoError(t, ctx.SetRegister(frame, 0, a))
	require.NoError(t, ctx.SetRegister(frame, 1, b))
	return m, ctx, frame
}

func TestBinaryGenericWidensToFloatWhenEitherOperandIs(t *testing.T) {
	m, ctx, frame := newArithFrame(t, func(pool *handle.Pool) (*handle.Handle, *handle.Handle) {
		return values.NewInt(pool, 2), values.NewFloat(pool, 2.5)
	})
	inst := &opcodes.Instruction{Op: opcodes.OpAdd, Operands: [4]opcodes.Operand{reg(2), reg(0), reg(1)}}
	require.NoError(t, m.execArithmetic(ctx, frame, inst))

	dst, err := ctx.Register(frame, 2)
	require.NoError(t, err)
	require.True(t, values.IsFloat(dst))
	require.InDelta(t, 4.5, values.AsFloat(dst), 1e-9)
}

func TestBinaryGenericStaysIntWhenBothOperandsAre(t *testing.T) {
	m, ctx, frame := newArithFrame(t, func(pool *handle.Pool) (*handle.Handle, *handle.Handle) {
		return values.NewInt(pool, 3), values.NewInt(pool, 4)
	})
	inst := &opcodes.Instruction{Op: opcodes.OpMul, Operands: [4]opcodes.Operand{reg(2), reg(0), reg(1)}}
	require.NoError(t, m.execArithmetic(ctx, frame, inst))

	dst, err := ctx.Register(frame, 2)
	require.NoError(t, err)
	require.True(t, values.IsInt(dst))
	require.EqualValues(t, 12, values.AsInt(dst))
}

func TestBinaryIntRejectsFloatOperands(t *testing.T) {
	m, ctx, frame := newArithFrame(t, func(pool *handle.Pool) (*handle.Handle, *handle.Handle) {
		return values.NewFloat(pool, 1), values.NewInt(pool, 2)
	})
	inst := &opcodes.Instruction{Op: opcodes.OpAddL, Operands: [4]opcodes.Operand{reg(2), reg(0), reg(1)}}
	err := m.execArithmetic(ctx, frame, inst)
	require.ErrorIs(t, err, ErrWrongHandleType)
}

func TestBinaryIntDivisionByZeroReturnsTypedError(t *testing.T) {
	m, ctx, frame := newArithFrame(t, func(pool *handle.Pool) (*handle.Handle, *handle.Handle) {
		return values.NewInt(pool, 5), values.NewInt(pool, 0)
	})
	inst := &opcodes.Instruction{Op: opcodes.OpDivL, Operands: [4]opcodes.Operand{reg(2), reg(0), reg(1)}}
	err := m.execArithmetic(ctx, frame, inst)
	require.ErrorIs(t, err, ErrDivisionByZero)
}

func TestBinaryFloatModuloUsesRepeatedSubtraction(t *testing.T) {
	m, ctx, frame := newArithFrame(t, func(pool *handle.Pool) (*handle.Handle, *handle.Handle) {
		return values.NewFloat(pool, 7.5), values.NewFloat(pool, 2)
	})
	inst := &opcodes.Instruction{Op: opcodes.OpModF, Operands: [4]opcodes.Operand{reg(2), reg(0), reg(1)}}
	require.NoError(t, m.execArithmetic(ctx, frame, inst))

	dst, err := ctx.Register(frame, 2)
	require.NoError(t, err)
	require.InDelta(t, 1.5, values.AsFloat(dst), 1e-9)
}

func TestUnaryNegIsGenericAcrossIntAndFloat(t *testing.T) {
	m, ctx, frame := newArithFrame(t, func(pool *handle.Pool) (*handle.Handle, *handle.Handle) {
		return values.NewInt(pool, 9), values.NewNull(pool)
	})
	inst := &opcodes.Instruction{Op: opcodes.OpNeg, Operands: [4]opcodes.Operand{reg(2), reg(0)}}
	require.NoError(t, m.execArithmetic(ctx, frame, inst))

	dst, err := ctx.Register(frame, 2)
	require.NoError(t, err)
	require.EqualValues(t, -9, values.AsInt(dst))
}

func TestIncLIncrementsIntInPlace(t *testing.T) {
	m, ctx, frame := newArithFrame(t, func(pool *handle.Pool) (*handle.Handle, *handle.Handle) {
		return values.NewInt(pool, 41), values.NewNull(pool)
	})
	inst := &opcodes.Instruction{Op: opcodes.OpIncL, Operands: [4]opcodes.Operand{reg(0)}}
	require.NoError(t, m.execArithmetic(ctx, frame, inst))

	dst, err := ctx.Register(frame, 0)
	require.NoError(t, err)
	require.EqualValues(t, 42, values.AsInt(dst))
}

func TestBwNotRequiresIntOperand(t *testing.T) {
	m, ctx, frame := newArithFrame(t, func(pool *handle.Pool) (*handle.Handle, *handle.Handle) {
		return values.NewFloat(pool, 1), values.NewNull(pool)
	})
	inst := &opcodes.Instruction{Op: opcodes.OpBwNot, Operands: [4]opcodes.Operand{reg(2), reg(0)}}
	err := m.execArithmetic(ctx, frame, inst)
	require.ErrorIs(t, err, ErrWrongHandleType)
}
