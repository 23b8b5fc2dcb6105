package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wudi/corevm/handle"
	"github.com/wudi/corevm/opcodes"
	"github.com/wudi/corevm/segment"
	"github.com/wudi/corevm/values"
)

// buildYieldFunction lays out a one-instruction function that immediately
// yields register 0 back to whatever resumed it, registered as function id
// 0 taking a single argument.
func buildYieldFunction(img *segment.Image) {
	addr := appendInstructions(img, []*opcodes.Instruction{
		{Op: opcodes.OpYield},
	})
	img.AppendFunction(segment.FunctionInfo{OwnerType: -1, CodeAddr: addr, ArgCount: 1, Name: "coro"})
}

func TestExecNewCtxSpawnsFreshSuspendedContext(t *testing.T) {
	img := segment.NewImage()
	buildYieldFunction(img)

	m := New(img)
	ctx := m.Root()
	frame := ctx.OpenFrame(0, -1, 2, nil)
	require.NoError(t, ctx.SetRegister(frame, 0, values.NewInt(m.Pool, 99)))

	inst := &opcodes.Instruction{
		Op: opcodes.OpNewCtx,
		Operands: [4]opcodes.Operand{
			reg(1),                                        // dst
			{Kind: opcodes.KindImmInt, A: 0},               // fn
			{Kind: opcodes.KindReg, A: 0, B: 1},             // args: reg0..reg0
			{Kind: opcodes.KindNone},                        // this: none
		},
	}
	require.NoError(t, m.execNewCtx(ctx, frame, inst))

	dst, err := ctx.Register(frame, 1)
	require.NoError(t, err)
	require.Equal(t, handle.TypeContext, dst.Type)
	child, ok := dst.Payload.Context.(*ExecutionContext)
	require.True(t, ok)
	require.Equal(t, StatusFresh, child.Status)
}

func TestExecResumeRunsChildUntilYieldAndPushesResult(t *testing.T) {
	img := segment.NewImage()
	buildYieldFunction(img)

	m := New(img)
	ctx := m.Root()
	frame := ctx.OpenFrame(0, -1, 2, nil)
	require.NoError(t, ctx.SetRegister(frame, 0, values.NewInt(m.Pool, 99)))

	newCtxInst := &opcodes.Instruction{
		Op: opcodes.OpNewCtx,
		Operands: [4]opcodes.Operand{
			reg(1),
			{Kind: opcodes.KindImmInt, A: 0},
			{Kind: opcodes.KindReg, A: 0, B: 1},
			{Kind: opcodes.KindNone},
		},
	}
	require.NoError(t, m.execNewCtx(ctx, frame, newCtxInst))

	resumeInst := &opcodes.Instruction{Op: opcodes.OpResume, Operands: [4]opcodes.Operand{reg(1)}}
	sig, err := m.execResume(ctx, frame, resumeInst)
	require.NoError(t, err)
	require.False(t, sig.hasJump)

	// The resumed value sits above the frame's two register slots.
	require.Len(t, ctx.DataStack, 3)
	require.EqualValues(t, 99, values.AsInt(ctx.DataStack[2]))

	dst, _ := ctx.Register(frame, 1)
	child := dst.Payload.Context.(*ExecutionContext)
	require.Equal(t, StatusSuspended, child.Status)
}

func TestExecResumeRejectsAlreadyRunningContext(t *testing.T) {
	img := segment.NewImage()
	buildYieldFunction(img)
	m := New(img)
	ctx := m.Root()
	frame := ctx.OpenFrame(0, -1, 1, nil)

	child := m.newContext()
	child.Status = StatusRunning
	require.NoError(t, ctx.SetRegister(frame, 0, values.NewContext(m.Pool, handle.TypeContext, child)))

	_, err := m.execResume(ctx, frame, &opcodes.Instruction{Op: opcodes.OpResume, Operands: [4]opcodes.Operand{reg(0)}})
	require.ErrorIs(t, err, ErrContextRunning)
}

func TestExecYieldFailsOutsideAResumedContext(t *testing.T) {
	m := New(segment.NewImage())
	ctx := m.Root()
	frame := ctx.OpenFrame(0, -1, 1, nil)
	_, err := m.execYield(ctx, frame, &opcodes.Instruction{Op: opcodes.OpYield})
	require.ErrorIs(t, err, ErrNoYieldTarget)
}
