package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wudi/corevm/handle"
	"github.com/wudi/corevm/native"
	"github.com/wudi/corevm/opcodes"
	"github.com/wudi/corevm/segment"
	"github.com/wudi/corevm/values"
)

func TestExecCallsOpensFrameFromPushedArgsAndJumpsToEntry(t *testing.T) {
	img := segment.NewImage()
	fnID := img.AppendFunction(segment.FunctionInfo{CodeAddr: 42, ArgCount: 2})
	m := New(img)
	ctx := m.Root()
	ctx.Push(values.NewInt(m.Pool, 10))
	ctx.Push(values.NewInt(m.Pool, 20))

	inst := &opcodes.Instruction{Op: opcodes.OpCalls, Operands: [4]opcodes.Operand{{Kind: opcodes.KindImmType, A: uint32(fnID)}}}
	sig, err := m.execCall(ctx, nil, inst, 7)
	require.NoError(t, err)
	require.True(t, sig.hasJump)
	require.Equal(t, 42, sig.jumpTo)
	require.Equal(t, 1, ctx.Calls.Depth())

	frame := ctx.Calls.CurrentFrame()
	require.Equal(t, 7, frame.ReturnPC)
	r0, err := ctx.Register(frame, 0)
	require.NoError(t, err)
	require.EqualValues(t, 10, values.AsInt(r0))
}

func TestExecJmpTailJumpsWithoutOpeningANewFrame(t *testing.T) {
	img := segment.NewImage()
	fnID := img.AppendFunction(segment.FunctionInfo{CodeAddr: 99, ArgCount: 0})
	m := New(img)
	ctx := m.Root()

	inst := &opcodes.Instruction{Op: opcodes.OpJmp, Operands: [4]opcodes.Operand{{Kind: opcodes.KindImmType, A: uint32(fnID)}}}
	sig, err := m.execCall(ctx, nil, inst, 5)
	require.NoError(t, err)
	require.True(t, sig.hasJump)
	require.Equal(t, 99, sig.jumpTo)
	require.True(t, ctx.Calls.IsEmpty(), "jmp is a tail jump, it must not open a new frame")
}

func TestExecCallmDispatchesThroughVtable(t *testing.T) {
	img := segment.NewImage()
	vtabOff := img.AppendVtable([]int32{-1})
	fnID := img.AppendFunction(segment.FunctionInfo{CodeAddr: 11, ArgCount: 1})
	require.NoError(t, img.SetVtableSlot(vtabOff, 0, fnID))
	typeID := img.AppendType(segment.TypeInfo{Family: segment.FamilyClass, VtabOffset: vtabOff, InstanceSize: 0, Base: -1})

	m := New(img)
	ctx := m.Root()
	frame := ctx.OpenFrame(0, -1, 1, nil)
	recv := values.NewObject(m.Pool, handle.TypeID(typeID), 0)
	require.NoError(t, ctx.SetRegister(frame, 0, recv))

	inst := &opcodes.Instruction{Op: opcodes.OpCallm, Operands: [4]opcodes.Operand{
		{Kind: opcodes.KindReg, A: 0},
		{Kind: opcodes.KindImmType, A: 0},
	}}
	sig, err := m.execCall(ctx, frame, inst, 3)
	require.NoError(t, err)
	require.True(t, sig.hasJump)
	require.Equal(t, 11, sig.jumpTo)

	callee := ctx.Calls.CurrentFrame()
	require.Same(t, recv, callee.This)
}

func TestExecCallmRejectsEmptyVtableSlot(t *testing.T) {
	img := segment.NewImage()
	vtabOff := img.AppendVtable([]int32{-1})
	typeID := img.AppendType(segment.TypeInfo{Family: segment.FamilyClass, VtabOffset: vtabOff, Base: -1})

	m := New(img)
	ctx := m.Root()
	frame := ctx.OpenFrame(0, -1, 1, nil)
	recv := values.NewObject(m.Pool, handle.TypeID(typeID), 0)
	require.NoError(t, ctx.SetRegister(frame, 0, recv))

	inst := &opcodes.Instruction{Op: opcodes.OpCallm, Operands: [4]opcodes.Operand{
		{Kind: opcodes.KindReg, A: 0},
		{Kind: opcodes.KindImmType, A: 0},
	}}
	_, err := m.execCall(ctx, frame, inst, 3)
	require.ErrorIs(t, err, ErrVtableSlotEmpty)
}

func TestExecCalldgInvokesTheDelegateInRegister1(t *testing.T) {
	img := segment.NewImage()
	fnID := img.AppendFunction(segment.FunctionInfo{CodeAddr: 55, ArgCount: 0})
	m := New(img)
	ctx := m.Root()
	frame := ctx.OpenFrame(0, -1, 2, nil)
	this := values.NewInt(m.Pool, 7)
	dg := values.NewDelegate(m.Pool, handle.TypeDelegate, fnID, this, nil)
	require.NoError(t, ctx.SetRegister(frame, 1, dg))

	inst := &opcodes.Instruction{Op: opcodes.OpCalldg}
	sig, err := m.execCall(ctx, frame, inst, 9)
	require.NoError(t, err)
	require.True(t, sig.hasJump)
	require.Equal(t, 55, sig.jumpTo)
	require.Same(t, this, ctx.Calls.CurrentFrame().This)
}

func TestExecCalldgRejectsNonDelegateInRegister1(t *testing.T) {
	img := segment.NewImage()
	m := New(img)
	ctx := m.Root()
	frame := ctx.OpenFrame(0, -1, 2, nil)
	require.NoError(t, ctx.SetRegister(frame, 1, values.NewInt(m.Pool, 1)))

	inst := &opcodes.Instruction{Op: opcodes.OpCalldg}
	_, err := m.execCall(ctx, frame, inst, 9)
	require.ErrorIs(t, err, ErrWrongHandleType)
}

type spyNativeType struct{ received []*handle.Handle }

func (s *spyNativeType) Register(handle.TypeID) error   { return nil }
func (s *spyNativeType) OnImport(handle.TypeID) error   { return nil }
func (s *spyNativeType) Initialize(handle.TypeID) error { return nil }
func (s *spyNativeType) NewObject(handle.TypeID, *native.CallContext) (interface{}, error) {
	return nil, nil
}
func (s *spyNativeType) MarkHandles(interface{}, func(*handle.Handle)) {}
func (s *spyNativeType) CallStatic(handle.TypeID, string, *native.CallContext) (*handle.Handle, error) {
	return nil, nil
}
func (s *spyNativeType) CallMember(typeID handle.TypeID, obj interface{}, member string, cc *native.CallContext) (*handle.Handle, error) {
	s.received = cc.Args
	return values.NewInt(cc.Pool, 123), nil
}
func (s *spyNativeType) DestroyObject(handle.TypeID, interface{}) {}
func (s *spyNativeType) Terminate(handle.TypeID) error            { return nil }
func (s *spyNativeType) Unregister(handle.TypeID) error           { return nil }

func TestExecCallnDispatchesToTheRegisteredNativeTypesMember(t *testing.T) {
	img := segment.NewImage()
	nameOff := img.AppendCStr("query")
	typeID := img.AppendType(segment.TypeInfo{Family: segment.FamilyClass, Native: true})

	m := New(img)
	spy := &spyNativeType{}
	require.NoError(t, m.Native.Bind(handle.TypeID(typeID), spy))

	ctx := m.Root()
	frame := ctx.OpenFrame(0, -1, 1, nil)
	recv := values.NewNative(m.Pool, handle.TypeID(typeID), nil)
	require.NoError(t, ctx.SetRegister(frame, 0, recv))
	ctx.Push(values.NewInt(m.Pool, 41)) // the one native argument
	ctx.Push(values.NewInt(m.Pool, 1))  // native arg count

	inst := &opcodes.Instruction{Op: opcodes.OpCalln, Operands: [4]opcodes.Operand{
		{Kind: opcodes.KindReg, A: 0},
		{Kind: opcodes.KindImmType, A: nameOff},
	}}
	sig, err := m.execCall(ctx, frame, inst, 2)
	require.NoError(t, err)
	require.False(t, sig.hasJump)
	require.Len(t, spy.received, 1)
	require.EqualValues(t, 41, values.AsInt(spy.received[0]))

	top, err := ctx.Pop()
	require.NoError(t, err)
	require.EqualValues(t, 123, values.AsInt(top))
}

func TestExecRetReturnsRegisterZeroWithAnExtraReference(t *testing.T) {
	m := New(segment.NewImage())
	ctx := m.Root()
	frame := ctx.OpenFrame(0, -1, 1, nil)
	v := values.NewInt(m.Pool, 5)
	require.NoError(t, ctx.SetRegister(frame, 0, v))
	before := v.RefCount

	sig, err := m.execRet(ctx, frame)
	require.NoError(t, err)
	require.True(t, sig.returning)
	require.Same(t, v, sig.retVal)
	require.Equal(t, before+1, v.RefCount)
}

func TestExecRetReturnsNullWhenFrameHasNoLiveRegisters(t *testing.T) {
	m := New(segment.NewImage())
	ctx := m.Root()
	frame := ctx.OpenFrame(0, -1, 0, nil)

	sig, err := m.execRet(ctx, frame)
	require.NoError(t, err)
	require.True(t, values.IsNull(sig.retVal))
}
