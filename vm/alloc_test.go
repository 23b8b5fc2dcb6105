package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wudi/corevm/handle"
	"github.com/wudi/corevm/opcodes"
	"github.com/wudi/corevm/segment"
	"github.com/wudi/corevm/values"
)

func TestExecAllocPushesNullInitialisedObject(t *testing.T) {
	img := segment.NewImage()
	name := img.AppendCStr("Point")
	img.AppendType(segment.TypeInfo{Family: segment.FamilyClass, NameOffset: name, InstanceSize: 2, Base: -1})

	m := New(img)
	ctx := m.Root()
	frame := ctx.OpenFrame(0, -1, 0, nil)

	require.NoError(t, m.execAlloc(ctx, frame, &opcodes.Instruction{Op: opcodes.OpAlloc, Operands: [4]opcodes.Operand{{Kind: opcodes.KindImmType, A: 0}}}))

	require.Len(t, ctx.DataStack, 1)
	obj := ctx.DataStack[0]
	require.Equal(t, handle.TypeID(0), obj.Type)
	require.Len(t, obj.Payload.Object, 2)
	for _, slot := range obj.Payload.Object {
		require.True(t, slot.IsNull())
	}
}

func TestExecAllocRejectsNativeType(t *testing.T) {
	img := segment.NewImage()
	name := img.AppendCStr("Opaque")
	img.AppendType(segment.TypeInfo{Family: segment.FamilyClass, NameOffset: name, Native: true, Base: -1})

	m := New(img)
	ctx := m.Root()
	frame := ctx.OpenFrame(0, -1, 0, nil)

	err := m.execAlloc(ctx, frame, &opcodes.Instruction{Op: opcodes.OpAlloc, Operands: [4]opcodes.Operand{{Kind: opcodes.KindImmType, A: 0}}})
	require.ErrorIs(t, err, ErrNotAClass)
}

func TestExecAllocArrayBuildsNestedShapeFromPoppedDims(t *testing.T) {
	m := New(segment.NewImage())
	ctx := m.Root()
	frame := ctx.OpenFrame(0, -1, 0, nil)
	// alloca pops innermost dim first: push(outer=2) then push(inner=3).
	ctx.Push(values.NewInt(m.Pool, 2))
	ctx.Push(values.NewInt(m.Pool, 3))

	inst := &opcodes.Instruction{Op: opcodes.OpAllocA, Operands: [4]opcodes.Operand{{Kind: opcodes.KindImmType, A: 0}, {Kind: opcodes.KindImmInt, A: 2}}}
	require.NoError(t, m.execAlloc(ctx, frame, inst))

	require.Len(t, ctx.DataStack, 1) // both dim pushes were popped, leaving only the built array
	outer := ctx.DataStack[0]
	require.Len(t, outer.Payload.Array, 2)
	for _, inner := range outer.Payload.Array {
		require.Len(t, inner.Payload.Array, 3)
		for _, leaf := range inner.Payload.Array {
			require.True(t, leaf.IsNull())
		}
	}
}

func TestExecAllocArrayRejectsNonPositiveDimCount(t *testing.T) {
	m := New(segment.NewImage())
	ctx := m.Root()
	frame := ctx.OpenFrame(0, -1, 0, nil)
	inst := &opcodes.Instruction{Op: opcodes.OpAllocA, Operands: [4]opcodes.Operand{{Kind: opcodes.KindImmType, A: 0}, {Kind: opcodes.KindImmInt, A: 0}}}
	err := m.execAlloc(ctx, frame, inst)
	require.ErrorIs(t, err, ErrInvalidOperand)
}
