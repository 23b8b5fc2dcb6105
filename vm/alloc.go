package vm

import (
	"fmt"

	"github.com/wudi/corevm/handle"
	"github.com/wudi/corevm/native"
	"github.com/wudi/corevm/opcodes"
	"github.com/wudi/corevm/values"
)

// execAlloc dispatches the allocation family (§4.3). Every variant pushes
// its new handle onto the data stack rather than writing to a dst operand
// (there isn't one in the table) — the compiler/linker is expected to
// follow an `alloc` with an explicit constructor call if one applies,
// mirroring the pattern already used by the stack-based call opcodes
// rather than having allocation itself perform implicit control transfer.
func (m *VM) execAlloc(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) error {
	switch inst.Op {
	case opcodes.OpAlloc:
		typeID := handle.TypeID(inst.Operands[0].A)
		ti, err := m.Registry.Type(int32(typeID))
		if err != nil {
			return err
		}
		if ti.Native {
			return fmt.Errorf("%w: type %d is native, use allocn", ErrNotAClass, typeID)
		}
		obj := values.NewObject(m.Pool, typeID, ti.InstanceSize)
		ctx.Push(obj)
		return nil

	case opcodes.OpAllocN:
		typeID := handle.TypeID(inst.Operands[0].A)
		impl, ok := m.Native.Lookup(typeID)
		if !ok {
			return ErrNativeTypeNotRegistered
		}
		args, err := m.popNativeArgs(ctx, frame)
		if err != nil {
			return err
		}
		payload, err := impl.NewObject(typeID, &native.CallContext{Pool: m.Pool, Args: args})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNativeCallFailed, err)
		}
		ctx.Push(values.NewNative(m.Pool, typeID, payload))
		return nil

	case opcodes.OpAllocA:
		return m.execAllocArray(ctx, inst)

	case opcodes.OpAllocI:
		ifaceID := int32(inst.Operands[0].A)
		impls := m.Registry.TypesImplementing(ifaceID)
		result := values.NewArray(m.Pool)
		elems := make([]*handle.Handle, 0, len(impls))
		for _, typeID := range impls {
			ti, err := m.Registry.Type(typeID)
			if err != nil || ti.Native {
				continue
			}
			elems = append(elems, values.NewObject(m.Pool, handle.TypeID(typeID), ti.InstanceSize))
		}
		result.Payload.Array = elems
		ctx.Push(result)
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrOpcodeNotImplemented, inst.Op)
	}
}

// execAllocArray implements alloca(type, dim): the dim dimension sizes are
// popped off the data stack (innermost dimension on top), and a nested
// array of the requested shape is built with every leaf slot null.
func (m *VM) execAllocArray(ctx *ExecutionContext, inst *opcodes.Instruction) error {
	dims := int(inst.Operands[1].A)
	if dims <= 0 {
		return fmt.Errorf("%w: alloca dim must be positive", ErrInvalidOperand)
	}
	sizes := make([]int64, dims)
	for i := dims - 1; i >= 0; i-- {
		v, err := ctx.Pop()
		if err != nil {
			return err
		}
		if !values.IsInt(v) {
			m.Pool.Release(v)
			return fmt.Errorf("%w: alloca dimension size must be an int", ErrWrongHandleType)
		}
		sizes[i] = values.AsInt(v)
		m.Pool.Release(v)
	}
	ctx.Push(m.buildArray(sizes))
	return nil
}

func (m *VM) buildArray(sizes []int64) *handle.Handle {
	h := values.NewArray(m.Pool)
	n := sizes[0]
	elems := make([]*handle.Handle, n)
	for i := range elems {
		if len(sizes) > 1 {
			elems[i] = m.buildArray(sizes[1:])
		} else {
			elems[i] = values.NewNull(m.Pool)
		}
	}
	h.Payload.Array = elems
	return h
}
