package vm

import (
	"fmt"

	"github.com/wudi/corevm/handle"
	"github.com/wudi/corevm/native"
	"github.com/wudi/corevm/opcodes"
	"github.com/wudi/corevm/values"
)

// execCall dispatches every call-family opcode (§4.3): arguments are
// expected to already be on the data stack (pushed by prior `push`
// instructions), so calls/jsr/callm/calldg open a frame whose register
// window reuses those pushed slots (ExecutionContext.OpenFrameFromTop) and
// jump to the callee's entry address. jmp, calln and calli open no frame.
func (m *VM) execCall(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction, nextPC int) (signal, error) {
	switch inst.Op {
	case opcodes.OpCalls:
		fnID := int32(inst.Operands[0].A)
		return m.enterFunction(ctx, fnID, nextPC, nil)

	case opcodes.OpJsr:
		// The linker rewrites a resolved `calls` into `jsr` with the same
		// function-id operand (§4.7's postLink pass); neither opcode
		// performs a name or signature check, and the interpreter treats
		// the two identically.
		fnID := int32(inst.Operands[0].A)
		return m.enterFunction(ctx, fnID, nextPC, nil)

	case opcodes.OpJmp:
		// Pure tail-jump used for inherited methods with no override body:
		// no new frame, the current frame's registers are reused as-is.
		fnID := int32(inst.Operands[0].A)
		fi, err := m.Registry.Function(fnID)
		if err != nil {
			return signal{}, err
		}
		return signal{hasJump: true, jumpTo: int(fi.CodeAddr)}, nil

	case opcodes.OpCallm:
		recv, err := m.Read(ctx, frame, inst.Operands[0])
		if err != nil {
			return signal{}, err
		}
		slot := int32(inst.Operands[1].A)
		ti, err := m.Registry.Type(int32(recv.Type))
		if err != nil {
			return signal{}, fmt.Errorf("%w: %v", ErrTypeNotFound, err)
		}
		fnID, err := m.Image.VtableSlot(ti.VtabOffset, slot)
		if err != nil {
			return signal{}, err
		}
		if fnID < 0 {
			return signal{}, ErrVtableSlotEmpty
		}
		m.Pool.AddRef(recv)
		return m.enterFunction(ctx, fnID, nextPC, recv)

	case opcodes.OpCalln:
		recv, err := m.Read(ctx, frame, inst.Operands[0])
		if err != nil {
			return signal{}, err
		}
		member := m.Image.StringAt(inst.Operands[1].A)
		impl, ok := m.Native.Lookup(recv.Type)
		if !ok {
			return signal{}, ErrNativeTypeNotRegistered
		}
		args, err := m.popNativeArgs(ctx, frame)
		if err != nil {
			return signal{}, err
		}
		result, err := impl.CallMember(recv.Type, recv.Payload.Native, member, &native.CallContext{Pool: m.Pool, Args: args})
		if err != nil {
			return signal{}, fmt.Errorf("%w: %v", ErrNativeCallFailed, err)
		}
		if result == nil {
			result = values.NewNull(m.Pool)
		}
		ctx.Push(result)
		return signal{}, nil

	case opcodes.OpCalli:
		ifaceID := handle.TypeID(inst.Operands[0].A)
		slot := int32(inst.Operands[1].A)
		impls := m.Registry.TypesImplementing(int32(ifaceID))
		result := values.NewArray(m.Pool)
		elems := make([]*handle.Handle, 0, len(impls))
		for _, typeID := range impls {
			ti, err := m.Registry.Type(typeID)
			if err != nil {
				continue
			}
			fnID, err := m.Image.VtableSlot(ti.VtabOffset, slot)
			if err != nil || fnID < 0 {
				continue
			}
			elems = append(elems, values.NewDelegate(m.Pool, handle.TypeDelegate, fnID, nil, nil))
		}
		result.Payload.Array = elems
		ctx.Push(result)
		return signal{}, nil

	case opcodes.OpCalldg:
		// The delegate handle always lives in register 1 of the current
		// frame, a fixed hardware-style convention (no operand needed).
		dg, err := ctx.Register(frame, 1)
		if err != nil {
			return signal{}, err
		}
		if dg.Type != handle.TypeDelegate {
			return signal{}, fmt.Errorf("%w: r1 does not hold a delegate", ErrWrongHandleType)
		}
		this := dg.Payload.Delegate.This
		if this != nil {
			m.Pool.AddRef(this)
		}
		return m.enterFunction(ctx, dg.Payload.Delegate.FuncIndex, nextPC, this)

	default:
		return signal{}, fmt.Errorf("%w: %s", ErrOpcodeNotImplemented, inst.Op)
	}
}

// enterFunction opens a frame reusing the already-pushed argument slots as
// fnID's register window and jumps to its entry address.
func (m *VM) enterFunction(ctx *ExecutionContext, fnID int32, returnPC int, this *handle.Handle) (signal, error) {
	fi, err := m.Registry.Function(fnID)
	if err != nil {
		return signal{}, err
	}
	ctx.OpenFrameFromTop(fnID, returnPC, int(fi.ArgCount), this)
	return signal{hasJump: true, jumpTo: int(fi.CodeAddr)}, nil
}

// popNativeArgs removes a native call's pushed arguments from the data
// stack, handing native code ownership of their references.
func (m *VM) popNativeArgs(ctx *ExecutionContext, frame *CallFrame) ([]*handle.Handle, error) {
	n, err := ctx.Pop()
	if err != nil {
		return nil, err
	}
	if !values.IsInt(n) {
		return nil, fmt.Errorf("%w: calln argument count must be an int", ErrWrongHandleType)
	}
	count := int(values.AsInt(n))
	m.Pool.Release(n)
	args := make([]*handle.Handle, count)
	for i := count - 1; i >= 0; i-- {
		v, err := ctx.Pop()
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// execRet implements ret: register 0 of the returning frame is the return
// value convention (§4.3); the caller receives ownership of one reference
// to it.
func (m *VM) execRet(ctx *ExecutionContext, frame *CallFrame) (signal, error) {
	var retVal *handle.Handle
	if ctx.windowLen(frame) > 0 {
		v, err := ctx.Register(frame, 0)
		if err != nil {
			return signal{}, err
		}
		m.Pool.AddRef(v)
		retVal = v
	} else {
		retVal = values.NewNull(m.Pool)
	}
	return signal{returning: true, retVal: retVal}, nil
}
