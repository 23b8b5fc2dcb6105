package vm

import (
	"fmt"

	"github.com/wudi/corevm/handle"
	"github.com/wudi/corevm/opcodes"
	"github.com/wudi/corevm/values"
)

// execCoroutine dispatches newctx/resume/yield (§4.3's cooperative
// coroutine trio). Each ExecutionContext is a fully independent fiber with
// its own data stack and call stack; resume/yield only ever transfer
// control, never state, between two already-allocated contexts.
func (m *VM) execCoroutine(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) (signal, error) {
	switch inst.Op {
	case opcodes.OpNewCtx:
		return signal{}, m.execNewCtx(ctx, frame, inst)
	case opcodes.OpResume:
		return m.execResume(ctx, frame, inst)
	case opcodes.OpYield:
		return m.execYield(ctx, frame, inst)
	default:
		return signal{}, fmt.Errorf("%w: %s", ErrOpcodeNotImplemented, inst.Op)
	}
}

// execNewCtx implements newctx dst, fn, args, this: allocates a fresh
// suspended context whose entry frame is fn, pre-loaded with the register
// range `args` copied from the caller's frame, and writes a context handle
// to dst. The new context does not start running until a later `resume`.
func (m *VM) execNewCtx(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) error {
	fnID := int32(inst.Operands[1].A)
	fi, err := m.Registry.Function(fnID)
	if err != nil {
		return err
	}

	var this *handle.Handle
	if inst.Operands[3].Kind != opcodes.KindNone {
		this, err = m.Read(ctx, frame, inst.Operands[3])
		if err != nil {
			return err
		}
		m.Pool.AddRef(this)
	}

	child := m.newContext()
	first := int(inst.Operands[2].A)
	count := int(inst.Operands[2].B)
	for i := 0; i < count; i++ {
		v, err := ctx.Register(frame, first+i)
		if err != nil {
			return err
		}
		m.Pool.AddRef(v)
		child.Push(v)
	}
	child.OpenFrameFromTop(fnID, -1, count, this)
	child.PC = int(fi.CodeAddr)

	return m.Write(ctx, frame, inst.Operands[0], values.NewContext(m.Pool, handle.TypeContext, child))
}

// execResume implements resume ctxOperand: transfers control to the
// context addressed by the operand until it returns, yields, or faults.
// The resumed context's return-to-caller value (its own `ret` or the
// value `yield` passed) is pushed onto the resuming context's data stack.
func (m *VM) execResume(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) (signal, error) {
	h, err := m.Read(ctx, frame, inst.Operands[0])
	if err != nil {
		return signal{}, err
	}
	if h.Type != handle.TypeContext {
		return signal{}, fmt.Errorf("%w: resume operand is not a context handle", ErrWrongHandleType)
	}
	child, ok := h.Payload.Context.(*ExecutionContext)
	if !ok {
		return signal{}, fmt.Errorf("%w: context payload is malformed", ErrWrongHandleType)
	}
	if child.Status == StatusRunning {
		return signal{}, ErrContextRunning
	}
	if child.Status == StatusDead {
		return signal{}, fmt.Errorf("%w: context is dead", ErrContextNotSuspended)
	}

	child.Resumer = ctx
	child.Status = StatusRunning
	result, err := m.run(child)
	if err != nil {
		return signal{}, err
	}
	if child.Pending != nil {
		p := child.Pending
		child.Pending = nil
		m.raise(ctx, p)
		return signal{}, nil
	}
	if result == nil {
		result = values.NewNull(m.Pool)
	}
	ctx.Push(result)
	return signal{}, nil
}

// execYield implements yield: suspends the current context and returns
// control to whichever context most recently resumed it (§4.3). Register 0
// of the yielding frame is the value handed back to the resumer, the same
// convention `ret` uses.
func (m *VM) execYield(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) (signal, error) {
	if ctx.Resumer == nil {
		return signal{}, ErrNoYieldTarget
	}
	var v *handle.Handle
	if ctx.windowLen(frame) > 0 {
		reg, err := ctx.Register(frame, 0)
		if err != nil {
			return signal{}, err
		}
		m.Pool.AddRef(reg)
		v = reg
	} else {
		v = values.NewNull(m.Pool)
	}
	return signal{yielding: true, retVal: v}, nil
}
