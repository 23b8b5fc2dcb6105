package vm

import (
	"fmt"

	"github.com/wudi/corevm/opcodes"
)

// execStack dispatches the data-stack family (§4.3): push/pop move values
// between registers and the stack slots that become the next call's
// argument window.
func (m *VM) execStack(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) error {
	switch inst.Op {
	case opcodes.OpPush:
		v, err := m.Read(ctx, frame, inst.Operands[0])
		if err != nil {
			return err
		}
		m.Pool.AddRef(v)
		ctx.Push(v)
		return nil

	case opcodes.OpPushM:
		n := int(inst.Operands[0].A)
		null := m.Pool.NullHandle()
		for i := 0; i < n; i++ {
			m.Pool.AddRef(null)
			ctx.Push(null)
		}
		return nil

	case opcodes.OpPushR:
		first := int(inst.Operands[0].A)
		count := int(inst.Operands[0].B)
		for i := 0; i < count; i++ {
			v, err := ctx.Register(frame, first+i)
			if err != nil {
				return err
			}
			m.Pool.AddRef(v)
			ctx.Push(v)
		}
		return nil

	case opcodes.OpPop:
		v, err := ctx.Pop()
		if err != nil {
			return err
		}
		m.Pool.Release(v)
		return nil

	case opcodes.OpPopM:
		n := int(inst.Operands[0].A)
		for i := 0; i < n; i++ {
			v, err := ctx.Pop()
			if err != nil {
				return err
			}
			m.Pool.Release(v)
		}
		return nil

	case opcodes.OpPopR:
		first := int(inst.Operands[0].A)
		count := int(inst.Operands[0].B)
		for i := count - 1; i >= 0; i-- {
			v, err := ctx.Pop()
			if err != nil {
				return err
			}
			if err := ctx.SetRegister(frame, first+i, v); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrOpcodeNotImplemented, inst.Op)
	}
}
