package vm

import (
	"fmt"

	"github.com/wudi/corevm/handle"
	"github.com/wudi/corevm/opcodes"
	"github.com/wudi/corevm/values"
)

// Read resolves an operand to a handle the caller may inspect but does not
// own (no AddRef is performed); callers that need to keep the result past
// the current instruction must AddRef it themselves. Reg/RegDisp/RegIdx/
// StackDisp read through the current frame's register window; ImmHandle
// materialises (and caches) a Data Segment literal; ImmInt and ImmType
// synthesise a scratch handle carrying the raw operand value, since every
// operand must resolve to *handle.Handle for the interpreter's dispatch to
// stay uniform across addressing modes (§4.3, §6.4).
func (m *VM) Read(ctx *ExecutionContext, frame *CallFrame, op opcodes.Operand) (*handle.Handle, error) {
	switch op.Kind {
	case opcodes.KindReg:
		return ctx.Register(frame, int(op.A))

	case opcodes.KindRegDisp:
		obj, err := ctx.Register(frame, int(op.A))
		if err != nil {
			return nil, err
		}
		slot := int(op.B)
		if slot < 0 || slot >= len(obj.Payload.Object) {
			return nil, fmt.Errorf("%w: member slot %d (object has %d)", ErrRegisterOutOfRange, slot, len(obj.Payload.Object))
		}
		return obj.Payload.Object[slot], nil

	case opcodes.KindRegIdx:
		arr, err := ctx.Register(frame, int(op.A))
		if err != nil {
			return nil, err
		}
		idxReg, err := ctx.Register(frame, int(op.B))
		if err != nil {
			return nil, err
		}
		if !values.IsInt(idxReg) {
			return nil, fmt.Errorf("%w: array index register is not an int", ErrWrongHandleType)
		}
		idx := int(values.AsInt(idxReg))
		if idx < 0 || idx >= len(arr.Payload.Array) {
			return nil, fmt.Errorf("%w: array index %d (len %d)", ErrRegisterOutOfRange, idx, len(arr.Payload.Array))
		}
		return arr.Payload.Array[idx], nil

	case opcodes.KindStackDisp:
		slot := frame.StackBase + int(op.A)
		if slot < 0 || slot >= len(ctx.DataStack) {
			return nil, fmt.Errorf("%w: stack displacement %d", ErrRegisterOutOfRange, op.A)
		}
		return ctx.DataStack[slot], nil

	case opcodes.KindImmInt:
		return values.NewInt(m.Pool, int64(int32(op.A))), nil

	case opcodes.KindImmType:
		return values.NewInt(m.Pool, int64(op.A)), nil

	case opcodes.KindImmHandle:
		return m.materializeLiteral(int32(op.A))

	default:
		return nil, fmt.Errorf("%w: operand kind %d is not readable", ErrInvalidOperand, op.Kind)
	}
}

// Write stores v (transferring ownership of one reference) into the
// addressing mode op describes, releasing whatever reference previously
// occupied that slot.
func (m *VM) Write(ctx *ExecutionContext, frame *CallFrame, op opcodes.Operand, v *handle.Handle) error {
	switch op.Kind {
	case opcodes.KindReg:
		return ctx.SetRegister(frame, int(op.A), v)

	case opcodes.KindRegDisp:
		obj, err := ctx.Register(frame, int(op.A))
		if err != nil {
			return err
		}
		slot := int(op.B)
		if slot < 0 || slot >= len(obj.Payload.Object) {
			return fmt.Errorf("%w: member slot %d (object has %d)", ErrRegisterOutOfRange, slot, len(obj.Payload.Object))
		}
		old := obj.Payload.Object[slot]
		if old != nil && old != v {
			m.Pool.Release(old)
		}
		obj.Payload.Object[slot] = v
		return nil

	case opcodes.KindRegIdx:
		arr, err := ctx.Register(frame, int(op.A))
		if err != nil {
			return err
		}
		idxReg, err := ctx.Register(frame, int(op.B))
		if err != nil {
			return err
		}
		if !values.IsInt(idxReg) {
			return fmt.Errorf("%w: array index register is not an int", ErrWrongHandleType)
		}
		idx := int(values.AsInt(idxReg))
		if idx < 0 || idx >= len(arr.Payload.Array) {
			return fmt.Errorf("%w: array index %d (len %d)", ErrRegisterOutOfRange, idx, len(arr.Payload.Array))
		}
		old := arr.Payload.Array[idx]
		if old != nil && old != v {
			m.Pool.Release(old)
		}
		arr.Payload.Array[idx] = v
		return nil

	case opcodes.KindStackDisp:
		slot := frame.StackBase + int(op.A)
		if slot < 0 || slot >= len(ctx.DataStack) {
			return fmt.Errorf("%w: stack displacement %d", ErrRegisterOutOfRange, op.A)
		}
		old := ctx.DataStack[slot]
		if old != nil && old != v {
			m.Pool.Release(old)
		}
		ctx.DataStack[slot] = v
		return nil

	default:
		return fmt.Errorf("%w: operand kind %d", ErrOperandNotWritable, op.Kind)
	}
}
