package vm

import (
	"fmt"

	"github.com/wudi/corevm/handle"
	"github.com/wudi/corevm/opcodes"
	"github.com/wudi/corevm/values"
)

// execMisc dispatches the remaining single-purpose opcodes (§4.3).
func (m *VM) execMisc(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) (signal, error) {
	switch inst.Op {
	case opcodes.OpSize:
		return signal{}, m.execSize(ctx, frame, inst)
	case opcodes.OpType:
		src, err := m.Read(ctx, frame, inst.Operands[1])
		if err != nil {
			return signal{}, err
		}
		return signal{}, m.Write(ctx, frame, inst.Operands[0], values.NewInt(m.Pool, int64(src.Type)))
	case opcodes.OpRtChk:
		return signal{}, m.execRtChk(ctx, frame, inst)
	case opcodes.OpThrow:
		return m.execThrow(ctx, frame, inst)
	case opcodes.OpDcvt:
		return signal{}, m.execDcvt(ctx, frame, inst)
	case opcodes.OpBrk:
		return signal{}, m.execBrk(ctx)
	case opcodes.OpCvf:
		src, err := m.Read(ctx, frame, inst.Operands[1])
		if err != nil {
			return signal{}, err
		}
		if !values.IsInt(src) {
			return signal{}, fmt.Errorf("%w: cvf requires an int operand", ErrWrongHandleType)
		}
		return signal{}, m.Write(ctx, frame, inst.Operands[0], values.NewFloat(m.Pool, float64(values.AsInt(src))))
	case opcodes.OpCvl:
		src, err := m.Read(ctx, frame, inst.Operands[1])
		if err != nil {
			return signal{}, err
		}
		if !values.IsFloat(src) {
			return signal{}, fmt.Errorf("%w: cvl requires a float operand", ErrWrongHandleType)
		}
		return signal{}, m.Write(ctx, frame, inst.Operands[0], values.NewInt(m.Pool, int64(values.AsFloat(src))))
	default:
		return signal{}, fmt.Errorf("%w: %s", ErrOpcodeNotImplemented, inst.Op)
	}
}

func (m *VM) execSize(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) error {
	src, err := m.Read(ctx, frame, inst.Operands[1])
	if err != nil {
		return err
	}
	var n int
	switch src.Type {
	case handle.TypeString:
		n = len(values.AsString(src))
	case handle.TypeArray:
		n = len(values.AsArray(src))
	default:
		return fmt.Errorf("%w: size requires a string or array operand", ErrWrongHandleType)
	}
	return m.Write(ctx, frame, inst.Operands[0], values.NewInt(m.Pool, int64(n)))
}

// execRtChk implements rtchk type, ea: asserts ea's runtime type matches
// type (an exact TypeID match, or any subtype for class ids), raising an
// ExcRuntime exception otherwise (§4.4).
func (m *VM) execRtChk(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) error {
	wantType := handle.TypeID(inst.Operands[0].A)
	v, err := m.Read(ctx, frame, inst.Operands[1])
	if err != nil {
		return err
	}
	if v.Type == wantType || m.Registry.IsSubtype(int32(v.Type), int32(wantType)) {
		return nil
	}
	return fmt.Errorf("%w: expected type %d, got %d", ErrWrongHandleType, wantType, v.Type)
}

// execThrow implements throw src: raises a user exception carrying src as
// its payload (§4.4).
func (m *VM) execThrow(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) (signal, error) {
	v, err := m.Read(ctx, frame, inst.Operands[0])
	if err != nil {
		return signal{}, err
	}
	m.Pool.AddRef(v)
	m.raise(ctx, &Exception{Kind: ExcUser, Code: FaultSoftwareException, Payload: v, Message: values.String(v)})
	return signal{}, nil
}

func (m *VM) execBrk(ctx *ExecutionContext) error {
	m.raise(ctx, &Exception{Kind: ExcAbort, Code: FaultBreakException, Message: "brk"})
	return nil
}

// execDcvt implements dcvt type, src, dst: dynamic conversion. Only
// conversion-to-string is currently defined (§4.3's note that dcvt
// presently has one target kind), using the same rendering the `dcvt`
// opcode's host-visible diagnostics use.
func (m *VM) execDcvt(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) error {
	targetType := handle.TypeID(inst.Operands[0].A)
	if targetType != handle.TypeString {
		return fmt.Errorf("%w: dcvt only supports conversion to string", ErrInvalidOperand)
	}
	src, err := m.Read(ctx, frame, inst.Operands[1])
	if err != nil {
		return err
	}
	return m.Write(ctx, frame, inst.Operands[2], values.NewString(m.Pool, values.String(src)))
}
