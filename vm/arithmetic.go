package vm

import (
	"fmt"

	"github.com/wudi/corevm/handle"
	"github.com/wudi/corevm/opcodes"
	"github.com/wudi/corevm/values"
)

func isArithmetic(op opcodes.Opcode) bool {
	switch op {
	case opcodes.OpAdd, opcodes.OpAddL, opcodes.OpAddF,
		opcodes.OpSub, opcodes.OpSubL, opcodes.OpSubF,
		opcodes.OpMul, opcodes.OpMulL, opcodes.OpMulF,
		opcodes.OpDiv, opcodes.OpDivL, opcodes.OpDivF,
		opcodes.OpMod, opcodes.OpModL, opcodes.OpModF,
		opcodes.OpNeg, opcodes.OpNegL, opcodes.OpNegF,
		opcodes.OpInc, opcodes.OpIncL, opcodes.OpIncF,
		opcodes.OpDec, opcodes.OpDecL, opcodes.OpDecF,
		opcodes.OpAnd, opcodes.OpOr, opcodes.OpXor, opcodes.OpBwNot,
		opcodes.OpAsl, opcodes.OpAsr, opcodes.OpLsl, opcodes.OpLsr:
		return true
	default:
		return false
	}
}

// execArithmetic dispatches the three binary-op forms ("generic" widens
// int/float, "-L" asserts both operands are ints, "-F" asserts both are
// floats — §4.3's width-family convention) plus the unary neg/inc/dec
// family and the int-only bitwise family.
func (m *VM) execArithmetic(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) error {
	switch inst.Op {
	case opcodes.OpAdd, opcodes.OpSub, opcodes.OpMul, opcodes.OpDiv, opcodes.OpMod:
		return m.binaryGeneric(ctx, frame, inst)
	case opcodes.OpAddL, opcodes.OpSubL, opcodes.OpMulL, opcodes.OpDivL, opcodes.OpModL,
		opcodes.OpAnd, opcodes.OpOr, opcodes.OpXor, opcodes.OpAsl, opcodes.OpAsr, opcodes.OpLsl, opcodes.OpLsr:
		return m.binaryInt(ctx, frame, inst)
	case opcodes.OpAddF, opcodes.OpSubF, opcodes.OpMulF, opcodes.OpDivF, opcodes.OpModF:
		return m.binaryFloat(ctx, frame, inst)
	case opcodes.OpNeg, opcodes.OpNegL, opcodes.OpNegF, opcodes.OpBwNot:
		return m.unary(ctx, frame, inst)
	case opcodes.OpInc, opcodes.OpIncL, opcodes.OpIncF:
		return m.incDec(ctx, frame, inst, 1)
	case opcodes.OpDec, opcodes.OpDecL, opcodes.OpDecF:
		return m.incDec(ctx, frame, inst, -1)
	default:
		return fmt.Errorf("%w: %s", ErrOpcodeNotImplemented, inst.Op)
	}
}

// binaryGeneric handles dst, a, b where a/b may mix int and float; result
// is float if either operand is, else int (§4.3's generic-family rule).
func (m *VM) binaryGeneric(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) error {
	a, b, err := m.readPair(ctx, frame, inst.Operands[1], inst.Operands[2])
	if err != nil {
		return err
	}
	if values.IsInt(a) && values.IsInt(b) {
		res, err := intOp(inst.Op, values.AsInt(a), values.AsInt(b))
		if err != nil {
			return err
		}
		return m.Write(ctx, frame, inst.Operands[0], values.NewInt(m.Pool, res))
	}
	fa, ok1 := values.ToFloat64(a)
	fb, ok2 := values.ToFloat64(b)
	if !ok1 || !ok2 {
		return fmt.Errorf("%w: arithmetic operand is not numeric", ErrWrongHandleType)
	}
	res, err := floatOp(inst.Op, fa, fb)
	if err != nil {
		return err
	}
	return m.Write(ctx, frame, inst.Operands[0], values.NewFloat(m.Pool, res))
}

func (m *VM) binaryInt(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) error {
	a, b, err := m.readPair(ctx, frame, inst.Operands[1], inst.Operands[2])
	if err != nil {
		return err
	}
	if !values.IsInt(a) || !values.IsInt(b) {
		return fmt.Errorf("%w: %s requires int operands", ErrWrongHandleType, inst.Op)
	}
	res, err := intOp(inst.Op, values.AsInt(a), values.AsInt(b))
	if err != nil {
		return err
	}
	return m.Write(ctx, frame, inst.Operands[0], values.NewInt(m.Pool, res))
}

func (m *VM) binaryFloat(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) error {
	a, b, err := m.readPair(ctx, frame, inst.Operands[1], inst.Operands[2])
	if err != nil {
		return err
	}
	if !values.IsFloat(a) || !values.IsFloat(b) {
		return fmt.Errorf("%w: %s requires float operands", ErrWrongHandleType, inst.Op)
	}
	res, err := floatOp(inst.Op, values.AsFloat(a), values.AsFloat(b))
	if err != nil {
		return err
	}
	return m.Write(ctx, frame, inst.Operands[0], values.NewFloat(m.Pool, res))
}

func (m *VM) readPair(ctx *ExecutionContext, frame *CallFrame, ao, bo opcodes.Operand) (a, b *handle.Handle, err error) {
	a, err = m.Read(ctx, frame, ao)
	if err != nil {
		return nil, nil, err
	}
	b, err = m.Read(ctx, frame, bo)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func intOp(op opcodes.Opcode, a, b int64) (int64, error) {
	switch op {
	case opcodes.OpAdd, opcodes.OpAddL:
		return a + b, nil
	case opcodes.OpSub, opcodes.OpSubL:
		return a - b, nil
	case opcodes.OpMul, opcodes.OpMulL:
		return a * b, nil
	case opcodes.OpDiv, opcodes.OpDivL:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a / b, nil
	case opcodes.OpMod, opcodes.OpModL:
		if b == 0 {
			return 0, ErrModuloByZero
		}
		return a % b, nil
	case opcodes.OpAnd:
		return a & b, nil
	case opcodes.OpOr:
		return a | b, nil
	case opcodes.OpXor:
		return a ^ b, nil
	case opcodes.OpAsl, opcodes.OpLsl:
		return a << uint(b), nil
	case opcodes.OpAsr:
		return a >> uint(b), nil
	case opcodes.OpLsr:
		return int64(uint64(a) >> uint(b)), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrOpcodeNotImplemented, op)
	}
}

func floatOp(op opcodes.Opcode, a, b float64) (float64, error) {
	switch op {
	case opcodes.OpAdd, opcodes.OpAddF:
		return a + b, nil
	case opcodes.OpSub, opcodes.OpSubF:
		return a - b, nil
	case opcodes.OpMul, opcodes.OpMulF:
		return a * b, nil
	case opcodes.OpDiv, opcodes.OpDivF:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a / b, nil
	case opcodes.OpMod, opcodes.OpModF:
		if b == 0 {
			return 0, ErrModuloByZero
		}
		return mathMod(a, b), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrOpcodeNotImplemented, op)
	}
}

func mathMod(a, b float64) float64 {
	for a >= b {
		a -= b
	}
	return a
}

func (m *VM) unary(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) error {
	src, err := m.Read(ctx, frame, inst.Operands[1])
	if err != nil {
		return err
	}
	switch inst.Op {
	case opcodes.OpNegL, opcodes.OpBwNot:
		if !values.IsInt(src) {
			return fmt.Errorf("%w: %s requires int operand", ErrWrongHandleType, inst.Op)
		}
		v := values.AsInt(src)
		if inst.Op == opcodes.OpBwNot {
			v = ^v
		} else {
			v = -v
		}
		return m.Write(ctx, frame, inst.Operands[0], values.NewInt(m.Pool, v))
	case opcodes.OpNegF:
		if !values.IsFloat(src) {
			return fmt.Errorf("%w: negf requires float operand", ErrWrongHandleType)
		}
		return m.Write(ctx, frame, inst.Operands[0], values.NewFloat(m.Pool, -values.AsFloat(src)))
	default: // OpNeg: generic
		if values.IsInt(src) {
			return m.Write(ctx, frame, inst.Operands[0], values.NewInt(m.Pool, -values.AsInt(src)))
		}
		f, ok := values.ToFloat64(src)
		if !ok {
			return fmt.Errorf("%w: neg requires a numeric operand", ErrWrongHandleType)
		}
		return m.Write(ctx, frame, inst.Operands[0], values.NewFloat(m.Pool, -f))
	}
}

func (m *VM) incDec(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction, delta int) error {
	src, err := m.Read(ctx, frame, inst.Operands[0])
	if err != nil {
		return err
	}
	switch inst.Op {
	case opcodes.OpIncL, opcodes.OpDecL:
		if !values.IsInt(src) {
			return fmt.Errorf("%w: requires int operand", ErrWrongHandleType)
		}
		return m.Write(ctx, frame, inst.Operands[0], values.NewInt(m.Pool, values.AsInt(src)+int64(delta)))
	case opcodes.OpIncF, opcodes.OpDecF:
		if !values.IsFloat(src) {
			return fmt.Errorf("%w: requires float operand", ErrWrongHandleType)
		}
		return m.Write(ctx, frame, inst.Operands[0], values.NewFloat(m.Pool, values.AsFloat(src)+float64(delta)))
	default:
		if values.IsInt(src) {
			return m.Write(ctx, frame, inst.Operands[0], values.NewInt(m.Pool, values.AsInt(src)+int64(delta)))
		}
		f, ok := values.ToFloat64(src)
		if !ok {
			return fmt.Errorf("%w: requires a numeric operand", ErrWrongHandleType)
		}
		return m.Write(ctx, frame, inst.Operands[0], values.NewFloat(m.Pool, f+float64(delta)))
	}
}
