package vm

import (
	"fmt"

	"github.com/wudi/corevm/opcodes"
	"github.com/wudi/corevm/values"
)

func isComparison(op opcodes.Opcode) bool {
	switch op {
	case opcodes.OpCsEq, opcodes.OpCsEqL, opcodes.OpCsEqF,
		opcodes.OpCsNe, opcodes.OpCsNeL, opcodes.OpCsNeF,
		opcodes.OpCsGt, opcodes.OpCsGtL, opcodes.OpCsGtF,
		opcodes.OpCsGe, opcodes.OpCsGeL, opcodes.OpCsGeF,
		opcodes.OpCsLt, opcodes.OpCsLtL, opcodes.OpCsLtF,
		opcodes.OpCsLe, opcodes.OpCsLeL, opcodes.OpCsLeF,
		opcodes.OpStrEq, opcodes.OpStrNe, opcodes.OpCmpRef,
		opcodes.OpSnul, opcodes.OpSnnul:
		return true
	default:
		return false
	}
}

// execComparison writes a 1/0 int handle to dst, mirroring the generic /
// -L / -F width-family convention used by the arithmetic opcodes.
func (m *VM) execComparison(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) error {
	switch inst.Op {
	case opcodes.OpSnul, opcodes.OpSnnul:
		src, err := m.Read(ctx, frame, inst.Operands[1])
		if err != nil {
			return err
		}
		result := values.IsNull(src)
		if inst.Op == opcodes.OpSnnul {
			result = !result
		}
		return m.Write(ctx, frame, inst.Operands[0], values.NewInt(m.Pool, boolInt(result)))

	case opcodes.OpStrEq, opcodes.OpStrNe:
		a, b, err := m.readPair(ctx, frame, inst.Operands[1], inst.Operands[2])
		if err != nil {
			return err
		}
		if !values.IsString(a) || !values.IsString(b) {
			return fmt.Errorf("%w: streq/strne require string operands", ErrWrongHandleType)
		}
		eq := values.AsString(a) == values.AsString(b)
		if inst.Op == opcodes.OpStrNe {
			eq = !eq
		}
		return m.Write(ctx, frame, inst.Operands[0], values.NewInt(m.Pool, boolInt(eq)))

	case opcodes.OpCmpRef:
		a, b, err := m.readPair(ctx, frame, inst.Operands[1], inst.Operands[2])
		if err != nil {
			return err
		}
		return m.Write(ctx, frame, inst.Operands[0], values.NewInt(m.Pool, boolInt(a == b)))
	}

	a, b, err := m.readPair(ctx, frame, inst.Operands[1], inst.Operands[2])
	if err != nil {
		return err
	}

	var cmp int
	switch {
	case wantsIntCompare(inst.Op):
		if !values.IsInt(a) || !values.IsInt(b) {
			return fmt.Errorf("%w: requires int operands", ErrWrongHandleType)
		}
		cmp = compareInt(values.AsInt(a), values.AsInt(b))
	case wantsFloatCompare(inst.Op):
		if !values.IsFloat(a) || !values.IsFloat(b) {
			return fmt.Errorf("%w: requires float operands", ErrWrongHandleType)
		}
		cmp = compareFloat(values.AsFloat(a), values.AsFloat(b))
	default:
		fa, ok1 := values.ToFloat64(a)
		fb, ok2 := values.ToFloat64(b)
		if !ok1 || !ok2 {
			return fmt.Errorf("%w: requires numeric operands", ErrWrongHandleType)
		}
		cmp = compareFloat(fa, fb)
	}

	return m.Write(ctx, frame, inst.Operands[0], values.NewInt(m.Pool, boolInt(applyRelation(inst.Op, cmp))))
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func wantsIntCompare(op opcodes.Opcode) bool {
	switch op {
	case opcodes.OpCsEqL, opcodes.OpCsNeL, opcodes.OpCsGtL, opcodes.OpCsGeL, opcodes.OpCsLtL, opcodes.OpCsLeL:
		return true
	default:
		return false
	}
}

func wantsFloatCompare(op opcodes.Opcode) bool {
	switch op {
	case opcodes.OpCsEqF, opcodes.OpCsNeF, opcodes.OpCsGtF, opcodes.OpCsGeF, opcodes.OpCsLtF, opcodes.OpCsLeF:
		return true
	default:
		return false
	}
}

func applyRelation(op opcodes.Opcode, cmp int) bool {
	switch op {
	case opcodes.OpCsEq, opcodes.OpCsEqL, opcodes.OpCsEqF:
		return cmp == 0
	case opcodes.OpCsNe, opcodes.OpCsNeL, opcodes.OpCsNeF:
		return cmp != 0
	case opcodes.OpCsGt, opcodes.OpCsGtL, opcodes.OpCsGtF:
		return cmp > 0
	case opcodes.OpCsGe, opcodes.OpCsGeL, opcodes.OpCsGeF:
		return cmp >= 0
	case opcodes.OpCsLt, opcodes.OpCsLtL, opcodes.OpCsLtF:
		return cmp < 0
	case opcodes.OpCsLe, opcodes.OpCsLeL, opcodes.OpCsLeF:
		return cmp <= 0
	default:
		return false
	}
}
