package vm

import (
	"fmt"

	"github.com/wudi/corevm/handle"
	"github.com/wudi/corevm/native"
	"github.com/wudi/corevm/opcodes"
	"github.com/wudi/corevm/values"
)

// execMove implements move/copy dst, src (§4.3): move shares src's handle
// (one more reference); copy calls Handle.copy so dst gets its own
// independent value — a physical duplicate for value types, a
// copy-constructor invocation or member-wise copyValueType for class
// instances, and a bespoke deep copy for strings, arrays, delegates and
// native objects (§4.1).
func (m *VM) execMove(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction, deepCopy bool) error {
	src, err := m.Read(ctx, frame, inst.Operands[1])
	if err != nil {
		return err
	}
	if deepCopy {
		dup, err := m.handleCopy(ctx, src)
		if err != nil {
			return err
		}
		return m.Write(ctx, frame, inst.Operands[0], dup)
	}
	m.Pool.AddRef(src)
	return m.Write(ctx, frame, inst.Operands[0], src)
}

// handleCopy implements Handle.copy (§4.1). Null and the value types
// (int/float) are physically duplicated; strings and arrays get a fresh
// backing copy (array elements follow copyValueType, matching the spec's
// "member-wise" rule for aggregate contents); a delegate is rebuilt with
// its own addref'd this/closure; a class instance invokes its
// copy-constructor when it has one, or is duplicated member-wise via
// copyValueType otherwise; a native object with a copy-constructor asks its
// native.Type to build a fresh payload from src, one without errors out;
// contexts (coroutines) cannot be copied at all.
func (m *VM) handleCopy(ctx *ExecutionContext, src *handle.Handle) (*handle.Handle, error) {
	switch src.Type {
	case handle.TypeNull:
		return values.NewNull(m.Pool), nil

	case handle.TypeInt:
		return values.NewInt(m.Pool, src.Payload.Int), nil

	case handle.TypeFloat:
		return values.NewFloat(m.Pool, src.Payload.Float), nil

	case handle.TypeString:
		return values.NewString(m.Pool, src.Payload.String), nil

	case handle.TypeArray:
		elems := make([]*handle.Handle, len(src.Payload.Array))
		for i, e := range src.Payload.Array {
			elems[i] = values.CopyValueType(m.Pool, e)
		}
		dup := values.NewArray(m.Pool)
		dup.Payload.Array = elems
		return dup, nil

	case handle.TypeDelegate:
		dg := src.Payload.Delegate
		var this *handle.Handle
		if dg.This != nil {
			this = dg.This
			m.Pool.AddRef(this)
		}
		var closure []*handle.Handle
		if dg.Closure != nil {
			closure = make([]*handle.Handle, len(dg.Closure))
			for i, c := range dg.Closure {
				m.Pool.AddRef(c)
				closure[i] = c
			}
		}
		return values.NewDelegate(m.Pool, src.Type, dg.FuncIndex, this, closure), nil

	case handle.TypeContext:
		return nil, fmt.Errorf("%w: execution contexts cannot be copied", ErrUncopyableType)

	default:
		return m.handleCopyObject(ctx, src)
	}
}

// handleCopyObject is handleCopy's class/native branch: every TypeID not
// reserved for a built-in payload kind names an entry of the Type Segment.
func (m *VM) handleCopyObject(ctx *ExecutionContext, src *handle.Handle) (*handle.Handle, error) {
	ti, err := m.Registry.Type(int32(src.Type))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTypeNotFound, err)
	}

	if ti.Native {
		impl, ok := m.Native.Lookup(src.Type)
		if !ok {
			return nil, ErrNativeTypeNotRegistered
		}
		if ti.Methods.CopyCtor == -1 {
			return nil, fmt.Errorf("%w: type has no native copy constructor", ErrUnsupportedNativeCall)
		}
		payload, err := impl.NewObject(src.Type, &native.CallContext{Pool: m.Pool, Args: []*handle.Handle{src}})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNativeCallFailed, err)
		}
		return values.NewNative(m.Pool, src.Type, payload), nil
	}

	dup := values.NewObject(m.Pool, src.Type, ti.InstanceSize)
	if ti.Methods.CopyCtor == -1 {
		for i, member := range src.Payload.Object {
			m.Pool.Release(dup.Payload.Object[i])
			dup.Payload.Object[i] = values.CopyValueType(m.Pool, member)
		}
		return dup, nil
	}

	// The copy-constructor frame's `this` takes one reference (the calling
	// convention calls.go's callm/calldg cases also follow); a second keeps
	// dup alive for handleCopy to return once the call unwinds.
	m.Pool.AddRef(dup)
	m.Pool.AddRef(src) // CallIn consumes one reference per argument
	result, err := m.CallIn(ctx, ti.Methods.CopyCtor, dup, []*handle.Handle{src})
	if err != nil {
		return nil, err
	}
	if result != nil {
		m.Pool.Release(result) // the constructor's own return value, unused by `copy`
	}
	return dup, nil
}

// execWref implements wref dst, src: dst becomes a weak reference to src's
// current payload (§4.1). Weak references must not outlive src; nothing in
// the interpreter enforces that, matching the spec's documented caveat.
func (m *VM) execWref(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) error {
	src, err := m.Read(ctx, frame, inst.Operands[1])
	if err != nil {
		return err
	}
	w := m.Pool.WeakRef(src)
	return m.Write(ctx, frame, inst.Operands[0], w)
}

// execMoveLiteral implements moveh/copyh literal, dst: Operands[0] is the
// ImmHandle literal operand (materialised by Read), Operands[1] the
// destination addressing mode.
func (m *VM) execMoveLiteral(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction, deepCopy bool) error {
	lit, err := m.Read(ctx, frame, inst.Operands[0])
	if err != nil {
		return err
	}
	if deepCopy {
		dup, err := m.handleCopy(ctx, lit)
		if err != nil {
			return err
		}
		return m.Write(ctx, frame, inst.Operands[1], dup)
	}
	m.Pool.AddRef(lit)
	return m.Write(ctx, frame, inst.Operands[1], lit)
}

// execBra implements bra label: unconditional branch. The label operand's
// A field is the target instruction address (a Code Segment word index,
// patched by the linker), not a register.
func (m *VM) execBra(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction) (signal, error) {
	return signal{hasJump: true, jumpTo: int(inst.Operands[0].A)}, nil
}

// execTst implements tsteq/tstne src, label: branch to label if src is
// (not) the zero value for its type (§4.3).
func (m *VM) execTst(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction, branchIfZero bool) (signal, error) {
	src, err := m.Read(ctx, frame, inst.Operands[0])
	if err != nil {
		return signal{}, err
	}
	zero := isZeroValue(src)
	if zero == branchIfZero {
		return signal{hasJump: true, jumpTo: int(inst.Operands[1].A)}, nil
	}
	return signal{}, nil
}

func isZeroValue(h *handle.Handle) bool {
	switch h.Type {
	case handle.TypeNull:
		return true
	case handle.TypeInt:
		return h.Payload.Int == 0
	case handle.TypeFloat:
		return h.Payload.Float == 0
	case handle.TypeString:
		return h.Payload.String == ""
	default:
		return false
	}
}
