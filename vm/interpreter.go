package vm

import (
	"github.com/wudi/corevm/handle"
	"github.com/wudi/corevm/opcodes"
)

// signal is what one instruction tells the run loop to do next. Opcodes
// that fall through simply return a zero signal (continue at nextPC);
// branch/call/return opcodes set the field that applies to them.
type signal struct {
	jumpTo  int  // if hasJump, ctx.PC becomes this instead of nextPC
	hasJump bool

	returning bool // ret: pop the current frame
	retVal    *handle.Handle

	entryReturn bool // not set or read: run detects the entry frame's return from the call-stack depth

	yielding bool // yield: suspend ctx and hand control back to its resumer
}

// run drives ctx's program counter until its entry frame returns, it
// yields, or an exception goes unhandled. It is the register-VM analogue
// of the teacher's big per-opcode switch, generalised from PHP opcodes to
// this VM's addressing-mode-factored instruction set (§4.3, §6).
func (m *VM) run(ctx *ExecutionContext) (*handle.Handle, error) {
	entryDepth := ctx.Calls.Depth() - 1
	for {
		if ctx.Pending != nil {
			return nil, nil
		}
		inst, consumed, err := opcodes.Decode(m.Image.Code, ctx.PC)
		if err != nil {
			return nil, err
		}
		nextPC := ctx.PC + consumed
		frame := ctx.Calls.CurrentFrame()
		if frame == nil {
			return nil, ErrCallStackEmpty
		}

		m.profile.observe(ctx.PC, inst.Op)

		sig, execErr := m.executeInstruction(ctx, frame, inst, nextPC)
		if execErr != nil {
			m.raise(ctx, &Exception{Kind: ExcRuntime, Code: faultCodeForError(execErr), Message: execErr.Error()})
			if ctx.Pending != nil {
				return nil, nil
			}
			ctx.PC = nextPC
			continue
		}
		// throw/brk raise through m.raise without surfacing a Go error, so
		// check for an unhandled exception here too, not just on execErr.
		if ctx.Pending != nil {
			return nil, nil
		}

		switch {
		case sig.yielding:
			ctx.PC = nextPC
			ctx.Status = StatusSuspended
			return sig.retVal, nil

		case sig.returning:
			returnPC, ok := ctx.CloseFrame()
			if ctx.Calls.Depth() <= entryDepth || !ok {
				return sig.retVal, nil
			}
			ctx.PC = returnPC

		case sig.hasJump:
			ctx.PC = sig.jumpTo

		default:
			ctx.PC = nextPC
		}
	}
}

// executeInstruction dispatches one decoded instruction to its family
// handler. Families are split across arithmetic.go, comparison.go,
// calls.go, stack.go and misc.go, mirroring how the teacher splits its own
// opcode switch across per-family executor files.
func (m *VM) executeInstruction(ctx *ExecutionContext, frame *CallFrame, inst *opcodes.Instruction, nextPC int) (signal, error) {
	switch {
	case isArithmetic(inst.Op):
		return signal{}, m.execArithmetic(ctx, frame, inst)
	case isComparison(inst.Op):
		return signal{}, m.execComparison(ctx, frame, inst)
	}

	switch inst.Op {
	case opcodes.OpNop:
		return signal{}, nil

	case opcodes.OpMove:
		return signal{}, m.execMove(ctx, frame, inst, false)
	case opcodes.OpCopy:
		return signal{}, m.execMove(ctx, frame, inst, true)
	case opcodes.OpWref:
		return signal{}, m.execWref(ctx, frame, inst)
	case opcodes.OpMoveH:
		return signal{}, m.execMoveLiteral(ctx, frame, inst, false)
	case opcodes.OpCopyH:
		return signal{}, m.execMoveLiteral(ctx, frame, inst, true)

	case opcodes.OpBra:
		return m.execBra(ctx, frame, inst)
	case opcodes.OpTstEq:
		return m.execTst(ctx, frame, inst, true)
	case opcodes.OpTstNe:
		return m.execTst(ctx, frame, inst, false)

	case opcodes.OpCalls, opcodes.OpCallm, opcodes.OpCalln, opcodes.OpCalli, opcodes.OpCalldg, opcodes.OpJsr, opcodes.OpJmp:
		return m.execCall(ctx, frame, inst, nextPC)
	case opcodes.OpRet:
		return m.execRet(ctx, frame)

	case opcodes.OpAlloc, opcodes.OpAllocN, opcodes.OpAllocA, opcodes.OpAllocI:
		return signal{}, m.execAlloc(ctx, frame, inst)

	case opcodes.OpPush, opcodes.OpPushM, opcodes.OpPushR, opcodes.OpPop, opcodes.OpPopM, opcodes.OpPopR:
		return signal{}, m.execStack(ctx, frame, inst)

	case opcodes.OpNewCtx, opcodes.OpResume, opcodes.OpYield:
		return m.execCoroutine(ctx, frame, inst)

	case opcodes.OpSize, opcodes.OpType, opcodes.OpRtChk, opcodes.OpThrow, opcodes.OpDcvt, opcodes.OpBrk, opcodes.OpCvf, opcodes.OpCvl:
		return signal{}, m.execMisc(ctx, frame, inst)

	default:
		return signal{}, ErrOpcodeNotImplemented
	}
}
