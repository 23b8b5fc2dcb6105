package vm

import (
	"fmt"

	"github.com/wudi/corevm/handle"
)

// ExceptionKind classifies a raised exception so a host or script can
// install handlers per-kind rather than catching everything (§4.4).
type ExceptionKind int32

const (
	// ExcRuntime covers the "legacy" broad runtime fault category: bad
	// operand types, out-of-range accesses, division by zero and similar
	// faults raised by the interpreter loop itself rather than by `throw`.
	ExcRuntime ExceptionKind = iota
	// ExcUser is raised by the `throw` opcode with a script-supplied handle.
	ExcUser
	// ExcAbort is raised by `brk` (unconditional break); it unwinds every
	// frame without ever invoking an installed handler (§4.4's
	// "AbortException never invokes a handler").
	ExcAbort
)

func (k ExceptionKind) String() string {
	switch k {
	case ExcRuntime:
		return "runtime"
	case ExcUser:
		return "user"
	case ExcAbort:
		return "abort"
	default:
		return fmt.Sprintf("exception(%d)", k)
	}
}

// FaultCode is the granular §4.4 fault vocabulary a host inspects via
// getErrException to tell a division-by-zero from a null-reference from a
// stack overflow, orthogonal to ExceptionKind (which only governs handler
// dispatch, not diagnosis).
type FaultCode int32

const (
	FaultNone FaultCode = iota
	FaultTypeMismatch
	FaultUnsupportedType
	FaultNullReference
	FaultDivisionByZero
	FaultStackOverflow
	FaultInvalidOperand
	FaultInvalidCodeAddress
	FaultIllegalInstruction
	FaultSoftwareException
	FaultTraceException
	FaultBreakException
	FaultAbortException
	FaultAllocationFailed
	FaultCallToNonFunction
	FaultUnsupportedNativeCall
	FaultMarkHandleError
)

func (c FaultCode) String() string {
	switch c {
	case FaultNone:
		return "none"
	case FaultTypeMismatch:
		return "TypeMismatch"
	case FaultUnsupportedType:
		return "UnsupportedType"
	case FaultNullReference:
		return "NullReference"
	case FaultDivisionByZero:
		return "DivisionByZero"
	case FaultStackOverflow:
		return "StackOverflow"
	case FaultInvalidOperand:
		return "InvalidOperand"
	case FaultInvalidCodeAddress:
		return "InvalidCodeAddress"
	case FaultIllegalInstruction:
		return "IllegalInstruction"
	case FaultSoftwareException:
		return "SoftwareException"
	case FaultTraceException:
		return "TraceException"
	case FaultBreakException:
		return "BreakException"
	case FaultAbortException:
		return "AbortException"
	case FaultAllocationFailed:
		return "AllocationFailed"
	case FaultCallToNonFunction:
		return "CallToNonFunction"
	case FaultUnsupportedNativeCall:
		return "UnsupportedNativeCall"
	case FaultMarkHandleError:
		return "MarkHandleError"
	default:
		return fmt.Sprintf("fault(%d)", c)
	}
}

// Exception is a fault in flight: either synthesised by the interpreter
// (ExcRuntime) or supplied by the script (ExcUser, via throw's operand
// handle). Payload is nil for ExcAbort.
type Exception struct {
	Kind    ExceptionKind
	Code    FaultCode
	Payload *handle.Handle
	Message string

	// PC is the address of the instruction that was executing when this
	// exception was raised (§6.3's getErrPC), set once by raise so every
	// call site gets it for free.
	PC int

	// Frames is the call-stack snapshot captured at the moment the
	// exception was raised, most-recent frame last, used for diagnostics
	// only (not mutated during unwind).
	Frames []*CallFrame
}

func (e *Exception) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s exception: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s exception", e.Kind)
}

// ExceptionHandler is invoked by the unwinder for a matching Kind; it
// returns true if it handled the exception (execution resumes at the
// handler's own logic, typically by not re-raising), false to let the
// unwind continue to the next installed handler or, failing that, become a
// host-visible ErrUncaughtException.
type ExceptionHandler func(exc *Exception) bool

// ExceptionTable holds the per-kind handler chain for one execution
// context. Handlers are tried most-recently-installed first, mirroring a
// stack of `try` blocks.
type ExceptionTable struct {
	handlers map[ExceptionKind][]ExceptionHandler
}

func NewExceptionTable() *ExceptionTable {
	return &ExceptionTable{handlers: make(map[ExceptionKind][]ExceptionHandler)}
}

// Install pushes a handler for kind, returning a function that removes it
// again (used to unwind handler scope when a try block exits normally).
func (t *ExceptionTable) Install(kind ExceptionKind, h ExceptionHandler) (remove func()) {
	t.handlers[kind] = append(t.handlers[kind], h)
	idx := len(t.handlers[kind]) - 1
	return func() {
		chain := t.handlers[kind]
		if idx < len(chain) {
			t.handlers[kind] = append(chain[:idx], chain[idx+1:]...)
		}
	}
}

// Dispatch tries every installed handler for exc.Kind, most recent first.
// ExcAbort is never dispatched, per the abort-exception invariant.
func (t *ExceptionTable) Dispatch(exc *Exception) bool {
	if exc.Kind == ExcAbort {
		return false
	}
	chain := t.handlers[exc.Kind]
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i](exc) {
			return true
		}
	}
	return false
}
