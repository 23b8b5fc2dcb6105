package vm

import (
	"errors"
	"fmt"

	"github.com/wudi/corevm/opcodes"
)

// Pre-defined VM error types for consistent error handling. These are host-
// facing Go errors — faults a script can catch are typed Exceptions
// instead (see exception.go), per the ambient error-handling convention of
// using `error` for loader/linker/embedder failures and a typed enum for
// VM-internal faults.
var (
	// Decode / operand errors
	ErrInvalidOperand    = errors.New("invalid operand for this addressing mode")
	ErrOperandNotWritable = errors.New("operand addressing mode is not writable")
	ErrRegisterOutOfRange = errors.New("register index out of range")

	// Instruction errors
	ErrOpcodeNotImplemented = errors.New("opcode not implemented")
	ErrInvalidInstruction   = errors.New("invalid instruction")
	ErrPCOutOfRange         = errors.New("program counter out of code segment range")
	ErrInvalidCodeAddress   = errors.New("branch or call target address is out of range")

	// Type/class errors
	ErrTypeNotFound    = errors.New("type not found in type segment")
	ErrFunctionNotFound = errors.New("function not found in function segment")
	ErrVtableSlotEmpty  = errors.New("v-table slot has no implementation")
	ErrNotAClass        = errors.New("type is not instantiable as a class")
	ErrWrongHandleType  = errors.New("handle type does not match the expected operand type")

	// Call stack / context errors
	ErrCallStackEmpty  = errors.New("call stack is empty")
	ErrCallStackDepth  = errors.New("call stack depth exceeded")
	ErrContextNotSuspended = errors.New("context is not suspended")
	ErrContextRunning  = errors.New("context is already running")
	ErrNoYieldTarget   = errors.New("yield outside of a resumed context")

	// Exception subsystem errors
	ErrNoPendingException = errors.New("no pending exception")
	ErrUncaughtException  = errors.New("uncaught exception reached the root context")

	// Arithmetic errors
	ErrDivisionByZero = errors.New("division by zero")
	ErrModuloByZero   = errors.New("modulo by zero")

	// Native dispatch errors
	ErrNativeTypeNotRegistered = errors.New("native type not registered")
	ErrNativeCallFailed        = errors.New("native call returned an error")
	ErrUnsupportedNativeCall   = errors.New("native type has no copy constructor")

	// Handle.copy errors (§4.1)
	ErrUncopyableType = errors.New("handle type cannot be copied")
)

// faultCodeForError classifies a Go error raised by the interpreter loop
// into the granular §4.4 FaultCode vocabulary, so a host calling
// getErrException can tell a division-by-zero from a null-reference
// instead of seeing every interpreter fault flattened into one generic
// runtime exception (§4.4, §6.3).
func faultCodeForError(err error) FaultCode {
	switch {
	case errors.Is(err, ErrDivisionByZero), errors.Is(err, ErrModuloByZero):
		return FaultDivisionByZero
	case errors.Is(err, ErrWrongHandleType), errors.Is(err, ErrUncopyableType):
		return FaultTypeMismatch
	case errors.Is(err, ErrNativeTypeNotRegistered), errors.Is(err, ErrUnsupportedNativeCall):
		return FaultUnsupportedNativeCall
	case errors.Is(err, ErrRegisterOutOfRange):
		return FaultInvalidOperand
	case errors.Is(err, ErrInvalidOperand), errors.Is(err, ErrOperandNotWritable):
		return FaultInvalidOperand
	case errors.Is(err, ErrPCOutOfRange), errors.Is(err, ErrInvalidCodeAddress):
		return FaultInvalidCodeAddress
	case errors.Is(err, ErrInvalidInstruction), errors.Is(err, ErrOpcodeNotImplemented):
		return FaultIllegalInstruction
	case errors.Is(err, ErrCallStackDepth):
		return FaultStackOverflow
	case errors.Is(err, ErrCallStackEmpty), errors.Is(err, ErrTypeNotFound), errors.Is(err, ErrFunctionNotFound),
		errors.Is(err, ErrVtableSlotEmpty), errors.Is(err, ErrNotAClass):
		return FaultCallToNonFunction
	case errors.Is(err, ErrNativeCallFailed):
		return FaultUnsupportedNativeCall
	default:
		return FaultInvalidOperand
	}
}

// VMError wraps a base error with the execution state it occurred in, so a
// host embedding the VM can render a useful crash report (§3's crash-log
// supplement).
type VMError struct {
	Type   error
	Message string
	Frame  *CallFrame
	Opcode opcodes.Opcode
	PC     int
}

func (e *VMError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("vm error at pc=%d (%s): %s: %s", e.PC, e.Opcode, e.Type.Error(), e.Message)
	}
	return fmt.Sprintf("vm error at pc=%d (%s): %s", e.PC, e.Opcode, e.Type.Error())
}

func (e *VMError) Unwrap() error { return e.Type }
