package vm

import (
	"fmt"

	"github.com/wudi/corevm/handle"
)

// ContextStatus is a coroutine's lifecycle state (§4.3's newctx/resume/
// yield trio).
type ContextStatus int32

const (
	StatusFresh ContextStatus = iota
	StatusRunning
	StatusSuspended
	StatusDead
)

func (s ContextStatus) String() string {
	switch s {
	case StatusFresh:
		return "fresh"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ExecutionContext is one fiber: its own data stack (whose topmost slots
// form the current frame's register window), call stack, program counter
// and exception-handler table (§4.3). The root context is created by the
// VM at startup; every other context is spawned by `newctx` and switched
// into with `resume`.
type ExecutionContext struct {
	ID     int32
	Status ContextStatus

	pool *handle.Pool

	DataStack []*handle.Handle
	Calls     *CallStackManager
	PC        int

	Exceptions *ExceptionTable

	// Resumer is the context that most recently `resume`d this one; yield
	// transfers control back to it. nil for the root context.
	Resumer *ExecutionContext

	// Pending is a fault raised inside this context that no installed
	// handler claimed; CallIn and execResume inspect this after run
	// returns (§4.4).
	Pending *Exception

	// LastError is the most recently raised exception, handled or not —
	// distinct from Pending, which is cleared the moment a host consumes an
	// uncaught fault. getErrException/getErrPC read this (§6.3), so a host
	// can still diagnose a fault its own handler already claimed.
	LastError *Exception
	// errCallStackPointer/errDataStackPointer snapshot stack depth at the
	// moment LastError was raised (§6.3's getErrCallStackPointer/
	// getErrDataStackPointer).
	errCallStackPointer int
	errDataStackPointer int

	// TraceFlag gates the host's per-instruction trace callback (§6.3's
	// setTraceFlag); the interpreter loop itself does not read it, a host
	// embedding the VM does.
	TraceFlag bool
}

// GetErrException returns the most recently raised exception in this
// context, or nil if none has been raised since the last ClearExceptionState
// (§6.3).
func (ctx *ExecutionContext) GetErrException() *Exception { return ctx.LastError }

// GetErrPC returns the program counter of the instruction that raised
// LastError, or -1 if nothing has been raised yet (§6.3).
func (ctx *ExecutionContext) GetErrPC() int {
	if ctx.LastError == nil {
		return -1
	}
	return ctx.LastError.PC
}

// GetErrCallStackPointer returns the call-stack depth captured when
// LastError was raised (§6.3).
func (ctx *ExecutionContext) GetErrCallStackPointer() int {
	if ctx.LastError == nil {
		return -1
	}
	return ctx.errCallStackPointer
}

// GetErrDataStackPointer returns the data-stack length captured when
// LastError was raised (§6.3).
func (ctx *ExecutionContext) GetErrDataStackPointer() int {
	if ctx.LastError == nil {
		return -1
	}
	return ctx.errDataStackPointer
}

// ClearExceptionState discards LastError/Pending, the way a host resumes a
// context after having inspected and handled a fault out-of-band (§6.3).
func (ctx *ExecutionContext) ClearExceptionState() {
	ctx.LastError = nil
	ctx.Pending = nil
	ctx.errCallStackPointer = 0
	ctx.errDataStackPointer = 0
}

// SetExceptionHandler installs h for kind on this context's exception
// table, returning the remove function Install hands back (§6.3's thin host
// wrapper over the handler-chain table).
func (ctx *ExecutionContext) SetExceptionHandler(kind ExceptionKind, h ExceptionHandler) (remove func()) {
	return ctx.Exceptions.Install(kind, h)
}

// SetTraceFlag toggles per-instruction tracing for a host's debugger-style
// embedding (§6.3); the interpreter does not consult this itself.
func (ctx *ExecutionContext) SetTraceFlag(on bool) { ctx.TraceFlag = on }

// NewExecutionContext allocates a fresh, empty context. entryFn and args
// are pushed as the bottom call frame by the VM's newctx/resume handling,
// not here, so a context can be constructed before its entry point is
// known (e.g. the root context, whose entry is whatever the host calls).
func NewExecutionContext(id int32, pool *handle.Pool) *ExecutionContext {
	return &ExecutionContext{
		ID:         id,
		Status:     StatusFresh,
		pool:       pool,
		DataStack:  make([]*handle.Handle, 0, 64),
		Calls:      NewCallStackManager(),
		Exceptions: NewExceptionTable(),
	}
}

// Roots implements gc's rootedContext interface: a context's entire data
// stack is reachable, since the register window of every frame on its
// call stack is just a suffix of it.
func (ctx *ExecutionContext) Roots() []*handle.Handle {
	return ctx.DataStack
}

// Push appends v (taking ownership of the caller's reference) to the data
// stack.
func (ctx *ExecutionContext) Push(v *handle.Handle) {
	ctx.DataStack = append(ctx.DataStack, v)
}

// Pop removes and returns the top of the data stack; the caller now owns
// the returned reference.
func (ctx *ExecutionContext) Pop() (*handle.Handle, error) {
	n := len(ctx.DataStack)
	if n == 0 {
		return nil, fmt.Errorf("data stack underflow")
	}
	v := ctx.DataStack[n-1]
	ctx.DataStack = ctx.DataStack[:n-1]
	return v, nil
}

// windowLen is the register window's current width: the register window
// is the live tail of the data stack from frame.RegBase onward, so it
// grows and shrinks as the frame pushes/pops temporaries (§4.3) — RegCount
// only records the width at OpenFrame time, for diagnostics.
func (ctx *ExecutionContext) windowLen(frame *CallFrame) int {
	return len(ctx.DataStack) - frame.RegBase
}

// Register returns the handle at register index r within frame's window.
func (ctx *ExecutionContext) Register(frame *CallFrame, r int) (*handle.Handle, error) {
	if r < 0 || r >= ctx.windowLen(frame) {
		return nil, fmt.Errorf("%w: r%d (window has %d registers)", ErrRegisterOutOfRange, r, ctx.windowLen(frame))
	}
	return ctx.DataStack[frame.RegBase+r], nil
}

// SetRegister replaces register r's handle, releasing whatever was there
// (the register owns one reference into the pool) before installing v.
func (ctx *ExecutionContext) SetRegister(frame *CallFrame, r int, v *handle.Handle) error {
	if r < 0 || r >= ctx.windowLen(frame) {
		return fmt.Errorf("%w: r%d (window has %d registers)", ErrRegisterOutOfRange, r, ctx.windowLen(frame))
	}
	slot := frame.RegBase + r
	old := ctx.DataStack[slot]
	if old != nil && old != v {
		ctx.pool.Release(old)
	}
	ctx.DataStack[slot] = v
	return nil
}

// OpenFrame grows the data stack by regCount null-initialised registers
// and pushes a new CallFrame whose window covers them (§4.3's register
// window). stackBase records the pre-call data-stack length so Return can
// unwind any temporaries the callee pushed beyond its own window.
func (ctx *ExecutionContext) OpenFrame(functionID int32, returnPC, regCount int, this *handle.Handle) *CallFrame {
	stackBase := len(ctx.DataStack)
	regBase := stackBase
	null := ctx.pool.NullHandle()
	for i := 0; i < regCount; i++ {
		ctx.pool.AddRef(null)
		ctx.DataStack = append(ctx.DataStack, null)
	}
	frame := &CallFrame{
		FunctionID: functionID,
		ReturnPC:   returnPC,
		RegBase:    regBase,
		RegCount:   regCount,
		This:       this,
		StackBase:  stackBase,
	}
	ctx.Calls.PushFrame(frame)
	return frame
}

// OpenFrameFromTop opens a frame whose register window is the argCount
// values the caller already pushed onto the data stack (the bytecode
// calling convention: `push` each argument, then `calls`/`callm`/...),
// rather than allocating fresh null registers the way OpenFrame does for a
// host-initiated call (§4.3, §4.7).
func (ctx *ExecutionContext) OpenFrameFromTop(functionID int32, returnPC, argCount int, this *handle.Handle) *CallFrame {
	regBase := len(ctx.DataStack) - argCount
	frame := &CallFrame{
		FunctionID: functionID,
		ReturnPC:   returnPC,
		RegBase:    regBase,
		RegCount:   argCount,
		This:       this,
		StackBase:  regBase,
	}
	ctx.Calls.PushFrame(frame)
	return frame
}

// CloseFrame pops frame's registers and any temporaries pushed above them,
// releasing every reference they held, and returns the resume PC.
func (ctx *ExecutionContext) CloseFrame() (returnPC int, ok bool) {
	frame := ctx.Calls.PopFrame()
	if frame == nil {
		return 0, false
	}
	for i := len(ctx.DataStack) - 1; i >= frame.StackBase; i-- {
		ctx.pool.Release(ctx.DataStack[i])
	}
	ctx.DataStack = ctx.DataStack[:frame.StackBase]
	return frame.ReturnPC, true
}
