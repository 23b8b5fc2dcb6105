package vm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/wudi/corevm/handle"
	"github.com/wudi/corevm/native"
	"github.com/wudi/corevm/opcodes"
	"github.com/wudi/corevm/registry"
	"github.com/wudi/corevm/segment"
	"github.com/wudi/corevm/values"
)

// VM is the execution core: one shared handle pool and program image, a
// registry for name lookups, a native-type dispatch table, and a set of
// execution contexts (the root context plus any coroutines spawned from
// it) (§3, §4).
type VM struct {
	Image    *segment.Image
	Pool     *handle.Pool
	Registry *registry.Registry
	Native   *native.Registry

	mu       sync.Mutex
	contexts map[int32]*ExecutionContext
	nextCtx  int32
	root     *ExecutionContext

	literalsMu sync.Mutex
	literals   map[int32]*handle.Handle

	profile *profileState
	GCLogLevel GCLogLevel
}

// GCLogLevel controls how chatty the garbage collector's sweep is, named
// the way the teacher names its own off/brief/all verbosity knobs.
type GCLogLevel int

const (
	GCLogOff GCLogLevel = iota
	GCLogBrief
	GCLogAll
)

// New constructs a VM over img, ready to run once native types are bound
// and Call is invoked.
func New(img *segment.Image) *VM {
	pool := handle.NewPool(0)
	m := &VM{
		Image:    img,
		Pool:     pool,
		Registry: registry.New(img),
		Native:   native.NewRegistry(),
		contexts: make(map[int32]*ExecutionContext),
		literals: make(map[int32]*handle.Handle),
		profile:  newProfileState(),
	}
	m.root = m.newContext()
	return m
}

func (m *VM) newContext() *ExecutionContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextCtx
	m.nextCtx++
	ctx := NewExecutionContext(id, m.Pool)
	m.contexts[id] = ctx
	return ctx
}

// Root returns the always-present context 0, the one a host's top-level
// Call runs in.
func (m *VM) Root() *ExecutionContext { return m.root }

// materializeLiteral returns (creating and caching on first use) the
// handle backing Data Segment entry id (§4.7's createLiterals semantics,
// applied lazily rather than as an eager linker pass, since a literal never
// referenced by any reachable code need not consume a handle slot).
func (m *VM) materializeLiteral(id int32) (*handle.Handle, error) {
	m.literalsMu.Lock()
	defer m.literalsMu.Unlock()
	if h, ok := m.literals[id]; ok {
		return h, nil
	}
	if id < 0 || int(id) >= len(m.Image.Data) {
		return nil, fmt.Errorf("literal %d out of range", id)
	}
	d := m.Image.Data[id]
	var h *handle.Handle
	switch d.Kind {
	case segment.DataInt:
		h = values.NewInt(m.Pool, d.IntValue)
	case segment.DataFloat:
		h = values.NewFloat(m.Pool, d.FloatValue)
	case segment.DataString:
		h = values.NewString(m.Pool, string(m.Image.CStr[d.StringOff:d.StringOff+d.StringLen]))
	default:
		return nil, fmt.Errorf("literal %d has unknown kind %d", id, d.Kind)
	}
	m.Pool.AddRef(h) // the cache itself holds a permanent reference
	m.literals[id] = h
	return h, nil
}

// Call invokes function fnID in the root context with args (one reference
// each, consumed), blocking until it returns, yields control to no one
// (RETURN_TO_NATIVE is only meaningful for host re-entrancy across
// multiple Call invocations on the same context), or raises an uncaught
// exception.
func (m *VM) Call(fnID int32, this *handle.Handle, args []*handle.Handle) (*handle.Handle, error) {
	return m.CallIn(m.root, fnID, this, args)
}

// CallIn invokes fnID within ctx, allowing a host to re-enter a specific
// coroutine rather than always the root.
func (m *VM) CallIn(ctx *ExecutionContext, fnID int32, this *handle.Handle, args []*handle.Handle) (*handle.Handle, error) {
	fi, err := m.Registry.Function(fnID)
	if err != nil {
		return nil, err
	}
	regCount := int(fi.ArgCount)
	if regCount < len(args) {
		regCount = len(args)
	}
	frame := ctx.OpenFrame(fnID, -1, regCount, this)
	for i, a := range args {
		if err := ctx.SetRegister(frame, i, a); err != nil {
			return nil, err
		}
	}
	ctx.PC = int(fi.CodeAddr)
	ctx.Status = StatusRunning

	result, err := m.run(ctx)
	ctx.Status = StatusDead
	if err != nil {
		return nil, err
	}
	if ctx.Pending != nil {
		p := ctx.Pending
		ctx.Pending = nil
		return nil, fmt.Errorf("%w: %s", ErrUncaughtException, p.Error())
	}
	return result, nil
}

// ProfileReport renders the interpreter's running instruction-count
// summary, for a host's `gc-stats`/`run --profile` style diagnostics.
func (m *VM) ProfileReport() string {
	return m.profile.render()
}

// HotSpots returns the n most-executed instruction addresses, or every
// address touched if n <= 0.
func (m *VM) HotSpots(n int) []HotSpot {
	return m.profile.hotSpots(n)
}

// raise installs exc as the context's in-flight fault, tries every
// installed handler, and — if none claims it — leaves it on ctx.Pending
// for the caller of run to observe (§4.4).
func (m *VM) raise(ctx *ExecutionContext, exc *Exception) {
	exc.PC = ctx.PC
	exc.Frames = ctx.Calls.Frames()
	ctx.LastError = exc
	ctx.errCallStackPointer = ctx.Calls.Depth()
	ctx.errDataStackPointer = len(ctx.DataStack)
	if ctx.Exceptions.Dispatch(exc) {
		return
	}
	ctx.Pending = exc
}

// OutputCrashLog renders ctx's last raised exception into a human-readable
// report — the faulting instruction's address and mnemonic, the fault
// kind/code, the call stack at the moment of the fault, and the
// interpreter's recent profiling debug trail — for a host to write to a
// log file the way a native crash handler would (§3's supplemented
// outputCrashLog; JILRuntime's embedders typically dump this to stderr
// before exiting).
func (m *VM) OutputCrashLog(ctx *ExecutionContext) string {
	exc := ctx.LastError
	if exc == nil {
		return "(no exception recorded)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "corevm crash report: %s exception (%s)\n", exc.Kind, exc.Code)
	if exc.Message != "" {
		fmt.Fprintf(&b, "  message: %s\n", exc.Message)
	}
	if inst, _, err := opcodes.Decode(m.Image.Code, exc.PC); err == nil {
		fmt.Fprintf(&b, "  faulted at pc=%d (%s)\n", exc.PC, inst.Op)
	} else {
		fmt.Fprintf(&b, "  faulted at pc=%d (instruction undecodable: %v)\n", exc.PC, err)
	}
	fmt.Fprintf(&b, "  call stack depth: %d, data stack depth: %d\n", ctx.errCallStackPointer, ctx.errDataStackPointer)

	fmt.Fprintf(&b, "  call stack (most recent first):\n")
	for i := len(exc.Frames) - 1; i >= 0; i-- {
		f := exc.Frames[i]
		fi, err := m.Registry.Function(f.FunctionID)
		name := fmt.Sprintf("function#%d", f.FunctionID)
		if err == nil && fi.Name != "" {
			name = fi.Name
		}
		fmt.Fprintf(&b, "    %s (return pc=%d)\n", name, f.ReturnPC)
	}

	if debug := m.profile.debugRecords(); len(debug) > 0 {
		fmt.Fprintf(&b, "  recent debug trail:\n")
		for _, d := range debug {
			fmt.Fprintf(&b, "    %s\n", d)
		}
	}
	return b.String()
}
