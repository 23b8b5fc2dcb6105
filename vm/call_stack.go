package vm

import (
	"sync"

	"github.com/wudi/corevm/handle"
)

// CallFrame is one activation record (§4.3's "register window is the last
// N slots of the data stack"): RegBase is the data-stack index where this
// frame's registers begin, and RegCount how many of them exist. The data
// stack itself lives on the owning ExecutionContext, not the frame.
type CallFrame struct {
	FunctionID int32
	ReturnPC   int
	RegBase    int
	RegCount   int
	This       *handle.Handle // bound receiver for method calls, nil for free functions
	StackBase  int            // data-stack length to restore to on return
}

// CallStackManager is a per-context stack of activation records, adapted
// from a single-VM-wide call stack into a per-ExecutionContext one: every
// coroutine owns its own call stack so newctx/resume/yield can switch
// between them without disturbing other contexts' frames.
type CallStackManager struct {
	frames []*CallFrame
	mu     sync.Mutex
}

func NewCallStackManager() *CallStackManager {
	return &CallStackManager{frames: make([]*CallFrame, 0, 8)}
}

func (cs *CallStackManager) PushFrame(frame *CallFrame) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.frames = append(cs.frames, frame)
}

// PopFrame removes and returns the current call frame. Returns nil when
// the stack is empty.
func (cs *CallStackManager) PopFrame() *CallFrame {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.frames) == 0 {
		return nil
	}
	idx := len(cs.frames) - 1
	frame := cs.frames[idx]
	cs.frames = cs.frames[:idx]
	return frame
}

func (cs *CallStackManager) CurrentFrame() *CallFrame {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.frames) == 0 {
		return nil
	}
	return cs.frames[len(cs.frames)-1]
}

func (cs *CallStackManager) Depth() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.frames)
}

func (cs *CallStackManager) IsEmpty() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.frames) == 0
}

// Frames returns a copy of all frames, most-recent last, for diagnostics
// and exception-snapshot capture.
func (cs *CallStackManager) Frames() []*CallFrame {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]*CallFrame, len(cs.frames))
	copy(out, cs.frames)
	return out
}
