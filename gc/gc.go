// Package gc implements the mark-and-sweep collector that backstops the
// VM's reference counting for reference cycles (§4.6). Refcounting alone
// reclaims everything acyclic the moment its last reference drops; a
// collection pass is only needed for cycles (an object graph that holds
// itself alive) and is run periodically or on host request, never on
// every allocation.
package gc

import (
	"fmt"

	"github.com/wudi/corevm/handle"
	"github.com/wudi/corevm/native"
)

// LogLevel controls collection verbosity, matching the ambient off/brief/
// all knob the rest of this module's diagnostics use.
type LogLevel int

const (
	LogOff LogLevel = iota
	LogBrief
	LogAll
)

// Stats summarises one collection pass.
type Stats struct {
	Marked int
	Freed  int
	Events []string
}

// Collector runs mark-and-sweep over a handle.Pool, consulting a
// native.Registry to trace references a native object's Go payload holds.
type Collector struct {
	Pool   *handle.Pool
	Native *native.Registry
	Log    LogLevel
}

func New(pool *handle.Pool, nativeReg *native.Registry) *Collector {
	return &Collector{Pool: pool, Native: nativeReg}
}

// Collect traces reachability from roots and sweeps everything else
// in-use but unreachable. Roots are expected to be exactly the handles a
// host/VM can reach without going through another handle's payload: Data
// Segment literals, every execution context's data stack (which already
// covers every register window, since a window is a stack suffix), and
// any in-flight exception payload (§4.6).
func (c *Collector) Collect(roots []*handle.Handle) Stats {
	marked := make(map[*handle.Handle]bool, len(roots)*4)
	var events []string
	queue := append([]*handle.Handle(nil), roots...)

	for len(queue) > 0 {
		h := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if h == nil || marked[h] {
			continue
		}
		marked[h] = true

		switch h.Type {
		case handle.TypeArray:
			queue = append(queue, h.Payload.Array...)
		case handle.TypeDelegate:
			if h.Payload.Delegate.This != nil {
				queue = append(queue, h.Payload.Delegate.This)
			}
			queue = append(queue, h.Payload.Delegate.Closure...)
		case handle.TypeContext:
			// A suspended context's own data stack is reachable through
			// the context handle even when no other root reaches it
			// directly (a coroutine with no remaining external
			// references to its frame variables still keeps them alive).
			if rc, ok := h.Payload.Context.(rootedContext); ok {
				queue = append(queue, rc.Roots()...)
			}
		default:
			queue = append(queue, h.Payload.Object...)
			if impl, ok := c.Native.Lookup(h.Type); ok {
				impl.MarkHandles(h.Payload.Native, func(ref *handle.Handle) {
					if ref != nil && !marked[ref] {
						queue = append(queue, ref)
					}
				})
			}
		}
	}

	freed := c.Pool.Sweep(marked)
	if c.Log >= LogBrief {
		events = append(events, fmt.Sprintf("gc: marked=%d freed=%d", len(marked), freed))
	}
	return Stats{Marked: len(marked), Freed: freed, Events: events}
}

// rootedContext is implemented by vm.ExecutionContext; declared here
// (rather than importing vm, which imports gc to trigger collection) to
// avoid a package cycle.
type rootedContext interface {
	Roots() []*handle.Handle
}
