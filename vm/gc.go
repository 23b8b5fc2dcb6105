package vm

import (
	"github.com/wudi/corevm/gc"
	"github.com/wudi/corevm/handle"
)

// Collect runs a mark-and-sweep pass over every context this VM owns plus
// the materialised literal cache and any in-flight exception payloads
// (§4.6). It is never called automatically from the interpreter loop — a
// host decides when to collect, e.g. from an idle hook or a `gc-stats`
// CLI command — since the spec leaves collection scheduling a host
// concern rather than an interpreter one.
func (m *VM) Collect() gc.Stats {
	var roots []*handle.Handle

	m.literalsMu.Lock()
	for _, h := range m.literals {
		roots = append(roots, h)
	}
	m.literalsMu.Unlock()

	m.mu.Lock()
	contexts := make([]*ExecutionContext, 0, len(m.contexts))
	for _, c := range m.contexts {
		contexts = append(contexts, c)
	}
	m.mu.Unlock()

	for _, c := range contexts {
		roots = append(roots, c.Roots()...)
		if c.Pending != nil && c.Pending.Payload != nil {
			roots = append(roots, c.Pending.Payload)
		}
	}

	collector := gc.New(m.Pool, m.Native)
	collector.Log = gc.LogLevel(m.GCLogLevel)
	return collector.Collect(roots)
}
