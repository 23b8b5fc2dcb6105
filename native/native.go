// Package native implements the abstract Native Type Dispatch contract
// (§4.5): host-provided types reachable from script code as ordinary
// classes, but whose storage and method bodies are Go code rather than
// bytecode. The interpreter never special-cases a native type's behaviour;
// it only ever calls through this interface, exactly as it calls through a
// script class's v-table for a scripted one.
package native

import (
	"fmt"
	"sync"

	"github.com/wudi/corevm/handle"
)

// CallContext is the slice of VM state a native method body is allowed to
// touch: argument handles already popped off the data stack by the
// interpreter, and a pool reference for allocating its result. Native code
// never sees registers, the call stack, or raw bytecode.
type CallContext struct {
	Pool *handle.Pool
	Args []*handle.Handle
}

// Type is the message-passing interface every native (host-provided) class
// implements (§4.5). Every method receives the type's own id so one Go
// value can back more than one registered TypeID if useful.
type Type interface {
	// Register is called once, at VM startup, before any script code runs.
	Register(typeID handle.TypeID) error
	// OnImport is called whenever a compiled program imports this type by
	// name, letting the native type validate version/ABI compatibility.
	OnImport(typeID handle.TypeID) error
	// Initialize is called once per VM instance after all types are
	// registered, mirroring JILRuntime's two-phase startup.
	Initialize(typeID handle.TypeID) error

	// NewObject constructs the opaque payload for a new instance; the
	// returned value becomes the handle's Payload.Native.
	NewObject(typeID handle.TypeID, cc *CallContext) (interface{}, error)
	// MarkHandles is called by the garbage collector's mark phase (§4.6)
	// so a native object can report which handles it holds references to.
	MarkHandles(payload interface{}, mark func(*handle.Handle))

	// CallStatic dispatches a class-level (no receiver) native method.
	CallStatic(typeID handle.TypeID, member string, cc *CallContext) (*handle.Handle, error)
	// CallMember dispatches an instance method; payload is the receiver's
	// Payload.Native.
	CallMember(typeID handle.TypeID, payload interface{}, member string, cc *CallContext) (*handle.Handle, error)

	// DestroyObject releases any Go-side resources the payload owns
	// (file handles, DB connections, ...) when its handle's refcount hits
	// zero or it is swept by the collector.
	DestroyObject(typeID handle.TypeID, payload interface{})
	// Terminate is called once at VM shutdown, after every instance has
	// been destroyed.
	Terminate(typeID handle.TypeID) error
	// Unregister reverses Register, used when a host reloads a native
	// type without restarting the VM.
	Unregister(typeID handle.TypeID) error
}

// Registry binds TypeIDs to their native.Type implementation; `calln`
// looks up a type here before forwarding to CallStatic/CallMember (§4.5,
// §4.3).
type Registry struct {
	mu    sync.RWMutex
	types map[handle.TypeID]Type
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[handle.TypeID]Type)}
}

// Bind registers impl under typeID, calling its Register hook.
func (r *Registry) Bind(typeID handle.TypeID, impl Type) error {
	if err := impl.Register(typeID); err != nil {
		return fmt.Errorf("native type %d register: %w", typeID, err)
	}
	r.mu.Lock()
	r.types[typeID] = impl
	r.mu.Unlock()
	return nil
}

func (r *Registry) Lookup(typeID handle.TypeID) (Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[typeID]
	return t, ok
}

// InitializeAll runs the Initialize hook of every bound type, called once
// after every type in a program's import list has been bound.
func (r *Registry) InitializeAll() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, t := range r.types {
		if err := t.Initialize(id); err != nil {
			return fmt.Errorf("native type %d initialize: %w", id, err)
		}
	}
	return nil
}

// TerminateAll runs the Terminate hook of every bound type at VM shutdown.
func (r *Registry) TerminateAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, t := range r.types {
		_ = t.Terminate(id)
	}
}
