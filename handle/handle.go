// Package handle implements the VM's universal value container: a
// reference-counted Handle allocated from fixed-size buckets (§4.1).
package handle

import "sync"

// TypeID indexes into the Type Segment (segment.TypeInfo). A handful of
// well-known ids are reserved for the built-in payload kinds, mirroring
// JILRuntime's type_null/type_int/type_float/... fixed type ids.
type TypeID int32

const (
	TypeNull TypeID = iota
	TypeInt
	TypeFloat
	TypeString
	TypeArray
	// TypeDelegate and TypeContext are reserved ids for the two payload
	// kinds that, unlike user classes, never appear in the Type Segment:
	// a delegate or a coroutine handle can exist without any script class
	// backing it.
	TypeDelegate
	TypeContext
	// User classes, interfaces, threads and native types occupy TypeID
	// values >= FirstUserType, assigned by the Type Segment loader.
	FirstUserType TypeID = 16
)

// Flags is a bit set over a Handle's lifecycle state.
type Flags uint8

const (
	// Marked is set by the GC's mark phase (§4.6) and cleared afterwards.
	Marked Flags = 1 << iota
	// NewBucket marks the first handle of an allocation bucket so the
	// bucket's backing array can be freed at VM shutdown.
	NewBucket
	// Persist marks a weak reference: its payload is a bitwise copy of
	// the referent's and must not be destroyed when the handle is freed.
	Persist
)

// Payload is the tagged union of runtime value variants a Handle may carry.
// Exactly one field is meaningful, selected by Handle.Type; which field is
// left to the owning package (values, vm, native) to interpret, since the
// handle package itself must not depend on them.
type Payload struct {
	Int     int64
	Float   float64
	String  string
	Array   []*Handle
	Object  []*Handle // fixed length == class instance size
	Native  interface{}
	Context interface{}
	Delegate DelegatePayload
}

// DelegatePayload backs a bound method / closure handle (§4.2).
type DelegatePayload struct {
	FuncIndex int32
	This      *Handle   // optional bound receiver
	Closure   []*Handle // optional captured stack slice
}

// Handle is the sole runtime value container (§3). Its address is stable
// for the lifetime of the VM even as the pool grows new buckets.
type Handle struct {
	Type     TypeID
	Flags    Flags
	RefCount int32
	Payload  Payload
}

func (h *Handle) IsNull() bool { return h.Type == TypeNull }

func (h *Handle) marked() bool    { return h.Flags&Marked != 0 }
func (h *Handle) setMarked()      { h.Flags |= Marked }
func (h *Handle) clearMarked()    { h.Flags &^= Marked }
func (h *Handle) isWeak() bool    { return h.Flags&Persist != 0 }
func (h *Handle) newBucket() bool { return h.Flags&NewBucket != 0 }

// Pool is the bucket allocator described in §4.1. Handle addresses remain
// stable across growth: buckets are appended, never relocated.
type Pool struct {
	mu sync.Mutex

	grain       int
	buckets     [][]Handle
	handles     []*Handle // stable pointer to the i-th handle, index = slot
	freeStack   []*Handle // freeStack[0:used] in use, freeStack[used:] free
	used        int
	nullHandle  *Handle
}

// NewPool constructs a pool with the given allocation grain (bucket size);
// grain <= 0 defaults to 1024 per §4.1.
func NewPool(grain int) *Pool {
	if grain <= 0 {
		grain = 1024
	}
	p := &Pool{grain: grain}
	p.growBucket()
	p.nullHandle = p.acquireLocked()
	p.nullHandle.RefCount = 1
	return p
}

// growBucket appends one more bucket; both index arrays grow in place so
// every previously issued *Handle remains valid.
func (p *Pool) growBucket() {
	bucket := make([]Handle, p.grain)
	p.buckets = append(p.buckets, bucket)
	for i := range bucket {
		h := &bucket[i]
		p.handles = append(p.handles, h)
		p.freeStack = append(p.freeStack, h)
	}
	bucket[0].Flags = NewBucket
}

func (p *Pool) acquireLocked() *Handle {
	if p.used >= len(p.freeStack) {
		p.growBucket()
	}
	h := p.freeStack[p.used]
	p.used++
	h.Type = TypeNull
	h.Flags &= NewBucket
	h.RefCount = 1
	h.Payload = Payload{}
	return h
}

// Acquire returns a fresh handle: type null, refcount 1, NEW_BUCKET flag
// preserved if this slot starts a bucket.
func (p *Pool) Acquire() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquireLocked()
}

// NullHandle returns the single shared global null handle; callers that
// store a reference to it must AddRef it.
func (p *Pool) NullHandle() *Handle { return p.nullHandle }

// AddRef increments a live handle's reference count.
func (p *Pool) AddRef(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	h.RefCount++
	p.mu.Unlock()
}

// Release decrements h's refcount; at zero, every handle reference the
// payload owns (array elements, object slots, delegate this/closure) is
// released in turn and the handle returns to the free list. Calling
// Release on a handle whose refcount is already 0 is undefined (the caller
// must ensure liveness). Cascading releases are driven from an explicit
// worklist rather than recursion, both to avoid unbounded call depth on
// long array/object chains and because sync.Mutex is not reentrant.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	work := []*Handle{h}
	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]

		p.mu.Lock()
		cur.RefCount--
		if cur.RefCount > 0 {
			p.mu.Unlock()
			continue
		}
		var children []*Handle
		if cur.isWeak() {
			// Weak references never own their payload.
			cur.Payload = Payload{}
		} else {
			children = collectChildren(cur)
			destroyPayload(cur)
		}
		p.freeSlot(cur)
		p.mu.Unlock()

		work = append(work, children...)
	}
}

func (p *Pool) freeSlot(h *Handle) {
	// Find h in the in-use prefix by a linear scan from the start and swap
	// it to the boundary (handle pools are not huge in practice).
	for i := 0; i < p.used; i++ {
		if p.freeStack[i] == h {
			p.used--
			p.freeStack[i] = p.freeStack[p.used]
			p.freeStack[p.used] = h
			return
		}
	}
}

// collectChildren returns every handle reference h's payload owns, so the
// caller can release them once h itself has been torn down. Must be called
// with p.mu held and before destroyPayload clears the payload.
func collectChildren(h *Handle) []*Handle {
	switch h.Type {
	case TypeArray:
		return append([]*Handle(nil), h.Payload.Array...)
	default:
		var out []*Handle
		out = append(out, h.Payload.Object...)
		if h.Payload.Delegate.This != nil {
			out = append(out, h.Payload.Delegate.This)
		}
		out = append(out, h.Payload.Delegate.Closure...)
		return out
	}
}

// destroyPayload clears h's payload fields. Any handle references it held
// have already been captured by collectChildren and are released
// separately by the caller.
func destroyPayload(h *Handle) {
	h.Payload = Payload{}
}

// WeakRef allocates a new handle whose payload bits are copied from h and
// whose Persist flag is set (§4.1). Weak references must not outlive h.
func (p *Pool) WeakRef(h *Handle) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.acquireLocked()
	w.Type = h.Type
	w.Payload = h.Payload
	w.Flags |= Persist
	return w
}

// Used reports the number of handles currently in use (for GC/leak stats).
func (p *Pool) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Live returns a snapshot slice of every in-use handle, used by the GC's
// mark phase (as a starting point before tracing reachability from roots)
// and by leak reporting at shutdown.
func (p *Pool) Live() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Handle, p.used)
	copy(out, p.freeStack[:p.used])
	return out
}

// Sweep forcibly reclaims every in-use handle not present in marked,
// bypassing refcounting entirely (§4.6): this is the collector's backstop
// for reference cycles that Release's ordinary refcount-to-zero path can
// never reach on its own. The pool's shared null handle is never swept.
func (p *Pool) Sweep(marked map[*Handle]bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	freed := 0
	i := 0
	for i < p.used {
		h := p.freeStack[i]
		if h == p.nullHandle || marked[h] {
			i++
			continue
		}
		destroyPayload(h)
		p.used--
		p.freeStack[i] = p.freeStack[p.used]
		p.freeStack[p.used] = h
		freed++
	}
	return freed
}
