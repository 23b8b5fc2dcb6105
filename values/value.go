// Package values provides accessor and constructor helpers over
// handle.Handle — the VM's tagged-union value representation (§3, §4.2).
// A *handle.Handle is the only value representation; this package never
// introduces a second one, it just gives ergonomic names to the
// type-discriminated payload access the spec calls for.
package values

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wudi/corevm/handle"
)

// New* constructors allocate a fresh handle from pool and populate its
// payload. The returned handle has refcount 1, owned by the caller.

func NewNull(pool *handle.Pool) *handle.Handle {
	h := pool.Acquire()
	h.Type = handle.TypeNull
	return h
}

func NewInt(pool *handle.Pool, v int64) *handle.Handle {
	h := pool.Acquire()
	h.Type = handle.TypeInt
	h.Payload.Int = v
	return h
}

func NewFloat(pool *handle.Pool, v float64) *handle.Handle {
	h := pool.Acquire()
	h.Type = handle.TypeFloat
	h.Payload.Float = v
	return h
}

func NewString(pool *handle.Pool, s string) *handle.Handle {
	h := pool.Acquire()
	h.Type = handle.TypeString
	h.Payload.String = s
	return h
}

// NewArray allocates an empty array handle. Elements are appended via the
// Array accessor below, each append taking ownership of one reference.
func NewArray(pool *handle.Pool) *handle.Handle {
	h := pool.Acquire()
	h.Type = handle.TypeArray
	h.Payload.Array = nil
	return h
}

// NewObject allocates a class instance of typeID with instanceSize member
// slots, every slot initialised to a reference to the shared null handle
// (§4.2: "initialised to all-null, with the null handle's refcount
// incremented by the instance size").
func NewObject(pool *handle.Pool, typeID handle.TypeID, instanceSize int32) *handle.Handle {
	h := pool.Acquire()
	h.Type = typeID
	slots := make([]*handle.Handle, instanceSize)
	null := pool.NullHandle()
	for i := range slots {
		pool.AddRef(null)
		slots[i] = null
	}
	h.Payload.Object = slots
	return h
}

// NewNative allocates a handle wrapping an opaque native payload owned by
// a registered native type (§4.5); construction/destruction is the native
// type's responsibility, not the pool's.
func NewNative(pool *handle.Pool, typeID handle.TypeID, payload interface{}) *handle.Handle {
	h := pool.Acquire()
	h.Type = typeID
	h.Payload.Native = payload
	return h
}

// NewDelegate allocates a handle carrying a bound method index, optional
// `this`, and optional captured closure slice (§4.2).
func NewDelegate(pool *handle.Pool, typeID handle.TypeID, funcIndex int32, this *handle.Handle, closure []*handle.Handle) *handle.Handle {
	h := pool.Acquire()
	h.Type = typeID
	h.Payload.Delegate = handle.DelegatePayload{FuncIndex: funcIndex, This: this, Closure: closure}
	return h
}

// NewContext wraps an execution context (coroutine) payload; contexts
// cannot be copied (§4.1).
func NewContext(pool *handle.Pool, typeID handle.TypeID, ctx interface{}) *handle.Handle {
	h := pool.Acquire()
	h.Type = typeID
	h.Payload.Context = ctx
	return h
}

// Predicates

func IsNull(h *handle.Handle) bool   { return h == nil || h.Type == handle.TypeNull }
func IsInt(h *handle.Handle) bool    { return h.Type == handle.TypeInt }
func IsFloat(h *handle.Handle) bool  { return h.Type == handle.TypeFloat }
func IsString(h *handle.Handle) bool { return h.Type == handle.TypeString }
func IsArray(h *handle.Handle) bool  { return h.Type == handle.TypeArray }
func IsNumeric(h *handle.Handle) bool {
	return h.Type == handle.TypeInt || h.Type == handle.TypeFloat
}

// AsInt/AsFloat/AsString are unchecked accessors; callers must have
// already verified the type (e.g. via the `-l`/`-f` suffixed opcodes'
// assertions, or IsInt/IsFloat above).

func AsInt(h *handle.Handle) int64      { return h.Payload.Int }
func AsFloat(h *handle.Handle) float64  { return h.Payload.Float }
func AsString(h *handle.Handle) string  { return h.Payload.String }
func AsArray(h *handle.Handle) []*handle.Handle { return h.Payload.Array }

// ToFloat64 widens an int/float handle for mixed arithmetic in the
// generic (non-suffixed) opcode family.
func ToFloat64(h *handle.Handle) (float64, bool) {
	switch h.Type {
	case handle.TypeInt:
		return float64(h.Payload.Int), true
	case handle.TypeFloat:
		return h.Payload.Float, true
	default:
		return 0, false
	}
}

// String renders a handle for diagnostics and the `dcvt` (to-string)
// opcode's built-in fallback for primitive types; class to-string must go
// through the registered to-string method instead (§3).
func String(h *handle.Handle) string {
	if h == nil {
		return "null"
	}
	switch h.Type {
	case handle.TypeNull:
		return "null"
	case handle.TypeInt:
		return strconv.FormatInt(h.Payload.Int, 10)
	case handle.TypeFloat:
		return strconv.FormatFloat(h.Payload.Float, 'g', -1, 64)
	case handle.TypeString:
		return h.Payload.String
	case handle.TypeArray:
		parts := make([]string, len(h.Payload.Array))
		for i, e := range h.Payload.Array {
			parts[i] = String(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("<handle type=%d>", h.Type)
	}
}

// CopyValueType implements Handle.copyValueType (§4.1): a physical copy
// for int/float, and a fresh reference (addref) to the same handle for
// everything else.
func CopyValueType(pool *handle.Pool, h *handle.Handle) *handle.Handle {
	switch h.Type {
	case handle.TypeInt:
		return NewInt(pool, h.Payload.Int)
	case handle.TypeFloat:
		return NewFloat(pool, h.Payload.Float)
	default:
		pool.AddRef(h)
		return h
	}
}
