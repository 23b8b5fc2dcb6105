// Package registry provides name-indexed lookup over a loaded program
// image's Type and Function segments (§3, §6.2), mirroring the teacher's
// Registry/Class/Function descriptor shape but keyed by segment.Image ids
// instead of map-of-map PHP class bodies.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/wudi/corevm/segment"
)

// Registry is the runtime-resident index over an Image: name -> id lookup,
// kept in sync as initVM incrementally appends to the image (§6.2).
type Registry struct {
	mu sync.RWMutex

	img *segment.Image

	typesByName     map[string]int32
	functionsByName map[string]int32
}

// New constructs a registry bound to img and indexes whatever it already
// contains.
func New(img *segment.Image) *Registry {
	r := &Registry{
		img:             img,
		typesByName:     make(map[string]int32),
		functionsByName: make(map[string]int32),
	}
	r.Reindex()
	return r
}

// Reindex rebuilds the name indexes, used after initVM appends new types
// or functions to the underlying image.
func (r *Registry) Reindex() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.img.Types {
		name := strings.ToLower(r.img.StringAt(t.NameOffset))
		r.typesByName[name] = int32(i)
	}
	for i, f := range r.img.Functions {
		if f.Name == "" {
			continue
		}
		r.functionsByName[strings.ToLower(f.Name)] = int32(i)
	}
}

// TypeByName resolves a type id by (case-insensitive) name.
func (r *Registry) TypeByName(name string) (int32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.typesByName[strings.ToLower(name)]
	return id, ok
}

// FunctionByName resolves a function id by (case-insensitive) name.
func (r *Registry) FunctionByName(name string) (int32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.functionsByName[strings.ToLower(name)]
	return id, ok
}

// Type returns the TypeInfo for id.
func (r *Registry) Type(id int32) (*segment.TypeInfo, error) {
	if id < 0 || int(id) >= len(r.img.Types) {
		return nil, fmt.Errorf("type id %d out of range", id)
	}
	return &r.img.Types[id], nil
}

// Function returns the FunctionInfo for id.
func (r *Registry) Function(id int32) (*segment.FunctionInfo, error) {
	if id < 0 || int(id) >= len(r.img.Functions) {
		return nil, fmt.Errorf("function id %d out of range", id)
	}
	return &r.img.Functions[id], nil
}

// IsSubtype reports whether typeID's base chain reaches baseID (including
// typeID == baseID), used by callm's operand-type check and alloci's
// interface-factory scan (§4.3, §4.8).
func (r *Registry) IsSubtype(typeID, baseID int32) bool {
	for cur := typeID; cur >= 0; {
		if cur == baseID {
			return true
		}
		t, err := r.Type(cur)
		if err != nil {
			return false
		}
		cur = t.Base
	}
	return false
}

// TypesImplementing returns every type id whose base chain reaches iface,
// used by alloci (§4.8).
func (r *Registry) TypesImplementing(iface int32) []int32 {
	var out []int32
	for i := range r.img.Types {
		if r.img.Types[i].Family == segment.FamilyClass && r.IsSubtype(int32(i), iface) {
			out = append(out, int32(i))
		}
	}
	return out
}

// Signature renders a function's pretty-printed declaration
// ("Owner::name(N args)") for diagnostics (§7); the linker's own error
// messages do not call it. Grounded in the teacher's function-declaration
// formatting used by compile errors.
func (r *Registry) Signature(fnID int32) string {
	fi, err := r.Function(fnID)
	if err != nil {
		return fmt.Sprintf("<function %d>", fnID)
	}
	owner := ""
	if fi.OwnerType >= 0 {
		if t, err := r.Type(fi.OwnerType); err == nil {
			owner = r.img.StringAt(t.NameOffset) + "::"
		}
	}
	return fmt.Sprintf("%s%s(%d args)", owner, fi.Name, fi.ArgCount)
}
