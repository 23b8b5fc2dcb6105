// Package segment holds the immutable tables a compiled program image
// loads into the VM: code, data, type, function, and the CStr pool (§3,
// §6.2). None of these are mutated once loaded, except that Data and Type
// entries may be appended incrementally by successive initVM calls.
package segment

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
)

// Family classifies a Type Segment entry.
type Family byte

const (
	FamilyIntegral Family = iota
	FamilyClass
	FamilyInterface
	FamilyThread
	FamilyDelegate
)

// MethodInfo is the (ctor, copy-ctor, dtor, to-string) quadruple; -1 means
// "not present".
type MethodInfo struct {
	Ctor     int32
	CopyCtor int32
	Dtor     int32
	ToString int32
}

// TypeInfo describes one entry of the Type Segment.
type TypeInfo struct {
	Family       Family
	NameOffset   uint32 // offset into the CStr pool
	InstanceSize int32  // number of member slots for class instances
	Base         int32  // base type id, -1 if none
	VtabOffset   uint32 // offset into the CStr pool where the v-table starts
	VtabLen      int32
	Native       bool
	Methods      MethodInfo
}

// FunctionInfo describes one entry of the Function Segment.
type FunctionInfo struct {
	OwnerType   int32 // -1 for free functions
	CodeAddr    int32 // address in the Code Segment, set by the linker
	CodeSize    int32
	ArgCount    int32
	MemberIndex int32 // v-table slot this function fills, -1 if none
	Name        string
}

// DataKind selects which literal a Data Segment descriptor materialises.
type DataKind byte

const (
	DataInt DataKind = iota
	DataFloat
	DataString
)

// DataDescriptor is a literal awaiting materialisation into a live handle
// on first use. HandleID is 0 until createLiterals (§4.7) patches it.
type DataDescriptor struct {
	Kind        DataKind
	IntValue    int64
	FloatValue  float64
	StringOff   uint32 // offset into the CStr pool
	StringLen   uint32
	HandleID    int32 // 0 == not yet materialised
}

// Image is the full, immutable (save for incremental append) program image
// a host supplies to initVM (§6.2).
type Image struct {
	Code      []uint32 // flat array of instruction words
	Data      []DataDescriptor
	Types     []TypeInfo
	Functions []FunctionInfo
	CStr      []byte // names and v-tables, addressed by offset
}

// NewImage returns an empty, growable image suitable for incremental
// loading or for tests that build a program without a compiler front-end.
func NewImage() *Image {
	return &Image{}
}

// AppendCStr writes s (or a raw v-table slice) to the pool and returns its
// offset.
func (img *Image) AppendCStr(s string) uint32 {
	off := uint32(len(img.CStr))
	img.CStr = append(img.CStr, s...)
	img.CStr = append(img.CStr, 0)
	return off
}

// AppendVtable writes a flat slot->function-id array to the pool and
// returns its offset.
func (img *Image) AppendVtable(slots []int32) uint32 {
	off := uint32(len(img.CStr))
	for _, fid := range slots {
		var b [4]byte
		b[0] = byte(fid)
		b[1] = byte(fid >> 8)
		b[2] = byte(fid >> 16)
		b[3] = byte(fid >> 24)
		img.CStr = append(img.CStr, b[:]...)
	}
	return off
}

// StringAt reads a NUL-terminated string starting at off.
func (img *Image) StringAt(off uint32) string {
	end := off
	for end < uint32(len(img.CStr)) && img.CStr[end] != 0 {
		end++
	}
	return string(img.CStr[off:end])
}

// VtableSlot reads v-table slot i for the class whose Type has VtabOffset
// vtabOff.
func (img *Image) VtableSlot(vtabOff uint32, i int32) (int32, error) {
	base := vtabOff + uint32(i)*4
	if int(base)+4 > len(img.CStr) {
		return 0, fmt.Errorf("v-table slot %d out of range at offset %d", i, vtabOff)
	}
	b := img.CStr[base : base+4]
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24), nil
}

// SetVtableSlot patches v-table slot i, used by the linker when finalising
// a class's v-table (§4.7).
func (img *Image) SetVtableSlot(vtabOff uint32, i int32, fid int32) error {
	base := vtabOff + uint32(i)*4
	if int(base)+4 > len(img.CStr) {
		return fmt.Errorf("v-table slot %d out of range at offset %d", i, vtabOff)
	}
	img.CStr[base] = byte(fid)
	img.CStr[base+1] = byte(fid >> 8)
	img.CStr[base+2] = byte(fid >> 16)
	img.CStr[base+3] = byte(fid >> 24)
	return nil
}

// AppendFunction registers a new function, returning its id.
func (img *Image) AppendFunction(fi FunctionInfo) int32 {
	img.Functions = append(img.Functions, fi)
	return int32(len(img.Functions) - 1)
}

// AppendType registers a new type, returning its id.
func (img *Image) AppendType(ti TypeInfo) int32 {
	img.Types = append(img.Types, ti)
	return int32(len(img.Types) - 1)
}

// AppendData registers a new literal descriptor, returning its data id.
func (img *Image) AppendData(d DataDescriptor) int32 {
	img.Data = append(img.Data, d)
	return int32(len(img.Data) - 1)
}

// AppendCode appends n instruction words and returns the starting address.
func (img *Image) AppendCode(words ...uint32) int32 {
	addr := int32(len(img.Code))
	img.Code = append(img.Code, words...)
	return addr
}

// Encode writes img's four segments to w in the host-neutral wire format a
// `corevm` CLI reads back with Decode. A front-end (out of this module's
// scope) is expected to produce this file; no third-party object-graph
// format is in play here so gob is the plain stdlib choice for a
// process-internal binary encoding with no external consumers.
func (img *Image) Encode(w io.Writer) error {
	return gob.NewEncoder(w).Encode(img)
}

// Decode reads an image previously written by Encode.
func Decode(r io.Reader) (*Image, error) {
	img := &Image{}
	if err := gob.NewDecoder(r).Decode(img); err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// Load reads an image from path.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Save writes img to path, truncating any existing file.
func (img *Image) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return img.Encode(f)
}
