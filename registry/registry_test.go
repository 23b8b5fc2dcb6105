package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wudi/corevm/segment"
)

func buildImage() *segment.Image {
	img := segment.NewImage()

	baseName := img.AppendCStr("Base")
	img.AppendType(segment.TypeInfo{Family: segment.FamilyClass, NameOffset: baseName, Base: -1})

	ifaceName := img.AppendCStr("Greeter")
	img.AppendType(segment.TypeInfo{Family: segment.FamilyInterface, NameOffset: ifaceName, Base: -1})

	derivedName := img.AppendCStr("Derived")
	img.AppendType(segment.TypeInfo{Family: segment.FamilyClass, NameOffset: derivedName, Base: 0})

	img.AppendFunction(segment.FunctionInfo{OwnerType: -1, Name: "main", ArgCount: 0})
	img.AppendFunction(segment.FunctionInfo{OwnerType: 2, Name: "greet", ArgCount: 1})
	return img
}

func TestTypeAndFunctionLookupByName(t *testing.T) {
	r := New(buildImage())

	id, ok := r.TypeByName("derived")
	require.True(t, ok)
	require.EqualValues(t, 2, id)

	fid, ok := r.FunctionByName("MAIN")
	require.True(t, ok)
	require.EqualValues(t, 0, fid)
}

func TestIsSubtypeWalksBaseChain(t *testing.T) {
	r := New(buildImage())
	require.True(t, r.IsSubtype(2, 0))
	require.True(t, r.IsSubtype(0, 0))
	require.False(t, r.IsSubtype(0, 2))
	require.False(t, r.IsSubtype(2, 1))
}

func TestTypesImplementingScansClassFamily(t *testing.T) {
	r := New(buildImage())
	types := r.TypesImplementing(0)
	require.Contains(t, types, int32(0))
	require.Contains(t, types, int32(2))
	require.NotContains(t, types, int32(1)) // the interface itself isn't FamilyClass
}

func TestSignatureFormatsOwnerAndArgCount(t *testing.T) {
	r := New(buildImage())
	require.Equal(t, "main(0 args)", r.Signature(0))
	require.Equal(t, "Derived::greet(1 args)", r.Signature(1))
}

func TestReindexPicksUpAppendedEntries(t *testing.T) {
	img := buildImage()
	r := New(img)
	_, ok := r.TypeByName("extra")
	require.False(t, ok)

	name := img.AppendCStr("Extra")
	img.AppendType(segment.TypeInfo{Family: segment.FamilyClass, NameOffset: name, Base: -1})
	r.Reindex()

	id, ok := r.TypeByName("extra")
	require.True(t, ok)
	require.EqualValues(t, 3, id)
}
