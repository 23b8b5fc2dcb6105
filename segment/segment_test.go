package segment

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendCStrReturnsOffsetAndStringAtRoundTrips(t *testing.T) {
	img := NewImage()
	off1 := img.AppendCStr("foo")
	off2 := img.AppendCStr("barbaz")
	require.EqualValues(t, 0, off1)
	require.EqualValues(t, 4, off2) // "foo" + its NUL terminator
	require.Equal(t, "foo", img.StringAt(off1))
	require.Equal(t, "barbaz", img.StringAt(off2))
}

func TestVtableSlotReadsBackWhatAppendVtableWrote(t *testing.T) {
	img := NewImage()
	off := img.AppendVtable([]int32{10, -1, 42})
	for i, want := range []int32{10, -1, 42} {
		got, err := img.VtableSlot(off, int32(i))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestVtableSlotOutOfRangeIsAnError(t *testing.T) {
	img := NewImage()
	off := img.AppendVtable([]int32{1})
	_, err := img.VtableSlot(off, 5)
	require.Error(t, err)
}

func TestSetVtableSlotPatchesAnExistingSlot(t *testing.T) {
	img := NewImage()
	off := img.AppendVtable([]int32{0, 0})
	require.NoError(t, img.SetVtableSlot(off, 1, 99))
	got, err := img.VtableSlot(off, 1)
	require.NoError(t, err)
	require.EqualValues(t, 99, got)
}

func TestAppendFunctionAppendTypeAppendDataReturnSequentialIDs(t *testing.T) {
	img := NewImage()
	f0 := img.AppendFunction(FunctionInfo{Name: "f0"})
	f1 := img.AppendFunction(FunctionInfo{Name: "f1"})
	require.EqualValues(t, 0, f0)
	require.EqualValues(t, 1, f1)

	ty0 := img.AppendType(TypeInfo{Family: FamilyClass})
	require.EqualValues(t, 0, ty0)

	d0 := img.AppendData(DataDescriptor{Kind: DataInt, IntValue: 7})
	d1 := img.AppendData(DataDescriptor{Kind: DataInt, IntValue: 8})
	require.EqualValues(t, 0, d0)
	require.EqualValues(t, 1, d1)
}

func TestAppendCodeReturnsTheStartingAddress(t *testing.T) {
	img := NewImage()
	a0 := img.AppendCode(1, 2, 3)
	a1 := img.AppendCode(4, 5)
	require.EqualValues(t, 0, a0)
	require.EqualValues(t, 3, a1)
	require.Equal(t, []uint32{1, 2, 3, 4, 5}, img.Code)
}

func TestEncodeDecodeRoundTripsEverySegment(t *testing.T) {
	img := NewImage()
	img.AppendCStr("main")
	img.AppendType(TypeInfo{Family: FamilyClass, InstanceSize: 2, Base: -1})
	img.AppendFunction(FunctionInfo{Name: "main", CodeAddr: 0, CodeSize: 1, ArgCount: 0, MemberIndex: -1})
	img.AppendData(DataDescriptor{Kind: DataString, StringOff: 0, StringLen: 4})
	img.AppendCode(0xDEADBEEF)

	var buf bytes.Buffer
	require.NoError(t, img.Encode(&buf))

	decoded, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, img.Code, decoded.Code)
	require.Equal(t, img.Data, decoded.Data)
	require.Equal(t, img.Types, decoded.Types)
	require.Equal(t, img.Functions, decoded.Functions)
	require.Equal(t, img.CStr, decoded.CStr)
}

func TestSaveAndLoadRoundTripThroughAFile(t *testing.T) {
	img := NewImage()
	img.AppendCode(1, 2, 3)
	img.AppendType(TypeInfo{Family: FamilyIntegral})

	path := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, img.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, img.Code, loaded.Code)
	require.Equal(t, img.Types, loaded.Types)
}

func TestLoadMissingFileReturnsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.bin"))
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}
