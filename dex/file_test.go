package dex

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexsmali/dex/dextest"
)

// fibonacci builds a small class with a field of each kind, a constructor,
// a virtual method and a native method without code.
func fibonacci(t *testing.T) (*dextest.Builder, []byte) {
	t.Helper()
	b := dextest.New()
	c := b.Class("Lcom/example/Fib;", "Ljava/lang/Object;", uint32(AccPublic)).
		SourceFile("Fib.java").
		Implements("Ljava/lang/Runnable;").
		StaticField("CACHE", "[J", uint32(AccPrivate|AccStatic)).
		InstanceField("n", "I", uint32(AccPrivate))
	super := b.Method("Ljava/lang/Object;", "<init>", "V")
	c.DirectMethod("<init>", "V", nil, uint32(AccPublic|AccConstructor), &dextest.Code{
		Registers: 1, Ins: 1, Outs: 1,
		Insns: []uint16{0x1070, uint16(super), 0x0000, 0x000e},
	})
	c.VirtualMethod("fib", "J", []string{"I"}, uint32(AccPublic), &dextest.Code{
		Registers: 3, Ins: 2,
		Insns: []uint16{0x0016, 0x0001, 0x0010},
	})
	c.VirtualMethod("run", "V", nil, uint32(AccPublic|AccNative), nil)
	return b, b.Bytes()
}

func TestParseSmallFile(t *testing.T) {
	b, img := fibonacci(t)
	f, err := Parse(img)
	require.NoError(t, err)
	require.NoError(t, f.Verify())

	assert.Equal(t, "035", f.Header.Version())
	assert.Equal(t, uint32(len(img)), f.Header.FileSize)

	classes := f.Classes()
	require.Len(t, classes, 1)
	cd := classes[0]
	assert.Equal(t, "Lcom/example/Fib;", cd.Class)
	assert.Equal(t, "Ljava/lang/Object;", cd.Superclass)
	assert.Equal(t, []string{"Ljava/lang/Runnable;"}, cd.Interfaces)
	assert.Equal(t, "Fib.java", cd.SourceFile)
	require.Len(t, cd.StaticFields, 1)
	require.Len(t, cd.InstanceFields, 1)
	require.Len(t, cd.DirectMethods, 1)
	require.Len(t, cd.VirtualMethods, 2)

	field, err := f.Field(cd.StaticFields[0].Field)
	require.NoError(t, err)
	assert.Equal(t, "Lcom/example/Fib;->CACHE:[J", field.String())

	var got []string
	for _, em := range cd.Methods() {
		m, err := f.Method(em.Method)
		require.NoError(t, err)
		got = append(got, m.String())
		assert.Equal(t, FileOffset(b.CodeOffsets[em.Method]), m.CodeOffset, m.String())
	}
	want := []string{
		"Lcom/example/Fib;-><init>()V",
		"Lcom/example/Fib;->fib(I)J",
		"Lcom/example/Fib;->run()V",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("methods mismatch (-want +got):\n%s", diff)
	}

	assert.Len(t, f.CodeItems(), 2)
	fib, err := f.Method(cd.VirtualMethods[0].Method)
	require.NoError(t, err)
	code, ok := f.CodeFor(fib)
	require.True(t, ok)
	assert.Equal(t, uint16(3), code.RegistersSize)
	assert.Equal(t, uint16(2), code.InsSize)
	assert.Equal(t, []byte{0x16, 0x00, 0x01, 0x00, 0x10, 0x00}, code.Insns)

	run, err := f.Method(cd.VirtualMethods[1].Method)
	require.NoError(t, err)
	_, ok = f.CodeFor(run)
	assert.False(t, ok)
	assert.Zero(t, run.CodeOffset)
}

func TestMethodAt(t *testing.T) {
	_, img := fibonacci(t)
	f, err := Parse(img)
	require.NoError(t, err)

	for _, code := range f.CodeItems() {
		first, ok := f.MethodAt(code.InsnsOffset)
		require.True(t, ok)
		last, ok := f.MethodAt(code.End() - 1)
		require.True(t, ok)
		assert.Same(t, first, last)
		assert.Equal(t, code.InsnsOffset, first.CodeOffset)

		_, ok = f.MethodAt(code.End())
		assert.False(t, ok, "offset just past %s", first)
	}
	_, ok := f.MethodAt(0)
	assert.False(t, ok)
}

func TestPoolLookupsAreBoundsChecked(t *testing.T) {
	_, img := fibonacci(t)
	f, err := Parse(img)
	require.NoError(t, err)

	_, err = f.String(uint32(f.NumStrings()))
	assert.Equal(t, ErrIndexOutOfRange, errors.Cause(err))
	_, err = f.Type(NoIndex)
	assert.Equal(t, ErrIndexOutOfRange, errors.Cause(err))
	_, err = f.Proto(uint32(f.NumProtos()))
	assert.Equal(t, ErrIndexOutOfRange, errors.Cause(err))
	_, err = f.Field(uint32(f.NumFields()))
	assert.Equal(t, ErrIndexOutOfRange, errors.Cause(err))
	_, err = f.Method(uint32(f.NumMethods()))
	assert.Equal(t, ErrIndexOutOfRange, errors.Cause(err))
	assert.EqualError(t, err, "method index 4 (pool has 4): index out of range")
}

func TestParseRejectsBadInput(t *testing.T) {
	_, img := fibonacci(t)

	t.Run("short", func(t *testing.T) {
		_, err := Parse(img[:HeaderSize-1])
		assert.Equal(t, ErrTruncated, errors.Cause(err))
	})
	t.Run("magic", func(t *testing.T) {
		bad := append([]byte(nil), img...)
		copy(bad, "dey\n")
		_, err := Parse(bad)
		assert.Equal(t, ErrBadMagic, errors.Cause(err))
	})
	t.Run("version", func(t *testing.T) {
		bad := append([]byte(nil), img...)
		copy(bad[4:7], "034")
		_, err := Parse(bad)
		assert.Equal(t, ErrBadMagic, errors.Cause(err))
	})
	t.Run("reverse endian", func(t *testing.T) {
		bad := append([]byte(nil), img...)
		binary.LittleEndian.PutUint32(bad[40:], reverseEndianConstant)
		_, err := Parse(bad)
		assert.Equal(t, ErrUnsupportedEndian, errors.Cause(err))
	})
	t.Run("file size", func(t *testing.T) {
		_, err := Parse(img[:len(img)-4])
		assert.Equal(t, ErrTruncated, errors.Cause(err))
	})
	t.Run("file size below header", func(t *testing.T) {
		bad := append([]byte(nil), img...)
		binary.LittleEndian.PutUint32(bad[32:], 8)
		var err error
		assert.NotPanics(t, func() { _, err = Parse(bad) })
		assert.Equal(t, ErrTruncated, errors.Cause(err))
	})
	t.Run("string offset", func(t *testing.T) {
		bad := append([]byte(nil), img...)
		h, err := parseHeader(bad)
		require.NoError(t, err)
		binary.LittleEndian.PutUint32(bad[h.StringIdsOff:], uint32(len(bad)+16))
		_, err = Parse(bad)
		assert.Equal(t, ErrTruncated, errors.Cause(err))
		assert.Contains(t, err.Error(), "failed to read strings")
	})
}

func TestAcceptedVersions(t *testing.T) {
	for _, v := range []string{"035", "037", "038", "039", "040", "041"} {
		img := dextest.New().Version(v).Bytes()
		f, err := Parse(img)
		require.NoError(t, err, v)
		assert.Equal(t, v, f.Header.Version())
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	b, img := fibonacci(t)
	fib := b.Method("Lcom/example/Fib;", "fib", "J", "I")
	img[b.CodeOffsets[fib]+2] ^= 0xff
	f, err := Parse(img)
	require.NoError(t, err)
	assert.Equal(t, ErrChecksum, errors.Cause(f.Verify()))

	Resign(img)
	f, err = Parse(img)
	require.NoError(t, err)
	require.NoError(t, f.Verify())

	img[12] ^= 0xff // signature byte, checksum fixed below
	binary.LittleEndian.PutUint32(img[8:], Checksum(img))
	f, err = Parse(img)
	require.NoError(t, err)
	assert.Equal(t, ErrSignature, errors.Cause(f.Verify()))
}

func TestPrettyType(t *testing.T) {
	tests := []struct {
		raw, want string
	}{
		{"Lfrob/blar/blix;", "frob.blar.blix"},
		{"[Ljava/lang/Object;", "java.lang.Object[]"},
		{"[[B", "byte[][]"},
		{"[C", "char[]"},
		{"D", "double"},
		{"Z", "boolean"},
		{"<illegal>", "<illegal>"},
		{"L;", "L;"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PrettyType(tt.raw), tt.raw)
	}
}

func TestMethodPretty(t *testing.T) {
	m := &MethodID{
		Class: "Lcom/example/Fib;",
		Name:  "fib",
		Proto: &Proto{ReturnType: "J", Parameters: []string{"I", "[Ljava/lang/String;"}},
	}
	assert.Equal(t, "long com.example.Fib.fib(int, java.lang.String[])", m.Pretty())
	assert.Equal(t, "Lcom/example/Fib;->fib(I[Ljava/lang/String;)J", m.String())
}

func TestAccessFlagsFormat(t *testing.T) {
	assert.Equal(t, "public static final", (AccPublic | AccStatic | AccFinal).Format(ForMethod))
	assert.Equal(t, "private volatile", (AccPrivate | AccVolatile).Format(ForField))
	assert.Equal(t, "private bridge", (AccPrivate | AccBridge).Format(ForMethod))
	assert.Equal(t, "public interface abstract", (AccPublic | AccInterface | AccAbstract).Format(ForClass))
	assert.Equal(t, "public constructor", (AccPublic | AccConstructor).Format(ForMethod))
	assert.Empty(t, AccessFlags(0).Format(ForClass))
}
