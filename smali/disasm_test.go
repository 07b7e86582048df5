package smali

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dexsmali/dex"
	"dexsmali/dex/dextest"
)

type fixture struct {
	file   *dex.File
	str    uint32
	typ    uint32
	field  uint32
	super  uint32
	fib    uint32
	proto  uint32
	fibOff dex.FileOffset
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := dextest.New()
	fx := &fixture{
		str:   b.String("héllo\n"),
		typ:   b.Type("Ljava/lang/StringBuilder;"),
		field: b.Field("Lcom/example/Fib;", "name", "Ljava/lang/String;"),
		super: b.Method("Ljava/lang/Object;", "<init>", "V"),
		proto: b.Proto("J", "I"),
	}
	c := b.Class("Lcom/example/Fib;", "Ljava/lang/Object;", uint32(dex.AccPublic))
	fx.fib = c.VirtualMethod("fib", "J", []string{"I"}, uint32(dex.AccPublic), &dextest.Code{
		Registers: 3, Ins: 2,
		Insns: []uint16{0x0016, 0x0001, 0x0010},
	})
	f, err := dex.Parse(b.Bytes())
	require.NoError(t, err)
	fx.file = f
	fx.fibOff = dex.FileOffset(b.CodeOffsets[fx.fib])
	return fx
}

func TestDisassemble(t *testing.T) {
	fx := newFixture(t)
	d := NewDisassembler(fx.file, zap.NewNop())
	const addr = dex.FileOffset(0x100)

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"nop", units(0x0000), "nop"},
		{"12x", units(0x2101), "move v1, v2"},
		{"32x", units(0x0003, 0x0100, 0x0200), "move/16 v256, v512"},
		{"11n negative", units(0xf012), "const/4 v0, -0x1"},
		{"21s", units(0x0313, 0x7fff), "const/16 v3, 0x7fff"},
		{"21h", units(0x0015, 0x4120), "const/high16 v0, 0x41200000"},
		{"21h wide", units(0x0019, 0x8000), "const-wide/high16 v0, -0x8000000000000000"},
		{"51l", units(0x0118, 0x0008, 0, 0, 0), "const-wide v1, 0x8"},
		{"22b", units(0x02d8, 0xff01), "add-int/lit8 v2, v1, -0x1"},
		{"10t backwards", units(0xfe28), "goto -2"},
		{"21t forwards", units(0x0038, 0x0005), "if-eqz v0, +5"},
		{"string", units(0x001a, uint16(fx.str)), `const-string v0, "h\u00e9llo\n"`},
		{"type", units(0x0122, uint16(fx.typ)), "new-instance v1, Ljava/lang/StringBuilder;"},
		{"field", units(0x2154, uint16(fx.field)), "iget-object v1, v2, Lcom/example/Fib;->name:Ljava/lang/String;"},
		{"35c one", units(0x1070, uint16(fx.super), 0x0000), "invoke-direct {v0}, Ljava/lang/Object;-><init>()V"},
		{"35c five", units(0x546e, uint16(fx.fib), 0x3210), "invoke-virtual {v0, v1, v2, v3, v4}, Lcom/example/Fib;->fib(I)J"},
		{"35c empty", units(0x0071, uint16(fx.super), 0x0000), "invoke-static {}, Ljava/lang/Object;-><init>()V"},
		{"3rc", units(0x0374, uint16(fx.fib), 0x0002), "invoke-virtual/range {v2 .. v4}, Lcom/example/Fib;->fib(I)J"},
		{"3rc empty", units(0x0077, uint16(fx.super), 0x0000), "invoke-static/range {}, Ljava/lang/Object;-><init>()V"},
		{"45cc", units(0x20fa, uint16(fx.fib), 0x0010, uint16(fx.proto)),
			"invoke-polymorphic {v0, v1}, Lcom/example/Fib;->fib(I)J, (I)J"},
		{"proto", units(0x00ff, uint16(fx.proto)), "const-method-type v0, (I)J"},
		{"call site", units(0x00fc, 0x0001, 0x0000), "invoke-custom {}, call_site@1"},
		{"method handle", units(0x02fe, 0x0010), "const-method-handle v2, method_handle@10"},
		{"unused", units(0x00e3), "unused-e3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, n, err := d.Disassemble(tt.data, addr)
			require.NoError(t, err)
			assert.Equal(t, len(tt.data), n)
			assert.Equal(t, tt.want, Join(tokens))
		})
	}
}

func TestDisassembleTokens(t *testing.T) {
	fx := newFixture(t)
	d := NewDisassembler(fx.file, nil)

	tokens, _, err := d.Disassemble(units(0x2101), 0)
	require.NoError(t, err)
	want := []Token{
		{Type: Instruction, Text: "move"},
		{Type: Text, Text: " "},
		{Type: Register, Text: "v1"},
		{Type: OperandSeparator, Text: ","},
		{Type: Text, Text: " "},
		{Type: Register, Text: "v2"},
	}
	if diff := cmp.Diff(want, tokens); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}

	// Branch targets carry the absolute offset.
	tokens, _, err = d.Disassemble(units(0xfe28), 0x100)
	require.NoError(t, err)
	require.Len(t, tokens, 3)
	assert.Equal(t, Token{Type: PossibleAddress, Text: "-2", Value: 0xfc}, tokens[2])

	tokens, _, err = d.Disassemble(units(0x0038, 0x0005), 0x100)
	require.NoError(t, err)
	assert.Equal(t, Token{Type: PossibleAddress, Text: "5", Value: 0x10a}, tokens[len(tokens)-1])
	assert.Equal(t, Token{Type: Text, Text: "+"}, tokens[len(tokens)-2])

	// Method names link to their code when the file has it.
	tokens, _, err = d.Disassemble(units(0x1070, uint16(fx.fib), 0x0000), 0)
	require.NoError(t, err)
	var linked []Token
	for _, tok := range tokens {
		if tok.Type == PossibleAddress {
			linked = append(linked, tok)
		}
	}
	assert.Equal(t, []Token{{Type: PossibleAddress, Text: "fib", Value: uint64(fx.fibOff)}}, linked)

	tokens, _, err = d.Disassemble(units(0x1070, uint16(fx.super), 0x0000), 0)
	require.NoError(t, err)
	for _, tok := range tokens {
		assert.NotEqual(t, PossibleAddress, tok.Type, "Object.<init> has no code here")
	}

	tokens, _, err = d.Disassemble(units(0x0012), 0)
	require.NoError(t, err)
	assert.Equal(t, Token{Type: Integer, Text: "0x0"}, tokens[len(tokens)-1])
}

func TestDisassembleErrors(t *testing.T) {
	fx := newFixture(t)
	d := NewDisassembler(fx.file, zap.NewNop())

	tokens, n, err := d.Disassemble([]byte{0x01}, 0)
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, tokens)

	_, n, err = d.Disassemble(units(0x0013), 0)
	assert.Equal(t, ErrShortInstruction, errors.Cause(err))
	assert.Equal(t, 4, n, "declared length of const/16")

	_, n, err = d.Disassemble(units(0x606e, 0, 0), 0x20)
	assert.Equal(t, ErrBadInstruction, errors.Cause(err))
	assert.Equal(t, 6, n)
	assert.Contains(t, err.Error(), "invoke-virtual at 0x20")

	_, _, err = d.Disassemble(units(0x001a, 999), 0)
	assert.Equal(t, dex.ErrIndexOutOfRange, errors.Cause(err))

	_, _, err = d.Disassemble(units(0x0100, 0x0004, 0x0000), 0)
	assert.Equal(t, ErrShortInstruction, errors.Cause(err))

	_, _, err = d.Disassemble(units(0x0700, 0x0000), 0)
	assert.Equal(t, ErrBadInstruction, errors.Cause(err))
}

// Every opcode renders when its operands all point at index 0.
func TestDisassembleEveryOpcode(t *testing.T) {
	b := dextest.New()
	b.String("s")
	b.Type("LT;")
	b.Field("LT;", "f", "I")
	b.Method("LT;", "m", "V")
	f, err := dex.Parse(b.Bytes())
	require.NoError(t, err)
	d := NewDisassembler(f, zap.NewNop())

	for i := 0; i < 256; i++ {
		op := Lookup(byte(i))
		data := make([]byte, 10)
		data[0] = byte(i)
		tokens, n, err := d.Disassemble(data, 0)
		require.NoError(t, err, op.Mnemonic)
		assert.Equal(t, 2*op.Format.Units, n, op.Mnemonic)
		assert.Equal(t, op.Mnemonic, tokens[0].Text)
	}
}

func TestDisassemblePayload(t *testing.T) {
	d := NewDisassembler(nil, zap.NewNop())
	data := units(0x0100, 0x0002, 0x000a, 0x0000, 0x0005, 0x0000, 0xfffe, 0xffff)
	tokens, n, err := d.Disassemble(data, 0x40)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	require.Len(t, tokens, 1)
	assert.Equal(t, Instruction, tokens[0].Type)
	assert.Equal(t, ".packed-switch 0xa\n"+
		"        :pswitch_offset_5\n"+
		"        :pswitch_offset_-2\n"+
		"    .end packed-switch", tokens[0].Text)
}

func TestListing(t *testing.T) {
	b := dextest.New()
	c := b.Class("Lcom/example/Switch;", "Ljava/lang/Object;", uint32(dex.AccPublic))
	m := c.DirectMethod("pick", "I", []string{"I"}, uint32(dex.AccStatic), &dextest.Code{
		Registers: 1, Ins: 1,
		Insns: []uint16{
			// packed-switch v0, +7
			0x002b, 0x0007, 0x0000,
			// return v0
			0x000f,
			// invoke-virtual claiming six registers
			0x606e, 0x0000, 0x0000,
			// packed-switch payload with one target
			0x0100, 0x0001, 0x0000, 0x0000, 0xfffd, 0xffff,
			// return-void
			0x000e,
		},
	})
	f, err := dex.Parse(b.Bytes())
	require.NoError(t, err)
	mid, err := f.Method(m)
	require.NoError(t, err)
	code, ok := f.CodeFor(mid)
	require.True(t, ok)

	d := NewDisassembler(f, zap.NewNop())
	lines := d.Listing(code)
	require.Len(t, lines, 5)

	base := code.InsnsOffset
	type row struct {
		Off  dex.FileOffset
		Len  int
		Text string
		Err  bool
	}
	var got []row
	for _, l := range lines {
		got = append(got, row{l.Addr - base, l.Len, Join(l.Tokens), l.Err != nil})
	}
	want := []row{
		{0, 6, "packed-switch v0, +7", false},
		{6, 2, "return v0", false},
		{8, 6, "", true},
		{14, 12, ".packed-switch 0x0\n        :pswitch_offset_-3\n    .end packed-switch", false},
		{26, 2, "return-void", false},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("listing mismatch (-want +got):\n%s", diff)
	}
}
