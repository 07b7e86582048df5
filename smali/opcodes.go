package smali

import (
	"fmt"
	"regexp"
)

// Opcode is one row of the Dalvik bytecode table,
// https://source.android.com/docs/core/runtime/dalvik-bytecode
type Opcode struct {
	Op       byte
	Mnemonic string
	Format   *Format
	// Syntax lists the operands, e.g. "vA, vB" or "vAA, field@BBBB".
	Syntax string
	// Kind is the constant pool an index operand refers to: "field",
	// "meth", "string", "type", "proto", "call_site" or "method_handle".
	Kind string
}

var kindPattern = regexp.MustCompile(`([a-z_]+)@`)

type table [256]Opcode

var opcodes = buildOpcodes()

func (t *table) def(op byte, format, syntax string, mnemonics ...string) {
	f, ok := formats[format]
	if !ok {
		panic("unknown format " + format)
	}
	kind := ""
	if m := kindPattern.FindStringSubmatch(syntax); m != nil {
		kind = m[1]
	}
	for i, name := range mnemonics {
		t[int(op)+i] = Opcode{
			Op:       op + byte(i),
			Mnemonic: name,
			Format:   f,
			Syntax:   syntax,
			Kind:     kind,
		}
	}
}

func (t *table) unused(from, to int) {
	for op := from; op <= to; op++ {
		t.def(byte(op), "10x", "", fmt.Sprintf("unused-%02x", op))
	}
}

func (t *table) binops(op byte, format, syntax, suffix string, types ...string) {
	ops := map[string][]string{
		"int":    {"add", "sub", "mul", "div", "rem", "and", "or", "xor", "shl", "shr", "ushr"},
		"long":   {"add", "sub", "mul", "div", "rem", "and", "or", "xor", "shl", "shr", "ushr"},
		"float":  {"add", "sub", "mul", "div", "rem"},
		"double": {"add", "sub", "mul", "div", "rem"},
	}
	for _, typ := range types {
		for _, name := range ops[typ] {
			t.def(op, format, syntax, name+"-"+typ+suffix)
			op++
		}
	}
}

func buildOpcodes() *table {
	t := new(table)
	t.def(0x00, "10x", "", "nop")
	t.def(0x01, "12x", "vA, vB", "move")
	t.def(0x02, "22x", "vAA, vBBBB", "move/from16")
	t.def(0x03, "32x", "vAAAA, vBBBB", "move/16")
	t.def(0x04, "12x", "vA, vB", "move-wide")
	t.def(0x05, "22x", "vAA, vBBBB", "move-wide/from16")
	t.def(0x06, "32x", "vAAAA, vBBBB", "move-wide/16")
	t.def(0x07, "12x", "vA, vB", "move-object")
	t.def(0x08, "22x", "vAA, vBBBB", "move-object/from16")
	t.def(0x09, "32x", "vAAAA, vBBBB", "move-object/16")
	t.def(0x0a, "11x", "vAA", "move-result", "move-result-wide", "move-result-object", "move-exception")
	t.def(0x0e, "10x", "", "return-void")
	t.def(0x0f, "11x", "vAA", "return", "return-wide", "return-object")
	t.def(0x12, "11n", "vA, #+B", "const/4")
	t.def(0x13, "21s", "vAA, #+BBBB", "const/16")
	t.def(0x14, "31i", "vAA, #+BBBBBBBB", "const")
	t.def(0x15, "21h", "vAA, #+BBBB0000", "const/high16")
	t.def(0x16, "21s", "vAA, #+BBBB", "const-wide/16")
	t.def(0x17, "31i", "vAA, #+BBBBBBBB", "const-wide/32")
	t.def(0x18, "51l", "vAA, #+BBBBBBBBBBBBBBBB", "const-wide")
	t.def(0x19, "21h", "vAA, #+BBBB000000000000", "const-wide/high16")
	t.def(0x1a, "21c", "vAA, string@BBBB", "const-string")
	t.def(0x1b, "31c", "vAA, string@BBBBBBBB", "const-string/jumbo")
	t.def(0x1c, "21c", "vAA, type@BBBB", "const-class")
	t.def(0x1d, "11x", "vAA", "monitor-enter", "monitor-exit")
	t.def(0x1f, "21c", "vAA, type@BBBB", "check-cast")
	t.def(0x20, "22c", "vA, vB, type@CCCC", "instance-of")
	t.def(0x21, "12x", "vA, vB", "array-length")
	t.def(0x22, "21c", "vAA, type@BBBB", "new-instance")
	t.def(0x23, "22c", "vA, vB, type@CCCC", "new-array")
	t.def(0x24, "35c", "{vC, vD, vE, vF, vG}, type@BBBB", "filled-new-array")
	t.def(0x25, "3rc", "{vCCCC .. vNNNN}, type@BBBB", "filled-new-array/range")
	t.def(0x26, "31t", "vAA, +BBBBBBBB", "fill-array-data")
	t.def(0x27, "11x", "vAA", "throw")
	t.def(0x28, "10t", "+AA", "goto")
	t.def(0x29, "20t", "+AAAA", "goto/16")
	t.def(0x2a, "30t", "+AAAAAAAA", "goto/32")
	t.def(0x2b, "31t", "vAA, +BBBBBBBB", "packed-switch", "sparse-switch")
	t.def(0x2d, "23x", "vAA, vBB, vCC", "cmpl-float", "cmpg-float", "cmpl-double", "cmpg-double", "cmp-long")
	t.def(0x32, "22t", "vA, vB, +CCCC", "if-eq", "if-ne", "if-lt", "if-ge", "if-gt", "if-le")
	t.def(0x38, "21t", "vAA, +BBBB", "if-eqz", "if-nez", "if-ltz", "if-gez", "if-gtz", "if-lez")
	t.unused(0x3e, 0x43)
	t.def(0x44, "23x", "vAA, vBB, vCC",
		"aget", "aget-wide", "aget-object", "aget-boolean", "aget-byte", "aget-char", "aget-short",
		"aput", "aput-wide", "aput-object", "aput-boolean", "aput-byte", "aput-char", "aput-short")
	t.def(0x52, "22c", "vA, vB, field@CCCC",
		"iget", "iget-wide", "iget-object", "iget-boolean", "iget-byte", "iget-char", "iget-short",
		"iput", "iput-wide", "iput-object", "iput-boolean", "iput-byte", "iput-char", "iput-short")
	t.def(0x60, "21c", "vAA, field@BBBB",
		"sget", "sget-wide", "sget-object", "sget-boolean", "sget-byte", "sget-char", "sget-short",
		"sput", "sput-wide", "sput-object", "sput-boolean", "sput-byte", "sput-char", "sput-short")
	t.def(0x6e, "35c", "{vC, vD, vE, vF, vG}, meth@BBBB",
		"invoke-virtual", "invoke-super", "invoke-direct", "invoke-static", "invoke-interface")
	t.unused(0x73, 0x73)
	t.def(0x74, "3rc", "{vCCCC .. vNNNN}, meth@BBBB",
		"invoke-virtual/range", "invoke-super/range", "invoke-direct/range", "invoke-static/range", "invoke-interface/range")
	t.unused(0x79, 0x7a)
	t.def(0x7b, "12x", "vA, vB",
		"neg-int", "not-int", "neg-long", "not-long", "neg-float", "neg-double",
		"int-to-long", "int-to-float", "int-to-double",
		"long-to-int", "long-to-float", "long-to-double",
		"float-to-int", "float-to-long", "float-to-double",
		"double-to-int", "double-to-long", "double-to-float",
		"int-to-byte", "int-to-char", "int-to-short")
	t.binops(0x90, "23x", "vAA, vBB, vCC", "", "int", "long", "float", "double")
	t.binops(0xb0, "12x", "vA, vB", "/2addr", "int", "long", "float", "double")
	t.def(0xd0, "22s", "vA, vB, #+CCCC",
		"add-int/lit16", "rsub-int", "mul-int/lit16", "div-int/lit16",
		"rem-int/lit16", "and-int/lit16", "or-int/lit16", "xor-int/lit16")
	t.def(0xd8, "22b", "vAA, vBB, #+CC",
		"add-int/lit8", "rsub-int/lit8", "mul-int/lit8", "div-int/lit8", "rem-int/lit8", "and-int/lit8",
		"or-int/lit8", "xor-int/lit8", "shl-int/lit8", "shr-int/lit8", "ushr-int/lit8")
	t.unused(0xe3, 0xf9)
	t.def(0xfa, "45cc", "{vC, vD, vE, vF, vG}, meth@BBBB, proto@HHHH", "invoke-polymorphic")
	t.def(0xfb, "4rcc", "{vCCCC .. vNNNN}, meth@BBBB, proto@HHHH", "invoke-polymorphic/range")
	t.def(0xfc, "35c", "{vC, vD, vE, vF, vG}, call_site@BBBB", "invoke-custom")
	t.def(0xfd, "3rc", "{vCCCC .. vNNNN}, call_site@BBBB", "invoke-custom/range")
	t.def(0xfe, "21c", "vAA, method_handle@BBBB", "const-method-handle")
	t.def(0xff, "21c", "vAA, proto@BBBB", "const-method-type")
	return t
}

// Lookup returns the table row for an opcode byte.
func Lookup(op byte) Opcode {
	return opcodes[op]
}
