package smali

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// Format is one row of the Dalvik instruction format table,
// https://source.android.com/docs/core/runtime/instruction-formats
//
// Layout is written the way that table writes it: space separated 16-bit
// code units, each split by "|" into fields from the high bits down.
// Uppercase letters are 4-bit nibbles of an operand, "op" is the opcode
// byte, "ØØ" is a zero byte, and "lo"/"hi" mark an operand spanning
// several units, low unit first.
type Format struct {
	ID     string
	Layout string
	Syntax string

	// Parsed from ID.
	Units int
	Regs  int
	Range bool
	Kind  string

	fields []field
}

// field locates one operand inside the instruction units.
type field struct {
	name  byte
	unit  int // first unit
	span  int // number of whole units for lo/hi operands, 0 otherwise
	shift uint
	width uint
}

var formatTable = []*Format{
	{ID: "10x", Layout: "ØØ|op", Syntax: "op"},
	{ID: "12x", Layout: "B|A|op", Syntax: "op vA, vB"},
	{ID: "11n", Layout: "B|A|op", Syntax: "op vA, #+B"},
	{ID: "11x", Layout: "AA|op", Syntax: "op vAA"},
	{ID: "10t", Layout: "AA|op", Syntax: "op +AA"},
	{ID: "20t", Layout: "ØØ|op AAAA", Syntax: "op +AAAA"},
	{ID: "20bc", Layout: "AA|op BBBB", Syntax: "op AA, kind@BBBB"},
	{ID: "22x", Layout: "AA|op BBBB", Syntax: "op vAA, vBBBB"},
	{ID: "21t", Layout: "AA|op BBBB", Syntax: "op vAA, +BBBB"},
	{ID: "21s", Layout: "AA|op BBBB", Syntax: "op vAA, #+BBBB"},
	{ID: "21h", Layout: "AA|op BBBB", Syntax: "op vAA, #+BBBB0000"},
	{ID: "21c", Layout: "AA|op BBBB", Syntax: "op vAA, kind@BBBB"},
	{ID: "23x", Layout: "AA|op CC|BB", Syntax: "op vAA, vBB, vCC"},
	{ID: "22b", Layout: "AA|op CC|BB", Syntax: "op vAA, vBB, #+CC"},
	{ID: "22t", Layout: "B|A|op CCCC", Syntax: "op vA, vB, +CCCC"},
	{ID: "22s", Layout: "B|A|op CCCC", Syntax: "op vA, vB, #+CCCC"},
	{ID: "22c", Layout: "B|A|op CCCC", Syntax: "op vA, vB, kind@CCCC"},
	{ID: "22cs", Layout: "B|A|op CCCC", Syntax: "op vA, vB, fieldoff@CCCC"},
	{ID: "30t", Layout: "ØØ|op AAAAlo AAAAhi", Syntax: "op +AAAAAAAA"},
	{ID: "32x", Layout: "ØØ|op AAAA BBBB", Syntax: "op vAAAA, vBBBB"},
	{ID: "31i", Layout: "AA|op BBBBlo BBBBhi", Syntax: "op vAA, #+BBBBBBBB"},
	{ID: "31t", Layout: "AA|op BBBBlo BBBBhi", Syntax: "op vAA, +BBBBBBBB"},
	{ID: "31c", Layout: "AA|op BBBBlo BBBBhi", Syntax: "op vAA, string@BBBBBBBB"},
	{ID: "35c", Layout: "A|G|op BBBB F|E|D|C", Syntax: "[A=5] op {vC, vD, vE, vF, vG}, kind@BBBB"},
	{ID: "35ms", Layout: "A|G|op BBBB F|E|D|C", Syntax: "[A=5] op {vC, vD, vE, vF, vG}, vtaboff@BBBB"},
	{ID: "35mi", Layout: "A|G|op BBBB F|E|D|C", Syntax: "[A=5] op {vC, vD, vE, vF, vG}, inline@BBBB"},
	{ID: "3rc", Layout: "AA|op BBBB CCCC", Syntax: "op {vCCCC .. vNNNN}, kind@BBBB"},
	{ID: "3rms", Layout: "AA|op BBBB CCCC", Syntax: "op {vCCCC .. vNNNN}, vtaboff@BBBB"},
	{ID: "3rmi", Layout: "AA|op BBBB CCCC", Syntax: "op {vCCCC .. vNNNN}, inline@BBBB"},
	{ID: "45cc", Layout: "A|G|op BBBB F|E|D|C HHHH", Syntax: "[A=5] op {vC, vD, vE, vF, vG}, meth@BBBB, proto@HHHH"},
	{ID: "4rcc", Layout: "AA|op BBBB CCCC HHHH", Syntax: "op {vCCCC .. vNNNN}, meth@BBBB, proto@HHHH"},
	{ID: "51l", Layout: "AA|op BBBBlo BBBB BBBB BBBBhi", Syntax: "op vAA, #+BBBBBBBBBBBBBBBB"},
}

var formats = compileFormats(formatTable)

func compileFormats(table []*Format) map[string]*Format {
	formats := make(map[string]*Format, len(table))
	for _, f := range table {
		f.Units = int(f.ID[0] - '0')
		if f.ID[1] == 'r' {
			f.Range = true
			f.Regs = -1
		} else {
			f.Regs = int(f.ID[1] - '0')
		}
		f.Kind = f.ID[2:]
		fields, units, err := compileLayout(f.Layout)
		if err != nil {
			panic(errors.Wrapf(err, "format %s", f.ID))
		}
		if units != f.Units {
			panic(errors.Errorf("format %s: layout has %d units, id says %d", f.ID, units, f.Units))
		}
		f.fields = fields
		formats[f.ID] = f
	}
	return formats
}

// LookupFormat returns the format with the given id, e.g. "35c".
func LookupFormat(id string) (*Format, bool) {
	f, ok := formats[id]
	return f, ok
}

// Variadic reports whether the register list length is given by A.
func (f *Format) Variadic() bool {
	return strings.HasPrefix(f.Syntax, "[A=")
}

func isOperand(chunk string) bool {
	if chunk == "" {
		return false
	}
	for i := 0; i < len(chunk); i++ {
		if chunk[i] != chunk[0] || chunk[i] < 'A' || chunk[i] > 'Z' {
			return false
		}
	}
	return true
}

func compileLayout(layout string) ([]field, int, error) {
	var fields []field
	var span *field
	units := strings.Split(layout, " ")
	for u, unit := range units {
		if span != nil {
			span.span++
			switch {
			case unit == strings.Repeat(string(span.name), 4)+"hi":
				fields = append(fields, *span)
				span = nil
			case unit == strings.Repeat(string(span.name), 4):
			default:
				return nil, 0, errors.Errorf("unit %q inside %c lo/hi span", unit, span.name)
			}
			continue
		}
		bit := uint(16)
		for _, chunk := range strings.Split(unit, "|") {
			switch {
			case chunk == "op" || chunk == "ØØ":
				if bit < 8 {
					return nil, 0, errors.Errorf("unit %q overflows", unit)
				}
				bit -= 8
			case strings.HasSuffix(chunk, "lo") && isOperand(strings.TrimSuffix(chunk, "lo")):
				if bit != 16 || len(chunk) != 6 {
					return nil, 0, errors.Errorf("lo chunk %q must fill its unit", chunk)
				}
				span = &field{name: chunk[0], unit: u, span: 1}
				bit = 0
			case isOperand(chunk):
				w := uint(len(chunk)) * 4
				if w > bit {
					return nil, 0, errors.Errorf("unit %q overflows", unit)
				}
				bit -= w
				fields = append(fields, field{name: chunk[0], unit: u, shift: bit, width: w})
			default:
				return nil, 0, errors.Errorf("failed reading format %q", chunk)
			}
		}
		if bit != 0 {
			return nil, 0, errors.Errorf("unit %q has %d unused bits", unit, bit)
		}
	}
	if span != nil {
		return nil, 0, errors.Errorf("unterminated %c lo/hi span", span.name)
	}
	return fields, len(units), nil
}

// Args maps operand letters to their raw unsigned values.
type Args map[byte]uint64

func extract(data []byte, fields []field) Args {
	unit := func(i int) uint64 {
		return uint64(binary.LittleEndian.Uint16(data[2*i:]))
	}
	args := make(Args, len(fields)+1)
	for _, f := range fields {
		if f.span > 0 {
			var v uint64
			for i := 0; i < f.span; i++ {
				v |= unit(f.unit+i) << (16 * i)
			}
			args[f.name] = v
			continue
		}
		args[f.name] = (unit(f.unit) >> f.shift) & (1<<f.width - 1)
	}
	return args
}

// Decode pulls operand values out of the little-endian instruction bytes
// in data according to layout, e.g. Decode(b, "B|A|op").
func Decode(data []byte, layout string) (Args, error) {
	fields, units, err := compileLayout(layout)
	if err != nil {
		return nil, err
	}
	if len(data) < 2*units {
		return nil, errors.Wrapf(ErrShortInstruction, "layout %q needs %d bytes, have %d", layout, 2*units, len(data))
	}
	return extract(data, fields), nil
}

// Sign reinterprets the low 4*nibbles bits of val as two's complement.
func Sign(val uint64, nibbles int) int64 {
	if nibbles <= 0 || nibbles >= 16 {
		return int64(val)
	}
	shift := uint(64 - 4*nibbles)
	return int64(val<<shift) >> shift
}
