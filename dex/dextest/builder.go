// Package dextest builds small, valid DEX images for unit tests of the dex
// and smali packages, so tests do not depend on binary fixtures.
//
// Pool indices are handed out in first-use order. The images are not
// sorted the way d8 sorts them; the readers under test do not rely on it.
package dextest

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"hash/adler32"
	"strings"
	"unicode/utf16"
)

const noIndex = 0xffffffff

// Code describes a method body. Insns are 16-bit code units.
type Code struct {
	Registers uint16
	Ins       uint16
	Outs      uint16
	Insns     []uint16
}

type proto struct {
	shorty, ret uint32
	params      []uint32
}

type memberID struct {
	class, typ uint16 // typ is the proto index for methods
	name       uint32
}

type encodedMember struct {
	idx    uint32
	access uint32
	code   *Code
}

// Class accumulates one class_def_item and its class data.
type Class struct {
	b          *Builder
	typ        uint32
	access     uint32
	super      uint32
	source     uint32
	interfaces []uint32

	staticFields, instanceFields  []encodedMember
	directMethods, virtualMethods []encodedMember
}

type Builder struct {
	version string

	strings  []string
	stringIx map[string]uint32
	types    []uint32
	typeIx   map[string]uint32
	protos   []proto
	protoIx  map[string]uint32
	fields   []memberID
	fieldIx  map[string]uint32
	methods  []memberID
	methodIx map[string]uint32
	classes  []*Class

	// CodeOffsets maps method index to the offset of its first instruction
	// in the last image produced by Bytes.
	CodeOffsets map[uint32]uint32
}

func New() *Builder {
	return &Builder{
		version:     "035",
		stringIx:    make(map[string]uint32),
		typeIx:      make(map[string]uint32),
		protoIx:     make(map[string]uint32),
		fieldIx:     make(map[string]uint32),
		methodIx:    make(map[string]uint32),
		CodeOffsets: make(map[uint32]uint32),
	}
}

// Version sets the three digit magic version, "035" by default.
func (b *Builder) Version(v string) *Builder {
	b.version = v
	return b
}

func (b *Builder) String(s string) uint32 {
	if i, ok := b.stringIx[s]; ok {
		return i
	}
	i := uint32(len(b.strings))
	b.strings = append(b.strings, s)
	b.stringIx[s] = i
	return i
}

func (b *Builder) Type(desc string) uint32 {
	if i, ok := b.typeIx[desc]; ok {
		return i
	}
	i := uint32(len(b.types))
	b.types = append(b.types, b.String(desc))
	b.typeIx[desc] = i
	return i
}

func shortyChar(desc string) byte {
	if desc[0] == '[' {
		return 'L'
	}
	return desc[0]
}

func (b *Builder) Proto(ret string, params ...string) uint32 {
	key := "(" + strings.Join(params, "") + ")" + ret
	if i, ok := b.protoIx[key]; ok {
		return i
	}
	shorty := []byte{shortyChar(ret)}
	p := proto{ret: b.Type(ret)}
	for _, param := range params {
		shorty = append(shorty, shortyChar(param))
		p.params = append(p.params, b.Type(param))
	}
	p.shorty = b.String(string(shorty))
	i := uint32(len(b.protos))
	b.protos = append(b.protos, p)
	b.protoIx[key] = i
	return i
}

func (b *Builder) Field(class, name, typ string) uint32 {
	key := class + "->" + name + ":" + typ
	if i, ok := b.fieldIx[key]; ok {
		return i
	}
	id := memberID{class: uint16(b.Type(class)), typ: uint16(b.Type(typ)), name: b.String(name)}
	i := uint32(len(b.fields))
	b.fields = append(b.fields, id)
	b.fieldIx[key] = i
	return i
}

func (b *Builder) Method(class, name, ret string, params ...string) uint32 {
	key := class + "->" + name + "(" + strings.Join(params, "") + ")" + ret
	if i, ok := b.methodIx[key]; ok {
		return i
	}
	id := memberID{class: uint16(b.Type(class)), typ: uint16(b.Proto(ret, params...)), name: b.String(name)}
	i := uint32(len(b.methods))
	b.methods = append(b.methods, id)
	b.methodIx[key] = i
	return i
}

// Class starts a class definition. super may be empty for java.lang.Object.
func (b *Builder) Class(desc, super string, access uint32) *Class {
	c := &Class{b: b, typ: b.Type(desc), access: access, super: noIndex, source: noIndex}
	if super != "" {
		c.super = b.Type(super)
	}
	b.classes = append(b.classes, c)
	return c
}

func (c *Class) SourceFile(name string) *Class {
	c.source = c.b.String(name)
	return c
}

func (c *Class) Implements(ifaces ...string) *Class {
	for _, i := range ifaces {
		c.interfaces = append(c.interfaces, c.b.Type(i))
	}
	return c
}

func (c *Class) StaticField(name, typ string, access uint32) *Class {
	c.staticFields = append(c.staticFields, encodedMember{idx: c.b.Field(c.desc(), name, typ), access: access})
	return c
}

func (c *Class) InstanceField(name, typ string, access uint32) *Class {
	c.instanceFields = append(c.instanceFields, encodedMember{idx: c.b.Field(c.desc(), name, typ), access: access})
	return c
}

// DirectMethod adds a static, private or constructor method. code may be
// nil for methods without a body.
func (c *Class) DirectMethod(name, ret string, params []string, access uint32, code *Code) uint32 {
	idx := c.b.Method(c.desc(), name, ret, params...)
	c.directMethods = append(c.directMethods, encodedMember{idx: idx, access: access, code: code})
	return idx
}

func (c *Class) VirtualMethod(name, ret string, params []string, access uint32, code *Code) uint32 {
	idx := c.b.Method(c.desc(), name, ret, params...)
	c.virtualMethods = append(c.virtualMethods, encodedMember{idx: idx, access: access, code: code})
	return idx
}

func (c *Class) desc() string {
	return c.b.strings[c.b.types[c.typ]]
}

func (c *Class) hasData() bool {
	return len(c.staticFields)+len(c.instanceFields)+len(c.directMethods)+len(c.virtualMethods) > 0
}

// EncodeMUTF8 encodes s the way DEX string data stores it and returns the
// UTF-16 length as well.
func EncodeMUTF8(s string) ([]byte, int) {
	var out []byte
	units := utf16.Encode([]rune(s))
	for _, u := range units {
		switch {
		case u != 0 && u < 0x80:
			out = append(out, byte(u))
		case u < 0x800:
			out = append(out, byte(0xc0|u>>6), byte(0x80|u&0x3f))
		default:
			out = append(out, byte(0xe0|u>>12), byte(0x80|(u>>6)&0x3f), byte(0x80|u&0x3f))
		}
	}
	return out, len(units)
}

func appendULEB(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

func align4(buf *bytes.Buffer) {
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
}

// Bytes lays out the image: header, id sections, then the data section
// with string data, type lists, code items and class data.
func (b *Builder) Bytes() []byte {
	const headerSize = 0x70
	le := binary.LittleEndian

	stringIdsOff := uint32(headerSize)
	typeIdsOff := stringIdsOff + 4*uint32(len(b.strings))
	protoIdsOff := typeIdsOff + 4*uint32(len(b.types))
	fieldIdsOff := protoIdsOff + 12*uint32(len(b.protos))
	methodIdsOff := fieldIdsOff + 8*uint32(len(b.fields))
	classDefsOff := methodIdsOff + 8*uint32(len(b.methods))
	dataOff := classDefsOff + 32*uint32(len(b.classes))

	var data bytes.Buffer
	at := func() uint32 { return dataOff + uint32(data.Len()) }

	stringOffs := make([]uint32, len(b.strings))
	for i, s := range b.strings {
		stringOffs[i] = at()
		enc, n := EncodeMUTF8(s)
		data.Write(appendULEB(nil, uint32(n)))
		data.Write(enc)
		data.WriteByte(0)
	}

	typeList := func(types []uint32) uint32 {
		if len(types) == 0 {
			return 0
		}
		align4(&data)
		off := at()
		_ = binary.Write(&data, le, uint32(len(types)))
		for _, t := range types {
			_ = binary.Write(&data, le, uint16(t))
		}
		return off
	}
	protoParams := make([]uint32, len(b.protos))
	for i, p := range b.protos {
		protoParams[i] = typeList(p.params)
	}
	classIfaces := make([]uint32, len(b.classes))
	for i, c := range b.classes {
		classIfaces[i] = typeList(c.interfaces)
	}

	b.CodeOffsets = make(map[uint32]uint32)
	codeOffs := make(map[*Code]uint32)
	for _, c := range b.classes {
		for _, list := range [][]encodedMember{c.directMethods, c.virtualMethods} {
			for _, m := range list {
				if m.code == nil {
					continue
				}
				if _, done := codeOffs[m.code]; !done {
					align4(&data)
					codeOffs[m.code] = at()
					_ = binary.Write(&data, le, m.code.Registers)
					_ = binary.Write(&data, le, m.code.Ins)
					_ = binary.Write(&data, le, m.code.Outs)
					_ = binary.Write(&data, le, uint16(0)) // tries_size
					_ = binary.Write(&data, le, uint32(0)) // debug_info_off
					_ = binary.Write(&data, le, uint32(len(m.code.Insns)))
					_ = binary.Write(&data, le, m.code.Insns)
				}
				b.CodeOffsets[m.idx] = codeOffs[m.code] + 16
			}
		}
	}

	classData := make([]uint32, len(b.classes))
	for i, c := range b.classes {
		if !c.hasData() {
			continue
		}
		classData[i] = at()
		var cd []byte
		cd = appendULEB(cd, uint32(len(c.staticFields)))
		cd = appendULEB(cd, uint32(len(c.instanceFields)))
		cd = appendULEB(cd, uint32(len(c.directMethods)))
		cd = appendULEB(cd, uint32(len(c.virtualMethods)))
		for _, list := range [][]encodedMember{c.staticFields, c.instanceFields} {
			prev := uint32(0)
			for _, m := range sortedMembers(list) {
				cd = appendULEB(cd, m.idx-prev)
				cd = appendULEB(cd, m.access)
				prev = m.idx
			}
		}
		for _, list := range [][]encodedMember{c.directMethods, c.virtualMethods} {
			prev := uint32(0)
			for _, m := range sortedMembers(list) {
				cd = appendULEB(cd, m.idx-prev)
				cd = appendULEB(cd, m.access)
				if m.code != nil {
					cd = appendULEB(cd, codeOffs[m.code])
				} else {
					cd = appendULEB(cd, 0)
				}
				prev = m.idx
			}
		}
		data.Write(cd)
	}
	align4(&data)

	var out bytes.Buffer
	w := func(v interface{}) { _ = binary.Write(&out, le, v) }
	fileSize := dataOff + uint32(data.Len())

	out.WriteString("dex\n" + b.version + "\x00")
	w(uint32(0))  // checksum
	w([20]byte{}) // signature
	w(fileSize)   // file_size
	w(uint32(headerSize))
	w(uint32(0x12345678))
	w([3]uint32{}) // link_size, link_off, map_off
	w([]uint32{
		uint32(len(b.strings)), stringIdsOff,
		uint32(len(b.types)), typeIdsOff,
		uint32(len(b.protos)), protoIdsOff,
		uint32(len(b.fields)), fieldIdsOff,
		uint32(len(b.methods)), methodIdsOff,
		uint32(len(b.classes)), classDefsOff,
		uint32(data.Len()), dataOff,
	})
	w(stringOffs)
	w(b.types)
	for i, p := range b.protos {
		w([]uint32{p.shorty, p.ret, protoParams[i]})
	}
	for _, f := range append(append([]memberID(nil), b.fields...), b.methods...) {
		w(f.class)
		w(f.typ)
		w(f.name)
	}
	for i, c := range b.classes {
		w([]uint32{c.typ, c.access, c.super, classIfaces[i], c.source, 0, classData[i], 0})
	}
	out.Write(data.Bytes())

	img := out.Bytes()
	sig := sha1.Sum(img[32:])
	copy(img[12:32], sig[:])
	le.PutUint32(img[8:12], adler32.Checksum(img[12:]))
	return img
}

func sortedMembers(list []encodedMember) []encodedMember {
	out := append([]encodedMember(nil), list...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].idx < out[j-1].idx; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
