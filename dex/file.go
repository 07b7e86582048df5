// Package dex reads Android DEX files: the header, the id pools, class
// definitions with their class data, and method code items. The layout is
// described at
//
//	https://source.android.com/docs/core/runtime/dex-format
//
// A parsed *File is immutable and safe for concurrent readers.
package dex

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"
	"github.com/tidwall/btree"
)

type File struct {
	// Name is the path or APK entry the image came from, for messages.
	Name   string
	Header Header

	data    []byte
	strings []string
	types   []string
	protos  []Proto
	fields  []FieldID
	methods []MethodID
	classes []ClassDef

	code    map[FileOffset]*CodeItem // keyed by code_item offset
	codeSeq []*CodeItem              // file order
	ranges  *btree.BTree             // codeRange by InsnsOffset

	closer func() error
}

// Parse decodes an in-memory DEX image. The File keeps a reference to data.
func Parse(data []byte) (*File, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if h.FileSize < HeaderSize {
		return nil, errors.Wrapf(ErrTruncated, "header claims %d bytes, less than the header itself", h.FileSize)
	}
	if int(h.FileSize) > len(data) {
		return nil, errors.Wrapf(ErrTruncated, "header claims %d bytes, have %d", h.FileSize, len(data))
	}

	f := &File{
		Header: h,
		data:   data,
		code:   make(map[FileOffset]*CodeItem),
		ranges: btree.NewNonConcurrent(byInsnsOffset),
	}

	steps := []struct {
		what string
		fn   func() error
	}{
		{"strings", f.readStrings},
		{"types", f.readTypes},
		{"protos", f.readProtos},
		{"fields", f.readFields},
		{"methods", f.readMethods},
		{"class defs", f.readClasses},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", s.what)
		}
	}
	return f, nil
}

// Close releases the backing mapping when the File came from Open.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	c := f.closer
	f.closer = nil
	return c()
}

// Bytes returns the raw image. Callers must not modify it.
func (f *File) Bytes() []byte {
	return f.data
}

// Verify recomputes checksum and signature and compares them with the header.
func (f *File) Verify() error {
	img := f.data[:f.Header.FileSize]
	if sum := Checksum(img); sum != f.Header.Checksum {
		return errors.Wrapf(ErrChecksum, "header 0x%08x, computed 0x%08x", f.Header.Checksum, sum)
	}
	if sig := Signature(img); !bytes.Equal(sig[:], f.Header.Signature[:]) {
		return errors.Wrapf(ErrSignature, "header %x, computed %x", f.Header.Signature, sig)
	}
	return nil
}

func (f *File) at(off uint32) *cursor {
	return &cursor{data: f.data, pos: int(off)}
}

func outOfRange(pool string, idx uint32, size int) error {
	return errors.Wrapf(ErrIndexOutOfRange, "%s index %d (pool has %d)", pool, idx, size)
}

// String returns string_ids[idx].
func (f *File) String(idx uint32) (string, error) {
	if int64(idx) >= int64(len(f.strings)) {
		return "", outOfRange("string", idx, len(f.strings))
	}
	return f.strings[idx], nil
}

// Type returns the descriptor of type_ids[idx].
func (f *File) Type(idx uint32) (string, error) {
	if int64(idx) >= int64(len(f.types)) {
		return "", outOfRange("type", idx, len(f.types))
	}
	return f.types[idx], nil
}

func (f *File) Proto(idx uint32) (*Proto, error) {
	if int64(idx) >= int64(len(f.protos)) {
		return nil, outOfRange("proto", idx, len(f.protos))
	}
	return &f.protos[idx], nil
}

func (f *File) Field(idx uint32) (*FieldID, error) {
	if int64(idx) >= int64(len(f.fields)) {
		return nil, outOfRange("field", idx, len(f.fields))
	}
	return &f.fields[idx], nil
}

func (f *File) Method(idx uint32) (*MethodID, error) {
	if int64(idx) >= int64(len(f.methods)) {
		return nil, outOfRange("method", idx, len(f.methods))
	}
	return &f.methods[idx], nil
}

func (f *File) NumStrings() int { return len(f.strings) }
func (f *File) NumTypes() int   { return len(f.types) }
func (f *File) NumProtos() int  { return len(f.protos) }
func (f *File) NumFields() int  { return len(f.fields) }
func (f *File) NumMethods() int { return len(f.methods) }

// Classes returns the class definitions in file order.
func (f *File) Classes() []ClassDef {
	return f.classes
}

// CodeItems returns every code item in file order.
func (f *File) CodeItems() []*CodeItem {
	return f.codeSeq
}

// CodeItem returns the code item starting at off.
func (f *File) CodeItem(off FileOffset) (*CodeItem, bool) {
	c, ok := f.code[off]
	return c, ok
}

// CodeFor returns the code item of a method, if it has one.
func (f *File) CodeFor(m *MethodID) (*CodeItem, bool) {
	if m.CodeOffset == 0 {
		return nil, false
	}
	return f.CodeItem(m.CodeOffset - codeItemHeaderSize)
}

func (f *File) readStrings() error {
	n := int(f.Header.StringIdsSize)
	f.strings = make([]string, n)
	ids := f.at(f.Header.StringIdsOff)
	for i := 0; i < n; i++ {
		off := ids.u32()
		if ids.err != nil {
			return ids.err
		}
		c := f.at(off)
		c.uleb() // utf16 length, unused
		if c.err != nil {
			return errors.Wrapf(c.err, "string %d", i)
		}
		end := bytes.IndexByte(f.data[c.pos:], 0)
		if end < 0 {
			return errors.Wrapf(ErrTruncated, "string %d is not terminated", i)
		}
		f.strings[i] = DecodeMUTF8(f.data[c.pos : c.pos+end])
	}
	return nil
}

func (f *File) readTypes() error {
	n := int(f.Header.TypeIdsSize)
	f.types = make([]string, n)
	c := f.at(f.Header.TypeIdsOff)
	for i := 0; i < n; i++ {
		idx := c.u32()
		if c.err != nil {
			return c.err
		}
		s, err := f.String(idx)
		if err != nil {
			return errors.Wrapf(err, "type %d", i)
		}
		f.types[i] = s
	}
	return nil
}

func (f *File) typeList(off uint32) ([]string, error) {
	if off == 0 {
		return nil, nil
	}
	c := f.at(off)
	size := c.u32()
	if c.err != nil {
		return nil, c.err
	}
	if int64(size)*2 > int64(len(f.data)) {
		return nil, errors.Wrapf(ErrTruncated, "type list of %d entries at 0x%x", size, off)
	}
	out := make([]string, 0, size)
	for i := uint32(0); i < size; i++ {
		idx := c.u16()
		if c.err != nil {
			return nil, c.err
		}
		t, err := f.Type(uint32(idx))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *File) readProtos() error {
	n := int(f.Header.ProtoIdsSize)
	f.protos = make([]Proto, n)
	c := f.at(f.Header.ProtoIdsOff)
	for i := 0; i < n; i++ {
		shortyIdx, retIdx, paramsOff := c.u32(), c.u32(), c.u32()
		if c.err != nil {
			return c.err
		}
		shorty, err := f.String(shortyIdx)
		if err != nil {
			return errors.Wrapf(err, "proto %d", i)
		}
		ret, err := f.Type(retIdx)
		if err != nil {
			return errors.Wrapf(err, "proto %d", i)
		}
		params, err := f.typeList(paramsOff)
		if err != nil {
			return errors.Wrapf(err, "proto %d parameters", i)
		}
		f.protos[i] = Proto{Shorty: shorty, ReturnType: ret, Parameters: params}
	}
	return nil
}

func (f *File) readFields() error {
	n := int(f.Header.FieldIdsSize)
	f.fields = make([]FieldID, n)
	c := f.at(f.Header.FieldIdsOff)
	for i := 0; i < n; i++ {
		classIdx, typeIdx, nameIdx := c.u16(), c.u16(), c.u32()
		if c.err != nil {
			return c.err
		}
		class, err := f.Type(uint32(classIdx))
		if err != nil {
			return errors.Wrapf(err, "field %d", i)
		}
		typ, err := f.Type(uint32(typeIdx))
		if err != nil {
			return errors.Wrapf(err, "field %d", i)
		}
		name, err := f.String(nameIdx)
		if err != nil {
			return errors.Wrapf(err, "field %d", i)
		}
		f.fields[i] = FieldID{Class: class, Name: name, Type: typ}
	}
	return nil
}

func (f *File) readMethods() error {
	n := int(f.Header.MethodIdsSize)
	f.methods = make([]MethodID, n)
	c := f.at(f.Header.MethodIdsOff)
	for i := 0; i < n; i++ {
		classIdx, protoIdx, nameIdx := c.u16(), c.u16(), c.u32()
		if c.err != nil {
			return c.err
		}
		class, err := f.Type(uint32(classIdx))
		if err != nil {
			return errors.Wrapf(err, "method %d", i)
		}
		proto, err := f.Proto(uint32(protoIdx))
		if err != nil {
			return errors.Wrapf(err, "method %d", i)
		}
		name, err := f.String(nameIdx)
		if err != nil {
			return errors.Wrapf(err, "method %d", i)
		}
		f.methods[i] = MethodID{Index: uint32(i), Class: class, Name: name, Proto: proto}
	}
	return nil
}

// optString resolves an optional string index.
func (f *File) optString(idx uint32) (string, error) {
	if idx == NoIndex {
		return "", nil
	}
	return f.String(idx)
}

func (f *File) optType(idx uint32) (string, error) {
	if idx == NoIndex {
		return "", nil
	}
	return f.Type(idx)
}

const classDefSize = 32

func (f *File) readClasses() error {
	n := int(f.Header.ClassDefsSize)
	f.classes = make([]ClassDef, n)
	c := f.at(f.Header.ClassDefsOff)
	for i := 0; i < n; i++ {
		classIdx, access, superIdx := c.u32(), c.u32(), c.u32()
		ifacesOff, sourceIdx := c.u32(), c.u32()
		_ = c.u32() // annotations_off
		dataOff := c.u32()
		_ = c.u32() // static_values_off
		if c.err != nil {
			return c.err
		}

		cd := &f.classes[i]
		cd.AccessFlags = AccessFlags(access)
		cd.ClassDataOff = dataOff
		var err error
		if cd.Class, err = f.Type(classIdx); err != nil {
			return errors.Wrapf(err, "class %d", i)
		}
		if cd.Superclass, err = f.optType(superIdx); err != nil {
			return errors.Wrapf(err, "class %s superclass", cd.Class)
		}
		if cd.Interfaces, err = f.typeList(ifacesOff); err != nil {
			return errors.Wrapf(err, "class %s interfaces", cd.Class)
		}
		if cd.SourceFile, err = f.optString(sourceIdx); err != nil {
			return errors.Wrapf(err, "class %s source file", cd.Class)
		}
		if dataOff == 0 {
			// No class data, e.g. a marker interface.
			continue
		}
		if err := f.readClassData(cd); err != nil {
			return errors.Wrapf(err, "class %s data", cd.Class)
		}
	}
	sort.Slice(f.codeSeq, func(i, j int) bool { return f.codeSeq[i].Offset < f.codeSeq[j].Offset })
	return nil
}

// readClassData decodes class_data_item. Field and method indices are
// delta encoded and the delta restarts at the head of each list.
func (f *File) readClassData(cd *ClassDef) error {
	c := f.at(cd.ClassDataOff)
	staticFields, instanceFields := c.uleb(), c.uleb()
	directMethods, virtualMethods := c.uleb(), c.uleb()
	if c.err != nil {
		return c.err
	}

	readFields := func(n uint32) []EncodedField {
		out := make([]EncodedField, 0, min(n, 1024))
		var idx uint32
		for i := uint32(0); i < n && c.err == nil; i++ {
			idx += c.uleb()
			out = append(out, EncodedField{Field: idx, AccessFlags: AccessFlags(c.uleb())})
		}
		return out
	}
	readMethods := func(n uint32) []EncodedMethod {
		out := make([]EncodedMethod, 0, min(n, 1024))
		var idx uint32
		for i := uint32(0); i < n && c.err == nil; i++ {
			idx += c.uleb()
			access := c.uleb()
			out = append(out, EncodedMethod{Method: idx, AccessFlags: AccessFlags(access), CodeOff: c.uleb()})
		}
		return out
	}

	cd.StaticFields = readFields(staticFields)
	cd.InstanceFields = readFields(instanceFields)
	cd.DirectMethods = readMethods(directMethods)
	cd.VirtualMethods = readMethods(virtualMethods)
	if c.err != nil {
		return c.err
	}

	for _, em := range cd.Methods() {
		if em.CodeOff == 0 {
			continue
		}
		m, err := f.Method(em.Method)
		if err != nil {
			return err
		}
		code, err := f.readCodeItem(FileOffset(em.CodeOff))
		if err != nil {
			return errors.Wrapf(err, "method %s", m)
		}
		m.CodeOffset = code.InsnsOffset
		f.index(code, em.Method)
	}
	return nil
}
