package dex

import (
	"fmt"
	"strings"
)

// FileOffset is an absolute byte offset into a DEX image.
type FileOffset uint32

// Proto is a decoded proto_id_item.
type Proto struct {
	Shorty     string
	ReturnType string
	Parameters []string
}

// Descriptor renders the proto the way smali does, e.g. "(ILjava/lang/String;)V".
func (p *Proto) Descriptor() string {
	return "(" + strings.Join(p.Parameters, "") + ")" + p.ReturnType
}

// FieldID is a decoded field_id_item.
type FieldID struct {
	Class string
	Name  string
	Type  string
}

func (f *FieldID) String() string {
	return f.Class + "->" + f.Name + ":" + f.Type
}

// MethodID is a decoded method_id_item. CodeOffset points at the first
// instruction of the method body, or is 0 when the method has no code in
// this file.
type MethodID struct {
	Index      uint32
	Class      string
	Name       string
	Proto      *Proto
	CodeOffset FileOffset
}

func (m *MethodID) String() string {
	return m.Class + "->" + m.Name + m.Proto.Descriptor()
}

// Pretty formats the method as a Java signature, e.g.
// "void com.example.Foo.bar(int, java.lang.String)".
func (m *MethodID) Pretty() string {
	params := make([]string, 0, len(m.Proto.Parameters))
	for _, p := range m.Proto.Parameters {
		params = append(params, PrettyType(p))
	}
	return fmt.Sprintf("%s %s.%s(%s)",
		PrettyType(m.Proto.ReturnType),
		PrettyType(m.Class),
		m.Name,
		strings.Join(params, ", "))
}

// PrettyType turns a type descriptor into its Java spelling. Descriptors it
// does not understand are returned unchanged.
//
// https://source.android.com/docs/core/runtime/dex-format#typedescriptor
func PrettyType(desc string) string {
	dims := 0
	for dims < len(desc) && desc[dims] == '[' {
		dims++
	}
	base := desc[dims:]
	var name string
	switch base {
	case "V":
		name = "void"
	case "Z":
		name = "boolean"
	case "B":
		name = "byte"
	case "S":
		name = "short"
	case "C":
		name = "char"
	case "I":
		name = "int"
	case "J":
		name = "long"
	case "F":
		name = "float"
	case "D":
		name = "double"
	default:
		if len(base) < 3 || base[0] != 'L' || base[len(base)-1] != ';' {
			return desc
		}
		name = strings.ReplaceAll(base[1:len(base)-1], "/", ".")
	}
	return name + strings.Repeat("[]", dims)
}

// EncodedField is one entry of a class_data_item field list.
type EncodedField struct {
	Field       uint32
	AccessFlags AccessFlags
}

// EncodedMethod is one entry of a class_data_item method list. CodeOff is
// the offset of the code_item, not of the instructions.
type EncodedMethod struct {
	Method      uint32
	AccessFlags AccessFlags
	CodeOff     uint32
}

// ClassDef is a class_def_item together with its decoded class data.
type ClassDef struct {
	Class          string
	AccessFlags    AccessFlags
	Superclass     string
	Interfaces     []string
	SourceFile     string
	ClassDataOff   uint32
	StaticFields   []EncodedField
	InstanceFields []EncodedField
	DirectMethods  []EncodedMethod
	VirtualMethods []EncodedMethod
}

// Methods returns direct methods followed by virtual methods.
func (c *ClassDef) Methods() []EncodedMethod {
	out := make([]EncodedMethod, 0, len(c.DirectMethods)+len(c.VirtualMethods))
	out = append(out, c.DirectMethods...)
	return append(out, c.VirtualMethods...)
}

// CodeItem is a decoded code_item. Insns aliases the image.
type CodeItem struct {
	Offset        FileOffset
	RegistersSize uint16
	InsSize       uint16
	OutsSize      uint16
	TriesSize     uint16
	DebugInfoOff  uint32
	InsnsOffset   FileOffset
	Insns         []byte
}

// End is the offset just past the last instruction.
func (c *CodeItem) End() FileOffset {
	return c.InsnsOffset + FileOffset(len(c.Insns))
}
