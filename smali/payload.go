package smali

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"dexsmali/dex"
)

// Payload idents share the low byte with nop; the high byte tells them
// apart.
const (
	packedSwitchIdent  = 0x01
	sparseSwitchIdent  = 0x02
	fillArrayDataIdent = 0x03
)

// Payload is a data table embedded in the instruction stream.
type Payload interface {
	// Size is the payload length in bytes, ident included.
	Size() int
	// Directive renders the payload as a smali directive block.
	Directive() string
}

type PackedSwitchPayload struct {
	FirstKey int32
	// Targets are relative to the switch instruction, in code units.
	Targets []int32
}

func (p *PackedSwitchPayload) Size() int { return 8 + 4*len(p.Targets) }

func (p *PackedSwitchPayload) Directive() string {
	var sb strings.Builder
	sb.WriteString(".packed-switch " + hexLiteral(int64(p.FirstKey)) + "\n")
	for _, t := range p.Targets {
		sb.WriteString("        :pswitch_offset_" + strconv.FormatInt(int64(t), 16) + "\n")
	}
	sb.WriteString("    .end packed-switch")
	return sb.String()
}

type SparseSwitchPayload struct {
	Keys    []int32
	Targets []int32
}

func (p *SparseSwitchPayload) Size() int { return 4 + 8*len(p.Keys) }

func (p *SparseSwitchPayload) Directive() string {
	var sb strings.Builder
	sb.WriteString(".sparse-switch\n")
	for i, k := range p.Keys {
		sb.WriteString("        " + hexLiteral(int64(k)) +
			" -> :sswitch_offset_" + strconv.FormatInt(int64(p.Targets[i]), 16) + "\n")
	}
	sb.WriteString("    .end sparse-switch")
	return sb.String()
}

type FillArrayDataPayload struct {
	ElementWidth uint16
	Count        uint32
	Data         []byte
}

func (p *FillArrayDataPayload) Size() int {
	return 8 + int((uint64(p.ElementWidth)*uint64(p.Count)+1)/2)*2
}

// Element returns element i as a sign-extended integer.
func (p *FillArrayDataPayload) Element(i int) int64 {
	w := int(p.ElementWidth)
	b := p.Data[i*w : (i+1)*w]
	switch w {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	case 8:
		return int64(binary.LittleEndian.Uint64(b))
	}
	var v uint64
	for j := len(b) - 1; j >= 0; j-- {
		v = v<<8 | uint64(b[j])
	}
	return Sign(v, 2*w)
}

func (p *FillArrayDataPayload) Directive() string {
	var sb strings.Builder
	sb.WriteString(".array-data " + strconv.Itoa(int(p.ElementWidth)) + "\n")
	if p.ElementWidth > 0 {
		for i := 0; i < int(p.Count); i++ {
			sb.WriteString("        " + hexLiteral(p.Element(i)) + "\n")
		}
	}
	sb.WriteString("    .end array-data")
	return sb.String()
}

func isPayload(data []byte) bool {
	return len(data) >= 2 && data[0] == 0 && data[1] != 0
}

// decodePayload reads the payload at the start of data.
func decodePayload(data []byte) (Payload, error) {
	need := func(n int) error {
		if len(data) < n {
			return errors.Wrapf(ErrShortInstruction, "payload needs %d bytes, have %d", n, len(data))
		}
		return nil
	}
	if len(data) >= 2 && (data[1] < packedSwitchIdent || data[1] > fillArrayDataIdent) {
		return nil, errors.Wrapf(ErrBadInstruction, "unknown payload ident 0x%02x", data[1])
	}
	if err := need(4); err != nil {
		return nil, err
	}
	i32 := func(off int) int32 { return int32(binary.LittleEndian.Uint32(data[off:])) }

	switch data[1] {
	case packedSwitchIdent:
		n := int(binary.LittleEndian.Uint16(data[2:]))
		if err := need(8 + 4*n); err != nil {
			return nil, err
		}
		p := &PackedSwitchPayload{FirstKey: i32(4), Targets: make([]int32, n)}
		for i := range p.Targets {
			p.Targets[i] = i32(8 + 4*i)
		}
		return p, nil
	case sparseSwitchIdent:
		n := int(binary.LittleEndian.Uint16(data[2:]))
		if err := need(4 + 8*n); err != nil {
			return nil, err
		}
		p := &SparseSwitchPayload{Keys: make([]int32, n), Targets: make([]int32, n)}
		for i := 0; i < n; i++ {
			p.Keys[i] = i32(4 + 4*i)
			p.Targets[i] = i32(4 + 4*n + 4*i)
		}
		return p, nil
	default:
		if err := need(8); err != nil {
			return nil, err
		}
		p := &FillArrayDataPayload{
			ElementWidth: binary.LittleEndian.Uint16(data[2:]),
			Count:        binary.LittleEndian.Uint32(data[4:]),
		}
		size := uint64(p.ElementWidth) * uint64(p.Count)
		if size > uint64(len(data)) {
			return nil, errors.Wrapf(ErrShortInstruction, "array data of %d bytes, have %d", size, len(data)-8)
		}
		if err := need(p.Size()); err != nil {
			return nil, err
		}
		p.Data = data[8 : 8+size]
		return p, nil
	}
}

// ScanPayloads walks the instructions of one method linearly and decodes
// every payload it meets, keyed by file offset. base is the offset of
// code[0]. Unknown payload idents are skipped one code unit at a time; a
// payload running past the end of code stops the scan with an error.
func ScanPayloads(code []byte, base dex.FileOffset) (map[dex.FileOffset]Payload, error) {
	payloads := make(map[dex.FileOffset]Payload)
	off := 0
	for off+2 <= len(code) {
		if !isPayload(code[off:]) {
			off += 2 * Lookup(code[off]).Format.Units
			continue
		}
		p, err := decodePayload(code[off:])
		if errors.Cause(err) == ErrBadInstruction {
			off += 2
			continue
		}
		if err != nil {
			return payloads, errors.Wrapf(err, "payload at 0x%x", int(base)+off)
		}
		payloads[base+dex.FileOffset(off)] = p
		off += p.Size()
	}
	return payloads, nil
}
