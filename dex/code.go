package dex

import "github.com/pkg/errors"

// codeItemHeaderSize is the fixed part of code_item before insns.
const codeItemHeaderSize = 16

func (f *File) readCodeItem(off FileOffset) (*CodeItem, error) {
	if ci, ok := f.code[off]; ok {
		return ci, nil
	}
	c := f.at(uint32(off))
	ci := &CodeItem{
		Offset:        off,
		RegistersSize: c.u16(),
		InsSize:       c.u16(),
		OutsSize:      c.u16(),
		TriesSize:     c.u16(),
		DebugInfoOff:  c.u32(),
	}
	units := c.u32()
	ci.InsnsOffset = FileOffset(c.pos)
	if c.err == nil && int64(units)*2 > int64(len(f.data)-c.pos) {
		return nil, errors.Wrapf(ErrTruncated, "code item at 0x%x declares %d units", off, units)
	}
	ci.Insns = c.bytes(int(units) * 2)
	if c.err != nil {
		return nil, errors.Wrapf(c.err, "code item at 0x%x", off)
	}
	f.code[off] = ci
	f.codeSeq = append(f.codeSeq, ci)
	return ci, nil
}
