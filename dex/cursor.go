package dex

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// cursor is a bounds-checked little-endian reader over the image. The first
// failure sticks and every later read returns zero.
type cursor struct {
	data []byte
	pos  int
	err  error
}

func (c *cursor) need(n int) bool {
	if c.err != nil {
		return false
	}
	if c.pos < 0 || c.pos+n > len(c.data) {
		c.err = errors.Wrapf(ErrTruncated, "reading %d bytes at 0x%x", n, c.pos)
		return false
	}
	return true
}

func (c *cursor) u16() uint16 {
	if !c.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(c.data[c.pos:])
	c.pos += 2
	return v
}

func (c *cursor) u32() uint32 {
	if !c.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(c.data[c.pos:])
	c.pos += 4
	return v
}

func (c *cursor) bytes(n int) []byte {
	if n < 0 || !c.need(n) {
		return nil
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b
}

// uleb reads an unsigned LEB128 value of at most five bytes.
func (c *cursor) uleb() uint32 {
	var result uint32
	var shift uint
	for {
		if !c.need(1) {
			return 0
		}
		b := c.data[c.pos]
		c.pos++
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result
		}
		shift += 7
		if shift > 28 {
			c.err = errors.Errorf("malformed uleb128 at 0x%x", c.pos)
			return 0
		}
	}
}
