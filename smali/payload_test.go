package smali

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload(t *testing.T) {
	t.Run("packed switch", func(t *testing.T) {
		p, err := decodePayload(units(0x0100, 0x0002, 0x000a, 0x0000, 0x0005, 0x0000, 0xfffe, 0xffff))
		require.NoError(t, err)
		assert.Equal(t, &PackedSwitchPayload{FirstKey: 10, Targets: []int32{5, -2}}, p)
		assert.Equal(t, 16, p.Size())
	})

	t.Run("sparse switch", func(t *testing.T) {
		p, err := decodePayload(units(0x0200, 0x0002,
			0xffff, 0xffff, 0x0010, 0x0000, // keys
			0x0004, 0x0000, 0x0008, 0x0000, // targets
		))
		require.NoError(t, err)
		assert.Equal(t, &SparseSwitchPayload{Keys: []int32{-1, 16}, Targets: []int32{4, 8}}, p)
		assert.Equal(t, 20, p.Size())
		assert.Equal(t, ".sparse-switch\n"+
			"        -0x1 -> :sswitch_offset_4\n"+
			"        0x10 -> :sswitch_offset_8\n"+
			"    .end sparse-switch", p.Directive())
	})

	t.Run("array of bytes", func(t *testing.T) {
		p, err := decodePayload(units(0x0300, 0x0001, 0x0003, 0x0000, 0xff01, 0x007f))
		require.NoError(t, err)
		fa := p.(*FillArrayDataPayload)
		assert.Equal(t, uint16(1), fa.ElementWidth)
		assert.Equal(t, uint32(3), fa.Count)
		assert.Equal(t, []byte{0x01, 0xff, 0x7f}, fa.Data)
		assert.Equal(t, 12, p.Size(), "odd byte count is padded to a code unit")
		assert.Equal(t, ".array-data 1\n"+
			"        0x1\n"+
			"        -0x1\n"+
			"        0x7f\n"+
			"    .end array-data", p.Directive())
	})

	t.Run("array of ints", func(t *testing.T) {
		p, err := decodePayload(units(0x0300, 0x0004, 0x0002, 0x0000, 0x0001, 0x0000, 0xfffe, 0xffff))
		require.NoError(t, err)
		assert.Equal(t, 16, p.Size())
		fa := p.(*FillArrayDataPayload)
		assert.Equal(t, int64(1), fa.Element(0))
		assert.Equal(t, int64(-2), fa.Element(1))
	})

	t.Run("truncated", func(t *testing.T) {
		for _, data := range [][]byte{
			units(0x0100),
			units(0x0100, 0x0003, 0x0000, 0x0000),
			units(0x0200, 0x0001, 0x0000),
			units(0x0300, 0x0002, 0x0004),
			units(0x0300, 0x0002, 0xffff, 0xffff),
		} {
			_, err := decodePayload(data)
			assert.Equal(t, ErrShortInstruction, errors.Cause(err), "% x", data)
		}
	})
}

func TestScanPayloads(t *testing.T) {
	code := units(
		// packed-switch v0, +4; return-void
		0x002b, 0x0004, 0x0000, 0x000e,
		0x0100, 0x0001, 0x0007, 0x0000, 0xfffc, 0xffff,
		// fill-array-data v0, +4; return-void
		0x0026, 0x0004, 0x0000, 0x000e,
		0x0300, 0x0002, 0x0001, 0x0000, 0x1234,
	)
	payloads, err := ScanPayloads(code, 0x200)
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	assert.Equal(t, &PackedSwitchPayload{FirstKey: 7, Targets: []int32{-4}}, payloads[0x208])
	assert.Equal(t, &FillArrayDataPayload{ElementWidth: 2, Count: 1, Data: []byte{0x34, 0x12}}, payloads[0x21c])
}

func TestScanPayloadsSkipsUnknownIdent(t *testing.T) {
	payloads, err := ScanPayloads(units(0x0500, 0x000e), 0)
	require.NoError(t, err)
	assert.Empty(t, payloads)
}

func TestScanPayloadsTruncated(t *testing.T) {
	payloads, err := ScanPayloads(units(0x000e, 0x0100, 0x0005), 0x10)
	assert.Equal(t, ErrShortInstruction, errors.Cause(err))
	assert.Contains(t, err.Error(), "payload at 0x12")
	assert.Empty(t, payloads)
}
