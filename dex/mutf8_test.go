package dex

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dexsmali/dex/dextest"
)

func TestDecodeMUTF8RoundTrip(t *testing.T) {
	for _, s := range []string{
		"",
		"hello",
		"nul\x00inside",
		"héllo wörld",
		"中文",
		"emoji \U0001F600 pair",
	} {
		enc, _ := dextest.EncodeMUTF8(s)
		assert.Equal(t, s, DecodeMUTF8(enc), "%q", s)
	}
}

func TestDecodeMUTF8Encoding(t *testing.T) {
	enc, units := dextest.EncodeMUTF8("\x00\U0001F600")
	assert.Equal(t, 3, units)
	assert.Equal(t, []byte{0xc0, 0x80, 0xed, 0xa0, 0xbd, 0xed, 0xb8, 0x80}, enc)
}

func TestDecodeMUTF8Malformed(t *testing.T) {
	// A lone high surrogate followed by ASCII.
	assert.Equal(t, "�a", DecodeMUTF8([]byte{0xed, 0xa0, 0xbd, 'a'}))
	// A lone low surrogate.
	assert.Equal(t, "�", DecodeMUTF8([]byte{0xed, 0xb8, 0x80}))
	// Truncated two byte sequence.
	assert.Equal(t, "�", DecodeMUTF8([]byte{0xc3}))
}
