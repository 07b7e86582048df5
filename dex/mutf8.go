package dex

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// DecodeMUTF8 decodes the "modified" UTF-8 used for DEX string data:
// NUL is encoded as C0 80 and supplementary characters are written as two
// encoded UTF-16 surrogates. Malformed sequences decode to U+FFFD.
//
// https://source.android.com/docs/core/runtime/dex-format#mutf-8
func DecodeMUTF8(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	var pending rune = -1
	flush := func() {
		if pending >= 0 {
			sb.WriteRune(utf8.RuneError)
			pending = -1
		}
	}
	for i := 0; i < len(b); {
		c := b[i]
		var r rune
		switch {
		case c < 0x80:
			r = rune(c)
			i++
		case c&0xe0 == 0xc0 && i+1 < len(b):
			r = rune(c&0x1f)<<6 | rune(b[i+1]&0x3f)
			i += 2
		case c&0xf0 == 0xe0 && i+2 < len(b):
			r = rune(c&0x0f)<<12 | rune(b[i+1]&0x3f)<<6 | rune(b[i+2]&0x3f)
			i += 3
		default:
			r = utf8.RuneError
			i++
		}
		switch {
		case utf16.IsSurrogate(r) && r < 0xdc00:
			flush()
			pending = r
		case utf16.IsSurrogate(r):
			if pending >= 0 {
				sb.WriteRune(utf16.DecodeRune(pending, r))
				pending = -1
			} else {
				sb.WriteRune(utf8.RuneError)
			}
		default:
			flush()
			sb.WriteRune(r)
		}
	}
	flush()
	return sb.String()
}
