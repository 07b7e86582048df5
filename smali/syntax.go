package smali

import (
	"regexp"
	"strconv"
	"strings"
)

var placeholder = regexp.MustCompile(`.[A-Z]+`)

// FormatArgs substitutes the parsed operands into an operand syntax string.
// Every run of one capital letter is replaced by that operand's value in
// bare hex, keeping the character in front of the run: "vAA, +BBBB"
// becomes "v3, +-1f". Runs following 'v' or '@' are registers and pool
// indices and print unsigned. Anything else is a literal or branch offset
// and is sign-extended from the run's width.
func FormatArgs(args Args, syntax string) string {
	return placeholder.ReplaceAllStringFunc(syntax, func(m string) string {
		prefix, group := m[0], m[1:]
		val := args[group[len(group)-1]]
		if prefix == 'v' || prefix == '@' {
			return string(prefix) + strconv.FormatUint(val, 16)
		}
		return string(prefix) + strconv.FormatInt(Sign(val, len(group)), 16)
	})
}

// hexLiteral renders like Python's hex(): 0x1f, -0x1f.
func hexLiteral(v int64) string {
	if v < 0 {
		return "-0x" + strconv.FormatUint(uint64(-v), 16)
	}
	return "0x" + strconv.FormatInt(v, 16)
}

// registerList returns the "{vC, vD, ...}" prefix for a variadic format
// holding n registers.
func registerList(n int) string {
	regs := []string{"vC", "vD", "vE", "vF", "vG"}[:n]
	return "{" + strings.Join(regs, ", ") + "}"
}

// escapeString quotes s for a const-string operand the way smali does.
func escapeString(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	for _, r := range s {
		switch {
		case r == '\\':
			sb.WriteString(`\\`)
		case r == '"':
			sb.WriteString(`\"`)
		case r == '\n':
			sb.WriteString(`\n`)
		case r == '\r':
			sb.WriteString(`\r`)
		case r == '\t':
			sb.WriteString(`\t`)
		case r >= 0x20 && r < 0x7f:
			sb.WriteRune(r)
		case r > 0xffff:
			r -= 0x10000
			writeU(&sb, 0xd800+(r>>10))
			writeU(&sb, 0xdc00+(r&0x3ff))
		default:
			writeU(&sb, r)
		}
	}
	return sb.String()
}

func writeU(sb *strings.Builder, r rune) {
	h := strconv.FormatInt(int64(r), 16)
	sb.WriteString(`\u`)
	sb.WriteString(strings.Repeat("0", 4-len(h)))
	sb.WriteString(h)
}
