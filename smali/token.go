package smali

import "strings"

// TokenType classifies a piece of rendered instruction text.
type TokenType int

const (
	Instruction TokenType = iota
	Text
	Register
	Integer
	PossibleAddress
	OperandSeparator
)

var tokenTypeNames = [...]string{
	Instruction:      "instruction",
	Text:             "text",
	Register:         "register",
	Integer:          "integer",
	PossibleAddress:  "address",
	OperandSeparator: "separator",
}

func (t TokenType) String() string {
	if int(t) < len(tokenTypeNames) {
		return tokenTypeNames[t]
	}
	return "unknown"
}

// Token is one piece of disassembly. Value is only meaningful for
// PossibleAddress tokens, where it holds the file offset they point at,
// and is 0 when the target is unknown.
type Token struct {
	Type  TokenType
	Text  string
	Value uint64
}

func text(s string) Token { return Token{Type: Text, Text: s} }

// Join concatenates the token texts.
func Join(tokens []Token) string {
	var sb strings.Builder
	for _, t := range tokens {
		sb.WriteString(t.Text)
	}
	return sb.String()
}
