// Package smali turns Dalvik bytecode into smali text tokens.
package smali

import (
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"dexsmali/dex"
)

var (
	ErrShortInstruction = errors.New("instruction runs past end of data")
	ErrBadInstruction   = errors.New("malformed instruction")
)

// Pool resolves the constant pool references of index operands.
// *dex.File implements it.
type Pool interface {
	String(idx uint32) (string, error)
	Type(idx uint32) (string, error)
	Proto(idx uint32) (*dex.Proto, error)
	Field(idx uint32) (*dex.FieldID, error)
	Method(idx uint32) (*dex.MethodID, error)
}

// Disassembler renders instructions of one DEX file. It is safe for
// concurrent use.
type Disassembler struct {
	pool   Pool
	logger *zap.Logger

	mu       sync.Mutex
	payloads map[dex.FileOffset]Payload
}

func NewDisassembler(pool Pool, logger *zap.Logger) *Disassembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Disassembler{
		pool:     pool,
		logger:   logger,
		payloads: make(map[dex.FileOffset]Payload),
	}
}

// Prepare records the payloads of a method so they are not decoded again
// when the listing reaches them.
func (d *Disassembler) Prepare(code *dex.CodeItem) error {
	found, err := ScanPayloads(code.Insns, code.InsnsOffset)
	d.mu.Lock()
	for addr, p := range found {
		d.payloads[addr] = p
	}
	d.mu.Unlock()
	return err
}

func (d *Disassembler) payload(data []byte, addr dex.FileOffset) (Payload, error) {
	d.mu.Lock()
	p, ok := d.payloads[addr]
	d.mu.Unlock()
	if ok {
		return p, nil
	}
	p, err := decodePayload(data)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.payloads[addr] = p
	d.mu.Unlock()
	return p, nil
}

// Disassemble renders the instruction at the start of data, which lives
// at file offset addr, and returns its tokens and length in bytes.
//
// Less than one code unit of data yields no tokens and length 0. A
// truncated instruction reports ErrShortInstruction together with the
// length the instruction would have had.
func (d *Disassembler) Disassemble(data []byte, addr dex.FileOffset) ([]Token, int, error) {
	if len(data) < 2 {
		d.logger.Warn("trying to disassemble short data",
			zap.Int("len", len(data)), zap.Uint32("addr", uint32(addr)))
		return nil, 0, nil
	}

	if isPayload(data) {
		p, err := d.payload(data, addr)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "payload at 0x%x", uint32(addr))
		}
		return []Token{{Type: Instruction, Text: p.Directive()}}, p.Size(), nil
	}

	op := Lookup(data[0])
	n := 2 * op.Format.Units
	if len(data) < n {
		return nil, n, errors.Wrapf(ErrShortInstruction, "%s at 0x%x needs %d bytes, have %d",
			op.Mnemonic, uint32(addr), n, len(data))
	}
	args := extract(data, op.Format.fields)

	syntax := op.Syntax
	switch {
	case op.Format.Variadic():
		a := args['A']
		if a > 5 {
			return nil, n, errors.Wrapf(ErrBadInstruction, "%s at 0x%x lists %d registers",
				op.Mnemonic, uint32(addr), a)
		}
		_, rest, _ := strings.Cut(syntax, "}")
		syntax = registerList(int(a)) + rest
	case op.Format.Range && args['A'] == 0:
		_, rest, _ := strings.Cut(syntax, "}")
		syntax = "{}" + rest
	case op.Format.Range:
		args['N'] = args['A'] + args['C'] - 1
	}

	tokens := []Token{{Type: Instruction, Text: op.Mnemonic}}
	for _, word := range strings.Split(syntax, " ") {
		if strings.TrimSpace(word) == "" {
			continue
		}
		wt, err := d.operand(word, args, addr)
		if err != nil {
			return nil, n, errors.Wrapf(err, "%s at 0x%x", op.Mnemonic, uint32(addr))
		}
		tokens = append(tokens, wt...)
	}
	return tokens, n, nil
}

func (d *Disassembler) operand(word string, args Args, addr dex.FileOffset) ([]Token, error) {
	tokens := []Token{text(" ")}

	comma := strings.HasSuffix(word, ",")
	word = strings.TrimSuffix(word, ",")
	brace := strings.HasSuffix(word, "}")
	word = strings.TrimSuffix(word, "}")
	if strings.HasPrefix(word, "{") {
		tokens = append(tokens, text("{"))
		word = word[1:]
	}

	formatted := FormatArgs(args, word)
	switch {
	case formatted == "":
	case formatted[0] == 'v':
		reg, err := strconv.ParseUint(formatted[1:], 16, 32)
		if err != nil {
			return nil, errors.Wrapf(ErrBadInstruction, "register %q", formatted)
		}
		tokens = append(tokens, Token{Type: Register, Text: "v" + strconv.FormatUint(reg, 10)})
	case strings.HasPrefix(formatted, "#+"):
		lit, err := strconv.ParseInt(formatted[2:], 16, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrBadInstruction, "literal %q", formatted)
		}
		tokens = append(tokens, Token{Type: Integer, Text: hexLiteral(lit)})
	case strings.Contains(formatted, "@"):
		ref, err := d.reference(formatted)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, ref...)
	case formatted[0] == '+':
		rel, err := strconv.ParseInt(formatted[1:], 16, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrBadInstruction, "branch offset %q", formatted)
		}
		if rel >= 0 {
			tokens = append(tokens, text("+"))
		}
		var target uint64
		if t := int64(addr) + 2*rel; t >= 0 {
			target = uint64(t)
		}
		tokens = append(tokens, Token{Type: PossibleAddress, Text: formatted[1:], Value: target})
	case formatted == "..":
		tokens = append(tokens, text(".."))
	default:
		d.logger.Warn("formatting unknown operand",
			zap.String("syntax", word), zap.String("operand", formatted))
		tokens = append(tokens, text(formatted))
	}

	if brace {
		tokens = append(tokens, text("}"))
	}
	if comma {
		tokens = append(tokens, Token{Type: OperandSeparator, Text: ","})
	}
	return tokens, nil
}

// reference resolves an index operand such as "field@1f".
func (d *Disassembler) reference(operand string) ([]Token, error) {
	kind, hex, _ := strings.Cut(operand, "@")
	idx64, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return nil, errors.Wrapf(ErrBadInstruction, "index %q", operand)
	}
	idx := uint32(idx64)

	switch kind {
	case "field":
		f, err := d.pool.Field(idx)
		if err != nil {
			return nil, err
		}
		return []Token{text(f.Class), text("->"), text(f.Name), text(":"), text(f.Type)}, nil
	case "meth":
		m, err := d.pool.Method(idx)
		if err != nil {
			return nil, err
		}
		tokens := []Token{text(m.Class), text("->")}
		if m.CodeOffset != 0 {
			tokens = append(tokens, Token{Type: PossibleAddress, Text: m.Name, Value: uint64(m.CodeOffset)})
		} else {
			tokens = append(tokens, text(m.Name))
		}
		return append(tokens, protoTokens(m.Proto)...), nil
	case "string":
		s, err := d.pool.String(idx)
		if err != nil {
			return nil, err
		}
		return []Token{text(`"`), text(escapeString(s)), text(`"`)}, nil
	case "type":
		t, err := d.pool.Type(idx)
		if err != nil {
			return nil, err
		}
		return []Token{text(t)}, nil
	case "proto":
		p, err := d.pool.Proto(idx)
		if err != nil {
			return nil, err
		}
		return protoTokens(p), nil
	case "call_site", "method_handle":
		d.logger.Debug("reference kind is not resolved", zap.String("operand", operand))
		return []Token{text(operand)}, nil
	}
	d.logger.Error("unknown reference kind", zap.String("operand", operand))
	return []Token{text(operand)}, nil
}

func protoTokens(p *dex.Proto) []Token {
	tokens := make([]Token, 0, len(p.Parameters)+3)
	tokens = append(tokens, text("("))
	for _, param := range p.Parameters {
		tokens = append(tokens, text(param))
	}
	return append(tokens, text(")"), text(p.ReturnType))
}

// Line is one disassembled instruction of a listing. Err is set when the
// instruction could not be rendered; Len then covers the bytes skipped.
type Line struct {
	Addr   dex.FileOffset
	Len    int
	Tokens []Token
	Err    error
}

// Listing disassembles a whole method body. Instructions that fail to
// render are kept as lines carrying their error and the walk continues
// after them.
func (d *Disassembler) Listing(code *dex.CodeItem) []Line {
	if err := d.Prepare(code); err != nil {
		d.logger.Warn("failed to scan payloads",
			zap.Uint32("code", uint32(code.Offset)), zap.Error(err))
	}
	var lines []Line
	for off := 0; off+2 <= len(code.Insns); {
		addr := code.InsnsOffset + dex.FileOffset(off)
		tokens, n, err := d.Disassemble(code.Insns[off:], addr)
		if n == 0 {
			n = 2
		}
		lines = append(lines, Line{Addr: addr, Len: n, Tokens: tokens, Err: err})
		off += n
	}
	return lines
}
