// Package render prints disassembly as smali source text.
package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"dexsmali/dex"
	"dexsmali/smali"
)

type Options struct {
	Color  bool
	Indent int
}

// Printer turns tokens into text, colouring each token type when asked.
type Printer struct {
	color  bool
	pad    string
	styles map[smali.TokenType]lipgloss.Style
}

func New(opts Options) *Printer {
	return &Printer{
		color: opts.Color,
		pad:   strings.Repeat(" ", opts.Indent),
		styles: map[smali.TokenType]lipgloss.Style{
			smali.Instruction: lipgloss.NewStyle().
				Foreground(lipgloss.Color("#5B8DEF")).
				Bold(true),
			smali.Register: lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFB86C")),
			smali.Integer: lipgloss.NewStyle().
				Foreground(lipgloss.Color("#BD93F9")),
			smali.PossibleAddress: lipgloss.NewStyle().
				Foreground(lipgloss.Color("#50FA7B")).
				Underline(true),
			smali.OperandSeparator: lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")),
		},
	}
}

func (p *Printer) Tokens(tokens []smali.Token) string {
	if !p.color {
		return smali.Join(tokens)
	}
	var sb strings.Builder
	for _, t := range tokens {
		if style, ok := p.styles[t.Type]; ok {
			sb.WriteString(style.Render(t.Text))
			continue
		}
		sb.WriteString(t.Text)
	}
	return sb.String()
}

// Line renders one listing line. Lines that failed to disassemble become
// comments.
func (p *Printer) Line(l smali.Line) string {
	if l.Err != nil {
		return fmt.Sprintf("%s# 0x%x: %v", p.pad, uint32(l.Addr), l.Err)
	}
	return p.pad + p.Tokens(l.Tokens)
}

func (p *Printer) comment(w io.Writer, format string, args ...interface{}) {
	c := fmt.Sprintf(format, args...)
	if p.color {
		c = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4")).Render(c)
	}
	fmt.Fprintln(w, c)
}

func header(directive string, flags string, rest string) string {
	if flags == "" {
		return directive + " " + rest
	}
	return directive + " " + flags + " " + rest
}

// Class writes a whole class in smali syntax.
func (p *Printer) Class(w io.Writer, f *dex.File, cd *dex.ClassDef, d *smali.Disassembler) error {
	fmt.Fprintln(w, header(".class", cd.AccessFlags.Format(dex.ForClass), cd.Class))
	if cd.Superclass != "" {
		fmt.Fprintln(w, ".super "+cd.Superclass)
	}
	if cd.SourceFile != "" {
		fmt.Fprintf(w, ".source %q\n", cd.SourceFile)
	}
	if len(cd.Interfaces) > 0 {
		fmt.Fprintln(w)
		p.comment(w, "# interfaces")
		for _, iface := range cd.Interfaces {
			fmt.Fprintln(w, ".implements "+iface)
		}
	}

	fields := []struct {
		title string
		list  []dex.EncodedField
	}{
		{"# static fields", cd.StaticFields},
		{"# instance fields", cd.InstanceFields},
	}
	for _, section := range fields {
		if len(section.list) == 0 {
			continue
		}
		fmt.Fprintln(w)
		p.comment(w, section.title)
		for _, ef := range section.list {
			fid, err := f.Field(ef.Field)
			if err != nil {
				return errors.Wrapf(err, "class %s", cd.Class)
			}
			fmt.Fprintln(w, header(".field", ef.AccessFlags.Format(dex.ForField), fid.Name+":"+fid.Type))
		}
	}

	methods := []struct {
		title string
		list  []dex.EncodedMethod
	}{
		{"# direct methods", cd.DirectMethods},
		{"# virtual methods", cd.VirtualMethods},
	}
	for _, section := range methods {
		if len(section.list) == 0 {
			continue
		}
		fmt.Fprintln(w)
		p.comment(w, section.title)
		for i, em := range section.list {
			if i > 0 {
				fmt.Fprintln(w)
			}
			if err := p.Method(w, f, em, d); err != nil {
				return errors.Wrapf(err, "class %s", cd.Class)
			}
		}
	}
	return nil
}

// Method writes one method with its body, if it has one.
func (p *Printer) Method(w io.Writer, f *dex.File, em dex.EncodedMethod, d *smali.Disassembler) error {
	m, err := f.Method(em.Method)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, header(".method", em.AccessFlags.Format(dex.ForMethod), m.Name+m.Proto.Descriptor()))
	if code, ok := f.CodeFor(m); ok {
		fmt.Fprintf(w, "%s.registers %d\n\n", p.pad, code.RegistersSize)
		for _, l := range d.Listing(code) {
			fmt.Fprintln(w, p.Line(l))
		}
	}
	fmt.Fprintln(w, ".end method")
	return nil
}
