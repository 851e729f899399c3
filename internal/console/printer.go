package console

import (
	"fmt"
	"io"
)

// Printer writes styled one-line messages.
type Printer struct {
	w io.Writer
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer { return p.w }

// Title prints a section heading.
func (p *Printer) Title(text string) {
	fmt.Fprintln(p.w, styleTitle.Render(text))
}

// Field prints an aligned key/value line.
func (p *Printer) Field(key string, value any) {
	fmt.Fprintf(p.w, "  %s %v\n", styleKey.Render(key), value)
}

func (p *Printer) Info(format string, args ...any) {
	p.line(styleInfo.Render(symbolInfo), format, args...)
}

func (p *Printer) Success(format string, args ...any) {
	p.line(styleSuccess.Render(symbolSuccess), format, args...)
}

func (p *Printer) Warn(format string, args ...any) {
	p.line(styleWarning.Render(symbolWarning), format, args...)
}

func (p *Printer) Error(format string, args ...any) {
	p.line(styleError.Render(symbolError), format, args...)
}

// Hint prints a muted follow-up line.
func (p *Printer) Hint(format string, args ...any) {
	fmt.Fprintln(p.w, "  "+styleMuted.Render(fmt.Sprintf(format, args...)))
}

func (p *Printer) line(symbol, format string, args ...any) {
	fmt.Fprintf(p.w, "%s %s\n", symbol, fmt.Sprintf(format, args...))
}
