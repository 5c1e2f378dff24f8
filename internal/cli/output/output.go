// Package output renders command results.
//
// Every command writes through a Renderer, which picks one of three formats:
// styled text for terminals, markdown when the output is piped (readable by
// people and agents alike), and JSON for scripts. ModeAuto chooses between
// text and markdown by checking whether stdout is a terminal.
package output

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/term"
)

// OutputMode selects the output format.
type OutputMode string

// Mode is shorthand for OutputMode.
type Mode = OutputMode

// Output modes.
const (
	ModeAuto     OutputMode = "auto"
	ModeText     OutputMode = "text"
	ModeMarkdown OutputMode = "markdown"
	ModeJSON     OutputMode = "json"
)

// Modes lists the accepted --format values.
var Modes = []string{string(ModeAuto), string(ModeText), string(ModeMarkdown), string(ModeJSON)}

// ValidMode reports whether s names an output mode. Empty means auto.
func ValidMode(s string) bool {
	return s == "" || slices.Contains(Modes, s)
}

// Renderer writes command output in the selected mode.
type Renderer struct {
	out    io.Writer
	errOut io.Writer
	isTTY  bool
	mode   OutputMode
}

// NewRenderer creates a renderer, detecting whether out is a terminal.
func NewRenderer(out, errOut io.Writer, mode OutputMode) *Renderer {
	isTTY := false
	if f, ok := out.(*os.File); ok {
		isTTY = term.IsTerminal(int(f.Fd()))
	}
	return NewRendererWithTTY(out, errOut, isTTY, mode)
}

// NewRendererWithTTY creates a renderer with an explicit terminal state.
func NewRendererWithTTY(out, errOut io.Writer, isTTY bool, mode OutputMode) *Renderer {
	if mode == "" {
		mode = ModeAuto
	}
	return &Renderer{out: out, errOut: errOut, isTTY: isTTY, mode: mode}
}

// EffectiveMode resolves ModeAuto: text on a terminal, markdown otherwise.
func (r *Renderer) EffectiveMode() OutputMode {
	switch r.mode {
	case ModeText, ModeMarkdown, ModeJSON:
		return r.mode
	}
	if r.isTTY {
		return ModeText
	}
	return ModeMarkdown
}

// IsTTY reports whether stdout is a terminal.
func (r *Renderer) IsTTY() bool { return r.isTTY }

// Writer returns the stdout writer.
func (r *Renderer) Writer() io.Writer { return r.out }

// ErrWriter returns the stderr writer.
func (r *Renderer) ErrWriter() io.Writer { return r.errOut }

// Println writes a line to stdout.
func (r *Renderer) Println(a ...any) {
	_, _ = fmt.Fprintln(r.out, a...)
}

// Printf writes formatted output to stdout.
func (r *Renderer) Printf(format string, a ...any) {
	_, _ = fmt.Fprintf(r.out, format, a...)
}

// colored reports whether ANSI styling applies.
func (r *Renderer) colored() bool {
	return r.isTTY && r.EffectiveMode() == ModeText
}

func (r *Renderer) style(colors text.Colors, s string) string {
	if !r.colored() {
		return s
	}
	return colors.Sprint(s)
}

// Header writes a section header.
func (r *Renderer) Header(level int, title string) {
	if r.EffectiveMode() == ModeMarkdown {
		r.Println(FormatHeader(level, title))
		r.Println()
		return
	}
	if level <= 1 {
		r.Println(r.style(text.Colors{text.Bold, text.FgCyan}, title))
	} else {
		r.Println(r.style(text.Colors{text.Bold}, title))
	}
}

// Success writes a success message.
func (r *Renderer) Success(msg string) {
	if r.EffectiveMode() == ModeMarkdown {
		r.Println("**" + msg + "**")
		return
	}
	r.Println(r.style(text.Colors{text.FgGreen, text.Bold}, msg))
}

// Warning writes a warning to stderr.
func (r *Renderer) Warning(msg string) {
	_, _ = fmt.Fprintln(r.errOut, r.style(text.Colors{text.FgYellow}, "Warning: "+msg))
}

// Error writes an error to stderr.
func (r *Renderer) Error(msg string) {
	_, _ = fmt.Fprintln(r.errOut, r.style(text.Colors{text.FgRed, text.Bold}, "Error: "+msg))
}

// Muted returns s styled as secondary text.
func (r *Renderer) Muted(s string) string {
	return r.style(text.Colors{text.Faint}, s)
}

// StatusSymbol maps a status to its marker.
func StatusSymbol(status string) string {
	switch status {
	case "success", "completed", "passed":
		return "✓"
	case "failed", "failure":
		return "✗"
	case "unchanged":
		return "="
	case "running":
		return "…"
	default:
		return "-"
	}
}

// StatusLine writes one item with its status and an optional detail.
func (r *Renderer) StatusLine(name, status, detail string) {
	if r.EffectiveMode() == ModeMarkdown {
		line := fmt.Sprintf("- %s: %s", name, status)
		if detail != "" {
			line += " (" + detail + ")"
		}
		r.Println(line)
		return
	}

	symbol := StatusSymbol(status)
	switch status {
	case "success", "completed", "passed":
		symbol = r.style(text.Colors{text.FgGreen}, symbol)
	case "failed", "failure":
		symbol = r.style(text.Colors{text.FgRed}, symbol)
	}
	line := fmt.Sprintf("  %s %s", symbol, name)
	if detail != "" {
		line += "  " + r.Muted(detail)
	}
	r.Println(line)
}

// Table writes rows under header: a box table in text mode, a pipe table
// in markdown mode.
func (r *Renderer) Table(header []string, rows [][]string) {
	t := table.NewWriter()
	t.AppendHeader(toRow(header))
	for _, row := range rows {
		t.AppendRow(toRow(row))
	}

	if r.EffectiveMode() == ModeMarkdown {
		r.Println(t.RenderMarkdown())
		return
	}
	t.SetStyle(table.StyleLight)
	r.Println(t.Render())
}

func toRow(cells []string) table.Row {
	row := make(table.Row, len(cells))
	for i, c := range cells {
		row[i] = c
	}
	return row
}

// JSON writes v as indented JSON to stdout.
func (r *Renderer) JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode json: %w", err)
	}
	_, err = fmt.Fprintln(r.out, string(data))
	return err
}

// FormatHeader returns a markdown header.
func FormatHeader(level int, title string) string {
	if level < 1 {
		level = 1
	}
	return strings.Repeat("#", level) + " " + title
}

// FormatKeyValue returns a markdown list item with a bold key.
func FormatKeyValue(key, value string) string {
	return fmt.Sprintf("- **%s**: %s", key, value)
}
