package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"

	"github.com/kcaldas/tokenopt/pkg/config"
	"github.com/kcaldas/tokenopt/pkg/logging"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func heading(out io.Writer, title string) {
	fmt.Fprintln(out, headingStyle.Render(title))
}

// newTable returns a bordered table with the given header row.
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return s.Bold(true)
			}
			return s
		})
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// replyWriter prints provider replies, rendering markdown when the output
// is a terminal.
type replyWriter struct {
	out      io.Writer
	renderer *glamour.TermRenderer
}

func newReplyWriter(out io.Writer) *replyWriter {
	w := &replyWriter{out: out}
	if !isTerminal(out) {
		return w
	}
	style := config.NewManager().GetStringWithDefault("TOKENOPT_GLAMOUR_STYLE", "dark")
	width := config.NewManager().GetIntWithDefault("TOKENOPT_WRAP", 100)
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		logging.Warn("markdown rendering disabled", "error", err)
		return w
	}
	w.renderer = renderer
	return w
}

// Rendering reports whether replies are rendered as a whole rather than
// streamed.
func (w *replyWriter) Rendering() bool { return w.renderer != nil }

func (w *replyWriter) Print(text string) {
	if w.renderer != nil {
		if rendered, err := w.renderer.Render(text); err == nil {
			fmt.Fprint(w.out, rendered)
			return
		}
	}
	fmt.Fprintln(w.out, strings.TrimRight(text, "\n"))
}
