// Package report renders per-cycle summaries for the terminal. Styled
// output is used only when stdout is a TTY; otherwise plain text, so piped
// logs stay clean.
package report

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Cycle is everything a finished cycle reports.
type Cycle struct {
	Number     int
	DryRun     bool
	OK         int
	DryRunN    int
	Skipped    int
	Errors     int
	Duplicates int
	Deltas     int
	Mismatches []string
	Duration   string
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Render formats one cycle summary. Colors only when styled is true.
func Render(c Cycle, styled bool) string {
	var b strings.Builder

	header := fmt.Sprintf("cycle %d", c.Number)
	if c.DryRun {
		header += " (dry run)"
	}
	if c.Duration != "" {
		header += " " + c.Duration
	}
	line := func(s string, style lipgloss.Style) {
		if styled {
			s = style.Render(s)
		}
		b.WriteString(s)
		b.WriteByte('\n')
	}

	line(header, headerStyle)
	line(fmt.Sprintf("  ok %d  dry_run %d  skipped %d  errors %d  duplicates %d  deltas %d",
		c.OK, c.DryRunN, c.Skipped, c.Errors, c.Duplicates, c.Deltas), okStyle)

	if c.Errors > 0 {
		line(fmt.Sprintf("  %d agent actions failed (isolated, batch continued)", c.Errors), warnStyle)
	}
	if len(c.Mismatches) == 0 {
		line("  ledger consistent", dimStyle)
	} else {
		line(fmt.Sprintf("  %d consistency mismatches:", len(c.Mismatches)), errStyle)
		for _, m := range c.Mismatches {
			line("    "+m, errStyle)
		}
	}
	return b.String()
}

// Print writes the summary to stdout, styling it when attached to a TTY.
func Print(c Cycle) {
	fmt.Print(Render(c, isatty.IsTerminal(os.Stdout.Fd())))
}
