package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/drunlade/go-ncu/dock"
)

// progressPrinter renders outbound transfer progress. On a terminal it
// redraws one line; otherwise it prints a line per report when verbose.
type progressPrinter struct {
	w       io.Writer
	live    bool
	verbose bool
	quiet   bool
	drawn   bool
}

func newProgressPrinter(w *os.File, verbose, quiet bool) *progressPrinter {
	return &progressPrinter{
		w:       w,
		live:    term.IsTerminal(int(w.Fd())),
		verbose: verbose,
		quiet:   quiet,
	}
}

func (p *progressPrinter) sending(name dock.Name, sent, total int64, rate float64) {
	if p.quiet || name != dock.NameLoadPackage {
		return
	}
	percent := float64(0)
	if total > 0 {
		percent = float64(sent) / float64(total) * 100
	}
	switch {
	case p.live:
		fmt.Fprintf(p.w, "\r%s: %.1f%% (%.0f bytes/s)", name, percent, rate)
		p.drawn = true
	case p.verbose:
		fmt.Fprintf(p.w, "%s: %d/%d bytes (%.0f bytes/s)\n", name, sent, total, rate)
	}
}

func (p *progressPrinter) sent(cmd dock.Command) {
	if p.drawn {
		fmt.Fprintln(p.w)
		p.drawn = false
	}
}
