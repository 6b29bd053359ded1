// Package ui renders replay progress on a terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

// ANSI escape codes
const (
	ClearLine   = "\033[2K"
	MoveToStart = "\r"
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[32m"
	ColorRed    = "\033[31m"
	ColorDim    = "\033[2m"
)

// minRedraw throttles terminal writes.
const minRedraw = 100 * time.Millisecond

// Progress keeps a single updating status line for a replay.
type Progress struct {
	w     io.Writer
	tty   bool
	width int
	total int

	now     func() time.Time
	started time.Time
	drawn   time.Time

	events   int
	rejected int
	ops      map[string]int
	at       time.Time
}

// NewProgress writes to f when it is a terminal and stays silent otherwise.
// A total of zero means the event count is unknown.
func NewProgress(f *os.File, total int) *Progress {
	fd := int(f.Fd())
	tty := term.IsTerminal(fd)
	width := 80
	if w, _, err := term.GetSize(fd); err == nil && w > 0 {
		width = w
	}
	return newProgress(f, tty, width, total, time.Now)
}

func newProgress(w io.Writer, tty bool, width, total int, now func() time.Time) *Progress {
	return &Progress{
		w:       w,
		tty:     tty,
		width:   width,
		total:   total,
		now:     now,
		started: now(),
		ops:     make(map[string]int),
	}
}

// Update counts one feed event and redraws when due.
func (p *Progress) Update(op string, at time.Time, rejected bool) {
	p.events++
	p.ops[op]++
	if rejected {
		p.rejected++
	}
	if !at.IsZero() {
		p.at = at
	}

	if !p.tty {
		return
	}
	if t := p.now(); p.events == p.total || t.Sub(p.drawn) >= minRedraw {
		p.drawn = t
		p.draw()
	}
}

// Finish draws the final state and ends the line.
func (p *Progress) Finish() {
	if !p.tty || p.events == 0 {
		return
	}
	p.draw()
	fmt.Fprintln(p.w)
}

func (p *Progress) draw() {
	fmt.Fprint(p.w, ClearLine+MoveToStart+p.Line())
}

// Line renders the status without escape codes other than color.
func (p *Progress) Line() string {
	var b strings.Builder
	if p.total > 0 {
		fmt.Fprintf(&b, "[%d/%d] %.1f%%", p.events, p.total, float64(p.events)/float64(p.total)*100)
	} else {
		fmt.Fprintf(&b, "[%d]", p.events)
	}

	for _, op := range []string{"add", "insert", "remove"} {
		if n := p.ops[op]; n > 0 {
			fmt.Fprintf(&b, " %s=%d", op, n)
		}
	}

	rejected := fmt.Sprintf(" rejected=%d", p.rejected)
	if p.tty {
		color := ColorGreen
		if p.rejected > 0 {
			color = ColorRed
		}
		rejected = color + rejected + ColorReset
	}
	b.WriteString(rejected)

	if elapsed := p.now().Sub(p.started).Seconds(); elapsed > 0 {
		fmt.Fprintf(&b, " %.0f ev/s", float64(p.events)/elapsed)
	}
	if !p.at.IsZero() {
		at := " @ " + p.at.UTC().Format(time.RFC3339)
		if p.tty {
			at = ColorDim + at + ColorReset
		}
		b.WriteString(at)
	}

	return truncate(b.String(), p.width)
}

// truncate cuts s to width visible runes, skipping ANSI sequences.
func truncate(s string, width int) string {
	if width <= 0 {
		return s
	}
	var b strings.Builder
	visible := 0
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\033':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			if visible == width {
				continue
			}
			visible++
		}
		b.WriteRune(r)
	}
	return b.String()
}
