package shell

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Printer serializes operator output, asynchronous reports may be printed
// from stack callbacks at any time.
type Printer struct {
	mu     sync.Mutex
	w      io.Writer
	banner lipgloss.Style
	title  lipgloss.Style
}

// NewPrinter styles banners for w, plain text is produced when w is not a
// terminal
func NewPrinter(w io.Writer) *Printer {
	renderer := lipgloss.NewRenderer(w)
	return &Printer{
		w:      w,
		banner: renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		title:  renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("57")).Padding(0, 1),
	}
}

func (p *Printer) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

// Banner prints title framed by lines of '#'
func (p *Printer) Banner(title string) {
	line := fmt.Sprintf("#### %-24s ####", title)
	frame := strings.Repeat("#", len(line))
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range []string{frame, line, frame} {
		fmt.Fprintln(p.w, p.banner.Render(l))
	}
}

func (p *Printer) Title(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, p.title.Render(title))
}

// Clear the terminal
func (p *Printer) Clear() {
	p.Printf("\033[H\033[2J")
}
