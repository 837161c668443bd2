package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

var descStyle = lipgloss.NewStyle().Bold(true)

// Bar renders a one-line progress bar counting completed runs.
//
//	Running simulations ████████░░░░░░░░ 12/30 simulation [00:41<01:02]
//
// It is a Sink: Finished and Failed events advance it.
type Bar struct {
	mu      sync.Mutex
	w       io.Writer
	model   progress.Model
	desc    string
	unit    string
	total   int
	done    int
	failed  int
	start   time.Time
	now     func() time.Time
	newline bool
	closed  bool
}

// BarOption configures a Bar.
type BarOption func(*Bar)

// WithLineMode prints each update on its own line instead of redrawing in
// place, for logs and non-terminal output.
func WithLineMode() BarOption {
	return func(b *Bar) { b.newline = true }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) BarOption {
	return func(b *Bar) { b.now = now }
}

// NewBar returns a bar over total units and draws it at zero.
func NewBar(w io.Writer, total int, desc, unit string, opts ...BarOption) *Bar {
	b := &Bar{
		w:     w,
		model: progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage(), progress.WithWidth(30)),
		desc:  desc,
		unit:  unit,
		total: total,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.start = b.now()
	b.mu.Lock()
	b.render()
	b.mu.Unlock()
	return b
}

func (b *Bar) Record(event Event) {
	if event.Kind != Finished && event.Kind != Failed {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.done++
	if event.Kind == Failed {
		b.failed++
	}
	b.render()
}

// Done returns the number of completed units.
func (b *Bar) Done() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Close finishes the line. Further events are ignored.
func (b *Bar) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if !b.newline {
		fmt.Fprintln(b.w)
	}
}

func (b *Bar) render() {
	frac := 1.0
	if b.total > 0 {
		frac = float64(b.done) / float64(b.total)
	}
	elapsed := b.now().Sub(b.start)
	line := fmt.Sprintf("%s %s %d/%d %s [%s<%s]",
		descStyle.Render(b.desc), b.model.ViewAs(frac), b.done, b.total, b.unit,
		clock(elapsed), clock(b.remaining(elapsed)))
	if b.failed > 0 {
		line += fmt.Sprintf(" %d failed", b.failed)
	}
	if b.newline {
		fmt.Fprintln(b.w, line)
		return
	}
	fmt.Fprint(b.w, "\r"+line)
}

func (b *Bar) remaining(elapsed time.Duration) time.Duration {
	if b.done == 0 || b.done >= b.total {
		return 0
	}
	per := elapsed / time.Duration(b.done)
	return per * time.Duration(b.total-b.done)
}

func clock(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d%time.Hour) / int(time.Minute)
	s := int(d%time.Minute) / int(time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
