package console

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"golang.org/x/time/rate"

	"github.com/chaz8081/ledsaber-ota/internal/ota"
)

const (
	barWidth = 32
	// DefaultRefresh is the minimum interval between progress redraws.
	DefaultRefresh = 100 * time.Millisecond
)

// ProgressRenderer draws ota.Reports as a single updating line. Redraws are
// rate limited; the final report is always drawn.
type ProgressRenderer struct {
	w       io.Writer
	bar     progress.Model
	limiter *rate.Limiter
}

// NewProgressRenderer creates a renderer redrawing at most once per refresh.
func NewProgressRenderer(w io.Writer, refresh time.Duration) *ProgressRenderer {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return &ProgressRenderer{
		w:       w,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(barWidth), progress.WithoutPercentage()),
		limiter: rate.NewLimiter(rate.Every(refresh), 1),
	}
}

// Render draws r unless the last redraw was too recent.
func (p *ProgressRenderer) Render(r ota.Report) {
	if !p.limiter.Allow() {
		return
	}
	p.draw(r)
}

// Finish draws r unconditionally and ends the line.
func (p *ProgressRenderer) Finish(r ota.Report) {
	p.draw(r)
	fmt.Fprintln(p.w)
}

// Run renders reports until ctx is done.
func (p *ProgressRenderer) Run(ctx context.Context, reports <-chan ota.Report) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-reports:
			p.Render(r)
		}
	}
}

func (p *ProgressRenderer) draw(r ota.Report) {
	fmt.Fprint(p.w, "\r"+FormatProgress(r, p.bar.ViewAs(Fraction(r))))
}

// Fraction returns the share of the image sent, in [0, 1].
func Fraction(r ota.Report) float64 {
	if r.Total <= 0 {
		return 0
	}
	f := float64(r.Sent) / float64(r.Total)
	if f > 1 {
		return 1
	}
	return f
}

// FormatProgress renders the text part of the progress line around bar.
func FormatProgress(r ota.Report, bar string) string {
	line := fmt.Sprintf("%s %5.1f%%  %s / %s", bar, Fraction(r)*100, FormatKB(r.Sent), FormatKB(r.Total))
	if tp := r.Throughput(); tp > 0 {
		line += fmt.Sprintf("  %.1f KB/s", tp/1024)
	}
	if r.Received > 0 {
		line += styleMuted.Render(fmt.Sprintf("  (device %d%%)", r.Percent))
	}
	return line
}

// FormatKB renders a byte count in kilobytes.
func FormatKB(n int) string {
	return fmt.Sprintf("%.1f KB", float64(n)/1024)
}
