package dashboard

import (
	"fmt"
	"html"
	"math"
	"strconv"
	"strings"

	"github.com/illmade-knight/go-gwquickview/pkg/types"
)

// DetectorColors follows the GWOSC plotting convention.
var DetectorColors = map[string]string{
	"H1": "#ee0000",
	"L1": "#4ba6ff",
	"V1": "#9b59b6",
	"G1": "#222222",
	"K1": "#ffb200",
}

const defaultTraceColor = "#333333"

// PlotOptions sizes a strain plot.
type PlotOptions struct {
	Width     int
	Height    int
	MaxPoints int
	Title     string
}

// Decimate returns the indices of at most maxPoints samples that preserve the
// envelope of the series: each bucket contributes its minimum and maximum in
// time order. A series already within the bound is returned whole.
func Decimate(samples []float64, maxPoints int) []int {
	n := len(samples)
	if maxPoints < 2 {
		maxPoints = 2
	}
	if n <= maxPoints {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}

	buckets := maxPoints / 2
	idx := make([]int, 0, buckets*2)
	for b := 0; b < buckets; b++ {
		lo := b * n / buckets
		hi := (b + 1) * n / buckets
		if hi <= lo {
			continue
		}
		minI, maxI := lo, lo
		for i := lo + 1; i < hi; i++ {
			if samples[i] < samples[minI] {
				minI = i
			}
			if samples[i] > samples[maxI] {
				maxI = i
			}
		}
		switch {
		case minI == maxI:
			idx = append(idx, minI)
		case minI < maxI:
			idx = append(idx, minI, maxI)
		default:
			idx = append(idx, maxI, minI)
		}
	}
	return idx
}

// PlotSVG renders strain as an SVG line plot against seconds relative to ref.
func PlotSVG(s types.Strain, ref float64, opts PlotOptions) string {
	if opts.Width <= 0 {
		opts.Width = 800
	}
	if opts.Height <= 0 {
		opts.Height = 320
	}
	const (
		left   = 70.0
		right  = 20.0
		top    = 30.0
		bottom = 40.0
	)
	w, h := float64(opts.Width), float64(opts.Height)
	plotW, plotH := w-left-right, h-top-bottom

	color, ok := DetectorColors[s.Detector]
	if !ok {
		color = defaultTraceColor
	}

	x0, x1 := s.T0-ref, s.End()-ref
	if x1 <= x0 {
		x1 = x0 + 1
	}
	peak := s.PeakAmplitude()
	if peak == 0 {
		peak = 1
	}
	xPos := func(t float64) float64 { return left + (t-x0)/(x1-x0)*plotW }
	yPos := func(v float64) float64 { return top + plotH/2 - v/peak*plotH/2 }

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %d %d" width="%d" height="%d" class="strain-plot">`,
		opts.Width, opts.Height, opts.Width, opts.Height)
	b.WriteString(`<rect width="100%" height="100%" fill="#ffffff"/>`)
	if opts.Title != "" {
		fmt.Fprintf(&b, `<text x="%g" y="18" font-size="14" text-anchor="middle">%s</text>`, left+plotW/2, html.EscapeString(opts.Title))
	}

	// Axes.
	fmt.Fprintf(&b, `<g stroke="#888888" stroke-width="1"><line x1="%g" y1="%g" x2="%g" y2="%g"/><line x1="%g" y1="%g" x2="%g" y2="%g"/></g>`,
		left, top+plotH, left+plotW, top+plotH, left, top, left, top+plotH)

	step := tickStep(x1 - x0)
	b.WriteString(`<g font-size="11" text-anchor="middle" fill="#444444">`)
	for t := math.Ceil(x0/step) * step; t <= x1+1e-9; t += step {
		x := xPos(t)
		fmt.Fprintf(&b, `<line x1="%.1f" y1="%g" x2="%.1f" y2="%g" stroke="#888888"/>`, x, top+plotH, x, top+plotH+4)
		fmt.Fprintf(&b, `<text x="%.1f" y="%g">%s</text>`, x, top+plotH+16, strconv.FormatFloat(roundTo(t, step), 'f', -1, 64))
	}
	b.WriteString(`</g>`)
	fmt.Fprintf(&b, `<text x="%g" y="%g" font-size="12" text-anchor="middle">Time (s) from GPS %s</text>`,
		left+plotW/2, h-6, strconv.FormatFloat(ref, 'f', -1, 64))

	b.WriteString(`<g font-size="11" text-anchor="end" fill="#444444">`)
	for _, v := range []float64{-peak, 0, peak} {
		fmt.Fprintf(&b, `<text x="%g" y="%.1f">%.2e</text>`, left-6, yPos(v)+4, v)
	}
	b.WriteString(`</g>`)

	if len(s.Samples) > 0 {
		fmt.Fprintf(&b, `<polyline fill="none" stroke="%s" stroke-width="1" points="`, color)
		for i, j := range Decimate(s.Samples, opts.MaxPoints) {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%.1f,%.1f", xPos(s.TimeAt(j)-ref), yPos(s.Samples[j]))
		}
		b.WriteString(`"/>`)
	}
	b.WriteString(`</svg>`)
	return b.String()
}

// tickStep picks a round tick spacing giving at most 15 ticks over span.
func tickStep(span float64) float64 {
	for _, step := range []float64{0.1, 0.2, 0.5, 1, 2, 5, 10, 20, 50, 100} {
		if span/step <= 15 {
			return step
		}
	}
	return math.Pow(10, math.Ceil(math.Log10(span/10)))
}

func roundTo(v, step float64) float64 {
	r := math.Round(v/step) * step
	if math.Abs(r) < step/1e6 {
		return 0
	}
	return math.Round(r*1e6) / 1e6
}
