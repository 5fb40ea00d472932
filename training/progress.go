package training

import (
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const progressWidth = 40

// ProgressBar redraws a single status line per epoch:
//
//	Epoch 3:  50%|████      | 30/60 [00:04<00:04, 7.50it/s, izy=1.912, loss=1.204]
//
// Metric keys containing "acc" render as percentages.
type ProgressBar struct {
	w       io.Writer
	label   string
	total   int
	done    int
	started time.Time
	metrics map[string]float64
	now     func() time.Time
}

// NewProgressBarTo starts a bar over total steps writing to w.
func NewProgressBarTo(w io.Writer, label string, total int) *ProgressBar {
	return &ProgressBar{
		w:       w,
		label:   label,
		total:   total,
		started: time.Now(),
		metrics: map[string]float64{},
		now:     time.Now,
	}
}

// Update records step as completed and replaces the displayed metrics when
// metrics is non-nil.
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.done = step
	if metrics != nil {
		pb.metrics = maps.Clone(metrics)
	}
	fmt.Fprint(pb.w, "\r"+pb.line())
}

// Finish draws the bar at 100% and ends the line.
func (pb *ProgressBar) Finish() {
	pb.done = pb.total
	fmt.Fprintln(pb.w, "\r"+pb.line())
}

func (pb *ProgressBar) fraction() float64 {
	if pb.total <= 0 {
		return 1
	}
	return min(float64(pb.done)/float64(pb.total), 1)
}

func (pb *ProgressBar) line() string {
	frac := pb.fraction()
	filled := int(frac * progressWidth)
	elapsed := pb.now().Sub(pb.started)

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %3.0f%%|%s%s| %d/%d [%s<",
		pb.label, frac*100,
		strings.Repeat("█", filled), strings.Repeat(" ", progressWidth-filled),
		pb.done, pb.total, clock(elapsed))

	var remaining time.Duration
	if frac > 0 && frac < 1 {
		remaining = time.Duration(float64(elapsed)/frac) - elapsed
	}
	b.WriteString(clock(remaining))
	if secs := elapsed.Seconds(); pb.done > 0 && secs > 0 {
		fmt.Fprintf(&b, ", %.2fit/s", float64(pb.done)/secs)
	}

	keys := maps.Keys(pb.metrics)
	slices.Sort(keys)
	for _, k := range keys {
		if v := pb.metrics[k]; strings.Contains(k, "acc") {
			fmt.Fprintf(&b, ", %s=%.2f%%", k, v*100)
		} else {
			fmt.Fprintf(&b, ", %s=%.3f", k, v)
		}
	}
	b.WriteByte(']')
	return b.String()
}

// clock renders d as MM:SS.
func clock(d time.Duration) string {
	s := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}

// FormatCount abbreviates a parameter count: 1500 -> "1.5K".
func FormatCount(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	}
	return fmt.Sprint(n)
}
