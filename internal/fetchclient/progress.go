package fetchclient

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Reporter renders a progress bar for one fetch, adapted from the
// teacher's internal/agent.ProgressReporter: same atomic counters and
// ticker-driven render loop, scoped down to a single file transfer
// instead of a multi-object backup.
type Reporter struct {
	name string

	bytesDone atomic.Int64
	totalSize int64

	startTime time.Time
	done      chan struct{}
}

// NewReporter creates a reporter and starts its render loop.
func NewReporter(name string, totalSize int64) *Reporter {
	r := &Reporter{
		name:      name,
		totalSize: totalSize,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	go r.renderLoop()
	return r
}

// AddBytes records bytes transferred so far.
func (r *Reporter) AddBytes(n int64) {
	r.bytesDone.Add(n)
}

// Stop halts the render loop and prints the final line.
func (r *Reporter) Stop() {
	close(r.done)
	r.render()
	fmt.Fprintln(os.Stderr)
}

func (r *Reporter) renderLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.render()
		case <-r.done:
			return
		}
	}
}

func (r *Reporter) render() {
	done := r.bytesDone.Load()
	elapsed := time.Since(r.startTime).Seconds()
	var pct float64
	if r.totalSize > 0 {
		pct = float64(done) / float64(r.totalSize) * 100
	}
	var rate float64
	if elapsed > 0 {
		rate = float64(done) / elapsed
	}

	const width = 30
	filled := int(pct / 100 * width)
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", width-filled)

	fmt.Fprintf(os.Stderr, "\r%s [%s] %6.2f%%  %8s / %8s  %8s/s",
		r.name, bar, pct, humanBytes(done), humanBytes(r.totalSize), humanBytes(int64(rate)))
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
