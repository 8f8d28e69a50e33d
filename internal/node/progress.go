// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package node

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// ProgressReporter renders a node's progress to the terminal: a bar, item
// counts, throughput, elapsed time, and ETA. It is optional — a Node
// reports progress through Callbacks regardless; this is only for a human
// watching a running pipeline, generalized from the teacher's byte/object
// counters to item counts since a record has no fixed size.
type ProgressReporter struct {
	name string

	itemsDone atomic.Int64
	total     atomic.Int64 // 0 means unknown

	startTime time.Time
	done      chan struct{}
}

// NewProgressReporter creates a reporter and starts its render ticker.
// total may be 0 if the input size isn't known yet; SetTotal can update it
// later as a tail-followed upstream grows.
func NewProgressReporter(name string, total int64) *ProgressReporter {
	p := &ProgressReporter{
		name: name,
		done: make(chan struct{}),
	}
	p.total.Store(total)
	p.startTime = time.Now()
	go p.renderLoop()
	return p
}

// SetCurrent records the node's latest committed item count.
func (p *ProgressReporter) SetCurrent(n int64) { p.itemsDone.Store(n) }

// SetTotal updates the known total, e.g. as a followed upstream grows.
func (p *ProgressReporter) SetTotal(n int64) { p.total.Store(n) }

// Stop halts the render ticker and prints the final line.
func (p *ProgressReporter) Stop() {
	close(p.done)
	p.render(true)
}

func (p *ProgressReporter) renderLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.render(false)
		}
	}
}

func (p *ProgressReporter) render(final bool) {
	done := p.itemsDone.Load()
	total := p.total.Load()
	elapsed := time.Since(p.startTime)

	var speed float64
	if s := elapsed.Seconds(); s > 0.1 {
		speed = float64(done) / s
	}

	const barWidth = 30
	var bar string
	if total > 0 {
		pct := float64(done) / float64(total)
		if pct > 1.0 {
			pct = 1.0
		}
		filled := int(pct * float64(barWidth))
		if filled > barWidth {
			filled = barWidth
		}
		bar = strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	} else {
		pos := int(elapsed.Seconds()*2) % barWidth
		bar = strings.Repeat("░", pos) + "█" + strings.Repeat("░", barWidth-pos-1)
	}

	eta := "∞"
	if total > 0 && speed > 0 && done > 0 {
		remaining := float64(total) - float64(done)
		if remaining < 0 {
			remaining = 0
		}
		eta = formatDuration(time.Duration(remaining / speed * float64(time.Second)))
	}

	line := fmt.Sprintf("\r[%s] %s  %s items (%.0f/s)  │  %s  │  ETA %s",
		p.name, bar, formatNumber(done), speed, formatDuration(elapsed), eta)

	if len(line) < 100 {
		line += strings.Repeat(" ", 100-len(line))
	}

	if final {
		fmt.Fprintf(os.Stderr, "%s\n", line)
	} else {
		fmt.Fprint(os.Stderr, line)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func formatNumber(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}
