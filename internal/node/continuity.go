// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package node

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ContinuityChecker is a one-shot resume-time sanity check: it walks an
// output stream's already-written auto-assigned anchors ("auto_0",
// "auto_1", ...) and reports any offset missing from the contiguous
// sequence 0..max. A gap here means an async writer's background flush
// was interrupted mid-batch before a crash — the batch's checkpoint was
// never reached, but some of its items made it to storage and some
// didn't.
//
// This generalizes the teacher's live network gap tracker (received
// globalSeqs, detect persistent holes, NACK for retransmission) into a
// single pass over already-durable data: there's no retransmission here,
// only a report a Hooks implementation can log before a node resumes
// writing past the gap.
type ContinuityChecker struct {
	received map[int]bool
	maxSeen  int
	hasSeen  bool
}

// NewContinuityChecker creates an empty checker.
func NewContinuityChecker() *ContinuityChecker {
	return &ContinuityChecker{received: make(map[int]bool)}
}

// Record marks that anchor was seen in storage. Anchors that aren't of the
// "auto_N" shape are ignored: only auto-assigned anchors are expected to
// be contiguous, custom producer-supplied anchors carry no such guarantee.
func (c *ContinuityChecker) Record(anchor any) {
	n, ok := parseAutoAnchor(anchor)
	if !ok {
		return
	}
	c.received[n] = true
	if !c.hasSeen || n > c.maxSeen {
		c.maxSeen = n
		c.hasSeen = true
	}
}

// Gaps returns every offset in [0, max seen] that was never recorded,
// ascending.
func (c *ContinuityChecker) Gaps() []int {
	if !c.hasSeen {
		return nil
	}
	var gaps []int
	for i := 0; i <= c.maxSeen; i++ {
		if !c.received[i] {
			gaps = append(gaps, i)
		}
	}
	sort.Ints(gaps)
	return gaps
}

func parseAutoAnchor(anchor any) (int, bool) {
	s, ok := anchor.(string)
	if !ok {
		return 0, false
	}
	rest, found := strings.CutPrefix(s, "auto_")
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// DescribeGaps renders a short human-readable summary of gaps for logging.
func DescribeGaps(gaps []int) string {
	if len(gaps) == 0 {
		return "no gaps"
	}
	return fmt.Sprintf("%d missing offset(s), first=%d last=%d", len(gaps), gaps[0], gaps[len(gaps)-1])
}
