// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package writer

import (
	"context"

	"golang.org/x/time/rate"
)

// maxBurstItems caps how many items a single WaitN reservation can request,
// so one oversized batch can't starve the limiter's token bucket for every
// other writer sharing it.
const maxBurstItems = 10_000

// itemLimiter throttles writes to a fixed items/sec rate using a token
// bucket, the same shape the teacher's ThrottledWriter applies to
// bytes/sec, generalized here to item counts since a batch's byte size
// varies by record shape.
type itemLimiter struct {
	limiter *rate.Limiter
}

// newItemLimiter builds a limiter for itemsPerSec. A non-positive rate
// disables throttling: WaitN becomes a no-op.
func newItemLimiter(itemsPerSec float64) *itemLimiter {
	if itemsPerSec <= 0 {
		return nil
	}
	burst := int(itemsPerSec)
	if burst > maxBurstItems {
		burst = maxBurstItems
	}
	if burst < 1 {
		burst = 1
	}
	return &itemLimiter{limiter: rate.NewLimiter(rate.Limit(itemsPerSec), burst)}
}

// wait blocks until n items' worth of tokens are available, splitting n
// into burst-sized reservations so a large batch doesn't demand more
// tokens than the bucket can ever hold at once.
func (l *itemLimiter) wait(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	for n > 0 {
		chunk := n
		if chunk > l.limiter.Burst() {
			chunk = l.limiter.Burst()
		}
		if err := l.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
