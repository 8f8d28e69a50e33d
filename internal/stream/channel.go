// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"sync"
	"time"
)

// Channel is a single-writer, multi-waiter synchronization primitive: the
// writer side calls Notify after every append, waiters block in Wait until
// either a new version is observed or EOF is set. Wait records the version
// and the current broadcast channel under one lock, so a Notify that lands
// after that point is never lost; a Notify that happened before Wait was
// called is not observed, and callers re-read storage after a timed-out
// Wait to cover that gap.
type Channel struct {
	mu      sync.Mutex
	version uint64
	eof     bool
	wake    chan struct{} // closed and replaced on every Notify/SetEOF/Reset
}

// NewChannel creates a Channel ready for use.
func NewChannel() *Channel {
	return &Channel{wake: make(chan struct{})}
}

// Notify increments the version counter and wakes all waiters.
func (c *Channel) Notify() {
	c.mu.Lock()
	c.version++
	old := c.wake
	c.wake = make(chan struct{})
	c.mu.Unlock()
	close(old)
}

// Wait blocks until the version advances past the value observed on entry,
// EOF is set, or timeout elapses. Returns true if woken by a version change
// or EOF, false on timeout.
func (c *Channel) Wait(timeout time.Duration) bool {
	c.mu.Lock()
	startVersion := c.version
	if c.eof || c.version > startVersion {
		c.mu.Unlock()
		return true
	}
	wake := c.wake
	c.mu.Unlock()

	select {
	case <-wake:
		return true
	case <-time.After(timeout):
		c.mu.Lock()
		changed := c.version != startVersion || c.eof
		c.mu.Unlock()
		return changed
	}
}

// SetEOF is sticky: once set it cannot be cleared except by Reset.
func (c *Channel) SetEOF() {
	c.mu.Lock()
	if c.eof {
		c.mu.Unlock()
		return
	}
	c.eof = true
	old := c.wake
	c.wake = make(chan struct{})
	c.mu.Unlock()
	close(old)
}

// IsEOF reports whether SetEOF has been called since the last Reset.
func (c *Channel) IsEOF() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eof
}

// Reset clears EOF and advances the version so stale waiters re-evaluate.
func (c *Channel) Reset() {
	c.mu.Lock()
	c.eof = false
	c.version++
	old := c.wake
	c.wake = make(chan struct{})
	c.mu.Unlock()
	close(old)
}
