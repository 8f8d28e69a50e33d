// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package writer implements the batch-oriented push side of a stream: a
// Writer appends items to a stream's storage, assigning each one an anchor
// under the "_i" key, then notifies the paired channel so any tail-
// following Reader wakes up.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowbridge/flowcore/internal/stream"
)

// Config controls a Writer's flush behavior.
type Config struct {
	// AsyncMode enqueues writes for a background worker instead of
	// performing them on the caller's goroutine.
	AsyncMode bool
	// QueueSize bounds the async queue's capacity; Write blocks once full.
	QueueSize int
	// FlushBatchSize is the max number of queued items the async worker
	// aggregates into one physical write.
	FlushBatchSize int
	// FlushInterval bounds how long the async worker waits to aggregate a
	// batch before flushing whatever it has.
	FlushInterval time.Duration
	// RetryInterval is defaulted but not read by the async worker, which
	// waits on the queue and on the close signal directly instead of
	// polling.
	RetryInterval time.Duration
	// RateLimitItemsPerSec throttles physical writes to this many items
	// per second. Zero disables throttling.
	RateLimitItemsPerSec float64
}

// defaulted fills in the zero-value defaults for an unset Config.
func (c Config) defaulted() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.FlushBatchSize <= 0 {
		c.FlushBatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	return c
}

// Writer appends items to a stream's storage, sync or async, assigning
// each one a stable anchor under the "_i" reserved key.
type Writer struct {
	storage stream.Storage
	channel *stream.Channel
	cfg     Config
	limiter *itemLimiter
	logger  *slog.Logger

	mu           sync.Mutex
	writtenCount int

	async *asyncQueue
}

// New builds a Writer over storage/channel. writtenCount should be seeded
// from storage.Size() by the caller on a fresh stream, or from a
// checkpoint's recorded count on resume, so auto-assigned anchors stay
// contiguous and never collide with what's already durable.
func New(storage stream.Storage, channel *stream.Channel, cfg Config, writtenCount int, logger *slog.Logger) *Writer {
	cfg = cfg.defaulted()
	w := &Writer{
		storage:      storage,
		channel:      channel,
		cfg:          cfg,
		limiter:      newItemLimiter(cfg.RateLimitItemsPerSec),
		logger:       logger,
		writtenCount: writtenCount,
	}
	if cfg.AsyncMode {
		w.async = newAsyncQueue(cfg.QueueSize, cfg.FlushBatchSize, cfg.FlushInterval, w.performBatchWrite, logger)
	}
	return w
}

// Write appends items to the stream. anchors, if non-nil, must be the same
// length as items and supplies the "_i" value for each; a nil or
// shorter-than-items anchors slice falls back to an auto-assigned
// "auto_{offset}" anchor for the items it doesn't cover.
//
// In async mode, Write returns once the request is queued: a write error
// surfacing later is only visible via the logger, not to this call.
func (w *Writer) Write(items []map[string]any, anchors []any) error {
	if w.async != nil {
		w.async.push(items, anchors)
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.performBatchWriteLocked([]writeRequest{{items: items, anchors: anchors}})
}

// performBatchWrite is the flushFunc handed to the async queue: it
// acquires the same lock the sync path uses so concurrent sync Write calls
// (if any) and the background flush never race on writtenCount.
func (w *Writer) performBatchWrite(batch []writeRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.performBatchWriteLocked(batch)
}

// performBatchWriteLocked assigns anchors, rate-limits, and appends one
// aggregated batch of requests to storage, then notifies the channel.
func (w *Writer) performBatchWriteLocked(batch []writeRequest) error {
	envelopes := make([]map[string]any, 0)
	for _, req := range batch {
		for i, item := range req.items {
			if item == nil {
				continue
			}
			anchor := any(fmt.Sprintf("auto_%d", w.writtenCount+len(envelopes)))
			if req.anchors != nil && i < len(req.anchors) && req.anchors[i] != nil {
				anchor = req.anchors[i]
			}
			item["_i"] = anchor
			envelopes = append(envelopes, item)
		}
	}
	if len(envelopes) == 0 {
		return nil
	}

	if w.limiter != nil {
		if err := w.limiter.wait(context.Background(), len(envelopes)); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	if err := w.storage.Append(envelopes); err != nil {
		return fmt.Errorf("appending to storage: %w", err)
	}
	w.writtenCount += len(envelopes)
	w.channel.Notify()
	return nil
}

// PendingCount returns how many items are queued but not yet physically
// written, always 0 in sync mode.
func (w *Writer) PendingCount() int64 {
	if w.async == nil {
		return 0
	}
	return w.async.pendingCount()
}

// WrittenCount returns how many items this Writer has physically
// committed to storage.
func (w *Writer) WrittenCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writtenCount
}

// Close flushes any async queue to completion, then sets EOF on the
// channel and marks the storage sealed so tail-following readers stop
// waiting for more data.
func (w *Writer) Close() error {
	if w.async != nil {
		w.logger.Debug("flushing async write queue")
		w.async.close()
	}
	w.channel.SetEOF()
	if err := w.storage.MarkSealed(); err != nil {
		return fmt.Errorf("sealing storage: %w", err)
	}
	return nil
}
