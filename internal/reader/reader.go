// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package reader implements the batch-oriented pull side of a stream: a
// Reader walks a stream's storage from a given offset, tail-following new
// appends via the paired channel until the stream is sealed.
package reader

import (
	"time"

	"github.com/flowbridge/flowcore/internal/stream"
)

// Batch is one pulled batch of items, each paired with the anchor a
// downstream writer should use to re-identify it on any subsequent weld.
type Batch struct {
	Items   []map[string]any
	Anchors []any
}

// Reader pulls fixed-size batches from a stream's storage, preferring the
// anchor a producer attached under the "_i" key and falling back to the
// physical read offset when an item carries none — the same fallback the
// original reader used so that a crash mid-stream still yields strictly
// increasing, resumable anchors.
type Reader struct {
	bridge    *stream.Bridge
	storage   stream.Storage
	completed int
}

// New builds a Reader over storage/channel starting at the given physical
// offset (0 for a fresh read, or a prior checkpoint's completed count to
// resume).
func New(storage stream.Storage, channel *stream.Channel, startOffset int) *Reader {
	return &Reader{
		bridge:    stream.NewBridge(storage, channel),
		storage:   storage,
		completed: startOffset,
	}
}

// BatchFunc receives one pulled Batch; returning an error stops the read
// loop and propagates the error to Read's caller.
type BatchFunc func(Batch) error

// Read drives the tail-follow loop, invoking fn once per batch of up to
// batchSize items until the stream is exhausted and sealed. timeout bounds
// how long each wait for new data blocks before re-checking stream state.
func (r *Reader) Read(batchSize int, timeout time.Duration, fn BatchFunc) error {
	return r.bridge.ReadStream(r.completed, batchSize, timeout, func(raw []map[string]any) error {
		batch := Batch{
			Items:   make([]map[string]any, len(raw)),
			Anchors: make([]any, len(raw)),
		}
		for i, item := range raw {
			physicalIdx := r.completed + i
			anchor := any(physicalIdx)
			if item != nil {
				if a, ok := item["_i"]; ok {
					anchor = a
				}
			}
			batch.Items[i] = item
			batch.Anchors[i] = anchor
		}
		r.completed += len(raw)
		return fn(batch)
	})
}

// CompletedCount returns how many items this Reader has yielded so far.
func (r *Reader) CompletedCount() int { return r.completed }

// GetCurrentProgress is an alias for CompletedCount, matching the
// checkpoint field name a Hooks implementation persists.
func (r *Reader) GetCurrentProgress() int { return r.completed }

// TotalCount returns the current size of the backing storage. On a stream
// still being written to, this is a lower bound, not a final total.
func (r *Reader) TotalCount() (int, error) { return r.storage.Size() }

// Resume rewinds (or fast-forwards) this Reader's cursor to progress,
// typically the completed count recorded in a checkpoint.
func (r *Reader) Resume(progress int) { r.completed = progress }
