// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import "time"

// zeroRetryLimit bounds how many times the bridge tolerates seeing EOF at
// offset 0 before trusting it. A freshly reopened follower can observe a
// leftover seal from a previous run before the upstream's open() has had a
// chance to unseal and start appending again; this guard buys it ~500ms.
const zeroRetryLimit = 5

const (
	zeroRetrySleep = 100 * time.Millisecond
	flushGrace     = 50 * time.Millisecond
	idleSleep      = 100 * time.Millisecond
)

// BatchFunc receives one batch pulled from the bridge's read loop.
type BatchFunc func(batch []map[string]any) error

// Bridge implements the tail-follow read loop: it pulls from Storage and,
// when the storage has nothing new, waits on Channel for the producer's
// next Notify, annealing on timeout and honoring EOF/seal with a short
// grace period to avoid racing the producer's last append.
type Bridge struct {
	storage Storage
	channel *Channel
}

// NewBridge builds a Bridge over the given storage/channel pair.
func NewBridge(storage Storage, channel *Channel) *Bridge {
	return &Bridge{storage: storage, channel: channel}
}

// ReadStream drives the tail-follow loop, invoking fn once per yielded batch
// until the stream is exhausted and sealed/EOF, or fn returns an error
// (propagated immediately, read loop stops).
func (b *Bridge) ReadStream(start, batchSize int, timeout time.Duration, fn BatchFunc) error {
	offset := start
	zeroRetries := 0

	for {
		batch, err := b.storage.Read(offset, batchSize)
		if err != nil {
			return err
		}

		if len(batch) > 0 {
			if err := fn(batch); err != nil {
				return err
			}
			offset += len(batch)
			zeroRetries = 0
			if len(batch) == batchSize {
				continue // greedy pull: more is likely waiting
			}
		}

		sealed, err := b.storage.IsSealed()
		if err != nil {
			return err
		}
		done := b.channel.IsEOF() || sealed

		if done {
			if offset == 0 && zeroRetries < zeroRetryLimit {
				time.Sleep(zeroRetrySleep)
				zeroRetries++
				continue
			}
			time.Sleep(flushGrace)
			for {
				final, err := b.storage.Read(offset, batchSize)
				if err != nil {
					return err
				}
				if len(final) == 0 {
					return nil
				}
				if err := fn(final); err != nil {
					return err
				}
				offset += len(final)
			}
		}

		if !b.channel.Wait(timeout) {
			final, err := b.storage.Read(offset, batchSize)
			if err != nil {
				return err
			}
			if len(final) > 0 {
				if err := fn(final); err != nil {
					return err
				}
				offset += len(final)
			} else {
				time.Sleep(idleSleep)
			}
		}
	}
}
