// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package node

import (
	"context"
	"sync"
)

// SingleOperator processes one item at a time. Returning nil filters the
// item out; returning a []any explodes it into that many downstream items.
type SingleOperator interface {
	ProcessItem(ctx context.Context, item any, nodeCtx Context) (any, error)
}

// BatchOperator processes a whole batch at once, returning the batch of
// results (which may be shorter, longer, or equal in length to the input).
type BatchOperator interface {
	ProcessBatch(ctx context.Context, items []any, nodeCtx Context) ([]any, error)
}

// Operator is the full operator lifecycle: open once before the first
// batch, close once after the last.
type Operator interface {
	Open(config map[string]any) error
	Close() error
}

// Processor is the function form of an operator, for callers that don't
// need Open/Close lifecycle hooks — the equivalent of binding a bare
// function instead of an object exposing process_item/process_batch.
// anchors, when non-nil, carries one lineage token per entry in batch;
// the returned anchors slice must realign to the returned results so a
// filtered or fanned-out item still carries its originating anchor
// through to the writer.
type Processor func(ctx context.Context, batch []any, anchors []any, nodeCtx Context) ([]any, []any, error)

// adaptedOperator wraps whichever of SingleOperator/BatchOperator an
// operator implements so the node runtime always has a uniform
// ProcessBatch to call, fanning a single-item operator out across a
// worker pool of batchSize when the node is asked to process a batch of
// more than one item.
type adaptedOperator struct {
	single    SingleOperator
	batch     BatchOperator
	batchSize int
}

func adaptOperator(op any, batchSize int) *adaptedOperator {
	a := &adaptedOperator{batchSize: batchSize}
	if b, ok := op.(BatchOperator); ok {
		a.batch = b
	}
	if s, ok := op.(SingleOperator); ok {
		a.single = s
	}
	return a
}

// processBatch calls the operator's native batch method if it has one;
// otherwise it fans the batch out across a worker pool sized to
// batchSize, calling ProcessItem for each item, then flattens: a nil
// result is dropped (filter), a []any result is spread (1:N fan-out), and
// any other result is appended as-is. Item order in the output follows
// input order even though the fan-out runs concurrently.
//
// The returned anchors slice realigns anchors to the actual surviving or
// exploded results rather than the original positional items: a filtered
// item drops its anchor along with it, and every item a fan-out produces
// carries the anchor of the item it came from. A native BatchOperator has
// no per-item correspondence the adapter can observe, so its results come
// back with nil anchors and the writer falls back to auto-assigning them.
func (a *adaptedOperator) processBatch(ctx context.Context, items []any, anchors []any, nodeCtx Context) ([]any, []any, error) {
	if a.batch != nil {
		results, err := a.batch.ProcessBatch(ctx, items, nodeCtx)
		return results, nil, err
	}
	if a.single == nil {
		return items, anchors, nil
	}

	results := make([]any, len(items))
	errs := make([]error, len(items))

	workers := a.batchSize
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item any) {
			defer wg.Done()
			defer func() { <-sem }()
			res, err := a.single.ProcessItem(ctx, item, nodeCtx)
			results[i] = res
			errs[i] = err
		}(i, item)
	}
	wg.Wait()

	out := make([]any, 0, len(items))
	outAnchors := make([]any, 0, len(items))
	for i, res := range results {
		if errs[i] != nil {
			return nil, nil, errs[i]
		}
		var anchor any
		if anchors != nil && i < len(anchors) {
			anchor = anchors[i]
		}
		if res == nil {
			continue
		}
		if list, ok := res.([]any); ok {
			for range list {
				outAnchors = append(outAnchors, anchor)
			}
			out = append(out, list...)
			continue
		}
		out = append(out, res)
		outAnchors = append(outAnchors, anchor)
	}
	return out, outAnchors, nil
}
