// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowbridge/flowcore/internal/reader"
	"github.com/flowbridge/flowcore/internal/stream"
	"github.com/flowbridge/flowcore/internal/writer"
)

// Status is a node's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCanceling Status = "canceling"
	StatusCanceled  Status = "canceled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Runtime is the serializable snapshot of a node's execution state, enough
// to rehydrate it after a restart.
type Runtime struct {
	NodeID         string `json:"node_id"`
	InputURI       string `json:"input_uri"`
	OutputURI      string `json:"output_uri"`
	BatchSize      int    `json:"batch_size"`
	ParallelSize   int    `json:"parallel_size"`
	Progress       int    `json:"progress"`
	Status         Status `json:"status"`
	BasePath       string `json:"base_path"`
	ProtocolPrefix string `json:"protocol_prefix"`
}

// Node is one pipeline stage: it binds an input and output Stream, runs an
// operator (or bare processor function) over batches pulled from the
// input, and writes results to the output, reporting progress and
// checkpoints through Callbacks as it goes.
type Node struct {
	id string

	inputStream  *stream.Stream
	outputStream *stream.Stream

	batchSize    int
	parallelSize int
	readTimeout  time.Duration
	writerCfg    writer.Config
	logger       *slog.Logger

	proc      Processor
	op        *adaptedOperator
	lifecycle Operator

	cb  Callbacks
	ctx *nodeContext

	rdr *reader.Reader
	wtr *writer.Writer

	status          atomic.Value // Status
	cancelRequested atomic.Bool
	resumeProgress  int
	total           *int
	current         int
	mu              sync.Mutex // guards total/current snapshot reads from outside Run
}

// New creates a Node identified by id. batchSize bounds how many items are
// pulled per read; parallelSize, when greater than 1, bounds how many
// batches this node processes concurrently (the node's own dispatch
// concurrency, independent of any per-item fan-out a single-item operator
// triggers inside a batch).
func New(id string, batchSize, parallelSize int, readTimeout time.Duration, writerCfg writer.Config, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		id:           id,
		batchSize:    batchSize,
		parallelSize: parallelSize,
		readTimeout:  readTimeout,
		writerCfg:    writerCfg,
		logger:       logger,
	}
	n.status.Store(StatusPending)
	n.ctx = newContext(id, id, Callbacks{})
	n.proc = identityProcessor
	return n
}

// identityProcessor is the zero-operator transform: it hands every batch
// and its anchors straight through, making a node with no operator bound
// an input-to-output identity copy.
func identityProcessor(_ context.Context, batch []any, anchors []any, _ Context) ([]any, []any, error) {
	return batch, anchors, nil
}

// BindIO attaches this node's input and output streams.
func (n *Node) BindIO(input, output *stream.Stream) {
	n.inputStream = input
	n.outputStream = output
}

// SetProcessor installs a bare function as this node's transform, bypassing
// the Operator Open/Close lifecycle.
func (n *Node) SetProcessor(p Processor) { n.proc = p }

// SetOperator installs op as this node's transform. op must implement
// SingleOperator and/or BatchOperator; if it also implements Operator,
// Open is called during Open and Close during Close.
func (n *Node) SetOperator(op any) {
	n.op = adaptOperator(op, n.batchSize)
	n.proc = func(ctx context.Context, batch []any, anchors []any, nodeCtx Context) ([]any, []any, error) {
		return n.op.processBatch(ctx, batch, anchors, nodeCtx)
	}
	if lifecycle, ok := op.(Operator); ok {
		n.lifecycle = lifecycle
	}
}

// SetContext installs the callback surface the node reports progress,
// usage, logs, and errors through.
func (n *Node) SetContext(contextID string, cb Callbacks) {
	n.cb = cb
	n.ctx = newContext(n.id, contextID, cb)
}

// ID returns this node's identifier.
func (n *Node) ID() string { return n.id }

// Status returns the node's current lifecycle status.
func (n *Node) Status() Status { return n.status.Load().(Status) }

// Open prepares this node to run: unseals its output (unless already
// completed), builds its Reader/Writer pair, and reports the initial
// progress snapshot.
func (n *Node) Open(resumeProgress int) error {
	status := n.Status()
	if status != StatusCompleted && status != StatusCanceled {
		n.status.Store(StatusRunning)
	}

	if status != StatusCompleted {
		sealed, err := n.outputStream.Storage().IsSealed()
		if err != nil {
			return fmt.Errorf("checking output seal for node %s: %w", n.id, err)
		}
		if sealed {
			if err := n.outputStream.Unseal(); err != nil {
				return fmt.Errorf("unsealing output for node %s: %w", n.id, err)
			}
		}
	}

	if n.lifecycle != nil {
		if err := n.lifecycle.Open(nil); err != nil {
			return fmt.Errorf("opening operator for node %s: %w", n.id, err)
		}
	}

	n.resumeProgress = resumeProgress
	n.rdr = reader.New(n.inputStream.Storage(), n.inputStream.Channel(), resumeProgress)
	writtenCount, err := n.outputStream.Storage().Size()
	if err != nil {
		return fmt.Errorf("sizing output storage for node %s: %w", n.id, err)
	}
	n.wtr = writer.New(n.outputStream.Storage(), n.outputStream.Channel(), n.writerCfg, writtenCount, n.logger)

	total, err := n.rdr.TotalCount()
	if err != nil {
		return fmt.Errorf("sizing input storage for node %s: %w", n.id, err)
	}
	n.total = &total
	n.current = resumeProgress
	n.reportProgress(n.current, n.total, nil)

	return nil
}

// ClearOutput deletes this node's output storage and any leftover seal, as
// part of the pipeline's fresh-create stream-clearing step. It must be
// called before Open.
func (n *Node) ClearOutput() error {
	return n.outputStream.ClearData()
}

// Run drives the read-process-write loop until the input is exhausted and
// sealed, cancellation is requested, or an error occurs.
func (n *Node) Run(ctx context.Context) error {
	if n.parallelSize > 1 {
		return n.runParallel(ctx)
	}
	return n.runSequential(ctx)
}

func (n *Node) runSequential(ctx context.Context) error {
	return n.rdr.Read(n.batchSize, n.readTimeout, func(b reader.Batch) error {
		if n.cancelRequested.Load() {
			return fmt.Errorf("node %s cancelled", n.id)
		}
		n.commitProgress()

		result, anchors, err := n.process(ctx, b)
		if err != nil {
			n.ctx.ReportFailedItems(toAnySlice(b.Items), err)
			return err
		}
		if len(result) > 0 {
			return n.wtr.Write(anyToMaps(result), anchors)
		}
		return nil
	})
}

func (n *Node) runParallel(ctx context.Context) error {
	sem := make(chan struct{}, n.parallelSize)
	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex

	recordErr := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}

	err := n.rdr.Read(n.batchSize, n.readTimeout, func(b reader.Batch) error {
		if n.cancelRequested.Load() {
			return fmt.Errorf("node %s cancelled", n.id)
		}
		errMu.Lock()
		failed := firstErr != nil
		errMu.Unlock()
		if failed {
			return firstErr
		}
		n.commitProgress()

		sem <- struct{}{}
		wg.Add(1)
		go func(batch reader.Batch) {
			defer wg.Done()
			defer func() { <-sem }()

			result, anchors, err := n.process(ctx, batch)
			if err != nil {
				n.ctx.ReportFailedItems(toAnySlice(batch.Items), err)
				recordErr(err)
				return
			}
			if len(result) > 0 {
				if err := n.wtr.Write(anyToMaps(result), anchors); err != nil {
					recordErr(err)
				}
			}
		}(b)
		return nil
	})

	wg.Wait()
	if err != nil {
		return err
	}
	return firstErr
}

// commitProgress reports and checkpoints the reader's current completed
// count. Writing the checkpoint here, before the batch is processed, is
// what makes a crash mid-operator lose the batches in flight (one in
// sequential mode, up to parallelSize in parallel mode) rather than
// reprocess one already delivered downstream.
func (n *Node) commitProgress() {
	current := n.rdr.CompletedCount()
	if totalNow, err := n.rdr.TotalCount(); err == nil {
		if n.total == nil || totalNow > *n.total {
			n.total = &totalNow
		}
	}
	n.mu.Lock()
	n.current = current
	n.mu.Unlock()
	n.reportProgress(current, n.total, nil)
	n.ctx.SaveCheckpoint()
}

func (n *Node) process(ctx context.Context, b reader.Batch) ([]any, []any, error) {
	items := toAnySlice(b.Items)
	return n.proc(ctx, items, b.Anchors, n.ctx)
}

func (n *Node) reportProgress(current int, total *int, metadata map[string]any) {
	if n.ctx != nil {
		n.ctx.ReportProgress(current, total, metadata)
	}
}

// CancelRequested reports whether Cancel has been called on this node,
// used by a caller to tell a genuine failure apart from a cascading
// cancellation when both surface as a Run error.
func (n *Node) CancelRequested() bool { return n.cancelRequested.Load() }

// MarkFailed records that this node's Run returned a non-cancellation
// error, so Close settles it to StatusFailed rather than StatusCompleted.
func (n *Node) MarkFailed() {
	n.status.Store(StatusFailed)
}

// Cancel requests cooperative cancellation; the node checks this flag
// between batches (and between parallel dispatches) and stops as soon as
// it's observed.
func (n *Node) Cancel() {
	n.cancelRequested.Store(true)
	n.status.Store(StatusCanceling)
}

// Close seals the output, closes both streams, settles the final status,
// and reports the closing progress snapshot.
func (n *Node) Close() error {
	wasRunning := n.Status() == StatusRunning || n.Status() == StatusCanceling
	cancelPending := n.cancelRequested.Load()

	if n.rdr != nil {
		n.inputStream.Channel().SetEOF()
	}
	var closeErr error
	if n.wtr != nil {
		if err := n.wtr.Close(); err != nil {
			closeErr = err
		}
	}
	n.inputStream.Close()
	n.outputStream.Close()

	if n.lifecycle != nil {
		if err := n.lifecycle.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}

	switch {
	case cancelPending:
		n.status.Store(StatusCanceled)
	case wasRunning:
		n.status.Store(StatusCompleted)
	}

	n.mu.Lock()
	current := n.current
	n.mu.Unlock()
	final := current
	if n.total != nil && *n.total > final {
		final = *n.total
	}
	n.reportProgress(final, &final, nil)

	return closeErr
}

// GetProgress returns the last committed (current, total) pair.
func (n *Node) GetProgress() (int, *int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current, n.total
}

// GetRuntime snapshots this node's execution state for checkpointing.
func (n *Node) GetRuntime() Runtime {
	current, _ := n.GetProgress()
	rt := Runtime{
		NodeID:       n.id,
		BatchSize:    n.batchSize,
		ParallelSize: n.parallelSize,
		Progress:     current,
		Status:       n.Status(),
	}
	if n.inputStream != nil {
		rt.InputURI = n.inputStream.URI()
	}
	if n.outputStream != nil {
		rt.OutputURI = n.outputStream.URI()
	}
	return rt
}

// ResumeFromRuntime restores status and progress from a prior snapshot.
// Streams themselves are rebound via BindIO before Open is called.
func (n *Node) ResumeFromRuntime(rt Runtime) {
	n.status.Store(rt.Status)
	n.resumeProgress = rt.Progress
	n.current = rt.Progress
}

func toAnySlice(items []map[string]any) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

func anyToMaps(items []any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case map[string]any:
			out = append(out, v)
		default:
			out = append(out, map[string]any{"data": v})
		}
	}
	return out
}
