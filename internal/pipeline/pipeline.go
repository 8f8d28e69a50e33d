// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowbridge/flowcore/internal/hooks"
	"github.com/flowbridge/flowcore/internal/node"
	"github.com/flowbridge/flowcore/internal/stream"
)

// Status mirrors Node's lifecycle states at the pipeline level.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResuming  Status = "resuming"
	StatusRunning   Status = "running"
	StatusCanceling Status = "canceling"
	StatusCanceled  Status = "canceled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// shutdownWait bounds how long the streaming engine waits for the
// remaining nodes to notice cancellation after the first failure.
const shutdownWait = 5 * time.Second

// Runtime is the pipeline-wide serializable snapshot, written to
// <results_dir>/<pipeline_id>/runtime.json.
type Runtime struct {
	PipelineID string         `json:"pipeline_id"`
	Streaming  bool           `json:"streaming"`
	Status     Status         `json:"status"`
	Nodes      []node.Runtime `json:"nodes"`
}

// Pipeline welds a planned node topology into a running engine: it owns
// every node's bound streams, drives the sequential or streaming
// execution engine, and reports lifecycle events through Hooks.
type Pipeline struct {
	id         string
	cfg        Config
	planned    []plannedNode
	nodes      []*node.Node
	hooks      hooks.Hooks
	logger     *slog.Logger

	status          atomic.Value // Status
	cancelRequested atomic.Bool
	nodeFailed      atomic.Bool
}

// New plans cfg's topology and constructs (but does not open) a Pipeline.
// hks may be nil, in which case lifecycle events are simply not reported
// anywhere.
func New(cfg Config, hks hooks.Hooks, logger *slog.Logger) (*Pipeline, error) {
	if cfg.PipelineID == "" {
		cfg.PipelineID = generatePipelineID()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if hks == nil {
		hks = hooks.NoopHooks{}
	}

	planned, err := plan(cfg)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{id: cfg.PipelineID, cfg: cfg, planned: planned, hooks: hks, logger: logger}
	p.status.Store(StatusPending)

	if err := p.buildNodes(); err != nil {
		return nil, err
	}
	return p, nil
}

// ID returns the pipeline's identifier.
func (p *Pipeline) ID() string { return p.id }

// SetHooks replaces the hooks a pipeline reports through after
// construction. Lets a caller build hooks that need the Pipeline itself
// as their RuntimeProvider (observability's HTTP endpoint, notably)
// without a construction-order cycle.
func (p *Pipeline) SetHooks(hks hooks.Hooks) {
	if hks == nil {
		hks = hooks.NoopHooks{}
	}
	p.hooks = hks
}

func (p *Pipeline) buildNodes() error {
	p.nodes = make([]*node.Node, len(p.planned))
	for i, pn := range p.planned {
		inputOpts := stream.Options{ProtocolPrefix: p.cfg.ProtocolPrefix, BasePath: p.cfg.BasePath}
		if !pn.inputIsInternal {
			inputOpts = stream.Options{}
		}
		outputOpts := stream.Options{ProtocolPrefix: p.cfg.ProtocolPrefix, BasePath: p.cfg.BasePath}
		if !pn.outputIsInternal {
			outputOpts = stream.Options{}
		}

		in, err := stream.New(pn.inputURI, inputOpts)
		if err != nil {
			return fmt.Errorf("building input stream for node %s: %w", pn.spec.ID, err)
		}
		out, err := stream.New(pn.outputURI, outputOpts)
		if err != nil {
			return fmt.Errorf("building output stream for node %s: %w", pn.spec.ID, err)
		}

		n := node.New(pn.spec.ID, pn.spec.BatchSize, pn.spec.ParallelSize, p.cfg.ReadTimeout, pn.spec.WriterConfig, p.logger)
		n.BindIO(in, out)
		if pn.spec.Operator != nil {
			n.SetOperator(pn.spec.Operator)
		}
		n.SetContext(p.id, p.nodeCallbacks(pn.spec.ID))

		p.nodes[i] = n
	}
	return nil
}

func (p *Pipeline) nodeCallbacks(nodeID string) node.Callbacks {
	return node.Callbacks{
		OnProgress: func(current int, total *int, metadata map[string]any) {
			p.hooks.OnNodeProgress(p.id, nodeID, current, total, metadata)
		},
		OnUsage: func(metrics map[string]any) {
			p.hooks.OnUsage(p.id, nodeID, metrics)
		},
		OnLog: func(message, level string) {
			p.hooks.OnLog(p.id, nodeID, level, message)
		},
		OnError: func(items []any, err error) {
			p.hooks.OnNodeError(p.id, nodeID, err, items)
		},
		IsCancelled: func() bool {
			return p.cancelRequested.Load()
		},
		SaveCheckpoint: func() {
			p.saveCheckpointFor(nodeID)
		},
	}
}

func (p *Pipeline) saveCheckpointFor(nodeID string) {
	for _, n := range p.nodes {
		if n.ID() != nodeID {
			continue
		}
		current, total := n.GetProgress()
		cp := map[string]any{"current": current, "status": string(n.Status())}
		if total != nil {
			cp["total"] = *total
		}
		p.hooks.OnCheckpoint(p.id, nodeID, cp)
		return
	}
}

// Create prepares a fresh run: it clears every internal output storage,
// any leftover seal, and the pipeline's own checkpoint/report/runtime
// files, then opens every node at progress zero.
func (p *Pipeline) Create() error {
	p.hooks.ClearState(p.id)
	if err := p.clearResultsDir(); err != nil {
		return err
	}
	return p.openAll()
}

func (p *Pipeline) clearResultsDir() error {
	if p.cfg.ResultsDir != "" {
		dir := filepath.Join(p.cfg.ResultsDir, p.id)
		for _, name := range []string{"checkpoint.json", "report.json", "runtime.json"} {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("clearing %s: %w", name, err)
			}
		}
	}
	for i, pn := range p.planned {
		if !pn.outputIsInternal {
			continue
		}
		if err := p.nodes[i].ClearOutput(); err != nil {
			return fmt.Errorf("clearing output for node %s: %w", pn.spec.ID, err)
		}
	}
	return nil
}

// Resume restores this pipeline's runtime snapshot from disk (if present)
// and reopens every non-completed node at its last committed progress.
func (p *Pipeline) Resume() error {
	p.status.Store(StatusResuming)
	p.hooks.LoadState(p.id, nil)

	rt, err := p.loadRuntime()
	if err != nil {
		return err
	}
	if rt == nil {
		return p.openAll()
	}

	byID := make(map[string]node.Runtime, len(rt.Nodes))
	for _, nr := range rt.Nodes {
		byID[nr.NodeID] = nr
	}
	for _, n := range p.nodes {
		if nr, ok := byID[n.ID()]; ok {
			n.ResumeFromRuntime(nr)
		}
	}
	return p.openAllFromRuntime()
}

func (p *Pipeline) openAll() error {
	for _, n := range p.nodes {
		if err := n.Open(0); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) openAllFromRuntime() error {
	for _, n := range p.nodes {
		if n.Status() == node.StatusCompleted {
			continue
		}
		cp := p.hooks.GetCheckpoint(n.ID())
		resumeProgress := 0
		if cp != nil {
			if c, ok := cp["current"].(int); ok {
				resumeProgress = c
			} else if c, ok := cp["current"].(float64); ok {
				resumeProgress = int(c)
			}
		}
		if err := n.Open(resumeProgress); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runtimePath() string {
	return filepath.Join(p.cfg.ResultsDir, p.id, "runtime.json")
}

func (p *Pipeline) loadRuntime() (*Runtime, error) {
	buf, err := os.ReadFile(p.runtimePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading runtime file: %w", err)
	}
	var rt Runtime
	if err := json.Unmarshal(buf, &rt); err != nil {
		return nil, fmt.Errorf("parsing runtime file: %w", err)
	}
	return &rt, nil
}

// SaveRuntime writes the current pipeline-wide runtime snapshot to disk.
func (p *Pipeline) SaveRuntime() error {
	if p.cfg.ResultsDir == "" {
		return nil
	}
	rt := p.GetRuntime()
	buf, err := json.MarshalIndent(rt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling runtime: %w", err)
	}
	path := p.runtimePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating results directory: %w", err)
	}
	return os.WriteFile(path, buf, 0o644)
}

// GetRuntime snapshots the whole pipeline: its own status plus every
// node's runtime.
func (p *Pipeline) GetRuntime() Runtime {
	rt := Runtime{PipelineID: p.id, Streaming: p.cfg.Streaming, Status: p.Status()}
	for _, n := range p.nodes {
		rt.Nodes = append(rt.Nodes, n.GetRuntime())
	}
	return rt
}

// PipelineRuntime implements observability.RuntimeProvider.
func (p *Pipeline) PipelineRuntime() any { return p.GetRuntime() }

// NodeCheckpoint implements observability.RuntimeProvider.
func (p *Pipeline) NodeCheckpoint(nodeID string) map[string]any {
	return p.hooks.GetCheckpoint(nodeID)
}

// Status returns the pipeline's current lifecycle status.
func (p *Pipeline) Status() Status { return p.status.Load().(Status) }

// Run executes the welded topology start to finish, dispatching to the
// sequential or streaming engine per cfg.Streaming, reporting
// OnPipelineStart/OnPipelineEnd around the whole run.
func (p *Pipeline) Run(ctx context.Context) error {
	p.status.Store(StatusRunning)
	p.hooks.OnPipelineStart(p.id, nil)

	var err error
	if p.cfg.Streaming {
		err = p.runStreaming(ctx)
	} else {
		err = p.runSequential(ctx)
	}

	p.settleFinalStatus(err)
	p.hooks.OnPipelineEnd(p.id, string(p.Status()), err)
	_ = p.SaveRuntime()
	return err
}

// settleFinalStatus implements "canceled iff any node was canceled and
// none failed": a genuine node failure always wins over a cascading
// cancellation, even though both look like an error return from Run.
func (p *Pipeline) settleFinalStatus(runErr error) {
	switch {
	case p.nodeFailed.Load():
		p.status.Store(StatusFailed)
	case p.cancelRequested.Load():
		p.status.Store(StatusCanceled)
	case runErr != nil:
		p.status.Store(StatusFailed)
	default:
		p.status.Store(StatusCompleted)
	}
}

func (p *Pipeline) runSequential(ctx context.Context) error {
	for _, n := range p.nodes {
		if n.Status() == node.StatusCompleted {
			continue
		}
		p.hooks.OnNodeStart(p.id, n.ID(), nil)
		if err := n.Run(ctx); err != nil {
			if !n.CancelRequested() {
				n.MarkFailed()
				p.nodeFailed.Store(true)
			}
			_ = n.Close()
			p.saveCheckpointFor(n.ID())
			return fmt.Errorf("node %s failed: %w", n.ID(), err)
		}
		if err := n.Close(); err != nil {
			return fmt.Errorf("closing node %s: %w", n.ID(), err)
		}
		p.hooks.OnNodeFinish(p.id, n.ID())
	}
	return nil
}

func (p *Pipeline) runStreaming(ctx context.Context) error {
	live := make([]*node.Node, 0, len(p.nodes))
	for _, n := range p.nodes {
		if n.Status() != node.StatusCompleted {
			live = append(live, n)
		}
	}
	if len(live) == 0 {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex

	recordErr := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
			p.nodeFailed.Store(true)
			for _, sibling := range live {
				sibling.Cancel()
			}
			cancel()
		}
		errMu.Unlock()
	}

	for _, n := range live {
		p.hooks.OnNodeStart(p.id, n.ID(), nil)
		wg.Add(1)
		go func(n *node.Node) {
			defer wg.Done()
			if err := n.Run(runCtx); err != nil {
				if !n.CancelRequested() {
					n.MarkFailed()
					recordErr(fmt.Errorf("node %s failed: %w", n.ID(), err))
				}
				return
			}
			p.hooks.OnNodeFinish(p.id, n.ID())
		}(n)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownWait):
		p.logger.Warn("streaming engine: nodes still running past shutdown wait", "pipeline_id", p.id)
	}

	for _, n := range live {
		if err := n.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Cancel requests cooperative cancellation across every node. Idempotent.
func (p *Pipeline) Cancel() {
	if p.cancelRequested.Swap(true) {
		return
	}
	p.status.Store(StatusCanceling)
	for _, n := range p.nodes {
		n.Cancel()
	}
}

func generatePipelineID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
