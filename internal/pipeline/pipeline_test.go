// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/flowbridge/flowcore/internal/hooks"
	"github.com/flowbridge/flowcore/internal/node"
	"github.com/flowbridge/flowcore/internal/stream"
	"github.com/flowbridge/flowcore/internal/writer"
)

// chdirToTemp points the process's working directory at a fresh temp
// directory for the duration of a test, so relative jsonl:// boundary and
// internal-edge URIs resolve to disposable files instead of the package
// source tree. Tests in this file never run concurrently with t.Parallel,
// so a process-global chdir is safe here.
func chdirToTemp(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}

func seedJSONL(t *testing.T, uri string, items ...map[string]any) {
	t.Helper()
	s, err := stream.New(uri, stream.Options{})
	if err != nil {
		t.Fatalf("building seed stream %s: %v", uri, err)
	}
	if err := s.Storage().Append(items); err != nil {
		t.Fatalf("seeding %s: %v", uri, err)
	}
	if err := s.Seal(); err != nil {
		t.Fatalf("sealing %s: %v", uri, err)
	}
}

func baseConfig(pipelineID, inputURI, outputURI string, nodes ...NodeSpec) Config {
	return Config{
		PipelineID:      pipelineID,
		InputURI:        inputURI,
		OutputURI:       outputURI,
		DefaultProtocol: "jsonl",
		ReadTimeout:     50 * time.Millisecond,
		Nodes:           nodes,
	}
}

type identityOperator struct{}

func (identityOperator) ProcessItem(_ context.Context, item any, _ node.Context) (any, error) {
	return item, nil
}

func TestPipeline_IdentityCopiesAllItems(t *testing.T) {
	chdirToTemp(t)
	in, out := "jsonl://in.jsonl", "jsonl://out.jsonl"
	seedJSONL(t, in, map[string]any{"v": float64(1)}, map[string]any{"v": float64(2)}, map[string]any{"v": float64(3)})

	cfg := baseConfig("identity-copy", in, out, NodeSpec{ID: "pass", BatchSize: 2, ParallelSize: 1, Operator: identityOperator{}})
	p, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.Status() != StatusCompleted {
		t.Errorf("expected StatusCompleted, got %s", p.Status())
	}

	outStream, err := stream.New(out, stream.Options{})
	if err != nil {
		t.Fatalf("reopening output: %v", err)
	}
	size, _ := outStream.Storage().Size()
	if size != 3 {
		t.Errorf("expected 3 items in output, got %d", size)
	}
}

func TestPipeline_NilOperatorIsIdentityCopy(t *testing.T) {
	chdirToTemp(t)
	in, out := "jsonl://in.jsonl", "jsonl://out.jsonl"
	seedJSONL(t, in, map[string]any{"v": float64(1)}, map[string]any{"v": float64(2)}, map[string]any{"v": float64(3)})

	cfg := baseConfig("zero-operator", in, out, NodeSpec{ID: "pass", BatchSize: 2, ParallelSize: 1})
	p, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.Status() != StatusCompleted {
		t.Errorf("expected StatusCompleted, got %s", p.Status())
	}

	outStream, err := stream.New(out, stream.Options{})
	if err != nil {
		t.Fatalf("reopening output: %v", err)
	}
	size, _ := outStream.Storage().Size()
	if size != 3 {
		t.Errorf("expected 3 items in output, got %d", size)
	}
}

type doublerOperator struct{}

func (doublerOperator) ProcessItem(_ context.Context, item any, _ node.Context) (any, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return item, nil
	}
	a := map[string]any{}
	b := map[string]any{}
	for k, v := range m {
		a[k] = v
		b[k] = v
	}
	b["copy"] = true
	return []any{a, b}, nil
}

func TestPipeline_FanOutOperatorDoublesItems(t *testing.T) {
	chdirToTemp(t)
	in, out := "jsonl://in.jsonl", "jsonl://out.jsonl"
	seedJSONL(t, in, map[string]any{"v": float64(1)}, map[string]any{"v": float64(2)})

	cfg := baseConfig("fanout", in, out, NodeSpec{
		ID: "double", BatchSize: 10, ParallelSize: 1, Operator: doublerOperator{},
	})
	p, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	outStream, _ := stream.New(out, stream.Options{})
	size, _ := outStream.Storage().Size()
	if size != 4 {
		t.Errorf("expected 4 items after fan-out, got %d", size)
	}
	written, err := outStream.Storage().Read(0, size)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if written[0]["_i"] != written[1]["_i"] {
		t.Errorf("expected the two items exploded from v=1 to share an anchor, got %v and %v", written[0]["_i"], written[1]["_i"])
	}
	if written[2]["_i"] != written[3]["_i"] {
		t.Errorf("expected the two items exploded from v=2 to share an anchor, got %v and %v", written[2]["_i"], written[3]["_i"])
	}
	if written[0]["_i"] == written[2]["_i"] {
		t.Errorf("expected distinct anchors between the two exploded pairs, both got %v", written[0]["_i"])
	}
}

type evenFilterOperator struct{}

func (evenFilterOperator) ProcessItem(_ context.Context, item any, _ node.Context) (any, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return item, nil
	}
	v, _ := m["v"].(float64)
	if int(v)%2 != 0 {
		return nil, nil
	}
	return m, nil
}

func TestPipeline_FilterOperatorDropsItems(t *testing.T) {
	chdirToTemp(t)
	in, out := "jsonl://in.jsonl", "jsonl://out.jsonl"
	seedJSONL(t, in,
		map[string]any{"v": float64(1)}, map[string]any{"v": float64(2)},
		map[string]any{"v": float64(3)}, map[string]any{"v": float64(4)},
	)

	cfg := baseConfig("filter", in, out, NodeSpec{
		ID: "evens", BatchSize: 10, ParallelSize: 1, Operator: evenFilterOperator{},
	})
	p, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	outStream, _ := stream.New(out, stream.Options{})
	size, _ := outStream.Storage().Size()
	if size != 2 {
		t.Errorf("expected 2 surviving even items, got %d", size)
	}
	written, err := outStream.Storage().Read(0, size)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	// v=2 and v=4 were read at physical offsets 1 and 3; the survivors must
	// keep those anchors rather than being renumbered 0 and 1.
	if written[0]["_i"] != float64(1) || written[1]["_i"] != float64(3) {
		t.Errorf("expected surviving items to keep their original anchors 1 and 3, got %v and %v",
			written[0]["_i"], written[1]["_i"])
	}
}

type explodingOperator struct {
	failAfter int
	seen      int
}

func (e *explodingOperator) ProcessItem(_ context.Context, item any, _ node.Context) (any, error) {
	e.seen++
	if e.seen > e.failAfter {
		return nil, errCrash
	}
	return item, nil
}

type crashErr string

func (e crashErr) Error() string { return string(e) }

const errCrash = crashErr("simulated crash")

// TestPipeline_CrashThenResumeIsAtMostOnce exercises the crash+resume path
// with a checkpoint committed before the operator runs on the failing
// batch: the item in flight when the crash happens is not redelivered on
// resume, only the items after it.
func TestPipeline_CrashThenResumeIsAtMostOnce(t *testing.T) {
	chdirToTemp(t)
	in, out := "jsonl://in.jsonl", "jsonl://out.jsonl"
	seedJSONL(t, in, map[string]any{"v": float64(1)}, map[string]any{"v": float64(2)}, map[string]any{"v": float64(3)})

	resultsDir := t.TempDir()
	op := &explodingOperator{failAfter: 1}
	cfg := baseConfig("resume-pipeline", in, out, NodeSpec{
		ID: "flaky", BatchSize: 1, ParallelSize: 1, Operator: op,
	})
	cfg.ResultsDir = resultsDir

	ckpt := hooks.NewCheckpointHooks(resultsDir, nil)
	p, err := New(cfg, ckpt, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	runErr := p.Run(context.Background())
	if runErr == nil {
		t.Fatal("expected the first run to fail at the simulated crash")
	}

	// Rebuild a fresh Pipeline over the same config/results dir, simulating
	// a process restart, and resume.
	ckpt2 := hooks.NewCheckpointHooks(resultsDir, nil)
	op2 := &explodingOperator{failAfter: 100}
	cfg.Nodes[0].Operator = op2
	p2, err := New(cfg, ckpt2, nil)
	if err != nil {
		t.Fatalf("New (resume): %v", err)
	}
	if err := p2.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := p2.Run(context.Background()); err != nil {
		t.Fatalf("Run (resume): %v", err)
	}

	// Item 2 was mid-operator when the first run crashed; its checkpoint
	// was already committed, so it's lost rather than redelivered. Only
	// item 1 (completed before the crash) and item 3 (read after resume)
	// make it to the output.
	outStream, _ := stream.New(out, stream.Options{})
	size, _ := outStream.Storage().Size()
	if size != 2 {
		t.Errorf("expected 2 items present after an at-most-once resume, got %d", size)
	}
}

func TestPipeline_StreamingEngineBackPressure(t *testing.T) {
	chdirToTemp(t)
	in, out := "jsonl://in.jsonl", "jsonl://out.jsonl"
	seedJSONL(t, in,
		map[string]any{"v": float64(1)}, map[string]any{"v": float64(2)},
		map[string]any{"v": float64(3)}, map[string]any{"v": float64(4)},
	)

	cfg := baseConfig("streaming", in, out,
		NodeSpec{ID: "a", BatchSize: 1, ParallelSize: 1, Operator: identityOperator{}},
		NodeSpec{ID: "b", BatchSize: 1, ParallelSize: 1, Operator: identityOperator{}},
	)
	cfg.Streaming = true

	p, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.Status() != StatusCompleted {
		t.Errorf("expected StatusCompleted, got %s", p.Status())
	}

	outStream, _ := stream.New(out, stream.Options{})
	size, _ := outStream.Storage().Size()
	if size != 4 {
		t.Errorf("expected 4 items through both streaming stages, got %d", size)
	}
}

func TestPipeline_WriterConfigPropagatesToNodes(t *testing.T) {
	chdirToTemp(t)
	in, out := "jsonl://in.jsonl", "jsonl://out.jsonl"
	seedJSONL(t, in, map[string]any{"v": float64(1)})

	cfg := baseConfig("writercfg", in, out, NodeSpec{
		ID: "w", BatchSize: 10, ParallelSize: 1, Operator: identityOperator{},
		WriterConfig: writer.Config{AsyncMode: true, QueueSize: 10, FlushBatchSize: 1, FlushInterval: 10 * time.Millisecond},
	})
	p, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	outStream, _ := stream.New(out, stream.Options{})
	size, _ := outStream.Storage().Size()
	if size != 1 {
		t.Errorf("expected 1 item flushed through async writer, got %d", size)
	}
}
