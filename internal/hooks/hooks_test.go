// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hooks

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingHooks struct {
	NoopHooks
	started  int
	finished []string
}

func (r *recordingHooks) OnPipelineStart(string, map[string]any) { r.started++ }
func (r *recordingHooks) OnNodeFinish(_, nodeID string)          { r.finished = append(r.finished, nodeID) }
func (r *recordingHooks) GetState() map[string]any               { return map[string]any{"started": r.started} }
func (r *recordingHooks) LoadStateData(data map[string]any) {
	if v, ok := data["started"].(int); ok {
		r.started = v
	}
}

func TestCompositeHooks_FansOutToEveryConstituent(t *testing.T) {
	a := &recordingHooks{}
	b := &recordingHooks{}
	c := NewCompositeHooks(a, b)

	c.OnPipelineStart("ctx", nil)
	c.OnNodeFinish("ctx", "n1")

	if a.started != 1 || b.started != 1 {
		t.Errorf("expected both hooks to observe OnPipelineStart, got a=%d b=%d", a.started, b.started)
	}
	if len(a.finished) != 1 || a.finished[0] != "n1" {
		t.Errorf("expected hook a to record node finish, got %v", a.finished)
	}
	if len(b.finished) != 1 || b.finished[0] != "n1" {
		t.Errorf("expected hook b to record node finish, got %v", b.finished)
	}
}

func TestCompositeHooks_GetCheckpointReturnsFirstNonNil(t *testing.T) {
	a := &recordingHooks{}
	resultsDir := t.TempDir()
	ck := NewCheckpointHooks(resultsDir, discardLogger())
	ck.OnNodeProgress("ctx", "n1", 5, nil, nil)

	c := NewCompositeHooks(a, ck)
	cp := c.GetCheckpoint("n1")
	if cp == nil {
		t.Fatal("expected a non-nil checkpoint from the second hook")
	}
	if cp["current"] != 5 {
		t.Errorf("expected current 5, got %v", cp["current"])
	}
}

func TestCompositeHooks_StateRoundTripsPerIndex(t *testing.T) {
	a := &recordingHooks{started: 3}
	b := &recordingHooks{started: 7}
	c := NewCompositeHooks(a, b)

	snapshot := c.GetState()

	a2 := &recordingHooks{}
	b2 := &recordingHooks{}
	c2 := NewCompositeHooks(a2, b2)
	c2.LoadStateData(snapshot)

	if a2.started != 3 {
		t.Errorf("expected hook_0 restored to 3, got %d", a2.started)
	}
	if b2.started != 7 {
		t.Errorf("expected hook_1 restored to 7, got %d", b2.started)
	}
}

func TestCheckpointHooks_SaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ck := NewCheckpointHooks(dir, discardLogger())
	ck.OnNodeStart("ctx", "n1", nil)
	total := 10
	ck.OnNodeProgress("ctx", "n1", 4, &total, nil)

	path := filepath.Join(dir, "ctx", "checkpoint.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected checkpoint.json to exist: %v", err)
	}

	ck2 := NewCheckpointHooks(dir, discardLogger())
	ck2.LoadState("ctx", nil)
	cp := ck2.GetCheckpoint("n1")
	if cp == nil {
		t.Fatal("expected restored checkpoint for n1")
	}
	if cp["current"] != 4 {
		t.Errorf("expected current 4 after reload, got %v", cp["current"])
	}
	if cp["total"] != 10 {
		t.Errorf("expected total 10 after reload, got %v", cp["total"])
	}
}

func TestCheckpointHooks_ClearStateRemovesFile(t *testing.T) {
	dir := t.TempDir()
	ck := NewCheckpointHooks(dir, discardLogger())
	ck.OnNodeProgress("ctx", "n1", 1, nil, nil)
	path := filepath.Join(dir, "ctx", "checkpoint.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected checkpoint file before ClearState: %v", err)
	}

	ck.ClearState("ctx")
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected checkpoint file removed after ClearState, stat err = %v", err)
	}
	if cp := ck.GetCheckpoint("n1"); cp != nil {
		t.Errorf("expected in-memory state cleared too, got %v", cp)
	}
}

func TestMemStatsHooks_ReportWrittenOnPipelineEnd(t *testing.T) {
	dir := t.TempDir()
	m := NewMemStatsHooks(dir, discardLogger())

	m.OnPipelineStart("ctx", nil)
	m.OnNodeStart("ctx", "n1", nil)
	total := 2
	m.OnNodeProgress("ctx", "n1", 2, &total, nil)
	m.OnNodeFinish("ctx", "n1")
	m.OnPipelineEnd("ctx", "completed", nil)

	path := filepath.Join(dir, "ctx", "report.json")
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected report.json to exist: %v", err)
	}
	var report map[string]any
	if err := json.Unmarshal(buf, &report); err != nil {
		t.Fatalf("unmarshaling report: %v", err)
	}
	if report["status"] != "completed" {
		t.Errorf("expected status completed, got %v", report["status"])
	}
	if report["pipeline_id"] != "ctx" {
		t.Errorf("expected pipeline_id ctx, got %v", report["pipeline_id"])
	}
}

func TestMemStatsHooks_ReportRecordsCanceledStatus(t *testing.T) {
	dir := t.TempDir()
	m := NewMemStatsHooks(dir, discardLogger())

	m.OnPipelineStart("ctx", nil)
	m.OnPipelineEnd("ctx", "canceled", nil)

	path := filepath.Join(dir, "ctx", "report.json")
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected report.json to exist: %v", err)
	}
	var report map[string]any
	if err := json.Unmarshal(buf, &report); err != nil {
		t.Fatalf("unmarshaling report: %v", err)
	}
	if report["status"] != "canceled" {
		t.Errorf("expected status canceled, got %v", report["status"])
	}
}

func TestMemStatsHooks_UsageAccumulates(t *testing.T) {
	m := NewMemStatsHooks("", discardLogger())
	m.OnUsage("ctx", "n1", map[string]any{"tokens": 3})
	m.OnUsage("ctx", "n1", map[string]any{"tokens": 4.5})

	state := m.GetState()
	usages, ok := state["node_usages"].(map[string]nodeUsage)
	if !ok {
		t.Fatalf("expected node_usages map, got %T", state["node_usages"])
	}
	if usages["n1"]["tokens"] != 7.5 {
		t.Errorf("expected accumulated tokens 7.5, got %v", usages["n1"]["tokens"])
	}
}

func TestMemStatsHooks_CheckpointRestoresProgress(t *testing.T) {
	m := NewMemStatsHooks("", discardLogger())
	m.OnCheckpoint("ctx", "n1", map[string]any{
		"current": 5, "total": 10, "status": "running",
	})

	state := m.GetState()
	prog, ok := state["node_progress"].(map[string]*nodeProgress)
	if !ok {
		t.Fatalf("expected node_progress map, got %T", state["node_progress"])
	}
	p, ok := prog["n1"]
	if !ok {
		t.Fatal("expected n1 to be tracked after OnCheckpoint")
	}
	if p.Current != 5 || p.Total != 10 || p.Status != "running" {
		t.Errorf("unexpected restored progress: %+v", p)
	}
}
