// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hooks

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CheckpointHooks persists each node's progress snapshot (current, total,
// status; usage is not stored) to
// resultsDir/<contextID>/checkpoint.json on every lifecycle event,
// overwriting the whole file each time. Grounded in the teacher's
// JsonFileCheckpointHooks-shaped disk-backed progress store; unlike
// MemStatsHooks this one exists purely to survive a process restart, not
// to render anything.
type CheckpointHooks struct {
	NoopHooks

	resultsDir string
	logger     *slog.Logger

	mu       sync.Mutex
	nodeProg map[string]*nodeProgress
}

// NewCheckpointHooks creates a durable checkpoint hook rooted at
// resultsDir.
func NewCheckpointHooks(resultsDir string, logger *slog.Logger) *CheckpointHooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckpointHooks{
		resultsDir: resultsDir,
		logger:     logger,
		nodeProg:   map[string]*nodeProgress{},
	}
}

func (c *CheckpointHooks) track(nodeID string) *nodeProgress {
	p, ok := c.nodeProg[nodeID]
	if !ok {
		p = &nodeProgress{}
		c.nodeProg[nodeID] = p
	}
	return p
}

func (c *CheckpointHooks) OnNodeStart(contextID, nodeID string, _ map[string]any) {
	c.mu.Lock()
	c.track(nodeID).Status = "running"
	c.mu.Unlock()
	c.save(contextID)
}

func (c *CheckpointHooks) OnNodeFinish(contextID, nodeID string) {
	c.mu.Lock()
	p := c.track(nodeID)
	p.Status = "completed"
	if p.Total < p.Current {
		p.Total = p.Current
	}
	c.mu.Unlock()
	c.save(contextID)
}

func (c *CheckpointHooks) OnNodeError(contextID, nodeID string, _ error, _ []any) {
	c.mu.Lock()
	c.track(nodeID).Status = "failed"
	c.mu.Unlock()
	c.save(contextID)
}

func (c *CheckpointHooks) OnNodeProgress(contextID, nodeID string, current int, total *int, _ map[string]any) {
	c.mu.Lock()
	p := c.track(nodeID)
	if current > p.Current {
		p.Current = current
	}
	if total != nil && *total > 0 {
		p.Total = *total
	}
	c.mu.Unlock()
	c.save(contextID)
}

func (c *CheckpointHooks) path(contextID string) string {
	return filepath.Join(c.resultsDir, contextID, "checkpoint.json")
}

func (c *CheckpointHooks) save(contextID string) {
	if c.resultsDir == "" {
		return
	}
	path := c.path(contextID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.logger.Error("creating checkpoint directory", "error", err)
		return
	}

	c.mu.Lock()
	data := map[string]any{
		"pipeline_id": contextID,
		"nodes":       c.nodeProg,
		"updated_at":  time.Now().Unix(),
	}
	c.mu.Unlock()

	buf, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		c.logger.Error("marshaling checkpoint", "error", err)
		return
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		c.logger.Error("writing checkpoint", "error", err)
	}
}

// LoadState reads an existing checkpoint.json for contextID, if any, and
// restores each node's last known progress.
func (c *CheckpointHooks) LoadState(contextID string, _ map[string]any) {
	buf, err := os.ReadFile(c.path(contextID))
	if err != nil {
		return
	}
	var data struct {
		Nodes map[string]*nodeProgress `json:"nodes"`
	}
	if err := json.Unmarshal(buf, &data); err != nil {
		c.logger.Warn("discarding unreadable checkpoint", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if data.Nodes != nil {
		c.nodeProg = data.Nodes
	}
	c.logger.Info("restored checkpoint", "context_id", contextID, "node_count", len(c.nodeProg))
}

// GetCheckpoint returns the last known progress snapshot for nodeID as a
// plain map, matching the shape OnCheckpoint/OnNodeProgress accept.
func (c *CheckpointHooks) GetCheckpoint(nodeID string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.nodeProg[nodeID]
	if !ok {
		return nil
	}
	return map[string]any{
		"current": p.Current,
		"total":   p.Total,
		"status":  p.Status,
	}
}

// ClearState removes this context's checkpoint file entirely, for a fresh
// (non-resumed) run.
func (c *CheckpointHooks) ClearState(contextID string) {
	c.mu.Lock()
	c.nodeProg = map[string]*nodeProgress{}
	c.mu.Unlock()
	if c.resultsDir == "" {
		return
	}
	if err := os.Remove(c.path(contextID)); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("removing checkpoint", "error", err)
	}
}
