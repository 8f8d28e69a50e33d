// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hooks

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// nodeProgress is one node's latest known position, mirroring the
// progress/usage snapshot the original hook kept per node.
type nodeProgress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Status  string `json:"status"`
}

// nodeUsage accumulates whichever numeric usage metrics an operator
// reports (token counts, bytes processed, API calls, ...); it isn't fixed
// to a particular metric set the way the original's token-only fields
// were, since operators here aren't LLM-specific.
type nodeUsage map[string]float64

// MemStatsHooks aggregates per-node progress and usage in memory, printing
// throttled progress lines through its logger and a final report.json on pipeline
// end. Grounded in the teacher's agent/stats_reporter.go periodic
// snapshot-and-log shape, generalized from a fixed job schedule to an
// arbitrary node set discovered as the pipeline runs.
type MemStatsHooks struct {
	NoopHooks

	resultsDir string
	logger     *slog.Logger

	mu          sync.Mutex
	startTime   time.Time
	allNodes    []string
	nodeProg    map[string]*nodeProgress
	nodeUse     map[string]nodeUsage
	lastPrinted map[string]int

	resources *ResourceMonitor
}

// resourceSampleInterval bounds how often the background resource
// monitor samples CPU/memory while a pipeline is running.
const resourceSampleInterval = 5 * time.Second

// NewMemStatsHooks creates a stats hook that writes its final report under
// resultsDir/<contextID>/report.json.
func NewMemStatsHooks(resultsDir string, logger *slog.Logger) *MemStatsHooks {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MemStatsHooks{
		resultsDir:  resultsDir,
		logger:      logger,
		nodeProg:    map[string]*nodeProgress{},
		nodeUse:     map[string]nodeUsage{},
		lastPrinted: map[string]int{},
	}
	if mon, err := NewResourceMonitor(logger); err == nil {
		m.resources = mon
	} else {
		logger.Warn("resource monitor unavailable", "error", err)
	}
	return m
}

func (m *MemStatsHooks) OnPipelineStart(contextID string, _ map[string]any) {
	m.mu.Lock()
	m.startTime = time.Now()
	m.mu.Unlock()
	if m.resources != nil {
		m.resources.Start(resourceSampleInterval)
	}
	m.logger.Info("pipeline started", "context_id", contextID)
}

func (m *MemStatsHooks) trackNode(nodeID string) *nodeProgress {
	p, ok := m.nodeProg[nodeID]
	if !ok {
		p = &nodeProgress{}
		m.nodeProg[nodeID] = p
		m.allNodes = append(m.allNodes, nodeID)
	}
	if _, ok := m.nodeUse[nodeID]; !ok {
		m.nodeUse[nodeID] = nodeUsage{}
	}
	return p
}

func (m *MemStatsHooks) OnNodeStart(_, nodeID string, _ map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackNode(nodeID).Status = "running"
}

func (m *MemStatsHooks) OnNodeFinish(_, nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.trackNode(nodeID)
	p.Status = "completed"
	if p.Total < p.Current {
		p.Total = p.Current
	}
}

func (m *MemStatsHooks) OnNodeError(_, nodeID string, _ error, _ []any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackNode(nodeID).Status = "failed"
}

func (m *MemStatsHooks) OnNodeProgress(_, nodeID string, current int, total *int, _ map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.trackNode(nodeID)
	if current > p.Current {
		p.Current = current
	}
	if total != nil && *total > 0 {
		p.Total = *total
	}
	if p.Current > p.Total {
		p.Total = p.Current
	}
	if p.Status != "completed" {
		p.Status = "running"
	}

	if m.lastPrinted[nodeID] == current {
		return
	}
	if !m.shouldPrint(nodeID, current, p.Total) {
		return
	}
	m.lastPrinted[nodeID] = current
	if p.Total > 0 {
		m.logger.Info("node progress", "node_id", nodeID, "current", current, "total", p.Total)
	} else {
		m.logger.Info("node progress", "node_id", nodeID, "current", current)
	}
}

// shouldPrint throttles progress logging: every 1% step once a total is
// known, every 50 items otherwise, so a fast streaming node doesn't flood
// the log.
func (m *MemStatsHooks) shouldPrint(_ string, current, total int) bool {
	if total > 0 {
		step := total / 100
		if step < 1 {
			step = 1
		}
		return current%step == 0 || current >= total
	}
	return current%50 == 0
}

func (m *MemStatsHooks) OnUsage(_, nodeID string, metrics map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackNode(nodeID)
	usage := m.nodeUse[nodeID]
	for k, v := range metrics {
		switch n := v.(type) {
		case int:
			usage[k] += float64(n)
		case float64:
			usage[k] += n
		}
	}
}

func (m *MemStatsHooks) OnCheckpoint(_, nodeID string, checkpoint map[string]any) {
	if checkpoint == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.trackNode(nodeID)
	if c, ok := checkpoint["current"].(int); ok && c > p.Current {
		p.Current = c
	}
	if t, ok := checkpoint["total"].(int); ok {
		p.Total = t
	}
	if s, ok := checkpoint["status"].(string); ok {
		p.Status = s
	}
	if u, ok := checkpoint["usage"].(map[string]any); ok {
		usage := nodeUsage{}
		for k, v := range u {
			if f, ok := v.(float64); ok {
				usage[k] = f
			}
		}
		m.nodeUse[nodeID] = usage
	}
}

func (m *MemStatsHooks) GetState() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"all_nodes":     append([]string(nil), m.allNodes...),
		"node_progress": m.nodeProg,
		"node_usages":   m.nodeUse,
		"start_time":    m.startTime.Unix(),
	}
}

func (m *MemStatsHooks) LoadStateData(data map[string]any) {
	if data == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if nodes, ok := data["all_nodes"].([]string); ok {
		m.mergeNodes(nodes)
	}
	if prog, ok := data["node_progress"].(map[string]*nodeProgress); ok {
		m.nodeProg = prog
		m.mergeNodes(keysOf(prog))
	}
	if use, ok := data["node_usages"].(map[string]nodeUsage); ok {
		m.nodeUse = use
	}
	if ts, ok := data["start_time"].(int64); ok {
		m.startTime = time.Unix(ts, 0)
	}
	m.logger.Info("restored node stats from snapshot", "node_count", len(m.allNodes))
}

func (m *MemStatsHooks) mergeNodes(nodes []string) {
	seen := map[string]bool{}
	for _, n := range m.allNodes {
		seen[n] = true
	}
	for _, n := range nodes {
		if !seen[n] {
			m.allNodes = append(m.allNodes, n)
			seen[n] = true
		}
	}
}

func keysOf(m map[string]*nodeProgress) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *MemStatsHooks) OnPipelineEnd(contextID, status string, err error) {
	if m.resources != nil {
		m.resources.Stop()
	}

	m.mu.Lock()
	duration := time.Since(m.startTime)
	nodes := append([]string(nil), m.allNodes...)
	sort.Strings(nodes)
	report := map[string]any{
		"pipeline_id": contextID,
		"status":      status,
		"duration":    duration.String(),
		"nodes":       m.nodeProg,
		"usages":      m.nodeUse,
	}
	if m.resources != nil {
		report["resource_usage"] = m.resources.Latest()
	}
	if err != nil {
		report["error"] = err.Error()
	}
	m.mu.Unlock()

	for _, nid := range nodes {
		m.logger.Info("node summary", "node_id", nid)
	}

	if m.resultsDir == "" {
		return
	}
	path := filepath.Join(m.resultsDir, contextID, "report.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		m.logger.Error("creating report directory", "error", err)
		return
	}
	buf, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		m.logger.Error("marshaling report", "error", err)
		return
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		m.logger.Error("writing report", "error", err)
		return
	}
	m.logger.Info(fmt.Sprintf("run report saved to %s", path))
}
