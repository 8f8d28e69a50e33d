// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package node implements the per-stage runtime: a Node binds a Reader and
// a Writer around an operator, drives the read-process-write loop
// (sequential or bounded-parallel), and reports progress through a small
// callback surface a Hooks implementation wires up.
package node

// Context is the execution context an operator receives on every call. It
// mirrors the original per-node context surface: identity, cancellation
// polling, progress/usage/log reporting, and a checkpoint trigger, all
// routed back to whatever Hooks implementation the owning pipeline wired
// up, without the node package needing to import one.
type Context interface {
	NodeID() string
	ContextID() string
	IsCancelled() bool
	ReportProgress(current int, total *int, metadata map[string]any)
	SaveCheckpoint()
	ReportUsage(metrics map[string]any)
	Log(message, level string)
	ReportFailedItems(items []any, err error)
}

// Callbacks is the set of functions a Node forwards its lifecycle events
// to; a pipeline wires each one to its Hooks (or CompositeHooks).
type Callbacks struct {
	OnProgress     func(current int, total *int, metadata map[string]any)
	OnUsage        func(metrics map[string]any)
	OnLog          func(message, level string)
	OnError        func(items []any, err error)
	IsCancelled    func() bool
	SaveCheckpoint func()
}

type nodeContext struct {
	nodeID    string
	contextID string
	cb        Callbacks

	current int
	total   *int
	metrics map[string]any
}

func newContext(nodeID, contextID string, cb Callbacks) *nodeContext {
	return &nodeContext{nodeID: nodeID, contextID: contextID, cb: cb, metrics: map[string]any{}}
}

func (c *nodeContext) NodeID() string    { return c.nodeID }
func (c *nodeContext) ContextID() string { return c.contextID }

func (c *nodeContext) IsCancelled() bool {
	if c.cb.IsCancelled == nil {
		return false
	}
	return c.cb.IsCancelled()
}

func (c *nodeContext) ReportProgress(current int, total *int, metadata map[string]any) {
	c.current = current
	c.total = total
	if c.cb.OnProgress != nil {
		c.cb.OnProgress(current, total, metadata)
	}
}

func (c *nodeContext) SaveCheckpoint() {
	if c.cb.SaveCheckpoint != nil {
		c.cb.SaveCheckpoint()
	}
}

func (c *nodeContext) ReportUsage(metrics map[string]any) {
	for k, v := range metrics {
		switch n := v.(type) {
		case int:
			c.addMetric(k, float64(n))
		case float64:
			c.addMetric(k, n)
		}
	}
	if c.cb.OnUsage != nil {
		c.cb.OnUsage(metrics)
	}
}

func (c *nodeContext) addMetric(key string, delta float64) {
	existing, _ := c.metrics[key].(float64)
	c.metrics[key] = existing + delta
}

func (c *nodeContext) Log(message, level string) {
	if c.cb.OnLog != nil {
		c.cb.OnLog(message, level)
	}
}

func (c *nodeContext) ReportFailedItems(items []any, err error) {
	if c.cb.OnError != nil {
		c.cb.OnError(items, err)
	}
}
