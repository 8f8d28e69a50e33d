// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package hooks defines the pipeline-wide callback surface (Hooks) plus the
// concrete implementations a pipeline wires together: in-memory stats,
// durable checkpointing, host resource sampling, and an optional
// observability HTTP endpoint.
package hooks

// Hooks is the full lifecycle callback surface a Pipeline drives. A node's
// per-batch progress/usage/log/checkpoint events all flow up through here,
// keyed by pipeline context ID and node ID so one Hooks implementation can
// serve every node in a run.
type Hooks interface {
	OnPipelineStart(contextID string, config map[string]any)
	// OnPipelineEnd reports the pipeline's settled status (one of
	// "completed", "failed", "canceled") alongside the run error, if any.
	OnPipelineEnd(contextID, status string, err error)

	OnNodeStart(contextID, nodeID string, config map[string]any)
	OnNodeFinish(contextID, nodeID string)
	OnNodeError(contextID, nodeID string, err error, items []any)
	OnNodeProgress(contextID, nodeID string, current int, total *int, metadata map[string]any)
	OnUsage(contextID, nodeID string, metrics map[string]any)
	OnCheckpoint(contextID, nodeID string, checkpoint map[string]any)
	OnLog(contextID, nodeID, level, message string)

	// LoadState restores any persisted state before a resumed run starts.
	LoadState(contextID string, config map[string]any)
	// GetCheckpoint returns the last known checkpoint for nodeID, or nil.
	GetCheckpoint(nodeID string) map[string]any
	// GetState returns a serializable snapshot of this hook's own state,
	// for a pipeline-level runtime file.
	GetState() map[string]any
	// LoadStateData restores a snapshot previously returned by GetState.
	LoadStateData(data map[string]any)
	// ClearState discards all in-memory and on-disk state for a fresh run.
	ClearState(contextID string)
}

// NoopHooks implements Hooks with no-ops; embed it to implement only the
// methods a partial Hooks cares about.
type NoopHooks struct{}

func (NoopHooks) OnPipelineStart(string, map[string]any)                  {}
func (NoopHooks) OnPipelineEnd(string, string, error)                     {}
func (NoopHooks) OnNodeStart(string, string, map[string]any)              {}
func (NoopHooks) OnNodeFinish(string, string)                             {}
func (NoopHooks) OnNodeError(string, string, error, []any)                {}
func (NoopHooks) OnNodeProgress(string, string, int, *int, map[string]any) {}
func (NoopHooks) OnUsage(string, string, map[string]any)                  {}
func (NoopHooks) OnCheckpoint(string, string, map[string]any)             {}
func (NoopHooks) OnLog(string, string, string, string)                    {}
func (NoopHooks) LoadState(string, map[string]any)                        {}
func (NoopHooks) GetCheckpoint(string) map[string]any                     { return nil }
func (NoopHooks) GetState() map[string]any                                { return nil }
func (NoopHooks) LoadStateData(map[string]any)                            {}
func (NoopHooks) ClearState(string)                                       {}

// CompositeHooks fans every call out to each of Hooks in order, matching
// the original CompositePipelineHooks: GetCheckpoint returns the first
// non-nil result, GetState/LoadStateData are per-hook keyed by index so
// each hook's state round-trips independently.
type CompositeHooks struct {
	Hooks []Hooks
}

func NewCompositeHooks(hs ...Hooks) *CompositeHooks {
	return &CompositeHooks{Hooks: hs}
}

func (c *CompositeHooks) OnPipelineStart(contextID string, config map[string]any) {
	for _, h := range c.Hooks {
		h.OnPipelineStart(contextID, config)
	}
}

func (c *CompositeHooks) OnPipelineEnd(contextID, status string, err error) {
	for _, h := range c.Hooks {
		h.OnPipelineEnd(contextID, status, err)
	}
}

func (c *CompositeHooks) OnNodeStart(contextID, nodeID string, config map[string]any) {
	for _, h := range c.Hooks {
		h.OnNodeStart(contextID, nodeID, config)
	}
}

func (c *CompositeHooks) OnNodeFinish(contextID, nodeID string) {
	for _, h := range c.Hooks {
		h.OnNodeFinish(contextID, nodeID)
	}
}

func (c *CompositeHooks) OnNodeError(contextID, nodeID string, err error, items []any) {
	for _, h := range c.Hooks {
		h.OnNodeError(contextID, nodeID, err, items)
	}
}

func (c *CompositeHooks) OnNodeProgress(contextID, nodeID string, current int, total *int, metadata map[string]any) {
	for _, h := range c.Hooks {
		h.OnNodeProgress(contextID, nodeID, current, total, metadata)
	}
}

func (c *CompositeHooks) OnUsage(contextID, nodeID string, metrics map[string]any) {
	for _, h := range c.Hooks {
		h.OnUsage(contextID, nodeID, metrics)
	}
}

func (c *CompositeHooks) OnCheckpoint(contextID, nodeID string, checkpoint map[string]any) {
	for _, h := range c.Hooks {
		h.OnCheckpoint(contextID, nodeID, checkpoint)
	}
}

func (c *CompositeHooks) OnLog(contextID, nodeID, level, message string) {
	for _, h := range c.Hooks {
		h.OnLog(contextID, nodeID, level, message)
	}
}

func (c *CompositeHooks) LoadState(contextID string, config map[string]any) {
	for _, h := range c.Hooks {
		h.LoadState(contextID, config)
	}
}

// GetCheckpoint returns the first non-nil checkpoint reported by any
// constituent hook, in order.
func (c *CompositeHooks) GetCheckpoint(nodeID string) map[string]any {
	for _, h := range c.Hooks {
		if cp := h.GetCheckpoint(nodeID); cp != nil {
			return cp
		}
	}
	return nil
}

// GetState snapshots every constituent hook's state under its index so
// LoadStateData can restore each one back into the matching hook.
func (c *CompositeHooks) GetState() map[string]any {
	out := make(map[string]any, len(c.Hooks))
	for i, h := range c.Hooks {
		if s := h.GetState(); s != nil {
			out[indexKey(i)] = s
		}
	}
	return out
}

func (c *CompositeHooks) LoadStateData(data map[string]any) {
	if data == nil {
		return
	}
	for i, h := range c.Hooks {
		if s, ok := data[indexKey(i)].(map[string]any); ok {
			h.LoadStateData(s)
		}
	}
}

func (c *CompositeHooks) ClearState(contextID string) {
	for _, h := range c.Hooks {
		h.ClearState(contextID)
	}
}

func indexKey(i int) string {
	const digits = "0123456789"
	if i < 10 {
		return "hook_" + string(digits[i])
	}
	// Composite hook lists beyond 10 entries are not expected in practice;
	// fall back to a simple decimal expansion rather than panicking.
	var buf []byte
	n := i
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}
	return "hook_" + string(buf)
}
