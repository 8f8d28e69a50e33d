// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hooks

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/flowbridge/flowcore/internal/hooks/observability"
)

// ObservabilityConfig controls the optional HTTP status endpoint.
type ObservabilityConfig struct {
	Enabled      bool
	Listen       string
	AllowOrigins []string
	EventsPath   string
}

// ObservabilityHooks feeds every pipeline/node lifecycle event into an
// append-only JSONL event log and, when enabled, serves it plus the live
// pipeline runtime over HTTP behind a deny-by-default CIDR allowlist.
// Grounded in the teacher's server/observability package, repurposed from
// observing live backup sessions to observing a running pipeline's nodes.
// Entirely optional: a pipeline with Enabled false never starts a
// listener and ObservabilityHooks degrades to pushing into the event
// store only.
type ObservabilityHooks struct {
	NoopHooks

	store    *observability.EventStore
	server   *http.Server
	provider observability.RuntimeProvider
}

// NewObservabilityHooks opens the event store at cfg.EventsPath and, if
// cfg.Enabled, starts the HTTP listener on cfg.Listen. provider supplies
// the live pipeline/node state the HTTP endpoint reports; it is typically
// the owning Pipeline.
func NewObservabilityHooks(cfg ObservabilityConfig, provider observability.RuntimeProvider) (*ObservabilityHooks, error) {
	store, err := observability.NewEventStore(cfg.EventsPath, 500, 10000)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}

	o := &ObservabilityHooks{store: store, provider: provider}
	if !cfg.Enabled {
		return o, nil
	}

	cidrs, err := observability.ParseCIDRs(cfg.AllowOrigins)
	if err != nil {
		return nil, fmt.Errorf("parsing observability allow_origins: %w", err)
	}
	acl := observability.NewACL(cidrs)
	router := observability.NewRouter(provider, acl, store)

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("binding observability listener: %w", err)
	}
	o.server = &http.Server{Handler: router}
	go o.server.Serve(listener)

	return o, nil
}

// Close stops the HTTP listener (if running) and closes the event store.
func (o *ObservabilityHooks) Close() error {
	if o.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.server.Shutdown(ctx)
	}
	return o.store.Close()
}

func (o *ObservabilityHooks) OnPipelineStart(contextID string, _ map[string]any) {
	o.store.Push(observability.EventEntry{Level: "info", Type: "pipeline_start", Message: contextID})
}

func (o *ObservabilityHooks) OnPipelineEnd(contextID, status string, err error) {
	level, msg := "info", fmt.Sprintf("pipeline %s", status)
	if status != "completed" {
		level = "error"
		if err != nil {
			msg = fmt.Sprintf("pipeline %s: %v", status, err)
		}
	}
	o.store.Push(observability.EventEntry{Level: level, Type: "pipeline_end", Message: msg})
}

func (o *ObservabilityHooks) OnNodeStart(_, nodeID string, _ map[string]any) {
	o.store.Push(observability.EventEntry{Level: "info", Type: "node_start", NodeID: nodeID, Message: "started"})
}

func (o *ObservabilityHooks) OnNodeFinish(_, nodeID string) {
	o.store.Push(observability.EventEntry{Level: "info", Type: "node_finish", NodeID: nodeID, Message: "finished"})
}

func (o *ObservabilityHooks) OnNodeError(_, nodeID string, err error, _ []any) {
	o.store.Push(observability.EventEntry{Level: "error", Type: "node_error", NodeID: nodeID, Message: err.Error()})
}

func (o *ObservabilityHooks) OnLog(_, nodeID, level, message string) {
	o.store.Push(observability.EventEntry{Level: level, Type: "log", NodeID: nodeID, Message: message})
}
