// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

var startTime = time.Now()

// RuntimeProvider decouples this package from the pipeline package: a
// Pipeline implements it so the HTTP router can read its live state
// without an import cycle, the same way the teacher's HandlerMetrics
// decouples observability from server.Handler.
type RuntimeProvider interface {
	// PipelineRuntime returns a JSON-marshalable snapshot of the whole
	// pipeline (id, status, per-node runtimes).
	PipelineRuntime() any
	// NodeCheckpoint returns the last known checkpoint for nodeID, or nil
	// if the node is unknown or has none yet.
	NodeCheckpoint(nodeID string) map[string]any
}

// NewRouter builds the observability HTTP handler: a health/runtime
// status endpoint, a per-node checkpoint lookup, and an events feed, all
// behind the ACL.
func NewRouter(provider RuntimeProvider, acl *ACL, store *EventStore) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", handleHealth)
	mux.HandleFunc("GET /api/v1/runtime", makeRuntimeHandler(provider))
	mux.HandleFunc("GET /api/v1/checkpoints/{node_id}", makeCheckpointHandler(provider))
	if store != nil {
		mux.HandleFunc("GET /api/v1/events", makeEventsHandler(store))
	}

	return acl.Middleware(mux)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(startTime).String(),
	})
}

func makeRuntimeHandler(provider RuntimeProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, provider.PipelineRuntime())
	}
}

func makeCheckpointHandler(provider RuntimeProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.PathValue("node_id")
		cp := provider.NodeCheckpoint(nodeID)
		if cp == nil {
			http.Error(w, "checkpoint not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, cp)
	}
}

func makeEventsHandler(store *EventStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		writeJSON(w, http.StatusOK, store.Recent(limit))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
