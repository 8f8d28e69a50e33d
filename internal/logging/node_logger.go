// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches every record to two
// handlers. Used by NewNodeLogger to write simultaneously to the root
// logger and a node's dedicated log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Checks Enabled() on each handler individually before dispatching,
	// so DEBUG records aren't sent to a primary handler that only
	// accepts INFO or above.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the node file must not block the root log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewNodeLogger creates a logger that writes both to the root (global)
// logger and to a file dedicated to one node's run within one pipeline
// execution. The file is created at:
//
//	{logDir}/{pipelineID}/{nodeID}.log
//
// Returns the enriched logger, an io.Closer that must be called (defer)
// when the node finishes, and the path of the file created (joined onto
// logDir, so it is relative when logDir is).
//
// If logDir is empty, returns the root logger unmodified (no-op).
func NewNodeLogger(rootLogger *slog.Logger, logDir, pipelineID, nodeID string) (*slog.Logger, io.Closer, string, error) {
	if logDir == "" {
		return rootLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(logDir, pipelineID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating node log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, nodeID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening node log file %s: %w", logPath, err)
	}

	// The node's own log file always uses JSON at DEBUG for maximum capture.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   rootLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveNodeLog removes the log file of a node that finished
// successfully. No-op if logDir is empty or the file doesn't exist.
func RemoveNodeLog(logDir, pipelineID, nodeID string) {
	if logDir == "" {
		return
	}
	logPath := filepath.Join(logDir, pipelineID, nodeID+".log")
	os.Remove(logPath)
}
