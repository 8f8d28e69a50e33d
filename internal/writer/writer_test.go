// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package writer

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/flowbridge/flowcore/internal/stream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture() (*stream.MemoryStorage, *stream.Channel) {
	return stream.NewMemoryStorage(), stream.NewChannel()
}

func TestWriter_SyncWriteAssignsAutoAnchors(t *testing.T) {
	s, c := newFixture()
	w := New(s, c, Config{}, 0, nil)

	err := w.Write([]map[string]any{{"v": 1}, {"v": 2}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.WrittenCount() != 2 {
		t.Fatalf("expected written count 2, got %d", w.WrittenCount())
	}

	got, err := s.Read(0, 2)
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if got[0]["_i"] != "auto_0" || got[1]["_i"] != "auto_1" {
		t.Errorf("expected auto_0/auto_1 anchors, got %v / %v", got[0]["_i"], got[1]["_i"])
	}
}

func TestWriter_ExplicitAnchorsOverrideAuto(t *testing.T) {
	s, c := newFixture()
	w := New(s, c, Config{}, 0, nil)

	err := w.Write([]map[string]any{{"v": 1}}, []any{"custom"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := s.Read(0, 1)
	if got[0]["_i"] != "custom" {
		t.Errorf("expected anchor 'custom', got %v", got[0]["_i"])
	}
}

func TestWriter_SeededWrittenCountKeepsAnchorsContiguous(t *testing.T) {
	s, c := newFixture()
	w := New(s, c, Config{}, 5, nil)

	if err := w.Write([]map[string]any{{"v": 1}}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := s.Read(0, 1)
	if got[0]["_i"] != "auto_5" {
		t.Errorf("expected anchor 'auto_5' from seeded count, got %v", got[0]["_i"])
	}
}

func TestWriter_WriteNotifiesChannel(t *testing.T) {
	s, c := newFixture()
	w := New(s, c, Config{}, 0, nil)

	done := make(chan bool, 1)
	go func() { done <- c.Wait(time.Second) }()
	time.Sleep(20 * time.Millisecond)

	if err := w.Write([]map[string]any{{"v": 1}}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case woke := <-done:
		if !woke {
			t.Fatal("expected Wait to wake on Write's Notify")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake after Write")
	}
}

func TestWriter_CloseSetsEOF(t *testing.T) {
	s, c := newFixture()
	w := New(s, c, Config{}, 0, nil)

	if err := w.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.IsEOF() {
		t.Error("expected IsEOF true after Close")
	}
}

func TestWriter_SkipsNilItems(t *testing.T) {
	s, c := newFixture()
	w := New(s, c, Config{}, 0, nil)

	if err := w.Write([]map[string]any{nil, {"v": 1}}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	size, _ := s.Size()
	if size != 1 {
		t.Errorf("expected 1 item stored after skipping nil, got %d", size)
	}
}

func TestWriter_AsyncModeFlushesOnClose(t *testing.T) {
	s, c := newFixture()
	w := New(s, c, Config{AsyncMode: true, QueueSize: 100, FlushBatchSize: 10, FlushInterval: time.Hour}, 0, discardLogger())

	for i := 0; i < 5; i++ {
		if err := w.Write([]map[string]any{{"v": i}}, nil); err != nil {
			t.Fatalf("unexpected error on item %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("unexpected error on close: %v", err)
	}

	size, err := s.Size()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if size != 5 {
		t.Errorf("expected all 5 items flushed by Close, got %d", size)
	}
	if !c.IsEOF() {
		t.Error("expected IsEOF true after async Close")
	}
}

func TestWriter_PendingCountZeroInSyncMode(t *testing.T) {
	s, c := newFixture()
	w := New(s, c, Config{}, 0, nil)
	if w.PendingCount() != 0 {
		t.Errorf("expected PendingCount 0 in sync mode, got %d", w.PendingCount())
	}
}

func TestWriter_ConfigDefaults(t *testing.T) {
	cfg := Config{}.defaulted()
	if cfg.QueueSize != 1000 {
		t.Errorf("expected default QueueSize 1000, got %d", cfg.QueueSize)
	}
	if cfg.FlushBatchSize != 100 {
		t.Errorf("expected default FlushBatchSize 100, got %d", cfg.FlushBatchSize)
	}
	if cfg.FlushInterval != 2*time.Second {
		t.Errorf("expected default FlushInterval 2s, got %v", cfg.FlushInterval)
	}
	if cfg.RetryInterval != 500*time.Millisecond {
		t.Errorf("expected default RetryInterval 500ms, got %v", cfg.RetryInterval)
	}
}

func ExampleWriter_Write() {
	s, c := newFixture()
	w := New(s, c, Config{}, 0, nil)
	w.Write([]map[string]any{{"v": 1}}, nil)
	fmt.Println(w.WrittenCount())
	// Output: 1
}
