// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"path/filepath"
	"testing"
)

func TestEventRing_PushAndRecentOldestFirst(t *testing.T) {
	r := NewEventRing(3)
	r.PushEvent("info", "node_start", "n1", "starting")
	r.PushEvent("info", "node_finish", "n1", "finished")
	r.PushEvent("error", "node_error", "n2", "boom")

	recent := r.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("expected 3 events, got %d", len(recent))
	}
	if recent[0].Type != "node_start" || recent[2].Type != "node_error" {
		t.Errorf("expected oldest-first ordering, got %+v", recent)
	}
}

func TestEventRing_DiscardsOldestOnceFull(t *testing.T) {
	r := NewEventRing(2)
	r.PushEvent("info", "a", "", "")
	r.PushEvent("info", "b", "", "")
	r.PushEvent("info", "c", "", "")

	recent := r.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("expected capacity-bounded 2 events, got %d", len(recent))
	}
	if recent[0].Type != "b" || recent[1].Type != "c" {
		t.Errorf("expected [b c] after discarding oldest, got %+v", recent)
	}
}

func TestEventRing_RecentRespectsLimit(t *testing.T) {
	r := NewEventRing(5)
	for _, typ := range []string{"a", "b", "c"} {
		r.PushEvent("info", typ, "", "")
	}
	recent := r.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 events, got %d", len(recent))
	}
	if recent[0].Type != "b" || recent[1].Type != "c" {
		t.Errorf("expected the 2 most recent [b c], got %+v", recent)
	}
}

func TestEventStore_PersistsAndReplaysOnReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	store, err := NewEventStore(path, 10, 100)
	if err != nil {
		t.Fatalf("NewEventStore: %v", err)
	}
	store.Push(EventEntry{Level: "info", Type: "node_start", NodeID: "n1", Message: "go"})
	store.Push(EventEntry{Level: "info", Type: "node_finish", NodeID: "n1", Message: "done"})
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewEventStore(path, 10, 100)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer reopened.Close()

	recent := reopened.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("expected 2 replayed events, got %d", len(recent))
	}
	if recent[0].Type != "node_start" || recent[1].Type != "node_finish" {
		t.Errorf("expected replay to preserve order, got %+v", recent)
	}
}

func TestEventStore_RotatesPastMaxLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	store, err := NewEventStore(path, 50, 4)
	if err != nil {
		t.Fatalf("NewEventStore: %v", err)
	}
	defer store.Close()

	for i := 0; i < 10; i++ {
		store.Push(EventEntry{Level: "info", Type: "tick", Message: "x"})
	}

	entries, lineCount, err := loadJSONL(path)
	if err != nil {
		t.Fatalf("loadJSONL: %v", err)
	}
	if lineCount >= 10 {
		t.Errorf("expected rotation to keep the file below 10 lines, got %d", lineCount)
	}
	if len(entries) == 0 {
		t.Error("expected some events to survive rotation")
	}
}
