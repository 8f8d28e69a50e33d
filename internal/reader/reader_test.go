// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package reader

import (
	"testing"
	"time"

	"github.com/flowbridge/flowcore/internal/stream"
)

func seedStorage(t *testing.T, items ...map[string]any) (*stream.MemoryStorage, *stream.Channel) {
	t.Helper()
	s := stream.NewMemoryStorage()
	c := stream.NewChannel()
	if len(items) > 0 {
		if err := s.Append(items); err != nil {
			t.Fatalf("seeding storage: %v", err)
		}
	}
	return s, c
}

func TestReader_ReadsAllItemsThenStopsOnSeal(t *testing.T) {
	s, c := seedStorage(t,
		map[string]any{"v": 1},
		map[string]any{"v": 2},
		map[string]any{"v": 3},
	)
	s.MarkSealed()

	r := New(s, c, 0)
	var got []int
	err := r.Read(2, 50*time.Millisecond, func(b Batch) error {
		for _, item := range b.Items {
			got = append(got, item["v"].(int))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %v", got)
	}
	if r.CompletedCount() != 3 {
		t.Errorf("expected CompletedCount 3, got %d", r.CompletedCount())
	}
}

func TestReader_UsesExplicitAnchorOverPhysicalOffset(t *testing.T) {
	s, c := seedStorage(t, map[string]any{"_i": "custom-anchor", "v": 1})
	s.MarkSealed()

	r := New(s, c, 0)
	var anchors []any
	err := r.Read(10, 10*time.Millisecond, func(b Batch) error {
		anchors = append(anchors, b.Anchors...)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(anchors) != 1 || anchors[0] != "custom-anchor" {
		t.Errorf("expected anchor 'custom-anchor', got %v", anchors)
	}
}

func TestReader_FallsBackToPhysicalOffsetAnchor(t *testing.T) {
	s, c := seedStorage(t, map[string]any{"v": 1}, map[string]any{"v": 2})
	s.MarkSealed()

	r := New(s, c, 0)
	var anchors []any
	err := r.Read(10, 10*time.Millisecond, func(b Batch) error {
		anchors = append(anchors, b.Anchors...)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(anchors) != 2 || anchors[0] != 0 || anchors[1] != 1 {
		t.Errorf("expected physical offset anchors [0 1], got %v", anchors)
	}
}

func TestReader_TailFollowsUntilEOF(t *testing.T) {
	s, c := seedStorage(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Append([]map[string]any{{"v": 1}})
		c.Notify()
		time.Sleep(10 * time.Millisecond)
		s.Append([]map[string]any{{"v": 2}})
		c.Notify()
		time.Sleep(10 * time.Millisecond)
		c.SetEOF()
	}()

	r := New(s, c, 0)
	count := 0
	err := r.Read(1, 50*time.Millisecond, func(b Batch) error {
		count += len(b.Items)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 items tailed in, got %d", count)
	}
}

func TestReader_ResumeRewindsCursor(t *testing.T) {
	s, c := seedStorage(t)
	r := New(s, c, 5)
	if r.CompletedCount() != 5 {
		t.Fatalf("expected initial completed count 5, got %d", r.CompletedCount())
	}
	r.Resume(2)
	if r.CompletedCount() != 2 {
		t.Errorf("expected completed count 2 after Resume, got %d", r.CompletedCount())
	}
}

func TestReader_PropagatesCallbackError(t *testing.T) {
	s, c := seedStorage(t, map[string]any{"v": 1})
	s.MarkSealed()

	r := New(s, c, 0)
	wantErr := errBoom
	err := r.Read(10, 10*time.Millisecond, func(Batch) error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected propagated error, got %v", err)
	}
}

var errBoom = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
