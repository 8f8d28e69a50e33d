// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// EventStore pairs an in-memory EventRing with append-only JSONL
// persistence. Every Push appends one JSON line to the file; on startup
// the most recent lines are replayed to repopulate the ring. When the
// file grows past maxLines it is rewritten keeping only the newest half,
// bounding growth without losing recent history.
type EventStore struct {
	ring      *EventRing
	file      *os.File
	mu        sync.Mutex
	maxLines  int
	lineCount int
	path      string
}

// NewEventStore opens (or creates) the JSONL file at path and replays it
// into a ring of the given capacity.
func NewEventStore(path string, ringCap, maxLines int) (*EventStore, error) {
	if maxLines <= 0 {
		maxLines = 10000
	}

	ring := NewEventRing(ringCap)

	entries, lineCount, err := loadJSONL(path)
	if err != nil {
		return nil, fmt.Errorf("loading events file: %w", err)
	}

	start := 0
	if len(entries) > ringCap {
		start = len(entries) - ringCap
	}
	for _, e := range entries[start:] {
		ring.Push(e)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening events file for append: %w", err)
	}

	return &EventStore{ring: ring, file: f, maxLines: maxLines, lineCount: lineCount, path: path}, nil
}

func loadJSONL(path string) ([]EventEntry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var entries []EventEntry
	lineCount := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		lineCount++
		var e EventEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	return entries, lineCount, nil
}

// Push records e in the in-memory ring and appends it to the backing
// file, rotating the file first if it has grown past maxLines.
func (s *EventStore) Push(e EventEntry) {
	s.ring.Push(e)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lineCount >= s.maxLines {
		if err := s.rotateLocked(); err != nil {
			return
		}
	}

	buf, err := json.Marshal(e)
	if err != nil {
		return
	}
	if _, err := s.file.Write(append(buf, '\n')); err == nil {
		s.lineCount++
	}
}

func (s *EventStore) rotateLocked() error {
	entries, _, err := loadJSONL(s.path)
	if err != nil {
		return err
	}
	keep := s.maxLines / 2
	if keep < 1 {
		keep = 1
	}
	if len(entries) > keep {
		entries = entries[len(entries)-keep:]
	}

	if err := s.file.Close(); err != nil {
		return err
	}
	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		buf, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(append(buf, '\n'))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	f.Close()

	nf, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = nf
	s.lineCount = len(entries)
	return nil
}

// Recent returns up to limit most recent events from the in-memory ring.
func (s *EventStore) Recent(limit int) []EventEntry {
	return s.ring.Recent(limit)
}

// Close closes the backing file.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
