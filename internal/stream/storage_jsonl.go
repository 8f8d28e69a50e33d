// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// doneMarkerSuffix names the sibling marker file that records a JSONLStorage
// as sealed, independent of the compression mode applied to the data file.
const doneMarkerSuffix = ".done"

// JSONLStorage is a file-backed Storage that appends one JSON object per
// line. A malformed line is skipped on read rather than failing the whole
// stream open: the producer side of a crash can leave a torn last line, and
// a resumed reader should tolerate that.
type JSONLStorage struct {
	mu       sync.Mutex
	path     string
	donePath string
	compress CompressionMode
}

// NewJSONLStorage creates a JSONLStorage backed by path, written with the
// given compression mode. Append and MarkSealed create the directory
// containing path if it is missing.
func NewJSONLStorage(path string, compress CompressionMode) *JSONLStorage {
	return &JSONLStorage{
		path:     path,
		donePath: path + doneMarkerSuffix,
		compress: compress,
	}
}

func (s *JSONLStorage) Append(items []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}

	w, closeFn, err := openAppendWriter(s.path, s.compress)
	if err != nil {
		return err
	}

	for _, item := range items {
		if item == nil || len(item) == 0 {
			continue
		}
		line, err := json.Marshal(item)
		if err != nil {
			closeFn()
			return fmt.Errorf("marshaling item: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			closeFn()
			return fmt.Errorf("writing item: %w", err)
		}
	}

	return closeFn()
}

func (s *JSONLStorage) Read(offset, limit int) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scanner, closeFn, err := openLineScanner(s.path, s.compress)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var out []map[string]any
	idx := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item map[string]any
		if err := json.Unmarshal(line, &item); err != nil {
			continue // torn or corrupt line, not counted as an item
		}
		if idx >= offset && idx < offset+limit {
			out = append(out, item)
		}
		idx++
		if idx >= offset+limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", s.path, err)
	}

	return out, nil
}

func (s *JSONLStorage) Size() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scanner, closeFn, err := openLineScanner(s.path, s.compress)
	if err != nil {
		return 0, err
	}
	defer closeFn()

	count := 0
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var item map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			continue
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scanning %s: %w", s.path, err)
	}
	return count, nil
}

func (s *JSONLStorage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", s.path, err)
	}
	if err := os.Remove(s.donePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", s.donePath, err)
	}
	return nil
}

func (s *JSONLStorage) MarkSealed() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.donePath), 0o755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}
	f, err := os.Create(s.donePath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", s.donePath, err)
	}
	return f.Close()
}

func (s *JSONLStorage) IsSealed() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := os.Stat(s.donePath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking %s: %w", s.donePath, err)
}

func (s *JSONLStorage) Unseal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.donePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", s.donePath, err)
	}
	return nil
}
