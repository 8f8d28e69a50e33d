// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// CSVStorage is a file-backed Storage that renders items as rows of a
// header-first CSV file. All items appended to a given file must share
// the same set of keys as the first non-empty item: CSV has no concept of
// a per-row schema, so the header is fixed the moment it is written.
//
// encoding/csv already quotes fields containing commas, quotes, or
// newlines and reconstructs them correctly on read, so multi-line cell
// values round-trip without any special handling here.
type CSVStorage struct {
	mu       sync.Mutex
	path     string
	donePath string
	compress CompressionMode
	columns  []string
}

// NewCSVStorage creates a CSVStorage backed by path, written with the given
// compression mode.
func NewCSVStorage(path string, compress CompressionMode) *CSVStorage {
	return &CSVStorage{
		path:     path,
		donePath: path + doneMarkerSuffix,
		compress: compress,
	}
}

func (s *CSVStorage) Append(items []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if item == nil || len(item) == 0 {
			continue
		}
		filtered = append(filtered, item)
	}
	if len(filtered) == 0 {
		return nil
	}

	if s.columns == nil {
		s.columns = s.existingColumns()
		if s.columns == nil {
			s.columns = sortedKeys(filtered[0])
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}

	needsHeader := s.fileIsEmpty()

	w, closeFn, err := openAppendWriter(s.path, s.compress)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)

	if needsHeader {
		if err := cw.Write(s.columns); err != nil {
			closeFn()
			return fmt.Errorf("writing csv header: %w", err)
		}
	}

	for _, item := range filtered {
		row := make([]string, len(s.columns))
		for i, col := range s.columns {
			row[i] = fmt.Sprint(item[col])
		}
		if err := cw.Write(row); err != nil {
			closeFn()
			return fmt.Errorf("writing csv row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		closeFn()
		return fmt.Errorf("flushing csv writer: %w", err)
	}

	return closeFn()
}

func (s *CSVStorage) existingColumns() []string {
	scanner, closeFn, err := openLineScanner(s.path, s.compress)
	if err != nil {
		return nil
	}
	defer closeFn()
	if !scanner.Scan() {
		return nil
	}
	r := csv.NewReader(readerFromLine(scanner.Text()))
	header, err := r.Read()
	if err != nil {
		return nil
	}
	return header
}

func (s *CSVStorage) fileIsEmpty() bool {
	info, err := os.Stat(s.path)
	if err != nil {
		return true
	}
	return info.Size() == 0
}

func (s *CSVStorage) Read(offset, limit int) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening %s: %w", s.path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if cr, closeFn, derr := decompressReader(f, s.compress); derr == nil {
		r = cr
		defer closeFn()
	} else {
		return nil, derr
	}

	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}

	var out []map[string]any
	idx := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // skip malformed row, do not count it
		}
		if idx >= offset && idx < offset+limit {
			item := make(map[string]any, len(header))
			for i, col := range header {
				if i < len(row) {
					item[col] = row[i]
				}
			}
			out = append(out, item)
		}
		idx++
		if idx >= offset+limit {
			break
		}
	}
	return out, nil
}

func (s *CSVStorage) Size() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("opening %s: %w", s.path, err)
	}
	defer f.Close()

	r, closeFn, err := decompressReader(f, s.compress)
	if err != nil {
		return 0, err
	}
	defer closeFn()

	reader := csv.NewReader(r)
	if _, err := reader.Read(); err == io.EOF {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("reading csv header: %w", err)
	}

	count := 0
	for {
		if _, err := reader.Read(); err == io.EOF {
			break
		} else if err == nil {
			count++
		}
	}
	return count, nil
}

func (s *CSVStorage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.columns = nil
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", s.path, err)
	}
	if err := os.Remove(s.donePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", s.donePath, err)
	}
	return nil
}

func (s *CSVStorage) MarkSealed() error {
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

func (s *CSVStorage) IsSealed() (bool, error) {
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

func (s *CSVStorage) Unseal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.donePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", s.donePath, err)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type stringReader struct {
	s   string
	pos int
}

func readerFromLine(s string) io.Reader {
	return &stringReader{s: s}
}

func (r *stringReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.pos:])
	r.pos += n
	return n, nil
}
