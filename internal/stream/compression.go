// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// CompressionMode selects how a file-backed Storage encodes its bytes on
// disk. It mirrors the compression_mode knob the teacher's storage config
// exposed, generalized from a backup-chunk setting to a per-stream one.
type CompressionMode string

const (
	CompressionNone CompressionMode = "none"
	CompressionGzip CompressionMode = "gzip"
	CompressionZstd CompressionMode = "zstd"
)

// FileExtension returns the canonical suffix a storage file of this
// compression mode should carry, appended after the format extension
// (.jsonl, .csv).
func (m CompressionMode) FileExtension() string {
	switch m {
	case CompressionGzip:
		return ".gz"
	case CompressionZstd:
		return ".zst"
	default:
		return ""
	}
}

// openAppendWriter opens path for append and wraps it for the given
// compression mode. gzip and zstd both support concatenation of independent
// members/frames: each call writes one self-contained member, and a decoder
// reading the whole file sees the logical concatenation of all of them. The
// returned closer must be called after every write to finalize the member
// and flush the underlying file.
func openAppendWriter(path string, mode CompressionMode) (io.Writer, func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s for append: %w", path, err)
	}

	switch mode {
	case CompressionGzip:
		gw := pgzip.NewWriter(f)
		return gw, func() error {
			if err := gw.Close(); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		}, nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("creating zstd writer: %w", err)
		}
		return zw, func() error {
			if err := zw.Close(); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		}, nil
	default:
		return f, f.Close, nil
	}
}

// openLineScanner opens path for sequential read and returns a bufio.Scanner
// over its logical lines, decompressing on the fly if needed, plus a closer
// to release the underlying file and any decoder resources.
func openLineScanner(path string, mode CompressionMode) (*bufio.Scanner, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return bufio.NewScanner(emptyReader{}), func() {}, nil
		}
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}

	var r io.Reader = f
	closeFns := []func(){func() { f.Close() }}

	switch mode {
	case CompressionGzip:
		gr, err := pgzip.NewReader(f)
		if err != nil {
			if err == io.EOF {
				return bufio.NewScanner(emptyReader{}), func() { f.Close() }, nil
			}
			f.Close()
			return nil, nil, fmt.Errorf("opening gzip reader for %s: %w", path, err)
		}
		r = gr
		closeFns = append(closeFns, func() { gr.Close() })
	case CompressionZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("opening zstd reader for %s: %w", path, err)
		}
		r = zr
		closeFns = append(closeFns, func() { zr.Close() })
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	return scanner, func() {
		for i := len(closeFns) - 1; i >= 0; i-- {
			closeFns[i]()
		}
	}, nil
}

type emptyReader struct{}

func (emptyReader) Read(p []byte) (int, error) { return 0, io.EOF }

// decompressReader wraps an already-opened file reader for the given
// compression mode. The returned closer releases any decoder resources but
// never closes f itself, leaving that to the caller.
func decompressReader(f io.Reader, mode CompressionMode) (io.Reader, func(), error) {
	switch mode {
	case CompressionGzip:
		gr, err := pgzip.NewReader(f)
		if err != nil {
			if err == io.EOF {
				return emptyReader{}, func() {}, nil
			}
			return nil, nil, fmt.Errorf("opening gzip reader: %w", err)
		}
		return gr, func() { gr.Close() }, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("opening zstd reader: %w", err)
		}
		return zr, func() { zr.Close() }, nil
	default:
		return f, func() {}, nil
	}
}
