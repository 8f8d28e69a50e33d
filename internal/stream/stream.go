// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// knownSuffixes are the file extensions a URI can already carry without
// needing one auto-appended by protocol healing.
var knownSuffixes = []string{".jsonl", ".csv", ".jsonl.gz", ".jsonl.zst", ".csv.gz", ".csv.zst"}

// ProtocolExtension returns the canonical file suffix a stream of the given
// protocol should carry when none is already present in its URI.
func ProtocolExtension(protocol string) string {
	switch strings.ToLower(strings.TrimSuffix(protocol, "://")) {
	case "jsonl", "file":
		return ".jsonl"
	case "csv":
		return ".csv"
	case "s3jsonl":
		return ".jsonl"
	case "memory":
		return ""
	default:
		return ".jsonl"
	}
}

// Options configures how a Stream resolves its storage.
type Options struct {
	// ProtocolPrefix is stitched onto the path component of the raw URI:
	// a relative stream URI becomes anchored to wherever the pipeline
	// keeps its working data.
	ProtocolPrefix string
	// BasePath, when set, is joined in front of the resolved path for
	// file-backed protocols, after ProtocolPrefix stitching.
	BasePath string
	// Compress selects the on-disk encoding for file-backed protocols.
	Compress CompressionMode
}

// Stream is a named, resolvable endpoint: a URI naming a Storage plus the
// Channel that signals appends to it. It resolves protocol://path URIs into
// a concrete Storage the way the teacher's stream config resolved a logical
// name into a physical, sanitized path under its working directory.
type Stream struct {
	rawURI   string
	opts     Options
	protocol string
	storage  Storage
	channel  *Channel
	opened   bool
}

// New resolves uri into a Stream. An empty or "memory://"-prefixed uri
// yields a non-persistent, process-local stream; anything else resolves to
// a file or object-store backed one, healing a missing extension onto the
// URI the same way a bare name picks up its format's canonical suffix.
func New(uri string, opts Options) (*Stream, error) {
	s := &Stream{rawURI: uri, opts: opts}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func splitProtocol(uri string) (protocol, pathPart string) {
	if idx := strings.Index(uri, "://"); idx >= 0 {
		return uri[:idx], uri[idx+3:]
	}
	return "", uri
}

// URI returns the fully stitched, protocol-qualified URI this stream
// resolved to, after prefix stitching and extension healing.
func (s *Stream) URI() string {
	protocol, pathPart := splitProtocol(s.rawURI)
	prefixedProtocol := protocol
	prefixPath := ""
	if s.opts.ProtocolPrefix != "" {
		prefixProto, pp := splitProtocol(s.opts.ProtocolPrefix)
		if prefixProto == "" {
			prefixProto = protocol
		}
		prefixedProtocol = prefixProto
		prefixPath = strings.TrimRight(pp, "/")
	}

	if prefixPath != "" {
		return fmt.Sprintf("%s://%s/%s", prefixedProtocol, prefixPath, strings.TrimLeft(pathPart, "/"))
	}
	if protocol != "" {
		return fmt.Sprintf("%s://%s", protocol, pathPart)
	}
	return pathPart
}

// Protocol returns the resolved protocol name (jsonl, csv, file, memory,
// s3jsonl), healed onto a bare path the same way a missing file extension
// is healed.
func (s *Stream) Protocol() string {
	protocol, _ := splitProtocol(s.URI())
	if protocol == "" {
		if s.rawURI == "" {
			return "memory"
		}
		return "jsonl"
	}
	return protocol
}

func hasKnownSuffix(path string) bool {
	for _, suf := range knownSuffixes {
		if strings.HasSuffix(path, suf) {
			return true
		}
	}
	return false
}

// path resolves the local filesystem path for a file-backed stream,
// stitching base_path and running the physical-path sanitization checks.
func (s *Stream) path() (string, error) {
	_, pathPart := splitProtocol(s.URI())
	if s.opts.BasePath != "" {
		pathPart = filepath.Join(s.opts.BasePath, pathPart)
	}
	abs, err := filepath.Abs(pathPart)
	if err != nil {
		return "", fmt.Errorf("resolving stream path: %w", err)
	}
	if s.opts.BasePath != "" {
		if err := validatePathInBaseDir(s.opts.BasePath, abs); err != nil {
			return "", err
		}
	}
	return abs, nil
}

// open heals a missing extension onto the raw URI, then builds the backing
// Storage for the resolved protocol.
func (s *Stream) open() error {
	s.channel = NewChannel()

	protocol, pathPart := splitProtocol(s.rawURI)
	if s.rawURI == "" || protocol == "memory" {
		s.protocol = "memory"
		s.storage = NewMemoryStorage()
		s.opened = true
		return nil
	}

	if !hasKnownSuffix(pathPart) {
		s.rawURI = s.rawURI + ProtocolExtension(protocol)
	}

	resolvedProtocol := s.Protocol()
	s.protocol = resolvedProtocol

	switch resolvedProtocol {
	case "jsonl", "file":
		p, err := s.path()
		if err != nil {
			return err
		}
		s.storage = NewJSONLStorage(p, s.opts.Compress)
	case "csv":
		p, err := s.path()
		if err != nil {
			return err
		}
		s.storage = NewCSVStorage(p, s.opts.Compress)
	case "s3jsonl":
		bucket, key, err := splitS3URI(s.URI())
		if err != nil {
			return err
		}
		st, err := NewS3Storage(context.Background(), bucket, key)
		if err != nil {
			return err
		}
		s.storage = st
	default:
		return fmt.Errorf("unsupported stream protocol %q for uri %q", resolvedProtocol, s.rawURI)
	}

	s.opened = true
	return nil
}

// splitS3URI parses "s3jsonl://bucket/key/with/slashes.jsonl" into its
// bucket and key parts.
func splitS3URI(uri string) (bucket, key string, err error) {
	_, rest := splitProtocol(uri)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid s3jsonl uri %q, expected s3jsonl://bucket/key", uri)
	}
	return parts[0], parts[1], nil
}

// Storage returns the resolved backing store, for constructing a Reader or
// Writer over this stream.
func (s *Stream) Storage() Storage { return s.storage }

// Channel returns the append-notification channel paired with Storage.
func (s *Stream) Channel() *Channel { return s.channel }

// IsOpened reports whether this stream has completed protocol resolution.
func (s *Stream) IsOpened() bool { return s.opened }

// Close marks the channel EOF; no further notifications will be waited on.
func (s *Stream) Close() {
	s.channel.SetEOF()
	s.opened = false
}

// ClearData wipes all stored items and any seal marker, resetting the
// stream to empty.
func (s *Stream) ClearData() error {
	if err := s.storage.Clear(); err != nil {
		return err
	}
	s.channel.Reset()
	return nil
}

// Seal marks the storage sealed and raises EOF on the channel, signaling
// that no further appends will occur.
func (s *Stream) Seal() error {
	if err := s.storage.MarkSealed(); err != nil {
		return err
	}
	s.channel.SetEOF()
	return nil
}

// Unseal removes the seal marker and clears channel EOF, allowing further
// appends to be tail-followed again.
func (s *Stream) Unseal() error {
	if err := s.storage.Unseal(); err != nil {
		return err
	}
	s.channel.Reset()
	return nil
}

// Runtime is the serializable snapshot of a Stream's resolution state,
// enough to reconstruct an equivalent Stream after a crash.
type Runtime struct {
	URI            string `json:"uri"`
	ProtocolPrefix string `json:"protocol_prefix"`
	BasePath       string `json:"base_path"`
}

// GetRuntime snapshots this stream's resolution state for checkpointing.
func (s *Stream) GetRuntime() Runtime {
	return Runtime{
		URI:            s.rawURI,
		ProtocolPrefix: s.opts.ProtocolPrefix,
		BasePath:       s.opts.BasePath,
	}
}

// ResumeFromRuntime rebuilds this stream's resolution from a prior
// snapshot, re-running protocol healing and storage construction.
func (s *Stream) ResumeFromRuntime(rt Runtime) error {
	s.rawURI = rt.URI
	s.opts.ProtocolPrefix = rt.ProtocolPrefix
	s.opts.BasePath = rt.BasePath
	return s.open()
}
