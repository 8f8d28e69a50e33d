// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Storage is a Storage backed by a single JSONL object in an S3 bucket.
// It is meant only for a pipeline's external boundary (an input/output_uri
// that names an s3jsonl:// stream), never for a stream welded between two
// nodes: S3 objects are not seekable the way a local file is, so every
// Append rewrites the whole object from an in-memory copy of all items,
// and Read and Size re-fetch the whole object on every call until this
// instance has appended, after which they serve that in-memory copy.
type S3Storage struct {
	mu        sync.Mutex
	client    *s3.Client
	bucket    string
	key       string
	doneKey   string
	loaded    bool
	cachedAll []map[string]any
}

// NewS3Storage creates an S3Storage for the given bucket/key, resolving AWS
// credentials the standard way (environment, shared config, instance role).
func NewS3Storage(ctx context.Context, bucket, key string) (*S3Storage, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &S3Storage{
		client:  s3.NewFromConfig(cfg),
		bucket:  bucket,
		key:     key,
		doneKey: key + doneMarkerSuffix,
	}, nil
}

func (s *S3Storage) fetchAll(ctx context.Context) ([]map[string]any, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()

	var items []map[string]any
	scanner := bufio.NewScanner(out.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item map[string]any
		if err := json.Unmarshal(line, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return items, nil
}

func (s *S3Storage) putAll(ctx context.Context, items []map[string]any) error {
	var buf bytes.Buffer
	for _, item := range items {
		line, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshaling item: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("putting s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return nil
}

func (s *S3Storage) Append(items []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	if !s.loaded {
		existing, err := s.fetchAll(ctx)
		if err != nil {
			return err
		}
		s.cachedAll = existing
		s.loaded = true
	}

	for _, item := range items {
		if item == nil || len(item) == 0 {
			continue
		}
		s.cachedAll = append(s.cachedAll, item)
	}

	return s.putAll(ctx, s.cachedAll)
}

func (s *S3Storage) Read(offset, limit int) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.currentItemsLocked()
	if err != nil {
		return nil, err
	}
	if offset >= len(items) {
		return nil, nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	out := make([]map[string]any, end-offset)
	copy(out, items[offset:end])
	return out, nil
}

func (s *S3Storage) Size() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.currentItemsLocked()
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// currentItemsLocked returns the best known view of the object's contents:
// the in-memory buffer if this process has appended to it this run,
// otherwise a fresh fetch from S3.
func (s *S3Storage) currentItemsLocked() ([]map[string]any, error) {
	if s.loaded {
		return s.cachedAll, nil
	}
	items, err := s.fetchAll(context.Background())
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *S3Storage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	s.cachedAll = nil
	s.loaded = false

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	}); err != nil {
		return fmt.Errorf("deleting s3://%s/%s: %w", s.bucket, s.key, err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.doneKey),
	}); err != nil {
		return fmt.Errorf("deleting s3://%s/%s: %w", s.bucket, s.doneKey, err)
	}
	return nil
}

func (s *S3Storage) MarkSealed() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.doneKey),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return fmt.Errorf("putting s3://%s/%s: %w", s.bucket, s.doneKey, err)
	}
	return nil
}

func (s *S3Storage) IsSealed() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.doneKey),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("checking s3://%s/%s: %w", s.bucket, s.doneKey, err)
}

func (s *S3Storage) Unseal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.doneKey),
	}); err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("deleting s3://%s/%s: %w", s.bucket, s.doneKey, err)
	}
	return nil
}
