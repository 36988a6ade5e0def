// Package blobstore stores the encrypted file attachments and proof
// documents that accompany records and access requests. Blobs are opaque
// sealed bytes; the store never sees plaintext.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrBlobTooLarge = errors.New("blob exceeds maximum allowed size")
)

// MaxBlobSize is the maximum allowed blob size in bytes (25 MB).
const MaxBlobSize = 25 * 1024 * 1024

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store defines the contract for blob storage backends.
type Store interface {
	Put(ctx context.Context, key, contentType string, content io.Reader) (*BlobInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *BlobInfo, error)
	Delete(ctx context.Context, key string) error
}

type storedBlob struct {
	info    BlobInfo
	content []byte
}

// MemoryStore is a thread-safe, in-memory Store for testing and for the
// inline blob backend.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

// NewMemoryStore returns a ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string]*storedBlob),
	}
}

// Put reads the content and stores it under key, replacing any existing blob.
func (s *MemoryStore) Put(_ context.Context, key, contentType string, content io.Reader) (*BlobInfo, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxBlobSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > MaxBlobSize {
		return nil, ErrBlobTooLarge
	}

	info := BlobInfo{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.blobs[key] = &storedBlob{info: info, content: data}
	s.mu.Unlock()

	out := info
	return &out, nil
}

// Get returns an io.ReadCloser over the blob content and its info.
func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, *BlobInfo, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrBlobNotFound
	}

	info := blob.info
	return io.NopCloser(bytes.NewReader(blob.content)), &info, nil
}

// Delete removes a blob by key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}
