package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"
)

type memoryObject struct {
	data []byte
	info ObjectInfo
}

// Memory is an in-process Storage used for local development and tests.
// It is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]memoryObject
}

var _ Storage = (*Memory)(nil)

// NewMemory creates an empty in-memory bucket.
func NewMemory(bucket string) *Memory {
	if bucket == "" {
		bucket = "knowledge"
	}
	return &Memory{bucket: bucket, objects: make(map[string]memoryObject)}
}

// Put stores a copy of the reader's content.
func (m *Memory) Put(ctx context.Context, key string, r io.Reader, opt PutObjectOptions) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("read object body: %w", err)
	}
	info := ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  opt.ContentType,
		LastModified: time.Now(),
		Metadata:     opt.Metadata,
	}

	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, info: info}
	m.mu.Unlock()
	return info, nil
}

// Get returns the stored bytes or ErrNotFound.
func (m *Memory) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, ObjectInfo{}, err
	}
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.info, nil
}

// Delete removes the object; a missing key is not an error, matching S3.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// PresignGet returns a memory:// URL; it is only meaningful inside this process.
func (m *Memory) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	u := url.URL{Scheme: "memory", Host: m.bucket, Path: "/" + key}
	q := u.Query()
	q.Set("expires", time.Now().Add(expiry).UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Len reports how many objects are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
