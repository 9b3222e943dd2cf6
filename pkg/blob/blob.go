// Package blob defines the blob store capability interface (spec.md §6):
// Put/Get/Head/Delete/List over attachment bytes, keyed
// "attachments/{uuid}/{sanitized_filename}". Only the interface and an
// in-memory implementation live here; the blob store's own persistence
// engine is an external collaborator out of scope for this module.
package blob

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("blob: not found")

// Metadata is the httpMetadata/customMetadata pair spec.md §6 attaches to
// every object.
type Metadata struct {
	HTTPMetadata   map[string]string
	CustomMetadata map[string]string
}

// Object is a stored blob plus its metadata.
type Object struct {
	Key      string
	Bytes    []byte
	Metadata Metadata
}

// ListOptions mirrors spec.md §6's List(prefix, cursor?, delimiter?,
// limit?, include).
type ListOptions struct {
	Prefix    string
	Cursor    string
	Delimiter string
	Limit     int
}

// ListPage is one page of a List call.
type ListPage struct {
	Keys       []string
	NextCursor string
}

// Store is the narrow capability handlers depend on.
type Store interface {
	Put(ctx context.Context, key string, data []byte, md Metadata) error
	Get(ctx context.Context, key string) (*Object, error)
	Head(ctx context.Context, key string) (*Metadata, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, opts ListOptions) (*ListPage, error)
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename strips characters that are unsafe in a storage key,
// collapsing runs of them to a single underscore.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "unnamed"
	}
	return unsafeFilenameChars.ReplaceAllString(name, "_")
}

// AttachmentKey builds the normative "attachments/{uuid}/{sanitized_filename}"
// key.
func AttachmentKey(filename string) string {
	return fmt.Sprintf("attachments/%s/%s", uuid.New().String(), SanitizeFilename(filename))
}

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, md Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = Object{Key: key, Bytes: cp, Metadata: md}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := obj
	cp.Bytes = append([]byte(nil), obj.Bytes...)
	return &cp, nil
}

func (m *MemoryStore) Head(ctx context.Context, key string) (*Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	md := obj.Metadata
	return &md, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) (*ListPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, opts.Prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	limit := opts.Limit
	if limit <= 0 || limit > len(keys) {
		limit = len(keys)
	}
	return &ListPage{Keys: keys[:limit]}, nil
}
