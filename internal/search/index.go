// Package search maintains the package documents in the Typesense index.
// Query and ranking behavior belongs to Typesense itself; this package only
// upserts and deletes by key.
package search

import (
	"context"
	"errors"
	"sync"
)

// ErrNotIndexed is returned when a package has no document in the index.
var ErrNotIndexed = errors.New("package not indexed")

// Document is the searchable projection of a package.
type Document struct {
	ID              string   `json:"id"` // package name
	Name            string   `json:"name"`
	Scope           string   `json:"scope"`
	Description     string   `json:"description"`
	Keywords        []string `json:"keywords"`
	LatestVersion   string   `json:"latest_version"`
	License         string   `json:"license"`
	Homepage        string   `json:"homepage"`
	Repository      string   `json:"repository"`
	UnpackedSize    int64    `json:"unpacked_size"`
	DependencyCount int32    `json:"dependency_count"`
	VersionCount    int32    `json:"version_count"`
	Deprecated      bool     `json:"deprecated"`
	ModifiedAt      int64    `json:"modified_at"` // unix seconds
}

// Index is the upsert/delete surface the sync pipeline writes through.
type Index interface {
	// Upsert writes a document, replacing any existing one with the same ID.
	Upsert(ctx context.Context, doc Document) error

	// Delete removes a document. Deleting an absent document is a no-op.
	Delete(ctx context.Context, name string) error

	// Get returns the current document for a package, or ErrNotIndexed.
	Get(ctx context.Context, name string) (*Document, error)
}

// Memory is an in-process Index for tests and local development.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Document)}
}

func (m *Memory) Upsert(ctx context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
	return nil
}

func (m *Memory) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, name)
	return nil
}

func (m *Memory) Get(ctx context.Context, name string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[name]
	if !ok {
		return nil, ErrNotIndexed
	}
	return &doc, nil
}

// Len returns the number of indexed documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

var _ Index = (*Memory)(nil)
