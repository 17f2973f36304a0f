package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps documents in process memory. Callbacks run synchronously on the calling goroutine.
type MemoryStore struct {
	indices map[string]map[string]Document
	mu      sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		indices: make(map[string]map[string]Document),
	}
}

func (s *MemoryStore) Upsert(ctx context.Context, index string, id string, fields Document, cb func(error)) {
	if err := ctx.Err(); err != nil {
		cb(err)
		return
	}

	s.mu.Lock()
	docs, ok := s.indices[index]
	if !ok {
		docs = make(map[string]Document)
		s.indices[index] = docs
	}

	doc, ok := docs[id]
	if !ok {
		doc = make(Document, len(fields))
		docs[id] = doc
	}

	for k, v := range fields.Clone() {
		doc[k] = v
	}
	s.mu.Unlock()

	cb(nil)
}

func (s *MemoryStore) Get(ctx context.Context, index string, id string, cb func(Document, error)) {
	if err := ctx.Err(); err != nil {
		cb(nil, err)
		return
	}

	s.mu.RLock()
	doc, ok := s.indices[index][id]
	if ok {
		doc = doc.Clone()
	}
	s.mu.RUnlock()

	if !ok {
		cb(nil, ErrDocumentNotFound)
		return
	}

	cb(doc, nil)
}

func (s *MemoryStore) List(ctx context.Context, index string, cb func(map[string]Document, error)) {
	if err := ctx.Err(); err != nil {
		cb(nil, err)
		return
	}

	s.mu.RLock()
	docs := make(map[string]Document, len(s.indices[index]))
	for id, doc := range s.indices[index] {
		docs[id] = doc.Clone()
	}
	s.mu.RUnlock()

	cb(docs, nil)
}
