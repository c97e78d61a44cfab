package storage

import (
	"cmp"
	"maps"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/adfharrison1/jsondb/pkg/domain"
)

// chunkDocs is the materialized content of one chunk file. Each document
// carries the position it was inserted at, so the chunk can be read back in
// insertion order; a replace keeps the position of the document it
// overwrites.
type chunkDocs struct {
	entries map[string]chunkEntry
	next    int
}

type chunkEntry struct {
	doc domain.Document
	pos int
}

func newChunkDocs() *chunkDocs {
	return &chunkDocs{entries: make(map[string]chunkEntry)}
}

// chunkFrom builds a chunk holding docs in the given order.
func chunkFrom(docs ...domain.Document) *chunkDocs {
	c := newChunkDocs()
	for _, doc := range docs {
		c.insert(doc)
	}
	return c
}

// clone copies the entry map. Documents are shared and must not be mutated.
func (c *chunkDocs) clone() *chunkDocs {
	return &chunkDocs{entries: maps.Clone(c.entries), next: c.next}
}

func (c *chunkDocs) len() int {
	return len(c.entries)
}

func (c *chunkDocs) get(id string) (domain.Document, bool) {
	e, ok := c.entries[id]
	return e.doc, ok
}

// position returns the insertion position of id within the chunk.
func (c *chunkDocs) position(id string) (int, bool) {
	e, ok := c.entries[id]
	return e.pos, ok
}

func (c *chunkDocs) insert(doc domain.Document) {
	c.entries[doc.ID] = chunkEntry{doc: doc, pos: c.next}
	c.next++
}

func (c *chunkDocs) replace(doc domain.Document) {
	e := c.entries[doc.ID]
	e.doc = doc
	c.entries[doc.ID] = e
}

func (c *chunkDocs) remove(id string) {
	delete(c.entries, id)
}

// sorted returns the documents in insertion order.
func (c *chunkDocs) sorted() []domain.Document {
	entries := slices.Collect(maps.Values(c.entries))
	slices.SortFunc(entries, func(a, b chunkEntry) int {
		return cmp.Compare(a.pos, b.pos)
	})
	docs := make([]domain.Document, len(entries))
	for i, e := range entries {
		docs[i] = e.doc
	}
	return docs
}

// toNative encodes the chunk as a list of documents in insertion order.
func (c *chunkDocs) toNative() []map[string]any {
	docs := c.sorted()
	out := make([]map[string]any, len(docs))
	for i, doc := range docs {
		out[i] = doc.ToNative()
	}
	return out
}

// chunkCache keeps a bounded number of chunks in memory. Entries are never
// dirty: the store writes every change through before refreshing its entry,
// so eviction needs no write-back.
type chunkCache struct {
	cache *lru.Cache[string, *chunkDocs]
	load  func(key string) (*chunkDocs, error)
}

// newChunkCache creates a cache of size chunks that fills misses with load.
func newChunkCache(size int, load func(key string) (*chunkDocs, error)) *chunkCache {
	cache, _ := lru.New[string, *chunkDocs](size)
	return &chunkCache{cache: cache, load: load}
}

// get returns the shared cached chunk. Callers must not modify it.
func (c *chunkCache) get(key string) (*chunkDocs, error) {
	if docs, ok := c.cache.Get(key); ok {
		CacheRequests.WithLabelValues("chunk", "hit").Inc()
		return docs, nil
	}
	CacheRequests.WithLabelValues("chunk", "miss").Inc()
	docs, err := c.load(key)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, docs)
	return docs, nil
}

func (c *chunkCache) put(key string, docs *chunkDocs) {
	c.cache.Add(key, docs)
}

func (c *chunkCache) purge() {
	c.cache.Purge()
}

func (c *chunkCache) len() int {
	return c.cache.Len()
}
