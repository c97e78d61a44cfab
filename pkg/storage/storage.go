package storage

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/adfharrison1/jsondb/pkg/domain"
	"github.com/adfharrison1/jsondb/pkg/indexing"
)

// Store is the chunk-partitioned storage of one collection. It owns the
// collection metadata, the id→chunk map, chunk placement and the pending
// write set.
//
// Reads take the read lock; staging, Flush, CreateIndex and Write take the
// write lock, so there is a single writer per collection.
type Store struct {
	name  string
	files *fileStore
	opts  options
	log   *zap.SugaredLogger

	mu       sync.RWMutex
	meta     *Metadata
	idChunks map[string]string
	chunks   *chunkCache
	indexes  *indexing.Manager
	pending  *pendingWrites
}

// Open opens collection name under dataDir, creating an empty collection if
// its directory does not exist yet. An existing collection is verified: its
// metadata and id map must decode, the id map must agree with the document
// count and every chunk in the metadata must have its file. Files of a later
// generation than the metadata names were left by a flush that never
// committed and are ignored.
func Open(name, dataDir string, opts ...Option) (*Store, error) {
	if !validName(name) {
		return nil, domain.Usagef("invalid collection name %q", name)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store{
		name:     name,
		files:    &fileStore{dir: filepath.Join(dataDir, name), format: o.format, fsync: o.fsync},
		opts:     o,
		log:      o.logger.With("collection", name),
		idChunks: make(map[string]string),
		pending:  newPendingWrites(),
	}

	_, err := os.Stat(s.files.dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := s.create(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat collection %s: %w", name, err)
	default:
		if err := s.load(); err != nil {
			return nil, err
		}
	}

	s.chunks = newChunkCache(o.chunkCacheSize, s.loadChunk)
	s.indexes = indexing.NewManager(s.files, o.indexCacheSize, s.log)
	return s, nil
}

func (s *Store) create() error {
	if err := os.MkdirAll(s.files.dir, 0755); err != nil {
		return fmt.Errorf("failed to create collection directory: %w", err)
	}
	s.meta = newMetadata(s.name)
	if err := s.files.Write(idChunkFile, s.idChunks); err != nil {
		return err
	}
	if err := s.files.Write(metadataFile, s.meta); err != nil {
		return err
	}
	s.log.Infow("created collection", "dir", s.files.dir, "format", s.opts.format.String())
	return nil
}

func (s *Store) load() error {
	var meta Metadata
	if err := s.files.Read(metadataFile, &meta); err != nil {
		return domain.Corruptionf("collection %s: cannot read metadata: %v", s.name, err)
	}
	if meta.ChunkInfo == nil {
		meta.ChunkInfo = make(map[string]ChunkInfo)
	}
	if meta.IndexedFields == nil {
		meta.IndexedFields = []string{}
	}
	if meta.IndexGenerations == nil {
		meta.IndexGenerations = make(map[string]int64)
	}
	meta.CollectionName = s.name
	s.meta = &meta

	// Empty collections skip the id map read.
	if meta.Count != 0 {
		if err := s.files.Read(versioned(idChunkFile, meta.IDMapGeneration), &s.idChunks); err != nil {
			return domain.Corruptionf("collection %s: cannot read id map: %v", s.name, err)
		}
		if s.idChunks == nil {
			s.idChunks = make(map[string]string)
		}
	}
	if int64(len(s.idChunks)) != meta.Count {
		return domain.Corruptionf("collection %s: id map has %d entries, metadata counts %d",
			s.name, len(s.idChunks), meta.Count)
	}

	for _, key := range meta.chunkKeys() {
		name := versioned(key, meta.ChunkInfo[key].Generation)
		ok, err := s.files.Exists(name)
		if err != nil {
			return domain.Corruptionf("collection %s: cannot stat %s: %v", s.name, name, err)
		}
		if !ok {
			return domain.Corruptionf("collection %s: chunk file %s is missing", s.name, name)
		}
	}

	s.log.Infow("opened collection", "documents", meta.Count, "chunks", len(meta.ChunkInfo))
	return nil
}

// loadChunk materializes the committed file of a chunk. It runs under the
// store lock. A key that is not committed yet belongs to a chunk being
// created and starts empty; a committed chunk that cannot be read is
// corruption.
func (s *Store) loadChunk(key string) (*chunkDocs, error) {
	info, committed := s.meta.ChunkInfo[key]
	if !committed {
		return newChunkDocs(), nil
	}
	var raw []map[string]any
	if err := s.files.Read(versioned(key, info.Generation), &raw); err != nil {
		return nil, domain.Corruptionf("collection %s: cannot read %s: %v", s.name, key, err)
	}
	docs := newChunkDocs()
	for _, fields := range raw {
		doc, err := domain.DocumentFromNative(fields)
		if err != nil {
			return nil, domain.Corruptionf("collection %s: %s: %v", s.name, key, err)
		}
		docs.insert(doc)
	}
	return docs, nil
}

// Name returns the collection name.
func (s *Store) Name() string {
	return s.name
}

// Count returns the number of committed documents.
func (s *Store) Count() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Count
}

// ChunkCount returns the number of committed chunks.
func (s *Store) ChunkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.meta.ChunkInfo)
}

// Metadata returns a copy of the committed metadata.
func (s *Store) Metadata() Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.meta.clone()
}

// IndexedFields returns the fields that have a secondary index.
func (s *Store) IndexedFields() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.meta.IndexedFields)
}

// GetByID returns the committed document with id. A missing id is reported
// through the boolean, not as an error.
func (s *Store) GetByID(id string) (domain.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getByID(id)
}

func (s *Store) getByID(id string) (domain.Document, bool, error) {
	key, ok := s.idChunks[id]
	if !ok {
		return domain.Document{}, false, nil
	}
	docs, err := s.chunks.get(key)
	if err != nil {
		return domain.Document{}, false, err
	}
	doc, ok := docs.get(id)
	if !ok {
		return domain.Document{}, false, domain.Corruptionf("collection %s: id map points %s at %s but the chunk does not hold it",
			s.name, id, key)
	}
	return doc.Clone(), true, nil
}

// GetByIDs returns the committed documents among ids in scan order: by
// chunk, then by insertion order within a chunk. Unknown ids are skipped.
func (s *Store) GetByIDs(ids []string) ([]domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getByIDs(ids)
}

func (s *Store) getByIDs(ids []string) ([]domain.Document, error) {
	type located struct {
		doc   domain.Document
		chunk int
		pos   int
	}
	found := make([]located, 0, len(ids))
	for _, id := range ids {
		key, ok := s.idChunks[id]
		if !ok {
			continue
		}
		docs, err := s.chunks.get(key)
		if err != nil {
			return nil, err
		}
		doc, ok := docs.get(id)
		if !ok {
			return nil, domain.Corruptionf("collection %s: id map points %s at %s but the chunk does not hold it",
				s.name, id, key)
		}
		pos, _ := docs.position(id)
		found = append(found, located{doc: doc.Clone(), chunk: chunkNumber(key), pos: pos})
	}
	slices.SortFunc(found, func(a, b located) int {
		if c := cmp.Compare(a.chunk, b.chunk); c != 0 {
			return c
		}
		return cmp.Compare(a.pos, b.pos)
	})
	out := make([]domain.Document, len(found))
	for i, l := range found {
		out[i] = l.doc
	}
	return out, nil
}

// Scan yields every committed document, chunk by chunk in creation order and
// by insertion order within a chunk. Only one chunk is materialized at a
// time and the sequence can be ranged over again.
func (s *Store) Scan() iter.Seq2[domain.Document, error] {
	return s.scan(true)
}

// scan reads under the read lock when lock is set; otherwise the caller
// already holds the store lock.
func (s *Store) scan(lock bool) iter.Seq2[domain.Document, error] {
	return func(yield func(domain.Document, error) bool) {
		if lock {
			s.mu.RLock()
		}
		keys := s.meta.chunkKeys()
		if lock {
			s.mu.RUnlock()
		}

		for _, key := range keys {
			docs, err := s.chunkSnapshot(key, lock)
			if err != nil {
				yield(domain.Document{}, err)
				return
			}
			for _, doc := range docs {
				if !yield(doc, nil) {
					return
				}
			}
		}
	}
}

func (s *Store) chunkSnapshot(key string, lock bool) ([]domain.Document, error) {
	if lock {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}
	docs, err := s.chunks.get(key)
	if err != nil {
		return nil, err
	}
	sorted := docs.sorted()
	for i := range sorted {
		sorted[i] = sorted[i].Clone()
	}
	return sorted, nil
}

// Filter scans the collection and returns the documents matching pred,
// stopping after the first match when stopAtFirst is set.
func (s *Store) Filter(pred func(domain.Document) bool, stopAtFirst bool) ([]domain.Document, error) {
	return filterSeq(s.scan(true), pred, stopAtFirst)
}

func filterSeq(docs iter.Seq2[domain.Document, error], pred func(domain.Document) bool, stopAtFirst bool) ([]domain.Document, error) {
	var found []domain.Document
	for doc, err := range docs {
		if err != nil {
			return nil, err
		}
		if !pred(doc) {
			continue
		}
		found = append(found, doc)
		if stopAtFirst {
			break
		}
	}
	return found, nil
}

// CreateIndex builds a secondary index on field from a full scan, persists
// it and records the field in the metadata.
func (s *Store) CreateIndex(field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !validName(field) {
		return domain.Usagef("invalid index field %q", field)
	}
	if s.meta.hasIndex(field) {
		return domain.Usagef("index on field %q already exists", field)
	}
	meta := s.meta.clone()
	meta.Generation++
	if err := s.indexes.Build(field, meta.Generation, s.scan(false)); err != nil {
		return err
	}

	meta.IndexedFields = append(meta.IndexedFields, field)
	meta.IndexGenerations[field] = meta.Generation
	if err := s.files.Write(metadataFile, meta); err != nil {
		return fmt.Errorf("failed to persist metadata: %w", err)
	}
	s.meta = meta
	return nil
}

// LookupIndex returns the ids whose field equals value, or an empty list.
// It fails if field was never indexed.
func (s *Store) LookupIndex(field string, value domain.Value) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupIndex(field, value)
}

func (s *Store) lookupIndex(field string, value domain.Value) ([]string, error) {
	if !s.meta.hasIndex(field) {
		return nil, domain.Usagef("cannot find index for %q", field)
	}
	ids, err := s.indexes.Lookup(field, s.meta.IndexGenerations[field], value)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// ClearCache drops every cached chunk and index.
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks.purge()
	s.indexes.Purge()
}
