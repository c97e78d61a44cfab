package storage

import (
	"fmt"
	"iter"
	"maps"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adfharrison1/jsondb/pkg/domain"
	"github.com/adfharrison1/jsondb/pkg/indexing"
)

// maxParallelChunkWrites bounds the chunk files written concurrently by a
// flush.
const maxParallelChunkWrites = 4

type chunkWrites struct {
	inserts  []domain.Document
	replaces []domain.Document
	deletes  []string
}

// pendingWrites is the staged, not yet durable mutation set of a store.
type pendingWrites struct {
	order      []string // chunk keys in the order they were first staged
	byChunk    map[string]*chunkWrites
	insertIDs  map[string]struct{}
	deleteIDs  map[string]struct{}
	insertSize map[string]int64
	newChunks  []string // chunk keys allocated by staged inserts
}

func newPendingWrites() *pendingWrites {
	p := &pendingWrites{}
	p.reset()
	return p
}

func (p *pendingWrites) reset() {
	p.order = nil
	p.byChunk = make(map[string]*chunkWrites)
	p.insertIDs = make(map[string]struct{})
	p.deleteIDs = make(map[string]struct{})
	p.insertSize = make(map[string]int64)
	p.newChunks = nil
}

func (p *pendingWrites) empty() bool {
	return len(p.order) == 0
}

func (p *pendingWrites) forChunk(key string) *chunkWrites {
	w, ok := p.byChunk[key]
	if !ok {
		w = &chunkWrites{}
		p.byChunk[key] = w
		p.order = append(p.order, key)
	}
	return w
}

// changesKeySet reports whether flushing would add or remove ids.
func (p *pendingWrites) changesKeySet() bool {
	return len(p.insertIDs) > 0 || len(p.deleteIDs) > 0
}

// CanFlush reports whether there are staged writes.
func (s *Store) CanFlush() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.pending.empty()
}

// StageInsert stages doc for insertion. The id must be set and unused.
// Staged writes are not visible to reads until Flush.
func (s *Store) StageInsert(doc domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stageInsert(doc)
}

func (s *Store) stageInsert(doc domain.Document) error {
	if doc.ID == "" {
		return domain.Usagef("id must exist in document")
	}
	if _, exists := s.idChunks[doc.ID]; exists {
		return domain.Usagef("duplicate document id %s", doc.ID)
	}
	if _, staged := s.pending.insertIDs[doc.ID]; staged {
		return domain.Usagef("duplicate document id %s", doc.ID)
	}

	size := doc.Size()
	key := s.placeChunk(size)
	if _, committed := s.meta.ChunkInfo[key]; !committed && !slices.Contains(s.pending.newChunks, key) {
		s.pending.newChunks = append(s.pending.newChunks, key)
	}

	w := s.pending.forChunk(key)
	w.inserts = append(w.inserts, doc.Clone())
	s.pending.insertIDs[doc.ID] = struct{}{}
	s.pending.insertSize[key] += size
	return nil
}

// StageReplace stages doc to overwrite the committed document with the same
// id. A replace never moves a document to another chunk.
func (s *Store) StageReplace(doc domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stageReplace(doc)
}

func (s *Store) stageReplace(doc domain.Document) error {
	if doc.ID == "" {
		return domain.Usagef("id must exist in document")
	}
	key, ok := s.idChunks[doc.ID]
	if !ok {
		return domain.Usagef("cannot replace unknown document %s", doc.ID)
	}
	w := s.pending.forChunk(key)
	w.replaces = append(w.replaces, doc.Clone())
	return nil
}

// StageDelete stages the removal of the committed document id.
func (s *Store) StageDelete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stageDelete(id)
}

func (s *Store) stageDelete(id string) error {
	key, ok := s.idChunks[id]
	if !ok {
		return domain.Usagef("cannot delete unknown document %s", id)
	}
	if _, staged := s.pending.deleteIDs[id]; staged {
		return domain.Usagef("document %s is already staged for deletion", id)
	}
	w := s.pending.forChunk(key)
	w.deletes = append(w.deletes, id)
	s.pending.deleteIDs[id] = struct{}{}
	return nil
}

// Flush applies the staged writes and makes them durable. On failure the
// committed state is left untouched and the staged writes are kept.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

// flush commits the staged writes as a new generation. Chunk, index and id
// map files are written under names carrying that generation, so no
// committed file is touched; writing the metadata that names them is the
// commit. Files of the previous generation are removed afterwards. Caller
// holds the write lock.
func (s *Store) flush() error {
	if s.pending.empty() {
		return nil
	}
	start := time.Now()

	prev := s.meta
	meta := s.meta.clone()
	meta.Generation++
	keySetChanged := s.pending.changesKeySet()
	idChunks := s.idChunks
	if keySetChanged {
		idChunks = maps.Clone(s.idChunks)
	}

	updated := make(map[string]*chunkDocs, len(s.pending.order))
	var changes []indexing.Change

	for _, key := range s.pending.order {
		w := s.pending.byChunk[key]
		current, err := s.chunks.get(key)
		if err != nil {
			return s.flushFailed(err)
		}
		docs := current.clone()
		info := meta.ChunkInfo[key]

		for _, doc := range w.inserts {
			idChunks[doc.ID] = key
			docs.insert(doc)
			meta.Count++
			info.Size += doc.Size()
			changes = append(changes, indexing.Change{ID: doc.ID, New: &doc})
		}
		for _, doc := range w.replaces {
			old, ok := docs.get(doc.ID)
			if !ok {
				return s.flushFailed(domain.Corruptionf("collection %s: %s does not hold %s", s.name, key, doc.ID))
			}
			info.Size += doc.Size() - old.Size()
			docs.replace(doc)
			changes = append(changes, indexing.Change{ID: doc.ID, Old: &old, New: &doc})
		}
		for _, id := range w.deletes {
			old, ok := docs.get(id)
			if !ok {
				return s.flushFailed(domain.Corruptionf("collection %s: %s does not hold %s", s.name, key, id))
			}
			delete(idChunks, id)
			docs.remove(id)
			meta.Count--
			info.Size -= old.Size()
			changes = append(changes, indexing.Change{ID: id, Old: &old})
		}

		info.Generation = meta.Generation
		meta.ChunkInfo[key] = info
		updated[key] = docs
	}

	var g errgroup.Group
	g.SetLimit(maxParallelChunkWrites)
	for key, docs := range updated {
		g.Go(func() error {
			return s.files.Write(versioned(key, meta.Generation), docs.toNative())
		})
	}
	if err := g.Wait(); err != nil {
		return s.flushFailed(fmt.Errorf("failed to write chunk: %w", err))
	}
	rewritten, err := s.indexes.Apply(s.indexGenerations(), changes, meta.Generation)
	if err != nil {
		return s.flushFailed(err)
	}
	for _, field := range rewritten {
		meta.IndexGenerations[field] = meta.Generation
	}
	if keySetChanged {
		if err := s.files.Write(versioned(idChunkFile, meta.Generation), idChunks); err != nil {
			return s.flushFailed(fmt.Errorf("failed to write id map: %w", err))
		}
		meta.IDMapGeneration = meta.Generation
	}
	if err := s.files.Write(metadataFile, meta); err != nil {
		return s.flushFailed(fmt.Errorf("failed to write metadata: %w", err))
	}

	s.meta = meta
	s.idChunks = idChunks
	for key, docs := range updated {
		s.chunks.put(key, docs)
	}
	s.pending.reset()
	s.removeSuperseded(prev, meta)

	Flushes.WithLabelValues("ok").Inc()
	FlushedChunks.Add(float64(len(updated)))
	FlushDuration.Observe(time.Since(start).Seconds())
	s.log.Debugw("flushed", "generation", meta.Generation, "chunks", len(updated),
		"changes", len(changes), "documents", meta.Count, "elapsed", time.Since(start))
	return nil
}

// indexGenerations maps every indexed field to its committed generation.
func (s *Store) indexGenerations() map[string]int64 {
	gens := make(map[string]int64, len(s.meta.IndexedFields))
	for _, field := range s.meta.IndexedFields {
		gens[field] = s.meta.IndexGenerations[field]
	}
	return gens
}

// removeSuperseded deletes the files prev named that next no longer does.
// The commit already happened, so failures are only logged; a leftover file
// is never read again.
func (s *Store) removeSuperseded(prev, next *Metadata) {
	var names []string
	for key, info := range prev.ChunkInfo {
		if next.ChunkInfo[key].Generation != info.Generation {
			names = append(names, versioned(key, info.Generation))
		}
	}
	if next.IDMapGeneration != prev.IDMapGeneration {
		names = append(names, versioned(idChunkFile, prev.IDMapGeneration))
	}
	for _, field := range prev.IndexedFields {
		if gen := prev.IndexGenerations[field]; next.IndexGenerations[field] != gen {
			names = append(names, indexing.FileName(field, gen))
		}
	}
	for _, name := range names {
		if err := s.files.Remove(name); err != nil {
			s.log.Warnw("failed to remove superseded file", "file", name, "error", err)
		}
	}
}

// flushFailed records a failed flush. Nothing committed was overwritten, so
// the in-memory state and caches stay valid.
func (s *Store) flushFailed(err error) error {
	Flushes.WithLabelValues("error").Inc()
	s.log.Errorw("flush failed", "error", err)
	return err
}

// Write runs fn with exclusive access to the store and flushes what fn
// staged. Writes staged earlier through StageInsert and friends are flushed
// first. If fn or the flush fails, fn's staged writes are discarded.
func (s *Store) Write(fn func(w *Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flush(); err != nil {
		return err
	}
	if err := fn(&Writer{s: s}); err != nil {
		s.pending.reset()
		return err
	}
	if err := s.flush(); err != nil {
		s.pending.reset()
		return err
	}
	return nil
}

// Writer gives reads and staging inside Store.Write. Reads see the last
// flushed state, not the writes staged through the same Writer. A Writer
// must not be used after fn returns.
type Writer struct {
	s *Store
}

// GetByID returns the committed document with id.
func (w *Writer) GetByID(id string) (domain.Document, bool, error) {
	return w.s.getByID(id)
}

// Scan yields every committed document in scan order.
func (w *Writer) Scan() iter.Seq2[domain.Document, error] {
	return w.s.scan(false)
}

// Filter returns the committed documents matching pred.
func (w *Writer) Filter(pred func(domain.Document) bool, stopAtFirst bool) ([]domain.Document, error) {
	return filterSeq(w.s.scan(false), pred, stopAtFirst)
}

// IndexedFields returns the fields that have a secondary index.
func (w *Writer) IndexedFields() []string {
	return slices.Clone(w.s.meta.IndexedFields)
}

// GetByIDs returns the committed documents among ids in scan order.
func (w *Writer) GetByIDs(ids []string) ([]domain.Document, error) {
	return w.s.getByIDs(ids)
}

// LookupIndex returns the ids whose field equals value.
func (w *Writer) LookupIndex(field string, value domain.Value) ([]string, error) {
	return w.s.lookupIndex(field, value)
}

// StageInsert stages doc for insertion.
func (w *Writer) StageInsert(doc domain.Document) error {
	return w.s.stageInsert(doc)
}

// StageReplace stages doc to overwrite the committed document with its id.
func (w *Writer) StageReplace(doc domain.Document) error {
	return w.s.stageReplace(doc)
}

// StageDelete stages the removal of the committed document id.
func (w *Writer) StageDelete(id string) error {
	return w.s.stageDelete(id)
}

// Reader is the read surface shared by Store and Writer.
type Reader interface {
	GetByID(id string) (domain.Document, bool, error)
	GetByIDs(ids []string) ([]domain.Document, error)
	Filter(pred func(domain.Document) bool, stopAtFirst bool) ([]domain.Document, error)
	IndexedFields() []string
	LookupIndex(field string, value domain.Value) ([]string, error)
}

var (
	_ Reader = (*Store)(nil)
	_ Reader = (*Writer)(nil)
)
