package indexing

import (
	"fmt"
	"iter"
	"maps"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/adfharrison1/jsondb/pkg/domain"
)

// CacheRequests counts index cache lookups by hit or miss.
var CacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "jsondb",
	Subsystem: "indexing",
	Name:      "cache_requests_total",
	Help:      "Index cache lookups by result.",
}, []string{"result"})

// IndexWrites counts index files written, by build or flush.
var IndexWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "jsondb",
	Subsystem: "indexing",
	Name:      "index_writes_total",
	Help:      "Index files written.",
}, []string{"reason"})

// Collectors returns the indexing metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{CacheRequests, IndexWrites}
}

// Files persists encoded index files. It is implemented by the collection's
// storage layer.
type Files interface {
	Read(name string, v any) error
	Write(name string, v any) error
}

// Index maps a canonical field value to the ids of documents holding it.
type Index map[string][]string

func (idx Index) clone() Index {
	return maps.Clone(idx)
}

func (idx Index) add(key, id string) {
	ids := idx[key]
	if slices.Contains(ids, id) {
		return
	}
	idx[key] = append(slices.Clone(ids), id)
}

func (idx Index) remove(key, id string) {
	ids, ok := idx[key]
	if !ok {
		return
	}
	ids = slices.DeleteFunc(slices.Clone(ids), func(other string) bool { return other == id })
	if len(ids) == 0 {
		delete(idx, key)
		return
	}
	idx[key] = ids
}

// Change describes one applied mutation. Old is nil for inserts and New is
// nil for deletes.
type Change struct {
	ID  string
	Old *domain.Document
	New *domain.Document
}

// FileName returns the base name of the index file for field at generation
// gen. Generation 0 keeps the bare name.
func FileName(field string, gen int64) string {
	if gen == 0 {
		return field + "Index"
	}
	return fmt.Sprintf("%sIndex_%d", field, gen)
}

// Manager builds, reads and maintains the secondary indexes of one
// collection. Every index file is written under a new generation and never
// overwritten in place, so the caller decides which generation is committed
// by recording it. Callers serialize Build and Apply; Lookup may run
// concurrently.
type Manager struct {
	files  Files
	cache  *lru.Cache[string, Index] // keyed by file name
	logger *zap.SugaredLogger
}

// NewManager creates an index manager with a cache of cacheSize indexes.
func NewManager(files Files, cacheSize int, logger *zap.SugaredLogger) *Manager {
	cache, _ := lru.New[string, Index](cacheSize)
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{files: files, cache: cache, logger: logger}
}

// Build indexes field over every document of docs and persists the result
// at generation gen. It fails if no document carries the field.
func (m *Manager) Build(field string, gen int64, docs iter.Seq2[domain.Document, error]) error {
	index := make(Index)
	found := false
	for doc, err := range docs {
		if err != nil {
			return err
		}
		val, ok := doc.Get(field)
		if !ok {
			continue
		}
		found = true
		key := domain.CanonicalKey(val)
		index[key] = append(index[key], doc.ID)
	}
	if !found {
		return domain.Usagef("index cannot be created, documents do not have field %q", field)
	}
	name := FileName(field, gen)
	if err := m.files.Write(name, index); err != nil {
		return fmt.Errorf("failed to write index %s: %w", field, err)
	}
	IndexWrites.WithLabelValues("build").Inc()
	m.cache.Add(name, index)
	m.logger.Infow("built index", "field", field, "generation", gen, "values", len(index))
	return nil
}

// Lookup returns the ids of documents whose field equals value in the index
// file of generation gen.
func (m *Manager) Lookup(field string, gen int64, value domain.Value) ([]string, error) {
	index, err := m.get(field, gen)
	if err != nil {
		return nil, err
	}
	return slices.Clone(index[domain.CanonicalKey(value)]), nil
}

// Apply folds changes into the indexes of fields, which maps every indexed
// field to its committed generation. Each index that changed is written at
// generation gen; the others are left alone. It returns the fields it
// rewrote, sorted.
func (m *Manager) Apply(fields map[string]int64, changes []Change, gen int64) ([]string, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	var rewritten []string
	for _, field := range slices.Sorted(maps.Keys(fields)) {
		current, err := m.get(field, fields[field])
		if err != nil {
			return nil, err
		}
		index := current.clone()
		dirty := false
		for _, change := range changes {
			oldKey, hadOld := keyOf(change.Old, field)
			newKey, hasNew := keyOf(change.New, field)
			if hadOld && hasNew && oldKey == newKey {
				continue
			}
			if hadOld {
				index.remove(oldKey, change.ID)
				dirty = true
			}
			if hasNew {
				index.add(newKey, change.ID)
				dirty = true
			}
		}
		if !dirty {
			continue
		}
		name := FileName(field, gen)
		if err := m.files.Write(name, index); err != nil {
			return nil, fmt.Errorf("failed to write index %s: %w", field, err)
		}
		IndexWrites.WithLabelValues("flush").Inc()
		m.cache.Add(name, index)
		rewritten = append(rewritten, field)
	}
	return rewritten, nil
}

// Purge drops every cached index.
func (m *Manager) Purge() {
	m.cache.Purge()
}

func (m *Manager) get(field string, gen int64) (Index, error) {
	name := FileName(field, gen)
	if index, ok := m.cache.Get(name); ok {
		CacheRequests.WithLabelValues("hit").Inc()
		return index, nil
	}
	CacheRequests.WithLabelValues("miss").Inc()
	var index Index
	if err := m.files.Read(name, &index); err != nil {
		return nil, domain.Corruptionf("cannot read index for %s: %v", field, err)
	}
	if index == nil {
		index = make(Index)
	}
	m.cache.Add(name, index)
	return index, nil
}

func keyOf(doc *domain.Document, field string) (string, bool) {
	if doc == nil {
		return "", false
	}
	val, ok := doc.Get(field)
	if !ok {
		return "", false
	}
	return domain.CanonicalKey(val), true
}
