package engine

import (
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/adfharrison1/jsondb/pkg/domain"
	"github.com/adfharrison1/jsondb/pkg/storage"
)

// maxParallelPopulate bounds the documents populated concurrently.
const maxParallelPopulate = 8

// Engine runs queries and mutations against the collections of a Registry.
// Every mutation is flushed before it returns.
type Engine struct {
	reg *Registry
	now func() time.Time
	log *zap.SugaredLogger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for document timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.log = logger
		}
	}
}

// New creates an engine over reg.
func New(reg *Registry, opts ...Option) *Engine {
	e := &Engine{
		reg: reg,
		now: time.Now,
		log: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FindOptions shape the documents returned by Filter and FilterOne.
type FindOptions struct {
	// Projection restricts fields when non-nil. id, createdAt and updatedAt
	// are always kept.
	Projection []string
	// Populate names reference fields to resolve.
	Populate []string
}

func (e *Engine) observe(op string, start time.Time, err *error) {
	OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if *err != nil {
		OpErrors.WithLabelValues(op).Inc()
	}
}

// Count returns the number of documents in coll.
func (e *Engine) Count(coll string) (n int64, err error) {
	defer e.observe("count", time.Now(), &err)

	store, release, err := e.reg.Acquire(coll)
	if err != nil {
		return 0, err
	}
	defer release()
	return store.Count(), nil
}

// CountFilter returns the number of documents in coll matching f.
func (e *Engine) CountFilter(coll string, f domain.Filter) (n int64, err error) {
	defer e.observe("count", time.Now(), &err)

	if err := f.Validate(); err != nil {
		return 0, err
	}
	store, release, err := e.reg.Acquire(coll)
	if err != nil {
		return 0, err
	}
	defer release()

	docs, err := match(store, f, false)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

// Insert stores docs under freshly generated ids and returns the ids in
// input order. Reserved fields in docs are ignored.
func (e *Engine) Insert(coll string, docs []domain.Fields) (ids []string, err error) {
	defer e.observe("insert", time.Now(), &err)

	store, release, err := e.reg.Acquire(coll)
	if err != nil {
		return nil, err
	}
	defer release()

	ids = make([]string, 0, len(docs))
	err = store.Write(func(w *storage.Writer) error {
		now := e.now().UTC()
		for _, fields := range docs {
			doc := domain.Document{
				ID:        domain.NewID(),
				CreatedAt: now,
				UpdatedAt: now,
				Fields:    fields.WithoutReserved(),
			}
			if err := w.StageInsert(doc); err != nil {
				return err
			}
			ids = append(ids, doc.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Debugw("inserted documents", "collection", coll, "count", len(ids))
	return ids, nil
}

// All returns every document of coll in scan order.
func (e *Engine) All(coll string, projection []string) (docs []domain.Document, err error) {
	defer e.observe("all", time.Now(), &err)

	store, release, err := e.reg.Acquire(coll)
	if err != nil {
		return nil, err
	}
	defer release()

	docs = []domain.Document{}
	for doc, err := range store.Scan() {
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if projection != nil {
		docs = Project(docs, projection)
	}
	return docs, nil
}

// Filter returns the documents of coll matching f.
func (e *Engine) Filter(coll string, f domain.Filter, opts FindOptions) (docs []domain.Document, err error) {
	defer e.observe("filter", time.Now(), &err)
	return e.find(coll, f, opts, false)
}

// FilterOne returns the first document of coll matching f. Finding nothing is
// reported through the boolean.
func (e *Engine) FilterOne(coll string, f domain.Filter, opts FindOptions) (doc domain.Document, found bool, err error) {
	defer e.observe("filterOne", time.Now(), &err)

	docs, err := e.find(coll, f, opts, true)
	if err != nil || len(docs) == 0 {
		return domain.Document{}, false, err
	}
	return docs[0], true, nil
}

func (e *Engine) find(coll string, f domain.Filter, opts FindOptions, one bool) ([]domain.Document, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	store, release, err := e.reg.Acquire(coll)
	if err != nil {
		return nil, err
	}
	docs, err := match(store, f, one)
	release()
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []domain.Document{}
	}

	if opts.Projection != nil {
		docs = Project(docs, opts.Projection)
	}
	if len(opts.Populate) > 0 {
		if err := e.Populate(docs, opts.Populate); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// Update merges data over every document of coll matching f and returns the
// number of documents updated. Matching nothing is a usage error.
func (e *Engine) Update(coll string, f domain.Filter, data domain.Fields) (n int, err error) {
	defer e.observe("update", time.Now(), &err)
	return e.update(coll, f, data, false)
}

// UpdateOne is Update limited to the first matching document.
func (e *Engine) UpdateOne(coll string, f domain.Filter, data domain.Fields) (n int, err error) {
	defer e.observe("updateOne", time.Now(), &err)
	return e.update(coll, f, data, true)
}

func (e *Engine) update(coll string, f domain.Filter, data domain.Fields, one bool) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	if data == nil {
		return 0, domain.Usagef("data not found")
	}
	store, release, err := e.reg.Acquire(coll)
	if err != nil {
		return 0, err
	}
	defer release()

	var n int
	err = store.Write(func(w *storage.Writer) error {
		docs, err := match(w, f, one)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return domain.Usagef("cannot find any documents to update")
		}
		now := e.now().UTC()
		for _, doc := range docs {
			updated := doc.Merge(data)
			updated.UpdatedAt = now
			if err := w.StageReplace(updated); err != nil {
				return err
			}
		}
		n = len(docs)
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.log.Debugw("updated documents", "collection", coll, "count", n)
	return n, nil
}

// Delete removes every document of coll matching f and returns the number
// removed. Matching nothing is a usage error.
func (e *Engine) Delete(coll string, f domain.Filter) (n int, err error) {
	defer e.observe("delete", time.Now(), &err)
	return e.delete(coll, f, false)
}

// DeleteOne is Delete limited to the first matching document.
func (e *Engine) DeleteOne(coll string, f domain.Filter) (n int, err error) {
	defer e.observe("deleteOne", time.Now(), &err)
	return e.delete(coll, f, true)
}

func (e *Engine) delete(coll string, f domain.Filter, one bool) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	store, release, err := e.reg.Acquire(coll)
	if err != nil {
		return 0, err
	}
	defer release()

	var n int
	err = store.Write(func(w *storage.Writer) error {
		docs, err := match(w, f, one)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return domain.Usagef("cannot find any documents to delete")
		}
		for _, doc := range docs {
			if err := w.StageDelete(doc.ID); err != nil {
				return err
			}
		}
		n = len(docs)
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.log.Debugw("deleted documents", "collection", coll, "count", n)
	return n, nil
}

// CreateIndex builds a secondary index on field of coll.
func (e *Engine) CreateIndex(coll, field string) (err error) {
	defer e.observe("createIndex", time.Now(), &err)

	store, release, err := e.reg.Acquire(coll)
	if err != nil {
		return err
	}
	defer release()
	return store.CreateIndex(field)
}

// LookupIndex returns the ids of documents of coll whose field equals value.
func (e *Engine) LookupIndex(coll, field string, value domain.Value) ([]string, error) {
	store, release, err := e.reg.Acquire(coll)
	if err != nil {
		return nil, err
	}
	defer release()
	return store.LookupIndex(field, value)
}

// Close flushes and closes every open collection.
func (e *Engine) Close() error {
	return e.reg.Close()
}

// Project restricts every document to fields. id, createdAt and updatedAt
// are always part of a document, so listing or omitting them changes
// nothing.
func Project(docs []domain.Document, fields []string) []domain.Document {
	out := make([]domain.Document, len(docs))
	for i, doc := range docs {
		projected := doc
		projected.Fields = make(domain.Fields, len(fields))
		for _, field := range fields {
			if v, ok := doc.Fields[field]; ok {
				projected.Fields[field] = v
			}
		}
		out[i] = projected
	}
	return out
}

// Populate resolves the references held in fields of docs, in place. A
// reference to a missing document stays unresolved.
func (e *Engine) Populate(docs []domain.Document, fields []string) error {
	var g errgroup.Group
	g.SetLimit(maxParallelPopulate)
	for i := range docs {
		g.Go(func() error {
			return e.populateOne(&docs[i], fields)
		})
	}
	return g.Wait()
}

func (e *Engine) populateOne(doc *domain.Document, fields []string) error {
	for _, field := range fields {
		ref, ok := doc.Fields[field].(domain.Reference)
		if !ok {
			continue
		}
		target, found, err := e.lookup(ref)
		if err != nil {
			return err
		}
		if found {
			ref.Populated = &target
		}
		doc.Fields[field] = ref
	}
	return nil
}

func (e *Engine) lookup(ref domain.Reference) (domain.Document, bool, error) {
	store, release, err := e.reg.Acquire(ref.Collection)
	if err != nil {
		return domain.Document{}, false, err
	}
	defer release()

	docs, err := match(store, domain.ByID(ref.ID), true)
	if err != nil || len(docs) == 0 {
		return domain.Document{}, false, err
	}
	return docs[0], true, nil
}

// match resolves the documents satisfying f. Every clause must hold: an id
// clause narrows the candidates to those ids, indexed scalar clauses narrow
// them through their indexes, and otherwise the whole collection is scanned.
func match(r storage.Reader, f domain.Filter, one bool) ([]domain.Document, error) {
	if f.HasID {
		return resolve(r, dedupe(f.IDs), f, one)
	}
	ids, indexed, err := indexCandidates(r, f)
	if err != nil {
		return nil, err
	}
	if indexed {
		candidates, err := r.GetByIDs(ids)
		if err != nil {
			return nil, err
		}
		var docs []domain.Document
		for _, doc := range candidates {
			if !f.Matches(doc) {
				continue
			}
			docs = append(docs, doc)
			if one {
				break
			}
		}
		return docs, nil
	}
	return r.Filter(f.Matches, one)
}

// resolve fetches ids and keeps the documents matching f. Ids that no longer
// resolve are skipped.
func resolve(r storage.Reader, ids []string, f domain.Filter, one bool) ([]domain.Document, error) {
	var docs []domain.Document
	for _, id := range ids {
		doc, ok, err := r.GetByID(id)
		if err != nil {
			return nil, err
		}
		if !ok || !f.Matches(doc) {
			continue
		}
		docs = append(docs, doc)
		if one {
			break
		}
	}
	return docs, nil
}

// indexCandidates intersects the index lookups of every indexed clause with
// a scalar value. It reports false when no clause can use an index.
func indexCandidates(r storage.Reader, f domain.Filter) ([]string, bool, error) {
	indexed := r.IndexedFields()
	var lists [][]string
	for _, field := range f.FieldNames() {
		if !slices.Contains(indexed, field) {
			continue
		}
		value := f.Fields[field]
		switch value.(type) {
		case domain.Array, domain.Object:
			continue
		}
		ids, err := r.LookupIndex(field, value)
		if err != nil {
			return nil, false, err
		}
		lists = append(lists, ids)
	}
	if len(lists) == 0 {
		return nil, false, nil
	}
	return intersect(lists...), true, nil
}

// intersect returns the ids present in every list, in the order of the
// first list.
func intersect(lists ...[]string) []string {
	if len(lists) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, list := range lists {
		for _, id := range dedupe(list) {
			counts[id]++
		}
	}
	var out []string
	for _, id := range dedupe(lists[0]) {
		if counts[id] == len(lists) {
			out = append(out, id)
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
