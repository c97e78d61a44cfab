package engine

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/adfharrison1/jsondb/pkg/storage"
)

// DefaultCapacity is the number of collections kept open by default.
const DefaultCapacity = 5

// ErrClosed is returned by a registry after Close.
var ErrClosed = errors.New("registry is closed")

type entry struct {
	name  string
	store *storage.Store
	refs  int
}

// Registry keeps a bounded set of open collections. A collection in use is
// never evicted: when every open collection is in use the registry grows past
// its capacity and shrinks back once collections become idle. An idle
// collection with staged writes is flushed before it is evicted. Flushes run
// without the registry lock, so they never hold up other collections.
type Registry struct {
	dataDir   string
	storeOpts []storage.Option
	log       *zap.SugaredLogger

	mu       sync.Mutex
	capacity int
	size     int
	stores   *lru.Cache[string, *entry]
	closed   bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCapacity sets how many idle collections are kept open.
func WithCapacity(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithStoreOptions sets the options every collection is opened with.
func WithStoreOptions(opts ...storage.Option) RegistryOption {
	return func(r *Registry) {
		r.storeOpts = append(r.storeOpts, opts...)
	}
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger *zap.SugaredLogger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.log = logger
		}
	}
}

// NewRegistry creates a registry of collections stored under dataDir,
// creating the directory if needed.
func NewRegistry(dataDir string, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		dataDir:  dataDir,
		log:      zap.NewNop().Sugar(),
		capacity: DefaultCapacity,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	r.size = r.capacity
	r.stores, _ = lru.New[string, *entry](r.size)
	return r, nil
}

// Acquire returns the open store for name, opening it if needed. The store
// stays open until release is called; release is safe to call more than
// once.
func (r *Registry) Acquire(name string) (*storage.Store, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	failed := make(map[string]bool)
	for {
		if r.closed {
			return nil, nil, ErrClosed
		}
		if e, ok := r.stores.Get(name); ok {
			e.refs++
			return e.store, r.releaser(e), nil
		}
		if r.stores.Len() < r.capacity || !r.evictIdle(failed) {
			break
		}
	}
	r.resize()

	store, err := storage.Open(name, r.dataDir, r.storeOpts...)
	if err != nil {
		return nil, nil, err
	}
	e := &entry{name: name, store: store, refs: 1}
	r.stores.Add(name, e)
	OpenCollections.Set(float64(r.stores.Len()))
	r.log.Debugw("opened collection", "collection", name, "open", r.stores.Len())
	return store, r.releaser(e), nil
}

func (r *Registry) releaser(e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			e.refs--
			r.mu.Unlock()
		})
	}
}

// resize grows the cache by one slot when every open store is in use and
// shrinks it back to capacity once there is room. Caller holds r.mu.
func (r *Registry) resize() {
	switch {
	case r.stores.Len() >= r.size:
		// every open store is in use
		r.size = r.stores.Len() + 1
		r.stores.Resize(r.size)
		r.log.Warnw("all open collections are in use, growing registry", "size", r.size)
	case r.size > r.capacity && r.stores.Len() < r.capacity:
		r.size = r.capacity
		r.stores.Resize(r.size)
	}
}

// evictIdle makes progress towards closing the least recently used idle
// store and reports false when there is none left to try. A store without
// staged writes is closed at once. A store with staged writes is pinned and
// flushed with r.mu released, and the caller must look at the registry
// again afterwards. A store whose flush fails is added to failed and stays
// open. Caller holds r.mu.
func (r *Registry) evictIdle(failed map[string]bool) bool {
	for _, name := range r.stores.Keys() {
		e, ok := r.stores.Peek(name)
		if !ok || e.refs > 0 || failed[name] {
			continue
		}
		if !e.store.CanFlush() {
			r.stores.Remove(name)
			Evictions.Inc()
			OpenCollections.Set(float64(r.stores.Len()))
			r.log.Debugw("evicted collection", "collection", name)
			return true
		}

		e.refs++
		r.mu.Unlock()
		err := e.store.Flush()
		r.mu.Lock()
		e.refs--
		if err != nil {
			r.log.Errorw("cannot evict collection with unflushed writes", "collection", name, "error", err)
			failed[name] = true
		}
		return true
	}
	return false
}

// CollectionStats describes one open collection.
type CollectionStats struct {
	Name      string `json:"name"`
	Documents int64  `json:"documents"`
	Chunks    int    `json:"chunks"`
	InUse     int    `json:"inUse"`
	Pending   bool   `json:"pending"`
}

// Stats describes the open collections, least recently used first.
func (r *Registry) Stats() []CollectionStats {
	type open struct {
		name  string
		store *storage.Store
		refs  int
	}
	r.mu.Lock()
	entries := make([]open, 0, r.stores.Len())
	for _, name := range r.stores.Keys() {
		if e, ok := r.stores.Peek(name); ok {
			entries = append(entries, open{name: name, store: e.store, refs: e.refs})
		}
	}
	r.mu.Unlock()

	stats := make([]CollectionStats, 0, len(entries))
	for _, e := range entries {
		stats = append(stats, CollectionStats{
			Name:      e.name,
			Documents: e.store.Count(),
			Chunks:    e.store.ChunkCount(),
			InUse:     e.refs,
			Pending:   e.store.CanFlush(),
		})
	}
	return stats
}

// StartBackgroundFlush periodically flushes open collections holding staged
// writes until Close.
func (r *Registry) StartBackgroundFlush(interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := r.FlushAll(); err != nil {
					r.log.Errorw("background flush failed", "error", err)
				}
			case <-r.stopChan:
				return
			}
		}
	}()
}

// FlushAll flushes every open collection holding staged writes.
func (r *Registry) FlushAll() error {
	r.mu.Lock()
	entries := r.pinAll()
	r.mu.Unlock()
	return r.flushPinned(entries)
}

// pinAll takes a reference on every open store so that none is evicted while
// it is flushed without r.mu. Caller holds r.mu.
func (r *Registry) pinAll() []*entry {
	entries := make([]*entry, 0, r.stores.Len())
	for _, name := range r.stores.Keys() {
		if e, ok := r.stores.Peek(name); ok {
			e.refs++
			entries = append(entries, e)
		}
	}
	return entries
}

// flushPinned flushes the pinned stores that hold staged writes, then drops
// the references pinAll took. Caller does not hold r.mu.
func (r *Registry) flushPinned(entries []*entry) error {
	var errs []error
	for _, e := range entries {
		if !e.store.CanFlush() {
			continue
		}
		if err := e.store.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("collection %s: %w", e.name, err))
		}
	}

	r.mu.Lock()
	for _, e := range entries {
		e.refs--
	}
	r.mu.Unlock()
	return errors.Join(errs...)
}

// Close stops background flushing, flushes every open collection and closes
// the registry.
func (r *Registry) Close() error {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.pinAll()
	r.mu.Unlock()

	err := r.flushPinned(entries)

	r.mu.Lock()
	r.stores.Purge()
	r.mu.Unlock()
	OpenCollections.Set(0)
	return err
}
