package api

import (
	"sync"

	"github.com/adfharrison1/jsondb/pkg/domain"
	"github.com/adfharrison1/jsondb/pkg/engine"
)

// mockDatabase records the calls it receives and answers with canned results.
type mockDatabase struct {
	mu    sync.Mutex
	calls []string

	collection string
	filter     domain.Filter
	data       domain.Fields
	docs       []domain.Fields
	opts       engine.FindOptions
	projection []string
	field      string

	count  int64
	ids    []string
	result []domain.Document
	found  bool
	err    error
}

var _ Database = (*mockDatabase)(nil)

func (m *mockDatabase) record(call, coll string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	m.collection = coll
}

func (m *mockDatabase) Count(coll string) (int64, error) {
	m.record("Count", coll)
	return m.count, m.err
}

func (m *mockDatabase) CountFilter(coll string, f domain.Filter) (int64, error) {
	m.record("CountFilter", coll)
	m.filter = f
	return m.count, m.err
}

func (m *mockDatabase) Insert(coll string, docs []domain.Fields) ([]string, error) {
	m.record("Insert", coll)
	m.docs = docs
	return m.ids, m.err
}

func (m *mockDatabase) All(coll string, projection []string) ([]domain.Document, error) {
	m.record("All", coll)
	m.projection = projection
	return m.result, m.err
}

func (m *mockDatabase) Filter(coll string, f domain.Filter, opts engine.FindOptions) ([]domain.Document, error) {
	m.record("Filter", coll)
	m.filter, m.opts = f, opts
	return m.result, m.err
}

func (m *mockDatabase) FilterOne(coll string, f domain.Filter, opts engine.FindOptions) (domain.Document, bool, error) {
	m.record("FilterOne", coll)
	m.filter, m.opts = f, opts
	if len(m.result) == 0 {
		return domain.Document{}, m.found, m.err
	}
	return m.result[0], m.found, m.err
}

func (m *mockDatabase) Update(coll string, f domain.Filter, data domain.Fields) (int, error) {
	m.record("Update", coll)
	m.filter, m.data = f, data
	return 1, m.err
}

func (m *mockDatabase) UpdateOne(coll string, f domain.Filter, data domain.Fields) (int, error) {
	m.record("UpdateOne", coll)
	m.filter, m.data = f, data
	return 1, m.err
}

func (m *mockDatabase) Delete(coll string, f domain.Filter) (int, error) {
	m.record("Delete", coll)
	m.filter = f
	return 1, m.err
}

func (m *mockDatabase) DeleteOne(coll string, f domain.Filter) (int, error) {
	m.record("DeleteOne", coll)
	m.filter = f
	return 1, m.err
}

func (m *mockDatabase) CreateIndex(coll, field string) error {
	m.record("CreateIndex", coll)
	m.field = field
	return m.err
}
