package indexing_test

import (
	"encoding/json"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adfharrison1/jsondb/pkg/domain"
	"github.com/adfharrison1/jsondb/pkg/indexing"
)

// memFiles keeps encoded index files in memory.
type memFiles struct {
	data     map[string][]byte
	writes   int
	failNext bool
}

func newMemFiles() *memFiles {
	return &memFiles{data: make(map[string][]byte)}
}

func (m *memFiles) Read(name string, v any) error {
	data, ok := m.data[name]
	if !ok {
		return errors.New("no such file")
	}
	return json.Unmarshal(data, v)
}

func (m *memFiles) Write(name string, v any) error {
	if m.failNext {
		m.failNext = false
		return errors.New("disk full")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.data[name] = data
	m.writes++
	return nil
}

func doc(id string, fields domain.Fields) domain.Document {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return domain.Document{ID: id, CreatedAt: now, UpdatedAt: now, Fields: fields}
}

func seq(docs ...domain.Document) iter.Seq2[domain.Document, error] {
	return func(yield func(domain.Document, error) bool) {
		for _, d := range docs {
			if !yield(d, nil) {
				return
			}
		}
	}
}

func age(n float64) domain.Fields {
	return domain.Fields{"age": domain.Number(n)}
}

func TestBuildAndLookup(t *testing.T) {
	files := newMemFiles()
	m := indexing.NewManager(files, 4, nil)

	err := m.Build("age", 0, seq(doc("a", age(19)), doc("b", age(29)), doc("c", age(19))))
	require.NoError(t, err)
	assert.Contains(t, files.data, indexing.FileName("age", 0))
	assert.Equal(t, "ageIndex", indexing.FileName("age", 0))
	assert.Equal(t, "ageIndex_3", indexing.FileName("age", 3))

	tests := []struct {
		value domain.Value
		want  []string
	}{
		{domain.Number(19), []string{"a", "c"}},
		{domain.Number(29), []string{"b"}},
		{domain.Number(99), nil},
		{domain.String("19"), nil},
	}
	for _, tt := range tests {
		ids, err := m.Lookup("age", 0, tt.value)
		require.NoError(t, err)
		assert.ElementsMatch(t, tt.want, ids, "value %v", tt.value)
	}
}

func TestBuildRequiresTheField(t *testing.T) {
	m := indexing.NewManager(newMemFiles(), 4, nil)

	err := m.Build("email", 0, seq(doc("a", age(19))))
	assert.ErrorIs(t, err, domain.ErrUsage)

	err = m.Build("age", 0, seq(doc("a", age(19)), doc("b", domain.Fields{"name": domain.String("x")})))
	assert.NoError(t, err, "partial coverage is accepted")
}

func TestBuildPropagatesScanErrors(t *testing.T) {
	m := indexing.NewManager(newMemFiles(), 4, nil)
	broken := func(yield func(domain.Document, error) bool) {
		yield(domain.Document{}, domain.Corruptionf("bad chunk"))
	}
	assert.ErrorIs(t, m.Build("age", 0, broken), domain.ErrCorruption)
}

func TestLookupReadsThroughCache(t *testing.T) {
	files := newMemFiles()
	m := indexing.NewManager(files, 1, nil)
	require.NoError(t, m.Build("age", 0, seq(doc("a", age(19)))))
	require.NoError(t, m.Build("name", 0, seq(doc("a", domain.Fields{"name": domain.String("Ram")}))))

	// "age" was evicted by "name" and is read back from its file.
	ids, err := m.Lookup("age", 0, domain.Number(19))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	m.Purge()
	delete(files.data, indexing.FileName("name", 0))
	_, err = m.Lookup("name", 0, domain.String("Ram"))
	assert.ErrorIs(t, err, domain.ErrCorruption)
}

func TestLookupReturnsCopies(t *testing.T) {
	m := indexing.NewManager(newMemFiles(), 4, nil)
	require.NoError(t, m.Build("age", 0, seq(doc("a", age(19)))))

	ids, err := m.Lookup("age", 0, domain.Number(19))
	require.NoError(t, err)
	ids[0] = "mutated"

	ids, err = m.Lookup("age", 0, domain.Number(19))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestApply(t *testing.T) {
	files := newMemFiles()
	m := indexing.NewManager(files, 4, nil)
	a, b := doc("a", age(19)), doc("b", age(29))
	require.NoError(t, m.Build("age", 0, seq(a, b)))
	require.NoError(t, m.Build("name", 0, seq(doc("a", domain.Fields{"name": domain.String("x")}))))

	c := doc("c", age(19))
	movedA := doc("a", age(29))
	changes := []indexing.Change{
		{ID: "c", New: &c},
		{ID: "a", Old: &a, New: &movedA},
		{ID: "b", Old: &b},
	}
	rewritten, err := m.Apply(map[string]int64{"age": 0, "name": 0}, changes, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"age"}, rewritten, "name did not change")
	assert.Contains(t, files.data, indexing.FileName("age", 1))
	assert.NotContains(t, files.data, indexing.FileName("name", 1))

	ids, err := m.Lookup("age", 1, domain.Number(19))
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids)

	ids, err = m.Lookup("age", 1, domain.Number(29))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	t.Run("earlier generation is untouched", func(t *testing.T) {
		ids, err := m.Lookup("age", 0, domain.Number(19))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a"}, ids)
	})

	t.Run("persisted", func(t *testing.T) {
		fresh := indexing.NewManager(files, 4, nil)
		ids, err := fresh.Lookup("age", 1, domain.Number(29))
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, ids)
	})

	t.Run("unchanged values are not rewritten", func(t *testing.T) {
		writes := files.writes
		renamed := doc("c", domain.Fields{"age": domain.Number(19), "name": domain.String("x")})
		rewritten, err := m.Apply(map[string]int64{"age": 1}, []indexing.Change{{ID: "c", Old: &c, New: &renamed}}, 2)
		require.NoError(t, err)
		assert.Empty(t, rewritten)
		assert.Equal(t, writes, files.writes)
	})

	t.Run("failed write leaves the committed generation alone", func(t *testing.T) {
		d := doc("d", age(19))
		files.failNext = true
		_, err := m.Apply(map[string]int64{"age": 1}, []indexing.Change{{ID: "d", New: &d}}, 2)
		require.Error(t, err)

		ids, err := m.Lookup("age", 1, domain.Number(19))
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, ids)
	})
}

func TestReferenceValuesAreKeyedByID(t *testing.T) {
	m := indexing.NewManager(newMemFiles(), 4, nil)
	owner := domain.Fields{"owner": domain.Reference{Collection: "users", ID: "u1"}}
	require.NoError(t, m.Build("owner", 0, seq(doc("a", owner))))

	ids, err := m.Lookup("owner", 0, domain.String("u1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}
