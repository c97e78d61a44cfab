package storage

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// ChunkInfo is the advisory size record of one chunk and the generation of
// its committed file.
type ChunkInfo struct {
	Size       int64 `json:"size" msgpack:"size"`
	Generation int64 `json:"generation,omitempty" msgpack:"generation,omitempty"`
}

// Metadata is the durable description of a collection. It is the commit
// point of the collection: every other file is written under a fresh
// generation first, and only the metadata names the generations in use.
type Metadata struct {
	CollectionName string               `json:"collectionName" msgpack:"collectionName"`
	Count          int64                `json:"count" msgpack:"count"`
	ChunkInfo      map[string]ChunkInfo `json:"chunkInfo" msgpack:"chunkInfo"`
	IndexedFields  []string             `json:"indexedFields" msgpack:"indexedFields"`

	// Generation counts commits. IDMapGeneration and IndexGenerations name
	// the committed id map and index files.
	Generation       int64            `json:"generation" msgpack:"generation"`
	IDMapGeneration  int64            `json:"idMapGeneration" msgpack:"idMapGeneration"`
	IndexGenerations map[string]int64 `json:"indexGenerations,omitempty" msgpack:"indexGenerations,omitempty"`
}

func newMetadata(name string) *Metadata {
	return &Metadata{
		CollectionName: name,
		ChunkInfo:      make(map[string]ChunkInfo),
		IndexedFields:  []string{},

		IndexGenerations: make(map[string]int64),
	}
}

func (m *Metadata) clone() *Metadata {
	out := *m
	out.ChunkInfo = maps.Clone(m.ChunkInfo)
	if out.ChunkInfo == nil {
		out.ChunkInfo = make(map[string]ChunkInfo)
	}
	out.IndexedFields = slices.Clone(m.IndexedFields)
	out.IndexGenerations = maps.Clone(m.IndexGenerations)
	if out.IndexGenerations == nil {
		out.IndexGenerations = make(map[string]int64)
	}
	return &out
}

func (m *Metadata) hasIndex(field string) bool {
	return slices.Contains(m.IndexedFields, field)
}

// chunkKeys returns the committed chunk keys in creation order.
func (m *Metadata) chunkKeys() []string {
	keys := make([]string, 0, len(m.ChunkInfo))
	for key := range m.ChunkInfo {
		keys = append(keys, key)
	}
	sortChunkKeys(keys)
	return keys
}

const chunkPrefix = "chunk"

func chunkKey(n int) string {
	return fmt.Sprintf("%s%d", chunkPrefix, n)
}

func chunkNumber(key string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(key, chunkPrefix))
	if err != nil {
		return -1
	}
	return n
}

func sortChunkKeys(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		return chunkNumber(keys[i]) < chunkNumber(keys[j])
	})
}

// versioned returns the file name of base at generation gen. Generation 0
// keeps the bare name.
func versioned(base string, gen int64) string {
	if gen == 0 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, gen)
}
