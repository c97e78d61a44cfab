package storage

// chunkLoad is the projected size of one placement candidate.
type chunkLoad struct {
	key  string
	size int64
}

// choosePlacement picks the candidate whose projected size after adding
// docSize is smallest while staying below limit. Ties go to the earlier
// candidate. It reports false when no candidate has room.
func choosePlacement(candidates []chunkLoad, docSize, limit int64) (string, bool) {
	best := ""
	var bestSize int64
	for _, c := range candidates {
		projected := c.size + docSize
		if projected >= limit {
			continue
		}
		if best == "" || projected < bestSize {
			best, bestSize = c.key, projected
		}
	}
	return best, best != ""
}

// placeChunk returns the chunk a new document of docSize goes to. Sizes
// already staged for insert count towards a chunk's load, so one large batch
// cannot overfill a chunk. Caller holds the write lock.
func (s *Store) placeChunk(docSize int64) string {
	keys := s.meta.chunkKeys()
	keys = append(keys, s.pending.newChunks...)

	candidates := make([]chunkLoad, 0, len(keys))
	for _, key := range keys {
		candidates = append(candidates, chunkLoad{
			key:  key,
			size: s.meta.ChunkInfo[key].Size + s.pending.insertSize[key],
		})
	}
	if key, ok := choosePlacement(candidates, docSize, s.opts.maxChunkSize); ok {
		return key
	}
	return chunkKey(len(keys) + 1)
}
