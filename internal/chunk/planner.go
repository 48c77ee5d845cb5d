// Package chunk partitions a download into contiguous byte ranges that can
// be fetched independently over range requests.
package chunk

// Range is one planned piece of the file, covering [Offset, Offset+Length).
type Range struct {
	Offset int64
	Length int64
}

// Plan splits totalSize bytes into at most maxChunks contiguous pieces of
// roughly equal size. No piece is smaller than minChunkSize; when the file
// is too small for the requested count the count shrinks, down to a single
// piece. A zero-size file yields an empty plan.
func Plan(totalSize int64, maxChunks int, minChunkSize int64) []Range {
	if totalSize <= 0 {
		return nil
	}
	if maxChunks < 1 {
		maxChunks = 1
	}
	if minChunkSize < 1 {
		minChunkSize = 1
	}
	count := int64(maxChunks)
	if totalSize/count < minChunkSize {
		count = totalSize / minChunkSize
		if count < 1 {
			count = 1
		}
	}
	chunkSize := totalSize / count
	ranges := make([]Range, 0, count)
	var pos int64
	for i := int64(0); i < count; i++ {
		length := chunkSize
		if i == count-1 {
			length = totalSize - pos
		}
		ranges = append(ranges, Range{Offset: pos, Length: length})
		pos += length
	}
	return ranges
}
