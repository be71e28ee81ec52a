// Package chunk partitions bulk data into bounded groups for streaming.
//
// Both partitioners return exactly one empty chunk for empty input, so a
// stream always announces totalChunks >= 1 and the collector always sees a
// completing chunk.
package chunk

import (
	"unicode/utf16"

	"github.com/goccy/go-json"
)

// bytesPerChar approximates UTF-16 storage of a serialized string.
const bytesPerChar = 2

// EstimateSize returns an approximate in-memory size of v in bytes: two bytes
// per UTF-16 code unit of its unescaped JSON encoding. Values that cannot be
// encoded count as zero.
func EstimateSize(v any) int {
	data, err := json.MarshalNoEscape(v)
	if err != nil {
		return 0
	}
	units := 0
	for _, r := range string(data) {
		if n := utf16.RuneLen(r); n > 0 {
			units += n
		} else {
			units++
		}
	}
	return units * bytesPerChar
}

// BySize greedily groups items so that each chunk's estimated size stays
// within maxBytes. An item larger than maxBytes still gets a chunk of its
// own. A non-positive maxBytes puts every item in its own chunk.
func BySize[T any](items []T, maxBytes int) [][]T {
	if len(items) == 0 {
		return [][]T{{}}
	}
	if maxBytes <= 0 {
		chunks := make([][]T, 0, len(items))
		for _, item := range items {
			chunks = append(chunks, []T{item})
		}
		return chunks
	}

	var (
		chunks  [][]T
		current []T
		size    int
	)
	for _, item := range items {
		itemSize := EstimateSize(item)
		if len(current) > 0 && size+itemSize > maxBytes {
			chunks = append(chunks, current)
			current = nil
			size = 0
		}
		current = append(current, item)
		size += itemSize
	}
	return append(chunks, current)
}

// ByCount splits items into windows of n; the last window may be shorter.
// n below 1 is treated as 1.
func ByCount[T any](items []T, n int) [][]T {
	if len(items) == 0 {
		return [][]T{{}}
	}
	if n < 1 {
		n = 1
	}

	chunks := make([][]T, 0, (len(items)+n-1)/n)
	for start := 0; start < len(items); start += n {
		end := min(start+n, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}
