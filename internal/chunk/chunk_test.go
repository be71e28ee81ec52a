package chunk

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateSize(t *testing.T) {
	assert.Equal(t, 2*len(`"abc"`), EstimateSize("abc"))
	assert.Equal(t, 2*len(`{"a":1}`), EstimateSize(map[string]int{"a": 1}))
	// multi-byte runes count once per character
	assert.Equal(t, 2*len(`"éé"`)-4, EstimateSize("éé"))
}

func TestEstimateSizeUnescapedUTF16(t *testing.T) {
	// HTML characters are not escaped
	assert.Equal(t, 2*len(`"<a&b>"`), EstimateSize("<a&b>"))
	// characters outside the BMP take two UTF-16 units
	assert.Equal(t, 8, EstimateSize("😀"))
	assert.Equal(t, 2*len(`{"k":"<>"}`), EstimateSize(map[string]string{"k": "<>"}))
}

func TestByCountRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		items := make([]int, 1+rng.Intn(60))
		for j := range items {
			items[j] = rng.Int()
		}
		n := 1 + rng.Intn(15)

		chunks := ByCount(items, n)

		var flat []int
		for k, c := range chunks {
			if k < len(chunks)-1 {
				require.Len(t, c, n)
			} else {
				require.NotEmpty(t, c)
				require.LessOrEqual(t, len(c), n)
			}
			flat = append(flat, c...)
		}
		require.Equal(t, items, flat)
	}
}

func TestByCountEdges(t *testing.T) {
	assert.Equal(t, [][]int{{}}, ByCount([]int{}, 3))
	assert.Equal(t, [][]int{{1}, {2}, {3}}, ByCount([]int{1, 2, 3}, 0))
	assert.Equal(t, [][]int{{1, 2, 3}}, ByCount([]int{1, 2, 3}, 10))
}

func TestByCountChunksDoNotAlias(t *testing.T) {
	chunks := ByCount([]int{1, 2, 3, 4}, 2)
	chunks[0] = append(chunks[0], 99)
	assert.Equal(t, []int{3, 4}, chunks[1])
}

func TestBySizeBound(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 200; i++ {
		items := make([]string, rng.Intn(40))
		for j := range items {
			items[j] = strings.Repeat("x", rng.Intn(30))
		}
		limit := 10 + rng.Intn(120)

		chunks := BySize(items, limit)
		require.NotEmpty(t, chunks)

		var flat []string
		for _, c := range chunks {
			total := 0
			for _, item := range c {
				total += EstimateSize(item)
			}
			if len(c) > 1 {
				require.LessOrEqual(t, total, limit)
			}
			flat = append(flat, c...)
		}
		if len(items) == 0 {
			require.Equal(t, [][]string{{}}, chunks)
		} else {
			require.Equal(t, items, flat)
		}
	}
}

func TestBySizeOversizedSingleton(t *testing.T) {
	big := strings.Repeat("y", 100)
	chunks := BySize([]string{"a", big, "b"}, 20)

	require.Len(t, chunks, 3)
	assert.Equal(t, []string{big}, chunks[1])
}

func TestBySizeWithoutLimit(t *testing.T) {
	assert.Equal(t, [][]int{{1}, {2}, {3}}, BySize([]int{1, 2, 3}, 0))
	assert.Equal(t, [][]int{{}}, BySize([]int(nil), 0))
}
