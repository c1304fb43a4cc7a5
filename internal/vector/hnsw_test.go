package vector

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomUnitVectors(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		var norm float64
		for j := range v {
			v[j] = float32(rng.NormFloat64())
			norm += float64(v[j]) * float64(v[j])
		}
		norm = math.Sqrt(norm)
		for j := range v {
			v[j] = float32(float64(v[j]) / norm)
		}
		out[i] = v
	}
	return out
}

func TestHNSWIndex_Recall(t *testing.T) {
	const (
		n   = 500
		dim = 16
		k   = 10
	)
	data := randomUnitVectors(n, dim, 1)
	queries := randomUnitVectors(20, dim, 2)

	exact := newFlat(t, KindFlatIP)
	_, err := exact.Add(data)
	require.NoError(t, err)

	graph := NewHNSWIndex(UnsetDimension(), HNSWParams{M: 16, EFConstruction: 200, EFSearch: 64, Seed: 7})
	_, err = graph.Add(data)
	require.NoError(t, err)
	require.Equal(t, int64(n), graph.Len())

	hits := 0
	for _, q := range queries {
		want, err := exact.Search(q, k)
		require.NoError(t, err)
		got, err := graph.Search(q, k)
		require.NoError(t, err)
		require.Len(t, got, k)

		truth := make(map[int64]bool, k)
		for _, w := range want {
			truth[w.SlotID] = true
		}
		for _, g := range got {
			if truth[g.SlotID] {
				hits++
			}
		}
	}
	recall := float64(hits) / float64(len(queries)*k)
	assert.GreaterOrEqual(t, recall, 0.9, "recall@%d", k)
}

func TestHNSWIndex_ScoresAreDotProducts(t *testing.T) {
	h := NewHNSWIndex(UnsetDimension(), DefaultHNSWParams)
	_, err := h.Add([][]float32{{1, 0}, {0.6, 0.8}, {0, 1}})
	require.NoError(t, err)

	res, err := h.Search([]float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, []int64{0, 1, 2}, slotIDs(res))
	assert.InDelta(t, 1.0, res[0].Score, 1e-6)
	assert.InDelta(t, 0.6, res[1].Score, 1e-6)
	assert.InDelta(t, 0.0, res[2].Score, 1e-6)
}

func TestHNSWIndex_Deterministic(t *testing.T) {
	data := randomUnitVectors(200, 8, 3)
	q := randomUnitVectors(1, 8, 4)[0]

	a := NewHNSWIndex(UnsetDimension(), HNSWParams{M: 8, EFConstruction: 64, EFSearch: 32, Seed: 11})
	b := NewHNSWIndex(UnsetDimension(), HNSWParams{M: 8, EFConstruction: 64, EFSearch: 32, Seed: 11})
	_, err := a.Add(data)
	require.NoError(t, err)
	for _, v := range data {
		_, err = b.Add([][]float32{v})
		require.NoError(t, err)
	}

	ra, err := a.Search(q, 5)
	require.NoError(t, err)
	rb, err := b.Search(q, 5)
	require.NoError(t, err)
	assert.Equal(t, ra, rb)
	assert.Equal(t, a.links, b.links)
}

func TestHNSWIndex_TruncateRestoresGraph(t *testing.T) {
	data := randomUnitVectors(150, 8, 5)
	params := HNSWParams{M: 8, EFConstruction: 64, EFSearch: 32, Seed: 13}

	before := NewHNSWIndex(UnsetDimension(), params)
	_, err := before.Add(data[:100])
	require.NoError(t, err)

	h := NewHNSWIndex(UnsetDimension(), params)
	_, err = h.Add(data[:100])
	require.NoError(t, err)
	_, err = h.Add(data[100:])
	require.NoError(t, err)
	require.NoError(t, h.Truncate(100))

	assert.Equal(t, int64(100), h.Len())
	assert.Equal(t, before.links, h.links)
	assert.Equal(t, before.entry, h.entry)
	assert.Equal(t, before.maxLevel, h.maxLevel)
}

func TestHNSWIndex_TruncateToZero(t *testing.T) {
	h := NewHNSWIndex(UnsetDimension(), DefaultHNSWParams)
	_, err := h.Add(randomUnitVectors(10, 4, 6))
	require.NoError(t, err)
	require.NoError(t, h.Truncate(0))

	res, err := h.Search([]float32{1, 0, 0, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, res)

	first, err := h.Add([][]float32{{1, 0, 0, 0}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), first)
}

func TestHNSWIndex_EmptyAndInvalid(t *testing.T) {
	h := NewHNSWIndex(UnsetDimension(), DefaultHNSWParams)
	res, err := h.Search([]float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, res)

	_, err = h.Search([]float32{1, 0}, 0)
	assert.ErrorIs(t, err, ErrInvalidK)

	_, err = h.Add([][]float32{{1, 0}})
	require.NoError(t, err)
	_, err = h.Add([][]float32{{1, 0, 0}})
	var dm *ErrDimensionMismatch
	assert.ErrorAs(t, err, &dm)
	assert.Equal(t, int64(1), h.Len())
}

func TestHNSWIndex_LinksRespectLimits(t *testing.T) {
	h := NewHNSWIndex(UnsetDimension(), HNSWParams{M: 4, EFConstruction: 32, EFSearch: 16, Seed: 1})
	_, err := h.Add(randomUnitVectors(300, 6, 9))
	require.NoError(t, err)

	for node, levels := range h.links {
		for l, conns := range levels {
			limit := 4
			if l == 0 {
				limit = 8
			}
			assert.LessOrEqual(t, len(conns), limit, "node %d level %d", node, l)
		}
	}
}
