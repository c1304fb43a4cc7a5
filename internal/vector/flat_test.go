package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlat(t *testing.T, kind Kind) *FlatIndex {
	t.Helper()
	idx, err := NewFlatIndex(kind, UnsetDimension())
	require.NoError(t, err)
	return idx
}

func TestFlatIndex_InnerProductOrder(t *testing.T) {
	idx := newFlat(t, KindFlatIP)

	first, err := idx.Add([][]float32{
		{1, 0, 0},
		{0.9, 0.1, 0},
		{0, 1, 0},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), first)
	assert.True(t, idx.Dimension().Matches(3))

	res, err := idx.Search([]float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, int64(0), res[0].SlotID)
	assert.InDelta(t, 1.0, res[0].Score, 1e-6)
	assert.Equal(t, int64(1), res[1].SlotID)
	assert.InDelta(t, 0.9, res[1].Score, 1e-6)
}

func TestFlatIndex_L2Order(t *testing.T) {
	idx := newFlat(t, KindFlatL2)
	_, err := idx.Add([][]float32{{0, 0}, {3, 4}, {1, 0}})
	require.NoError(t, err)

	res, err := idx.Search([]float32{0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, []int64{0, 2, 1}, slotIDs(res))
	assert.Equal(t, 0.0, res[0].Score)
	assert.Equal(t, 1.0, res[1].Score)
	assert.Equal(t, 25.0, res[2].Score)
}

func TestFlatIndex_TiesPreferLowerSlot(t *testing.T) {
	idx := newFlat(t, KindFlatIP)
	_, err := idx.Add([][]float32{{0, 1}, {1, 0}, {1, 0}, {1, 0}})
	require.NoError(t, err)

	res, err := idx.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, slotIDs(res))
}

func TestFlatIndex_SlotIDsAreAppendPositions(t *testing.T) {
	idx := newFlat(t, KindFlatIP)
	first, err := idx.Add([][]float32{{1, 0}, {0, 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), first)

	first, err = idx.Add([][]float32{{1, 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), first)
	assert.Equal(t, int64(3), idx.Len())
}

func TestFlatIndex_KLargerThanLen(t *testing.T) {
	idx := newFlat(t, KindFlatIP)
	_, err := idx.Add([][]float32{{1, 0}, {0, 1}})
	require.NoError(t, err)

	res, err := idx.Search([]float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, res, 2)
}

func TestFlatIndex_EmptySearch(t *testing.T) {
	idx := newFlat(t, KindFlatIP)
	res, err := idx.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.Empty(t, res)
}

func TestFlatIndex_InvalidK(t *testing.T) {
	idx := newFlat(t, KindFlatIP)
	_, err := idx.Search([]float32{1}, 0)
	assert.ErrorIs(t, err, ErrInvalidK)
}

func TestFlatIndex_DimensionMismatch(t *testing.T) {
	idx := newFlat(t, KindFlatIP)
	_, err := idx.Add([][]float32{{1, 0, 0}})
	require.NoError(t, err)

	_, err = idx.Add([][]float32{{1, 0}})
	var dm *ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 3, dm.Expected)
	assert.Equal(t, 2, dm.Actual)

	_, err = idx.Search([]float32{1, 0}, 1)
	assert.ErrorAs(t, err, &dm)
}

func TestFlatIndex_RaggedBatchAddsNothing(t *testing.T) {
	idx := newFlat(t, KindFlatIP)
	_, err := idx.Add([][]float32{{1, 0}, {1, 0, 0}})
	require.Error(t, err)
	assert.Equal(t, int64(0), idx.Len())
	assert.False(t, idx.Dimension().IsSet())
}

func TestFlatIndex_EmptyVector(t *testing.T) {
	idx := newFlat(t, KindFlatIP)
	_, err := idx.Add([][]float32{{}})
	assert.ErrorIs(t, err, ErrEmptyVector)
}

func TestFlatIndex_CopiesInput(t *testing.T) {
	idx := newFlat(t, KindFlatIP)
	v := []float32{1, 0}
	_, err := idx.Add([][]float32{v})
	require.NoError(t, err)
	v[0] = -1

	res, err := idx.Search([]float32{1, 0}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res[0].Score, 1e-9)
}

func TestFlatIndex_Truncate(t *testing.T) {
	idx := newFlat(t, KindFlatIP)
	_, err := idx.Add([][]float32{{1, 0}, {0, 1}, {1, 1}})
	require.NoError(t, err)

	require.NoError(t, idx.Truncate(1))
	assert.Equal(t, int64(1), idx.Len())
	assert.True(t, idx.Dimension().Matches(2))

	first, err := idx.Add([][]float32{{0, 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	require.NoError(t, idx.Truncate(10))
	assert.Equal(t, int64(2), idx.Len())
	assert.Error(t, idx.Truncate(-1))
}

func TestFlatIndex_SearchBatch(t *testing.T) {
	idx := newFlat(t, KindFlatIP)
	_, err := idx.Add([][]float32{{1, 0}, {0, 1}})
	require.NoError(t, err)

	res, err := idx.SearchBatch([][]float32{{1, 0}, {0, 1}}, 1)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, int64(0), res[0][0].SlotID)
	assert.Equal(t, int64(1), res[1][0].SlotID)
}

func slotIDs(ns []Neighbor) []int64 {
	out := make([]int64, len(ns))
	for i, n := range ns {
		out[i] = n.SlotID
	}
	return out
}
