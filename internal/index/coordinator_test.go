package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/storage"
	"github.com/hyperjump/kenkyu/internal/vector"
)

type env struct {
	dir   string
	store *storage.SQLiteStorage
	cfg   Config
}

func newEnv(t *testing.T, kind vector.Kind) *env {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &env{
		dir:   dir,
		store: store,
		cfg:   Config{Path: filepath.Join(dir, "index.knv"), Kind: kind},
	}
}

func (e *env) open(t *testing.T) *Coordinator {
	t.Helper()
	c, err := Open(e.cfg, e.store)
	require.NoError(t, err)
	return c
}

func unit(v ...float32) []float32 {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	n = math.Sqrt(n)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

func batch(n, dim int, prefix string) ([][]float32, []models.DocInput) {
	vecs := make([][]float32, n)
	docs := make([]models.DocInput, n)
	for i := range vecs {
		v := make([]float32, dim)
		v[i%dim] = 1
		v[(i+1)%dim] += float32(i) / 10
		vecs[i] = unit(v...)
		docs[i] = models.DocInput{
			ID:       fmt.Sprintf("%s::chunk::%d", prefix, i),
			Text:     fmt.Sprintf("%s text %d", prefix, i),
			Metadata: map[string]interface{}{"source": prefix + ".txt", "chunk_index": i},
		}
	}
	return vecs, docs
}

func TestCoordinator_JoinInvariant(t *testing.T) {
	for _, kind := range []vector.Kind{vector.KindFlatIP, vector.KindFlatL2, vector.KindHNSW} {
		t.Run(string(kind), func(t *testing.T) {
			e := newEnv(t, kind)
			c := e.open(t)
			ctx := context.Background()

			var all [][]float32
			for b, n := range []int{3, 5, 2} {
				vecs, docs := batch(n, 4, fmt.Sprintf("doc%d", b))
				_, err := c.Add(ctx, vecs, docs)
				require.NoError(t, err)
				all = append(all, vecs...)
			}

			stats, err := c.Stats(ctx)
			require.NoError(t, err)
			require.Equal(t, int64(10), stats.Total)
			require.Equal(t, int64(10), stats.Records)

			ids := make([]int64, len(all))
			for i := range ids {
				ids[i] = int64(i)
			}
			meta, err := c.FetchMetadata(ctx, ids)
			require.NoError(t, err)
			assert.Len(t, meta, len(all))

			embs, err := c.FetchEmbeddings(ctx, ids)
			require.NoError(t, err)
			for i := range all {
				require.NotNil(t, embs[i], "slot %d", i)
				for j := range all[i] {
					assert.Equal(t, math.Float32bits(all[i][j]), math.Float32bits(embs[i][j]))
				}
			}

			report, err := c.Verify(ctx)
			require.NoError(t, err)
			assert.True(t, report.Consistent)
		})
	}
}

func TestCoordinator_SlotIDDeterminism(t *testing.T) {
	e := newEnv(t, vector.KindFlatIP)
	c := e.open(t)
	ctx := context.Background()

	v1, d1 := batch(4, 3, "a")
	res, err := c.Add(ctx, v1, d1)
	require.NoError(t, err)
	assert.Equal(t, AddResult{FirstSlotID: 0, Count: 4, Total: 4}, res)

	v2, d2 := batch(3, 3, "b")
	res, err = c.Add(ctx, v2, d2)
	require.NoError(t, err)
	assert.Equal(t, AddResult{FirstSlotID: 4, Count: 3, Total: 7}, res)

	meta, err := c.FetchMetadata(ctx, []int64{0, 3, 4, 6})
	require.NoError(t, err)
	assert.Equal(t, "a::chunk::0", meta[0].DocID)
	assert.Equal(t, "a::chunk::3", meta[3].DocID)
	assert.Equal(t, "b::chunk::0", meta[4].DocID)
	assert.Equal(t, "b::chunk::2", meta[6].DocID)
	assert.Equal(t, 2, meta[6].ChunkIndex)
}

func TestCoordinator_DimensionChangeIsDestructive(t *testing.T) {
	e := newEnv(t, vector.KindFlatIP)
	c := e.open(t)
	ctx := context.Background()

	v1, d1 := batch(5, 4, "old")
	_, err := c.Add(ctx, v1, d1)
	require.NoError(t, err)

	v2, d2 := batch(2, 8, "new")
	res, err := c.Add(ctx, v2, d2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.FirstSlotID)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(2), stats.Records)
	assert.Equal(t, 8, stats.Dimension)

	report, err := c.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestCoordinator_InputMismatch(t *testing.T) {
	e := newEnv(t, vector.KindFlatIP)
	c := e.open(t)
	ctx := context.Background()

	vecs, docs := batch(3, 4, "x")
	_, err := c.Add(ctx, vecs, docs[:2])
	assert.ErrorIs(t, err, ErrInputMismatch)

	ragged := [][]float32{{1, 0}, {1, 0, 0}}
	_, err = c.Add(ctx, ragged, docs[:2])
	assert.ErrorIs(t, err, ErrInputMismatch)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Total)
	assert.Equal(t, int64(0), stats.Records)
}

func TestCoordinator_EmptyBatchIsNoop(t *testing.T) {
	e := newEnv(t, vector.KindFlatIP)
	c := e.open(t)
	res, err := c.Add(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
	_, statErr := os.Stat(e.cfg.Path)
	assert.True(t, os.IsNotExist(statErr), "empty add should not write the index file")
}

func TestCoordinator_SearchEmptyIndex(t *testing.T) {
	e := newEnv(t, vector.KindFlatIP)
	c := e.open(t)
	res, err := c.Search(context.Background(), []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.Empty(t, res)
}

func TestCoordinator_SearchDimensionMismatchIsEmpty(t *testing.T) {
	e := newEnv(t, vector.KindFlatIP)
	c := e.open(t)
	ctx := context.Background()
	vecs, docs := batch(3, 4, "x")
	_, err := c.Add(ctx, vecs, docs)
	require.NoError(t, err)

	res, err := c.Search(ctx, []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, res)

	_, err = c.Search(ctx, vecs[0], 0)
	assert.ErrorIs(t, err, vector.ErrInvalidK)
}

func TestCoordinator_LoadIsIdempotent(t *testing.T) {
	e := newEnv(t, vector.KindHNSW)
	c := e.open(t)
	ctx := context.Background()
	vecs, docs := batch(6, 4, "x")
	_, err := c.Add(ctx, vecs, docs)
	require.NoError(t, err)

	reopened := e.open(t)
	require.NoError(t, reopened.Load(ctx))
	s1, err := reopened.Stats(ctx)
	require.NoError(t, err)
	require.NoError(t, reopened.Load(ctx))
	s2, err := reopened.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(6), s1.Total)
	assert.Equal(t, s1, s2)

	res, err := reopened.Search(ctx, vecs[2], 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, int64(2), res[0].SlotID)
}

func TestCoordinator_LazyLoadOnSearch(t *testing.T) {
	e := newEnv(t, vector.KindFlatIP)
	c := e.open(t)
	ctx := context.Background()
	vecs, docs := batch(3, 4, "x")
	_, err := c.Add(ctx, vecs, docs)
	require.NoError(t, err)

	fresh := e.open(t)
	res, err := fresh.Search(ctx, vecs[1], 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, int64(1), res[0].SlotID)
}

func TestCoordinator_CorruptIndexRecovers(t *testing.T) {
	e := newEnv(t, vector.KindFlatIP)
	require.NoError(t, os.WriteFile(e.cfg.Path, []byte("definitely not an index"), 0644))
	ctx := context.Background()

	c := e.open(t)
	require.NoError(t, c.Load(ctx))
	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Total)

	vecs, docs := batch(2, 3, "x")
	res, err := c.Add(ctx, vecs, docs)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.FirstSlotID)

	loaded, err := vector.Load(e.cfg.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Len())
}

func TestCoordinator_LostIndexDiscardsOrphans(t *testing.T) {
	e := newEnv(t, vector.KindFlatIP)
	ctx := context.Background()
	c := e.open(t)
	vecs, docs := batch(4, 3, "x")
	_, err := c.Add(ctx, vecs, docs)
	require.NoError(t, err)
	require.NoError(t, os.Remove(e.cfg.Path))

	fresh := e.open(t)
	report, err := fresh.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, uint64(4), report.OrphanCount)

	_, err = fresh.Add(ctx, vecs[:1], docs[:1])
	require.NoError(t, err)
	report, err = fresh.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(1), report.Records)
}

func TestCoordinator_StaleIndexDiscardsTrailingRecords(t *testing.T) {
	e := newEnv(t, vector.KindFlatIP)
	ctx := context.Background()
	c := e.open(t)
	vecs, docs := batch(4, 3, "x")
	_, err := c.Add(ctx, vecs[:2], docs[:2])
	require.NoError(t, err)
	snapshot, err := os.ReadFile(e.cfg.Path)
	require.NoError(t, err)
	_, err = c.Add(ctx, vecs[2:], docs[2:])
	require.NoError(t, err)

	// Records for slots 2 and 3 were committed but the index file on disk
	// still holds only the first two vectors.
	require.NoError(t, os.WriteFile(e.cfg.Path, snapshot, 0644))

	fresh := e.open(t)
	report, err := fresh.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, []int64{2, 3}, report.Orphans)

	for i := 0; i < 3; i++ {
		res, err := fresh.Add(ctx, vecs[i:i+1], docs[i:i+1])
		require.NoError(t, err, "add %d", i)
		assert.Equal(t, int64(2+i), res.FirstSlotID)
	}
	report, err = fresh.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(5), report.Total)
	assert.Equal(t, int64(5), report.Records)

	recs, err := fresh.FetchMetadata(ctx, []int64{0, 2})
	require.NoError(t, err)
	assert.Equal(t, "x text 0", recs[0].Text)
	assert.Equal(t, "x text 0", recs[2].Text)
}

type failingStore struct {
	*storage.SQLiteStorage
	fail bool
}

func (f *failingStore) PutBatch(ctx context.Context, recs []*models.MetadataRecord, vecs [][]float32) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.SQLiteStorage.PutBatch(ctx, recs, vecs)
}

func TestCoordinator_MetadataFailureRollsBackIndex(t *testing.T) {
	for _, kind := range []vector.Kind{vector.KindFlatIP, vector.KindHNSW} {
		t.Run(string(kind), func(t *testing.T) {
			e := newEnv(t, kind)
			fs := &failingStore{SQLiteStorage: e.store}
			c, err := Open(e.cfg, fs)
			require.NoError(t, err)
			ctx := context.Background()

			vecs, docs := batch(3, 4, "ok")
			_, err = c.Add(ctx, vecs, docs)
			require.NoError(t, err)

			fs.fail = true
			more, moreDocs := batch(2, 4, "bad")
			_, err = c.Add(ctx, more, moreDocs)
			var mwe *MetadataWriteError
			require.ErrorAs(t, err, &mwe)
			assert.Equal(t, int64(3), mwe.FirstSlotID)
			assert.Equal(t, 2, mwe.Count)

			stats, err := c.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), stats.Total)

			fs.fail = false
			res, err := c.Add(ctx, more, moreDocs)
			require.NoError(t, err)
			assert.Equal(t, int64(3), res.FirstSlotID)

			report, err := c.Verify(ctx)
			require.NoError(t, err)
			assert.True(t, report.Consistent)
		})
	}
}

func TestCoordinator_PersistFailureIsReported(t *testing.T) {
	e := newEnv(t, vector.KindFlatIP)
	blocker := filepath.Join(e.dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	e.cfg.Path = filepath.Join(blocker, "index.knv")
	c := e.open(t)
	ctx := context.Background()

	vecs, docs := batch(2, 3, "x")
	res, err := c.Add(ctx, vecs, docs)
	require.ErrorIs(t, err, ErrIndexPersist)
	assert.Equal(t, int64(2), res.Total)

	report, err := c.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestCoordinator_ReadsAfterCloseReload(t *testing.T) {
	e := newEnv(t, vector.KindFlatIP)
	c := e.open(t)
	ctx := context.Background()
	vecs, docs := batch(3, 3, "x")
	_, err := c.Add(ctx, vecs, docs)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := c.Search(ctx, vecs[0], 2)
				assert.NoError(t, err)
				st, err := c.Stats(ctx)
				assert.NoError(t, err)
				assert.Equal(t, int64(3), st.Total)
				report, err := c.Verify(ctx)
				assert.NoError(t, err)
				assert.True(t, report.Consistent)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			assert.NoError(t, c.Close())
		}
	}()
	wg.Wait()
}

func TestCoordinator_Rebuild(t *testing.T) {
	e := newEnv(t, vector.KindFlatIP)
	c := e.open(t)
	ctx := context.Background()
	vecs, docs := batch(4, 5, "x")
	_, err := c.Add(ctx, vecs, docs)
	require.NoError(t, err)

	require.NoError(t, c.Rebuild(ctx))
	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Total)
	assert.Equal(t, int64(0), stats.Records)
	assert.Equal(t, 5, stats.Dimension)

	loaded, err := vector.Load(e.cfg.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), loaded.Len())
	assert.True(t, loaded.Dimension().Matches(5))
}

func TestCoordinator_ConcurrentAddsKeepSlotsDense(t *testing.T) {
	e := newEnv(t, vector.KindFlatIP)
	c := e.open(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			vecs, docs := batch(5, 4, fmt.Sprintf("w%d", w))
			_, err := c.Add(ctx, vecs, docs)
			assert.NoError(t, err)
			_, err = c.Search(ctx, vecs[0], 3)
			assert.NoError(t, err)
		}(w)
	}
	wg.Wait()

	report, err := c.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(40), report.Total)
	assert.True(t, report.Consistent)
}

func TestCoordinator_InMemoryPath(t *testing.T) {
	e := newEnv(t, vector.KindFlatIP)
	e.cfg.Path = ""
	c := e.open(t)
	ctx := context.Background()
	vecs, docs := batch(2, 3, "x")
	_, err := c.Add(ctx, vecs, docs)
	require.NoError(t, err)
	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(Config{}, nil)
	assert.Error(t, err)

	e := newEnv(t, "annoy")
	_, err = Open(e.cfg, e.store)
	assert.ErrorIs(t, err, vector.ErrUnknownKind)
}
