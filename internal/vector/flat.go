package vector

import (
	"fmt"
	"sync"
)

// FlatIndex is an exact index that scans every stored vector.
type FlatIndex struct {
	kind  Kind
	store vectorStore
	mu    sync.RWMutex
}

// NewFlatIndex creates an exact index of kind KindFlatL2 or KindFlatIP.
func NewFlatIndex(kind Kind, dim Dimension) (*FlatIndex, error) {
	if kind != KindFlatL2 && kind != KindFlatIP {
		return nil, fmt.Errorf("%w: %s is not a flat kind", ErrUnknownKind, kind)
	}
	return &FlatIndex{kind: kind, store: vectorStore{dim: dim}}, nil
}

// Kind returns the index kind.
func (f *FlatIndex) Kind() Kind { return f.kind }

// Dimension returns the index dimension.
func (f *FlatIndex) Dimension() Dimension {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.store.dim
}

// Len returns the number of vectors.
func (f *FlatIndex) Len() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int64(f.store.n)
}

// Add appends vectors. Either all vectors are added or none.
func (f *FlatIndex) Add(vectors [][]float32) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	first := int64(f.store.n)
	dim, err := f.store.validate(vectors)
	if err != nil {
		return first, err
	}
	f.store.appendAll(dim, vectors)
	return first, nil
}

// Search scans all vectors and returns the k best.
func (f *FlatIndex) Search(query []float32, k int) ([]Neighbor, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.search(query, k)
}

// SearchBatch runs Search for every query under one read lock.
func (f *FlatIndex) SearchBatch(queries [][]float32, k int) ([][]Neighbor, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([][]Neighbor, len(queries))
	for i, q := range queries {
		res, err := f.search(q, k)
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}

func (f *FlatIndex) search(query []float32, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if f.store.n == 0 {
		return []Neighbor{}, nil
	}
	if len(query) != f.store.dim.Value() {
		return nil, &ErrDimensionMismatch{Expected: f.store.dim.Value(), Actual: len(query)}
	}
	top := newBoundedTopK(min(k, f.store.n))
	for i := 0; i < f.store.n; i++ {
		top.offer(pqItem{node: uint32(i), dist: f.distance(query, f.store.at(i))})
	}
	items := top.results()
	out := make([]Neighbor, len(items))
	for i, it := range items {
		out[i] = Neighbor{SlotID: int64(it.node), Score: f.score(it.dist)}
	}
	return out, nil
}

// distance maps the metric onto "lower is closer".
func (f *FlatIndex) distance(q, v []float32) float64 {
	if f.kind == KindFlatL2 {
		return SquaredL2(q, v)
	}
	return -InnerProduct(q, v)
}

func (f *FlatIndex) score(dist float64) float64 {
	if f.kind == KindFlatL2 {
		return dist
	}
	return -dist
}

// Truncate drops vectors with slot id >= n.
func (f *FlatIndex) Truncate(n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < 0 {
		return fmt.Errorf("invalid truncate length %d", n)
	}
	if n >= int64(f.store.n) {
		return nil
	}
	f.store.truncate(int(n))
	return nil
}

// Save writes the index to path.
func (f *FlatIndex) Save(path string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return writeIndexFile(path, f.header(), func(w *fileWriter) {
		w.floats(f.store.data)
	})
}

func (f *FlatIndex) header() fileHeader {
	return fileHeader{kind: f.kind, dim: f.store.dim, count: uint64(f.store.n)}
}

// Close releases the stored vectors.
func (f *FlatIndex) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store = vectorStore{dim: f.store.dim}
	return nil
}
