package vector

import "math"

// vectorStore holds vectors contiguously; vector i occupies data[i*dim:(i+1)*dim].
type vectorStore struct {
	dim  Dimension
	data []float32
	n    int
}

func (s *vectorStore) at(i int) []float32 {
	d := s.dim.Value()
	return s.data[i*d : (i+1)*d : (i+1)*d]
}

// validate checks a batch against the store dimension, or against the first
// row when the dimension is unset. It returns the dimension the batch implies.
func (s *vectorStore) validate(vectors [][]float32) (Dimension, error) {
	if len(vectors) == 0 {
		return s.dim, nil
	}
	dim := s.dim
	if !dim.IsSet() {
		if len(vectors[0]) == 0 {
			return dim, ErrEmptyVector
		}
		dim = FixedDimension(len(vectors[0]))
	}
	for _, v := range vectors {
		if len(v) != dim.Value() {
			return dim, &ErrDimensionMismatch{Expected: dim.Value(), Actual: len(v)}
		}
	}
	if int64(s.n)+int64(len(vectors)) > math.MaxUint32 {
		return dim, ErrTooManyVectors
	}
	return dim, nil
}

// appendAll copies vectors into the store. Callers validate first.
func (s *vectorStore) appendAll(dim Dimension, vectors [][]float32) {
	s.dim = dim
	for _, v := range vectors {
		s.data = append(s.data, v...)
	}
	s.n += len(vectors)
}

func (s *vectorStore) truncate(n int) {
	s.n = n
	s.data = s.data[:n*s.dim.Value()]
}
