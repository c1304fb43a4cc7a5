package vector

import "fmt"

// Options configures index construction.
type Options struct {
	Dimension Dimension
	HNSW      HNSWParams
}

// Option mutates Options.
type Option func(*Options)

// WithDimension fixes the dimension at construction instead of on first add.
func WithDimension(n int) Option {
	return func(o *Options) { o.Dimension = FixedDimension(n) }
}

// WithHNSWParams sets graph parameters. Zero fields keep their defaults.
func WithHNSWParams(p HNSWParams) Option {
	return func(o *Options) {
		if p.M > 0 {
			o.HNSW.M = p.M
		}
		if p.EFConstruction > 0 {
			o.HNSW.EFConstruction = p.EFConstruction
		}
		if p.EFSearch > 0 {
			o.HNSW.EFSearch = p.EFSearch
		}
		if p.Seed != 0 {
			o.HNSW.Seed = p.Seed
		}
	}
}

// NewVectorIndex creates an empty index of the given kind.
// Supported kinds: flat_l2, flat_ip (default), hnsw.
func NewVectorIndex(kind Kind, opts ...Option) (VectorIndex, error) {
	o := Options{HNSW: DefaultHNSWParams}
	for _, fn := range opts {
		fn(&o)
	}
	switch kind {
	case KindFlatL2, KindFlatIP:
		return NewFlatIndex(kind, o.Dimension)
	case "":
		return NewFlatIndex(DefaultKind, o.Dimension)
	case KindHNSW:
		return NewHNSWIndex(o.Dimension, o.HNSW), nil
	default:
		return nil, fmt.Errorf("%w: %s (supported: flat_l2, flat_ip, hnsw)", ErrUnknownKind, kind)
	}
}

// NewWithDimension creates an empty index with its dimension already fixed.
func NewWithDimension(kind Kind, dim int, opts ...Option) (VectorIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return NewVectorIndex(kind, append(opts, WithDimension(dim))...)
}
