// Package vector provides nearest-neighbour indexes over fixed-dimension float32 vectors.
//
// Vectors are addressed by slot id: the position at which they were appended,
// starting at 0. Slot ids are dense and never reused; the only way to remove a
// vector is to truncate the tail of the index.
package vector

import (
	"fmt"
	"strings"
)

// VectorIndex defines vector storage and similarity search.
type VectorIndex interface {
	// Kind reports the index kind.
	Kind() Kind
	// Dimension reports the fixed dimension, or an unset dimension before the first add.
	Dimension() Dimension
	// Len returns the number of stored vectors.
	Len() int64
	// Add appends vectors and returns the slot id of the first one.
	Add(vectors [][]float32) (int64, error)
	// Search returns up to k neighbours of query, best first.
	Search(query []float32, k int) ([]Neighbor, error)
	// SearchBatch runs Search for every query.
	SearchBatch(queries [][]float32, k int) ([][]Neighbor, error)
	// Truncate drops every vector with slot id >= n.
	Truncate(n int64) error
	// Save persists the index to path atomically.
	Save(path string) error
	Close() error
}

// Neighbor is a single search hit. For inner-product kinds Score is the dot
// product (higher is better); for FlatL2 it is the squared L2 distance (lower is better).
type Neighbor struct {
	SlotID int64
	Score  float64
}

// Kind selects the index algorithm and metric.
type Kind string

const (
	// KindFlatL2 is exact search by squared L2 distance.
	KindFlatL2 Kind = "flat_l2"
	// KindFlatIP is exact search by inner product. For unit vectors this is cosine similarity.
	KindFlatIP Kind = "flat_ip"
	// KindHNSW is approximate search over a hierarchical navigable small world graph, by inner product.
	KindHNSW Kind = "hnsw"
)

// DefaultKind is used when no kind is configured.
const DefaultKind = KindFlatIP

// ParseKind parses a configured index kind. Matching is case-insensitive and
// accepts both "flat_ip" and "FlatIP" spellings. Empty means DefaultKind.
func ParseKind(s string) (Kind, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "_", "")
	norm = strings.ReplaceAll(norm, "-", "")
	switch norm {
	case "":
		return DefaultKind, nil
	case "flatl2", "l2":
		return KindFlatL2, nil
	case "flatip", "ip":
		return KindFlatIP, nil
	case "hnsw", "hnswflat":
		return KindHNSW, nil
	default:
		return "", fmt.Errorf("%w: %s (supported: flat_l2, flat_ip, hnsw)", ErrUnknownKind, s)
	}
}

// HigherIsBetter reports whether larger scores rank first for this kind.
func (k Kind) HigherIsBetter() bool {
	return k != KindFlatL2
}

// Dimension is the vector length of an index: either unset (no vector added
// yet) or fixed to a positive value.
type Dimension struct {
	n int
}

// UnsetDimension returns the dimension of an index that has not seen a vector.
func UnsetDimension() Dimension { return Dimension{} }

// FixedDimension returns a dimension fixed to n. Non-positive n yields an unset dimension.
func FixedDimension(n int) Dimension {
	if n <= 0 {
		return Dimension{}
	}
	return Dimension{n: n}
}

// IsSet reports whether the dimension has been fixed.
func (d Dimension) IsSet() bool { return d.n > 0 }

// Value returns the fixed dimension, or 0 when unset.
func (d Dimension) Value() int { return d.n }

// Matches reports whether the dimension is fixed to n.
func (d Dimension) Matches(n int) bool { return d.n > 0 && d.n == n }

func (d Dimension) String() string {
	if !d.IsSet() {
		return "unset"
	}
	return fmt.Sprintf("%d", d.n)
}
