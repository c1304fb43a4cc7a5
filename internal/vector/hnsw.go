package vector

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// HNSWParams configures graph construction and search.
type HNSWParams struct {
	// M is the number of links created per node on each upper layer. Layer 0 allows 2*M.
	M int
	// EFConstruction is the candidate list size while inserting.
	EFConstruction int
	// EFSearch is the candidate list size while searching; raised to k when smaller.
	EFSearch int
	// Seed drives level assignment. A node's level depends only on Seed and its slot id.
	Seed int64
}

// DefaultHNSWParams mirrors the defaults of the configuration file.
var DefaultHNSWParams = HNSWParams{
	M:              32,
	EFConstruction: 200,
	EFSearch:       64,
	Seed:           42,
}

// HNSWIndex is an approximate inner-product index. The graph is navigated with
// distance 1 - dot; reported scores are the dot product.
type HNSWIndex struct {
	params HNSWParams
	mMax0  int
	ml     float64

	store    vectorStore
	links    [][][]uint32 // links[node][level]
	entry    uint32
	maxLevel int

	mu sync.RWMutex
}

// NewHNSWIndex creates an empty graph index.
func NewHNSWIndex(dim Dimension, params HNSWParams) *HNSWIndex {
	if params.M < 2 {
		// M == 1 would make the level normaliser 1/log(1)
		params.M = 2
	}
	if params.EFConstruction < params.M {
		params.EFConstruction = params.M
	}
	if params.EFSearch <= 0 {
		params.EFSearch = DefaultHNSWParams.EFSearch
	}
	return &HNSWIndex{
		params: params,
		mMax0:  2 * params.M,
		ml:     1 / math.Log(float64(params.M)),
		store:  vectorStore{dim: dim},
	}
}

// Kind returns KindHNSW.
func (h *HNSWIndex) Kind() Kind { return KindHNSW }

// Params returns the construction and search parameters.
func (h *HNSWIndex) Params() HNSWParams { return h.params }

// Dimension returns the index dimension.
func (h *HNSWIndex) Dimension() Dimension {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.store.dim
}

// Len returns the number of vectors.
func (h *HNSWIndex) Len() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return int64(h.store.n)
}

// Add inserts vectors into the graph. Either all vectors are added or none.
func (h *HNSWIndex) Add(vectors [][]float32) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	first := int64(h.store.n)
	dim, err := h.store.validate(vectors)
	if err != nil {
		return first, err
	}
	h.store.appendAll(dim, vectors)
	for id := int(first); id < h.store.n; id++ {
		h.insert(uint32(id), h.levelFor(uint32(id)))
	}
	return first, nil
}

// levelFor draws the node level from an exponential distribution seeded by (seed, id).
func (h *HNSWIndex) levelFor(id uint32) int {
	rng := rand.New(rand.NewPCG(uint64(h.params.Seed), uint64(id)))
	u := 1 - rng.Float64() // (0, 1]
	return int(math.Floor(-math.Log(u) * h.ml))
}

func (h *HNSWIndex) distance(q []float32, node uint32) float64 {
	return 1 - InnerProduct(q, h.store.at(int(node)))
}

func (h *HNSWIndex) insert(id uint32, level int) {
	h.links = append(h.links, make([][]uint32, level+1))
	if id == 0 {
		h.entry = 0
		h.maxLevel = level
		return
	}
	q := h.store.at(int(id))

	ep := pqItem{node: h.entry, dist: h.distance(q, h.entry)}
	for l := h.maxLevel; l > level; l-- {
		ep = h.greedyClosest(q, ep, l)
	}

	for l := min(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(q, ep, h.params.EFConstruction, l)
		neighbours := h.selectNeighbours(candidates, h.params.M)
		conns := make([]uint32, len(neighbours))
		for i, n := range neighbours {
			conns[i] = n.node
		}
		h.links[id][l] = conns
		for _, n := range conns {
			h.link(n, id, l)
		}
		ep = candidates[0]
	}

	if level > h.maxLevel {
		h.entry = id
		h.maxLevel = level
	}
}

// greedyClosest walks one layer towards q until no neighbour is closer.
func (h *HNSWIndex) greedyClosest(q []float32, ep pqItem, level int) pqItem {
	for changed := true; changed; {
		changed = false
		for _, n := range h.links[ep.node][level] {
			cand := pqItem{node: n, dist: h.distance(q, n)}
			if closer(cand, ep) {
				ep = cand
				changed = true
			}
		}
	}
	return ep
}

// searchLayer returns up to ef nodes of one layer closest to q, closest first.
func (h *HNSWIndex) searchLayer(q []float32, ep pqItem, ef int, level int) []pqItem {
	visited := bitset.New(uint(h.store.n))
	visited.Set(uint(ep.node))

	candidates := &priorityQueue{}
	candidates.push(ep)
	results := &priorityQueue{max: true}
	results.push(ep)

	for candidates.Len() > 0 {
		c := candidates.pop()
		if c.dist > results.top().dist {
			break
		}
		nodeLinks := h.links[c.node]
		if len(nodeLinks) <= level {
			continue
		}
		for _, n := range nodeLinks[level] {
			if visited.Test(uint(n)) {
				continue
			}
			visited.Set(uint(n))
			item := pqItem{node: n, dist: h.distance(q, n)}
			if results.Len() < ef {
				results.push(item)
				candidates.push(item)
			} else if closer(item, results.top()) {
				results.pop()
				results.push(item)
				candidates.push(item)
			}
		}
	}
	return results.drainAscending()
}

// selectNeighbours applies the HNSW heuristic to candidates sorted closest first:
// a candidate is kept when it is closer to the base than to any kept neighbour.
// Pruned candidates fill the remaining slots.
func (h *HNSWIndex) selectNeighbours(candidates []pqItem, m int) []pqItem {
	if len(candidates) <= m {
		return candidates
	}
	kept := make([]pqItem, 0, m)
	pruned := make([]pqItem, 0, len(candidates))
	for _, c := range candidates {
		if len(kept) >= m {
			break
		}
		good := true
		cv := h.store.at(int(c.node))
		for _, k := range kept {
			if h.distance(cv, k.node) < c.dist {
				good = false
				break
			}
		}
		if good {
			kept = append(kept, c)
		} else {
			pruned = append(pruned, c)
		}
	}
	for i := 0; len(kept) < m && i < len(pruned); i++ {
		kept = append(kept, pruned[i])
	}
	return kept
}

// link adds target to node's links on level, shrinking the list when it overflows.
func (h *HNSWIndex) link(node, target uint32, level int) {
	maxConn := h.params.M
	if level == 0 {
		maxConn = h.mMax0
	}
	conns := append(h.links[node][level], target)
	if len(conns) > maxConn {
		base := h.store.at(int(node))
		items := make([]pqItem, len(conns))
		for i, c := range conns {
			items[i] = pqItem{node: c, dist: h.distance(base, c)}
		}
		sort.Slice(items, func(i, j int) bool { return closer(items[i], items[j]) })
		items = h.selectNeighbours(items, maxConn)
		conns = make([]uint32, len(items))
		for i, it := range items {
			conns[i] = it.node
		}
	}
	h.links[node][level] = conns
}

// Search returns up to k approximate nearest neighbours by inner product.
func (h *HNSWIndex) Search(query []float32, k int) ([]Neighbor, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.search(query, k)
}

// SearchBatch runs Search for every query under one read lock.
func (h *HNSWIndex) SearchBatch(queries [][]float32, k int) ([][]Neighbor, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([][]Neighbor, len(queries))
	for i, q := range queries {
		res, err := h.search(q, k)
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}

func (h *HNSWIndex) search(query []float32, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if h.store.n == 0 {
		return []Neighbor{}, nil
	}
	if len(query) != h.store.dim.Value() {
		return nil, &ErrDimensionMismatch{Expected: h.store.dim.Value(), Actual: len(query)}
	}
	ep := pqItem{node: h.entry, dist: h.distance(query, h.entry)}
	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedyClosest(query, ep, l)
	}
	found := h.searchLayer(query, ep, max(h.params.EFSearch, k), 0)

	out := make([]Neighbor, len(found))
	for i, it := range found {
		out[i] = Neighbor{SlotID: int64(it.node), Score: InnerProduct(query, h.store.at(int(it.node)))}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].SlotID < out[j].SlotID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Truncate drops vectors with slot id >= n. The graph over the remaining nodes
// is rebuilt; since levels depend only on slot id it equals the graph the index
// had when it held exactly n vectors.
func (h *HNSWIndex) Truncate(n int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n < 0 {
		return fmt.Errorf("invalid truncate length %d", n)
	}
	if n >= int64(h.store.n) {
		return nil
	}
	h.store.truncate(int(n))
	h.links = h.links[:0]
	h.entry = 0
	h.maxLevel = 0
	for id := 0; id < int(n); id++ {
		h.insert(uint32(id), h.levelFor(uint32(id)))
	}
	return nil
}

// Save writes vectors and graph links to path.
func (h *HNSWIndex) Save(path string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hdr := fileHeader{
		kind:     KindHNSW,
		dim:      h.store.dim,
		count:    uint64(h.store.n),
		hnsw:     h.params,
		entry:    h.entry,
		maxLevel: uint32(h.maxLevel),
	}
	return writeIndexFile(path, hdr, func(w *fileWriter) {
		w.floats(h.store.data)
		for _, levels := range h.links {
			w.u32(uint32(len(levels)))
			for _, conns := range levels {
				w.u32(uint32(len(conns)))
				for _, c := range conns {
					w.u32(c)
				}
			}
		}
	})
}

// Close releases vectors and graph.
func (h *HNSWIndex) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.store = vectorStore{dim: h.store.dim}
	h.links = nil
	return nil
}
