package retrieve

import "github.com/hyperjump/kenkyu/pkg/utils"

// MMR greedily selects k indices of docs by Maximal Marginal Relevance. The
// first pick maximises lambda*sim(d, q); each later pick maximises
// lambda*sim(d, q) - (1-lambda)*max over selected s of sim(d, s).
// Candidates are scanned in ascending index order with a strict comparison,
// so ties go to the lowest index. docs and query are expected to be unit length.
func MMR(docs [][]float32, query []float32, lambda float64, k int) []int {
	n := len(docs)
	if n == 0 || k <= 0 {
		return []int{}
	}
	k = min(k, n)

	sims := make([]float64, n)
	for i, d := range docs {
		sims[i] = utils.Dot(d, query)
	}
	// maxSel[i] is the highest similarity of doc i to any selected doc.
	maxSel := make([]float64, n)
	taken := make([]bool, n)
	selected := make([]int, 0, k)

	for len(selected) < k {
		best := -1
		var bestScore float64
		for i := 0; i < n; i++ {
			if taken[i] {
				continue
			}
			score := lambda * sims[i]
			if len(selected) > 0 {
				score -= (1 - lambda) * maxSel[i]
			}
			if best == -1 || score > bestScore {
				best = i
				bestScore = score
			}
		}
		if best == -1 {
			break
		}
		taken[best] = true
		selected = append(selected, best)
		for i := 0; i < n; i++ {
			if taken[i] {
				continue
			}
			s := utils.Dot(docs[i], docs[best])
			if len(selected) == 1 || s > maxSel[i] {
				maxSel[i] = s
			}
		}
	}
	return selected
}
