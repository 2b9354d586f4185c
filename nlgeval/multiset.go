package nlgeval

import (
	"fmt"
	"strings"
)

// MultisetDistances compares the n-gram multisets of a hypothesis corpus
// against a fixed reference corpus. The Jaccard score for order n is the
// mean over orders 1..n of sum-of-minimum counts over sum-of-maximum counts,
// so higher orders fold in all lower-order overlap.
type MultisetDistances struct {
	maxOrder  int
	refCounts []map[string]int
}

// NewMultisetDistances precomputes reference n-gram multisets up to maxOrder
func NewMultisetDistances(references []string, maxOrder int) *MultisetDistances {
	if maxOrder <= 0 {
		maxOrder = 5
	}

	md := &MultisetDistances{
		maxOrder:  maxOrder,
		refCounts: make([]map[string]int, maxOrder),
	}
	for n := 1; n <= maxOrder; n++ {
		md.refCounts[n-1] = corpusNgramCounts(references, n)
	}

	return md
}

// MaxOrder returns the highest n-gram order compared
func (md *MultisetDistances) MaxOrder() int {
	return md.maxOrder
}

// JaccardScore computes the multiset-Jaccard similarity per n-gram order for
// the given hypothesis corpus, keyed by order.
func (md *MultisetDistances) JaccardScore(hypotheses []string) (map[int]float64, error) {
	if len(hypotheses) == 0 {
		return nil, fmt.Errorf("empty hypothesis list")
	}

	perOrder := make([]float64, md.maxOrder)
	for n := 1; n <= md.maxOrder; n++ {
		hypCounts := corpusNgramCounts(hypotheses, n)
		perOrder[n-1] = multisetJaccard(md.refCounts[n-1], hypCounts)
	}

	scores := make(map[int]float64, md.maxOrder)
	cumulative := 0.0
	for n := 1; n <= md.maxOrder; n++ {
		cumulative += perOrder[n-1]
		scores[n] = cumulative / float64(n)
	}

	return scores, nil
}

// corpusNgramCounts sums n-gram multisets over all sentences
func corpusNgramCounts(sentences []string, n int) map[string]int {
	counts := make(map[string]int)
	for _, sentence := range sentences {
		tokens := strings.Fields(sentence)
		for i := 0; i+n <= len(tokens); i++ {
			counts[strings.Join(tokens[i:i+n], " ")]++
		}
	}
	return counts
}

// multisetJaccard computes sum(min)/sum(max) over the union of grams
func multisetJaccard(a, b map[string]int) float64 {
	var minSum, maxSum float64

	for gram, ca := range a {
		cb := b[gram]
		if ca < cb {
			minSum += float64(ca)
			maxSum += float64(cb)
		} else {
			minSum += float64(cb)
			maxSum += float64(ca)
		}
	}
	for gram, cb := range b {
		if _, ok := a[gram]; !ok {
			maxSum += float64(cb)
		}
	}

	if maxSum == 0 {
		return 0
	}
	return minSum / maxSum
}
