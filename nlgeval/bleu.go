package nlgeval

import (
	"fmt"
	"math"
	"strings"
)

// ngramCounts returns the multiset of n-grams of the given order
func ngramCounts(tokens []string, n int) map[string]int {
	counts := make(map[string]int)
	if len(tokens) < n {
		return counts
	}
	for i := 0; i+n <= len(tokens); i++ {
		counts[strings.Join(tokens[i:i+n], " ")]++
	}
	return counts
}

// corpusBLEU computes cumulative corpus-level BLEU-1..maxOrder.
// references[r][i] is the r-th reference for hypothesis i. Clipped n-gram
// counts use the per-gram maximum over all references of a hypothesis, and
// the brevity penalty uses the closest reference length, following the
// standard corpus BLEU definition.
func corpusBLEU(references [][]string, hypotheses []string, maxOrder int) (map[string]float64, error) {
	if len(hypotheses) == 0 {
		return nil, fmt.Errorf("empty hypothesis list")
	}
	for r, refs := range references {
		if len(refs) != len(hypotheses) {
			return nil, fmt.Errorf("reference list %d length %d does not match %d hypotheses",
				r, len(refs), len(hypotheses))
		}
	}

	matches := make([]float64, maxOrder)
	totals := make([]float64, maxOrder)
	var hypLength, refLength int

	for i, hyp := range hypotheses {
		hypTokens := strings.Fields(hyp)
		hypLength += len(hypTokens)

		refTokens := make([][]string, 0, len(references))
		for _, refs := range references {
			refTokens = append(refTokens, strings.Fields(refs[i]))
		}
		refLength += closestLength(refTokens, len(hypTokens))

		for n := 1; n <= maxOrder; n++ {
			hypCounts := ngramCounts(hypTokens, n)

			// Clip counts by the best matching reference
			maxRef := make(map[string]int)
			for _, ref := range refTokens {
				for gram, count := range ngramCounts(ref, n) {
					if count > maxRef[gram] {
						maxRef[gram] = count
					}
				}
			}

			for gram, count := range hypCounts {
				clipped := count
				if clipped > maxRef[gram] {
					clipped = maxRef[gram]
				}
				matches[n-1] += float64(clipped)
				totals[n-1] += float64(count)
			}
		}
	}

	// Brevity penalty
	bp := 1.0
	if hypLength < refLength && hypLength > 0 {
		bp = math.Exp(1.0 - float64(refLength)/float64(hypLength))
	}

	precisions := make([]float64, maxOrder)
	for n := 0; n < maxOrder; n++ {
		if totals[n] > 0 {
			precisions[n] = matches[n] / totals[n]
		}
	}

	scores := make(map[string]float64, maxOrder)
	for k := 1; k <= maxOrder; k++ {
		logSum := 0.0
		degenerate := false
		for n := 0; n < k; n++ {
			if precisions[n] <= 0 {
				degenerate = true
				break
			}
			logSum += math.Log(precisions[n]) / float64(k)
		}

		key := fmt.Sprintf("Bleu_%d", k)
		if degenerate {
			scores[key] = 0.0
		} else {
			scores[key] = bp * math.Exp(logSum)
		}
	}

	return scores, nil
}

// closestLength returns the reference length closest to the hypothesis
// length, breaking ties toward the shorter reference
func closestLength(refs [][]string, hypLen int) int {
	best := 0
	bestDiff := math.MaxInt
	for _, ref := range refs {
		diff := len(ref) - hypLen
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff || (diff == bestDiff && len(ref) < best) {
			best = len(ref)
			bestDiff = diff
		}
	}
	return best
}
