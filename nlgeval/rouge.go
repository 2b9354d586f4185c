package nlgeval

import (
	"fmt"
	"strings"
)

// rougeBeta weights recall over precision in the ROUGE-L F-measure
const rougeBeta = 1.2

// corpusROUGEL computes the corpus-average ROUGE-L F-measure. For each
// hypothesis the best score over its references is taken.
func corpusROUGEL(references [][]string, hypotheses []string) (float64, error) {
	if len(hypotheses) == 0 {
		return 0, fmt.Errorf("empty hypothesis list")
	}

	var total float64
	for i, hyp := range hypotheses {
		hypTokens := strings.Fields(hyp)

		best := 0.0
		for _, refs := range references {
			refTokens := strings.Fields(refs[i])
			score := rougeLScore(refTokens, hypTokens)
			if score > best {
				best = score
			}
		}
		total += best
	}

	return total / float64(len(hypotheses)), nil
}

// rougeLScore computes the LCS-based F-measure for one sentence pair
func rougeLScore(ref, hyp []string) float64 {
	if len(ref) == 0 || len(hyp) == 0 {
		return 0
	}

	lcs := float64(lcsLength(ref, hyp))
	precision := lcs / float64(len(hyp))
	recall := lcs / float64(len(ref))
	if precision == 0 || recall == 0 {
		return 0
	}

	b2 := rougeBeta * rougeBeta
	return (1 + b2) * precision * recall / (recall + b2*precision)
}

// lcsLength computes the longest common subsequence length via the usual
// two-row dynamic program
func lcsLength(a, b []string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}

	return prev[len(b)]
}
