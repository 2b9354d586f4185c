// Package nlgeval computes corpus-level generation-quality metrics over
// (references, hypotheses) string lists: BLEU 1-4, ROUGE-L, and multiset
// n-gram Jaccard similarity.
package nlgeval

// bleuOrder is the highest cumulative BLEU reported (Bleu_1..Bleu_4)
const bleuOrder = 4

// NLGEval scores hypothesis corpora against reference corpora. It is
// stateless and safe for concurrent use.
type NLGEval struct {
	jaccardOrder int
}

// New creates an evaluator. jaccardOrder is the highest n-gram order for the
// multiset Jaccard metric (default 5).
func New(jaccardOrder int) *NLGEval {
	if jaccardOrder <= 0 {
		jaccardOrder = 5
	}
	return &NLGEval{jaccardOrder: jaccardOrder}
}

// ComputeMetrics computes BLEU 1-4 and ROUGE-L. references[r] is the r-th
// reference corpus, aligned index-for-index with hypotheses. Returns an
// error when the hypothesis list is empty or lengths are inconsistent.
func (e *NLGEval) ComputeMetrics(references [][]string, hypotheses []string) (map[string]float64, error) {
	scores, err := corpusBLEU(references, hypotheses, bleuOrder)
	if err != nil {
		return nil, err
	}

	rouge, err := corpusROUGEL(references, hypotheses)
	if err != nil {
		return nil, err
	}
	scores["ROUGE_L"] = rouge

	return scores, nil
}

// JaccardScore computes the multiset-Jaccard similarity of the hypothesis
// corpus against the first reference corpus, keyed by n-gram order.
func (e *NLGEval) JaccardScore(references, hypotheses []string) (map[int]float64, error) {
	md := NewMultisetDistances(references, e.jaccardOrder)
	return md.JaccardScore(hypotheses)
}
