package evaluation

import "math"

// computeMetrics scores a ranked list of retrieved ids against the
// ground-truth relevant set, for the metric names configured in
// EvaluationConfig.Metrics. Ranks are 0-based; missing relevance labels
// score zero rather than erroring.
//
// hit-rate is defined here as recall@1: whether the top-ranked id is
// relevant.
func computeMetrics(metrics []string, retrievedIDs []string, relevant []string, topK int) map[string]float64 {
	if len(relevant) == 0 || len(metrics) == 0 {
		return nil
	}
	relSet := make(map[string]bool, len(relevant))
	for _, id := range relevant {
		relSet[id] = true
	}
	ranked := retrievedIDs
	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}

	out := make(map[string]float64, len(metrics))
	for _, m := range metrics {
		switch m {
		case "precision":
			out[m] = precisionAt(ranked, relSet)
		case "recall":
			out[m] = recallAt(ranked, relSet, len(relevant))
		case "hit-rate":
			out[m] = hitRateAt(ranked, relSet)
		case "mrr":
			out[m] = mrr(ranked, relSet)
		case "ndcg":
			out[m] = ndcgAt(ranked, relSet)
		}
	}
	return out
}

func precisionAt(ranked []string, rel map[string]bool) float64 {
	if len(ranked) == 0 {
		return 0
	}
	hits := 0
	for _, id := range ranked {
		if rel[id] {
			hits++
		}
	}
	return float64(hits) / float64(len(ranked))
}

func recallAt(ranked []string, rel map[string]bool, totalRelevant int) float64 {
	if totalRelevant == 0 {
		return 0
	}
	hits := 0
	for _, id := range ranked {
		if rel[id] {
			hits++
		}
	}
	return float64(hits) / float64(totalRelevant)
}

// hitRateAt follows this implementation's chosen definition: recall@1,
// i.e. whether the single top-ranked result is relevant.
func hitRateAt(ranked []string, rel map[string]bool) float64 {
	if len(ranked) == 0 {
		return 0
	}
	if rel[ranked[0]] {
		return 1
	}
	return 0
}

func mrr(ranked []string, rel map[string]bool) float64 {
	for i, id := range ranked {
		if rel[id] {
			return 1 / float64(i+1)
		}
	}
	return 0
}

func ndcgAt(ranked []string, rel map[string]bool) float64 {
	var dcg float64
	for i, id := range ranked {
		if rel[id] {
			dcg += 1 / math.Log2(float64(i+2))
		}
	}
	var idcg float64
	for i := 0; i < len(rel) && i < len(ranked); i++ {
		idcg += 1 / math.Log2(float64(i+2))
	}
	if idcg == 0 {
		return 0
	}
	return dcg / idcg
}
