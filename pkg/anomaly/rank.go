package anomaly

import (
	"math"
	"sort"
)

// Rank orders anomalies by |score| descending, breaking ties by
// (metric, key, subkey), and keeps at most topK of them.
func Rank(anomalies []Anomaly, topK int) []Anomaly {
	ranked := make([]Anomaly, len(anomalies))
	copy(ranked, anomalies)

	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := math.Abs(ranked[i].Score), math.Abs(ranked[j].Score)
		if si != sj {
			return si > sj
		}
		return ranked[i].FeatureKey().less(ranked[j].FeatureKey())
	})

	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked
}
