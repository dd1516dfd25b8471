package explain

import (
	"fmt"
	"sort"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/features"
)

// Caveat accompanies every explanation.
const Caveat = "Feature contributions are computed on a random-forest surrogate that approximates " +
	"the network classifier. They indicate which account features the classifier's decision " +
	"aligns with and are meant for human review, not as a causal account of the score."

// Explainer turns surrogate attributions into ranked feature contributions.
type Explainer struct {
	forest    *Forest
	columns   []string
	topK      int
	minImpact float64
}

// NewExplainer creates an explainer over a fitted surrogate.
func NewExplainer(forest *Forest, columns []string, topK int, minImpact float64) *Explainer {
	if topK <= 0 {
		topK = 3
	}
	return &Explainer{
		forest:    forest,
		columns:   append([]string(nil), columns...),
		topK:      topK,
		minImpact: minImpact,
	}
}

// Contributions returns the top features pushing row toward the illicit
// class, largest first. The result is never empty: accounts without any
// transfer, or without a positive attribution, get NoSignificantFactor.
func (e *Explainer) Contributions(row []float64) []domain.FeatureContribution {
	if Idle(row) {
		return []domain.FeatureContribution{domain.NoSignificantFactor}
	}

	phi := e.forest.SHAP(row)
	idx := make([]int, 0, len(phi))
	for j, v := range phi {
		if v > e.minImpact {
			idx = append(idx, j)
		}
	}
	if len(idx) == 0 {
		return []domain.FeatureContribution{domain.NoSignificantFactor}
	}
	sort.SliceStable(idx, func(a, b int) bool { return phi[idx[a]] > phi[idx[b]] })
	if len(idx) > e.topK {
		idx = idx[:e.topK]
	}

	out := make([]domain.FeatureContribution, len(idx))
	for k, j := range idx {
		out[k] = domain.FeatureContribution{
			Feature: e.columns[j],
			Label:   features.Label(e.columns[j]),
			Impact:  phi[j],
		}
	}
	return out
}

// Idle reports whether a feature vector records no transfer in either direction.
func Idle(row []float64) bool {
	return row[features.ColInDegree] == 0 && row[features.ColOutDegree] == 0
}

// Summary renders the one-paragraph narrative of an explanation. idle marks
// an account without any transfer.
func Summary(networkRisk, anomalyScore float64, idle bool, contributions []domain.FeatureContribution) string {
	switch {
	case idle:
		return fmt.Sprintf(
			"Account scored a %.1f%% network risk score. It has no recorded transfers, so the score "+
				"rests on its static attributes alone and no transaction feature drove the decision. "+
				"Its anomaly score of %.4f likewise reflects an inactive account.",
			networkRisk*100, anomalyScore)
	case len(contributions) == 0 || contributions[0].IsSentinel():
		return fmt.Sprintf(
			"Account flagged with a %.1f%% network risk score. No single feature pushed the decision "+
				"toward illicit activity; its risk reflects its connections rather than its own transfers. "+
				"Its individual transaction behavior shows an anomaly score of %.4f.",
			networkRisk*100, anomalyScore)
	}
	return fmt.Sprintf(
		"Account flagged with a %.1f%% network risk score. The model's decision was primarily driven "+
			"by its abnormal '%s'. Its individual transaction behavior also shows a notable anomaly score of %.4f.",
		networkRisk*100, contributions[0].Label, anomalyScore)
}
