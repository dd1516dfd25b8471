package domain

// FeatureContribution is one feature's push toward the illicit class for a
// single account.
type FeatureContribution struct {
	Feature string  `json:"feature"`
	Label   string  `json:"label"`
	Impact  float64 `json:"impact"`
}

// NoSignificantFactor is returned in place of an empty contribution list.
var NoSignificantFactor = FeatureContribution{
	Feature: "none",
	Label:   "No significant factor",
	Impact:  0,
}

// IsSentinel reports whether the contribution is the NoSignificantFactor placeholder.
func (c FeatureContribution) IsSentinel() bool {
	return c.Feature == NoSignificantFactor.Feature
}

// ScoreRecord is a derived, recomputed-on-query view of one account.
type ScoreRecord struct {
	AccountID            string                `json:"account_id"`
	AnomalyScore         float64               `json:"anomaly_score"`
	IsAnomalous          bool                  `json:"is_anomalous"`
	NetworkRiskScore     float64               `json:"network_risk_score"`
	PatternType          string                `json:"pattern_type"`
	State                string                `json:"state,omitempty"`
	FeatureContributions []FeatureContribution `json:"feature_contributions"`
}

// Metric is an account measurement compared against a fixed benchmark.
type Metric struct {
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	Benchmark  float64 `json:"benchmark"`
	Definition string  `json:"definition"`
	Exceeds    bool    `json:"exceeds"`
}

// Explanation is the human-facing justification of one account's risk score.
type Explanation struct {
	Summary              string                `json:"summary"`
	FeatureContributions []FeatureContribution `json:"feature_contributions"`
	Metrics              []Metric              `json:"metrics"`
	Caveat               string                `json:"caveat"`
	SurrogateFidelity    float64               `json:"surrogate_fidelity"`
}

// AccountReport is the full response of an explain query.
type AccountReport struct {
	AccountID        string      `json:"account_id"`
	ModelVersion     string      `json:"model_version"`
	AnomalyScore     float64     `json:"anomaly_score"`
	AnomalyThreshold float64     `json:"anomaly_threshold"`
	IsAnomalous      bool        `json:"is_anomalous"`
	NetworkRiskScore float64     `json:"network_risk_score"`
	PatternType      string      `json:"pattern_type"`
	State            string      `json:"state,omitempty"`
	Explanation      Explanation `json:"explanation"`
}

// PatternCount is one row of the pattern statistics view.
type PatternCount struct {
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// Pattern labels used when no ground-truth pattern is available.
const (
	PatternComplex = "Complex"
	PatternUnknown = "Unknown"
)
