// Package bundle assembles the immutable model bundle served by the
// reporting service: the feature set and node index, the trained models,
// and the risk and anomaly scores they produce.
package bundle

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/explain"
	"github.com/opensource-finance/sentinel/internal/features"
	"github.com/opensource-finance/sentinel/internal/model"
)

// Parts are the components a bundle is built from.
type Parts struct {
	Version           string
	CreatedAt         time.Time
	Features          *features.IndexedFeatureSet
	Edges             []domain.Edge
	Scaler            *model.Scaler
	Autoencoder       *model.Autoencoder
	AnomalyThreshold  float64
	Classifier        *model.GCN
	Surrogate         *explain.Forest
	SurrogateFidelity float64
	IllicitLabels     int

	// Patterns maps accounts to their dominant illicit pattern label.
	// PatternsLabelled reports whether the corpus carried labels at all.
	Patterns         map[string]string
	PatternsLabelled bool

	Accounts map[string]domain.AccountMeta
}

// Bundle is a consistent, read-only snapshot of every model artifact.
// Nothing mutates a Bundle after New returns; reloads build a new one.
type Bundle struct {
	parts   Parts
	graph   *model.Graph
	risk    []float64
	anomaly []float64
}

// New validates parts and scores every account once.
func New(p Parts) (*Bundle, error) {
	if p.Version == "" {
		return nil, fmt.Errorf("%w: bundle version is required", domain.ErrInvalidInput)
	}
	if p.Features == nil || p.Features.Len() == 0 {
		return nil, fmt.Errorf("%w: bundle %s has no accounts", domain.ErrInvalidInput, p.Version)
	}
	if p.Scaler == nil || p.Autoencoder == nil || p.Classifier == nil || p.Surrogate == nil {
		return nil, fmt.Errorf("%w: bundle %s is missing a model", domain.ErrArtifactMissing, p.Version)
	}

	fs := p.Features
	dim := fs.Dim()
	if !features.SameColumns(fs.Columns()) {
		return nil, fmt.Errorf("%w: feature columns %v", domain.ErrInconsistentIndexing, fs.Columns())
	}
	if err := p.Scaler.Validate(dim); err != nil {
		return nil, err
	}
	if p.Autoencoder.InputDim() != dim {
		return nil, fmt.Errorf("%w: autoencoder expects %d features, table has %d",
			domain.ErrInconsistentIndexing, p.Autoencoder.InputDim(), dim)
	}
	if p.Classifier.InputDim() != dim {
		return nil, fmt.Errorf("%w: classifier expects %d features, table has %d",
			domain.ErrInconsistentIndexing, p.Classifier.InputDim(), dim)
	}
	if err := p.Surrogate.Validate(dim); err != nil {
		return nil, err
	}
	for id := range p.Patterns {
		if _, ok := fs.Index(id); !ok {
			return nil, fmt.Errorf("%w: pattern label for unindexed account %q", domain.ErrInconsistentIndexing, id)
		}
	}
	for id := range p.Accounts {
		if _, ok := fs.Index(id); !ok {
			return nil, fmt.Errorf("%w: metadata for unindexed account %q", domain.ErrInconsistentIndexing, id)
		}
	}

	edgeIdx, err := fs.EdgeIndex(p.Edges)
	if err != nil {
		return nil, err
	}
	graph, err := model.NewGraph(fs.Len(), edgeIdx)
	if err != nil {
		return nil, err
	}

	x := fs.Matrix()
	risk, err := p.Classifier.RiskScores(x, graph)
	if err != nil {
		return nil, err
	}
	anomaly := p.Autoencoder.Scores(p.Scaler.Transform(x))

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.Edges = append([]domain.Edge(nil), p.Edges...)
	return &Bundle{parts: p, graph: graph, risk: risk, anomaly: anomaly}, nil
}

// Version returns the bundle version.
func (b *Bundle) Version() string { return b.parts.Version }

// CreatedAt returns when the bundle was built.
func (b *Bundle) CreatedAt() time.Time { return b.parts.CreatedAt }

// Info summarises the bundle for the artifact store and the API.
func (b *Bundle) Info() domain.BundleInfo {
	return domain.BundleInfo{
		Version:         b.parts.Version,
		CreatedAt:       b.parts.CreatedAt,
		Accounts:        b.parts.Features.Len(),
		Edges:           len(b.parts.Edges),
		Features:        b.parts.Features.Dim(),
		IllicitLabels:   b.parts.IllicitLabels,
		ClassifierInput: domain.InputRaw,
		AnomalyInput:    domain.InputScaled,
	}
}

// Features returns the feature set and node index.
func (b *Bundle) Features() *features.IndexedFeatureSet { return b.parts.Features }

// Len returns the number of scored accounts.
func (b *Bundle) Len() int { return len(b.risk) }

// RiskAt returns P(illicit) for the account at index i.
func (b *Bundle) RiskAt(i int) float64 { return b.risk[i] }

// AnomalyAt returns the reconstruction error for the account at index i.
func (b *Bundle) AnomalyAt(i int) float64 { return b.anomaly[i] }

// AnomalyThreshold returns the operator-set anomaly cut-off.
func (b *Bundle) AnomalyThreshold() float64 { return b.parts.AnomalyThreshold }

// IsAnomalous reports whether the account at index i exceeds the threshold.
func (b *Bundle) IsAnomalous(i int) bool { return b.anomaly[i] > b.parts.AnomalyThreshold }

// AnomalyScore scores an arbitrary raw feature vector with the bundle's
// frozen scaler and autoencoder.
func (b *Bundle) AnomalyScore(raw []float64) float64 {
	return b.parts.Autoencoder.Score(b.parts.Scaler.TransformRow(raw))
}

// Surrogate returns the explanation surrogate.
func (b *Bundle) Surrogate() *explain.Forest { return b.parts.Surrogate }

// SurrogateFidelity is the surrogate's agreement rate with the classifier.
func (b *Bundle) SurrogateFidelity() float64 { return b.parts.SurrogateFidelity }

// PatternType returns the account's pattern label, "Complex" when the corpus
// is labelled but the account is not, and "Unknown" without labels.
func (b *Bundle) PatternType(id string) string {
	if p, ok := b.parts.Patterns[id]; ok && p != "" {
		return p
	}
	if b.parts.PatternsLabelled {
		return domain.PatternComplex
	}
	return domain.PatternUnknown
}

// Meta returns display metadata for an account.
func (b *Bundle) Meta(id string) domain.AccountMeta { return b.parts.Accounts[id] }

// classifierProbabilities recomputes the full class distribution; used by
// validation and tests.
func (b *Bundle) classifierProbabilities() (*mat.Dense, error) {
	return b.parts.Classifier.Predict(b.parts.Features.Matrix(), b.graph)
}
