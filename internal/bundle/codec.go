package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/explain"
	"github.com/opensource-finance/sentinel/internal/features"
	"github.com/opensource-finance/sentinel/internal/model"
	"github.com/opensource-finance/sentinel/internal/repository"
)

// Manifest pins the bundle contract and its shape.
type Manifest struct {
	Version           string    `json:"version"`
	CreatedAt         time.Time `json:"created_at"`
	ClassifierInput   string    `json:"classifier_input"`
	AnomalyInput      string    `json:"anomaly_input"`
	Columns           []string  `json:"columns"`
	Accounts          int       `json:"accounts"`
	Edges             int       `json:"edges"`
	IllicitLabels     int       `json:"illicit_labels"`
	AnomalyThreshold  float64   `json:"anomaly_threshold"`
	SurrogateFidelity float64   `json:"surrogate_fidelity"`
}

type featureTable struct {
	Columns []string    `json:"columns"`
	Rows    [][]float64 `json:"rows"`
}

type nodeIndex struct {
	IDs []string `json:"ids"`
}

type patternTable struct {
	Labelled bool              `json:"labelled"`
	Labels   map[string]string `json:"labels"`
}

// Encode serialises a bundle into artifacts, one per kind.
func Encode(b *Bundle) (*domain.BundleInfo, []domain.Artifact, error) {
	p := b.parts
	fs := p.Features

	rows := make([][]float64, fs.Len())
	for i := range rows {
		rows[i] = fs.RowAt(i)
	}

	payloads := []struct {
		kind  string
		value any
	}{
		{domain.ArtifactManifest, Manifest{
			Version:           p.Version,
			CreatedAt:         p.CreatedAt,
			ClassifierInput:   domain.InputRaw,
			AnomalyInput:      domain.InputScaled,
			Columns:           fs.Columns(),
			Accounts:          fs.Len(),
			Edges:             len(p.Edges),
			IllicitLabels:     p.IllicitLabels,
			AnomalyThreshold:  p.AnomalyThreshold,
			SurrogateFidelity: p.SurrogateFidelity,
		}},
		{domain.ArtifactFeatures, featureTable{Columns: fs.Columns(), Rows: rows}},
		{domain.ArtifactNodeIndex, nodeIndex{IDs: fs.IDs()}},
		{domain.ArtifactEdges, p.Edges},
		{domain.ArtifactScaler, p.Scaler},
		{domain.ArtifactAutoencoder, p.Autoencoder},
		{domain.ArtifactClassifier, p.Classifier},
		{domain.ArtifactSurrogate, p.Surrogate},
		{domain.ArtifactPatterns, patternTable{Labelled: p.PatternsLabelled, Labels: p.Patterns}},
		{domain.ArtifactAccounts, p.Accounts},
	}

	artifacts := make([]domain.Artifact, 0, len(payloads))
	for _, pl := range payloads {
		data, err := json.Marshal(pl.value)
		if err != nil {
			return nil, nil, fmt.Errorf("encode %s: %w", pl.kind, err)
		}
		artifacts = append(artifacts, domain.Artifact{
			Kind:     pl.kind,
			Payload:  data,
			Checksum: repository.Checksum(data),
		})
	}

	info := b.Info()
	return &info, artifacts, nil
}

func decode(artifacts map[string]domain.Artifact, kind string, v any) error {
	a, ok := artifacts[kind]
	if !ok {
		return fmt.Errorf("artifact %s: %w", kind, domain.ErrArtifactMissing)
	}
	if a.Checksum != "" && repository.Checksum(a.Payload) != a.Checksum {
		return fmt.Errorf("artifact %s checksum mismatch: %w", kind, domain.ErrArtifactMissing)
	}
	if err := json.Unmarshal(a.Payload, v); err != nil {
		if errors.Is(err, domain.ErrInconsistentIndexing) {
			return fmt.Errorf("artifact %s: %w", kind, err)
		}
		return fmt.Errorf("artifact %s unreadable: %w: %v", kind, domain.ErrArtifactMissing, err)
	}
	return nil
}

// Decode rebuilds and validates a bundle from its artifacts. Missing or
// unreadable artifacts are ErrArtifactMissing; artifacts that disagree with
// each other are ErrInconsistentIndexing.
func Decode(info *domain.BundleInfo, artifacts map[string]domain.Artifact) (*Bundle, error) {
	for _, kind := range domain.RequiredArtifacts() {
		if _, ok := artifacts[kind]; !ok {
			return nil, fmt.Errorf("bundle %s artifact %s: %w", info.Version, kind, domain.ErrArtifactMissing)
		}
	}

	var m Manifest
	if err := decode(artifacts, domain.ArtifactManifest, &m); err != nil {
		return nil, err
	}
	if m.ClassifierInput != domain.InputRaw || m.AnomalyInput != domain.InputScaled {
		return nil, fmt.Errorf("%w: bundle %s pins classifier=%q anomaly=%q, want %q/%q",
			domain.ErrInconsistentIndexing, m.Version, m.ClassifierInput, m.AnomalyInput,
			domain.InputRaw, domain.InputScaled)
	}
	if m.Version != info.Version {
		return nil, fmt.Errorf("%w: manifest version %q stored as %q", domain.ErrInconsistentIndexing, m.Version, info.Version)
	}

	var table featureTable
	var index nodeIndex
	var edges []domain.Edge
	var patterns patternTable
	var accounts map[string]domain.AccountMeta
	scaler := &model.Scaler{}
	ae := &model.Autoencoder{}
	gcn := &model.GCN{}
	forest := &explain.Forest{}

	for kind, v := range map[string]any{
		domain.ArtifactFeatures:    &table,
		domain.ArtifactNodeIndex:   &index,
		domain.ArtifactEdges:       &edges,
		domain.ArtifactScaler:      scaler,
		domain.ArtifactAutoencoder: ae,
		domain.ArtifactClassifier:  gcn,
		domain.ArtifactSurrogate:   forest,
		domain.ArtifactPatterns:    &patterns,
		domain.ArtifactAccounts:    &accounts,
	} {
		if err := decode(artifacts, kind, v); err != nil {
			return nil, err
		}
	}

	if !sameStrings(m.Columns, table.Columns) {
		return nil, fmt.Errorf("%w: manifest columns %v, feature table columns %v",
			domain.ErrInconsistentIndexing, m.Columns, table.Columns)
	}
	if len(index.IDs) != len(table.Rows) || len(index.IDs) != m.Accounts {
		return nil, fmt.Errorf("%w: node index has %d ids, feature table %d rows, manifest %d accounts",
			domain.ErrInconsistentIndexing, len(index.IDs), len(table.Rows), m.Accounts)
	}
	if len(edges) != m.Edges {
		return nil, fmt.Errorf("%w: %d edges stored, manifest records %d", domain.ErrInconsistentIndexing, len(edges), m.Edges)
	}
	fs, err := features.FromRows(table.Columns, index.IDs, table.Rows)
	if err != nil {
		return nil, err
	}

	return New(Parts{
		Version:           m.Version,
		CreatedAt:         m.CreatedAt,
		Features:          fs,
		Edges:             edges,
		Scaler:            scaler,
		Autoencoder:       ae,
		AnomalyThreshold:  m.AnomalyThreshold,
		Classifier:        gcn,
		Surrogate:         forest,
		SurrogateFidelity: m.SurrogateFidelity,
		IllicitLabels:     m.IllicitLabels,
		Patterns:          patterns.Labels,
		PatternsLabelled:  patterns.Labelled,
		Accounts:          accounts,
	})
}

// Load reads a bundle from the repository. An empty version loads the
// active bundle.
func Load(ctx context.Context, repo domain.ArtifactRepository, version string) (*Bundle, error) {
	if version == "" {
		v, err := repo.ActiveVersion(ctx)
		if err != nil {
			return nil, err
		}
		version = v
	}
	info, artifacts, err := repo.LoadArtifacts(ctx, version)
	if err != nil {
		return nil, err
	}
	return Decode(info, artifacts)
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
