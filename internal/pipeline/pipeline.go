// Package pipeline runs the batch that turns the transfer graph into a
// published model bundle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/sentinel/internal/bundle"
	"github.com/opensource-finance/sentinel/internal/bus"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/explain"
	"github.com/opensource-finance/sentinel/internal/features"
	"github.com/opensource-finance/sentinel/internal/model"
	"github.com/opensource-finance/sentinel/internal/telemetry"
)

var tracer = otel.Tracer("sentinel-pipeline")

// ErrBusy is returned when a run is requested while another is in progress.
var ErrBusy = errors.New("batch already running")

// Result summarises one successful run.
type Result struct {
	RunID          string        `json:"run_id"`
	Version        string        `json:"version"`
	Accounts       int           `json:"accounts"`
	Edges          int           `json:"edges"`
	IllicitLabels  int           `json:"illicit_labels"`
	AnomalyLoss    float64       `json:"anomaly_loss"`
	ClassifierLoss float64       `json:"classifier_loss"`
	Fidelity       float64       `json:"surrogate_fidelity"`
	Duration       time.Duration `json:"duration"`
}

// Pipeline extracts features, trains every model and publishes the bundle.
type Pipeline struct {
	store   domain.GraphStore
	repo    domain.ArtifactRepository
	bus     domain.EventBus
	metrics *telemetry.Metrics

	model   domain.ModelConfig
	explain domain.ExplainConfig

	now func() time.Time
	mu  sync.Mutex
}

// New creates a pipeline. bus and metrics may be nil.
func New(store domain.GraphStore, repo domain.ArtifactRepository, bus domain.EventBus, metrics *telemetry.Metrics, modelCfg domain.ModelConfig, explainCfg domain.ExplainConfig) *Pipeline {
	return &Pipeline{
		store:   store,
		repo:    repo,
		bus:     bus,
		metrics: metrics,
		model:   modelCfg,
		explain: explainCfg,
		now:     time.Now,
	}
}

// NewVersion returns a sortable, unique bundle version.
func NewVersion(t time.Time) string {
	return t.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

// Run builds a bundle, persists it as the active one and announces it.
// On any failure nothing is persisted and the previous bundle stays active.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if !p.mu.TryLock() {
		return nil, ErrBusy
	}
	defer p.mu.Unlock()

	start := p.now()
	runID := uuid.New().String()

	ctx, span := tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	slog.Info("batch started", "run_id", runID)
	p.publish(ctx, domain.TopicBatchStarted, domain.BundleEvent{RunID: runID})

	b, res, err := p.build(ctx, runID)
	if err == nil {
		err = p.persist(ctx, b)
	}
	res.Duration = time.Since(start)
	p.metrics.ObserveBatch(res.Duration, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("batch failed",
			"run_id", runID,
			"error", err,
			"duration_ms", res.Duration.Milliseconds(),
		)
		p.publish(ctx, domain.TopicBatchFailed, domain.BundleEvent{RunID: runID, Error: err.Error()})
		return nil, err
	}

	span.SetAttributes(attribute.String("bundle.version", res.Version), attribute.Int("bundle.accounts", res.Accounts))
	slog.Info("bundle published",
		"run_id", runID,
		"version", res.Version,
		"accounts", res.Accounts,
		"edges", res.Edges,
		"illicit_labels", res.IllicitLabels,
		"surrogate_fidelity", res.Fidelity,
		"duration_ms", res.Duration.Milliseconds(),
	)
	p.publish(ctx, domain.TopicBundlePublished, domain.BundleEvent{RunID: runID, Version: res.Version, Accounts: res.Accounts})
	return res, nil
}

// Build trains a bundle without persisting it.
func (p *Pipeline) Build(ctx context.Context) (*bundle.Bundle, *Result, error) {
	b, res, err := p.build(ctx, uuid.New().String())
	if err != nil {
		return nil, nil, err
	}
	return b, res, nil
}

func (p *Pipeline) build(ctx context.Context, runID string) (*bundle.Bundle, *Result, error) {
	res := &Result{RunID: runID}

	// extract
	stage, end := p.stage(ctx, "extract")
	accounts, err := p.store.Accounts(stage)
	if err != nil {
		return nil, res, end(fmt.Errorf("list accounts: %w", err))
	}
	fs, err := features.NewExtractor(p.store, p.model.ExtractBatchSize).Extract(stage, accounts)
	if err != nil {
		return nil, res, end(err)
	}
	if fs.Len() == 0 {
		return nil, res, end(fmt.Errorf("%w: graph has no accounts", domain.ErrInvalidInput))
	}
	edges, err := p.store.Edges(stage)
	if err != nil {
		return nil, res, end(fmt.Errorf("list edges: %w", err))
	}
	tallies, err := p.store.PatternTallies(stage)
	if err != nil {
		return nil, res, end(fmt.Errorf("pattern tallies: %w", err))
	}
	end(nil)

	known := make(map[string]bool, fs.Len())
	meta := make(map[string]domain.AccountMeta, len(accounts))
	for _, a := range accounts {
		known[a.ID] = true
		meta[a.ID] = domain.AccountMeta{City: a.City, State: a.State, Type: a.Type}
	}
	labels, skipped := deriveLabels(tallies, known)
	if skipped > 0 {
		slog.Warn("pattern tallies reference unknown accounts", "run_id", runID, "skipped", skipped)
	}
	if len(labels.illicit) == 0 {
		slog.Warn("no illicit labels; classifier will learn a single class", "run_id", runID)
	}
	y := fs.Labels(labels.illicit)

	edgeIdx, err := fs.EdgeIndex(edges)
	if err != nil {
		return nil, res, err
	}
	graph, err := model.NewGraph(fs.Len(), edgeIdx)
	if err != nil {
		return nil, res, err
	}
	x := fs.Matrix()

	// anomaly scorer
	stage, end = p.stage(ctx, "autoencoder")
	scaler, err := model.FitScaler(x)
	if err != nil {
		return nil, res, end(err)
	}
	ae, aeLoss, err := model.TrainAutoencoder(stage, scaler.Transform(x), model.AutoencoderConfig{
		Hidden:       p.model.AEHidden,
		Bottleneck:   p.model.AEBottleneck,
		Epochs:       p.model.AEEpochs,
		LearningRate: p.model.AELearningRate,
		Seed:         p.model.Seed,
	})
	if err != nil {
		return nil, res, end(fmt.Errorf("train autoencoder: %w", err))
	}
	end(nil)

	// network classifier
	stage, end = p.stage(ctx, "classifier")
	gcn, gcnLoss, err := model.TrainGCN(stage, x, graph, y, labels.involvementAt(fs.IDs()), model.GCNConfig{
		Hidden:       p.model.GCNHidden,
		Epochs:       p.model.GCNEpochs,
		LearningRate: p.model.GCNLearningRate,
		Seed:         p.model.Seed,
	})
	if err != nil {
		return nil, res, end(fmt.Errorf("train classifier: %w", err))
	}
	risk, err := gcn.RiskScores(x, graph)
	if err != nil {
		return nil, res, end(err)
	}
	end(nil)

	// surrogate mimics the classifier's hard predictions
	stage, end = p.stage(ctx, "surrogate")
	predicted := make([]int, len(risk))
	for i, r := range risk {
		if r > 0.5 {
			predicted[i] = 1
		}
	}
	forest, err := explain.FitForest(stage, x, predicted, explain.ForestConfig{
		Trees:    p.explain.Trees,
		MaxDepth: p.explain.MaxDepth,
		Seed:     p.explain.Seed,
	})
	if err != nil {
		return nil, res, end(fmt.Errorf("fit surrogate: %w", err))
	}
	fidelity := forest.Fidelity(x, predicted)
	end(nil)

	b, err := bundle.New(bundle.Parts{
		Version:           NewVersion(p.now()),
		CreatedAt:         p.now().UTC(),
		Features:          fs,
		Edges:             edges,
		Scaler:            scaler,
		Autoencoder:       ae,
		AnomalyThreshold:  p.model.AnomalyThreshold,
		Classifier:        gcn,
		Surrogate:         forest,
		SurrogateFidelity: fidelity,
		IllicitLabels:     len(labels.illicit),
		Patterns:          labels.patterns,
		PatternsLabelled:  labels.labelled,
		Accounts:          meta,
	})
	if err != nil {
		return nil, res, err
	}

	res.Version = b.Version()
	res.Accounts = fs.Len()
	res.Edges = len(edges)
	res.IllicitLabels = len(labels.illicit)
	res.AnomalyLoss = aeLoss
	res.ClassifierLoss = gcnLoss
	res.Fidelity = fidelity
	return b, res, nil
}

func (p *Pipeline) persist(ctx context.Context, b *bundle.Bundle) error {
	ctx, span := tracer.Start(ctx, "pipeline.persist")
	defer span.End()

	info, artifacts, err := bundle.Encode(b)
	if err != nil {
		return err
	}
	if err := p.repo.SaveBundle(ctx, info, artifacts); err != nil {
		return fmt.Errorf("save bundle %s: %w", info.Version, err)
	}
	return nil
}

// stage opens a child span; the returned func ends it and passes err through.
func (p *Pipeline) stage(ctx context.Context, name string) (context.Context, func(error) error) {
	start := p.now()
	ctx, span := tracer.Start(ctx, "pipeline."+name)
	return ctx, func(err error) error {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		slog.Debug("batch stage finished", "stage", name, "duration_ms", time.Since(start).Milliseconds(), "ok", err == nil)
		return err
	}
}

func (p *Pipeline) publish(ctx context.Context, topic string, ev domain.BundleEvent) {
	if p.bus == nil {
		return
	}
	if err := bus.PublishEvent(ctx, p.bus, topic, ev); err != nil {
		slog.Error("failed to publish batch event",
			"topic", topic,
			"run_id", ev.RunID,
			"error", err,
		)
	}
}
