// Package reporting answers ranking and explanation queries against the
// active model bundle.
package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/sentinel/internal/bundle"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/explain"
	"github.com/opensource-finance/sentinel/internal/graphstore"
	"github.com/opensource-finance/sentinel/internal/metrics"
	"github.com/opensource-finance/sentinel/internal/telemetry"
)

var tracer = otel.Tracer("sentinel-reporting")

// Config holds the service settings.
type Config struct {
	Reporting domain.ReportingConfig
	Explain   domain.ExplainConfig
}

// IllicitTransaction is one labelled illicit transfer touching an account.
type IllicitTransaction struct {
	ID          string    `json:"transaction_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      float64   `json:"amount"`
	PatternType string    `json:"pattern_type,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Service composes bundle scores, surrogate explanations and benchmarked
// metrics into API responses. Every query reads one bundle snapshot.
type Service struct {
	holder    *bundle.Holder
	store     domain.GraphStore
	cache     domain.Cache
	metrics   *metrics.Engine
	telemetry *telemetry.Metrics
	cfg       Config
}

// NewService creates a reporting service. cache and tel may be nil.
func NewService(holder *bundle.Holder, store domain.GraphStore, cache domain.Cache, engine *metrics.Engine, tel *telemetry.Metrics, cfg Config) *Service {
	if cfg.Reporting.MaxTopN <= 0 {
		cfg.Reporting.MaxTopN = 1000
	}
	if cfg.Reporting.DefaultTopN <= 0 {
		cfg.Reporting.DefaultTopN = 15
	}
	cfg.Reporting.DefaultTopN = min(cfg.Reporting.DefaultTopN, cfg.Reporting.MaxTopN)
	if cfg.Reporting.StatisticsTopN <= 0 {
		cfg.Reporting.StatisticsTopN = 100
	}
	return &Service{
		holder:    holder,
		store:     store,
		cache:     cache,
		metrics:   engine,
		telemetry: tel,
		cfg:       cfg,
	}
}

// DefaultTopN is the ranking size used when the caller gives none.
func (s *Service) DefaultTopN() int { return s.cfg.Reporting.DefaultTopN }

// Bundle returns the active bundle or ErrArtifactMissing.
func (s *Service) Bundle() (*bundle.Bundle, error) {
	b := s.holder.Load()
	if b == nil {
		return nil, fmt.Errorf("no model bundle loaded: %w", domain.ErrArtifactMissing)
	}
	return b, nil
}

func (s *Service) explainer(b *bundle.Bundle) *explain.Explainer {
	return explain.NewExplainer(b.Surrogate(), b.Features().Columns(), s.cfg.Explain.TopK, s.cfg.Explain.MinImpact)
}

// ranked returns account indices by network risk descending, ties by id.
func ranked(b *bundle.Bundle) []int {
	order := make([]int, b.Len())
	for i := range order {
		order[i] = i
	}
	// ids are sorted ascending, so index order is id order
	sort.SliceStable(order, func(x, y int) bool {
		return b.RiskAt(order[x]) > b.RiskAt(order[y])
	})
	return order
}

// TopSuspicious returns the n accounts with the highest network risk score.
// n must lie in [1, MaxTopN]; fewer records come back when the bundle holds
// fewer accounts.
func (s *Service) TopSuspicious(ctx context.Context, n int) ([]domain.ScoreRecord, string, error) {
	ctx, span := tracer.Start(ctx, "reporting.TopSuspicious", trace.WithAttributes(attribute.Int("top.n", n)))
	defer span.End()

	if n <= 0 {
		return nil, "", fmt.Errorf("%w: limit must be positive, got %d", domain.ErrInvalidInput, n)
	}
	if n > s.cfg.Reporting.MaxTopN {
		return nil, "", fmt.Errorf("%w: limit %d exceeds maximum %d", domain.ErrInvalidInput, n, s.cfg.Reporting.MaxTopN)
	}
	b, err := s.Bundle()
	if err != nil {
		return nil, "", err
	}
	span.SetAttributes(attribute.String("bundle.version", b.Version()))

	order := ranked(b)
	if n > len(order) {
		n = len(order)
	}
	ex := s.explainer(b)
	fs := b.Features()

	records := make([]domain.ScoreRecord, n)
	for k, i := range order[:n] {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		id := fs.ID(i)
		records[k] = domain.ScoreRecord{
			AccountID:            id,
			AnomalyScore:         b.AnomalyAt(i),
			IsAnomalous:          b.IsAnomalous(i),
			NetworkRiskScore:     b.RiskAt(i),
			PatternType:          b.PatternType(id),
			State:                b.Meta(id).State,
			FeatureContributions: ex.Contributions(fs.RowAt(i)),
		}
	}
	return records, b.Version(), nil
}

func explainPrefix(version string) string {
	return "explain:" + version + ":"
}

func explainKey(version, id string) string {
	return explainPrefix(version) + id
}

// Invalidate drops cached reports of a bundle version that stopped serving.
func (s *Service) Invalidate(ctx context.Context, version string) {
	if s.cache == nil || version == "" {
		return
	}
	n, err := s.cache.Purge(ctx, explainPrefix(version))
	if err != nil {
		slog.Warn("explanation cache purge failed", "version", version, "error", err)
		return
	}
	slog.Debug("explanation cache purged", "version", version, "entries", n)
}

// Explain builds the full report for one account. Unknown accounts yield
// ErrNotFound. Reports are cached per bundle version and account.
func (s *Service) Explain(ctx context.Context, accountID string) (*domain.AccountReport, error) {
	ctx, span := tracer.Start(ctx, "reporting.Explain", trace.WithAttributes(attribute.String("account.id", accountID)))
	defer span.End()

	b, err := s.Bundle()
	if err != nil {
		return nil, err
	}
	fs := b.Features()
	i, ok := fs.Index(accountID)
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
	}

	key := explainKey(b.Version(), accountID)
	if report, ok := s.cached(ctx, key); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return report, nil
	}

	row := fs.RowAt(i)
	contributions := s.explainer(b).Contributions(row)
	var benchmarked []domain.Metric
	if s.metrics != nil {
		if benchmarked, err = s.metrics.Evaluate(row); err != nil {
			return nil, err
		}
	}

	report := &domain.AccountReport{
		AccountID:        accountID,
		ModelVersion:     b.Version(),
		AnomalyScore:     b.AnomalyAt(i),
		AnomalyThreshold: b.AnomalyThreshold(),
		IsAnomalous:      b.IsAnomalous(i),
		NetworkRiskScore: b.RiskAt(i),
		PatternType:      b.PatternType(accountID),
		State:            b.Meta(accountID).State,
		Explanation: domain.Explanation{
			Summary:              explain.Summary(b.RiskAt(i), b.AnomalyAt(i), explain.Idle(row), contributions),
			FeatureContributions: contributions,
			Metrics:              benchmarked,
			Caveat:               explain.Caveat,
			SurrogateFidelity:    b.SurrogateFidelity(),
		},
	}
	s.remember(ctx, key, report)
	return report, nil
}

func (s *Service) cached(ctx context.Context, key string) (*domain.AccountReport, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("explanation cache read failed", "key", key, "error", err)
	}
	if err != nil || raw == nil {
		s.telemetry.ObserveCache(false)
		return nil, false
	}
	var report domain.AccountReport
	if err := json.Unmarshal(raw, &report); err != nil {
		s.telemetry.ObserveCache(false)
		return nil, false
	}
	s.telemetry.ObserveCache(true)
	return &report, true
}

func (s *Service) remember(ctx context.Context, key string, report *domain.AccountReport) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.cfg.Reporting.CacheTTL); err != nil {
		slog.Warn("explanation cache write failed", "key", key, "error", err)
	}
}

// statisticsSlice returns the top accounts used by the aggregate views.
func (s *Service) statisticsSlice() (*bundle.Bundle, []int, error) {
	b, err := s.Bundle()
	if err != nil {
		return nil, nil, err
	}
	order := ranked(b)
	if n := s.cfg.Reporting.StatisticsTopN; n < len(order) {
		order = order[:n]
	}
	return b, order, nil
}

// PatternStatistics counts pattern labels among the top-ranked accounts,
// most frequent first, ties by name.
func (s *Service) PatternStatistics(ctx context.Context) ([]domain.PatternCount, error) {
	_, span := tracer.Start(ctx, "reporting.PatternStatistics")
	defer span.End()

	b, order, err := s.statisticsSlice()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, i := range order {
		counts[b.PatternType(b.Features().ID(i))]++
	}

	out := make([]domain.PatternCount, 0, len(counts))
	for p, c := range counts {
		out = append(out, domain.PatternCount{Pattern: p, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out, nil
}

// Heatmap counts top-ranked accounts per state.
func (s *Service) Heatmap(ctx context.Context) (map[string]int, error) {
	_, span := tracer.Start(ctx, "reporting.Heatmap")
	defer span.End()

	b, order, err := s.statisticsSlice()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, i := range order {
		state := b.Meta(b.Features().ID(i)).State
		if state == "" {
			state = "Unknown"
		}
		out[state]++
	}
	return out, nil
}

// Network returns the neighbourhood of an account for visualisation.
func (s *Service) Network(ctx context.Context, accountID string, hops int) (*domain.Subgraph, error) {
	ctx, span := tracer.Start(ctx, "reporting.Network", trace.WithAttributes(attribute.String("account.id", accountID)))
	defer span.End()
	return s.store.Neighbors(ctx, accountID, graphstore.ClampHops(hops))
}

// IllicitTransactions lists labelled illicit transfers touching an account.
func (s *Service) IllicitTransactions(ctx context.Context, accountID string) ([]IllicitTransaction, error) {
	ctx, span := tracer.Start(ctx, "reporting.IllicitTransactions", trace.WithAttributes(attribute.String("account.id", accountID)))
	defer span.End()

	if b := s.holder.Load(); b != nil {
		if _, ok := b.Features().Index(accountID); !ok {
			return nil, fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
		}
	}
	transfers, err := s.store.IllicitTransfers(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]IllicitTransaction, len(transfers))
	for i, t := range transfers {
		out[i] = IllicitTransaction{
			ID:          t.ID,
			From:        t.Source,
			To:          t.Target,
			Amount:      t.Amount,
			PatternType: graphstore.NormalizePattern(t.PatternType),
			Timestamp:   t.Timestamp,
		}
	}
	return out, nil
}

// ModelInfo describes the active bundle.
func (s *Service) ModelInfo() (*domain.BundleInfo, error) {
	b, err := s.Bundle()
	if err != nil {
		return nil, err
	}
	info := b.Info()
	info.Active = true
	return &info, nil
}
