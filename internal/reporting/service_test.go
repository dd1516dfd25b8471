package reporting

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/sentinel/internal/bundle"
	"github.com/opensource-finance/sentinel/internal/cache"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/graphstore"
	"github.com/opensource-finance/sentinel/internal/metrics"
	"github.com/opensource-finance/sentinel/internal/pipeline"
	"github.com/opensource-finance/sentinel/internal/telemetry"
)

const fanInTarget = "ACCX"

// fanInLedger builds the fan-in scenario: ACCX receives 20 transfers of about
// 30,000 INR from 20 distinct feeders within 72 hours, while 30 unrelated
// pairs exchange one small transfer each and one account never transacts.
func fanInLedger(t *testing.T) *graphstore.MemoryStore {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

	var accounts []domain.Account
	var transfers []domain.Transfer
	add := func(id, state string) {
		accounts = append(accounts, domain.Account{ID: id, State: state, InitialRiskRating: 3})
	}

	add(fanInTarget, "Delhi")
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("FEED%02d", i)
		add(id, "Punjab")
		transfers = append(transfers, domain.Transfer{
			ID:          fmt.Sprintf("TXF%02d", i),
			Source:      id,
			Target:      fanInTarget,
			Timestamp:   start.Add(time.Duration(i*3) * time.Hour),
			Amount:      29500 + float64(i*50),
			IsIllicit:   true,
			PatternType: "SMURFING",
		})
	}
	for i := 0; i < 30; i++ {
		src, dst := fmt.Sprintf("PAIRA%02d", i), fmt.Sprintf("PAIRB%02d", i)
		add(src, "Kerala")
		add(dst, "Kerala")
		transfers = append(transfers, domain.Transfer{
			ID:          fmt.Sprintf("TXP%02d", i),
			Source:      src,
			Target:      dst,
			Timestamp:   start.Add(time.Duration(i) * time.Hour),
			Amount:      100 + float64(i*30),
			PatternType: domain.PatternNone,
		})
	}
	add("IDLE", "")

	store := graphstore.NewMemoryStore()
	if err := store.LoadAccounts(ctx, accounts); err != nil {
		t.Fatalf("load accounts: %v", err)
	}
	if err := store.LoadTransfers(ctx, transfers); err != nil {
		t.Fatalf("load transfers: %v", err)
	}
	return store
}

type fixture struct {
	store   *graphstore.MemoryStore
	bundle  *bundle.Bundle
	service *Service
	cache   *cache.LRUCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := domain.DefaultConfig()
	store := fanInLedger(t)

	b, _, err := pipeline.New(store, nil, nil, nil, cfg.Model, cfg.Explain).Build(context.Background())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	engine, err := metrics.NewDefaultEngine()
	if err != nil {
		t.Fatalf("metrics engine: %v", err)
	}
	lru := cache.NewLRUCache(100)
	svc := NewService(bundle.NewHolder(b), store, lru, engine, telemetry.New(), Config{
		Reporting: cfg.Reporting,
		Explain:   cfg.Explain,
	})
	return &fixture{store: store, bundle: b, service: svc, cache: lru}
}

func TestFanInScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("TopSuspiciousRanksFanInTarget", func(t *testing.T) {
		records, version, err := f.service.TopSuspicious(ctx, 5)
		if err != nil {
			t.Fatalf("TopSuspicious failed: %v", err)
		}
		if version != f.bundle.Version() {
			t.Errorf("expected version %s, got %s", f.bundle.Version(), version)
		}
		if len(records) != 5 {
			t.Fatalf("expected 5 records, got %d", len(records))
		}

		var target *domain.ScoreRecord
		for i := range records {
			if records[i].AccountID == fanInTarget {
				target = &records[i]
			}
		}
		if target == nil {
			t.Fatalf("%s missing from top 5: %+v", fanInTarget, records)
		}
		if records[0].AccountID != fanInTarget {
			t.Errorf("expected %s to outrank its feeders, got %s first", fanInTarget, records[0].AccountID)
		}
		if target.PatternType != "Smurfing" {
			t.Errorf("expected Smurfing, got %s", target.PatternType)
		}

		all, _, _ := f.service.TopSuspicious(ctx, 1000)
		for _, r := range all {
			if strings.HasPrefix(r.AccountID, "PAIR") && r.NetworkRiskScore >= target.NetworkRiskScore {
				t.Errorf("isolated account %s (%.4f) not below %s (%.4f)",
					r.AccountID, r.NetworkRiskScore, fanInTarget, target.NetworkRiskScore)
			}
		}
	})

	t.Run("ExplainPointsAtInboundActivity", func(t *testing.T) {
		report, err := f.service.Explain(ctx, fanInTarget)
		if err != nil {
			t.Fatalf("Explain failed: %v", err)
		}
		top := report.Explanation.FeatureContributions[0]
		inbound := map[string]bool{
			"in_degree": true, "total_amount_in": true, "avg_amount_in": true,
			"transaction_volume": true, "net_flow": true,
		}
		if !inbound[top.Feature] {
			t.Errorf("expected an inbound or volume feature on top, got %+v", report.Explanation.FeatureContributions)
		}
		if top.Impact <= 0 {
			t.Errorf("top contribution must push toward illicit, got %v", top.Impact)
		}
		if !strings.Contains(report.Explanation.Summary, top.Label) {
			t.Errorf("summary %q does not name %q", report.Explanation.Summary, top.Label)
		}
		if report.Explanation.Caveat == "" || report.Explanation.SurrogateFidelity <= 0 {
			t.Errorf("explanation must carry caveat and fidelity: %+v", report.Explanation)
		}

		byName := map[string]domain.Metric{}
		for _, m := range report.Explanation.Metrics {
			byName[m.Name] = m
		}
		if m := byName["Total Inbound Amount"]; !m.Exceeds || m.Value < 590000 {
			t.Errorf("unexpected inbound metric %+v", m)
		}
		if m := byName["Inbound Transfers"]; m.Value != 20 || !m.Exceeds {
			t.Errorf("unexpected inbound transfers metric %+v", m)
		}
	})

	t.Run("ZeroTransferAccount", func(t *testing.T) {
		report, err := f.service.Explain(ctx, "IDLE")
		if err != nil {
			t.Fatalf("Explain failed: %v", err)
		}
		got := report.Explanation.FeatureContributions
		if len(got) != 1 || !got[0].IsSentinel() {
			t.Errorf("expected the no significant factor sentinel, got %+v", got)
		}
		if summary := report.Explanation.Summary; !strings.Contains(summary, "no recorded transfers") ||
			strings.Contains(summary, "connections") {
			t.Errorf("unexpected summary %q", summary)
		}
		x, _ := f.service.Explain(ctx, fanInTarget)
		if report.NetworkRiskScore < 0 || report.NetworkRiskScore >= x.NetworkRiskScore {
			t.Errorf("idle risk %.4f must be in range and below %.4f", report.NetworkRiskScore, x.NetworkRiskScore)
		}
		if report.PatternType != domain.PatternComplex {
			t.Errorf("expected Complex, got %s", report.PatternType)
		}
	})
}

func TestTopSuspicious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("SortedAndUnique", func(t *testing.T) {
		records, _, err := f.service.TopSuspicious(ctx, 1000)
		if err != nil {
			t.Fatalf("TopSuspicious failed: %v", err)
		}
		if len(records) != f.bundle.Len() {
			t.Fatalf("expected min(n, accounts) = %d, got %d", f.bundle.Len(), len(records))
		}
		seen := map[string]bool{}
		for i, r := range records {
			if seen[r.AccountID] {
				t.Errorf("duplicate account %s", r.AccountID)
			}
			seen[r.AccountID] = true
			if r.NetworkRiskScore < 0 || r.NetworkRiskScore > 1 {
				t.Errorf("risk out of range: %+v", r)
			}
			if i == 0 {
				continue
			}
			prev := records[i-1]
			if prev.NetworkRiskScore < r.NetworkRiskScore ||
				(prev.NetworkRiskScore == r.NetworkRiskScore && prev.AccountID > r.AccountID) {
				t.Errorf("records %d and %d out of order", i-1, i)
			}
			if len(r.FeatureContributions) == 0 {
				t.Errorf("record %s has no contributions", r.AccountID)
			}
		}
	})

	t.Run("InvalidLimit", func(t *testing.T) {
		for _, n := range []int{0, -3} {
			if _, _, err := f.service.TopSuspicious(ctx, n); !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("n=%d: expected ErrInvalidInput, got %v", n, err)
			}
		}
	})

	t.Run("LimitAboveMaximum", func(t *testing.T) {
		reporting := domain.DefaultConfig().Reporting
		reporting.MaxTopN = 20
		svc := NewService(bundle.NewHolder(f.bundle), f.store, nil, nil, nil, Config{Reporting: reporting})

		if _, _, err := svc.TopSuspicious(ctx, 40); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput above the maximum, got %v", err)
		}
		records, _, err := svc.TopSuspicious(ctx, 20)
		if err != nil || len(records) != 20 {
			t.Errorf("expected 20 records at the maximum, got %d (%v)", len(records), err)
		}
		if svc.DefaultTopN() != 15 {
			t.Errorf("a maximum above the default must not change it, got %d", svc.DefaultTopN())
		}

		reporting.MaxTopN = 5
		svc = NewService(bundle.NewHolder(f.bundle), f.store, nil, nil, nil, Config{Reporting: reporting})
		if svc.DefaultTopN() != 5 {
			t.Errorf("expected default clamped to the maximum 5, got %d", svc.DefaultTopN())
		}
		if _, _, err := svc.TopSuspicious(ctx, 6); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected a maximum of 5 to be kept, got %v", err)
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		a, _, _ := f.service.TopSuspicious(ctx, 10)
		b, _, _ := f.service.TopSuspicious(ctx, 10)
		if !reflect.DeepEqual(a, b) {
			t.Error("repeated rankings differ")
		}
	})
}

func TestExplain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("UnknownAccount", func(t *testing.T) {
		if _, err := f.service.Explain(ctx, "NOPE"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("CachedAndIdempotent", func(t *testing.T) {
		first, err := f.service.Explain(ctx, "FEED03")
		if err != nil {
			t.Fatalf("Explain failed: %v", err)
		}
		raw, _ := f.cache.Get(ctx, explainKey(f.bundle.Version(), "FEED03"))
		if raw == nil {
			t.Fatal("expected report to be cached")
		}
		second, err := f.service.Explain(ctx, "FEED03")
		if err != nil {
			t.Fatalf("Explain failed: %v", err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Errorf("cached report differs:\n%+v\n%+v", first, second)
		}
	})

	t.Run("InvalidateDropsVersion", func(t *testing.T) {
		if _, err := f.service.Explain(ctx, "FEED03"); err != nil {
			t.Fatalf("Explain failed: %v", err)
		}
		_ = f.cache.Set(ctx, explainKey("other-version", "FEED03"), []byte(`{}`), time.Minute)

		f.service.Invalidate(ctx, f.bundle.Version())
		if raw, _ := f.cache.Get(ctx, explainKey(f.bundle.Version(), "FEED03")); raw != nil {
			t.Error("expected report of the invalidated version to be purged")
		}
		if raw, _ := f.cache.Get(ctx, explainKey("other-version", "FEED03")); raw == nil {
			t.Error("other versions must stay cached")
		}
	})

	t.Run("WithoutCache", func(t *testing.T) {
		svc := NewService(bundle.NewHolder(f.bundle), f.store, nil, nil, nil, Config{})
		svc.Invalidate(ctx, f.bundle.Version())
		a, err := svc.Explain(ctx, "PAIRA01")
		if err != nil {
			t.Fatalf("Explain failed: %v", err)
		}
		b, _ := svc.Explain(ctx, "PAIRA01")
		if !reflect.DeepEqual(a, b) {
			t.Error("repeated explanations differ")
		}
		if a.ModelVersion != f.bundle.Version() || a.AnomalyThreshold != f.bundle.AnomalyThreshold() {
			t.Errorf("unexpected report header %+v", a)
		}
	})
}

func TestStatistics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	patterns, err := f.service.PatternStatistics(ctx)
	if err != nil {
		t.Fatalf("PatternStatistics failed: %v", err)
	}
	want := []domain.PatternCount{
		{Pattern: domain.PatternComplex, Count: 61},
		{Pattern: "Smurfing", Count: 21},
	}
	if !reflect.DeepEqual(patterns, want) {
		t.Errorf("expected %+v, got %+v", want, patterns)
	}

	heat, err := f.service.Heatmap(ctx)
	if err != nil {
		t.Fatalf("Heatmap failed: %v", err)
	}
	wantHeat := map[string]int{"Delhi": 1, "Punjab": 20, "Kerala": 60, "Unknown": 1}
	if !reflect.DeepEqual(heat, wantHeat) {
		t.Errorf("expected %v, got %v", wantHeat, heat)
	}

	t.Run("SliceLimit", func(t *testing.T) {
		svc := NewService(bundle.NewHolder(f.bundle), f.store, nil, nil, nil, Config{
			Reporting: domain.ReportingConfig{StatisticsTopN: 10},
		})
		heat, _ := svc.Heatmap(ctx)
		total := 0
		for _, c := range heat {
			total += c
		}
		if total != 10 {
			t.Errorf("expected 10 accounts in heatmap, got %d", total)
		}
	})
}

func TestNetworkAndTransactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.service.Network(ctx, fanInTarget, 0)
	if err != nil {
		t.Fatalf("Network failed: %v", err)
	}
	if g.Hops != 1 || len(g.Nodes) != 21 || len(g.Edges) != 20 {
		t.Errorf("expected 1 hop, 21 nodes and 20 edges, got %d/%d/%d", g.Hops, len(g.Nodes), len(g.Edges))
	}
	if _, err := f.service.Network(ctx, "NOPE", 1); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	txs, err := f.service.IllicitTransactions(ctx, fanInTarget)
	if err != nil {
		t.Fatalf("IllicitTransactions failed: %v", err)
	}
	if len(txs) != 20 {
		t.Fatalf("expected 20 illicit transactions, got %d", len(txs))
	}
	for _, tx := range txs {
		if tx.To != fanInTarget || tx.PatternType != "Smurfing" {
			t.Errorf("unexpected transaction %+v", tx)
		}
	}
	if _, err := f.service.IllicitTransactions(ctx, "NOPE"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNoBundleLoaded(t *testing.T) {
	svc := NewService(bundle.NewHolder(nil), graphstore.NewMemoryStore(), nil, nil, nil, Config{})
	ctx := context.Background()

	if _, _, err := svc.TopSuspicious(ctx, 5); !errors.Is(err, domain.ErrArtifactMissing) {
		t.Errorf("expected ErrArtifactMissing, got %v", err)
	}
	if _, err := svc.Explain(ctx, "A"); !errors.Is(err, domain.ErrArtifactMissing) {
		t.Errorf("expected ErrArtifactMissing, got %v", err)
	}
	if _, err := svc.ModelInfo(); !errors.Is(err, domain.ErrArtifactMissing) {
		t.Errorf("expected ErrArtifactMissing, got %v", err)
	}
}
