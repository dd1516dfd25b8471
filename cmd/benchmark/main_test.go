package main

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/graphstore"
	"github.com/opensource-finance/sentinel/internal/pipeline"
)

func TestMetrics(t *testing.T) {
	m := &Metrics{TruePositives: 6, FalsePositives: 2, TrueNegatives: 10, FalseNegatives: 2, TopN: 4, TopHits: 3}

	if m.Precision() != 0.75 || m.Recall() != 0.75 || m.F1() != 0.75 {
		t.Errorf("unexpected precision/recall/f1: %v %v %v", m.Precision(), m.Recall(), m.F1())
	}
	if m.Accuracy() != 0.8 {
		t.Errorf("expected accuracy 0.8, got %v", m.Accuracy())
	}
	if m.HitRate() != 0.75 {
		t.Errorf("expected hit rate 0.75, got %v", m.HitRate())
	}

	empty := &Metrics{}
	if empty.Precision() != 0 || empty.F1() != 0 || empty.HitRate() != 0 {
		t.Error("empty metrics must be zero, not NaN")
	}
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	store := graphstore.NewMemoryStore()

	accounts := []domain.Account{{ID: "HUB"}}
	var transfers []domain.Transfer
	for i := 0; i < 4; i++ {
		mule := fmt.Sprintf("MULE%d", i)
		accounts = append(accounts, domain.Account{ID: mule})
		transfers = append(transfers, domain.Transfer{
			ID: fmt.Sprintf("T%d", i), Source: mule, Target: "HUB", Amount: 40000, IsIllicit: true, PatternType: "SMURFING",
		})
	}
	for i := 0; i < 4; i++ {
		a, b := fmt.Sprintf("A%d", i), fmt.Sprintf("B%d", i)
		accounts = append(accounts, domain.Account{ID: a}, domain.Account{ID: b})
		transfers = append(transfers, domain.Transfer{ID: fmt.Sprintf("P%d", i), Source: a, Target: b, Amount: 200})
	}
	if err := store.LoadAccounts(ctx, accounts); err != nil {
		t.Fatalf("load accounts: %v", err)
	}
	if err := store.LoadTransfers(ctx, transfers); err != nil {
		t.Fatalf("load transfers: %v", err)
	}

	cfg := domain.DefaultConfig()
	cfg.Model.AEEpochs = 20
	cfg.Explain.Trees = 5
	b, _, err := pipeline.New(store, nil, nil, nil, cfg.Model, cfg.Explain).Build(ctx)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	illicit := map[string]bool{"HUB": true, "MULE0": true, "MULE1": true, "MULE2": true, "MULE3": true, "GHOST": true}
	m := evaluate(b, illicit, 0.5, 20)

	if m.TotalAccounts != 13 || m.TotalIllicit != 5 || m.Unlabelled != 1 {
		t.Errorf("unexpected totals: %+v", m)
	}
	if got := m.TruePositives + m.FalsePositives + m.TrueNegatives + m.FalseNegatives; got != 13 {
		t.Errorf("confusion matrix must cover every account, got %d", got)
	}
	if m.TopN != 13 || m.TopHits != 5 {
		t.Errorf("top-N must clamp to the bundle size: %+v", m)
	}

	t.Run("ThresholdExtremes", func(t *testing.T) {
		all := evaluate(b, illicit, 0, 1)
		if all.Recall() != 1 || all.FalsePositives != 8 {
			t.Errorf("threshold 0 must flag everything: %+v", all)
		}
		none := evaluate(b, illicit, math.Inf(1), 1)
		if none.TruePositives+none.FalsePositives != 0 {
			t.Errorf("infinite threshold must flag nothing: %+v", none)
		}
	})
}
